// Package sqlstore implements store.Store on database/sql. The same schema
// and queries serve SQLite (modernc.org/sqlite) and PostgreSQL (lib/pq).
package sqlstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/matthewmarion/workflow-service/internal/store"
)

//go:embed migrations/001_documents.sql
var migrationV1 string

// Dialect selects placeholder syntax.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

func (d Dialect) String() string {
	switch d {
	case SQLite:
		return "sqlite"
	case Postgres:
		return "postgres"
	default:
		return "unknown"
	}
}

// rebind rewrites ? placeholders as $1, $2, ... for PostgreSQL.
func (d Dialect) rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Store is a store.Store backed by a SQL database.
type Store struct {
	db      *sql.DB
	dialect Dialect
	ttl     time.Duration
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithMutexTTL sets how long a mutex lease lasts before another holder may take it.
func WithMutexTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New wraps an open database. Call Migrate before first use on a fresh database.
func New(db *sql.DB, dialect Dialect, opts ...Option) *Store {
	s := &Store{
		db:      db,
		dialect: dialect,
		ttl:     5 * time.Minute,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenSQLite opens (creating if needed) a SQLite database file and migrates it.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return open(ctx, db, SQLite, opts)
}

// OpenPostgres connects to PostgreSQL and migrates the schema.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return open(ctx, db, Postgres, opts)
}

func open(ctx context.Context, db *sql.DB, dialect Dialect, opts []Option) (*Store, error) {
	s := New(db, dialect, opts...)
	if err := s.Migrate(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("running migrations: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Migrate creates the documents and mutexes tables.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, migrationV1); err != nil {
		return fmt.Errorf("applying migration v1: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get retrieves a document by id.
func (s *Store) Get(ctx context.Context, id string) (json.RawMessage, error) {
	var value string
	err := s.db.QueryRowContext(ctx, s.dialect.rebind("SELECT value FROM documents WHERE id = ?"), id).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting %s: %w", id, err)
	}
	return json.RawMessage(value), nil
}

// Put upserts a document.
func (s *Store) Put(ctx context.Context, id string, doc json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO documents (id, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`),
		id, string(doc), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("putting %s: %w", id, err)
	}
	return nil
}

// Delete removes a document.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.rebind("DELETE FROM documents WHERE id = ?"), id); err != nil {
		return fmt.Errorf("deleting %s: %w", id, err)
	}
	return nil
}

// Query returns one page of documents under q.Path, ordered by id.
// The page token is the id of the last document on the previous page.
func (s *Store) Query(ctx context.Context, q store.Query) (*store.Page, error) {
	size := q.PageSize
	if size <= 0 {
		size = store.DefaultPageSize
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		`SELECT id, value FROM documents WHERE id LIKE ? ESCAPE '\' AND id > ? ORDER BY id LIMIT ?`),
		likePrefix(store.PathPrefix(q.Path)), q.PageStartToken, size+1)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", q.Path, err)
	}
	defer rows.Close()

	page := &store.Page{}
	var ids []string
	for rows.Next() {
		var id, value string
		if err := rows.Scan(&id, &value); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", q.Path, err)
		}
		ids = append(ids, id)
		page.Results = append(page.Results, json.RawMessage(value))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s: %w", q.Path, err)
	}

	if len(page.Results) > size {
		page.Results = page.Results[:size]
		page.NextPageStartToken = ids[size-1]
	}
	return page, nil
}

func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

// CreateMutex returns a mutex stored in the mutexes table.
func (s *Store) CreateMutex(name, holder string) store.Mutex {
	return &mutex{store: s, name: name, holder: holder}
}

type mutex struct {
	store  *Store
	name   string
	holder string
}

func (m *mutex) Lock(ctx context.Context) error {
	return store.Acquire(ctx, m.name, m.TryLock)
}

// TryLock inserts the lease, or takes it over when it is ours or expired.
func (m *mutex) TryLock(ctx context.Context) (bool, error) {
	s := m.store
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO mutexes (name, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			holder = excluded.holder,
			expires_at = excluded.expires_at
		WHERE mutexes.holder = excluded.holder OR mutexes.expires_at < ?`),
		m.name, m.holder, now.Add(s.ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("locking %s: %w", m.name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("locking %s: %w", m.name, err)
	}
	return n > 0, nil
}

func (m *mutex) Unlock(ctx context.Context) error {
	s := m.store
	if _, err := s.db.ExecContext(ctx, s.dialect.rebind("DELETE FROM mutexes WHERE name = ? AND holder = ?"), m.name, m.holder); err != nil {
		return fmt.Errorf("unlocking %s: %w", m.name, err)
	}
	return nil
}
