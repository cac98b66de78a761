package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthewmarion/workflow-service/internal/store"
)

func newTestSQLite(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "store.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLite_GetPutDelete(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "/job-assignments/1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.Put(ctx, "/job-assignments/1", json.RawMessage(`{"status":"Running"}`)))
	require.NoError(t, s.Put(ctx, "/job-assignments/1", json.RawMessage(`{"status":"Completed"}`)))

	doc, err := s.Get(ctx, "/job-assignments/1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"Completed"}`, string(doc))

	require.NoError(t, s.Delete(ctx, "/job-assignments/1"))
	_, err = s.Get(ctx, "/job-assignments/1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSQLite_QueryDrainsPages(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("/workflow-executions/%02d", i)
		require.NoError(t, s.Put(ctx, id, json.RawMessage(fmt.Sprintf(`{"id":%q}`, id))))
	}
	// Underscores in ids must not act as LIKE wildcards.
	require.NoError(t, s.Put(ctx, "/workflow_executions/x", json.RawMessage(`{"id":"/workflow_executions/x"}`)))

	page, err := s.Query(ctx, store.Query{Path: "/workflow-executions", PageSize: 2})
	require.NoError(t, err)
	assert.Len(t, page.Results, 2)
	assert.Equal(t, "/workflow-executions/01", page.NextPageStartToken)

	type rec struct {
		ID string `json:"id"`
	}
	all, err := store.QueryAll[rec](ctx, s, "/workflow-executions")
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "/workflow-executions/04", all[4].ID)

	underscored, err := store.QueryAll[rec](ctx, s, "/workflow_executions")
	require.NoError(t, err)
	require.Len(t, underscored, 1)
	assert.Equal(t, "/workflow_executions/x", underscored[0].ID)
}

func TestSQLite_Mutex(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	a := s.CreateMutex("/job-assignments/1", "a")
	b := s.CreateMutex("/job-assignments/1", "b")

	ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "holder may re-acquire")

	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Unlock(ctx), "unlock by non-holder is ignored")
	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Unlock(ctx))
	require.NoError(t, b.Lock(ctx))
}

func TestSQLite_MutexLeaseExpires(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := newTestSQLite(t, WithMutexTTL(time.Minute), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	ok, err := s.CreateMutex("rule", "a").TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	ok, err = s.CreateMutex("rule", "b").TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPostgres_GetUsesNumberedPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New(db, Postgres)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM documents WHERE id = $1")).
		WithArgs("/workflows/test1").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(`{"name":"test1"}`))

	doc, err := s.Get(ctx, "/workflows/test1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"test1"}`, string(doc))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM documents WHERE id = $1")).
		WithArgs("/workflows/missing").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	_, err = s.Get(ctx, "/workflows/missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_TryLockReportsContention(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New(db, Postgres)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO mutexes (name, holder, expires_at) VALUES ($1, $2, $3)")).
		WithArgs("rule", "b", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM mutexes WHERE name = $1 AND holder = $2")).
		WithArgs("rule", "b").
		WillReturnResult(sqlmock.NewResult(0, 0))

	m := s.CreateMutex("rule", "b")
	ok, err := m.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, m.Unlock(ctx))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_QueryRequestsOneExtraRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New(db, Postgres)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, value FROM documents WHERE id LIKE $1")).
		WithArgs(`/workflow-executions/%`, "", 3).
		WillReturnRows(sqlmock.NewRows([]string{"id", "value"}).
			AddRow("/workflow-executions/a", `{}`).
			AddRow("/workflow-executions/b", `{}`).
			AddRow("/workflow-executions/c", `{}`))

	page, err := s.Query(context.Background(), store.Query{Path: "/workflow-executions", PageSize: 2})
	require.NoError(t, err)
	assert.Len(t, page.Results, 2)
	assert.Equal(t, "/workflow-executions/b", page.NextPageStartToken)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDialect_Rebind(t *testing.T) {
	assert.Equal(t, "a = ? AND b = ?", SQLite.rebind("a = ? AND b = ?"))
	assert.Equal(t, "a = $1 AND b = $2", Postgres.rebind("a = ? AND b = ?"))
}
