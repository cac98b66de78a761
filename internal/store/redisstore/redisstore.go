// Package redisstore implements store.Store on Redis. Documents are plain
// string keys; a sorted set with equal scores indexes ids so prefix queries
// can page with ZRANGEBYLEX.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matthewmarion/workflow-service/internal/store"
)

// KEYS[1] = mutex key, ARGV[1] = holder, ARGV[2] = lease in milliseconds.
var tryLockScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == false or current == ARGV[1] then
    redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
    return 1
end
return 0
`)

// KEYS[1] = mutex key, ARGV[1] = holder.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Config holds connection settings.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	MutexTTL  time.Duration
}

// Store is a store.Store backed by Redis.
type Store struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}
	return NewWithClient(rdb, cfg.KeyPrefix, cfg.MutexTTL), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client redis.UniversalClient, keyPrefix string, ttl time.Duration) *Store {
	if keyPrefix == "" {
		keyPrefix = "workflow-service:"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Store{client: client, prefix: keyPrefix, ttl: ttl}
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) docKey(id string) string { return s.prefix + "doc:" + id }

func (s *Store) indexKey() string { return s.prefix + "docs" }

func (s *Store) mutexKey(name string) string { return s.prefix + "mutex:" + name }

// Get retrieves a document by id.
func (s *Store) Get(ctx context.Context, id string) (json.RawMessage, error) {
	b, err := s.client.Get(ctx, s.docKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting %s: %w", id, err)
	}
	return json.RawMessage(b), nil
}

// Put stores a document and indexes its id.
func (s *Store) Put(ctx context.Context, id string, doc json.RawMessage) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.docKey(id), []byte(doc), 0)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: 0, Member: id})
		return nil
	})
	if err != nil {
		return fmt.Errorf("putting %s: %w", id, err)
	}
	return nil
}

// Delete removes a document and its index entry.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.docKey(id))
		pipe.ZRem(ctx, s.indexKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting %s: %w", id, err)
	}
	return nil
}

// Query pages through ids under q.Path in lexical order.
func (s *Store) Query(ctx context.Context, q store.Query) (*store.Page, error) {
	size := q.PageSize
	if size <= 0 {
		size = store.DefaultPageSize
	}
	prefix := store.PathPrefix(q.Path)

	lower := "[" + prefix
	if q.PageStartToken > prefix {
		lower = "(" + q.PageStartToken
	}
	ids, err := s.client.ZRangeByLex(ctx, s.indexKey(), &redis.ZRangeBy{
		Min:   lower,
		Max:   "(" + prefix + "\xff",
		Count: int64(size + 1),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", q.Path, err)
	}

	page := &store.Page{}
	if len(ids) > size {
		ids = ids[:size]
		page.NextPageStartToken = ids[size-1]
	}
	if len(ids) == 0 {
		return page, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.docKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", q.Path, err)
	}
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			// Deleted between the index read and the load.
			continue
		}
		page.Results = append(page.Results, json.RawMessage(str))
	}
	return page, nil
}

// CreateMutex returns a mutex stored under a lease key.
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

func (m *mutex) TryLock(ctx context.Context) (bool, error) {
	s := m.store
	n, err := tryLockScript.Run(ctx, s.client, []string{s.mutexKey(m.name)}, m.holder, s.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("locking %s: %w", m.name, err)
	}
	return n == 1, nil
}

func (m *mutex) Unlock(ctx context.Context) error {
	s := m.store
	if err := unlockScript.Run(ctx, s.client, []string{s.mutexKey(m.name)}, m.holder).Err(); err != nil {
		return fmt.Errorf("unlocking %s: %w", m.name, err)
	}
	return nil
}
