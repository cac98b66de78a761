package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthewmarion/workflow-service/internal/store"
)

// newTestStore connects to REDIS_ADDR under a unique key prefix.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	s, err := New(context.Background(), Config{
		Addr:      addr,
		KeyPrefix: "test:" + uuid.NewString() + ":",
		MutexTTL:  time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRedisStore_Documents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "/workflow-executions/1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("/workflow-executions/%d", i)
		require.NoError(t, s.Put(ctx, id, json.RawMessage(fmt.Sprintf(`{"id":%q}`, id))))
	}
	require.NoError(t, s.Put(ctx, "/workflows/test1", json.RawMessage(`{"name":"test1"}`)))

	page, err := s.Query(ctx, store.Query{Path: "/workflow-executions", PageSize: 2})
	require.NoError(t, err)
	assert.Len(t, page.Results, 2)
	assert.Equal(t, "/workflow-executions/1", page.NextPageStartToken)

	type rec struct {
		ID string `json:"id"`
	}
	all, err := store.QueryAll[rec](ctx, s, "/workflow-executions")
	require.NoError(t, err)
	assert.Len(t, all, 5)

	require.NoError(t, s.Delete(ctx, "/workflow-executions/0"))
	all, err = store.QueryAll[rec](ctx, s, "/workflow-executions")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestRedisStore_Mutex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := s.CreateMutex("/job-assignments/1", "a")
	b := s.CreateMutex("/job-assignments/1", "b")

	ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Unlock(ctx))
	require.NoError(t, a.Unlock(ctx))

	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}
