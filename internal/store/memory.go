package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a thread-safe in-memory Store. Mutexes are scoped to the
// process, which is enough for a single instance and for tests.
type MemoryStore struct {
	mu      sync.RWMutex
	docs    map[string]json.RawMessage // keyed by document id
	mutexes map[string]memoryLease     // keyed by mutex name
	ttl     time.Duration
	now     func() time.Time
}

type memoryLease struct {
	holder  string
	expires time.Time
}

// NewMemoryStore creates an empty store. Mutex leases expire after ttl;
// zero means they never expire.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		docs:    make(map[string]json.RawMessage),
		mutexes: make(map[string]memoryLease),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get retrieves a document by id.
func (s *MemoryStore) Get(_ context.Context, id string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return append(json.RawMessage(nil), doc...), nil
}

// Put stores a document, replacing any previous value.
func (s *MemoryStore) Put(_ context.Context, id string, doc json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[id] = append(json.RawMessage(nil), doc...)
	return nil
}

// Delete removes a document by id.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, id)
	return nil
}

// Query returns documents under q.Path in id order.
func (s *MemoryStore) Query(_ context.Context, q Query) (*Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := PathPrefix(q.Path)
	var ids []string
	for id := range s.docs {
		if strings.HasPrefix(id, prefix) && id > q.PageStartToken {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	size := q.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	page := &Page{}
	if len(ids) > size {
		ids = ids[:size]
		page.NextPageStartToken = ids[size-1]
	}
	for _, id := range ids {
		page.Results = append(page.Results, append(json.RawMessage(nil), s.docs[id]...))
	}
	return page, nil
}

// Len reports the number of stored documents.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// CreateMutex returns a mutex bound to name and holder.
func (s *MemoryStore) CreateMutex(name, holder string) Mutex {
	return &memoryMutex{store: s, name: name, holder: holder}
}

func (s *MemoryStore) tryLock(name, holder string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if lease, ok := s.mutexes[name]; ok && lease.holder != holder {
		if lease.expires.IsZero() || now.Before(lease.expires) {
			return false
		}
	}
	lease := memoryLease{holder: holder}
	if s.ttl > 0 {
		lease.expires = now.Add(s.ttl)
	}
	s.mutexes[name] = lease
	return true
}

func (s *MemoryStore) unlock(name, holder string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lease, ok := s.mutexes[name]; ok && lease.holder == holder {
		delete(s.mutexes, name)
	}
}

// Holder returns the current holder of the named mutex, if any.
func (s *MemoryStore) Holder(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lease, ok := s.mutexes[name]
	return lease.holder, ok
}

type memoryMutex struct {
	store  *MemoryStore
	name   string
	holder string
}

func (m *memoryMutex) Lock(ctx context.Context) error {
	return Acquire(ctx, m.name, m.TryLock)
}

func (m *memoryMutex) TryLock(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return m.store.tryLock(m.name, m.holder), nil
}

func (m *memoryMutex) Unlock(context.Context) error {
	m.store.unlock(m.name, m.holder)
	return nil
}
