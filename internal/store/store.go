// Package store defines the document store shared by every workflow-service
// instance: JSON documents addressed by path-like ids, prefix queries with
// page tokens, and named mutexes.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned by Get when no document has the given id.
	ErrNotFound = errors.New("document not found")
	// ErrLockTimeout is returned by Mutex.Lock when the wait gives up.
	ErrLockTimeout = errors.New("timed out waiting for mutex")
)

// DefaultPageSize is used when a Query does not set PageSize.
const DefaultPageSize = 100

// Query selects documents whose id lives under Path.
type Query struct {
	Path           string
	PageStartToken string
	PageSize       int
}

// Page is one page of query results. NextPageStartToken is empty on the last page.
type Page struct {
	Results            []json.RawMessage
	NextPageStartToken string
}

// Store is a JSON document store with named mutexes.
type Store interface {
	Get(ctx context.Context, id string) (json.RawMessage, error)
	Put(ctx context.Context, id string, doc json.RawMessage) error
	// Delete removes a document. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error
	Query(ctx context.Context, q Query) (*Page, error)
	CreateMutex(name, holder string) Mutex
}

// Mutex is a named, holder-scoped exclusive lock.
type Mutex interface {
	// Lock blocks until the mutex is free or already owned by the holder.
	Lock(ctx context.Context) error
	// TryLock makes a single attempt and reports whether the mutex was taken.
	TryLock(ctx context.Context) (bool, error)
	// Unlock releases the mutex if the holder owns it; otherwise it does nothing.
	Unlock(ctx context.Context) error
}

// PathPrefix normalizes a query path so that "/jobs" matches "/jobs/1"
// but not "/jobs-archive/1".
func PathPrefix(path string) string {
	if strings.HasSuffix(path, "/") {
		return path
	}
	return path + "/"
}

// GetAs loads the document id into v.
func GetAs(ctx context.Context, s Store, id string, v any) error {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(doc, v); err != nil {
		return fmt.Errorf("decoding %s: %w", id, err)
	}
	return nil
}

// PutAs stores v as the document id.
func PutAs(ctx context.Context, s Store, id string, v any) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", id, err)
	}
	return s.Put(ctx, id, doc)
}

// QueryAll drains every page under path.
func QueryAll[T any](ctx context.Context, s Store, path string) ([]T, error) {
	var out []T
	q := Query{Path: path}
	for {
		page, err := s.Query(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("querying %s: %w", path, err)
		}
		for _, doc := range page.Results {
			var v T
			if err := json.Unmarshal(doc, &v); err != nil {
				return nil, fmt.Errorf("decoding document under %s: %w", path, err)
			}
			out = append(out, v)
		}
		if page.NextPageStartToken == "" {
			return out, nil
		}
		q.PageStartToken = page.NextPageStartToken
	}
}

// WithMutex runs fn while holding m, releasing it on every exit path.
// Unlock failures are reported through onUnlockErr rather than replacing fn's error.
func WithMutex(ctx context.Context, m Mutex, fn func() error, onUnlockErr func(error)) error {
	if err := m.Lock(ctx); err != nil {
		return err
	}
	defer func() {
		if err := m.Unlock(context.WithoutCancel(ctx)); err != nil && onUnlockErr != nil {
			onUnlockErr(err)
		}
	}()
	return fn()
}
