// Package registry tracks the workflow executions this service started and
// has not yet seen finish.
package registry

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/matthewmarion/workflow-service/internal/jobs"
	"github.com/matthewmarion/workflow-service/internal/store"
)

// Path is the store path under which records live.
const Path = "/workflow-executions"

// Record pairs an execution handle with the request that started it, so a
// later pass can act on the same job assignment and take the same mutex.
// Records are never updated, only deleted.
type Record struct {
	ID              string       `json:"id"`
	ExecutionHandle string       `json:"executionArn"`
	Request         jobs.Request `json:"workerRequest"`
}

// MutexName returns the name of the mutex guarding the record's job assignment.
func (r Record) MutexName() string {
	return r.Request.JobAssignmentID()
}

// Registry stores Records in a document store.
type Registry struct {
	store store.Store
}

// New returns a registry over s.
func New(s store.Store) *Registry {
	return &Registry{store: s}
}

// NewRecord builds a record with a fresh id.
func NewRecord(handle string, req jobs.Request) Record {
	return Record{
		ID:              Path + "/" + uuid.NewString(),
		ExecutionHandle: handle,
		Request:         req,
	}
}

// Add stores r.
func (r *Registry) Add(ctx context.Context, rec Record) error {
	if err := store.PutAs(ctx, r.store, rec.ID, rec); err != nil {
		return fmt.Errorf("adding execution record: %w", err)
	}
	return nil
}

// Remove deletes the record id.
func (r *Registry) Remove(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("removing execution record %s: %w", id, err)
	}
	return nil
}

// List drains every page of records.
func (r *Registry) List(ctx context.Context) ([]Record, error) {
	recs, err := store.QueryAll[Record](ctx, r.store, Path)
	if err != nil {
		return nil, fmt.Errorf("listing execution records: %w", err)
	}
	return recs, nil
}
