package trigger

import (
	"context"
	"errors"
	"fmt"

	"github.com/matthewmarion/workflow-service/internal/store"
)

// Path is the store path of rule documents.
const Path = "/triggers"

type ruleDoc struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// StoreRule keeps the on/off state in the document store. A missing
// document reads as disabled.
type StoreRule struct {
	name  string
	store store.Store
}

// NewStoreRule returns a rule stored at /triggers/<name>.
func NewStoreRule(name string, s store.Store) *StoreRule {
	return &StoreRule{name: name, store: s}
}

func (r *StoreRule) Name() string { return r.name }

func (r *StoreRule) id() string { return Path + "/" + r.name }

func (r *StoreRule) Enabled(ctx context.Context) (bool, error) {
	var doc ruleDoc
	err := store.GetAs(ctx, r.store, r.id(), &doc)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading rule %s: %w", r.name, err)
	}
	return doc.Enabled, nil
}

func (r *StoreRule) Enable(ctx context.Context) error {
	return store.PutAs(ctx, r.store, r.id(), ruleDoc{Name: r.name, Enabled: true})
}

func (r *StoreRule) Disable(ctx context.Context) error {
	return store.PutAs(ctx, r.store, r.id(), ruleDoc{Name: r.name, Enabled: false})
}
