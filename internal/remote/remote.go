// Package remote ships interaction records to the remote interaction store.
//
// Delivery is at-least-once: every backend tolerates duplicate pushes of the
// same interaction id, so callers may re-push on any doubt about a previous
// attempt.
package remote

import (
	"context"

	"encounterd/internal/ledger"
)

// Store is a remote interaction store backend.
type Store interface {
	// Name returns the backend name (e.g. "http", "dynamodb").
	Name() string

	// Push delivers a single interaction.
	Push(ctx context.Context, in ledger.Interaction) error

	// PushBatch delivers a batch. A nil error with failed ids means the
	// remaining records landed; a non-nil error means nothing can be
	// assumed about the batch.
	PushBatch(ctx context.Context, ins []ledger.Interaction) (failed []string, err error)
}

// Registry manages the compiled-in store backends. The daemon registers
// every backend it can construct and selects one by configuration.
type Registry struct {
	stores map[string]Store
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		stores: make(map[string]Store),
	}
}

// Register adds a store backend to the registry.
func (r *Registry) Register(s Store) {
	r.stores[s.Name()] = s
}

// Get returns a store by name.
func (r *Registry) Get(name string) (Store, bool) {
	s, ok := r.stores[name]
	return s, ok
}

// List returns all registered backend names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.stores))
	for name := range r.stores {
		names = append(names, name)
	}
	return names
}
