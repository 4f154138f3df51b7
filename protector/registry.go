package protector

import (
	"context"
	"sync"

	"github.com/watchtower-guard/slashing-protector/store"
)

// Registry maps public keys to validator ids. It is populated from the
// Validator table at startup and extended on successful registration
// calls; it never shrinks and never reassigns an id.
//
// The cache is the only mutable process-wide state in the engine
// (spec.md §5), so it is a single read-mostly map behind a lightweight
// reader-writer discipline rather than anything more elaborate.
type Registry struct {
	mu    sync.RWMutex
	byKey map[PubKey]ValidatorID
}

// NewRegistry creates an empty registry. Call Warm to populate it from the
// store before serving signing requests.
func NewRegistry() *Registry {
	return &Registry{byKey: make(map[PubKey]ValidatorID)}
}

// Warm loads every already-registered validator into the cache. Call this
// once at startup, before any signing request is served.
func (r *Registry) Warm(ctx context.Context, s store.Store) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return failClosed(err, "warm registry: begin")
	}
	defer tx.Rollback()

	validators, err := tx.AllValidators(ctx)
	if err != nil {
		return failClosed(err, "warm registry: list validators")
	}
	if err := tx.Commit(); err != nil {
		return failClosed(err, "warm registry: commit")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range validators {
		r.byKey[v.PublicKey] = v.ID
	}
	return nil
}

// Resolve returns the cached id for key. It fails with
// ErrUnregisteredValidator if key is absent from the cache, even if a row
// for it exists in the database - the cache is the sole authority, so a
// signing request for a key this process has not yet warmed is refused
// loudly rather than silently elevated.
func (r *Registry) Resolve(key PubKey) (ValidatorID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byKey[key]
	if !ok {
		return 0, ErrUnregisteredValidator
	}
	return id, nil
}

// Register looks up which of keys already exist, inserts the remainder
// preserving the caller's order, and extends the cache with the full
// resulting set. It is idempotent.
func (r *Registry) Register(ctx context.Context, s store.Store, keys []PubKey) ([]Validator, error) {
	tx, err := s.Begin(ctx)
	if err != nil {
		return nil, failClosed(err, "register validators: begin")
	}

	validators, err := tx.RegisterValidators(ctx, keys)
	if err != nil {
		tx.Rollback()
		return nil, failClosed(err, "register validators: store")
	}
	if err := tx.Commit(); err != nil {
		return nil, failClosed(err, "register validators: commit")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range validators {
		r.byKey[v.PublicKey] = v.ID
	}
	return validators, nil
}
