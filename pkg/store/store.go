// Package store implements the namespaced key-value persistence layer under
// the erasure engine. All workflow, audit, certificate, and zombie records
// live behind the StateStore interface; backends provide last-writer-wins
// durability while concurrency control stays with the callers (the
// dispatcher's per-workflow affinity and the user lock record).
package store

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store: closed")
)

// StateStore is the contract every backend satisfies.
//
// Semantics:
//   - Get returns (nil, nil) when the key is absent.
//   - Set is last-writer-wins within a namespace and durable before return.
//   - GetGroup returns all values in a namespace ordered by key.
//   - Keys returns the keys in a namespace with the given prefix, sorted.
type StateStore interface {
	Get(ctx context.Context, ns, key string) (json.RawMessage, error)
	Set(ctx context.Context, ns, key string, value json.RawMessage) error
	Delete(ctx context.Context, ns, key string) error
	GetGroup(ctx context.Context, ns string) ([]json.RawMessage, error)
	Keys(ctx context.Context, ns, prefix string) ([]string, error)
}

// GetJSON loads and unmarshals a record, reporting presence.
func GetJSON(ctx context.Context, s StateStore, ns, key string, out any) (bool, error) {
	raw, err := s.Get(ctx, ns, key)
	if err != nil {
		return false, err
	}
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

// SetJSON marshals and stores a record.
func SetJSON(ctx context.Context, s StateStore, ns, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(ctx, ns, key, raw)
}
