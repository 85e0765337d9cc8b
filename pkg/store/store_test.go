package store_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Debjyoti-19/ghostprotocol/pkg/store"
)

// storeContract exercises the behavior every backend must share: nil on
// absent keys, last-writer-wins, sorted group reads, prefix key listing.
func storeContract(t *testing.T, s store.StateStore) {
	t.Helper()
	ctx := context.Background()

	v, err := s.Get(ctx, "ns", "missing")
	require.NoError(t, err)
	assert.Nil(t, v, "absent key must read as nil, not error")

	require.NoError(t, s.Set(ctx, "ns", "a", json.RawMessage(`{"v":1}`)))
	require.NoError(t, s.Set(ctx, "ns", "a", json.RawMessage(`{"v":2}`)))
	v, err = s.Get(ctx, "ns", "a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(v), "second write wins")

	require.NoError(t, s.Set(ctx, "ns", "c", json.RawMessage(`{"v":3}`)))
	require.NoError(t, s.Set(ctx, "ns", "b", json.RawMessage(`{"v":4}`)))
	require.NoError(t, s.Set(ctx, "other", "a", json.RawMessage(`{"v":5}`)))

	group, err := s.GetGroup(ctx, "ns")
	require.NoError(t, err)
	require.Len(t, group, 3, "namespaces must isolate records")
	assert.JSONEq(t, `{"v":2}`, string(group[0]))
	assert.JSONEq(t, `{"v":4}`, string(group[1]))
	assert.JSONEq(t, `{"v":3}`, string(group[2]))

	require.NoError(t, s.Set(ctx, "ns", "user:u1", json.RawMessage(`{}`)))
	require.NoError(t, s.Set(ctx, "ns", "user:u2", json.RawMessage(`{}`)))
	keys, err := s.Keys(ctx, "ns", "user:")
	require.NoError(t, err)
	assert.Equal(t, []string{"user:u1", "user:u2"}, keys)

	require.NoError(t, s.Delete(ctx, "ns", "a"))
	v, err = s.Get(ctx, "ns", "a")
	require.NoError(t, err)
	assert.Nil(t, v)
	require.NoError(t, s.Delete(ctx, "ns", "a"), "delete of absent key is a no-op")
}

func TestMemoryStore_Contract(t *testing.T) {
	storeContract(t, store.NewMemoryStore())
}

func TestSQLiteStore_Contract(t *testing.T) {
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	storeContract(t, s)
}

// TestMemoryStore_DefensiveCopies verifies callers cannot mutate stored
// values through retained slices.
func TestMemoryStore_DefensiveCopies(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	buf := json.RawMessage(`{"v":1}`)
	require.NoError(t, s.Set(ctx, "ns", "k", buf))
	buf[5] = '9'

	v, err := s.Get(ctx, "ns", "k")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(v))

	v[5] = '8'
	again, err := s.Get(ctx, "ns", "k")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(again))
}

func TestGetSetJSON(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	type rec struct {
		Name string `json:"name"`
		N    int    `json:"n"`
	}
	require.NoError(t, store.SetJSON(ctx, s, "ns", "k", rec{Name: "x", N: 7}))

	var got rec
	ok, err := store.GetJSON(ctx, s, "ns", "k", &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, rec{Name: "x", N: 7}, got)

	ok, err = store.GetJSON(ctx, s, "ns", "absent", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}
