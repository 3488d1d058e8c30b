package storage

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeContract exercises the behavior every Store implementation shares.
func storeContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "a", []byte("1")))
	require.NoError(t, s.Put(ctx, "a.b", []byte("2")))
	require.NoError(t, s.Put(ctx, "z", []byte("3")))

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got)

	listed, err := s.List(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, listed, 2)
	assert.Equal(t, []byte("2"), listed["a.b"])

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, s.Delete(ctx, "a"))
	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting a missing key is not an error.
	assert.NoError(t, s.Delete(ctx, "missing"))
}

func TestMemoryStoreContract(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	val := []byte("original")
	require.NoError(t, s.Put(ctx, "k", val))
	val[0] = 'X'

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got)

	got[0] = 'Y'
	again, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), again)
}

func TestRedisStoreContract(t *testing.T) {
	mr := miniredis.RunT(t)

	s, err := NewRedisStore(mr.Addr(), "", "test:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	storeContract(t, s)
}

func TestRedisStorePrefixIsolation(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	a, err := NewRedisStore(mr.Addr(), "", "worldA:")
	require.NoError(t, err)
	b, err := NewRedisStore(mr.Addr(), "", "worldB:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })

	require.NoError(t, a.Put(ctx, "k", []byte("a")))
	_, err = b.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := b.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestPrefixStoreNamespacing(t *testing.T) {
	inner := NewMemoryStore()
	ctx := context.Background()

	roomA := NewPrefixStore(inner, "room:a:")
	roomB := NewPrefixStore(inner, "room:b:")

	require.NoError(t, roomA.Put(ctx, "session:1", []byte("x")))

	_, err := roomB.Get(ctx, "session:1")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := roomA.Get(ctx, "session:1")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got)

	// Listing is relative to the namespace.
	listed, err := roomA.List(ctx, "session:")
	require.NoError(t, err)
	assert.Len(t, listed, 1)
	assert.Contains(t, listed, "session:1")

	// The raw key carries the prefix in the shared store.
	raw, err := inner.Get(ctx, "room:a:session:1")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), raw)
}

func TestPrefixStoreContract(t *testing.T) {
	storeContract(t, NewPrefixStore(NewMemoryStore(), "ns:"))
}
