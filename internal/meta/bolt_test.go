package meta

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := OpenBolt(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBoltStore_Namespaces(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.CreateNamespace(ctx, "alpha"))
	assert.ErrorIs(t, s.CreateNamespace(ctx, "alpha"), ErrNamespaceExists)
	require.NoError(t, s.CreateNamespace(ctx, "beta"))

	names, err := s.Namespaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, names)

	require.NoError(t, s.DeleteNamespace(ctx, "alpha"))
	assert.ErrorIs(t, s.DeleteNamespace(ctx, "alpha"), ErrNamespaceNotFound)

	_, err = s.Get(ctx, "alpha", "k")
	assert.True(t, IsNamespaceNotFound(err))
}

func TestBoltStore_CommitConditions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateNamespace(ctx, "ns"))

	b := &Batch{}
	b.ExpectAbsent("head")
	b.Put("head", []byte("v1"))
	b.Put("rec", []byte("r1"))
	require.NoError(t, s.Commit(ctx, "ns", b))

	// Absent condition now fails and nothing is applied.
	b = &Batch{}
	b.ExpectAbsent("head")
	b.Put("rec", []byte("r2"))
	assert.ErrorIs(t, s.Commit(ctx, "ns", b), ErrConflict)
	v, err := s.Get(ctx, "ns", "rec")
	require.NoError(t, err)
	assert.Equal(t, []byte("r1"), v)

	// Stale expected value fails.
	b = &Batch{}
	b.Expect("head", []byte("v0"))
	b.Delete("rec")
	assert.ErrorIs(t, s.Commit(ctx, "ns", b), ErrConflict)

	// Matching expected value applies all mutations.
	b = &Batch{}
	b.Expect("head", []byte("v1"))
	b.Put("head", []byte("v2"))
	b.Delete("rec")
	require.NoError(t, s.Commit(ctx, "ns", b))

	_, err = s.Get(ctx, "ns", "rec")
	assert.ErrorIs(t, err, ErrNotFound)
	v, err = s.Get(ctx, "ns", "head")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v)
}

func TestBoltStore_CommitCancelled(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateNamespace(context.Background(), "ns"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := &Batch{}
	b.Put("k", []byte("v"))
	assert.ErrorIs(t, s.Commit(ctx, "ns", b), context.Canceled)

	_, err := s.Get(context.Background(), "ns", "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoltStore_Scan(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateNamespace(ctx, "ns"))

	// Enough keys to span several scan pages.
	b := &Batch{}
	for i := 0; i < scanPageSize*2+10; i++ {
		b.Put(fmt.Sprintf("o/%05d", i), []byte("x"))
	}
	b.Put("p/other", []byte("y"))
	require.NoError(t, s.Commit(ctx, "ns", b))

	var keys []string
	err := s.Scan(ctx, "ns", ScanOptions{Prefix: "o/"}, func(e Entry) (bool, error) {
		keys = append(keys, e.Key)
		return true, nil
	})
	require.NoError(t, err)
	require.Len(t, keys, scanPageSize*2+10)
	assert.Equal(t, "o/00000", keys[0])
	assert.Equal(t, fmt.Sprintf("o/%05d", scanPageSize*2+9), keys[len(keys)-1])
	for i := 1; i < len(keys); i++ {
		assert.Less(t, keys[i-1], keys[i])
	}

	keys = nil
	err = s.Scan(ctx, "ns", ScanOptions{Prefix: "o/", Start: "o/00300", Limit: 3}, func(e Entry) (bool, error) {
		keys = append(keys, e.Key)
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"o/00300", "o/00301", "o/00302"}, keys)

	keys = nil
	err = s.Scan(ctx, "ns", ScanOptions{Prefix: "o/"}, func(e Entry) (bool, error) {
		keys = append(keys, e.Key)
		return len(keys) < 2, nil
	})
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}
