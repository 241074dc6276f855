// Package kvtest holds the behavioural contract every kv.Store backend must
// satisfy. Backends call RunStoreContract from their own tests.
package kvtest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojotxn/core/kv"
)

// Factory returns a fresh, empty store. Cleanup is the factory's job
// (t.Cleanup).
type Factory func(t *testing.T) kv.Store

// RunStoreContract runs the adapter contract against stores produced by newStore.
func RunStoreContract(t *testing.T, newStore Factory) {
	t.Run("InsertGet", func(t *testing.T) { testInsertGet(t, newStore(t)) })
	t.Run("InsertExisting", func(t *testing.T) { testInsertExisting(t, newStore(t)) })
	t.Run("ReplaceCas", func(t *testing.T) { testReplaceCas(t, newStore(t)) })
	t.Run("ReplaceMissing", func(t *testing.T) { testReplaceMissing(t, newStore(t)) })
	t.Run("Remove", func(t *testing.T) { testRemove(t, newStore(t)) })
	t.Run("Tombstones", func(t *testing.T) { testTombstones(t, newStore(t)) })
	t.Run("ConcurrentCas", func(t *testing.T) { testConcurrentCas(t, newStore(t)) })
	t.Run("Scan", func(t *testing.T) {
		s := newStore(t)
		if _, ok := s.(kv.Scanner); !ok {
			t.Skip("store does not implement kv.Scanner")
		}
		testScan(t, s)
	})
}

var noDurability = kv.WriteOptions{}

func testInsertGet(t *testing.T, s kv.Store) {
	ctx := context.Background()
	cas, err := s.Insert(ctx, "doc-1", kv.Mutation{Value: []byte(`{"name":"Jane"}`), Xattr: []byte(`{"x":1}`)}, noDurability)
	require.NoError(t, err)
	require.NotZero(t, cas)

	doc, err := s.Get(ctx, "doc-1", kv.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, "doc-1", doc.Key)
	require.Equal(t, `{"name":"Jane"}`, string(doc.Value))
	require.Equal(t, `{"x":1}`, string(doc.Xattr))
	require.Equal(t, cas, doc.Cas)
	require.False(t, doc.Deleted)

	_, err = s.Get(ctx, "missing", kv.GetOptions{})
	require.ErrorIs(t, err, kv.ErrDocNotFound)
}

func testInsertExisting(t *testing.T, s kv.Store) {
	ctx := context.Background()
	_, err := s.Insert(ctx, "doc-1", kv.Mutation{Value: []byte("a")}, noDurability)
	require.NoError(t, err)
	_, err = s.Insert(ctx, "doc-1", kv.Mutation{Value: []byte("b")}, noDurability)
	require.ErrorIs(t, err, kv.ErrDocExists)
}

func testReplaceCas(t *testing.T, s kv.Store) {
	ctx := context.Background()
	cas1, err := s.Insert(ctx, "doc-1", kv.Mutation{Value: []byte("a")}, noDurability)
	require.NoError(t, err)

	cas2, err := s.Replace(ctx, "doc-1", kv.Mutation{Value: []byte("b")}, cas1, noDurability)
	require.NoError(t, err)
	require.NotEqual(t, cas1, cas2)

	// Stale CAS is rejected and leaves the document untouched.
	_, err = s.Replace(ctx, "doc-1", kv.Mutation{Value: []byte("c")}, cas1, noDurability)
	require.ErrorIs(t, err, kv.ErrCasMismatch)

	doc, err := s.Get(ctx, "doc-1", kv.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, "b", string(doc.Value))
	require.Equal(t, cas2, doc.Cas)

	// Zero CAS skips the check.
	_, err = s.Replace(ctx, "doc-1", kv.Mutation{Value: []byte("d")}, 0, noDurability)
	require.NoError(t, err)
}

func testReplaceMissing(t *testing.T, s kv.Store) {
	_, err := s.Replace(context.Background(), "missing", kv.Mutation{Value: []byte("a")}, 0, noDurability)
	require.ErrorIs(t, err, kv.ErrDocNotFound)
}

func testRemove(t *testing.T, s kv.Store) {
	ctx := context.Background()
	cas, err := s.Insert(ctx, "doc-1", kv.Mutation{Value: []byte("a")}, noDurability)
	require.NoError(t, err)

	require.ErrorIs(t, s.Remove(ctx, "doc-1", cas+1000, noDurability), kv.ErrCasMismatch)
	require.NoError(t, s.Remove(ctx, "doc-1", cas, noDurability))
	require.ErrorIs(t, s.Remove(ctx, "doc-1", 0, noDurability), kv.ErrDocNotFound)

	_, err = s.Get(ctx, "doc-1", kv.GetOptions{AccessDeleted: true})
	require.ErrorIs(t, err, kv.ErrDocNotFound)

	// The key is free again.
	_, err = s.Insert(ctx, "doc-1", kv.Mutation{Value: []byte("b")}, noDurability)
	require.NoError(t, err)
}

func testTombstones(t *testing.T, s kv.Store) {
	ctx := context.Background()
	cas, err := s.Insert(ctx, "ghost", kv.Mutation{Xattr: []byte(`{"staged":true}`), Deleted: true}, noDurability)
	require.NoError(t, err)

	_, err = s.Get(ctx, "ghost", kv.GetOptions{})
	require.ErrorIs(t, err, kv.ErrDocNotFound)

	doc, err := s.Get(ctx, "ghost", kv.GetOptions{AccessDeleted: true})
	require.NoError(t, err)
	require.True(t, doc.Deleted)
	require.Equal(t, `{"staged":true}`, string(doc.Xattr))

	// A tombstone still occupies the key for Insert.
	_, err = s.Insert(ctx, "ghost", kv.Mutation{Value: []byte("x")}, noDurability)
	require.ErrorIs(t, err, kv.ErrDocExists)

	// Replacing a tombstone with a live body brings it back.
	_, err = s.Replace(ctx, "ghost", kv.Mutation{Value: []byte("alive")}, cas, noDurability)
	require.NoError(t, err)
	doc, err = s.Get(ctx, "ghost", kv.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, "alive", string(doc.Value))
	require.Empty(t, doc.Xattr)
}

// testConcurrentCas checks that exactly one of several writers holding the
// same CAS wins.
func testConcurrentCas(t *testing.T, s kv.Store) {
	ctx := context.Background()
	cas, err := s.Insert(ctx, "counter", kv.Mutation{Value: []byte("0")}, noDurability)
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	results := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Replace(ctx, "counter", kv.Mutation{Value: []byte(fmt.Sprint(i))}, cas, noDurability)
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		require.ErrorIs(t, err, kv.ErrCasMismatch)
	}
	require.Equal(t, 1, wins)
}

func testScan(t *testing.T, s kv.Store) {
	ctx := context.Background()
	for _, k := range []string{"b/2", "a/1", "b/1", "c/1"} {
		_, err := s.Insert(ctx, k, kv.Mutation{Value: []byte(k)}, noDurability)
		require.NoError(t, err)
	}
	_, err := s.Insert(ctx, "b/3", kv.Mutation{Deleted: true}, noDurability)
	require.NoError(t, err)

	docs, err := s.(kv.Scanner).Scan(ctx, "b/")
	require.NoError(t, err)
	keys := make([]string, 0, len(docs))
	for _, d := range docs {
		keys = append(keys, d.Key)
	}
	require.Equal(t, []string{"b/1", "b/2", "b/3"}, keys)
	require.True(t, docs[2].Deleted)
}
