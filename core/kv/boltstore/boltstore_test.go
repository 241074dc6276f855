package boltstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/kv"
	"github.com/sushant-115/gojotxn/core/kv/kvtest"
)

// --- Test Helpers ---

func openTestStore(t *testing.T, path string, opts Options) *Store {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	s, err := Open(path, opts, logger)
	require.NoError(t, err)
	return s
}

// --- Test Cases ---

func TestBoltstoreContract(t *testing.T) {
	kvtest.RunStoreContract(t, func(t *testing.T) kv.Store {
		s := openTestStore(t, filepath.Join(t.TempDir(), "docs.db"), Options{NoSync: true})
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

// TestReopenKeepsDocuments verifies documents and their CAS survive a restart.
func TestReopenKeepsDocuments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docs.db")
	ctx := context.Background()

	s := openTestStore(t, path, Options{})
	cas, err := s.Insert(ctx, "player-1", kv.Mutation{Value: []byte(`{"level":1}`), Xattr: []byte(`{"t":1}`)}, kv.WriteOptions{})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = openTestStore(t, path, Options{})
	defer s.Close()
	doc, err := s.Get(ctx, "player-1", kv.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, `{"level":1}`, string(doc.Value))
	require.Equal(t, `{"t":1}`, string(doc.Xattr))
	require.Equal(t, cas, doc.Cas)

	// The sequence keeps growing across restarts, so CAS values never repeat.
	cas2, err := s.Replace(ctx, "player-1", kv.Mutation{Value: []byte(`{"level":2}`)}, cas, kv.WriteOptions{})
	require.NoError(t, err)
	require.Greater(t, uint64(cas2), uint64(cas))
}

// TestPersistedWriteWithNoSync exercises the explicit sync path.
func TestPersistedWriteWithNoSync(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "docs.db"), Options{NoSync: true})
	defer s.Close()
	_, err := s.Insert(context.Background(), "k", kv.Mutation{Value: []byte("v")},
		kv.WriteOptions{Durability: kv.DurabilityPersistToMajority})
	require.NoError(t, err)
}

func TestClosedBoltStore(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "docs.db"), Options{})
	require.NoError(t, s.Close())
	_, err := s.Get(context.Background(), "k", kv.GetOptions{})
	require.ErrorIs(t, err, kv.ErrClosed)
}
