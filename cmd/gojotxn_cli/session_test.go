package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sushant-115/gojotxn/core/kv"
	"github.com/sushant-115/gojotxn/core/kv/memstore"
	"github.com/sushant-115/gojotxn/core/txn"
)

func newTestSession(t *testing.T) (*session, *memstore.Store, *bytes.Buffer) {
	store := memstore.New(zaptest.NewLogger(t))
	cfg := txn.DefaultConfig()
	cfg.DurabilityLevel = kv.DurabilityNone
	cfg.CleanupLostAttempts = false
	cfg.NumATRs = 4
	cfg.Logger = zaptest.NewLogger(t)
	txns, err := txn.New(store, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = txns.Close() })
	out := &bytes.Buffer{}
	return newSession(txns, store, out), store, out
}

func TestAutocommitCommands(t *testing.T) {
	s, store, out := newTestSession(t)
	ctx := context.Background()

	require.True(t, s.execute(ctx, `insert k {"a":1}`))
	require.Contains(t, out.String(), "inserted k")
	doc, err := store.Get(ctx, "k", kv.GetOptions{})
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(doc.Value))

	require.True(t, s.execute(ctx, `replace k plain text`))
	doc, err = store.Get(ctx, "k", kv.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, `"plain text"`, string(doc.Value))

	require.True(t, s.execute(ctx, `remove k`))
	_, err = store.Get(ctx, "k", kv.GetOptions{})
	require.ErrorIs(t, err, kv.ErrDocNotFound)
}

func TestInteractiveCommit(t *testing.T) {
	s, store, out := newTestSession(t)
	ctx := context.Background()

	s.execute(ctx, "begin")
	require.NotNil(t, s.tx)
	s.execute(ctx, `insert a {"n":1}`)
	s.execute(ctx, `insert b {"n":2}`)
	s.execute(ctx, `get a`)
	require.Contains(t, out.String(), `a: {"n":1}`)

	// Staged inserts are tombstones until commit.
	_, err := store.Get(ctx, "a", kv.GetOptions{})
	require.ErrorIs(t, err, kv.ErrDocNotFound)

	s.execute(ctx, "commit")
	require.Nil(t, s.tx)
	require.Contains(t, out.String(), "committed (")
	for _, key := range []string{"a", "b"} {
		doc, err := store.Get(ctx, key, kv.GetOptions{})
		require.NoError(t, err)
		require.Empty(t, doc.Xattr)
	}
}

func TestInteractiveRollbackAndNotFound(t *testing.T) {
	s, store, out := newTestSession(t)
	ctx := context.Background()

	s.execute(ctx, "begin")
	s.execute(ctx, "get missing")
	require.Contains(t, out.String(), "document not found")
	s.execute(ctx, `insert a {"n":1}`)
	s.execute(ctx, "rollback")
	require.Nil(t, s.tx)
	require.Contains(t, out.String(), "rolled back")

	_, err := store.Get(ctx, "a", kv.GetOptions{AccessDeleted: true})
	require.ErrorIs(t, err, kv.ErrDocNotFound)
}

func TestFinishWithoutTransaction(t *testing.T) {
	s, _, out := newTestSession(t)
	s.execute(context.Background(), "commit")
	require.Contains(t, out.String(), errNoTransaction.Error())
	require.False(t, s.execute(context.Background(), "exit"))
}

func TestScanAndCleanup(t *testing.T) {
	s, _, out := newTestSession(t)
	ctx := context.Background()
	s.execute(ctx, `insert x 1`)
	s.execute(ctx, "scan x")
	require.Contains(t, out.String(), "1 document(s)")
	s.execute(ctx, "cleanup")
	require.Contains(t, out.String(), "cleaned")
}
