package raftstore

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sushant-115/gojotxn/core/kv"
	"github.com/sushant-115/gojotxn/core/kv/kvtest"
)

func newInmemStore(t *testing.T) *Store {
	_, trans := raft.NewInmemTransport("")
	s, err := OpenWithTransport(Config{
		NodeID:           "node-1",
		Bootstrap:        true,
		HeartbeatTimeout: 50 * time.Millisecond,
		ElectionTimeout:  50 * time.Millisecond,
	}, raft.NewInmemStore(), raft.NewInmemStore(), raft.NewInmemSnapshotStore(), trans, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.WaitForLeader(ctx))
	return s
}

func TestRaftStoreContract(t *testing.T) {
	kvtest.RunStoreContract(t, func(t *testing.T) kv.Store { return newInmemStore(t) })
}

func TestCasIsLogIndex(t *testing.T) {
	s := newInmemStore(t)
	ctx := context.Background()
	c1, err := s.Insert(ctx, "a", kv.Mutation{Value: []byte("1")}, kv.WriteOptions{})
	require.NoError(t, err)
	c2, err := s.Replace(ctx, "a", kv.Mutation{Value: []byte("2")}, c1, kv.WriteOptions{})
	require.NoError(t, err)
	require.Greater(t, c2, c1)
	require.Equal(t, kv.Cas(s.raft.AppliedIndex()), c2)
}

func TestFSMSnapshotRestore(t *testing.T) {
	s := newInmemStore(t)
	ctx := context.Background()
	_, err := s.Insert(ctx, "a", kv.Mutation{Value: []byte("1")}, kv.WriteOptions{})
	require.NoError(t, err)
	_, err = s.Insert(ctx, "b", kv.Mutation{Xattr: []byte(`{}`), Deleted: true}, kv.WriteOptions{})
	require.NoError(t, err)

	snap, err := s.fsm.Snapshot()
	require.NoError(t, err)
	sink := &memSink{}
	require.NoError(t, snap.Persist(sink))
	snap.Release()

	restored := newFSM(zaptest.NewLogger(t))
	require.NoError(t, restored.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))))
	require.Equal(t, 2, restored.len())

	a, ok := restored.get("a")
	require.True(t, ok)
	require.Equal(t, "1", string(a.Value))
	b, ok := restored.get("b")
	require.True(t, ok)
	require.True(t, b.Deleted)
}

func TestSlowCommitTimesOutAmbiguously(t *testing.T) {
	s := newInmemStore(t)

	// Holding the FSM lock stalls the apply, so the future cannot complete.
	s.fsm.mu.Lock()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	_, err := s.Insert(ctx, "slow", kv.Mutation{Value: []byte("1")}, kv.WriteOptions{})
	cancel()
	s.fsm.mu.Unlock()

	require.ErrorIs(t, err, kv.ErrTimeout)
	require.True(t, kv.IsAmbiguous(err))

	// The write committed after the caller stopped waiting.
	require.Eventually(t, func() bool {
		doc, err := s.Get(context.Background(), "slow", kv.GetOptions{})
		return err == nil && string(doc.Value) == "1"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestClosedStore(t *testing.T) {
	s := newInmemStore(t)
	require.NoError(t, s.Close())
	_, err := s.Insert(context.Background(), "a", kv.Mutation{}, kv.WriteOptions{})
	require.ErrorIs(t, err, kv.ErrClosed)
}

type memSink struct {
	bytes.Buffer
}

func (s *memSink) ID() string    { return "mem" }
func (s *memSink) Cancel() error { return nil }
func (s *memSink) Close() error  { return nil }

func TestOpenInMemoryOverTCP(t *testing.T) {
	s, err := Open(Config{
		NodeID:           "node-tcp",
		BindAddr:         "127.0.0.1:0",
		Bootstrap:        true,
		InMemory:         true,
		HeartbeatTimeout: 50 * time.Millisecond,
		ElectionTimeout:  50 * time.Millisecond,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.WaitForLeader(ctx))
	require.NotEmpty(t, s.Leader())

	_, err = s.Insert(ctx, "a", kv.Mutation{Value: []byte("1")}, kv.WriteOptions{Durability: kv.DurabilityPersistToMajority})
	require.NoError(t, err)
	doc, err := s.Get(ctx, "a", kv.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, "1", string(doc.Value))
}
