package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojotxn/core/kv"
	"github.com/sushant-115/gojotxn/core/kv/kvtest"
)

func TestMemstoreContract(t *testing.T) {
	kvtest.RunStoreContract(t, func(t *testing.T) kv.Store {
		s := New(nil)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

// TestHooksBeforeAbortsOperation checks a Before error leaves the store untouched.
func TestHooksBeforeAbortsOperation(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	s.SetHooks(Hooks{Before: func(_ context.Context, op Op, key string) error {
		if op == OpInsert && key == "blocked" {
			return kv.ErrUnavailable
		}
		return nil
	}})

	_, err := s.Insert(ctx, "blocked", kv.Mutation{Value: []byte("x")}, kv.WriteOptions{})
	require.ErrorIs(t, err, kv.ErrUnavailable)
	require.Equal(t, 0, s.Len())

	_, err = s.Insert(ctx, "allowed", kv.Mutation{Value: []byte("x")}, kv.WriteOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, s.Len())
}

// TestHooksAfterAppliesThenFails models an ambiguous write.
func TestHooksAfterAppliesThenFails(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	s.SetHooks(Hooks{After: func(_ context.Context, op Op, _ string) error {
		if op == OpInsert {
			return kv.ErrTimeout
		}
		return nil
	}})

	_, err := s.Insert(ctx, "k", kv.Mutation{Value: []byte("v")}, kv.WriteOptions{})
	require.True(t, errors.Is(err, kv.ErrTimeout))
	require.True(t, kv.IsAmbiguous(err))

	s.SetHooks(Hooks{})
	doc, err := s.Get(ctx, "k", kv.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, "v", string(doc.Value))
}

// TestReturnedDocumentsAreCopies ensures callers cannot mutate stored bytes.
func TestReturnedDocumentsAreCopies(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	_, err := s.Insert(ctx, "k", kv.Mutation{Value: []byte("abc")}, kv.WriteOptions{})
	require.NoError(t, err)

	doc, err := s.Get(ctx, "k", kv.GetOptions{})
	require.NoError(t, err)
	doc.Value[0] = 'z'

	doc, err = s.Get(ctx, "k", kv.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, "abc", string(doc.Value))
}

func TestClosedStore(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Close())
	_, err := s.Get(context.Background(), "k", kv.GetOptions{})
	require.ErrorIs(t, err, kv.ErrClosed)
	require.True(t, kv.IsTransient(err))
}
