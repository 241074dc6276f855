package txn

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojotxn/core/kv/memstore"
)

// futureTransactions returns a coordinator whose clock runs ahead of the
// real one, so attempts left behind by other clients look expired to it.
func futureTransactions(t *testing.T, store *memstore.Store, ahead time.Duration) *Transactions {
	cfg := testConfig(t)
	cfg.Clock = clockwork.NewFakeClockAt(time.Now().Add(ahead))
	return newTestTransactions(t, store, cfg)
}

func TestGetProceedsPastExpiredForeignStaging(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(nil)
	txns := newTestTransactions(t, store, testConfig(t))
	seed(t, store, "fred", person{Name: "Fred"})

	atrKey, attemptID := crashAfterStaging(t, store, txns, func(ctx context.Context, ac *AttemptContext) error {
		doc, err := ac.Get(ctx, "fred")
		if err != nil {
			return err
		}
		_, err = ac.Replace(ctx, doc, person{Name: "Freddy"})
		return err
	})

	later := futureTransactions(t, store, time.Hour)
	_, err := later.Run(ctx, func(ctx context.Context, ac *AttemptContext) error {
		doc, err := ac.Get(ctx, "fred")
		if err != nil {
			return err
		}
		var seen person
		require.NoError(t, doc.ContentAs(&seen))
		require.Equal(t, "Fred", seen.Name)
		_, err = ac.Replace(ctx, doc, person{Name: "Frederick"})
		return err
	}, nil)
	require.NoError(t, err)

	var p person
	committedBody(t, store, "fred", &p)
	require.Equal(t, "Frederick", p.Name)

	// The abandoned attempt was aborted before its staging was overwritten.
	entry, err := later.atr.entry(ctx, atrKey, attemptID)
	require.NoError(t, err)
	require.Equal(t, AttemptStateAborted, entry.State)
}

func TestInsertOverExpiredForeignStagedInsert(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(nil)
	txns := newTestTransactions(t, store, testConfig(t))

	crashAfterStaging(t, store, txns, func(ctx context.Context, ac *AttemptContext) error {
		_, err := ac.Insert(ctx, "orphan", person{Name: "Orphan"})
		return err
	})

	// Still within its expiry the staged insert blocks other writers.
	short := 50 * time.Millisecond
	_, err := txns.Run(ctx, func(ctx context.Context, ac *AttemptContext) error {
		_, err := ac.Insert(ctx, "orphan", person{Name: "Early"})
		return err
	}, &PerTransactionConfig{Expiry: &short})
	require.ErrorIs(t, err, ErrWriteWriteConflict)

	later := futureTransactions(t, store, time.Hour)
	_, err = later.Run(ctx, func(ctx context.Context, ac *AttemptContext) error {
		_, err := ac.Insert(ctx, "orphan", person{Name: "Claimed"})
		return err
	}, nil)
	require.NoError(t, err)

	var p person
	committedBody(t, store, "orphan", &p)
	require.Equal(t, "Claimed", p.Name)
}

// TestExpiredAttemptCannotCommitOverReader runs a second transaction at the
// moment the first one is about to flip its ATR entry, with the clock moved
// past the first one's expiry. The second treats the first as abandoned, so
// the first must not commit afterwards.
func TestExpiredAttemptCannotCommitOverReader(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(nil)
	clock := clockwork.NewFakeClock()
	cfg := testConfig(t)
	cfg.Clock = clock
	txns := newTestTransactions(t, store, cfg)
	seed(t, store, "k", counter{})

	increment := func(ctx context.Context, ac *AttemptContext) error {
		doc, err := ac.Get(ctx, "k")
		if err != nil {
			return err
		}
		var c counter
		if err := doc.ContentAs(&c); err != nil {
			return err
		}
		c.N++
		_, err = ac.Replace(ctx, doc, c)
		return err
	}

	var armed atomic.Bool
	var secondErr error
	store.SetHooks(memstore.Hooks{Before: func(_ context.Context, op memstore.Op, key string) error {
		if op == memstore.OpReplace && IsAtrKey(key) && armed.CompareAndSwap(true, false) {
			clock.Advance(11 * time.Second)
			_, secondErr = txns.Run(context.Background(), increment, nil)
		}
		return nil
	}})
	defer store.SetHooks(memstore.Hooks{})

	expiry := 10 * time.Second
	_, firstErr := txns.Run(ctx, func(ctx context.Context, ac *AttemptContext) error {
		if err := increment(ctx, ac); err != nil {
			return err
		}
		armed.Store(true)
		return nil
	}, &PerTransactionConfig{Expiry: &expiry})

	require.NoError(t, secondErr)
	require.ErrorIs(t, firstErr, ErrTransactionExpired)

	var c counter
	committedBody(t, store, "k", &c)
	require.Equal(t, 1, c.N)
}
