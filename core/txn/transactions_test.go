package txn

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sushant-115/gojotxn/core/kv"
	"github.com/sushant-115/gojotxn/core/kv/memstore"
)

type person struct {
	Name string `json:"name"`
}

type counter struct {
	N int `json:"n"`
}

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.DurabilityLevel = kv.DurabilityNone
	cfg.CleanupLostAttempts = false
	cfg.CleanupClientAttempts = false
	cfg.NumATRs = 16
	cfg.UnstageTimeout = 200 * time.Millisecond
	cfg.CleanupWindow = time.Second
	cfg.Logger = zaptest.NewLogger(t)
	return cfg
}

func newTestTransactions(t *testing.T, store kv.Store, cfg Config) *Transactions {
	txns, err := New(store, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = txns.Close() })
	return txns
}

func seed(t *testing.T, store kv.Store, key string, value interface{}) {
	body, err := JSONTranscoder{}.Encode(value)
	require.NoError(t, err)
	_, err = kv.Upsert(context.Background(), store, key, body, kv.WriteOptions{})
	require.NoError(t, err)
}

// committedBody reads key straight from the store and checks nothing is
// left staged on it.
func committedBody(t *testing.T, store kv.Store, key string, out interface{}) {
	doc, err := store.Get(context.Background(), key, kv.GetOptions{})
	require.NoError(t, err)
	require.Empty(t, doc.Xattr, "document %s is still staged", key)
	require.NoError(t, JSONTranscoder{}.Decode(doc.Value, out))
}

func requireAbsent(t *testing.T, store kv.Store, key string) {
	_, err := store.Get(context.Background(), key, kv.GetOptions{AccessDeleted: true})
	require.ErrorIs(t, err, kv.ErrDocNotFound)
}

func TestReplaceTwiceInOneTransaction(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(nil)
	txns := newTestTransactions(t, store, testConfig(t))
	seed(t, store, "jane", person{Name: "Jane"})

	res, err := txns.Run(ctx, func(ctx context.Context, ac *AttemptContext) error {
		doc, err := ac.Get(ctx, "jane")
		if err != nil {
			return err
		}
		doc, err = ac.Replace(ctx, doc, person{Name: "Janey"})
		if err != nil {
			return err
		}
		_, err = ac.Replace(ctx, doc, person{Name: "Janey2"})
		return err
	}, nil)
	require.NoError(t, err)
	require.True(t, res.UnstagingComplete)
	require.Len(t, res.Attempts, 1)
	require.Equal(t, StageCompleted, res.Attempts[0].Stage)
	require.Equal(t, AttemptStateCompleted, res.Attempts[0].State)

	var p person
	committedBody(t, store, "jane", &p)
	require.Equal(t, "Janey2", p.Name)
}

func TestInsertThenReplace(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(nil)
	txns := newTestTransactions(t, store, testConfig(t))

	_, err := txns.Run(ctx, func(ctx context.Context, ac *AttemptContext) error {
		doc, err := ac.Insert(ctx, "bob", person{Name: "Bob"})
		if err != nil {
			return err
		}
		_, err = ac.Replace(ctx, doc, person{Name: "Bobby"})
		return err
	}, nil)
	require.NoError(t, err)

	var p person
	committedBody(t, store, "bob", &p)
	require.Equal(t, "Bobby", p.Name)
}

func TestReplaceThenRemove(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(nil)
	txns := newTestTransactions(t, store, testConfig(t))
	seed(t, store, "gone", person{Name: "Gone"})

	_, err := txns.Run(ctx, func(ctx context.Context, ac *AttemptContext) error {
		doc, err := ac.Get(ctx, "gone")
		if err != nil {
			return err
		}
		doc, err = ac.Replace(ctx, doc, person{Name: "Going"})
		if err != nil {
			return err
		}
		if err := ac.Remove(ctx, doc); err != nil {
			return err
		}
		_, err = ac.Get(ctx, "gone")
		if !errors.Is(err, ErrDocumentNotFound) {
			return errors.New("removed document still visible")
		}
		opt, err := ac.GetOptional(ctx, "gone")
		if err != nil || opt != nil {
			return errors.New("GetOptional should report absence")
		}
		return nil
	}, nil)
	require.NoError(t, err)
	requireAbsent(t, store, "gone")
}

func TestInsertThenRemoveLeavesNothing(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(nil)
	txns := newTestTransactions(t, store, testConfig(t))

	_, err := txns.Run(ctx, func(ctx context.Context, ac *AttemptContext) error {
		doc, err := ac.Insert(ctx, "tmp", person{Name: "Tmp"})
		if err != nil {
			return err
		}
		return ac.Remove(ctx, doc)
	}, nil)
	require.NoError(t, err)
	requireAbsent(t, store, "tmp")
}

func TestMissingAndExistingDocumentsDoNotPoisonAttempt(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(nil)
	txns := newTestTransactions(t, store, testConfig(t))
	seed(t, store, "here", person{Name: "Here"})

	_, err := txns.Run(ctx, func(ctx context.Context, ac *AttemptContext) error {
		if _, err := ac.Get(ctx, "absent"); !errors.Is(err, ErrDocumentNotFound) {
			return errors.New("expected not found")
		}
		if _, err := ac.Insert(ctx, "here", person{Name: "Again"}); !errors.Is(err, ErrDocumentAlreadyExists) {
			return errors.New("expected already exists")
		}
		_, err := ac.Insert(ctx, "absent", person{Name: "Now here"})
		return err
	}, nil)
	require.NoError(t, err)

	var p person
	committedBody(t, store, "absent", &p)
	require.Equal(t, "Now here", p.Name)
}

func TestReadYourOwnWrites(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(nil)
	txns := newTestTransactions(t, store, testConfig(t))
	seed(t, store, "fred", person{Name: "Fred"})

	_, err := txns.Run(ctx, func(ctx context.Context, ac *AttemptContext) error {
		doc, err := ac.Get(ctx, "fred")
		if err != nil {
			return err
		}
		if _, err := ac.Replace(ctx, doc, person{Name: "Freddy"}); err != nil {
			return err
		}
		if _, err := ac.Insert(ctx, "new", person{Name: "New"}); err != nil {
			return err
		}

		var p person
		again, err := ac.Get(ctx, "fred")
		if err != nil {
			return err
		}
		require.NoError(t, again.ContentAs(&p))
		require.Equal(t, "Freddy", p.Name)

		inserted, err := ac.Get(ctx, "new")
		if err != nil {
			return err
		}
		require.NoError(t, inserted.ContentAs(&p))
		require.Equal(t, "New", p.Name)

		// Outside the transaction nothing has changed yet.
		raw, err := store.Get(ctx, "fred", kv.GetOptions{})
		require.NoError(t, err)
		require.NoError(t, JSONTranscoder{}.Decode(raw.Value, &p))
		require.Equal(t, "Fred", p.Name)
		_, err = store.Get(ctx, "new", kv.GetOptions{})
		require.ErrorIs(t, err, kv.ErrDocNotFound)
		return nil
	}, nil)
	require.NoError(t, err)
}

func TestApplicationErrorRollsBack(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(nil)
	txns := newTestTransactions(t, store, testConfig(t))
	seed(t, store, "fred", person{Name: "Fred"})
	appErr := errors.New("business rule violated")

	res, err := txns.Run(ctx, func(ctx context.Context, ac *AttemptContext) error {
		doc, err := ac.Get(ctx, "fred")
		if err != nil {
			return err
		}
		if _, err := ac.Replace(ctx, doc, person{Name: "Freddy"}); err != nil {
			return err
		}
		if _, err := ac.Insert(ctx, "extra", person{Name: "Extra"}); err != nil {
			return err
		}
		return appErr
	}, nil)
	require.Nil(t, res)
	require.ErrorIs(t, err, appErr)

	var failed *TransactionFailedError
	require.ErrorAs(t, err, &failed)
	require.Len(t, failed.Result().Attempts, 1)
	require.Equal(t, StageRolledBack, failed.Result().Attempts[0].Stage)
	require.Equal(t, AttemptStateRolledBack, failed.Result().Attempts[0].State)

	var p person
	committedBody(t, store, "fred", &p)
	require.Equal(t, "Fred", p.Name)
	requireAbsent(t, store, "extra")
}

func TestExplicitRollbackIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(nil)
	txns := newTestTransactions(t, store, testConfig(t))

	res, err := txns.Run(ctx, func(ctx context.Context, ac *AttemptContext) error {
		if _, err := ac.Insert(ctx, "never", person{Name: "Never"}); err != nil {
			return err
		}
		if err := ac.Rollback(ctx); err != nil {
			return err
		}
		if err := ac.Rollback(ctx); err != nil {
			return err
		}
		_, err := ac.Get(ctx, "never")
		require.ErrorIs(t, err, ErrAttemptNotActive)
		return nil
	}, nil)
	require.NoError(t, err)
	require.True(t, res.RolledBack)
	requireAbsent(t, store, "never")
}

func TestExplicitCommitInsideCallback(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(nil)
	txns := newTestTransactions(t, store, testConfig(t))

	res, err := txns.Run(ctx, func(ctx context.Context, ac *AttemptContext) error {
		if _, err := ac.Insert(ctx, "early", person{Name: "Early"}); err != nil {
			return err
		}
		if err := ac.Commit(ctx); err != nil {
			return err
		}
		return ac.Commit(ctx)
	}, nil)
	require.NoError(t, err)
	require.True(t, res.UnstagingComplete)

	var p person
	committedBody(t, store, "early", &p)
	require.Equal(t, "Early", p.Name)
}

func TestReadOnlyTransactionWritesNothing(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(nil)
	txns := newTestTransactions(t, store, testConfig(t))
	seed(t, store, "fred", person{Name: "Fred"})
	before := store.Len()

	res, err := txns.Run(ctx, func(ctx context.Context, ac *AttemptContext) error {
		_, err := ac.Get(ctx, "fred")
		return err
	}, nil)
	require.NoError(t, err)
	require.Equal(t, AttemptStateNothingWritten, res.Attempts[0].State)
	require.Empty(t, res.Attempts[0].AtrKey)
	require.Equal(t, before, store.Len())
}

func TestZeroExpiryMakesNoMutations(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(nil)
	txns := newTestTransactions(t, store, testConfig(t))

	var writes atomic.Int32
	store.SetHooks(memstore.Hooks{Before: func(_ context.Context, op memstore.Op, _ string) error {
		if op != memstore.OpGet {
			writes.Add(1)
		}
		return nil
	}})

	expiry := time.Duration(0)
	res, err := txns.Run(ctx, func(ctx context.Context, ac *AttemptContext) error {
		_, err := ac.Insert(ctx, "doc", person{Name: "Late"})
		return err
	}, &PerTransactionConfig{Expiry: &expiry})
	require.Nil(t, res)
	require.ErrorIs(t, err, ErrTransactionExpired)

	var failed *TransactionFailedError
	require.ErrorAs(t, err, &failed)
	require.True(t, failed.Result().Attempts[0].Expired)
	require.Zero(t, writes.Load())
	require.Zero(t, store.Len())
}

func TestConcurrentWritersConflictAndRetry(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(nil)
	txns := newTestTransactions(t, store, testConfig(t))
	seed(t, store, "counter", counter{})

	increment := func(ctx context.Context, ac *AttemptContext) (*GetResult, error) {
		doc, err := ac.Get(ctx, "counter")
		if err != nil {
			return nil, err
		}
		var c counter
		if err := doc.ContentAs(&c); err != nil {
			return nil, err
		}
		c.N++
		return ac.Replace(ctx, doc, c)
	}

	firstStaged := make(chan struct{})
	secondConflicted := make(chan struct{})
	var conflictOnce sync.Once

	var wg sync.WaitGroup
	wg.Add(1)
	var firstErr error
	go func() {
		defer wg.Done()
		_, firstErr = txns.Run(ctx, func(ctx context.Context, ac *AttemptContext) error {
			if _, err := increment(ctx, ac); err != nil {
				return err
			}
			select {
			case <-firstStaged:
			default:
				close(firstStaged)
			}
			<-secondConflicted
			return nil
		}, nil)
	}()

	<-firstStaged
	res, err := txns.Run(ctx, func(ctx context.Context, ac *AttemptContext) error {
		_, err := increment(ctx, ac)
		if errors.Is(err, ErrWriteWriteConflict) {
			conflictOnce.Do(func() { close(secondConflicted) })
		}
		return err
	}, nil)
	wg.Wait()

	require.NoError(t, firstErr)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(res.Attempts), 2)

	var c counter
	committedBody(t, store, "counter", &c)
	require.Equal(t, 2, c.N)
}

func TestAmbiguousCommitPoint(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(nil)
	txns := newTestTransactions(t, store, testConfig(t))

	var armed atomic.Bool
	store.SetHooks(memstore.Hooks{Before: func(_ context.Context, op memstore.Op, key string) error {
		if armed.Load() && op == memstore.OpReplace && IsAtrKey(key) {
			return kv.ErrTimeout
		}
		return nil
	}})

	res, err := txns.Run(ctx, func(ctx context.Context, ac *AttemptContext) error {
		if _, err := ac.Insert(ctx, "maybe", person{Name: "Maybe"}); err != nil {
			return err
		}
		armed.Store(true)
		return nil
	}, nil)
	require.Nil(t, res)
	require.ErrorIs(t, err, ErrCommitAmbiguous)

	var ambiguous *TransactionCommitAmbiguousError
	require.ErrorAs(t, err, &ambiguous)
	require.Len(t, ambiguous.Result().Attempts, 1)
	require.Equal(t, StageFailed, ambiguous.Result().Attempts[0].Stage)

	// The staging was neither committed nor rolled back.
	doc, err := store.Get(ctx, "maybe", kv.GetOptions{AccessDeleted: true})
	require.NoError(t, err)
	require.True(t, doc.Deleted)
	require.NotEmpty(t, doc.Xattr)
}

func TestAmbiguousCommitPointResolvedByReRead(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(nil)
	txns := newTestTransactions(t, store, testConfig(t))
	seed(t, store, "fred", person{Name: "Fred"})

	var armed atomic.Bool
	store.SetHooks(memstore.Hooks{After: func(_ context.Context, op memstore.Op, key string) error {
		if op == memstore.OpReplace && IsAtrKey(key) && armed.CompareAndSwap(true, false) {
			return kv.ErrTimeout
		}
		return nil
	}})

	res, err := txns.Run(ctx, func(ctx context.Context, ac *AttemptContext) error {
		doc, err := ac.Get(ctx, "fred")
		if err != nil {
			return err
		}
		if _, err := ac.Replace(ctx, doc, person{Name: "Freddy"}); err != nil {
			return err
		}
		armed.Store(true)
		return nil
	}, nil)
	require.NoError(t, err)
	require.Len(t, res.Attempts, 1)
	require.True(t, res.UnstagingComplete)

	var p person
	committedBody(t, store, "fred", &p)
	require.Equal(t, "Freddy", p.Name)
}

func TestPanicInCallbackRollsBack(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(nil)
	txns := newTestTransactions(t, store, testConfig(t))

	require.PanicsWithValue(t, "boom", func() {
		_, _ = txns.Run(ctx, func(ctx context.Context, ac *AttemptContext) error {
			if _, err := ac.Insert(ctx, "p", person{Name: "P"}); err != nil {
				return err
			}
			panic("boom")
		}, nil)
	})
	requireAbsent(t, store, "p")
}

func TestUnstageFailureLeavesCommittedStaging(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(nil)
	txns := newTestTransactions(t, store, testConfig(t))
	seed(t, store, "a", person{Name: "A"})
	seed(t, store, "b", person{Name: "B"})

	var armed atomic.Bool
	store.SetHooks(memstore.Hooks{Before: func(_ context.Context, op memstore.Op, key string) error {
		if armed.Load() && op == memstore.OpReplace && key == "b" {
			return errors.New("disk full")
		}
		return nil
	}})

	res, err := txns.Run(ctx, func(ctx context.Context, ac *AttemptContext) error {
		for _, key := range []string{"a", "b"} {
			doc, err := ac.Get(ctx, key)
			if err != nil {
				return err
			}
			if _, err := ac.Replace(ctx, doc, person{Name: key + "2"}); err != nil {
				return err
			}
		}
		armed.Store(true)
		return nil
	}, nil)
	require.NoError(t, err)
	require.False(t, res.UnstagingComplete)
	require.Equal(t, AttemptStateCommitted, res.Attempts[0].State)

	var p person
	committedBody(t, store, "a", &p)
	require.Equal(t, "a2", p.Name)

	// b still carries the old body, but every transactional reader sees the
	// committed value through the ATR.
	raw, err := store.Get(ctx, "b", kv.GetOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, raw.Xattr)
	require.NoError(t, JSONTranscoder{}.Decode(raw.Value, &p))
	require.Equal(t, "B", p.Name)

	_, err = txns.Run(ctx, func(ctx context.Context, ac *AttemptContext) error {
		doc, err := ac.Get(ctx, "b")
		if err != nil {
			return err
		}
		var seen person
		require.NoError(t, doc.ContentAs(&seen))
		require.Equal(t, "b2", seen.Name)
		return nil
	}, nil)
	require.NoError(t, err)
}

func TestClientCleanupRemovesFinishedEntries(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(nil)
	cfg := testConfig(t)
	cfg.CleanupClientAttempts = true
	txns, err := New(store, cfg)
	require.NoError(t, err)

	res, err := txns.Run(ctx, func(ctx context.Context, ac *AttemptContext) error {
		_, err := ac.Insert(ctx, "x", person{Name: "X"})
		return err
	}, nil)
	require.NoError(t, err)
	atrKey := res.Attempts[0].AtrKey
	require.NotEmpty(t, atrKey)

	require.NoError(t, txns.Close())
	doc, _, err := txns.atr.load(ctx, atrKey)
	require.NoError(t, err)
	require.Empty(t, doc.Attempts)
}

func TestNewRejectsNilStore(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	require.Error(t, err)
}
