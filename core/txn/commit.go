package txn

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/kv"
)

// ambiguityResolutionTries bounds how often a commit point write of unknown
// outcome is re-read before the attempt gives up and reports ambiguity.
const ambiguityResolutionTries = 5

// Commit commits the attempt. The callback may call it explicitly; otherwise
// the coordinator commits when the callback returns nil. Calling it again
// after success is a no-op.
func (a *AttemptContext) Commit(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.commitLocked(ctx)
}

func (a *AttemptContext) commitLocked(ctx context.Context) error {
	switch a.stage {
	case StageCommitted, StageCompleted:
		return nil
	case StageAttempting:
	default:
		if a.failure != nil {
			return a.failure
		}
		return newOperationFailed(ClassPermanent, fmt.Errorf("%w: attempt is %s", ErrAttemptNotActive, a.stage))
	}

	if a.failure != nil {
		a.abandon(ctx)
		return a.failure
	}
	if a.expired() {
		a.fail(ErrTransactionExpired)
		a.abandon(ctx)
		return a.failure
	}

	a.moveTo(StageCommitting)
	if !a.atrTouched {
		// Read-only attempt: nothing to publish.
		a.moveTo(StageCommitted)
		a.moveTo(StageCompleted)
		a.unstagingComplete = true
		return nil
	}

	if err := a.commitPoint(ctx); err != nil {
		a.failure = err
		if err.class == ClassAmbiguous {
			a.logger.Warn("commit point outcome unknown", zap.String("atr", a.atrKey), zap.Error(err.cause))
			a.moveTo(StageFailed)
			a.enqueueCleanup()
			return err
		}
		a.abandon(ctx)
		return err
	}
	a.atrState = AttemptStateCommitted
	a.moveTo(StageCommitted)
	a.logger.Debug("commit point reached", zap.String("atr", a.atrKey), zap.Int("docs", a.buffer.len()))

	a.unstagingComplete = a.unstageAll(ctx)
	if a.unstagingComplete {
		err := a.t.atr.transition(context.WithoutCancel(ctx), a.atrKey, a.attemptID, AttemptStateCompleted, AttemptStateCommitted)
		if err != nil {
			a.logger.Warn("could not mark ATR entry completed", zap.Error(err))
		} else {
			a.atrState = AttemptStateCompleted
		}
	}
	a.moveTo(StageCompleted)
	a.enqueueCleanup()
	return nil
}

// commitPoint flips the ATR entry from PENDING to COMMITTED. That single
// write is what makes the transaction committed.
func (a *AttemptContext) commitPoint(ctx context.Context) *TransactionOperationFailedError {
	err := a.t.atr.commit(ctx, a.atrKey, a.attemptID, a.t.clock.Now)
	if err == nil {
		return nil
	}
	if !kv.IsAmbiguous(err) {
		return a.commitPointFailure(err)
	}

	// The write may have landed. Read it back until we know.
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.cfg.RetryBackoffMin
	b.MaxInterval = a.cfg.RetryBackoffMax
	b.MaxElapsedTime = 0
	b.Reset()
	for i := 0; i < ambiguityResolutionTries; i++ {
		select {
		case <-ctx.Done():
			return newOperationFailed(ClassAmbiguous, fmt.Errorf("%w: %v", ErrCommitAmbiguous, ctx.Err()))
		case <-a.t.clock.After(b.NextBackOff()):
		}

		entry, rerr := a.t.atr.entry(ctx, a.atrKey, a.attemptID)
		if rerr != nil {
			if errors.Is(rerr, ErrAtrEntryNotFound) {
				return newOperationFailed(ClassPermanent, rerr)
			}
			a.logger.Debug("re-reading ATR after ambiguous commit failed", zap.Error(rerr))
			continue
		}
		switch entry.State {
		case AttemptStateCommitted, AttemptStateCompleted:
			return nil
		case AttemptStatePending:
			terr := a.t.atr.commit(ctx, a.atrKey, a.attemptID, a.t.clock.Now)
			if terr == nil {
				return nil
			}
			if !kv.IsTransient(terr) {
				return a.commitPointFailure(terr)
			}
		default:
			return a.commitPointFailure(fmt.Errorf("%w: ATR entry is %s", ErrAttemptNotActive, entry.State))
		}
	}
	return newOperationFailed(ClassAmbiguous, fmt.Errorf("%w: %v", ErrCommitAmbiguous, err))
}

// commitPointFailure classifies a commit point write that definitely did not
// land.
func (a *AttemptContext) commitPointFailure(err error) *TransactionOperationFailedError {
	if errors.Is(err, ErrAttemptNotActive) || errors.Is(err, ErrAtrEntryNotFound) {
		// Someone (cleanup) finished the entry for us: we ran out of time.
		if a.expired() {
			return newOperationFailed(ClassExpired, fmt.Errorf("%w: %v", ErrTransactionExpired, err))
		}
		return newOperationFailed(ClassPermanent, err)
	}
	return classifyStoreErr(err)
}

// unstageAll applies every staged mutation. A document that cannot be
// finished here is left for readers and cleanup to resolve via the ATR.
func (a *AttemptContext) unstageAll(ctx context.Context) bool {
	ctx = context.WithoutCancel(ctx)
	complete := true
	for _, m := range a.buffer.list() {
		if err := a.t.finalizer.finalize(ctx, m.key, a.attemptID, true, m); err != nil {
			a.logger.Warn("unstaging document failed, leaving it to cleanup",
				zap.String("key", m.key), zap.String("op", string(m.typ)), zap.Error(err))
			complete = false
		}
	}
	return complete
}
