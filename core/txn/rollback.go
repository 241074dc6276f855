package txn

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Rollback undoes everything the attempt staged and ends the transaction
// without error. Repeating it is a no-op.
func (a *AttemptContext) Rollback(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stage == StageAttempting {
		a.appRolledBack = true
	}
	err := a.rollbackLocked(ctx)
	if err != nil {
		a.rollbackErr = err
	}
	return err
}

// abandon rolls back after a failure, keeping the failure as the outcome.
func (a *AttemptContext) abandon(ctx context.Context) {
	if err := a.rollbackLocked(ctx); err != nil {
		a.rollbackErr = err
		a.logger.Warn("rollback incomplete, leaving attempt to cleanup", zap.Error(err))
	}
}

func (a *AttemptContext) rollbackLocked(ctx context.Context) error {
	switch a.stage {
	case StageRolledBack, StageFailed:
		return nil
	case StageCommitted, StageCompleted:
		return fmt.Errorf("%w: attempt already committed", ErrAttemptNotActive)
	}
	if a.stage == StageStarting {
		a.moveTo(StageFailed)
		return nil
	}
	a.moveTo(StageRollingBack)
	ctx = context.WithoutCancel(ctx)

	if !a.atrTouched {
		a.moveTo(StageRolledBack)
		return nil
	}

	err := a.t.atr.transition(ctx, a.atrKey, a.attemptID, AttemptStateAborted, AttemptStatePending)
	if errors.Is(err, ErrAtrEntryNotFound) {
		// The entry never landed, so no document was staged after it.
		a.moveTo(StageRolledBack)
		return nil
	}
	if err != nil {
		a.moveTo(StageFailed)
		a.enqueueCleanup()
		return fmt.Errorf("marking ATR entry aborted: %w", err)
	}
	a.atrState = AttemptStateAborted

	var errs error
	seen := make(map[string]bool, a.buffer.len())
	for _, m := range a.buffer.list() {
		seen[m.key] = true
		errs = multierr.Append(errs, a.t.finalizer.finalize(ctx, m.key, a.attemptID, false, m))
	}
	// Keys whose staging write had an unknown outcome are only in the ATR.
	for _, key := range a.atrDocs {
		if !seen[key] {
			errs = multierr.Append(errs, a.t.finalizer.finalize(ctx, key, a.attemptID, false, nil))
		}
	}
	if errs != nil {
		a.moveTo(StageFailed)
		a.enqueueCleanup()
		return fmt.Errorf("reverting staged documents: %w", errs)
	}

	if err := a.t.atr.transition(ctx, a.atrKey, a.attemptID, AttemptStateRolledBack, AttemptStateAborted); err != nil {
		a.logger.Warn("could not mark ATR entry rolled back", zap.Error(err))
	} else {
		a.atrState = AttemptStateRolledBack
	}
	a.moveTo(StageRolledBack)
	a.logger.Debug("attempt rolled back", zap.Int("docs", a.buffer.len()))
	a.enqueueCleanup()
	return nil
}
