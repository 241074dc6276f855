// Package txn implements multi-document ACID transactions on top of a
// kv.Store that only offers single-document compare-and-swap.
//
// Each transaction runs the application callback in one or more attempts.
// An attempt stages its writes in the metadata of the documents themselves,
// records itself in an Active Transaction Record (ATR) document, and commits
// by flipping its ATR entry to COMMITTED in a single write. Documents are
// then unstaged; any reader that finds leftover staging resolves it through
// the ATR, and a Cleaner finishes attempts whose client disappeared.
package txn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/kv"
	internaltelemetry "github.com/sushant-115/gojotxn/internal/telemetry"
)

// AttemptFunc is the application's transaction body. It is called once per
// attempt and must be safe to re-run.
type AttemptFunc func(ctx context.Context, ac *AttemptContext) error

// Transactions runs transactions against one store. Create one per process
// and share it; Close stops its background cleanup.
type Transactions struct {
	store     kv.Store
	cfg       Config
	clock     clockwork.Clock
	logger    *zap.Logger
	tracer    trace.Tracer
	metrics   *internaltelemetry.TxnMetrics
	atr       *atrStore
	finalizer *docFinalizer
	cleaner   *Cleaner
}

// New creates a Transactions over store and starts the background cleanup
// configured in cfg.
func New(store kv.Store, cfg Config) (*Transactions, error) {
	if store == nil {
		return nil, errors.New("txn: nil store")
	}
	cfg = cfg.withDefaults()
	meter := cfg.Meter
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("")
	}
	metrics, err := internaltelemetry.NewTxnMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("creating transaction metrics: %w", err)
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	logger := cfg.Logger.Named("txn")

	t := &Transactions{
		store:   store,
		cfg:     cfg,
		clock:   cfg.Clock,
		logger:  logger,
		tracer:  tracer,
		metrics: metrics,
	}
	t.atr, t.finalizer = newStoreHelpers(store, cfg, logger)
	t.cleaner = newCleaner(store, cfg, t.atr, t.finalizer, metrics, logger)
	t.cleaner.Start()
	logger.Info("transactions initialized",
		zap.Stringer("durability", cfg.DurabilityLevel),
		zap.Duration("expiry", cfg.Expiry),
		zap.Bool("cleanup_lost", cfg.CleanupLostAttempts),
		zap.Bool("cleanup_client", cfg.CleanupClientAttempts))
	return t, nil
}

func newStoreHelpers(store kv.Store, cfg Config, logger *zap.Logger) (*atrStore, *docFinalizer) {
	opts := kv.WriteOptions{Durability: cfg.DurabilityLevel}
	atr := &atrStore{store: store, opts: opts, kvTimeout: cfg.KeyValueTimeout, logger: logger.Named("atr")}
	fin := &docFinalizer{
		store:      store,
		opts:       opts,
		kvTimeout:  cfg.KeyValueTimeout,
		backoffMin: cfg.RetryBackoffMin,
		backoffMax: cfg.RetryBackoffMax,
		timeout:    cfg.UnstageTimeout,
		logger:     logger.Named("finalize"),
	}
	return atr, fin
}

// Cleaner exposes the instance's cleaner, e.g. for an on-demand Sweep.
func (t *Transactions) Cleaner() *Cleaner { return t.cleaner }

// Close stops background cleanup, finishing queued client attempts first.
func (t *Transactions) Close() error {
	t.cleaner.Close()
	return nil
}

// Run executes logic as a transaction. It returns a Result when the
// transaction committed (or the callback rolled it back), a
// *TransactionFailedError when it did not commit, and a
// *TransactionCommitAmbiguousError when the outcome is unknown.
func (t *Transactions) Run(ctx context.Context, logic AttemptFunc, perConfig *PerTransactionConfig) (*Result, error) {
	cfg := t.cfg.merge(perConfig)
	txnID := uuid.NewString()
	start := t.clock.Now()
	deadline := start.Add(cfg.Expiry)
	result := &Result{TransactionID: txnID}
	logger := t.logger.With(zap.String("txn_id", txnID))

	ctx, span := t.tracer.Start(ctx, "gojotxn.transaction", trace.WithAttributes(attribute.String("txn.id", txnID)))
	defer span.End()

	t.metrics.TransactionStarted(ctx)
	outcome := "failed"
	defer func() { t.metrics.TransactionFinished(ctx, outcome, t.clock.Since(start)) }()

	retryDelay := backoff.NewExponentialBackOff()
	retryDelay.InitialInterval = cfg.RetryBackoffMin
	retryDelay.MaxInterval = cfg.RetryBackoffMax
	retryDelay.MaxElapsedTime = 0
	retryDelay.Reset()

	for {
		ac := t.newAttempt(cfg, txnID, deadline, logger)
		err := t.runAttempt(ctx, ac, logic)
		rec := ac.record()
		result.Attempts = append(result.Attempts, rec)
		t.metrics.AttemptFinished(ctx, string(rec.State))

		if err == nil {
			result.UnstagingComplete = rec.UnstagingComplete
			result.RolledBack = ac.appRolledBack
			outcome = "committed"
			if result.RolledBack {
				outcome = "rolled_back"
			}
			span.SetAttributes(attribute.Int("txn.attempts", len(result.Attempts)), attribute.String("txn.outcome", outcome))
			logger.Debug("transaction finished", zap.String("outcome", outcome), zap.Int("attempts", len(result.Attempts)))
			return result, nil
		}

		var tofe *TransactionOperationFailedError
		if !errors.As(err, &tofe) {
			tofe = newOperationFailed(ClassPermanent, err)
		}
		span.RecordError(tofe)

		switch {
		case tofe.class == ClassAmbiguous:
			outcome = "ambiguous"
			span.SetStatus(codes.Error, "commit ambiguous")
			logger.Warn("transaction commit ambiguous", zap.Error(tofe))
			return nil, &TransactionCommitAmbiguousError{cause: tofe, result: result}

		case tofe.retry && ctx.Err() == nil:
			t.metrics.Conflict(ctx, tofe.class.String())
			now := t.clock.Now()
			if !now.Before(deadline) {
				outcome = "expired"
				span.SetStatus(codes.Error, "expired")
				cause := newOperationFailed(ClassExpired, fmt.Errorf("%w after %d attempt(s): %w", ErrTransactionExpired, len(result.Attempts), tofe.cause))
				return nil, &TransactionFailedError{cause: cause, result: result}
			}
			delay := retryDelay.NextBackOff()
			if remaining := deadline.Sub(now); delay > remaining {
				delay = remaining
			}
			logger.Debug("retrying transaction", zap.Int("attempt", len(result.Attempts)), zap.Duration("delay", delay), zap.Error(tofe.cause))
			select {
			case <-ctx.Done():
				span.SetStatus(codes.Error, "canceled")
				return nil, &TransactionFailedError{cause: ctx.Err(), result: result}
			case <-t.clock.After(delay):
			}

		default:
			if tofe.class == ClassExpired {
				outcome = "expired"
			}
			span.SetStatus(codes.Error, tofe.class.String())
			logger.Debug("transaction failed", zap.Stringer("class", tofe.class), zap.Error(tofe.cause))
			return nil, &TransactionFailedError{cause: tofe, result: result}
		}
	}
}

func (t *Transactions) newAttempt(cfg Config, txnID string, deadline time.Time, logger *zap.Logger) *AttemptContext {
	attemptID := uuid.NewString()
	return &AttemptContext{
		t:             t,
		cfg:           cfg,
		writeOpts:     kv.WriteOptions{Durability: cfg.DurabilityLevel},
		logger:        logger.With(zap.String("attempt_id", attemptID)),
		transactionID: txnID,
		attemptID:     attemptID,
		deadline:      deadline,
		stage:         StageStarting,
		atrState:      AttemptStateNothingWritten,
		buffer:        newStagedBuffer(),
	}
}

// runAttempt drives one attempt through the callback and then commit or
// rollback.
func (t *Transactions) runAttempt(ctx context.Context, ac *AttemptContext, logic AttemptFunc) error {
	ctx, span := t.tracer.Start(ctx, "gojotxn.attempt", trace.WithAttributes(attribute.String("txn.attempt_id", ac.attemptID)))
	defer span.End()

	ac.mu.Lock()
	ac.moveTo(StageAttempting)
	ac.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			ac.mu.Lock()
			ac.abandon(ctx)
			ac.mu.Unlock()
			panic(r)
		}
	}()

	if err := logic(ctx, ac); err != nil {
		return ac.afterCallbackError(ctx, err)
	}

	ac.mu.Lock()
	defer ac.mu.Unlock()
	if ac.appRolledBack {
		if ac.stage == StageRolledBack {
			return nil
		}
		return newOperationFailed(ClassPermanent, fmt.Errorf("explicit rollback failed: %w", ac.rollbackErr))
	}
	if err := ac.commitLocked(ctx); err != nil {
		return err
	}
	return nil
}

// afterCallbackError turns the callback's error into the attempt outcome and
// rolls back if the outcome calls for it.
func (a *AttemptContext) afterCallbackError(ctx context.Context, err error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stage == StageCommitted || a.stage == StageCompleted {
		a.logger.Warn("callback returned an error after committing; the commit stands", zap.Error(err))
		return nil
	}

	tofe := a.failure
	if tofe == nil && !errors.As(err, &tofe) {
		tofe = newOperationFailed(ClassPermanent, err)
	}
	if tofe.rollback {
		a.abandon(ctx)
	} else {
		a.moveTo(StageFailed)
	}
	return tofe
}
