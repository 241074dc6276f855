package txn

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sushant-115/gojotxn/core/kv"
	internaltelemetry "github.com/sushant-115/gojotxn/internal/telemetry"
)

// CleanupResult says what cleanup did with one ATR entry.
type CleanupResult string

const (
	// CleanupNone means there was no such entry.
	CleanupNone CleanupResult = "none"
	// CleanupSkipped means the entry belongs to a live attempt.
	CleanupSkipped    CleanupResult = "skipped"
	CleanupCommitted  CleanupResult = "committed"
	CleanupRolledBack CleanupResult = "rolled_back"
	// CleanupRemoved means the entry was already terminal and was deleted.
	CleanupRemoved CleanupResult = "removed"
)

const cleanupQueueSize = 1024

type cleanupRequest struct {
	atrKey    string
	attemptID string
}

// Cleaner finishes attempts that their client left behind: it rolls
// committed attempts forward, rolls expired pending ones back, and removes
// finished entries from the ATRs.
type Cleaner struct {
	store     kv.Store
	cfg       Config
	clock     clockwork.Clock
	logger    *zap.Logger
	metrics   *internaltelemetry.TxnMetrics
	atr       *atrStore
	finalizer *docFinalizer
	limiter   *rate.Limiter

	requests  chan cleanupRequest
	dropped   atomic.Int64
	stop      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// NewCleaner creates a standalone Cleaner, for processes that only clean up
// and never run transactions. It is not started.
func NewCleaner(store kv.Store, cfg Config) (*Cleaner, error) {
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
		return nil, fmt.Errorf("creating cleanup metrics: %w", err)
	}
	logger := cfg.Logger.Named("txn")
	atr, fin := newStoreHelpers(store, cfg, logger)
	return newCleaner(store, cfg, atr, fin, metrics, logger), nil
}

func newCleaner(store kv.Store, cfg Config, atr *atrStore, fin *docFinalizer,
	metrics *internaltelemetry.TxnMetrics, logger *zap.Logger) *Cleaner {
	every := cfg.CleanupWindow / time.Duration(cfg.NumATRs)
	return &Cleaner{
		store:     store,
		cfg:       cfg,
		clock:     cfg.Clock,
		logger:    logger.Named("cleanup"),
		metrics:   metrics,
		atr:       atr,
		finalizer: fin,
		limiter:   rate.NewLimiter(rate.Every(every), cfg.SweepParallelism),
		requests:  make(chan cleanupRequest, cleanupQueueSize),
		stop:      make(chan struct{}),
	}
}

// Start launches the background loops enabled in the configuration.
func (c *Cleaner) Start() {
	c.startOnce.Do(func() {
		if c.cfg.CleanupLostAttempts {
			c.wg.Add(1)
			go c.lostAttemptsLoop()
		}
		if c.cfg.CleanupClientAttempts {
			c.wg.Add(1)
			go c.clientAttemptsLoop()
		}
	})
}

// Close stops the background loops. Queued client attempts are processed
// before it returns.
func (c *Cleaner) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
		c.wg.Wait()
		if n := c.dropped.Load(); n > 0 {
			c.logger.Warn("cleanup queue overflowed, lost-attempt sweep will handle the rest", zap.Int64("dropped", n))
		}
	})
}

// enqueue hands a finished attempt of this process to the client loop. It
// never blocks: a full queue leaves the entry to the lost-attempts sweep.
func (c *Cleaner) enqueue(atrKey, attemptID string) {
	select {
	case <-c.stop:
		return
	default:
	}
	select {
	case c.requests <- cleanupRequest{atrKey: atrKey, attemptID: attemptID}:
	default:
		c.dropped.Add(1)
	}
}

func (c *Cleaner) clientAttemptsLoop() {
	defer c.wg.Done()
	ctx := context.Background()
	for {
		select {
		case req := <-c.requests:
			c.cleanupClient(ctx, req)
		case <-c.stop:
			for {
				select {
				case req := <-c.requests:
					c.cleanupClient(ctx, req)
				default:
					return
				}
			}
		}
	}
}

// cleanupClient finishes an attempt this process ran. Its owner is known to
// be done with it, so expiry is not waited for.
func (c *Cleaner) cleanupClient(ctx context.Context, req cleanupRequest) {
	res, err := c.cleanupAttempt(ctx, req.atrKey, req.attemptID, true)
	if err != nil {
		c.logger.Warn("client attempt cleanup failed",
			zap.String("atr", req.atrKey), zap.String("attempt_id", req.attemptID), zap.Error(err))
		return
	}
	c.logger.Debug("client attempt cleaned",
		zap.String("atr", req.atrKey), zap.String("attempt_id", req.attemptID), zap.String("result", string(res)))
}

func (c *Cleaner) lostAttemptsLoop() {
	defer c.wg.Done()
	ticker := c.clock.NewTicker(c.cfg.CleanupWindow)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-c.stop
		cancel()
	}()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.Chan():
			n, err := c.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				c.logger.Warn("lost attempts sweep finished with errors", zap.Int("cleaned", n), zap.Error(err))
				continue
			}
			if n > 0 {
				c.logger.Info("lost attempts sweep", zap.Int("cleaned", n))
			}
		}
	}
}

// CleanupAttempt finishes one attempt if it is terminal or expired.
func (c *Cleaner) CleanupAttempt(ctx context.Context, atrKey, attemptID string) (CleanupResult, error) {
	return c.cleanupAttempt(ctx, atrKey, attemptID, false)
}

// cleanupAttempt does the work; force skips the expiry check for attempts
// whose owner is known to have stopped.
func (c *Cleaner) cleanupAttempt(ctx context.Context, atrKey, attemptID string, force bool) (CleanupResult, error) {
	// One retry covers an entry that changes state under us, e.g. a
	// client committing while we try to abort it.
	for try := 0; ; try++ {
		res, err := c.cleanupOnce(ctx, atrKey, attemptID, force)
		if errors.Is(err, ErrAttemptNotActive) && try == 0 {
			continue
		}
		if err != nil {
			c.metrics.Cleanup(ctx, "error")
			return res, err
		}
		c.metrics.Cleanup(ctx, string(res))
		return res, nil
	}
}

func (c *Cleaner) cleanupOnce(ctx context.Context, atrKey, attemptID string, force bool) (CleanupResult, error) {
	entry, err := c.atr.entry(ctx, atrKey, attemptID)
	if errors.Is(err, ErrAtrEntryNotFound) {
		return CleanupNone, nil
	}
	if err != nil {
		return CleanupNone, err
	}
	if !force && !entry.State.terminal() && !entry.expired(c.clock.Now()) {
		return CleanupSkipped, nil
	}
	logger := c.logger.With(zap.String("atr", atrKey), zap.String("attempt_id", attemptID), zap.String("state", string(entry.State)))

	switch entry.State {
	case AttemptStateCompleted, AttemptStateRolledBack:
		if err := c.atr.removeEntry(ctx, atrKey, attemptID, entry.State); err != nil {
			return CleanupNone, err
		}
		return CleanupRemoved, nil

	case AttemptStateCommitted:
		if err := c.finalizeDocs(ctx, entry, attemptID, true); err != nil {
			return CleanupNone, fmt.Errorf("rolling attempt %s forward: %w", attemptID, err)
		}
		if err := c.atr.removeEntry(ctx, atrKey, attemptID, AttemptStateCommitted); err != nil {
			return CleanupNone, err
		}
		logger.Info("rolled committed attempt forward", zap.Int("docs", len(entry.Docs)))
		return CleanupCommitted, nil

	case AttemptStatePending, AttemptStateAborted:
		if entry.State == AttemptStatePending {
			// From here on the owner can no longer commit.
			if err := c.atr.transition(ctx, atrKey, attemptID, AttemptStateAborted, AttemptStatePending); err != nil {
				return CleanupNone, err
			}
		}
		if err := c.finalizeDocs(ctx, entry, attemptID, false); err != nil {
			return CleanupNone, fmt.Errorf("rolling attempt %s back: %w", attemptID, err)
		}
		if err := c.atr.removeEntry(ctx, atrKey, attemptID, AttemptStateAborted); err != nil {
			return CleanupNone, err
		}
		logger.Info("rolled abandoned attempt back", zap.Int("docs", len(entry.Docs)))
		return CleanupRolledBack, nil

	default:
		return CleanupNone, fmt.Errorf("ATR entry %s has unknown state %q", attemptID, entry.State)
	}
}

func (c *Cleaner) finalizeDocs(ctx context.Context, entry *atrEntry, attemptID string, commit bool) error {
	var errs error
	for _, key := range entry.Docs {
		errs = multierr.Append(errs, c.finalizer.finalize(ctx, key, attemptID, commit, nil))
	}
	return errs
}

// CleanupATR processes every eligible entry of one ATR document and returns
// how many it finished.
func (c *Cleaner) CleanupATR(ctx context.Context, atrKey string) (int, error) {
	doc, _, err := c.atr.load(ctx, atrKey)
	if err != nil {
		return 0, err
	}
	ids := make([]string, 0, len(doc.Attempts))
	for id := range doc.Attempts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var (
		cleaned int
		errs    error
	)
	for _, id := range ids {
		res, err := c.cleanupAttempt(ctx, atrKey, id, false)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if res != CleanupSkipped && res != CleanupNone {
			cleaned++
		}
	}
	return cleaned, errs
}

// Sweep runs CleanupATR over every ATR document, a few at a time, paced so
// that a full pass over all ATR slots spreads across the cleanup window.
func (c *Cleaner) Sweep(ctx context.Context) (int, error) {
	keys, err := c.atrKeys(ctx)
	if err != nil {
		return 0, err
	}

	var (
		mu      sync.Mutex
		cleaned int
		errs    error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.SweepParallelism)
	for _, key := range keys {
		if err := c.limiter.Wait(gctx); err != nil {
			break
		}
		key := key
		g.Go(func() error {
			n, err := c.CleanupATR(gctx, key)
			mu.Lock()
			cleaned += n
			errs = multierr.Append(errs, err)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if ctx.Err() != nil {
		errs = multierr.Append(errs, ctx.Err())
	}
	return cleaned, errs
}

// atrKeys lists the ATR documents to sweep. Stores that can scan report the
// ones that exist; otherwise every slot is visited.
func (c *Cleaner) atrKeys(ctx context.Context) ([]string, error) {
	if sc, ok := c.store.(kv.Scanner); ok {
		docs, err := sc.Scan(ctx, AtrKeyPrefix)
		if err != nil {
			return nil, fmt.Errorf("listing ATRs: %w", err)
		}
		keys := make([]string, 0, len(docs))
		for _, d := range docs {
			keys = append(keys, d.Key)
		}
		return keys, nil
	}
	keys := make([]string, c.cfg.NumATRs)
	for i := range keys {
		keys[i] = AtrKeyPrefix + strconv.Itoa(i)
	}
	return keys, nil
}
