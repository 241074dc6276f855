package txn

import (
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/kv"
)

// Defaults used by DefaultConfig.
const (
	DefaultExpiry          = 15 * time.Second
	DefaultKeyValueTimeout = 2500 * time.Millisecond
	DefaultCleanupWindow   = 60 * time.Second
	DefaultNumATRs         = 1024
	DefaultRetryBackoffMin = time.Millisecond
	DefaultRetryBackoffMax = 100 * time.Millisecond
	DefaultUnstageTimeout  = 2 * time.Second
	DefaultSweepParallel   = 4
)

// Config configures a Transactions instance.
type Config struct {
	// DurabilityLevel applies to every staging, unstaging and ATR write.
	DurabilityLevel kv.Durability
	// Expiry bounds the whole transaction, all attempts included. It is used
	// as given: zero means the transaction is already expired when it starts.
	Expiry time.Duration
	// KeyValueTimeout bounds each individual store call.
	KeyValueTimeout time.Duration

	// CleanupLostAttempts runs a background sweep of all ATRs every
	// CleanupWindow, finishing attempts abandoned by any client.
	CleanupLostAttempts bool
	// CleanupClientAttempts finishes this instance's own attempts (removing
	// their ATR entries, retrying failed unstaging) in the background.
	CleanupClientAttempts bool
	CleanupWindow         time.Duration
	// SweepParallelism bounds how many ATRs a sweep processes at once.
	SweepParallelism int

	// NumATRs is the number of ATR documents attempts are spread across.
	NumATRs int

	RetryBackoffMin time.Duration
	RetryBackoffMax time.Duration
	// UnstageTimeout bounds the retries spent on one document while
	// committing or rolling back.
	UnstageTimeout time.Duration

	Transcoder Transcoder
	Logger     *zap.Logger
	Meter      metric.Meter
	Tracer     trace.Tracer
	Clock      clockwork.Clock
}

// DefaultConfig returns the configuration used when nothing else is known.
func DefaultConfig() Config {
	return Config{
		DurabilityLevel:       kv.DurabilityMajority,
		Expiry:                DefaultExpiry,
		KeyValueTimeout:       DefaultKeyValueTimeout,
		CleanupLostAttempts:   true,
		CleanupClientAttempts: true,
		CleanupWindow:         DefaultCleanupWindow,
		SweepParallelism:      DefaultSweepParallel,
		NumATRs:               DefaultNumATRs,
		RetryBackoffMin:       DefaultRetryBackoffMin,
		RetryBackoffMax:       DefaultRetryBackoffMax,
		UnstageTimeout:        DefaultUnstageTimeout,
	}
}

// withDefaults fills zero-valued tunables. Expiry is deliberately left alone.
func (c Config) withDefaults() Config {
	if c.KeyValueTimeout <= 0 {
		c.KeyValueTimeout = DefaultKeyValueTimeout
	}
	if c.CleanupWindow <= 0 {
		c.CleanupWindow = DefaultCleanupWindow
	}
	if c.SweepParallelism <= 0 {
		c.SweepParallelism = DefaultSweepParallel
	}
	if c.NumATRs <= 0 {
		c.NumATRs = DefaultNumATRs
	}
	if c.RetryBackoffMin <= 0 {
		c.RetryBackoffMin = DefaultRetryBackoffMin
	}
	if c.RetryBackoffMax < c.RetryBackoffMin {
		c.RetryBackoffMax = DefaultRetryBackoffMax
		if c.RetryBackoffMax < c.RetryBackoffMin {
			c.RetryBackoffMax = c.RetryBackoffMin
		}
	}
	if c.UnstageTimeout <= 0 {
		c.UnstageTimeout = DefaultUnstageTimeout
	}
	if c.Transcoder == nil {
		c.Transcoder = JSONTranscoder{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}

// PerTransactionConfig overrides Config for a single Run. Nil fields inherit.
type PerTransactionConfig struct {
	DurabilityLevel *kv.Durability
	Expiry          *time.Duration
}

func (c Config) merge(p *PerTransactionConfig) Config {
	if p == nil {
		return c
	}
	if p.DurabilityLevel != nil {
		c.DurabilityLevel = *p.DurabilityLevel
	}
	if p.Expiry != nil {
		c.Expiry = *p.Expiry
	}
	return c
}
