// Package internaltelemetry defines the OpenTelemetry instruments gojotxn
// components record into.
package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// TxnMetrics holds the transaction coordinator and cleanup instruments.
type TxnMetrics struct {
	TransactionsCounter metric.Int64Counter
	AttemptsCounter     metric.Int64Counter
	ConflictsCounter    metric.Int64Counter
	DurationHistogram   metric.Int64Histogram
	CleanupCounter      metric.Int64Counter
	ActiveUpDownCounter metric.Int64UpDownCounter
}

// NewTxnMetrics creates the transaction instruments on meter.
func NewTxnMetrics(meter metric.Meter) (*TxnMetrics, error) {
	transactions, err := meter.Int64Counter(
		"gojotxn.txn.transactions_total",
		metric.WithDescription("Finished transactions by outcome."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	attempts, err := meter.Int64Counter(
		"gojotxn.txn.attempts_total",
		metric.WithDescription("Finished attempts by final state."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	conflicts, err := meter.Int64Counter(
		"gojotxn.txn.conflicts_total",
		metric.WithDescription("Retryable conflicts seen by attempts."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	duration, err := meter.Int64Histogram(
		"gojotxn.txn.duration",
		metric.WithDescription("End-to-end transaction latency."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	cleanup, err := meter.Int64Counter(
		"gojotxn.txn.cleanup_total",
		metric.WithDescription("ATR entries processed by cleanup, by result."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	active, err := meter.Int64UpDownCounter(
		"gojotxn.txn.active",
		metric.WithDescription("Transactions currently running."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	return &TxnMetrics{
		TransactionsCounter: transactions,
		AttemptsCounter:     attempts,
		ConflictsCounter:    conflicts,
		DurationHistogram:   duration,
		CleanupCounter:      cleanup,
		ActiveUpDownCounter: active,
	}, nil
}

// NoopTxnMetrics returns instruments that record nothing.
func NoopTxnMetrics() *TxnMetrics {
	m, _ := NewTxnMetrics(noop.NewMeterProvider().Meter(""))
	return m
}

func (m *TxnMetrics) TransactionStarted(ctx context.Context) {
	m.ActiveUpDownCounter.Add(ctx, 1)
}

// TransactionFinished records the outcome ("committed", "rolled_back",
// "failed", "expired", "ambiguous") and the elapsed time.
func (m *TxnMetrics) TransactionFinished(ctx context.Context, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.ActiveUpDownCounter.Add(ctx, -1)
	m.TransactionsCounter.Add(ctx, 1, attrs)
	m.DurationHistogram.Record(ctx, elapsed.Milliseconds(), attrs)
}

func (m *TxnMetrics) AttemptFinished(ctx context.Context, state string) {
	m.AttemptsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// Conflict records a retryable failure; reason is the error class name.
func (m *TxnMetrics) Conflict(ctx context.Context, reason string) {
	m.ConflictsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *TxnMetrics) Cleanup(ctx context.Context, result string) {
	m.CleanupCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
