package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// WalletMetrics groups the instruments emitted by the wallet engine.
// A nil *WalletMetrics is valid and records nothing.
type WalletMetrics struct {
	operations   metric.Int64Counter
	transitions  metric.Int64Counter
	rotations    metric.Int64Counter
	retries      metric.Int64Histogram
	persistFails metric.Int64Counter
}

// NewWalletMetrics registers wallet instruments on the supplied meter.
func NewWalletMetrics(meter metric.Meter) (*WalletMetrics, error) {
	m := new(WalletMetrics)
	var err error
	if m.operations, err = meter.Int64Counter("zkwallet.operations",
		metric.WithDescription("Wallet operations by outcome"),
		metric.WithUnit("{operation}")); err != nil {
		return nil, err
	}
	if m.transitions, err = meter.Int64Counter("zkwallet.order.transitions",
		metric.WithDescription("Order status transitions observed by the wallet"),
		metric.WithUnit("{transition}")); err != nil {
		return nil, err
	}
	if m.rotations, err = meter.Int64Counter("zkwallet.account.rotations",
		metric.WithDescription("Account rotations by outcome"),
		metric.WithUnit("{rotation}")); err != nil {
		return nil, err
	}
	if m.retries, err = meter.Int64Histogram("zkwallet.retry.attempts",
		metric.WithDescription("Attempts spent per eventually-consistent read"),
		metric.WithUnit("{attempt}")); err != nil {
		return nil, err
	}
	if m.persistFails, err = meter.Int64Counter("zkwallet.persistence.failures",
		metric.WithDescription("Failed writes to the durable mirror"),
		metric.WithUnit("{failure}")); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordOperation counts a wallet operation outcome.
func (m *WalletMetrics) RecordOperation(ctx context.Context, operation, result string) {
	if m == nil {
		return
	}
	m.operations.Add(ctx, 1, metric.WithAttributes(OperationResultAttributes(Environment(), operation, result)...))
}

// RecordTransition counts an order status transition.
func (m *WalletMetrics) RecordTransition(ctx context.Context, product, kind, status string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(OrderAttributes(Environment(), product, kind, status)...))
}

// RecordRotation counts an account rotation outcome.
func (m *WalletMetrics) RecordRotation(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.rotations.Add(ctx, 1, metric.WithAttributes(OperationResultAttributes(Environment(), "rotate", result)...))
}

// RecordRetry records the attempts spent by a single retried read.
func (m *WalletMetrics) RecordRetry(ctx context.Context, operation, result string, attempts int) {
	if m == nil {
		return
	}
	m.retries.Record(ctx, int64(attempts), metric.WithAttributes(OperationResultAttributes(Environment(), operation, result)...))
}

// RecordPersistenceFailure counts a failed mirror write.
func (m *WalletMetrics) RecordPersistenceFailure(ctx context.Context, backend, recordKind string) {
	if m == nil {
		return
	}
	m.persistFails.Add(ctx, 1, metric.WithAttributes(PersistenceAttributes(Environment(), backend, recordKind)...))
}
