package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/zkwallet/internal/infra/telemetry"
)

type poolGauge struct {
	name        string
	description string
	read        func(*pgxpool.Stat) int64
}

var walletStoreGauges = []poolGauge{
	{"zkwallet.store.pool.connections.total", "Wallet store connections (idle + acquired + constructing)",
		func(s *pgxpool.Stat) int64 { return int64(s.TotalConns()) }},
	{"zkwallet.store.pool.connections.idle", "Wallet store connections ready for checkout",
		func(s *pgxpool.Stat) int64 { return int64(s.IdleConns()) }},
	{"zkwallet.store.pool.connections.acquired", "Wallet store connections held by a flush or load",
		func(s *pgxpool.Stat) int64 { return int64(s.AcquiredConns()) }},
	{"zkwallet.store.pool.connections.constructing", "Wallet store connections being dialled",
		func(s *pgxpool.Stat) int64 { return int64(s.ConstructingConns()) }},
}

// ObservePoolMetrics reports pgx pool health for the wallet store through one
// registered callback. Registration errors leave the pool unobserved.
func ObservePoolMetrics(pool *pgxpool.Pool, poolName string) {
	if pool == nil {
		return
	}
	name := strings.TrimSpace(poolName)
	if name == "" {
		name = "wallet"
	}
	attrs := metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrBackend.String("postgres"),
		attribute.String("db_pool", name),
	)

	meter := otel.Meter("zkwallet.persistence.postgres")
	gauges := make([]metric.Int64ObservableGauge, 0, len(walletStoreGauges))
	observables := make([]metric.Observable, 0, len(walletStoreGauges))
	for _, g := range walletStoreGauges {
		gauge, err := meter.Int64ObservableGauge(g.name,
			metric.WithDescription(g.description),
			metric.WithUnit("{connection}"))
		if err != nil {
			return
		}
		gauges = append(gauges, gauge)
		observables = append(observables, gauge)
	}

	_, _ = meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		stat := pool.Stat()
		for i, g := range walletStoreGauges {
			observer.ObserveInt64(gauges[i], g.read(stat), attrs)
		}
		return nil
	}, observables...)
}
