// Package persistence selects and opens the configured wallet store backend.
package persistence

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/coachpo/zkwallet/internal/domain/walletstore"
	"github.com/coachpo/zkwallet/internal/infra/config"
	"github.com/coachpo/zkwallet/internal/infra/persistence/memory"
	"github.com/coachpo/zkwallet/internal/infra/persistence/migrations"
	"github.com/coachpo/zkwallet/internal/infra/persistence/postgres"
	"github.com/coachpo/zkwallet/internal/infra/persistence/sqlite"
)

// Open returns the store named by cfg.Backend, or nil for the "none" backend.
// Migrations run first when cfg.RunMigrations is set.
func Open(ctx context.Context, cfg config.PersistenceConfig, logger *log.Logger) (walletstore.Store, error) {
	switch cfg.Backend {
	case config.BackendNone, "":
		return nil, nil
	case config.BackendMemory:
		return memory.NewWalletStore(), nil
	case config.BackendSQLite:
		return openSQLite(ctx, cfg, logger)
	case config.BackendPostgres:
		return openPostgres(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("persistence: unsupported backend %q", cfg.Backend)
	}
}

func openSQLite(ctx context.Context, cfg config.PersistenceConfig, logger *log.Logger) (walletstore.Store, error) {
	if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("persistence: create sqlite directory: %w", err)
		}
	}
	dsn := sqlite.DSN(cfg.SQLitePath)
	if cfg.RunMigrations {
		src := migrations.Source{Backend: migrations.BackendSQLite, DSN: dsn, Dir: cfg.MigrationsDir}
		if err := migrations.Apply(ctx, src, logger); err != nil {
			return nil, fmt.Errorf("persistence: %w", err)
		}
	}
	store, err := sqlite.Open(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func openPostgres(ctx context.Context, cfg config.PersistenceConfig, logger *log.Logger) (walletstore.Store, error) {
	if cfg.RunMigrations {
		src := migrations.Source{Backend: migrations.BackendPostgres, DSN: cfg.Database.DSN, Dir: cfg.MigrationsDir}
		if err := migrations.Apply(ctx, src, logger); err != nil {
			return nil, fmt.Errorf("persistence: %w", err)
		}
	}
	pool, err := postgres.Connect(ctx, cfg.Database.DSN, postgres.PoolOptions{
		MaxConns:          cfg.Database.MaxConns,
		MinConns:          cfg.Database.MinConns,
		MaxConnLifetime:   cfg.Database.MaxConnLifetime,
		MaxConnIdleTime:   cfg.Database.MaxConnIdleTime,
		HealthCheckPeriod: cfg.Database.HealthCheckPeriod,
	})
	if err != nil {
		return nil, err
	}
	postgres.ObservePoolMetrics(pool, "wallet")
	return postgres.NewWalletStore(pool), nil
}
