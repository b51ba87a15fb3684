// Package migrations wires golang-migrate execution for the wallet store backends.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	_ "modernc.org/sqlite"

	dbmigrations "github.com/coachpo/zkwallet/db/migrations"
	"github.com/coachpo/zkwallet/internal/infra/telemetry"
)

// Backend names accepted by Apply and Rollback.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

var (
	errNotDirectory = errors.New("migrations path must be a directory")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// Source selects where migration files come from. An empty Dir uses the SQL
// embedded in the binary for the backend.
type Source struct {
	Backend string
	DSN     string
	Dir     string
}

// Apply runs every pending up migration. A nil logger disables informational logging.
func Apply(ctx context.Context, src Source, logger *log.Logger) error {
	return run(ctx, src, logger, "up", func(m *migrate.Migrate) error { return m.Up() })
}

// Rollback reverts the given number of migrations (at least one).
func Rollback(ctx context.Context, src Source, steps int, logger *log.Logger) error {
	if steps <= 0 {
		steps = 1
	}
	return run(ctx, src, logger, "down", func(m *migrate.Migrate) error { return m.Steps(-steps) })
}

func run(ctx context.Context, src Source, logger *log.Logger, direction string, step func(*migrate.Migrate) error) error {
	backend := strings.ToLower(strings.TrimSpace(src.Backend))
	driverName, err := sqlDriverName(backend)
	if err != nil {
		return err
	}
	dir := ""
	if strings.TrimSpace(src.Dir) != "" {
		if dir, err = resolveDir(src.Dir); err != nil {
			return err
		}
	}

	db, err := sql.Open(driverName, src.DSN)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && logger != nil {
			logger.Printf("database migrations close: %v", cerr)
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	driver, err := databaseDriver(backend, db)
	if err != nil {
		return err
	}

	m, origin, err := newMigrate(backend, dir, driver)
	if err != nil {
		return err
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if logger == nil {
			return
		}
		if sourceErr != nil {
			logger.Printf("database migrations source close: %v", sourceErr)
		}
		if dbErr != nil {
			logger.Printf("database migrations db close: %v", dbErr)
		}
	}()

	if logger != nil {
		logger.Printf("running database migrations: backend=%s direction=%s source=%s", backend, direction, origin)
	}

	if err := step(m); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, backend, "noop")
			if logger != nil {
				logger.Printf("database migrations up-to-date")
			}
			return nil
		}
		recordMigrationMetric(ctx, backend, "failed")
		return fmt.Errorf("apply migrations (%s): %w", direction, err)
	}

	if logger != nil {
		logger.Printf("database migrations applied successfully")
	}
	recordMigrationMetric(ctx, backend, "applied")
	return nil
}

func sqlDriverName(backend string) (string, error) {
	switch backend {
	case BackendPostgres:
		return "pgx", nil
	case BackendSQLite:
		return "sqlite", nil
	default:
		return "", fmt.Errorf("migrations: unsupported backend %q", backend)
	}
}

func databaseDriver(backend string, db *sql.DB) (database.Driver, error) {
	switch backend {
	case BackendPostgres:
		var cfg pgxv5.Config
		driver, err := pgxv5.WithInstance(db, &cfg)
		if err != nil {
			return nil, fmt.Errorf("initialise pgx v5 driver: %w", err)
		}
		return driver, nil
	case BackendSQLite:
		var cfg sqlitemigrate.Config
		driver, err := sqlitemigrate.WithInstance(db, &cfg)
		if err != nil {
			return nil, fmt.Errorf("initialise sqlite driver: %w", err)
		}
		return driver, nil
	default:
		return nil, fmt.Errorf("migrations: unsupported backend %q", backend)
	}
}

// newMigrate reads from dir when set (already resolved), else from the embedded files.
func newMigrate(backend, dir string, driver database.Driver) (*migrate.Migrate, string, error) {
	if dir != "" {
		m, err := migrate.NewWithDatabaseInstance(fileURL(dir), backend, driver)
		if err != nil {
			return nil, "", fmt.Errorf("initialise migrate instance: %w", err)
		}
		return m, dir, nil
	}

	src, err := iofs.New(dbmigrations.Files, backend)
	if err != nil {
		return nil, "", fmt.Errorf("open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, backend, driver)
	if err != nil {
		return nil, "", fmt.Errorf("initialise migrate instance: %w", err)
	}
	return m, "embedded:" + backend, nil
}

func resolveDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return "", fmt.Errorf("migrations path required")
	}

	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("migrations directory: %w", err)
		}
		return "", fmt.Errorf("stat migrations directory: %w", err)
	}

	if !info.IsDir() {
		return "", fmt.Errorf("migrations directory: %w", errNotDirectory)
	}

	return abs, nil
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := new(url.URL)
	u.Scheme = "file"
	u.Path = slashed
	return u.String()
}

func recordMigrationMetric(ctx context.Context, backend, result string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("persistence.migrations")
		counter, err := meter.Int64Counter("zkwallet.db.migrations",
			metric.WithDescription("Migration runs executed via golang-migrate"),
			metric.WithUnit("{migration}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("environment", telemetry.Environment()),
		telemetry.AttrBackend.String(backend),
		attribute.String("result", result),
	))
}
