// Command migrate applies or reverts wallet store schema migrations.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coachpo/zkwallet/internal/infra/config"
	"github.com/coachpo/zkwallet/internal/infra/persistence/migrations"
	"github.com/coachpo/zkwallet/internal/infra/persistence/sqlite"
)

const defaultTimeout = 30 * time.Second

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Getenv); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(argv []string, stdout io.Writer, getenv func(string) string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(stdout)
	var (
		backend = fs.String("backend", migrations.BackendPostgres, "Store backend (postgres|sqlite)")
		dsn     = fs.String("database", "", fmt.Sprintf("PostgreSQL DSN or SQLite file path (default: $%s)", config.EnvDatabaseURL))
		dir     = fs.String("path", "", "Directory containing SQL migrations (default: embedded)")
		timeout = fs.Duration("timeout", defaultTimeout, "Maximum time to wait for database connectivity")
		quiet   = fs.Bool("quiet", false, "Suppress informational logs")
	)
	if err := fs.Parse(argv); err != nil {
		return err
	}

	src, err := buildSource(*backend, *dsn, *dir, getenv)
	if err != nil {
		return err
	}

	args := fs.Args()
	if len(args) == 0 {
		return errors.New("command required (up|down)")
	}

	var logger *log.Logger
	if !*quiet {
		logger = log.New(stdout, "zkwallet-migrate ", log.LstdFlags)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch args[0] {
	case "up":
		return migrations.Apply(ctx, src, logger)
	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid down steps %q: %w", args[1], err)
			}
			steps = n
		}
		return migrations.Rollback(ctx, src, steps, logger)
	default:
		return fmt.Errorf("unknown command %q (expected up or down)", args[0])
	}
}

func buildSource(backend, dsn, dir string, getenv func(string) string) (migrations.Source, error) {
	backend = strings.ToLower(strings.TrimSpace(backend))
	dsn = strings.TrimSpace(dsn)
	if dsn == "" && backend == migrations.BackendPostgres {
		dsn = strings.TrimSpace(getenv(config.EnvDatabaseURL))
	}
	if dsn == "" {
		return migrations.Source{}, errors.New("-database flag is required")
	}
	switch backend {
	case migrations.BackendPostgres:
	case migrations.BackendSQLite:
		if !strings.HasPrefix(dsn, "file:") {
			dsn = sqlite.DSN(dsn)
		}
	default:
		return migrations.Source{}, fmt.Errorf("unsupported backend %q (expected postgres or sqlite)", backend)
	}
	return migrations.Source{Backend: backend, DSN: dsn, Dir: strings.TrimSpace(dir)}, nil
}
