package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error when config file missing")
	}
}

func TestLoadOrDefaultFallsBack(t *testing.T) {
	cfg, err := LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if cfg.Environment != EnvDev {
		t.Fatalf("expected dev environment, got %s", cfg.Environment)
	}
	if cfg.Persistence.Backend != BackendNone {
		t.Fatalf("expected no persistence by default, got %s", cfg.Persistence.Backend)
	}
	if cfg.Relayer.Mode != RelayerModeSim {
		t.Fatalf("expected simulated relayer by default, got %s", cfg.Relayer.Mode)
	}
	if cfg.Simulation.BaseBalance == 0 || cfg.Simulation.MarkPrice != 50_000 {
		t.Fatalf("unexpected simulation defaults %+v", cfg.Simulation)
	}
	if cfg.APIServer.Addr == "" {
		t.Fatalf("expected default api server address")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
environment: STAGING
relayer:
  mode: RPC
  url: http://relayer:3032/api
  feedUrl: ws://relayer:3032/ws
  requestsPerSecond: 4
retry:
  maxAttempts: 5
  initialInterval: 200ms
  maxInterval: 2s
  multiplier: 2
wallet:
  chainId: nyks-test
  maxSplitOutputs: 4
persistence:
  backend: PostgreSQL
  runMigrations: true
  database:
    dsn: postgresql://localhost:5432/zkwallet?sslmode=disable
    maxConns: 4
telemetry:
  serviceName: wallet-test
`)
	t.Setenv(EnvDatabaseURL, "")
	t.Setenv(EnvRelayerURL, "")

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Environment != EnvStaging {
		t.Fatalf("expected staging, got %s", cfg.Environment)
	}
	if cfg.Relayer.Mode != RelayerModeRPC {
		t.Fatalf("expected rpc relayer mode, got %s", cfg.Relayer.Mode)
	}
	if cfg.Relayer.FeedURL != "ws://relayer:3032/ws" {
		t.Fatalf("unexpected feed url %q", cfg.Relayer.FeedURL)
	}
	if cfg.Persistence.Backend != BackendPostgres {
		t.Fatalf("expected postgres backend, got %s", cfg.Persistence.Backend)
	}
	if cfg.Persistence.Database.MinConns != 1 {
		t.Fatalf("expected default minConns 1, got %d", cfg.Persistence.Database.MinConns)
	}
	policy := cfg.Retry.Policy()
	if policy.MaxAttempts != 5 || policy.InitialInterval != 200*time.Millisecond || policy.Multiplier != 2 {
		t.Fatalf("unexpected retry policy %+v", policy)
	}
	if cfg.Wallet.MaxSplitOutputs != 4 {
		t.Fatalf("expected 4 split outputs, got %d", cfg.Wallet.MaxSplitOutputs)
	}
	if cfg.Wallet.PassphraseEnv != "ZKWALLET_PASSPHRASE" {
		t.Fatalf("unexpected passphrase env %q", cfg.Wallet.PassphraseEnv)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, `
environment: dev
relayer:
  url: http://file-relayer/api
persistence:
  backend: postgres
  database:
    dsn: postgresql://file/db
`)
	t.Setenv(EnvDatabaseURL, "postgresql://env/db")
	t.Setenv(EnvRelayerURL, "http://env-relayer/api")

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Persistence.Database.DSN != "postgresql://env/db" {
		t.Fatalf("expected env dsn, got %q", cfg.Persistence.Database.DSN)
	}
	if cfg.Relayer.URL != "http://env-relayer/api" {
		t.Fatalf("expected env relayer url, got %q", cfg.Relayer.URL)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := map[string]struct {
		body string
		want string
	}{
		"environment": {body: "environment: qa\n", want: "environment must be one of"},
		"backend":     {body: "persistence:\n  backend: mongo\n", want: "backend must be one of"},
		"split":       {body: "wallet:\n  maxSplitOutputs: 12\n", want: "maxSplitOutputs"},
		"interval":    {body: "retry:\n  initialInterval: 5s\n  maxInterval: 1s\n", want: "maxInterval"},
		"mode":        {body: "relayer:\n  mode: grpc\n", want: "relayer mode"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(context.Background(), writeConfig(t, tc.body))
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q in error, got %v", tc.want, err)
			}
		})
	}
}

func TestExampleConfigLoads(t *testing.T) {
	t.Setenv(EnvDatabaseURL, "")
	t.Setenv(EnvRelayerURL, "")
	cfg, err := Load(context.Background(), filepath.Join("..", "..", "..", "config", "app.example.yaml"))
	if err != nil {
		t.Fatalf("example config: %v", err)
	}
	if cfg.Persistence.Backend != BackendSQLite {
		t.Fatalf("expected sqlite backend, got %s", cfg.Persistence.Backend)
	}
	if cfg.APIServer.Addr != ":8880" {
		t.Fatalf("unexpected api addr %q", cfg.APIServer.Addr)
	}
}
