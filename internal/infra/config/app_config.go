// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/zkwallet/internal/infra/retry"
)

// RelayerConfig locates the relayer JSON-RPC endpoint and its liquidation feed.
type RelayerConfig struct {
	Mode              string        `yaml:"mode"`
	URL               string        `yaml:"url"`
	FeedURL           string        `yaml:"feedUrl"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	Burst             int           `yaml:"burst"`
	Timeout           time.Duration `yaml:"timeout"`
}

func (c *RelayerConfig) applyDefaults() {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	if c.Mode == "" {
		c.Mode = RelayerModeSim
	}
	c.URL = strings.TrimSpace(c.URL)
	c.FeedURL = strings.TrimSpace(c.FeedURL)
	if c.URL == "" {
		c.URL = "http://localhost:3032/api"
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 10
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
}

// RetryConfig controls the bounded retry applied to eventually consistent reads.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"maxAttempts"`
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
	Multiplier      float64       `yaml:"multiplier"`
}

func (c *RetryConfig) applyDefaults() {
	def := retry.DefaultPolicy()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = def.InitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = def.MaxInterval
	}
	if c.Multiplier < 1 {
		c.Multiplier = def.Multiplier
	}
}

// Policy converts the configuration into a retry policy.
func (c RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     c.MaxAttempts,
		InitialInterval: c.InitialInterval,
		MaxInterval:     c.MaxInterval,
		Multiplier:      c.Multiplier,
	}.Normalise()
}

// WalletConfig carries wallet identity and sizing parameters.
type WalletConfig struct {
	ChainID         string `yaml:"chainId"`
	AddressPrefix   string `yaml:"addressPrefix"`
	WalletID        string `yaml:"walletId"`
	PassphraseEnv   string `yaml:"passphraseEnv"`
	MaxSplitOutputs int    `yaml:"maxSplitOutputs"`
}

// MaxSplitCeiling is the largest number of outputs a single split transaction may carry.
const MaxSplitCeiling = 9

func (c *WalletConfig) applyDefaults() {
	c.ChainID = strings.TrimSpace(c.ChainID)
	c.AddressPrefix = strings.TrimSpace(c.AddressPrefix)
	c.WalletID = strings.TrimSpace(c.WalletID)
	c.PassphraseEnv = strings.TrimSpace(c.PassphraseEnv)
	if c.ChainID == "" {
		c.ChainID = "nyks"
	}
	if c.AddressPrefix == "" {
		c.AddressPrefix = "zk1"
	}
	if c.PassphraseEnv == "" {
		c.PassphraseEnv = "ZKWALLET_PASSPHRASE"
	}
	if c.MaxSplitOutputs <= 0 {
		c.MaxSplitOutputs = 8
	}
}

// DatabaseConfig controls PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/zkwallet"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 8
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	return nil
}

// PersistenceConfig selects and tunes the wallet store backend.
type PersistenceConfig struct {
	Backend       string         `yaml:"backend"`
	SQLitePath    string         `yaml:"sqlitePath"`
	RunMigrations bool           `yaml:"runMigrations"`
	MigrationsDir string         `yaml:"migrationsDir"`
	Database      DatabaseConfig `yaml:"database"`
}

func (c *PersistenceConfig) applyDefaults() {
	c.Backend = normalizeBackend(c.Backend)
	c.SQLitePath = strings.TrimSpace(c.SQLitePath)
	c.MigrationsDir = strings.TrimSpace(c.MigrationsDir)
	if c.SQLitePath == "" {
		c.SQLitePath = filepath.Join("data", "zkwallet.db")
	}
	c.Database.applyDefaults()
}

func (c PersistenceConfig) validate() error {
	switch c.Backend {
	case BackendNone, BackendMemory:
		return nil
	case BackendSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return fmt.Errorf("sqlitePath required")
		}
		return nil
	case BackendPostgres:
		if err := c.Database.validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("backend must be one of none, memory, sqlite, postgres")
	}
}

// SimulationConfig seeds the in-process ledger and relayer.
type SimulationConfig struct {
	BaseAddress     string `yaml:"baseAddress"`
	BaseBalance     uint64 `yaml:"baseBalance"`
	MarkPrice       int64  `yaml:"markPrice"`
	LendInterestBps uint64 `yaml:"lendInterestBps"`
}

func (c *SimulationConfig) applyDefaults() {
	c.BaseAddress = strings.TrimSpace(c.BaseAddress)
	if c.BaseAddress == "" {
		c.BaseAddress = "twilight1simbase"
	}
	if c.BaseBalance == 0 {
		c.BaseBalance = 1_000_000
	}
	if c.MarkPrice <= 0 {
		c.MarkPrice = 50_000
	}
}

// APIServerConfig configures the control API listener.
type APIServerConfig struct {
	Addr string `yaml:"addr"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// AppConfig is the unified wallet configuration sourced from YAML.
type AppConfig struct {
	Environment Environment       `yaml:"environment"`
	Relayer     RelayerConfig     `yaml:"relayer"`
	Retry       RetryConfig       `yaml:"retry"`
	Wallet      WalletConfig      `yaml:"wallet"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Simulation  SimulationConfig  `yaml:"simulation"`
	APIServer   APIServerConfig   `yaml:"apiServer"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// DefaultAppConfig returns a fully defaulted development configuration.
func DefaultAppConfig() AppConfig {
	cfg := AppConfig{Environment: EnvDev}
	cfg.normalise(os.Getenv)
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.normalise(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads configPath, falling back to DefaultAppConfig when the
// path is empty or the file does not exist.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	if strings.TrimSpace(configPath) == "" {
		return DefaultAppConfig(), nil
	}
	cfg, err := Load(ctx, configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultAppConfig(), nil
	}
	return cfg, err
}

func (c *AppConfig) normalise(getenv func(string) string) {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	if v := strings.TrimSpace(getenv(EnvRelayerURL)); v != "" {
		c.Relayer.URL = v
	}
	if v := strings.TrimSpace(getenv(EnvDatabaseURL)); v != "" {
		c.Persistence.Database.DSN = v
	}

	c.Relayer.applyDefaults()
	c.Retry.applyDefaults()
	c.Wallet.applyDefaults()
	c.Persistence.applyDefaults()
	c.Simulation.applyDefaults()

	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	if c.APIServer.Addr == "" {
		c.APIServer.Addr = ":8880"
	}
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "zkwallet"
	}
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	switch c.Relayer.Mode {
	case RelayerModeSim, RelayerModeRPC:
	default:
		return fmt.Errorf("relayer mode must be one of sim, rpc")
	}
	if strings.TrimSpace(c.Relayer.URL) == "" {
		return fmt.Errorf("relayer url required")
	}
	if c.Relayer.RequestsPerSecond <= 0 {
		return fmt.Errorf("relayer requestsPerSecond must be >0")
	}

	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry maxAttempts must be >0")
	}
	if c.Retry.InitialInterval <= 0 {
		return fmt.Errorf("retry initialInterval must be >0")
	}
	if c.Retry.MaxInterval < c.Retry.InitialInterval {
		return fmt.Errorf("retry maxInterval must be >= initialInterval")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry multiplier must be >= 1")
	}

	if c.Wallet.MaxSplitOutputs <= 0 || c.Wallet.MaxSplitOutputs > MaxSplitCeiling {
		return fmt.Errorf("wallet maxSplitOutputs must be within [1,%d]", MaxSplitCeiling)
	}
	if strings.TrimSpace(c.Wallet.ChainID) == "" {
		return fmt.Errorf("wallet chainId required")
	}

	if err := c.Persistence.validate(); err != nil {
		return fmt.Errorf("persistence: %w", err)
	}

	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
