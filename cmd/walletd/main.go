// Command walletd runs a shielded-account wallet behind an HTTP control API.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/zkwallet/internal/app/wallet"
	"github.com/coachpo/zkwallet/internal/domain/order"
	"github.com/coachpo/zkwallet/internal/domain/walletstore"
	"github.com/coachpo/zkwallet/internal/infra/config"
	"github.com/coachpo/zkwallet/internal/infra/persistence"
	"github.com/coachpo/zkwallet/internal/infra/relayer"
	httpserver "github.com/coachpo/zkwallet/internal/infra/server/http"
	"github.com/coachpo/zkwallet/internal/infra/sim"
	"github.com/coachpo/zkwallet/internal/infra/telemetry"
	"github.com/coachpo/zkwallet/internal/observability"
	"github.com/coachpo/zkwallet/internal/security"
)

const (
	defaultConfigPath            = "config/app.yaml"
	walletLoggerPrefix           = "walletd "
	seedEnv                      = "ZKWALLET_SEED"
	seedBytes                    = 32
	meterName                    = "github.com/coachpo/zkwallet"
	shutdownTimeout              = 30 * time.Second
	controlServerShutdownTimeout = 5 * time.Second
	lifecycleShutdownTimeout     = 10 * time.Second
	walletFlushTimeout           = 10 * time.Second
	storeCloseTimeout            = 5 * time.Second
	telemetryShutdownTimeout     = 5 * time.Second
	controlReadHeaderTimeout     = 5 * time.Second
	priceCheckTimeout            = 5 * time.Second
)

type flags struct {
	configPath string
	debug      bool
}

func main() {
	opts := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newWalletLogger()
	observability.SetLogger(observability.NewStdLogger(logger, opts.debug))

	configPath := resolveConfigPath(opts.configPath)
	appCfg, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, relayer=%s, persistence=%s",
		appCfg.Environment, appCfg.Relayer.Mode, appCfg.Persistence.Backend)

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}
	metrics, err := telemetry.NewWalletMetrics(telemetryProvider.Meter(meterName))
	if err != nil {
		logger.Fatalf("initialize wallet metrics: %v", err)
	}

	stack, err := buildBackends(appCfg)
	if err != nil {
		logger.Fatalf("initialise relayer: %v", err)
	}
	if stack.client != nil {
		checkMarkPrice(ctx, logger, stack.client)
	}

	store, err := persistence.Open(ctx, appCfg.Persistence, logger)
	if err != nil {
		logger.Fatalf("open persistence: %v", err)
	}

	w, err := openWallet(ctx, appCfg, stack.deps, store, os.Getenv,
		wallet.WithLogger(observability.Log()),
		wallet.WithMetrics(metrics),
		wallet.WithRetryPolicy(appCfg.Retry.Policy()),
		wallet.WithMaxSplitOutputs(appCfg.Wallet.MaxSplitOutputs),
		wallet.WithChainID(appCfg.Wallet.ChainID),
	)
	if err != nil {
		logger.Fatalf("open wallet: %v", err)
	}
	restoreSimulation(stack, w, logger)
	logger.Printf("wallet ready: base=%s, accounts=%d, walletId=%s",
		w.BaseAddress(), len(w.Accounts()), w.WalletID())

	var lifecycle conc.WaitGroup

	if stack.client != nil && appCfg.Relayer.FeedURL != "" {
		feed, err := relayer.NewFeed(appCfg.Relayer.FeedURL, w.OutstandingAddresses, liquidationHandler(w, logger), observability.Log())
		if err != nil {
			logger.Fatalf("initialise liquidation feed: %v", err)
		}
		w.OnOutstandingChange(feed.Resubscribe)
		startFeed(ctx, &lifecycle, logger, feed)
		logger.Printf("liquidation feed subscribed at %s", appCfg.Relayer.FeedURL)
	}

	apiServer := buildAPIServer(appCfg.APIServer, appCfg.Environment, w)
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("control API listening on %s", apiServer.Addr)

	logger.Print("walletd started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		wallet:     w,
		store:      store,
		telemetry:  telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() flags {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()
	return flags{configPath: *cfgPath, debug: *debug}
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newWalletLogger() *log.Logger {
	return log.New(os.Stdout, walletLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	if cfg.EnableMetrics {
		telemetryCfg.Enabled = true
	}

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

type backends struct {
	deps   wallet.Deps
	ledger *sim.Ledger
	sim    *sim.Relayer
	client *relayer.Client
}

// buildBackends wires the in-process ledger and the relayer selected by
// cfg.Relayer.Mode.
func buildBackends(cfg config.AppConfig) (backends, error) {
	ledger := sim.NewLedger(cfg.Simulation.BaseAddress, cfg.Simulation.BaseBalance)
	out := backends{
		ledger: ledger,
		deps: wallet.Deps{
			Ledger:  ledger,
			Deriver: security.NewDeriver(cfg.Wallet.AddressPrefix),
		},
	}
	switch cfg.Relayer.Mode {
	case config.RelayerModeRPC:
		client, err := relayer.NewClient(cfg.Relayer.URL, relayer.Options{
			Timeout:           cfg.Relayer.Timeout,
			RequestsPerSecond: cfg.Relayer.RequestsPerSecond,
			Burst:             cfg.Relayer.Burst,
			Logger:            observability.Log(),
		})
		if err != nil {
			return backends{}, err
		}
		out.client = client
		out.deps.Relayer = client
	default:
		out.sim = sim.NewRelayer(ledger,
			sim.WithMarkPrice(decimal.NewFromInt(cfg.Simulation.MarkPrice)),
			sim.WithLendInterestBps(cfg.Simulation.LendInterestBps),
		)
		out.deps.Relayer = out.sim
	}
	return out, nil
}

// restoreSimulation replays the on-chain accounts and open orders of a
// restored wallet into the in-process backends, which start empty on boot.
func restoreSimulation(stack backends, w *wallet.Wallet, logger *log.Logger) {
	var outputs, orders int
	for _, acct := range w.Accounts() {
		if !acct.OnChain || acct.Balance == 0 {
			continue
		}
		stack.ledger.Restore(acct.Address, acct.IOType.String(), acct.Balance)
		outputs++
		out, ok := w.Outstanding(acct.Index)
		if !ok || stack.sim == nil {
			continue
		}
		if err := stack.sim.Restore(acct.Address, out); err != nil {
			logger.Printf("restore order: index=%d, request=%s: %v", acct.Index, out.RequestID, err)
			continue
		}
		orders++
	}
	if outputs > 0 {
		logger.Printf("simulation restored: outputs=%d, orders=%d", outputs, orders)
	}
}

func checkMarkPrice(ctx context.Context, logger *log.Logger, client *relayer.Client) {
	checkCtx, cancel := context.WithTimeout(ctx, priceCheckTimeout)
	defer cancel()
	price, err := client.BtcUsdPrice(checkCtx)
	if err != nil {
		logger.Printf("relayer price check failed: %v", err)
		return
	}
	logger.Printf("relayer reachable: btc/usd=%s at %s", price.Price, price.Timestamp.Format(time.RFC3339))
}

// openWallet restores the configured wallet from store when it exists and
// otherwise creates one, enabling persistence when a store is configured.
func openWallet(ctx context.Context, cfg config.AppConfig, deps wallet.Deps, store walletstore.Store, getenv func(string) string, opts ...wallet.Option) (*wallet.Wallet, error) {
	source := security.PassphraseSource{EnvVar: cfg.Wallet.PassphraseEnv, Getenv: getenv}
	walletID := cfg.Wallet.WalletID
	if walletID == "" {
		walletID = deps.Ledger.BaseAddress()
	}

	if store != nil {
		exists, err := store.WalletExists(ctx, walletID)
		if err != nil {
			return nil, fmt.Errorf("check wallet %s: %w", walletID, err)
		}
		if exists {
			return wallet.Load(ctx, store, wallet.LoadOptions{WalletID: walletID, Source: source}, deps, opts...)
		}
	}

	seed, generated, err := resolveSeed(getenv)
	if err != nil {
		return nil, err
	}
	w, err := wallet.New(seed, deps, opts...)
	if err != nil {
		return nil, err
	}
	if generated {
		observability.Log().Info("generated wallet seed", observability.F("persistent", store != nil))
	}
	if store == nil {
		return w, nil
	}
	if err := w.EnablePersistence(ctx, store, wallet.PersistOptions{WalletID: walletID, Source: source}); err != nil {
		return nil, err
	}
	return w, nil
}

// resolveSeed reads a hex seed from the environment or generates a fresh one.
func resolveSeed(getenv func(string) string) ([]byte, bool, error) {
	raw := strings.TrimSpace(getenv(seedEnv))
	if raw == "" {
		seed := make([]byte, seedBytes)
		if _, err := rand.Read(seed); err != nil {
			return nil, false, fmt.Errorf("generate seed: %w", err)
		}
		return seed, true, nil
	}
	seed, err := hex.DecodeString(raw)
	if err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", seedEnv, err)
	}
	if len(seed) < 16 {
		return nil, false, fmt.Errorf("%s must encode at least 16 bytes", seedEnv)
	}
	return seed, false, nil
}

type reconciler interface {
	ReconcileByAddress(ctx context.Context, address string) (order.TraderStatus, error)
}

func liquidationHandler(w reconciler, logger *log.Logger) relayer.LiquidationHandler {
	return func(ctx context.Context, ev relayer.LiquidationEvent) error {
		status, err := w.ReconcileByAddress(ctx, ev.Address)
		if err != nil {
			return fmt.Errorf("reconcile %s: %w", ev.Address, err)
		}
		logger.Printf("liquidation reconciled: address=%s, request=%s, status=%s", ev.Address, ev.RequestID, status)
		return nil
	}
}

func startFeed(ctx context.Context, lifecycle *conc.WaitGroup, logger *log.Logger, feed *relayer.Feed) {
	lifecycle.Go(func() {
		if err := feed.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("liquidation feed: %v", err)
		}
	})
}

func buildAPIServer(cfg config.APIServerConfig, env config.Environment, w httpserver.Wallet) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpserver.NewHandler(env, w),
		ReadHeaderTimeout: controlReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("control server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	wallet     *wallet.Wallet
	store      walletstore.Store
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping control server", controlServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.wallet != nil {
		shutdownStep("flushing wallet state", walletFlushTimeout, cfg.wallet.Close)
	}

	if cfg.store != nil {
		shutdownStep("closing wallet store", storeCloseTimeout, func(context.Context) error {
			return cfg.store.Close()
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}

	return filepath.Clean(defaultConfigPath)
}
