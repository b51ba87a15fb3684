package main

import (
	"bytes"
	"context"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/zkwallet/internal/app/wallet"
	"github.com/coachpo/zkwallet/internal/domain/order"
	"github.com/coachpo/zkwallet/internal/infra/config"
	"github.com/coachpo/zkwallet/internal/infra/persistence/memory"
	"github.com/coachpo/zkwallet/internal/infra/relayer"
	"github.com/coachpo/zkwallet/internal/infra/retry"
	"github.com/coachpo/zkwallet/internal/infra/sim"
)

func envMap(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestResolveConfigPath(t *testing.T) {
	require.Equal(t, "custom.yaml", resolveConfigPath("custom.yaml"))
	require.Equal(t, defaultConfigPath, resolveConfigPath(""))
}

func TestResolveSeed(t *testing.T) {
	seed, generated, err := resolveSeed(envMap(nil))
	require.NoError(t, err)
	require.True(t, generated)
	require.Len(t, seed, seedBytes)

	seed, generated, err = resolveSeed(envMap(map[string]string{seedEnv: "00112233445566778899aabbccddeeff"}))
	require.NoError(t, err)
	require.False(t, generated)
	require.Len(t, seed, 16)

	_, _, err = resolveSeed(envMap(map[string]string{seedEnv: "zz"}))
	require.Error(t, err)
	_, _, err = resolveSeed(envMap(map[string]string{seedEnv: "0011"}))
	require.Error(t, err)
}

func TestBuildBackendsSelectsRelayer(t *testing.T) {
	cfg := config.DefaultAppConfig()
	stack, err := buildBackends(cfg)
	require.NoError(t, err)
	require.Nil(t, stack.client)
	require.IsType(t, &sim.Relayer{}, stack.deps.Relayer)
	require.Equal(t, cfg.Simulation.BaseAddress, stack.deps.Ledger.BaseAddress())

	cfg.Relayer.Mode = config.RelayerModeRPC
	cfg.Relayer.URL = "http://relayer.invalid/api"
	stack, err = buildBackends(cfg)
	require.NoError(t, err)
	require.NotNil(t, stack.client)
	require.IsType(t, &relayer.Client{}, stack.deps.Relayer)

	cfg.Relayer.URL = ""
	_, err = buildBackends(cfg)
	require.Error(t, err)
}

func TestOpenWalletWithoutPersistence(t *testing.T) {
	cfg := config.DefaultAppConfig()
	stack, err := buildBackends(cfg)
	require.NoError(t, err)

	w, err := openWallet(context.Background(), cfg, stack.deps, nil, envMap(nil))
	require.NoError(t, err)
	require.Empty(t, w.WalletID())
	require.Equal(t, cfg.Simulation.BaseAddress, w.BaseAddress())
}

func TestOpenWalletCreatesThenRestores(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultAppConfig()
	env := envMap(map[string]string{
		cfg.Wallet.PassphraseEnv: "correct horse battery staple",
		seedEnv:                  "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff",
	})
	store := memory.NewWalletStore()

	stack, err := buildBackends(cfg)
	require.NoError(t, err)
	w, err := openWallet(ctx, cfg, stack.deps, store, env)
	require.NoError(t, err)
	require.Equal(t, cfg.Simulation.BaseAddress, w.WalletID())

	res, err := w.Fund(ctx, 2_500)
	require.NoError(t, err)
	require.NoError(t, w.Close(ctx))

	restarted, err := buildBackends(cfg)
	require.NoError(t, err)
	reopened, err := openWallet(ctx, cfg, restarted.deps, store, envMap(map[string]string{
		cfg.Wallet.PassphraseEnv: "correct horse battery staple",
	}))
	require.NoError(t, err)
	acct, err := reopened.Get(res.Index)
	require.NoError(t, err)
	require.Equal(t, res.Address, acct.Address)
	require.Equal(t, uint64(2_500), acct.Balance)

	_, err = openWallet(ctx, cfg, restarted.deps, store, envMap(map[string]string{
		cfg.Wallet.PassphraseEnv: "wrong",
	}))
	require.Error(t, err)
}

func fastRetry() wallet.Option {
	return wallet.WithRetryPolicy(retry.Policy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		Multiplier:      1,
	})
}

func TestRestartRestoresSimulatedBackends(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultAppConfig()
	env := envMap(map[string]string{cfg.Wallet.PassphraseEnv: "restart"})
	store := memory.NewWalletStore()

	first, err := buildBackends(cfg)
	require.NoError(t, err)
	w, err := openWallet(ctx, cfg, first.deps, store, env, fastRetry())
	require.NoError(t, err)
	idle, err := w.Fund(ctx, 5_000)
	require.NoError(t, err)
	filled, err := w.Fund(ctx, 3_000)
	require.NoError(t, err)
	resting, err := w.Fund(ctx, 4_000)
	require.NoError(t, err)
	_, err = w.OpenTraderOrder(ctx, wallet.OpenTraderRequest{
		Index: filled.Index, Kind: order.KindMarket, Side: order.SideLong, EntryPrice: 50_000, Leverage: 2,
	})
	require.NoError(t, err)
	_, err = w.OpenTraderOrder(ctx, wallet.OpenTraderRequest{
		Index: resting.Index, Kind: order.KindLimit, Side: order.SideShort, EntryPrice: 52_000, Leverage: 3,
	})
	require.NoError(t, err)
	require.NoError(t, w.Close(ctx))

	second, err := buildBackends(cfg)
	require.NoError(t, err)
	restored, err := openWallet(ctx, cfg, second.deps, store, env, fastRetry())
	require.NoError(t, err)
	var buf bytes.Buffer
	restoreSimulation(second, restored, log.New(&buf, "", 0))
	require.Contains(t, buf.String(), "outputs=3, orders=2")

	base, err := second.ledger.BaseBalance(ctx)
	require.NoError(t, err)
	require.Equal(t, cfg.Simulation.BaseBalance-12_000, base)

	rotatedTo, err := restored.Rotate(ctx, idle.Index)
	require.NoError(t, err)
	moved, err := restored.Get(rotatedTo)
	require.NoError(t, err)
	require.Equal(t, uint64(5_000), moved.Balance)

	closed, err := restored.CloseTraderOrder(ctx, filled.Index, order.KindMarket, decimal.Zero)
	require.NoError(t, err)
	require.Equal(t, uint64(3_000), closed.Balance)
	require.True(t, closed.Rotated)

	cancelled, err := restored.CancelTraderOrder(ctx, resting.Index)
	require.NoError(t, err)
	require.Equal(t, uint64(4_000), cancelled.Balance)
}

type fakeReconciler struct {
	addresses []string
	err       error
}

func (f *fakeReconciler) ReconcileByAddress(_ context.Context, address string) (order.TraderStatus, error) {
	f.addresses = append(f.addresses, address)
	if f.err != nil {
		return "", f.err
	}
	return order.TraderLiquidated, nil
}

func TestLiquidationHandlerReconciles(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)
	rec := &fakeReconciler{}
	handler := liquidationHandler(rec, logger)

	require.NoError(t, handler(context.Background(), relayer.LiquidationEvent{RequestID: "REQ1", Address: "zk1abc"}))
	require.Equal(t, []string{"zk1abc"}, rec.addresses)
	require.Contains(t, buf.String(), "status=LIQUIDATED")

	rec.err = errors.New("boom")
	require.ErrorContains(t, handler(context.Background(), relayer.LiquidationEvent{Address: "zk1def"}), "zk1def")
}

func TestGracefulShutdownFlushesWallet(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultAppConfig()
	stack, err := buildBackends(cfg)
	require.NoError(t, err)
	store := memory.NewWalletStore()
	w, err := openWallet(ctx, cfg, stack.deps, store, envMap(map[string]string{
		cfg.Wallet.PassphraseEnv: "pass",
	}), wallet.WithMaxSplitOutputs(2))
	require.NoError(t, err)
	_, err = w.Fund(ctx, 100)
	require.NoError(t, err)

	var lifecycle conc.WaitGroup
	cancelled := false
	lifecycle.Go(func() { time.Sleep(5 * time.Millisecond) })

	var buf bytes.Buffer
	performGracefulShutdown(ctx, log.New(&buf, "", 0), gracefulShutdownConfig{
		mainCancel: func() { cancelled = true },
		lifecycle:  &lifecycle,
		wallet:     w,
		store:      store,
	})
	require.True(t, cancelled)
	require.Contains(t, buf.String(), "shutdown: flushing wallet state completed")
	require.Contains(t, buf.String(), "shutdown: closing wallet store completed")
}
