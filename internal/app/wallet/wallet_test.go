package wallet

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/zkwallet/errs"
	"github.com/coachpo/zkwallet/internal/domain/account"
	"github.com/coachpo/zkwallet/internal/infra/retry"
	"github.com/coachpo/zkwallet/internal/infra/sim"
	"github.com/coachpo/zkwallet/internal/security"
)

const (
	testSeed    = "0123456789abcdef0123456789abcdef"
	baseAddress = "twilight1base"
)

type setup struct {
	base    uint64
	ledger  []sim.LedgerOption
	relayer []sim.RelayerOption
	wallet  []Option
}

type harness struct {
	wallet  *Wallet
	ledger  *sim.Ledger
	relayer *sim.Relayer
}

func fastPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     6,
		InitialInterval: time.Millisecond,
		MaxInterval:     4 * time.Millisecond,
		Multiplier:      2,
	}
}

func newHarness(t *testing.T, s setup) *harness {
	t.Helper()
	if s.base == 0 {
		s.base = 1_000_000
	}
	ledger := sim.NewLedger(baseAddress, s.base, s.ledger...)
	relayer := sim.NewRelayer(ledger, s.relayer...)
	h := &harness{ledger: ledger, relayer: relayer}
	opts := append([]Option{WithRetryPolicy(fastPolicy())}, s.wallet...)
	w, err := New([]byte(testSeed), h.deps(), opts...)
	require.NoError(t, err)
	h.wallet = w
	return h
}

func (h *harness) deps() Deps {
	return Deps{Ledger: h.ledger, Relayer: h.relayer, Deriver: security.NewDeriver("zk1")}
}

func (h *harness) fund(t *testing.T, amount uint64) account.Account {
	t.Helper()
	res, err := h.wallet.Fund(context.Background(), amount)
	require.NoError(t, err)
	acct, err := h.wallet.Get(res.Index)
	require.NoError(t, err)
	return acct
}

func requireCode(t *testing.T, err error, code errs.Code) {
	t.Helper()
	require.Error(t, err)
	require.Truef(t, errs.IsCode(err, code), "expected %s, got %v", code, err)
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New([]byte(testSeed), Deps{})
	require.Error(t, err)

	ledger := sim.NewLedger(baseAddress, 1)
	_, err = New(nil, Deps{Ledger: ledger, Relayer: sim.NewRelayer(ledger), Deriver: security.NewDeriver("zk1")})
	requireCode(t, err, errs.CodeInvalidParameter)
}

func TestFundCreatesCoinAccount(t *testing.T) {
	h := newHarness(t, setup{base: 50_000})
	ctx := context.Background()

	res, err := h.wallet.Fund(ctx, 10_000)
	require.NoError(t, err)
	require.True(t, res.Tx.OK())
	require.Equal(t, uint64(1), res.Index)

	acct, err := h.wallet.Get(res.Index)
	require.NoError(t, err)
	require.Equal(t, res.Address, acct.Address)
	require.Equal(t, uint64(10_000), acct.Balance)
	require.Equal(t, account.IOTypeCoin, acct.IOType)
	require.True(t, acct.OnChain)

	utxo, ok := h.wallet.Utxo(res.Index)
	require.True(t, ok)
	require.Equal(t, "Coin", utxo.IOType)

	base, err := h.ledger.BaseBalance(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(40_000), base)
}

func TestFundRejections(t *testing.T) {
	h := newHarness(t, setup{base: 1_000})
	ctx := context.Background()

	_, err := h.wallet.Fund(ctx, 0)
	requireCode(t, err, errs.CodeInvalidParameter)

	_, err = h.wallet.Fund(ctx, 1_001)
	requireCode(t, err, errs.CodeInsufficientFunds)

	h.ledger.FailNext("fund", 7)
	_, err = h.wallet.Fund(ctx, 500)
	requireCode(t, err, errs.CodeChainRejected)
	require.Equal(t, "7", errs.RemoteCodeOf(err))
	require.Empty(t, h.wallet.Accounts())

	// the index consumed by the rejected funding is never reissued
	res, err := h.wallet.Fund(ctx, 500)
	require.NoError(t, err)
	require.Equal(t, uint64(2), res.Index)
}

func TestFundSnapshotExhaustionKeepsAccount(t *testing.T) {
	h := newHarness(t, setup{
		base:   1_000,
		ledger: []sim.LedgerOption{sim.WithUtxoLag(50)},
		wallet: []Option{WithRetryPolicy(retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1})},
	})
	res, err := h.wallet.Fund(context.Background(), 400)
	requireCode(t, err, errs.CodeRetryExhausted)
	require.Equal(t, uint64(1), res.Index)

	acct, getErr := h.wallet.Get(res.Index)
	require.NoError(t, getErr)
	require.Equal(t, uint64(400), acct.Balance)
	_, ok := h.wallet.Utxo(res.Index)
	require.False(t, ok)
}

func TestFundConcurrentCallsGetDistinctIndices(t *testing.T) {
	h := newHarness(t, setup{base: 100_000})
	ctx := context.Background()

	var failures atomic.Int32
	var wg conc.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Go(func() {
			if _, err := h.wallet.Fund(ctx, 1_000); err != nil {
				failures.Add(1)
			}
		})
	}
	wg.Wait()
	require.Zero(t, failures.Load())

	accounts := h.wallet.Accounts()
	require.Len(t, accounts, 8)
	seen := make(map[string]struct{})
	for i, a := range accounts {
		require.Equal(t, uint64(i+1), a.Index)
		seen[a.Address] = struct{}{}
	}
	require.Len(t, seen, 8)
	base, err := h.ledger.BaseBalance(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(92_000), base)
}

func TestSplitConservesBalance(t *testing.T) {
	h := newHarness(t, setup{})
	ctx := context.Background()
	sender := h.fund(t, 40_000)

	created, err := h.wallet.Split(ctx, sender.Index, []uint64{5000, 1000, 8000, 600})
	require.NoError(t, err)
	require.Len(t, created, 4)

	var sum uint64
	for i, want := range []uint64{5000, 1000, 8000, 600} {
		acct, err := h.wallet.Get(created[i].Index)
		require.NoError(t, err)
		require.Equal(t, want, acct.Balance)
		require.Equal(t, account.IOTypeCoin, acct.IOType)
		require.True(t, acct.OnChain)
		onLedger, ok := h.ledger.Balance(acct.Address)
		require.True(t, ok)
		require.Equal(t, want, onLedger)
		_, cached := h.wallet.Utxo(acct.Index)
		require.True(t, cached)
		sum += acct.Balance
	}
	require.Equal(t, uint64(14_600), sum)

	after, err := h.wallet.Get(sender.Index)
	require.NoError(t, err)
	require.Equal(t, uint64(25_400), after.Balance)
	require.True(t, after.OnChain)
	onLedger, ok := h.ledger.Balance(sender.Address)
	require.True(t, ok)
	require.Equal(t, uint64(25_400), onLedger)
}

func TestSplitWholeBalanceTakesSenderOffChain(t *testing.T) {
	h := newHarness(t, setup{})
	sender := h.fund(t, 3_000)

	_, err := h.wallet.Split(context.Background(), sender.Index, []uint64{1_000, 2_000})
	require.NoError(t, err)

	after, err := h.wallet.Get(sender.Index)
	require.NoError(t, err)
	require.Zero(t, after.Balance)
	require.False(t, after.OnChain)
	_, cached := h.wallet.Utxo(sender.Index)
	require.False(t, cached)
}

func TestSplitValidation(t *testing.T) {
	h := newHarness(t, setup{wallet: []Option{WithMaxSplitOutputs(3)}})
	ctx := context.Background()
	sender := h.fund(t, 1_000)

	cases := map[string][]uint64{
		"empty":        nil,
		"zero entry":   {100, 0},
		"too many":     {1, 1, 1, 1},
		"over balance": {600, 401},
		"overflow":     {^uint64(0), 1},
	}
	for name, balances := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.wallet.Split(ctx, sender.Index, balances)
			requireCode(t, err, errs.CodeInvalidSplit)
		})
	}

	after, err := h.wallet.Get(sender.Index)
	require.NoError(t, err)
	require.Equal(t, sender.Balance, after.Balance)
	require.Len(t, h.wallet.Accounts(), 1)
}

func TestSplitRequiresCoinSender(t *testing.T) {
	h := newHarness(t, setup{})
	ctx := context.Background()
	sender := h.fund(t, 1_000)
	_, err := h.wallet.OpenLendOrder(ctx, sender.Index)
	require.NoError(t, err)

	_, err = h.wallet.Split(ctx, sender.Index, []uint64{100})
	requireCode(t, err, errs.CodeAccountNotReady)

	_, err = h.wallet.Split(ctx, 99, []uint64{100})
	requireCode(t, err, errs.CodeNotFound)
}

func TestRotateMovesWholeBalance(t *testing.T) {
	h := newHarness(t, setup{})
	ctx := context.Background()
	old := h.fund(t, 7_500)

	next, err := h.wallet.Rotate(ctx, old.Index)
	require.NoError(t, err)
	require.Greater(t, next, old.Index)

	fresh, err := h.wallet.Get(next)
	require.NoError(t, err)
	require.Equal(t, old.Balance, fresh.Balance)
	require.Equal(t, account.IOTypeCoin, fresh.IOType)
	require.True(t, fresh.OnChain)

	retired, err := h.wallet.Get(old.Index)
	require.NoError(t, err)
	require.False(t, retired.OnChain)
	require.Zero(t, retired.Balance)
	_, cached := h.wallet.Utxo(old.Index)
	require.False(t, cached)

	_, onLedger := h.ledger.Balance(old.Address)
	require.False(t, onLedger)

	_, err = h.wallet.Rotate(ctx, old.Index)
	requireCode(t, err, errs.CodeAccountNotOnChain)
}

func TestRotateRejectedLeavesAccountRetryable(t *testing.T) {
	h := newHarness(t, setup{})
	ctx := context.Background()
	old := h.fund(t, 2_000)

	h.ledger.FailNext("transfer", sim.CodeInjected)
	_, err := h.wallet.Rotate(ctx, old.Index)
	requireCode(t, err, errs.CodeChainRejected)

	unchanged, err := h.wallet.Get(old.Index)
	require.NoError(t, err)
	require.True(t, unchanged.OnChain)
	require.Equal(t, old.Balance, unchanged.Balance)

	next, err := h.wallet.Rotate(ctx, old.Index)
	require.NoError(t, err)
	fresh, err := h.wallet.Get(next)
	require.NoError(t, err)
	require.Equal(t, uint64(2_000), fresh.Balance)
}

func TestRotateRequiresCoin(t *testing.T) {
	h := newHarness(t, setup{})
	ctx := context.Background()
	acct := h.fund(t, 2_000)
	_, err := h.wallet.OpenLendOrder(ctx, acct.Index)
	require.NoError(t, err)

	_, err = h.wallet.Rotate(ctx, acct.Index)
	requireCode(t, err, errs.CodeAccountNotReady)
}

func TestLeaseHonoursContext(t *testing.T) {
	h := newHarness(t, setup{})
	acct := h.fund(t, 1_000)

	release, err := h.wallet.pool.Acquire(context.Background(), acct.Index)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = h.wallet.Rotate(ctx, acct.Index)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
