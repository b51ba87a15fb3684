package wallet

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/zkwallet/errs"
	"github.com/coachpo/zkwallet/internal/domain/account"
	"github.com/coachpo/zkwallet/internal/domain/order"
	"github.com/coachpo/zkwallet/internal/infra/sim"
)

func marketLong(index uint64) OpenTraderRequest {
	return OpenTraderRequest{Index: index, Kind: order.KindMarket, Side: order.SideLong, EntryPrice: 50_000, Leverage: 5}
}

func limitLong(index uint64) OpenTraderRequest {
	return OpenTraderRequest{Index: index, Kind: order.KindLimit, Side: order.SideLong, EntryPrice: 48_000, Leverage: 2}
}

func TestMarketOrderSettlesAndRotates(t *testing.T) {
	h := newHarness(t, setup{relayer: []sim.RelayerOption{sim.WithHashLag(1)}})
	ctx := context.Background()
	x := h.fund(t, 10_000)

	opened, err := h.wallet.OpenTraderOrder(ctx, marketLong(x.Index))
	require.NoError(t, err)
	require.Equal(t, string(order.TraderFilled), opened.Status)
	require.Equal(t, x.Balance, opened.Margin)

	committed, err := h.wallet.Get(x.Index)
	require.NoError(t, err)
	require.Equal(t, account.IOTypeMemo, committed.IOType)
	memo, ok := h.wallet.Utxo(x.Index)
	require.True(t, ok)
	require.Equal(t, "Memo", memo.IOType)
	require.Equal(t, []string{x.Address}, h.wallet.OutstandingAddresses())

	info, err := h.wallet.QueryTraderOrder(ctx, x.Index)
	require.NoError(t, err)
	require.Equal(t, order.TraderFilled, info.Status)
	require.Equal(t, uint64(10_000), info.InitialMargin)

	h.relayer.SetMarkPrice(decimal.NewFromInt(51_000))
	closed, err := h.wallet.CloseTraderOrder(ctx, x.Index, order.KindMarket, decimal.Zero)
	require.NoError(t, err)
	require.Equal(t, uint64(11_000), closed.Balance)
	require.True(t, closed.Rotated)

	_, outstanding := h.wallet.Outstanding(x.Index)
	require.False(t, outstanding)
	require.Empty(t, h.wallet.OutstandingAddresses())

	old, err := h.wallet.Get(x.Index)
	require.NoError(t, err)
	require.False(t, old.OnChain)
	require.Zero(t, old.Balance)
	require.False(t, old.PendingRotation)

	y, err := h.wallet.Get(closed.RotatedTo)
	require.NoError(t, err)
	require.Equal(t, uint64(11_000), y.Balance)
	require.Equal(t, account.IOTypeCoin, y.IOType)
	require.True(t, y.OnChain)
	onLedger, ok := h.ledger.Balance(y.Address)
	require.True(t, ok)
	require.Equal(t, uint64(11_000), onLedger)
}

func TestSettledAccountCannotReopenBeforeRotation(t *testing.T) {
	h := newHarness(t, setup{})
	ctx := context.Background()
	x := h.fund(t, 10_000)
	_, err := h.wallet.OpenTraderOrder(ctx, marketLong(x.Index))
	require.NoError(t, err)

	h.ledger.FailNext("transfer", sim.CodeInjected)
	closed, err := h.wallet.CloseTraderOrder(ctx, x.Index, order.KindMarket, decimal.Zero)
	requireCode(t, err, errs.CodeChainRejected)
	require.False(t, closed.Rotated)
	require.Equal(t, uint64(10_000), closed.Balance)

	settled, err := h.wallet.Get(x.Index)
	require.NoError(t, err)
	require.Equal(t, account.IOTypeCoin, settled.IOType)
	require.True(t, settled.PendingRotation)
	require.True(t, settled.OnChain)

	_, err = h.wallet.OpenTraderOrder(ctx, marketLong(x.Index))
	requireCode(t, err, errs.CodeAccountNotReady)
	_, err = h.wallet.OpenLendOrder(ctx, x.Index)
	requireCode(t, err, errs.CodeAccountNotReady)

	next, err := h.wallet.Rotate(ctx, x.Index)
	require.NoError(t, err)
	_, err = h.wallet.OpenTraderOrder(ctx, marketLong(next))
	require.NoError(t, err)
}

func TestLimitOrderCancelAllowsImmediateReopen(t *testing.T) {
	h := newHarness(t, setup{})
	ctx := context.Background()
	z := h.fund(t, 5_000)

	opened, err := h.wallet.OpenTraderOrder(ctx, limitLong(z.Index))
	require.NoError(t, err)
	require.Equal(t, string(order.TraderPending), opened.Status)
	_, cached := h.wallet.Utxo(z.Index)
	require.False(t, cached)

	cancelled, err := h.wallet.CancelTraderOrder(ctx, z.Index)
	require.NoError(t, err)
	require.Equal(t, uint64(5_000), cancelled.Balance)
	require.NotEqual(t, opened.RequestID, cancelled.RequestID)

	restored, err := h.wallet.Get(z.Index)
	require.NoError(t, err)
	require.Equal(t, account.IOTypeCoin, restored.IOType)
	require.Equal(t, uint64(5_000), restored.Balance)
	require.False(t, restored.PendingRotation)
	_, outstanding := h.wallet.Outstanding(z.Index)
	require.False(t, outstanding)

	reopened, err := h.wallet.OpenTraderOrder(ctx, limitLong(z.Index))
	require.NoError(t, err)
	require.Equal(t, uint64(5_000), reopened.Margin)
}

func TestCancelFilledOrderIsRejected(t *testing.T) {
	h := newHarness(t, setup{})
	ctx := context.Background()
	z := h.fund(t, 5_000)
	_, err := h.wallet.OpenTraderOrder(ctx, limitLong(z.Index))
	require.NoError(t, err)
	require.True(t, h.relayer.FillPending(z.Address))

	_, err = h.wallet.CancelTraderOrder(ctx, z.Index)
	requireCode(t, err, errs.CodeOrderNotPending)

	out, ok := h.wallet.Outstanding(z.Index)
	require.True(t, ok)
	require.Equal(t, string(order.TraderFilled), out.Status)

	acct, err := h.wallet.Get(z.Index)
	require.NoError(t, err)
	require.Equal(t, account.IOTypeMemo, acct.IOType)
}

func TestCancelWithoutOrder(t *testing.T) {
	h := newHarness(t, setup{})
	z := h.fund(t, 5_000)
	_, err := h.wallet.CancelTraderOrder(context.Background(), z.Index)
	requireCode(t, err, errs.CodeOrderNotPending)
}

func TestCloseRequiresFilledOrder(t *testing.T) {
	h := newHarness(t, setup{})
	ctx := context.Background()
	z := h.fund(t, 5_000)

	_, err := h.wallet.CloseTraderOrder(ctx, z.Index, order.KindMarket, decimal.Zero)
	requireCode(t, err, errs.CodeOrderNotReady)

	_, err = h.wallet.OpenTraderOrder(ctx, limitLong(z.Index))
	require.NoError(t, err)
	_, err = h.wallet.CloseTraderOrder(ctx, z.Index, order.KindMarket, decimal.Zero)
	requireCode(t, err, errs.CodeOrderNotReady)

	require.True(t, h.relayer.FillPending(z.Address))
	closed, err := h.wallet.CloseTraderOrder(ctx, z.Index, order.KindLimit, decimal.NewFromInt(52_800))
	require.NoError(t, err)
	// 5000 margin at 2x from 48000 to 52800 gains 10%
	require.Equal(t, uint64(6_000), closed.Balance)
	require.True(t, closed.Rotated)
}

func TestOpenOnMemoAccountChangesNothing(t *testing.T) {
	h := newHarness(t, setup{})
	ctx := context.Background()
	x := h.fund(t, 10_000)
	first, err := h.wallet.OpenTraderOrder(ctx, marketLong(x.Index))
	require.NoError(t, err)

	before, err := h.wallet.Get(x.Index)
	require.NoError(t, err)
	_, err = h.wallet.OpenTraderOrder(ctx, marketLong(x.Index))
	requireCode(t, err, errs.CodeAccountNotReady)

	after, err := h.wallet.Get(x.Index)
	require.NoError(t, err)
	require.Equal(t, before, after)
	out, ok := h.wallet.Outstanding(x.Index)
	require.True(t, ok)
	require.Equal(t, first.RequestID, out.RequestID)
}

func TestOpenValidatesBeforeTouchingAccount(t *testing.T) {
	h := newHarness(t, setup{})
	ctx := context.Background()

	bad := marketLong(42)
	bad.Leverage = 0
	_, err := h.wallet.OpenTraderOrder(ctx, bad)
	requireCode(t, err, errs.CodeInvalidParameter)

	bad = marketLong(42)
	bad.Kind = "STOP"
	_, err = h.wallet.OpenTraderOrder(ctx, bad)
	requireCode(t, err, errs.CodeInvalidParameter)

	_, err = h.wallet.OpenTraderOrder(ctx, marketLong(42))
	requireCode(t, err, errs.CodeNotFound)
}

func TestRejectedSubmissionLeavesAccountUntouched(t *testing.T) {
	h := newHarness(t, setup{})
	ctx := context.Background()
	x := h.fund(t, 3_000)

	h.relayer.FailNext("submit_trade_order", sim.RPCInjected)
	_, err := h.wallet.OpenTraderOrder(ctx, marketLong(x.Index))
	requireCode(t, err, errs.CodeChainRejected)
	require.Equal(t, strconv.Itoa(sim.RPCInjected), errs.RemoteCodeOf(err))

	acct, err := h.wallet.Get(x.Index)
	require.NoError(t, err)
	require.Equal(t, account.IOTypeCoin, acct.IOType)
	_, outstanding := h.wallet.Outstanding(x.Index)
	require.False(t, outstanding)

	_, err = h.wallet.OpenTraderOrder(ctx, marketLong(x.Index))
	require.NoError(t, err)
}

func TestCloseResumesAfterMarginReadFailure(t *testing.T) {
	h := newHarness(t, setup{})
	ctx := context.Background()
	x := h.fund(t, 10_000)
	_, err := h.wallet.OpenTraderOrder(ctx, marketLong(x.Index))
	require.NoError(t, err)

	h.relayer.FailNext("trader_order_info", sim.RPCInjected)
	_, err = h.wallet.CloseTraderOrder(ctx, x.Index, order.KindMarket, decimal.Zero)
	require.Error(t, err)

	out, ok := h.wallet.Outstanding(x.Index)
	require.True(t, ok)
	require.Equal(t, string(order.TraderSettled), out.Status)

	closed, err := h.wallet.CloseTraderOrder(ctx, x.Index, order.KindMarket, decimal.Zero)
	require.NoError(t, err)
	require.Equal(t, uint64(10_000), closed.Balance)
	require.True(t, closed.Rotated)
}

func TestReconcileAdvancesFill(t *testing.T) {
	h := newHarness(t, setup{})
	ctx := context.Background()
	z := h.fund(t, 4_000)
	_, err := h.wallet.OpenTraderOrder(ctx, limitLong(z.Index))
	require.NoError(t, err)

	status, err := h.wallet.ReconcileTraderOrder(ctx, z.Index)
	require.NoError(t, err)
	require.Equal(t, order.TraderPending, status)

	require.True(t, h.relayer.FillPending(z.Address))
	status, err = h.wallet.ReconcileTraderOrder(ctx, z.Index)
	require.NoError(t, err)
	require.Equal(t, order.TraderFilled, status)

	out, ok := h.wallet.Outstanding(z.Index)
	require.True(t, ok)
	require.Equal(t, string(order.TraderFilled), out.Status)
	memo, ok := h.wallet.Utxo(z.Index)
	require.True(t, ok)
	require.Equal(t, "Memo", memo.IOType)
}

func TestLiquidationRetiresAccount(t *testing.T) {
	h := newHarness(t, setup{})
	ctx := context.Background()
	x := h.fund(t, 10_000)
	_, err := h.wallet.OpenTraderOrder(ctx, marketLong(x.Index))
	require.NoError(t, err)

	_, ok := h.relayer.Liquidate(x.Address)
	require.True(t, ok)

	status, err := h.wallet.ReconcileByAddress(ctx, x.Address)
	require.NoError(t, err)
	require.Equal(t, order.TraderLiquidated, status)

	retired, err := h.wallet.Get(x.Index)
	require.NoError(t, err)
	require.False(t, retired.OnChain)
	require.Zero(t, retired.Balance)
	_, outstanding := h.wallet.Outstanding(x.Index)
	require.False(t, outstanding)
	require.Empty(t, h.wallet.OutstandingAddresses())

	_, err = h.wallet.ReconcileByAddress(ctx, "zk1unknown")
	requireCode(t, err, errs.CodeNotFound)
	_, err = h.wallet.Rotate(ctx, x.Index)
	requireCode(t, err, errs.CodeAccountNotOnChain)
}

func TestReconcileCompletesRemoteCancel(t *testing.T) {
	h := newHarness(t, setup{})
	ctx := context.Background()
	z := h.fund(t, 4_000)
	_, err := h.wallet.OpenTraderOrder(ctx, limitLong(z.Index))
	require.NoError(t, err)

	out, ok := h.wallet.Outstanding(z.Index)
	require.True(t, ok)
	txs, err := h.relayer.TransactionHashes(ctx, out.RequestID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	_, err = h.relayer.CancelTraderOrder(ctx, order.CancelRequest{Address: z.Address, OrderID: txs[0].OrderID})
	require.NoError(t, err)

	status, err := h.wallet.ReconcileTraderOrder(ctx, z.Index)
	require.NoError(t, err)
	require.Equal(t, order.TraderCancelled, status)

	acct, err := h.wallet.Get(z.Index)
	require.NoError(t, err)
	require.Equal(t, account.IOTypeCoin, acct.IOType)
	require.Equal(t, uint64(4_000), acct.Balance)
}

func TestOperationsOnDifferentAccountsRunConcurrently(t *testing.T) {
	h := newHarness(t, setup{})
	ctx := context.Background()
	a := h.fund(t, 1_000)
	b := h.fund(t, 2_000)

	release, err := h.wallet.pool.Acquire(ctx, a.Index)
	require.NoError(t, err)
	defer release()

	opened, err := h.wallet.OpenTraderOrder(ctx, marketLong(b.Index))
	require.NoError(t, err)
	require.Equal(t, uint64(2_000), opened.Margin)
}

func TestAdvanceTraderFollowsTransitionTable(t *testing.T) {
	h := newHarness(t, setup{})
	ctx := context.Background()

	pending := order.Outstanding{RequestID: "REQ-7", Product: order.ProductTrader, Kind: order.KindLimit, Status: string(order.TraderPending)}
	settled, err := h.wallet.advanceTrader(ctx, 7, pending, order.TraderSettled)
	require.NoError(t, err)
	require.Equal(t, string(order.TraderSettled), settled.Status)
	cached, ok := h.wallet.Outstanding(7)
	require.True(t, ok)
	require.Equal(t, string(order.TraderSettled), cached.Status)

	filled := order.Outstanding{RequestID: "REQ-8", Product: order.ProductTrader, Kind: order.KindMarket, Status: string(order.TraderFilled)}
	_, err = h.wallet.advanceTrader(ctx, 8, filled, order.TraderCancelled)
	requireCode(t, err, errs.CodeProtocol)
	_, ok = h.wallet.Outstanding(8)
	require.False(t, ok)
}

func TestCommitOrderReportsUnknownAccount(t *testing.T) {
	h := newHarness(t, setup{})
	out := order.Outstanding{RequestID: "REQ-999", Product: order.ProductTrader, Kind: order.KindMarket, Status: string(order.TraderFilled)}

	err := h.wallet.commitOrder(context.Background(), account.Account{Index: 999}, out)
	require.Error(t, err)
	_, ok := h.wallet.Outstanding(999)
	require.False(t, ok)
}

func TestConcurrentOpensOnOneAccountAdmitExactlyOne(t *testing.T) {
	h := newHarness(t, setup{})
	ctx := context.Background()
	const contenders = 8

	for round := 0; round < 20; round++ {
		x := h.fund(t, 5_000)

		var (
			wg     sync.WaitGroup
			start  = make(chan struct{})
			results = make([]error, contenders)
		)
		for i := 0; i < contenders; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if i%2 == 0 {
					_, results[i] = h.wallet.OpenTraderOrder(ctx, marketLong(x.Index))
					return
				}
				_, results[i] = h.wallet.OpenLendOrder(ctx, x.Index)
			}()
		}
		close(start)
		wg.Wait()

		admitted := 0
		for _, err := range results {
			if err == nil {
				admitted++
				continue
			}
			requireCode(t, err, errs.CodeAccountNotReady)
		}
		require.Equal(t, 1, admitted, "round %d", round)

		_, busy := h.wallet.Outstanding(x.Index)
		require.True(t, busy)
		committed, err := h.wallet.Get(x.Index)
		require.NoError(t, err)
		require.Equal(t, account.IOTypeMemo, committed.IOType)
	}
}

func TestOutstandingChangeNotifiesListeners(t *testing.T) {
	h := newHarness(t, setup{})
	ctx := context.Background()
	x := h.fund(t, 4_000)

	var mu sync.Mutex
	var seen [][]string
	h.wallet.OnOutstandingChange(func() {
		addrs := h.wallet.OutstandingAddresses()
		mu.Lock()
		seen = append(seen, addrs)
		mu.Unlock()
	})
	h.wallet.OnOutstandingChange(nil)

	_, err := h.wallet.OpenTraderOrder(ctx, limitLong(x.Index))
	require.NoError(t, err)
	_, err = h.wallet.CancelTraderOrder(ctx, x.Index)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, [][]string{{x.Address}, {}}, seen)
}
