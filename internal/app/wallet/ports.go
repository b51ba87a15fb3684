package wallet

import (
	"context"

	"github.com/coachpo/zkwallet/internal/domain/chain"
	"github.com/coachpo/zkwallet/internal/domain/order"
)

// Relayer is the remote order service.
type Relayer interface {
	SubmitTraderOrder(ctx context.Context, sub order.TraderSubmission) (order.Receipt, error)
	SettleTraderOrder(ctx context.Context, req order.TraderSettlement) (order.Receipt, error)
	CancelTraderOrder(ctx context.Context, req order.CancelRequest) (order.Receipt, error)
	SubmitLendOrder(ctx context.Context, sub order.LendSubmission) (order.Receipt, error)
	SettleLendOrder(ctx context.Context, req order.LendSettlement) (order.Receipt, error)
	TraderOrderInfo(ctx context.Context, q order.Query) (order.TraderOrderInfo, error)
	LendOrderInfo(ctx context.Context, q order.Query) (order.LendOrderInfo, error)
	TransactionHashes(ctx context.Context, requestID string) ([]order.TxHash, error)
}

// Ledger is the chain client: base wallet funding, transfers between
// shielded accounts and output lookups.
type Ledger interface {
	BaseAddress() string
	BaseBalance(ctx context.Context) (uint64, error)
	Fund(ctx context.Context, to string, amount uint64) (chain.TxResult, error)
	Transfer(ctx context.Context, from string, outputs []chain.Output) (chain.TxResult, error)
	Utxo(ctx context.Context, address, ioType string) (chain.Utxo, error)
}
