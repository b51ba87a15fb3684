package order

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TraderSubmission opens a trader order backed by one account's full balance.
type TraderSubmission struct {
	Address       string
	OutputID      string
	Kind          Kind
	Side          Side
	EntryPrice    uint64
	Leverage      uint64
	Margin        uint64
	PositionValue decimal.Decimal
	PositionSize  decimal.Decimal
}

// TraderSettlement closes a filled trader order.
type TraderSettlement struct {
	Address        string
	OutputID       string
	OrderID        string
	Kind           Kind
	ExecutionPrice decimal.Decimal
}

// CancelRequest withdraws a pending trader order.
type CancelRequest struct {
	Address string
	OrderID string
}

// LendSubmission opens a lend order with the account's full balance as principal.
type LendSubmission struct {
	Address   string
	OutputID  string
	Principal uint64
}

// LendSettlement redeems a filled lend order.
type LendSettlement struct {
	Address  string
	OutputID string
	OrderID  string
}

// Query selects the order backed by an account.
type Query struct {
	Address   string
	RequestID string
}

// Receipt is the relayer's acknowledgement of a submitted request.
type Receipt struct {
	RequestID string
	Message   string
}

// TxHash is the relayer's record of the chain transaction that applied a request.
// Status is the raw relayer status string; callers parse it per product.
type TxHash struct {
	RequestID string
	OrderID   string
	Hash      string
	Status    string
	Output    []byte
	CreatedAt time.Time
}

// Stage orders a raw relayer status along the order lifecycle: pending before
// filled before any terminal status. Unknown statuses rank lowest.
func (h TxHash) Stage() int {
	switch strings.ToUpper(strings.TrimSpace(h.Status)) {
	case string(TraderPending):
		return 1
	case string(TraderFilled), "LENDED":
		return 2
	case string(TraderSettled), string(TraderCancelled), string(TraderLiquidated):
		return 3
	default:
		return 0
	}
}

// Newer reports whether h supersedes other: later CreatedAt wins and a tie
// goes to the later lifecycle stage.
func (h TxHash) Newer(other TxHash) bool {
	if !h.CreatedAt.Equal(other.CreatedAt) {
		return h.CreatedAt.After(other.CreatedAt)
	}
	return h.Stage() > other.Stage()
}
