// Package sim provides in-process ledger and relayer backends with the
// eventual consistency and failure modes of the real services.
package sim

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/zkwallet/internal/domain/chain"
)

const (
	ioCoin = "Coin"
	ioMemo = "Memo"
)

// Rejection codes reported in chain.TxResult.Code.
const (
	CodeInsufficientBalance uint32 = 5
	CodeUnknownAccount      uint32 = 9
	CodeInjected            uint32 = 99
)

type output struct {
	balance  uint64
	ioType   string
	outputID string
	payload  []byte
	// pendingReads is the number of Utxo lookups that report not-indexed
	// before the output becomes visible.
	pendingReads int
}

// Ledger simulates a base wallet plus the shielded account outputs it funds.
type Ledger struct {
	mu          sync.Mutex
	baseAddress string
	baseBalance uint64
	outputs     map[string]*output
	utxoLag     int
	failNext    map[string]uint32
	clock       func() time.Time
}

// LedgerOption customises a Ledger.
type LedgerOption func(*Ledger)

// WithUtxoLag makes every new output invisible for n lookups.
func WithUtxoLag(n int) LedgerOption {
	return func(l *Ledger) {
		if n >= 0 {
			l.utxoLag = n
		}
	}
}

// WithLedgerClock overrides the time source.
func WithLedgerClock(clock func() time.Time) LedgerOption {
	return func(l *Ledger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// NewLedger returns a ledger whose base wallet holds baseBalance.
func NewLedger(baseAddress string, baseBalance uint64, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		baseAddress: baseAddress,
		baseBalance: baseBalance,
		outputs:     make(map[string]*output),
		failNext:    make(map[string]uint32),
		clock:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// FailNext makes the next call of op ("fund" or "transfer") return code.
func (l *Ledger) FailNext(op string, code uint32) {
	l.mu.Lock()
	l.failNext[strings.ToLower(op)] = code
	l.mu.Unlock()
}

// BaseAddress returns the base wallet address.
func (l *Ledger) BaseAddress() string { return l.baseAddress }

// BaseBalance returns the base wallet balance.
func (l *Ledger) BaseBalance(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.baseBalance, nil
}

// Fund moves amount from the base wallet into a fresh Coin output at to.
func (l *Ledger) Fund(ctx context.Context, to string, amount uint64) (chain.TxResult, error) {
	if err := ctx.Err(); err != nil {
		return chain.TxResult{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if res, failed := l.injected("fund"); failed {
		return res, nil
	}
	if amount > l.baseBalance {
		return rejected(CodeInsufficientBalance, "insufficient base balance"), nil
	}
	l.baseBalance -= amount
	l.credit(to, amount, ioCoin)
	return accepted(), nil
}

// Transfer spends from's whole Coin output into outputs; any remainder stays at from.
func (l *Ledger) Transfer(ctx context.Context, from string, outputs []chain.Output) (chain.TxResult, error) {
	if err := ctx.Err(); err != nil {
		return chain.TxResult{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if res, failed := l.injected("transfer"); failed {
		return res, nil
	}
	src, ok := l.outputs[from]
	if !ok || src.ioType != ioCoin {
		return rejected(CodeUnknownAccount, "sender has no coin output"), nil
	}
	var total uint64
	for _, out := range outputs {
		if out.Amount > src.balance-total {
			return rejected(CodeInsufficientBalance, "outputs exceed sender balance"), nil
		}
		total += out.Amount
	}
	remainder := src.balance - total
	delete(l.outputs, from)
	if remainder > 0 {
		l.credit(from, remainder, ioCoin)
	}
	for _, out := range outputs {
		l.credit(out.Address, out.Amount, ioCoin)
	}
	return accepted(), nil
}

// Utxo returns the current output at address if it has the requested io type.
func (l *Ledger) Utxo(ctx context.Context, address, ioType string) (chain.Utxo, error) {
	if err := ctx.Err(); err != nil {
		return chain.Utxo{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out, ok := l.outputs[address]
	if !ok || !strings.EqualFold(out.ioType, ioType) {
		return chain.Utxo{}, chain.ErrNotIndexed
	}
	if out.pendingReads > 0 {
		out.pendingReads--
		return chain.Utxo{}, chain.ErrNotIndexed
	}
	return chain.Utxo{
		Address:   address,
		IOType:    out.ioType,
		OutputID:  out.outputID,
		Payload:   append([]byte(nil), out.payload...),
		FetchedAt: l.clock(),
	}, nil
}

// Balance reports the balance held at address, or false when it has no output.
func (l *Ledger) Balance(address string) (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out, ok := l.outputs[address]
	if !ok {
		return 0, false
	}
	return out.balance, true
}

// Restore recreates an output recovered from a persisted wallet. The amount
// is drawn from the base balance, floored at zero, so funds are not counted
// twice across restarts. Restored outputs are visible immediately.
func (l *Ledger) Restore(address, ioType string, balance uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if balance == 0 {
		return
	}
	if balance > l.baseBalance {
		l.baseBalance = 0
	} else {
		l.baseBalance -= balance
	}
	io := ioCoin
	if strings.EqualFold(ioType, ioMemo) {
		io = ioMemo
	}
	l.credit(address, balance, io)
	l.outputs[address].pendingReads = 0
}

// commit locks address's coin output into a memo output and returns its balance.
func (l *Ledger) commit(address string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out, ok := l.outputs[address]
	if !ok || out.ioType != ioCoin {
		return 0, fmt.Errorf("no coin output at %s", address)
	}
	bal := out.balance
	delete(l.outputs, address)
	l.credit(address, bal, ioMemo)
	return bal, nil
}

// release replaces address's memo output with a coin output of balance.
// A zero balance leaves the address without any output.
func (l *Ledger) release(address string, balance uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.outputs, address)
	if balance > 0 {
		l.credit(address, balance, ioCoin)
	}
}

func (l *Ledger) credit(address string, amount uint64, ioType string) {
	id := uuid.NewString()
	l.outputs[address] = &output{
		balance:      amount,
		ioType:       ioType,
		outputID:     id,
		payload:      []byte(ioType + ":" + id + ":" + strconv.FormatUint(amount, 10)),
		pendingReads: l.utxoLag,
	}
}

func (l *Ledger) injected(op string) (chain.TxResult, bool) {
	code, ok := l.failNext[op]
	if !ok {
		return chain.TxResult{}, false
	}
	delete(l.failNext, op)
	return rejected(code, "injected failure"), true
}

func accepted() chain.TxResult {
	return chain.TxResult{Hash: strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))}
}

func rejected(code uint32, msg string) chain.TxResult {
	return chain.TxResult{Code: code, Log: msg}
}
