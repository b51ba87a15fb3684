// Package wallet drives shielded accounts through funding, trader and lend
// orders, and rotation, mirroring state to an optional store.
package wallet

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/coachpo/zkwallet/errs"
	"github.com/coachpo/zkwallet/internal/domain/account"
	"github.com/coachpo/zkwallet/internal/domain/chain"
	"github.com/coachpo/zkwallet/internal/domain/order"
	"github.com/coachpo/zkwallet/internal/infra/retry"
	"github.com/coachpo/zkwallet/internal/infra/telemetry"
	"github.com/coachpo/zkwallet/internal/observability"
)

const component = "wallet"

// DefaultMaxSplitOutputs bounds the outputs of one split transaction.
const DefaultMaxSplitOutputs = 8

// Deps are the collaborators a Wallet needs.
type Deps struct {
	Ledger  Ledger
	Relayer Relayer
	Deriver account.Deriver
}

func (d Deps) validate() error {
	if d.Ledger == nil {
		return fmt.Errorf("wallet: ledger required")
	}
	if d.Relayer == nil {
		return fmt.Errorf("wallet: relayer required")
	}
	if d.Deriver == nil {
		return fmt.Errorf("wallet: deriver required")
	}
	return nil
}

// Option customises a Wallet.
type Option func(*Wallet)

// WithLogger sets the wallet logger.
func WithLogger(logger observability.Logger) Option {
	return func(w *Wallet) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithMetrics sets the metric instruments.
func WithMetrics(metrics *telemetry.WalletMetrics) Option {
	return func(w *Wallet) { w.metrics = metrics }
}

// WithRetryPolicy sets the policy for UTXO and transaction hash reads.
func WithRetryPolicy(policy retry.Policy) Option {
	return func(w *Wallet) { w.policy = policy.Normalise() }
}

// WithMaxSplitOutputs bounds the number of outputs per split.
func WithMaxSplitOutputs(n int) Option {
	return func(w *Wallet) {
		if n > 0 {
			w.maxSplit = n
		}
	}
}

// WithChainID records the chain the wallet's accounts live on.
func WithChainID(id string) Option {
	return func(w *Wallet) { w.chainID = id }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(w *Wallet) {
		if clock != nil {
			w.clock = clock
		}
	}
}

// Wallet is one wallet session. All methods are safe for concurrent use;
// operations on the same account index are serialised.
type Wallet struct {
	pool    *account.Pool
	ledger  Ledger
	relayer Relayer
	seed    []byte
	chainID string

	logger   observability.Logger
	metrics  *telemetry.WalletMetrics
	policy   retry.Policy
	maxSplit int
	clock    func() time.Time

	// fundMu serialises every spend from the base wallet.
	fundMu sync.Mutex

	mu          sync.RWMutex
	outstanding map[uint64]order.Outstanding
	utxos       map[uint64]chain.Utxo
	listeners   []func()

	syncMu sync.RWMutex
	synced *syncState
}

// New constructs a wallet over seed. The seed is copied.
func New(seed []byte, deps Deps, opts ...Option) (*Wallet, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	w := &Wallet{
		ledger:      deps.Ledger,
		relayer:     deps.Relayer,
		seed:        append([]byte(nil), seed...),
		logger:      observability.Log(),
		policy:      retry.DefaultPolicy(),
		maxSplit:    DefaultMaxSplitOutputs,
		clock:       time.Now,
		outstanding: make(map[uint64]order.Outstanding),
		utxos:       make(map[uint64]chain.Utxo),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	pool, err := account.NewPool(deps.Deriver, w.seed, account.WithClock(w.clock))
	if err != nil {
		return nil, err
	}
	w.pool = pool
	return w, nil
}

// BaseAddress is the public address of the funding wallet.
func (w *Wallet) BaseAddress() string { return w.ledger.BaseAddress() }

// Get returns a copy of the account at index.
func (w *Wallet) Get(index uint64) (account.Account, error) {
	return w.pool.Get(index)
}

// Accounts returns copies of every account ordered by index.
func (w *Wallet) Accounts() []account.Account {
	return w.pool.List()
}

// Outstanding returns the live request recorded for index.
func (w *Wallet) Outstanding(index uint64) (order.Outstanding, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out, ok := w.outstanding[index]
	return out, ok
}

// Utxo returns the cached output snapshot for index.
func (w *Wallet) Utxo(index uint64) (chain.Utxo, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	u, ok := w.utxos[index]
	return u, ok
}

// OutstandingAddresses lists the addresses of accounts with a live trader order.
func (w *Wallet) OutstandingAddresses() []string {
	w.mu.RLock()
	indices := make([]uint64, 0, len(w.outstanding))
	for idx, out := range w.outstanding {
		if out.Product == order.ProductTrader {
			indices = append(indices, idx)
		}
	}
	w.mu.RUnlock()
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	addrs := make([]string, 0, len(indices))
	for _, idx := range indices {
		if a, err := w.pool.Get(idx); err == nil {
			addrs = append(addrs, a.Address)
		}
	}
	return addrs
}

// OnOutstandingChange registers fn to run after a request is added to or
// cleared from the outstanding set. fn runs on the operation's goroutine and
// must not block.
func (w *Wallet) OnOutstandingChange(fn func()) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	w.listeners = append(w.listeners, fn)
	w.mu.Unlock()
}

func (w *Wallet) setOutstanding(index uint64, out order.Outstanding) {
	w.mu.Lock()
	_, existed := w.outstanding[index]
	w.outstanding[index] = out
	listeners := w.listeners
	w.mu.Unlock()
	if !existed {
		notify(listeners)
	}
}

func (w *Wallet) clearOutstanding(index uint64) {
	w.mu.Lock()
	_, existed := w.outstanding[index]
	delete(w.outstanding, index)
	listeners := w.listeners
	w.mu.Unlock()
	if existed {
		notify(listeners)
	}
}

func notify(listeners []func()) {
	for _, fn := range listeners {
		fn()
	}
}

func (w *Wallet) setUtxo(index uint64, u chain.Utxo) {
	w.mu.Lock()
	w.utxos[index] = u
	w.mu.Unlock()
}

func (w *Wallet) dropUtxo(index uint64) {
	w.mu.Lock()
	delete(w.utxos, index)
	w.mu.Unlock()
}

// lease serialises operations on index until the returned release runs.
func (w *Wallet) lease(ctx context.Context, index uint64) (func(), account.Account, error) {
	if _, err := w.pool.Get(index); err != nil {
		return nil, account.Account{}, err
	}
	release, err := w.pool.Acquire(ctx, index)
	if err != nil {
		return nil, account.Account{}, err
	}
	acct, err := w.pool.Get(index)
	if err != nil {
		release()
		return nil, account.Account{}, err
	}
	return release, acct, nil
}

func (w *Wallet) observer() retry.Observer {
	return retry.Observer{Logger: w.logger, Metrics: w.metrics}
}

func (w *Wallet) finish(ctx context.Context, op string, err error) {
	result := telemetry.ResultSuccess
	if err != nil {
		result = telemetry.ResultFailure
	}
	w.metrics.RecordOperation(ctx, op, result)
}

func rejected(op string, index uint64, err error) error {
	return errs.New(component, errs.CodeChainRejected,
		errs.WithMessage(op+" rejected"),
		errs.WithIndex(index),
		errs.WithRemoteCode(errs.RemoteCodeOf(err)),
		errs.WithCause(err))
}

func txRejected(op string, index uint64, res chain.TxResult) error {
	return errs.New(component, errs.CodeChainRejected,
		errs.WithMessage(op+" transaction failed"),
		errs.WithIndex(index),
		errs.WithRemoteCode(strconv.FormatUint(uint64(res.Code), 10)),
		errs.WithRemoteMessage(res.Log))
}
