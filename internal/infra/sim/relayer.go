package sim

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/zkwallet/errs"
	"github.com/coachpo/zkwallet/internal/domain/order"
)

const relayerComponent = "relayer"

// JSON-RPC style rejection codes returned by the simulated relayer.
const (
	RPCInvalidOrder = -32602
	RPCOrderState   = -32010
	RPCInjected     = -32099
)

type simOrder struct {
	orderID     string
	requestID   string
	address     string
	product     order.Product
	kind        order.Kind
	side        order.Side
	entryPrice  decimal.Decimal
	leverage    uint64
	margin      uint64
	available   uint64
	settlePrice decimal.Decimal
	status      string
	updatedAt   time.Time
}

type txRecord struct {
	hash         order.TxHash
	pendingReads int
}

// Relayer simulates order matching and settlement against a Ledger.
type Relayer struct {
	mu          sync.Mutex
	ledger      *Ledger
	orders      map[string]*simOrder // by order id
	byAddress   map[string]string    // address -> latest order id
	hashes      map[string]*txRecord // by request id
	markPrice   decimal.Decimal
	interestBps uint64
	hashLag     int
	failNext    map[string]int
	clock       func() time.Time
}

// RelayerOption customises a Relayer.
type RelayerOption func(*Relayer)

// WithMarkPrice sets the price used for market settlements without an execution price.
func WithMarkPrice(price decimal.Decimal) RelayerOption {
	return func(r *Relayer) { r.markPrice = price }
}

// WithLendInterestBps sets the interest paid on settled lend orders.
func WithLendInterestBps(bps uint64) RelayerOption {
	return func(r *Relayer) { r.interestBps = bps }
}

// WithHashLag makes every transaction hash invisible for n lookups.
func WithHashLag(n int) RelayerOption {
	return func(r *Relayer) {
		if n >= 0 {
			r.hashLag = n
		}
	}
}

// NewRelayer returns a relayer that settles against ledger.
func NewRelayer(ledger *Ledger, opts ...RelayerOption) *Relayer {
	r := &Relayer{
		ledger:    ledger,
		orders:    make(map[string]*simOrder),
		byAddress: make(map[string]string),
		hashes:    make(map[string]*txRecord),
		markPrice: decimal.NewFromInt(50000),
		failNext:  make(map[string]int),
		clock:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// FailNext makes the next call of method return a JSON-RPC error with code.
func (r *Relayer) FailNext(method string, code int) {
	r.mu.Lock()
	r.failNext[method] = code
	r.mu.Unlock()
}

// SetMarkPrice changes the mark price.
func (r *Relayer) SetMarkPrice(price decimal.Decimal) {
	r.mu.Lock()
	r.markPrice = price
	r.mu.Unlock()
}

// SubmitTraderOrder opens a position. Market orders fill immediately; limit orders rest.
func (r *Relayer) SubmitTraderOrder(ctx context.Context, sub order.TraderSubmission) (order.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return order.Receipt{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.injected("submit_trade_order"); err != nil {
		return order.Receipt{}, err
	}
	if sub.Leverage < order.MinLeverage || sub.Leverage > order.MaxLeverage || sub.EntryPrice == 0 {
		return order.Receipt{}, rpcReject("submit_trade_order", RPCInvalidOrder, "invalid order parameters")
	}
	margin, err := r.ledger.commit(sub.Address)
	if err != nil {
		return order.Receipt{}, rpcReject("submit_trade_order", RPCInvalidOrder, err.Error())
	}
	if margin != sub.Margin {
		r.ledger.release(sub.Address, margin)
		return order.Receipt{}, rpcReject("submit_trade_order", RPCInvalidOrder, "margin does not match account balance")
	}
	status := order.TraderPending
	if sub.Kind == order.KindMarket {
		status = order.TraderFilled
	}
	o := &simOrder{
		orderID:    uuid.NewString(),
		requestID:  newRequestID(),
		address:    sub.Address,
		product:    order.ProductTrader,
		kind:       sub.Kind,
		side:       sub.Side,
		entryPrice: order.FromUint(sub.EntryPrice),
		leverage:   sub.Leverage,
		margin:     margin,
		available:  margin,
		status:     string(status),
		updatedAt:  r.clock(),
	}
	r.track(o)
	r.record(o.requestID, o)
	return order.Receipt{RequestID: o.requestID, Message: "Order request submitted successfully"}, nil
}

// FillPending fills the resting limit order at address.
func (r *Relayer) FillPending(address string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	o := r.latest(address)
	if o == nil || o.status != string(order.TraderPending) {
		return false
	}
	o.status = string(order.TraderFilled)
	o.updatedAt = r.clock()
	r.record(o.requestID, o)
	return true
}

// Liquidate closes the filled position at address with no margin returned.
// It returns the request id of the liquidated order.
func (r *Relayer) Liquidate(address string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o := r.latest(address)
	if o == nil || o.product != order.ProductTrader || o.status != string(order.TraderFilled) {
		return "", false
	}
	o.status = string(order.TraderLiquidated)
	o.available = 0
	o.updatedAt = r.clock()
	r.ledger.release(address, 0)
	r.record(o.requestID, o)
	return o.requestID, true
}

// SettleTraderOrder closes a filled position, crediting margin plus PnL as a coin output.
func (r *Relayer) SettleTraderOrder(ctx context.Context, req order.TraderSettlement) (order.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return order.Receipt{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.injected("settle_trade_order"); err != nil {
		return order.Receipt{}, err
	}
	o, ok := r.orders[req.OrderID]
	if !ok || o.address != req.Address || o.product != order.ProductTrader {
		return order.Receipt{}, rpcReject("settle_trade_order", RPCInvalidOrder, "unknown order")
	}
	if o.status != string(order.TraderFilled) {
		return order.Receipt{}, rpcReject("settle_trade_order", RPCOrderState, "order is "+o.status)
	}
	price := req.ExecutionPrice
	if price.Sign() <= 0 || req.Kind == order.KindMarket {
		price = r.markPrice
	}
	o.available = settlement(o, price)
	o.settlePrice = price
	o.status = string(order.TraderSettled)
	o.updatedAt = r.clock()
	r.ledger.release(o.address, o.available)
	requestID := newRequestID()
	r.record(requestID, o)
	return order.Receipt{RequestID: requestID, Message: "Order settled"}, nil
}

// CancelTraderOrder withdraws a pending order and returns its margin.
func (r *Relayer) CancelTraderOrder(ctx context.Context, req order.CancelRequest) (order.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return order.Receipt{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.injected("cancel_trader_order"); err != nil {
		return order.Receipt{}, err
	}
	o, ok := r.orders[req.OrderID]
	if !ok || o.address != req.Address {
		return order.Receipt{}, rpcReject("cancel_trader_order", RPCInvalidOrder, "unknown order")
	}
	if o.status != string(order.TraderPending) {
		return order.Receipt{}, rpcReject("cancel_trader_order", RPCOrderState, "order is "+o.status)
	}
	o.status = string(order.TraderCancelled)
	o.updatedAt = r.clock()
	r.ledger.release(o.address, o.margin)
	requestID := newRequestID()
	r.record(requestID, o)
	return order.Receipt{RequestID: requestID, Message: "Order cancelled"}, nil
}

// SubmitLendOrder deposits the account's whole balance into the lend pool.
func (r *Relayer) SubmitLendOrder(ctx context.Context, sub order.LendSubmission) (order.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return order.Receipt{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.injected("submit_lend_order"); err != nil {
		return order.Receipt{}, err
	}
	deposit, err := r.ledger.commit(sub.Address)
	if err != nil {
		return order.Receipt{}, rpcReject("submit_lend_order", RPCInvalidOrder, err.Error())
	}
	if deposit != sub.Principal {
		r.ledger.release(sub.Address, deposit)
		return order.Receipt{}, rpcReject("submit_lend_order", RPCInvalidOrder, "principal does not match account balance")
	}
	o := &simOrder{
		orderID:   uuid.NewString(),
		requestID: newRequestID(),
		address:   sub.Address,
		product:   order.ProductLend,
		margin:    deposit,
		available: deposit,
		status:    "LENDED",
		updatedAt: r.clock(),
	}
	r.track(o)
	r.recordStatus(o.requestID, o, string(order.LendFilled))
	return order.Receipt{RequestID: o.requestID, Message: "Lend order submitted"}, nil
}

// SettleLendOrder redeems a lend order for principal plus interest.
func (r *Relayer) SettleLendOrder(ctx context.Context, req order.LendSettlement) (order.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return order.Receipt{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.injected("settle_lend_order"); err != nil {
		return order.Receipt{}, err
	}
	o, ok := r.orders[req.OrderID]
	if !ok || o.address != req.Address || o.product != order.ProductLend {
		return order.Receipt{}, rpcReject("settle_lend_order", RPCInvalidOrder, "unknown order")
	}
	if o.status != "LENDED" {
		return order.Receipt{}, rpcReject("settle_lend_order", RPCOrderState, "order is "+o.status)
	}
	o.available = o.margin + o.margin*r.interestBps/10000
	o.status = string(order.LendSettled)
	o.updatedAt = r.clock()
	r.ledger.release(o.address, o.available)
	requestID := newRequestID()
	r.record(requestID, o)
	return order.Receipt{RequestID: requestID, Message: "Lend order settled"}, nil
}

// TraderOrderInfo returns the latest trader order at q.Address.
func (r *Relayer) TraderOrderInfo(ctx context.Context, q order.Query) (order.TraderOrderInfo, error) {
	if err := ctx.Err(); err != nil {
		return order.TraderOrderInfo{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.injected("trader_order_info"); err != nil {
		return order.TraderOrderInfo{}, err
	}
	o := r.latest(q.Address)
	if o == nil || o.product != order.ProductTrader {
		return order.TraderOrderInfo{}, rpcReject("trader_order_info", RPCInvalidOrder, "no trader order for account")
	}
	status, err := order.ParseTraderStatus(o.status)
	if err != nil {
		return order.TraderOrderInfo{}, err
	}
	value := order.PositionValue(o.margin, o.leverage)
	return order.TraderOrderInfo{
		RequestID:       o.orderID,
		Status:          status,
		Kind:            o.kind,
		Side:            o.side,
		EntryPrice:      o.entryPrice,
		PositionSize:    value.Mul(o.entryPrice),
		Leverage:        o.leverage,
		InitialMargin:   o.margin,
		AvailableMargin: o.available,
		SettlePrice:     o.settlePrice,
		UpdatedAt:       o.updatedAt,
	}, nil
}

// LendOrderInfo returns the latest lend order at q.Address.
func (r *Relayer) LendOrderInfo(ctx context.Context, q order.Query) (order.LendOrderInfo, error) {
	if err := ctx.Err(); err != nil {
		return order.LendOrderInfo{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.injected("lend_order_info"); err != nil {
		return order.LendOrderInfo{}, err
	}
	o := r.latest(q.Address)
	if o == nil || o.product != order.ProductLend {
		return order.LendOrderInfo{}, rpcReject("lend_order_info", RPCInvalidOrder, "no lend order for account")
	}
	status, err := order.ParseLendStatus(o.status)
	if err != nil {
		return order.LendOrderInfo{}, err
	}
	payout := o.available
	if status == order.LendFilled {
		payout = o.margin + o.margin*r.interestBps/10000
	}
	return order.LendOrderInfo{
		RequestID: o.orderID,
		Status:    status,
		Principal: o.margin,
		Payout:    payout,
		UpdatedAt: o.updatedAt,
	}, nil
}

// TransactionHashes returns the hash recorded for requestID, or none while
// the request is still lagging.
func (r *Relayer) TransactionHashes(ctx context.Context, requestID string) ([]order.TxHash, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.injected("transaction_hashes"); err != nil {
		return nil, err
	}
	rec, ok := r.hashes[requestID]
	if !ok {
		return nil, nil
	}
	if rec.pendingReads > 0 {
		rec.pendingReads--
		return nil, nil
	}
	h := rec.hash
	h.Output = append([]byte(nil), h.Output...)
	return []order.TxHash{h}, nil
}

// Restore re-creates the open order behind out, a request recovered from a
// persisted wallet. Entry price and side are not persisted, so a restored
// trader order settles for its margin.
func (r *Relayer) Restore(address string, out order.Outstanding) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o := &simOrder{
		orderID:   uuid.NewString(),
		requestID: out.RequestID,
		address:   address,
		product:   out.Product,
		kind:      out.Kind,
		side:      order.SideLong,
		leverage:  order.MinLeverage,
		margin:    out.Margin,
		available: out.Margin,
		updatedAt: r.clock(),
	}
	switch out.Product {
	case order.ProductTrader:
		status, err := out.TraderStatus()
		if err != nil {
			return err
		}
		if status != order.TraderPending && status != order.TraderFilled {
			return fmt.Errorf("sim relayer: cannot restore trader order in status %s", status)
		}
		o.status = string(status)
		r.track(o)
		r.record(out.RequestID, o)
	case order.ProductLend:
		if _, err := out.LendStatus(); err != nil {
			return err
		}
		if out.Status != string(order.LendFilled) {
			return fmt.Errorf("sim relayer: cannot restore lend order in status %s", out.Status)
		}
		o.status = "LENDED"
		r.track(o)
		r.recordStatus(out.RequestID, o, string(order.LendFilled))
	default:
		return fmt.Errorf("sim relayer: unknown product %q", out.Product)
	}
	r.hashes[out.RequestID].pendingReads = 0
	return nil
}

func (r *Relayer) track(o *simOrder) {
	r.orders[o.orderID] = o
	r.byAddress[o.address] = o.orderID
}

func (r *Relayer) latest(address string) *simOrder {
	id, ok := r.byAddress[address]
	if !ok {
		return nil
	}
	return r.orders[id]
}

func (r *Relayer) record(requestID string, o *simOrder) {
	r.recordStatus(requestID, o, o.status)
}

// recordStatus writes the hash row for requestID. Rows for requests already
// visible keep their remaining lag at zero.
func (r *Relayer) recordStatus(requestID string, o *simOrder, status string) {
	lag := r.hashLag
	if existing, ok := r.hashes[requestID]; ok {
		lag = existing.pendingReads
	}
	r.hashes[requestID] = &txRecord{
		hash: order.TxHash{
			RequestID: requestID,
			OrderID:   o.orderID,
			Hash:      accepted().Hash,
			Status:    status,
			Output:    []byte(o.address),
			CreatedAt: r.clock(),
		},
		pendingReads: lag,
	}
}

func (r *Relayer) injected(method string) error {
	code, ok := r.failNext[method]
	if !ok {
		return nil
	}
	delete(r.failNext, method)
	return rpcReject(method, code, "injected failure")
}

// settlement is margin plus leveraged PnL at price, floored at zero.
func settlement(o *simOrder, price decimal.Decimal) uint64 {
	margin := order.FromUint(o.margin)
	if o.entryPrice.Sign() <= 0 {
		return o.margin
	}
	move := price.Sub(o.entryPrice).Div(o.entryPrice)
	if o.side == order.SideShort {
		move = move.Neg()
	}
	pnl := margin.Mul(order.FromUint(o.leverage)).Mul(move)
	result := margin.Add(pnl).Floor()
	if result.Sign() <= 0 {
		return 0
	}
	return uint64(result.IntPart())
}

func newRequestID() string {
	return "REQID" + strconv.FormatInt(time.Now().UnixNano(), 36) + uuid.NewString()[:8]
}

func rpcReject(method string, code int, msg string) error {
	return errs.New(relayerComponent, errs.CodeChainRejected,
		errs.WithMessage(method+" rejected"),
		errs.WithRemoteCode(strconv.Itoa(code)),
		errs.WithRemoteMessage(msg))
}
