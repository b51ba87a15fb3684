package relayer

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/zkwallet/internal/domain/order"
)

type requestResponse struct {
	Msg   string `json:"msg"`
	IDKey string `json:"id_key"`
}

func (r requestResponse) receipt() order.Receipt {
	return order.Receipt{RequestID: r.IDKey, Message: r.Msg}
}

type traderSubmitWire struct {
	Address       string          `json:"account_address"`
	OutputID      string          `json:"output_id"`
	OrderType     string          `json:"order_type"`
	PositionType  string          `json:"position_type"`
	EntryPrice    uint64          `json:"entry_price"`
	Leverage      uint64          `json:"leverage"`
	InitialMargin uint64          `json:"initial_margin"`
	PositionValue decimal.Decimal `json:"position_value"`
	PositionSize  decimal.Decimal `json:"position_size"`
}

type traderSettleWire struct {
	Address        string          `json:"account_address"`
	OutputID       string          `json:"output_id"`
	OrderID        string          `json:"uuid"`
	OrderType      string          `json:"order_type"`
	ExecutionPrice decimal.Decimal `json:"execution_price"`
}

type cancelWire struct {
	Address string `json:"account_address"`
	OrderID string `json:"uuid"`
}

type lendSubmitWire struct {
	Address  string `json:"account_address"`
	OutputID string `json:"output_id"`
	Deposit  uint64 `json:"deposit"`
}

type lendSettleWire struct {
	Address  string `json:"account_address"`
	OutputID string `json:"output_id"`
	OrderID  string `json:"uuid"`
}

type queryWire struct {
	Address   string `json:"account_address"`
	RequestID string `json:"request_id,omitempty"`
}

type traderInfoWire struct {
	UUID             string          `json:"uuid"`
	OrderStatus      string          `json:"order_status"`
	OrderType        string          `json:"order_type"`
	PositionType     string          `json:"position_type"`
	EntryPrice       decimal.Decimal `json:"entryprice"`
	PositionSize     decimal.Decimal `json:"positionsize"`
	Leverage         decimal.Decimal `json:"leverage"`
	InitialMargin    decimal.Decimal `json:"initial_margin"`
	AvailableMargin  decimal.Decimal `json:"available_margin"`
	SettlementPrice  decimal.Decimal `json:"settlement_price"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	Timestamp        time.Time       `json:"timestamp"`
}

type lendInfoWire struct {
	UUID               string          `json:"uuid"`
	OrderStatus        string          `json:"order_status"`
	Deposit            decimal.Decimal `json:"deposit"`
	NewLendStateAmount decimal.Decimal `json:"new_lend_state_amount"`
	Timestamp          time.Time       `json:"timestamp"`
}

type txHashArgs struct {
	RequestID txHashRequestID `json:"RequestId"`
}

type txHashRequestID struct {
	ID     string  `json:"id"`
	Status *string `json:"status"`
}

type txHashWire struct {
	RequestID   string    `json:"request_id"`
	OrderID     string    `json:"order_id"`
	TxHash      string    `json:"tx_hash"`
	OrderStatus string    `json:"order_status"`
	Output      string    `json:"output"`
	Datetime    time.Time `json:"datetime"`
}

type priceWire struct {
	ID        int64           `json:"id"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// Price is a relayer BTC/USD price tick.
type Price struct {
	Price     decimal.Decimal
	Timestamp time.Time
}

// SubmitTraderOrder sends submit_trade_order.
func (c *Client) SubmitTraderOrder(ctx context.Context, sub order.TraderSubmission) (order.Receipt, error) {
	return c.submit(ctx, "submit_trade_order", traderSubmitWire{
		Address:       sub.Address,
		OutputID:      sub.OutputID,
		OrderType:     string(sub.Kind),
		PositionType:  string(sub.Side),
		EntryPrice:    sub.EntryPrice,
		Leverage:      sub.Leverage,
		InitialMargin: sub.Margin,
		PositionValue: sub.PositionValue,
		PositionSize:  sub.PositionSize,
	})
}

// SettleTraderOrder sends settle_trade_order.
func (c *Client) SettleTraderOrder(ctx context.Context, req order.TraderSettlement) (order.Receipt, error) {
	return c.submit(ctx, "settle_trade_order", traderSettleWire{
		Address:        req.Address,
		OutputID:       req.OutputID,
		OrderID:        req.OrderID,
		OrderType:      string(req.Kind),
		ExecutionPrice: req.ExecutionPrice,
	})
}

// CancelTraderOrder sends cancel_trader_order.
func (c *Client) CancelTraderOrder(ctx context.Context, req order.CancelRequest) (order.Receipt, error) {
	return c.submit(ctx, "cancel_trader_order", cancelWire{Address: req.Address, OrderID: req.OrderID})
}

// SubmitLendOrder sends submit_lend_order.
func (c *Client) SubmitLendOrder(ctx context.Context, sub order.LendSubmission) (order.Receipt, error) {
	return c.submit(ctx, "submit_lend_order", lendSubmitWire{
		Address:  sub.Address,
		OutputID: sub.OutputID,
		Deposit:  sub.Principal,
	})
}

// SettleLendOrder sends settle_lend_order.
func (c *Client) SettleLendOrder(ctx context.Context, req order.LendSettlement) (order.Receipt, error) {
	return c.submit(ctx, "settle_lend_order", lendSettleWire{
		Address:  req.Address,
		OutputID: req.OutputID,
		OrderID:  req.OrderID,
	})
}

func (c *Client) submit(ctx context.Context, method string, payload any) (order.Receipt, error) {
	params, err := encodeHex(payload)
	if err != nil {
		return order.Receipt{}, err
	}
	var resp requestResponse
	if err := c.call(ctx, method, params, &resp); err != nil {
		return order.Receipt{}, err
	}
	if resp.IDKey == "" {
		return order.Receipt{}, fmt.Errorf("relayer %s: empty request id in response", method)
	}
	return resp.receipt(), nil
}

// TraderOrderInfo sends trader_order_info.
func (c *Client) TraderOrderInfo(ctx context.Context, q order.Query) (order.TraderOrderInfo, error) {
	params, err := encodeHex(queryWire{Address: q.Address, RequestID: q.RequestID})
	if err != nil {
		return order.TraderOrderInfo{}, err
	}
	var wire traderInfoWire
	if err := c.call(ctx, "trader_order_info", params, &wire); err != nil {
		return order.TraderOrderInfo{}, err
	}
	return wire.toDomain()
}

func (w traderInfoWire) toDomain() (order.TraderOrderInfo, error) {
	status, err := order.ParseTraderStatus(w.OrderStatus)
	if err != nil {
		return order.TraderOrderInfo{}, err
	}
	kind, err := order.ParseKind(w.OrderType)
	if err != nil {
		return order.TraderOrderInfo{}, err
	}
	side, err := order.ParseSide(w.PositionType)
	if err != nil {
		return order.TraderOrderInfo{}, err
	}
	return order.TraderOrderInfo{
		RequestID:        w.UUID,
		Status:           status,
		Kind:             kind,
		Side:             side,
		EntryPrice:       w.EntryPrice,
		PositionSize:     w.PositionSize,
		Leverage:         toUint(w.Leverage),
		InitialMargin:    toUint(w.InitialMargin),
		AvailableMargin:  toUint(w.AvailableMargin),
		SettlePrice:      w.SettlementPrice,
		LiquidationPrice: w.LiquidationPrice,
		UpdatedAt:        w.Timestamp,
	}, nil
}

// LendOrderInfo sends lend_order_info.
func (c *Client) LendOrderInfo(ctx context.Context, q order.Query) (order.LendOrderInfo, error) {
	params, err := encodeHex(queryWire{Address: q.Address, RequestID: q.RequestID})
	if err != nil {
		return order.LendOrderInfo{}, err
	}
	var wire lendInfoWire
	if err := c.call(ctx, "lend_order_info", params, &wire); err != nil {
		return order.LendOrderInfo{}, err
	}
	status, err := order.ParseLendStatus(wire.OrderStatus)
	if err != nil {
		return order.LendOrderInfo{}, err
	}
	return order.LendOrderInfo{
		RequestID: wire.UUID,
		Status:    status,
		Principal: toUint(wire.Deposit),
		Payout:    toUint(wire.NewLendStateAmount),
		UpdatedAt: wire.Timestamp,
	}, nil
}

// TransactionHashes sends transaction_hashes for one request id. An empty
// slice means the relayer has not applied the request yet.
func (c *Client) TransactionHashes(ctx context.Context, requestID string) ([]order.TxHash, error) {
	var wires []txHashWire
	if err := c.call(ctx, "transaction_hashes", txHashArgs{RequestID: txHashRequestID{ID: requestID}}, &wires); err != nil {
		return nil, err
	}
	out := make([]order.TxHash, 0, len(wires))
	for _, w := range wires {
		var payload []byte
		if w.Output != "" {
			decoded, err := hex.DecodeString(w.Output)
			if err != nil {
				return nil, fmt.Errorf("relayer transaction_hashes: decode output: %w", err)
			}
			payload = decoded
		}
		out = append(out, order.TxHash{
			RequestID: w.RequestID,
			OrderID:   w.OrderID,
			Hash:      w.TxHash,
			Status:    w.OrderStatus,
			Output:    payload,
			CreatedAt: w.Datetime,
		})
	}
	return out, nil
}

// BtcUsdPrice sends btc_usd_price.
func (c *Client) BtcUsdPrice(ctx context.Context) (Price, error) {
	var wire priceWire
	if err := c.call(ctx, "btc_usd_price", nil, &wire); err != nil {
		return Price{}, err
	}
	return Price{Price: wire.Price, Timestamp: wire.Timestamp}, nil
}

// toUint floors d into an on-chain amount; negatives clamp to zero.
func toUint(d decimal.Decimal) uint64 {
	if d.Sign() <= 0 {
		return 0
	}
	bi := d.Floor().BigInt()
	if !bi.IsUint64() {
		return ^uint64(0)
	}
	return bi.Uint64()
}
