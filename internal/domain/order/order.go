// Package order defines trader and lend order state machines and the shapes
// exchanged with the relayer.
package order

import (
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/zkwallet/errs"
)

const component = "order"

const (
	// MinLeverage is the smallest accepted leverage multiplier.
	MinLeverage uint64 = 1
	// MaxLeverage is the largest accepted leverage multiplier.
	MaxLeverage uint64 = 50
)

// Product separates the two order families a shielded account can back.
type Product string

const (
	// ProductTrader identifies leveraged trader orders.
	ProductTrader Product = "trader"
	// ProductLend identifies lend orders.
	ProductLend Product = "lend"
)

// ParseProduct validates a persisted product name.
func ParseProduct(raw string) (Product, error) {
	switch Product(strings.ToLower(strings.TrimSpace(raw))) {
	case ProductTrader:
		return ProductTrader, nil
	case ProductLend:
		return ProductLend, nil
	default:
		return "", protocolError("unknown order product", raw)
	}
}

// Kind is the trader order execution type.
type Kind string

const (
	// KindMarket executes immediately at the relayer's price.
	KindMarket Kind = "MARKET"
	// KindLimit rests until the entry price is reached.
	KindLimit Kind = "LIMIT"
)

// ParseKind validates a trader order kind.
func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToUpper(strings.TrimSpace(raw))) {
	case KindMarket:
		return KindMarket, nil
	case KindLimit:
		return KindLimit, nil
	default:
		return "", errs.New(component, errs.CodeInvalidParameter,
			errs.WithMessage("unknown order kind"), errs.WithField("kind", raw))
	}
}

// Side is the trader position direction.
type Side string

const (
	// SideLong profits when price rises.
	SideLong Side = "LONG"
	// SideShort profits when price falls.
	SideShort Side = "SHORT"
)

// ParseSide validates a position side.
func ParseSide(raw string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(raw))) {
	case SideLong:
		return SideLong, nil
	case SideShort:
		return SideShort, nil
	default:
		return "", errs.New(component, errs.CodeInvalidParameter,
			errs.WithMessage("unknown position side"), errs.WithField("side", raw))
	}
}

// TraderOrderInfo is the relayer's authoritative view of a trader order.
type TraderOrderInfo struct {
	RequestID        string
	Status           TraderStatus
	Kind             Kind
	Side             Side
	EntryPrice       decimal.Decimal
	PositionSize     decimal.Decimal
	Leverage         uint64
	InitialMargin    uint64
	AvailableMargin  uint64
	SettlePrice      decimal.Decimal
	LiquidationPrice decimal.Decimal
	UpdatedAt        time.Time
}

// LendOrderInfo is the relayer's authoritative view of a lend order.
type LendOrderInfo struct {
	RequestID string
	Status    LendStatus
	Principal uint64
	// Payout is principal plus accrued interest once settled, or the current
	// redeemable amount while the order is still filled.
	Payout    uint64
	UpdatedAt time.Time
}

// Accrued is the interest earned so far, floored at zero.
func (i LendOrderInfo) Accrued() uint64 {
	if i.Payout <= i.Principal {
		return 0
	}
	return i.Payout - i.Principal
}

// Outstanding is the per-account record of the one live request.
type Outstanding struct {
	RequestID string
	Product   Product
	Kind      Kind
	Status    string
	Margin    uint64
}

// TraderStatus returns the cached trader status of o.
func (o Outstanding) TraderStatus() (TraderStatus, error) {
	return ParseTraderStatus(o.Status)
}

// LendStatus returns the cached lend status of o.
func (o Outstanding) LendStatus() (LendStatus, error) {
	return ParseLendStatus(o.Status)
}

// OpenParams are the caller-supplied trader order parameters.
type OpenParams struct {
	Kind       Kind
	Side       Side
	EntryPrice uint64
	Leverage   uint64
}

// Validate checks the parameters before any account is touched.
func (p OpenParams) Validate() error {
	if _, err := ParseKind(string(p.Kind)); err != nil {
		return err
	}
	if _, err := ParseSide(string(p.Side)); err != nil {
		return err
	}
	if p.EntryPrice == 0 {
		return errs.New(component, errs.CodeInvalidParameter,
			errs.WithMessage("entry price must be greater than zero"))
	}
	if p.Leverage < MinLeverage || p.Leverage > MaxLeverage {
		return errs.New(component, errs.CodeInvalidParameter,
			errs.WithMessage("leverage out of range"),
			errs.WithField("leverage", strconv.FormatUint(p.Leverage, 10)),
			errs.WithRemediation("use a leverage between 1 and 50"))
	}
	return nil
}

// PositionValue is margin multiplied by leverage.
func PositionValue(margin, leverage uint64) decimal.Decimal {
	return FromUint(margin).Mul(FromUint(leverage))
}

// PositionSize is position value multiplied by entry price.
func PositionSize(value decimal.Decimal, entryPrice uint64) decimal.Decimal {
	return value.Mul(FromUint(entryPrice))
}

// FromUint converts an on-chain amount to a decimal without overflow.
func FromUint(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

func protocolError(msg, raw string) error {
	return errs.New(component, errs.CodeProtocol,
		errs.WithMessage(msg), errs.WithRemoteMessage(raw))
}
