// Package account models shielded trading accounts and the pool that owns them.
package account

import (
	"fmt"
	"strings"
	"time"

	"github.com/coachpo/zkwallet/errs"
)

const component = "account"

// IOType describes how the account's current chain output is encoded.
type IOType uint8

const (
	// IOTypeUnknown is the zero value and never valid on a stored account.
	IOTypeUnknown IOType = iota
	// IOTypeCoin marks a spendable output the wallet controls directly.
	IOTypeCoin
	// IOTypeMemo marks an output committed to an outstanding order.
	IOTypeMemo
)

// String returns the wire name of the io type.
func (t IOType) String() string {
	switch t {
	case IOTypeCoin:
		return "Coin"
	case IOTypeMemo:
		return "Memo"
	default:
		return "Unknown"
	}
}

// ParseIOType accepts the wire names produced by String, case-insensitively.
func ParseIOType(raw string) (IOType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "coin":
		return IOTypeCoin, nil
	case "memo":
		return IOTypeMemo, nil
	default:
		return IOTypeUnknown, fmt.Errorf("account: unknown io type %q", raw)
	}
}

// Account is the wallet's view of one shielded account. Values leave the pool
// as copies; mutating a copy has no effect on the pool.
type Account struct {
	Index           uint64
	Address         string
	Balance         uint64
	IOType          IOType
	OnChain         bool
	PendingRotation bool
	UpdatedAt       time.Time
}

// CheckOpenable returns nil when a new order may be opened from a.
func CheckOpenable(a Account) error {
	switch {
	case !a.OnChain:
		return notReady(a, "account is not on chain")
	case a.IOType != IOTypeCoin:
		return notReady(a, "account output is committed to an order")
	case a.Balance == 0:
		return notReady(a, "account balance is zero")
	case a.PendingRotation:
		return notReady(a, "account settled an order and must be rotated before reuse")
	}
	return nil
}

// CheckRotatable returns nil when a's balance can be moved to a fresh index.
func CheckRotatable(a Account) error {
	if !a.OnChain {
		return errs.New(component, errs.CodeAccountNotOnChain,
			errs.WithMessage("account already rotated away or consumed"),
			errs.WithIndex(a.Index))
	}
	if a.IOType != IOTypeCoin {
		return notReady(a, "account output is committed to an order")
	}
	if a.Balance == 0 {
		return notReady(a, "account balance is zero")
	}
	return nil
}

// CheckSpendable returns nil when a can be the sender of a transfer or split.
func CheckSpendable(a Account) error {
	if !a.OnChain {
		return errs.New(component, errs.CodeAccountNotOnChain,
			errs.WithMessage("account is not on chain"),
			errs.WithIndex(a.Index))
	}
	if a.IOType != IOTypeCoin {
		return notReady(a, "account output is committed to an order")
	}
	return nil
}

func notReady(a Account, msg string) error {
	return errs.New(component, errs.CodeAccountNotReady,
		errs.WithMessage(msg),
		errs.WithIndex(a.Index),
		errs.WithField("io_type", a.IOType.String()))
}
