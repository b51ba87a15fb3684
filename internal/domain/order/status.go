package order

import (
	"strings"

	"github.com/coachpo/zkwallet/errs"
)

// TraderStatus is the lifecycle status of a trader order.
type TraderStatus string

const (
	// TraderPending is a limit order resting on the relayer.
	TraderPending TraderStatus = "PENDING"
	// TraderFilled is an open position.
	TraderFilled TraderStatus = "FILLED"
	// TraderSettled is a closed position whose margin returned to the account.
	TraderSettled TraderStatus = "SETTLED"
	// TraderCancelled is a pending order withdrawn before fill.
	TraderCancelled TraderStatus = "CANCELLED"
	// TraderLiquidated is a position closed by the relayer after margin ran out.
	TraderLiquidated TraderStatus = "LIQUIDATED"
)

var traderTransitions = map[TraderStatus][]TraderStatus{
	TraderPending: {TraderFilled, TraderCancelled},
	TraderFilled:  {TraderSettled, TraderLiquidated},
}

// ParseTraderStatus maps a relayer status string. Unknown values are protocol errors.
func ParseTraderStatus(raw string) (TraderStatus, error) {
	switch s := TraderStatus(strings.ToUpper(strings.TrimSpace(raw))); s {
	case TraderPending, TraderFilled, TraderSettled, TraderCancelled, TraderLiquidated:
		return s, nil
	default:
		return "", protocolError("unknown trader order status", raw)
	}
}

// CanTransition reports whether next is a legal successor of s.
func (s TraderStatus) CanTransition(next TraderStatus) bool {
	for _, allowed := range traderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s TraderStatus) Terminal() bool {
	return len(traderTransitions[s]) == 0
}

// Reaches reports whether next is s or lies on a forward path from s.
func (s TraderStatus) Reaches(next TraderStatus) bool {
	if s == next {
		return true
	}
	for _, mid := range traderTransitions[s] {
		if mid.Reaches(next) {
			return true
		}
	}
	return false
}

// Transition validates s -> next and returns next.
func (s TraderStatus) Transition(next TraderStatus) (TraderStatus, error) {
	if !s.CanTransition(next) {
		return s, errs.New(component, errs.CodeProtocol,
			errs.WithMessage("illegal trader order transition"),
			errs.WithField("from", string(s)),
			errs.WithField("to", string(next)))
	}
	return next, nil
}

// LendStatus is the lifecycle status of a lend order.
type LendStatus string

const (
	// LendFilled is an active lend position.
	LendFilled LendStatus = "FILLED"
	// LendSettled is a redeemed lend position.
	LendSettled LendStatus = "SETTLED"
)

// ParseLendStatus maps a relayer lend status string. The relayer reports an
// active lend as either FILLED or LENDED.
func ParseLendStatus(raw string) (LendStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case string(LendFilled), "LENDED":
		return LendFilled, nil
	case string(LendSettled):
		return LendSettled, nil
	default:
		return "", protocolError("unknown lend order status", raw)
	}
}

// CanTransition reports whether next is a legal successor of s.
func (s LendStatus) CanTransition(next LendStatus) bool {
	return s == LendFilled && next == LendSettled
}

// Terminal reports whether no further transition is possible.
func (s LendStatus) Terminal() bool {
	return s == LendSettled
}
