package wallet

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/coachpo/zkwallet/errs"
	"github.com/coachpo/zkwallet/internal/domain/account"
	"github.com/coachpo/zkwallet/internal/domain/order"
	"github.com/coachpo/zkwallet/internal/observability"
)

// OpenTraderRequest selects the account and parameters of a new trader order.
type OpenTraderRequest struct {
	Index      uint64
	Kind       order.Kind
	Side       order.Side
	EntryPrice uint64
	Leverage   uint64
}

// OpenResult reports an accepted order submission.
type OpenResult struct {
	RequestID string
	Status    string
	// Margin is the account balance committed to the order.
	Margin uint64
}

// CloseResult reports a settled order and the rotation that followed it.
type CloseResult struct {
	RequestID string
	Balance   uint64
	RotatedTo uint64
	Rotated   bool
}

// CancelResult reports a cancelled trader order.
type CancelResult struct {
	RequestID string
	Balance   uint64
}

// OpenTraderOrder commits the account's whole balance as margin for a new
// trader order. Market orders are filled on acceptance; limit orders rest as
// pending. A rejected submission leaves the account untouched.
func (w *Wallet) OpenTraderOrder(ctx context.Context, req OpenTraderRequest) (res OpenResult, err error) {
	defer func() { w.finish(ctx, "open_trader", err) }()
	params := order.OpenParams{Kind: req.Kind, Side: req.Side, EntryPrice: req.EntryPrice, Leverage: req.Leverage}
	if err := params.Validate(); err != nil {
		return OpenResult{}, err
	}
	kind, _ := order.ParseKind(string(req.Kind))
	side, _ := order.ParseSide(string(req.Side))

	release, acct, err := w.lease(ctx, req.Index)
	if err != nil {
		return OpenResult{}, err
	}
	defer release()
	if err := w.checkOpenable(acct); err != nil {
		return OpenResult{}, err
	}

	utxo, err := w.fetchUtxo(ctx, acct.Index, acct.Address, account.IOTypeCoin)
	if err != nil {
		return OpenResult{}, err
	}
	value := order.PositionValue(acct.Balance, req.Leverage)
	receipt, err := w.relayer.SubmitTraderOrder(ctx, order.TraderSubmission{
		Address:       acct.Address,
		OutputID:      utxo.OutputID,
		Kind:          kind,
		Side:          side,
		EntryPrice:    req.EntryPrice,
		Leverage:      req.Leverage,
		Margin:        acct.Balance,
		PositionValue: value,
		PositionSize:  order.PositionSize(value, req.EntryPrice),
	})
	if err != nil {
		return OpenResult{}, rejected("trader order submission", acct.Index, err)
	}

	status := order.TraderPending
	if kind == order.KindMarket {
		status = order.TraderFilled
	}
	if err := w.commitOrder(ctx, acct, order.Outstanding{
		RequestID: receipt.RequestID,
		Product:   order.ProductTrader,
		Kind:      kind,
		Status:    string(status),
		Margin:    acct.Balance,
	}); err != nil {
		return OpenResult{RequestID: receipt.RequestID, Status: string(status), Margin: acct.Balance}, err
	}
	res = OpenResult{RequestID: receipt.RequestID, Status: string(status), Margin: acct.Balance}

	var fetchErr error
	if status == order.TraderFilled {
		_, fetchErr = w.fetchUtxo(ctx, acct.Index, acct.Address, account.IOTypeMemo)
	}
	return res, errors.Join(fetchErr, w.persist(ctx, acct.Index))
}

// QueryTraderOrder reads the relayer's view of the trader order backed by index.
func (w *Wallet) QueryTraderOrder(ctx context.Context, index uint64) (order.TraderOrderInfo, error) {
	acct, err := w.pool.Get(index)
	if err != nil {
		return order.TraderOrderInfo{}, err
	}
	q := order.Query{Address: acct.Address}
	if out, ok := w.Outstanding(index); ok {
		q.RequestID = out.RequestID
	}
	return w.relayer.TraderOrderInfo(ctx, q)
}

// CloseTraderOrder settles a filled trader order at executionPrice (ignored
// for market closes), credits the returned margin and rotates the account.
// When rotation fails the close is still reported together with the error and
// the account stays blocked until Rotate succeeds.
func (w *Wallet) CloseTraderOrder(ctx context.Context, index uint64, kind order.Kind, executionPrice decimal.Decimal) (res CloseResult, err error) {
	defer func() { w.finish(ctx, "close_trader", err) }()
	kind, err = order.ParseKind(string(kind))
	if err != nil {
		return CloseResult{}, err
	}

	release, acct, err := w.lease(ctx, index)
	if err != nil {
		return CloseResult{}, err
	}
	defer release()

	out, cached, err := w.outstandingTrader(index, errs.CodeOrderNotReady)
	if err != nil {
		return CloseResult{}, err
	}
	if cached == order.TraderSettled {
		return w.completeSettlement(ctx, acct, out)
	}

	hash, status, err := w.confirmTrader(ctx, out.RequestID)
	if err != nil {
		return CloseResult{}, err
	}
	if status != order.TraderFilled {
		return CloseResult{}, orderState(errs.CodeOrderNotReady, "trader order is not filled", index, string(status))
	}
	if cached == order.TraderPending {
		if out, err = w.advanceTrader(ctx, index, out, order.TraderFilled); err != nil {
			return CloseResult{}, err
		}
	}

	utxo, err := w.memoUtxo(ctx, acct)
	if err != nil {
		return CloseResult{}, err
	}
	receipt, err := w.relayer.SettleTraderOrder(ctx, order.TraderSettlement{
		Address:        acct.Address,
		OutputID:       utxo.OutputID,
		OrderID:        hash.OrderID,
		Kind:           kind,
		ExecutionPrice: executionPrice,
	})
	if err != nil {
		return CloseResult{}, rejected("trader order settlement", index, err)
	}
	_, settled, err := w.confirmTrader(ctx, receipt.RequestID)
	if err != nil {
		return CloseResult{}, err
	}
	if settled != order.TraderSettled {
		return CloseResult{}, orderState(errs.CodeChainRejected, "settlement not confirmed", index, string(settled))
	}
	out.RequestID = receipt.RequestID
	if out, err = w.advanceTrader(ctx, index, out, order.TraderSettled); err != nil {
		return CloseResult{}, err
	}
	return w.completeSettlement(ctx, acct, out)
}

// completeSettlement credits the margin of a settled trader order.
func (w *Wallet) completeSettlement(ctx context.Context, acct account.Account, out order.Outstanding) (CloseResult, error) {
	info, err := w.relayer.TraderOrderInfo(ctx, order.Query{Address: acct.Address, RequestID: out.RequestID})
	if err != nil {
		return CloseResult{RequestID: out.RequestID}, errors.Join(err, w.persist(ctx, acct.Index))
	}
	return w.creditAndRotate(ctx, acct, out.RequestID, info.AvailableMargin)
}

// CancelTraderOrder withdraws a pending trader order. The account returns to
// Coin with the refunded margin and may be reused without rotation.
func (w *Wallet) CancelTraderOrder(ctx context.Context, index uint64) (res CancelResult, err error) {
	defer func() { w.finish(ctx, "cancel_trader", err) }()
	release, acct, err := w.lease(ctx, index)
	if err != nil {
		return CancelResult{}, err
	}
	defer release()

	out, cached, err := w.outstandingTrader(index, errs.CodeOrderNotPending)
	if err != nil {
		return CancelResult{}, err
	}
	hash, status, err := w.confirmTrader(ctx, out.RequestID)
	if err != nil {
		return CancelResult{}, err
	}
	if status != order.TraderPending {
		var perr error
		if status == order.TraderFilled && cached == order.TraderPending {
			if _, perr = w.advanceTrader(ctx, index, out, order.TraderFilled); perr == nil {
				perr = w.persist(ctx, index)
			}
		}
		return CancelResult{}, errors.Join(
			orderState(errs.CodeOrderNotPending, "trader order is not pending", index, string(status)), perr)
	}

	receipt, err := w.relayer.CancelTraderOrder(ctx, order.CancelRequest{Address: acct.Address, OrderID: hash.OrderID})
	if err != nil {
		return CancelResult{}, rejected("trader order cancellation", index, err)
	}
	_, cancelled, err := w.confirmTrader(ctx, receipt.RequestID)
	if err != nil {
		return CancelResult{}, err
	}
	if cancelled != order.TraderCancelled {
		return CancelResult{}, orderState(errs.CodeChainRejected, "cancellation not confirmed", index, string(cancelled))
	}
	return w.completeCancel(ctx, acct, out, receipt.RequestID)
}

func (w *Wallet) completeCancel(ctx context.Context, acct account.Account, out order.Outstanding, requestID string) (CancelResult, error) {
	balance := out.Margin
	info, err := w.relayer.TraderOrderInfo(ctx, order.Query{Address: acct.Address, RequestID: requestID})
	switch {
	case err != nil:
		w.logger.Error("read cancelled order margin",
			observability.F("index", acct.Index),
			observability.F("error", err))
	case info.AvailableMargin > 0:
		balance = info.AvailableMargin
	}
	if _, err := w.pool.Update(acct.Index, func(a *account.Account) error {
		a.IOType = account.IOTypeCoin
		a.Balance = balance
		return nil
	}); err != nil {
		return CancelResult{}, err
	}
	w.clearOutstanding(acct.Index)
	w.dropUtxo(acct.Index)
	w.metrics.RecordTransition(ctx, string(order.ProductTrader), string(out.Kind), string(order.TraderCancelled))
	w.logger.Info("trader order cancelled",
		observability.F("index", acct.Index),
		observability.F("request_id", requestID),
		observability.F("balance", balance))

	res := CancelResult{RequestID: requestID, Balance: balance}
	_, fetchErr := w.fetchUtxo(ctx, acct.Index, acct.Address, account.IOTypeCoin)
	return res, errors.Join(fetchErr, w.persist(ctx, acct.Index))
}

// ReconcileTraderOrder reads the relayer's status for the trader order backed
// by index and applies whatever happened remotely: a fill advances the cached
// status, a cancellation or settlement is completed, and a liquidation retires
// the account.
func (w *Wallet) ReconcileTraderOrder(ctx context.Context, index uint64) (status order.TraderStatus, err error) {
	defer func() { w.finish(ctx, "reconcile_trader", err) }()
	release, acct, err := w.lease(ctx, index)
	if err != nil {
		return "", err
	}
	defer release()

	out, cached, err := w.outstandingTrader(index, errs.CodeNotFound)
	if err != nil {
		return "", err
	}
	if cached == order.TraderSettled {
		_, err := w.completeSettlement(ctx, acct, out)
		return cached, err
	}

	info, err := w.relayer.TraderOrderInfo(ctx, order.Query{Address: acct.Address, RequestID: out.RequestID})
	if err != nil {
		return cached, err
	}
	if !cached.Reaches(info.Status) {
		return cached, errs.New(component, errs.CodeProtocol,
			errs.WithMessage("relayer reported an unreachable order status"),
			errs.WithIndex(index),
			errs.WithField("cached", string(cached)),
			errs.WithField("remote", string(info.Status)))
	}

	switch info.Status {
	case cached:
		return cached, nil
	case order.TraderFilled:
		if _, err := w.advanceTrader(ctx, index, out, order.TraderFilled); err != nil {
			return cached, err
		}
		_, fetchErr := w.memoUtxo(ctx, acct)
		return info.Status, errors.Join(fetchErr, w.persist(ctx, index))
	case order.TraderCancelled:
		_, err := w.completeCancel(ctx, acct, out, out.RequestID)
		return info.Status, err
	case order.TraderSettled:
		if out, err = w.advanceTrader(ctx, index, out, order.TraderSettled); err != nil {
			return cached, err
		}
		_, err := w.creditAndRotate(ctx, acct, out.RequestID, info.AvailableMargin)
		return info.Status, err
	case order.TraderLiquidated:
		return info.Status, w.retire(ctx, acct, out)
	}
	return info.Status, nil
}

// ReconcileByAddress reconciles the trader order backed by the account at address.
func (w *Wallet) ReconcileByAddress(ctx context.Context, address string) (order.TraderStatus, error) {
	for _, a := range w.pool.List() {
		if a.Address == address {
			return w.ReconcileTraderOrder(ctx, a.Index)
		}
	}
	return "", errs.New(component, errs.CodeNotFound,
		errs.WithMessage("no account with address"),
		errs.WithField("address", address))
}

// retire marks a liquidated account as consumed. Its index is never reused.
func (w *Wallet) retire(ctx context.Context, acct account.Account, out order.Outstanding) error {
	if _, err := w.pool.Update(acct.Index, func(a *account.Account) error {
		a.OnChain = false
		a.Balance = 0
		a.PendingRotation = false
		return nil
	}); err != nil {
		return err
	}
	w.clearOutstanding(acct.Index)
	w.dropUtxo(acct.Index)
	w.metrics.RecordTransition(ctx, string(out.Product), string(out.Kind), string(order.TraderLiquidated))
	w.logger.Info("account retired after liquidation",
		observability.F("index", acct.Index),
		observability.F("request_id", out.RequestID))
	return w.persist(ctx, acct.Index)
}

func (w *Wallet) outstandingTrader(index uint64, missing errs.Code) (order.Outstanding, order.TraderStatus, error) {
	out, ok := w.Outstanding(index)
	if !ok || out.Product != order.ProductTrader {
		return order.Outstanding{}, "", errs.New(component, missing,
			errs.WithMessage("no outstanding trader order"), errs.WithIndex(index))
	}
	status, err := out.TraderStatus()
	if err != nil {
		return order.Outstanding{}, "", err
	}
	return out, status, nil
}

func (w *Wallet) checkOpenable(acct account.Account) error {
	if err := account.CheckOpenable(acct); err != nil {
		return err
	}
	if out, busy := w.Outstanding(acct.Index); busy {
		return errs.New(component, errs.CodeAccountNotReady,
			errs.WithMessage("account backs an outstanding request"),
			errs.WithIndex(acct.Index),
			errs.WithField("request_id", out.RequestID))
	}
	return nil
}

// commitOrder records an accepted submission: the account's output becomes a
// Memo and the request is tracked as outstanding.
func (w *Wallet) commitOrder(ctx context.Context, acct account.Account, out order.Outstanding) error {
	if _, err := w.pool.Update(acct.Index, func(a *account.Account) error {
		a.IOType = account.IOTypeMemo
		return nil
	}); err != nil {
		w.logger.Error("commit order to account",
			observability.F("index", acct.Index),
			observability.F("request_id", out.RequestID),
			observability.F("error", err))
		return err
	}
	w.dropUtxo(acct.Index)
	w.setOutstanding(acct.Index, out)
	w.metrics.RecordTransition(ctx, string(out.Product), string(out.Kind), out.Status)
	w.logger.Info("order submitted",
		observability.F("index", acct.Index),
		observability.F("product", string(out.Product)),
		observability.F("request_id", out.RequestID),
		observability.F("status", out.Status),
		observability.F("margin", out.Margin))
	return nil
}

// advance caches a new status for the outstanding request at index.
func (w *Wallet) advance(ctx context.Context, index uint64, out order.Outstanding, status string) order.Outstanding {
	out.Status = status
	w.setOutstanding(index, out)
	w.metrics.RecordTransition(ctx, string(out.Product), string(out.Kind), status)
	return out
}

// advanceTrader moves the cached trader status of out to next along the
// transition table. A PENDING order seen as SETTLED is recorded as filled first.
func (w *Wallet) advanceTrader(ctx context.Context, index uint64, out order.Outstanding, next order.TraderStatus) (order.Outstanding, error) {
	cur, err := out.TraderStatus()
	if err != nil {
		return out, err
	}
	if cur == order.TraderPending && next == order.TraderSettled {
		if out, err = w.advanceTrader(ctx, index, out, order.TraderFilled); err != nil {
			return out, err
		}
		cur = order.TraderFilled
	}
	status, err := cur.Transition(next)
	if err != nil {
		return out, err
	}
	return w.advance(ctx, index, out, string(status)), nil
}

// creditAndRotate applies a settled order's payout to the account and rotates
// it. A zero payout leaves nothing to rotate and the account is consumed.
func (w *Wallet) creditAndRotate(ctx context.Context, acct account.Account, requestID string, balance uint64) (CloseResult, error) {
	res := CloseResult{RequestID: requestID, Balance: balance}
	if balance == 0 {
		if _, err := w.pool.Update(acct.Index, func(a *account.Account) error {
			a.IOType = account.IOTypeCoin
			a.Balance = 0
			a.OnChain = false
			a.PendingRotation = false
			return nil
		}); err != nil {
			return res, err
		}
		w.clearOutstanding(acct.Index)
		w.dropUtxo(acct.Index)
		w.logger.Info("order settled with nothing returned", observability.F("index", acct.Index))
		return res, w.persist(ctx, acct.Index)
	}

	if _, err := w.pool.Update(acct.Index, func(a *account.Account) error {
		a.IOType = account.IOTypeCoin
		a.Balance = balance
		a.PendingRotation = true
		return nil
	}); err != nil {
		return res, err
	}
	w.clearOutstanding(acct.Index)
	w.dropUtxo(acct.Index)
	w.logger.Info("order settled",
		observability.F("index", acct.Index),
		observability.F("request_id", requestID),
		observability.F("balance", balance))

	_, fetchErr := w.fetchUtxo(ctx, acct.Index, acct.Address, account.IOTypeCoin)
	persistErr := w.persist(ctx, acct.Index)
	rotated, rotateErr := w.rotateLocked(ctx, acct.Index)
	if rotated != 0 {
		res.Rotated = true
		res.RotatedTo = rotated
	}
	return res, errors.Join(fetchErr, persistErr, rotateErr)
}

func orderState(code errs.Code, msg string, index uint64, status string) error {
	return errs.New(component, code,
		errs.WithMessage(msg),
		errs.WithIndex(index),
		errs.WithField("status", status))
}
