package wallet

import (
	"context"
	"errors"

	"github.com/coachpo/zkwallet/errs"
	"github.com/coachpo/zkwallet/internal/domain/account"
	"github.com/coachpo/zkwallet/internal/domain/order"
)

// OpenLendOrder lends the account's whole balance. Lend orders are filled on
// acceptance.
func (w *Wallet) OpenLendOrder(ctx context.Context, index uint64) (res OpenResult, err error) {
	defer func() { w.finish(ctx, "open_lend", err) }()
	release, acct, err := w.lease(ctx, index)
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
	receipt, err := w.relayer.SubmitLendOrder(ctx, order.LendSubmission{
		Address:   acct.Address,
		OutputID:  utxo.OutputID,
		Principal: acct.Balance,
	})
	if err != nil {
		return OpenResult{}, rejected("lend order submission", index, err)
	}
	if err := w.commitOrder(ctx, acct, order.Outstanding{
		RequestID: receipt.RequestID,
		Product:   order.ProductLend,
		Status:    string(order.LendFilled),
		Margin:    acct.Balance,
	}); err != nil {
		return OpenResult{RequestID: receipt.RequestID, Status: string(order.LendFilled), Margin: acct.Balance}, err
	}
	res = OpenResult{RequestID: receipt.RequestID, Status: string(order.LendFilled), Margin: acct.Balance}
	_, fetchErr := w.fetchUtxo(ctx, acct.Index, acct.Address, account.IOTypeMemo)
	return res, errors.Join(fetchErr, w.persist(ctx, index))
}

// QueryLendOrder reads the relayer's view of the lend order backed by index.
func (w *Wallet) QueryLendOrder(ctx context.Context, index uint64) (order.LendOrderInfo, error) {
	acct, err := w.pool.Get(index)
	if err != nil {
		return order.LendOrderInfo{}, err
	}
	q := order.Query{Address: acct.Address}
	if out, ok := w.Outstanding(index); ok {
		q.RequestID = out.RequestID
	}
	return w.relayer.LendOrderInfo(ctx, q)
}

// CloseLendOrder redeems a filled lend order for principal plus interest and
// always rotates the account afterwards.
func (w *Wallet) CloseLendOrder(ctx context.Context, index uint64) (res CloseResult, err error) {
	defer func() { w.finish(ctx, "close_lend", err) }()
	release, acct, err := w.lease(ctx, index)
	if err != nil {
		return CloseResult{}, err
	}
	defer release()

	out, ok := w.Outstanding(index)
	if !ok || out.Product != order.ProductLend {
		return CloseResult{}, errs.New(component, errs.CodeOrderNotReady,
			errs.WithMessage("no outstanding lend order"), errs.WithIndex(index))
	}
	cached, err := out.LendStatus()
	if err != nil {
		return CloseResult{}, err
	}
	if cached == order.LendSettled {
		return w.completeLend(ctx, acct, out)
	}

	hash, status, err := w.confirmLend(ctx, out.RequestID)
	if err != nil {
		return CloseResult{}, err
	}
	if status != order.LendFilled {
		return CloseResult{}, orderState(errs.CodeOrderNotReady, "lend order is not filled", index, string(status))
	}
	utxo, err := w.memoUtxo(ctx, acct)
	if err != nil {
		return CloseResult{}, err
	}
	receipt, err := w.relayer.SettleLendOrder(ctx, order.LendSettlement{
		Address:  acct.Address,
		OutputID: utxo.OutputID,
		OrderID:  hash.OrderID,
	})
	if err != nil {
		return CloseResult{}, rejected("lend order settlement", index, err)
	}
	_, settled, err := w.confirmLend(ctx, receipt.RequestID)
	if err != nil {
		return CloseResult{}, err
	}
	if settled != order.LendSettled {
		return CloseResult{}, orderState(errs.CodeChainRejected, "lend settlement not confirmed", index, string(settled))
	}
	out.RequestID = receipt.RequestID
	out = w.advance(ctx, index, out, string(order.LendSettled))
	return w.completeLend(ctx, acct, out)
}

func (w *Wallet) completeLend(ctx context.Context, acct account.Account, out order.Outstanding) (CloseResult, error) {
	info, err := w.relayer.LendOrderInfo(ctx, order.Query{Address: acct.Address, RequestID: out.RequestID})
	if err != nil {
		return CloseResult{RequestID: out.RequestID}, errors.Join(err, w.persist(ctx, acct.Index))
	}
	return w.creditAndRotate(ctx, acct, out.RequestID, info.Payout)
}
