package wallet

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/zkwallet/errs"
	"github.com/coachpo/zkwallet/internal/domain/account"
	"github.com/coachpo/zkwallet/internal/domain/chain"
	"github.com/coachpo/zkwallet/internal/observability"
)

// FundResult reports a confirmed funding transfer.
type FundResult struct {
	Tx      chain.TxResult
	Index   uint64
	Address string
}

// AccountBalance is one account created by Split.
type AccountBalance struct {
	Index   uint64
	Address string
	Balance uint64
}

// Fund moves amount from the base wallet into a fresh account. When the
// account was created but its output could not be read back, the result is
// returned together with the error.
func (w *Wallet) Fund(ctx context.Context, amount uint64) (res FundResult, err error) {
	defer func() { w.finish(ctx, "fund", err) }()
	if amount == 0 {
		return FundResult{}, errs.New(component, errs.CodeInvalidParameter,
			errs.WithMessage("funding amount must be greater than zero"))
	}

	w.fundMu.Lock()
	defer w.fundMu.Unlock()

	base, err := w.ledger.BaseBalance(ctx)
	if err != nil {
		return FundResult{}, fmt.Errorf("wallet: read base balance: %w", err)
	}
	if base < amount {
		return FundResult{}, errs.New(component, errs.CodeInsufficientFunds,
			errs.WithMessage("base wallet balance below requested amount"),
			errs.WithField("balance", strconv.FormatUint(base, 10)),
			errs.WithField("amount", strconv.FormatUint(amount, 10)))
	}

	index, address, err := w.pool.Allocate()
	if err != nil {
		return FundResult{}, err
	}
	tx, err := w.ledger.Fund(ctx, address, amount)
	if err != nil {
		return FundResult{}, rejected("fund", index, err)
	}
	if !tx.OK() {
		return FundResult{}, txRejected("fund", index, tx)
	}
	if err := w.pool.Insert(account.Account{
		Index:   index,
		Address: address,
		Balance: amount,
		IOType:  account.IOTypeCoin,
		OnChain: true,
	}); err != nil {
		return FundResult{}, err
	}
	w.logger.Info("account funded",
		observability.F("index", index),
		observability.F("amount", amount),
		observability.F("tx", tx.Hash))

	res = FundResult{Tx: tx, Index: index, Address: address}
	_, fetchErr := w.fetchUtxo(ctx, index, address, account.IOTypeCoin)
	return res, errors.Join(fetchErr, w.persist(ctx, index))
}

// Split pays balances out of sender into one fresh account per entry in a
// single transfer. The sender keeps any remainder.
func (w *Wallet) Split(ctx context.Context, sender uint64, balances []uint64) (created []AccountBalance, err error) {
	defer func() { w.finish(ctx, "split", err) }()
	total, err := w.checkSplit(balances)
	if err != nil {
		return nil, err
	}

	w.fundMu.Lock()
	defer w.fundMu.Unlock()

	release, acct, err := w.lease(ctx, sender)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := account.CheckSpendable(acct); err != nil {
		return nil, err
	}
	if out, busy := w.Outstanding(sender); busy {
		return nil, errs.New(component, errs.CodeAccountNotReady,
			errs.WithMessage("account backs an outstanding request"),
			errs.WithIndex(sender),
			errs.WithField("request_id", out.RequestID))
	}
	if total > acct.Balance {
		return nil, splitError("balances exceed sender balance",
			errs.WithIndex(sender),
			errs.WithField("balance", strconv.FormatUint(acct.Balance, 10)),
			errs.WithField("total", strconv.FormatUint(total, 10)))
	}

	outputs := make([]chain.Output, 0, len(balances))
	created = make([]AccountBalance, 0, len(balances))
	for _, amount := range balances {
		index, address, err := w.pool.Allocate()
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, chain.Output{Address: address, Amount: amount})
		created = append(created, AccountBalance{Index: index, Address: address, Balance: amount})
	}

	tx, err := w.ledger.Transfer(ctx, acct.Address, outputs)
	if err != nil {
		return nil, rejected("split", sender, err)
	}
	if !tx.OK() {
		return nil, txRejected("split", sender, tx)
	}

	touched := make([]uint64, 0, len(created)+1)
	for _, c := range created {
		if err := w.pool.Insert(account.Account{
			Index:   c.Index,
			Address: c.Address,
			Balance: c.Balance,
			IOType:  account.IOTypeCoin,
			OnChain: true,
		}); err != nil {
			return nil, err
		}
		touched = append(touched, c.Index)
	}
	remainder := acct.Balance - total
	if _, err := w.pool.Update(sender, func(a *account.Account) error {
		a.Balance = remainder
		if remainder == 0 {
			a.OnChain = false
		}
		return nil
	}); err != nil {
		return nil, err
	}
	w.logger.Info("account split",
		observability.F("sender", sender),
		observability.F("outputs", len(created)),
		observability.F("remainder", remainder),
		observability.F("tx", tx.Hash))

	refresh := append([]AccountBalance(nil), created...)
	if remainder == 0 {
		w.dropUtxo(sender)
	} else {
		refresh = append(refresh, AccountBalance{Index: sender, Address: acct.Address, Balance: remainder})
	}
	fetchErr := w.refreshCoin(ctx, refresh)
	return created, errors.Join(fetchErr, w.persist(ctx, append(touched, sender)...))
}

func (w *Wallet) checkSplit(balances []uint64) (uint64, error) {
	if len(balances) == 0 {
		return 0, splitError("at least one balance required")
	}
	if len(balances) > w.maxSplit {
		return 0, splitError("too many split outputs",
			errs.WithField("outputs", strconv.Itoa(len(balances))),
			errs.WithField("max", strconv.Itoa(w.maxSplit)))
	}
	var total uint64
	for i, b := range balances {
		if b == 0 {
			return 0, splitError("split balances must be greater than zero",
				errs.WithField("position", strconv.Itoa(i)))
		}
		if total+b < total {
			return 0, splitError("split total overflows")
		}
		total += b
	}
	return total, nil
}

// refreshCoin reads the Coin outputs of accounts concurrently.
func (w *Wallet) refreshCoin(ctx context.Context, accounts []AccountBalance) error {
	p := pool.New().WithContext(ctx).WithMaxGoroutines(len(accounts) + 1)
	for _, a := range accounts {
		p.Go(func(ctx context.Context) error {
			_, err := w.fetchUtxo(ctx, a.Index, a.Address, account.IOTypeCoin)
			return err
		})
	}
	return p.Wait()
}

func splitError(msg string, opts ...errs.Option) error {
	return errs.New(component, errs.CodeInvalidSplit, append([]errs.Option{errs.WithMessage(msg)}, opts...)...)
}
