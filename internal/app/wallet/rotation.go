package wallet

import (
	"context"
	"errors"

	"github.com/coachpo/zkwallet/errs"
	"github.com/coachpo/zkwallet/internal/domain/account"
	"github.com/coachpo/zkwallet/internal/domain/chain"
	"github.com/coachpo/zkwallet/internal/infra/telemetry"
	"github.com/coachpo/zkwallet/internal/observability"
)

// Rotate moves the whole balance of old to a freshly derived account and
// returns the new index. The old account is left off chain with a zero
// balance. A rejected transfer leaves old unchanged so the call can be retried.
func (w *Wallet) Rotate(ctx context.Context, old uint64) (index uint64, err error) {
	defer func() { w.finish(ctx, "rotate", err) }()
	release, _, err := w.lease(ctx, old)
	if err != nil {
		return 0, err
	}
	defer release()
	return w.rotateLocked(ctx, old)
}

// rotateLocked requires the caller to hold the lease on old. A non-zero index
// means the transfer went through even if err is set.
func (w *Wallet) rotateLocked(ctx context.Context, old uint64) (uint64, error) {
	acct, err := w.pool.Get(old)
	if err != nil {
		return 0, err
	}
	if err := account.CheckRotatable(acct); err != nil {
		return 0, err
	}
	if out, busy := w.Outstanding(old); busy {
		return 0, errs.New(component, errs.CodeAccountNotReady,
			errs.WithMessage("account backs an outstanding request"),
			errs.WithIndex(old),
			errs.WithField("request_id", out.RequestID))
	}

	index, address, err := w.pool.Allocate()
	if err != nil {
		return 0, err
	}
	tx, err := w.ledger.Transfer(ctx, acct.Address, []chain.Output{{Address: address, Amount: acct.Balance}})
	switch {
	case err != nil:
		err = rejected("rotation", old, err)
	case !tx.OK():
		err = txRejected("rotation", old, tx)
	}
	if err != nil {
		w.metrics.RecordRotation(ctx, telemetry.ResultFailure)
		w.logger.Error("rotation rejected",
			observability.F("index", old),
			observability.F("error", err))
		return 0, err
	}

	if err := w.pool.Insert(account.Account{
		Index:   index,
		Address: address,
		Balance: acct.Balance,
		IOType:  account.IOTypeCoin,
		OnChain: true,
	}); err != nil {
		return 0, err
	}
	if _, err := w.pool.Update(old, func(a *account.Account) error {
		a.OnChain = false
		a.Balance = 0
		a.PendingRotation = false
		return nil
	}); err != nil {
		return index, err
	}
	w.dropUtxo(old)
	w.metrics.RecordRotation(ctx, telemetry.ResultSuccess)
	w.logger.Info("account rotated",
		observability.F("from", old),
		observability.F("to", index),
		observability.F("balance", acct.Balance),
		observability.F("tx", tx.Hash))

	_, fetchErr := w.fetchUtxo(ctx, index, address, account.IOTypeCoin)
	return index, errors.Join(fetchErr, w.persist(ctx, old, index))
}
