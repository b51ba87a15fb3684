package wallet

import (
	"context"
	"strings"

	"github.com/coachpo/zkwallet/errs"
	"github.com/coachpo/zkwallet/internal/domain/account"
	"github.com/coachpo/zkwallet/internal/domain/chain"
	"github.com/coachpo/zkwallet/internal/domain/order"
	"github.com/coachpo/zkwallet/internal/infra/retry"
)

// fetchUtxo reads the output at address with the given io type and caches it
// as the snapshot for index.
func (w *Wallet) fetchUtxo(ctx context.Context, index uint64, address string, io account.IOType) (chain.Utxo, error) {
	name := "utxo_" + strings.ToLower(io.String())
	utxo, err := retry.Do(ctx, w.policy, name, w.observer(), func(ctx context.Context) (chain.Utxo, error) {
		return w.ledger.Utxo(ctx, address, io.String())
	})
	if err != nil {
		return chain.Utxo{}, err
	}
	w.setUtxo(index, utxo)
	return utxo, nil
}

// memoUtxo returns the cached Memo snapshot for index, fetching it when the
// cache is empty or holds a Coin output.
func (w *Wallet) memoUtxo(ctx context.Context, acct account.Account) (chain.Utxo, error) {
	if u, ok := w.Utxo(acct.Index); ok && strings.EqualFold(u.IOType, account.IOTypeMemo.String()) {
		return u, nil
	}
	return w.fetchUtxo(ctx, acct.Index, acct.Address, account.IOTypeMemo)
}

// fetchTxHash returns the most recent transaction hash recorded for
// requestID, preferring the later lifecycle stage on equal timestamps. An
// empty result counts as a failed attempt.
func (w *Wallet) fetchTxHash(ctx context.Context, requestID string) (order.TxHash, error) {
	return retry.Do(ctx, w.policy, "tx_hash", w.observer(), func(ctx context.Context) (order.TxHash, error) {
		hashes, err := w.relayer.TransactionHashes(ctx, requestID)
		if err != nil {
			if errs.IsCode(err, errs.CodeProtocol) {
				return order.TxHash{}, retry.Permanent(err)
			}
			return order.TxHash{}, err
		}
		if len(hashes) == 0 {
			return order.TxHash{}, retry.ErrNotYet
		}
		latest := hashes[0]
		for _, h := range hashes[1:] {
			if h.Newer(latest) {
				latest = h
			}
		}
		return latest, nil
	})
}

// confirmTrader resolves the confirmed trader status of requestID.
func (w *Wallet) confirmTrader(ctx context.Context, requestID string) (order.TxHash, order.TraderStatus, error) {
	hash, err := w.fetchTxHash(ctx, requestID)
	if err != nil {
		return order.TxHash{}, "", err
	}
	status, err := order.ParseTraderStatus(hash.Status)
	if err != nil {
		return order.TxHash{}, "", err
	}
	return hash, status, nil
}

// confirmLend resolves the confirmed lend status of requestID.
func (w *Wallet) confirmLend(ctx context.Context, requestID string) (order.TxHash, order.LendStatus, error) {
	hash, err := w.fetchTxHash(ctx, requestID)
	if err != nil {
		return order.TxHash{}, "", err
	}
	status, err := order.ParseLendStatus(hash.Status)
	if err != nil {
		return order.TxHash{}, "", err
	}
	return hash, status, nil
}
