package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coachpo/zkwallet/errs"
	"github.com/coachpo/zkwallet/internal/domain/walletstore"
	"github.com/coachpo/zkwallet/internal/observability"
	"github.com/coachpo/zkwallet/internal/security"
)

// PersistOptions configure EnablePersistence. An empty WalletID uses the base
// wallet address. The passphrase is resolved through Source when empty.
type PersistOptions struct {
	WalletID   string
	Passphrase string
	Source     security.PassphraseSource
	Sealer     *security.Sealer
}

type syncState struct {
	store    walletstore.Store
	walletID string
	sealed   security.Sealed
	created  time.Time
}

func (s *syncState) seedRecord(chainID string, next uint64, now time.Time) walletstore.SealedSeed {
	return walletstore.SealedSeed{
		WalletID:   s.walletID,
		Ciphertext: s.sealed.Ciphertext,
		Salt:       s.sealed.Salt,
		Nonce:      s.sealed.Nonce,
		ChainID:    chainID,
		NextIndex:  next,
		CreatedAt:  s.created,
		UpdatedAt:  now,
	}
}

// EnablePersistence seals the seed into store under a new wallet id and
// pushes every account record. From then on each state change is mirrored to
// the store.
func (w *Wallet) EnablePersistence(ctx context.Context, store walletstore.Store, opts PersistOptions) error {
	if store == nil {
		return errs.New(component, errs.CodeInvalidParameter, errs.WithMessage("wallet store required"))
	}
	walletID := strings.TrimSpace(opts.WalletID)
	if walletID == "" {
		walletID = w.ledger.BaseAddress()
	}

	w.syncMu.Lock()
	if w.synced != nil {
		w.syncMu.Unlock()
		return errs.New(component, errs.CodeConflict,
			errs.WithMessage("persistence already enabled"),
			errs.WithField("wallet_id", w.synced.walletID))
	}
	st, err := w.createWallet(ctx, store, walletID, opts)
	if err != nil {
		w.syncMu.Unlock()
		return err
	}
	w.synced = st
	w.syncMu.Unlock()

	w.logger.Info("wallet persistence enabled",
		observability.F("wallet_id", walletID),
		observability.F("backend", store.Backend()))
	indices := make([]uint64, 0, w.pool.Len())
	for _, a := range w.pool.List() {
		indices = append(indices, a.Index)
	}
	return w.persist(ctx, indices...)
}

func (w *Wallet) createWallet(ctx context.Context, store walletstore.Store, walletID string, opts PersistOptions) (*syncState, error) {
	exists, err := store.WalletExists(ctx, walletID)
	if err != nil {
		return nil, persistenceError("check wallet id", err)
	}
	if exists {
		return nil, duplicateWallet(walletID)
	}
	passphrase, err := opts.Source.Resolve(opts.Passphrase)
	if err != nil {
		return nil, errs.New(component, errs.CodeInvalidParameter,
			errs.WithMessage("passphrase unavailable"), errs.WithCause(err))
	}
	sealer := opts.Sealer
	if sealer == nil {
		sealer = security.NewSealer()
	}
	sealed, err := sealer.Seal(w.seed, passphrase)
	if err != nil {
		return nil, fmt.Errorf("wallet: seal seed: %w", err)
	}

	now := w.clock()
	st := &syncState{store: store, walletID: walletID, sealed: sealed, created: now}
	if err := store.CreateWallet(ctx, st.seedRecord(w.chainID, w.pool.NextIndex(), now)); err != nil {
		if errors.Is(err, walletstore.ErrExists) {
			return nil, duplicateWallet(walletID)
		}
		return nil, persistenceError("create wallet", err)
	}
	return st, nil
}

// WalletID reports the id the wallet persists under, or "" when persistence is off.
func (w *Wallet) WalletID() string {
	if st := w.syncState(); st != nil {
		return st.walletID
	}
	return ""
}

func (w *Wallet) syncState() *syncState {
	w.syncMu.RLock()
	defer w.syncMu.RUnlock()
	return w.synced
}

// persist upserts the seed record and the records of indices in one
// transaction. Snapshot and request records absent from memory are deleted.
// Memory is never rolled back on failure.
func (w *Wallet) persist(ctx context.Context, indices ...uint64) error {
	st := w.syncState()
	if st == nil {
		return nil
	}
	now := w.clock()
	kind := "seed"
	err := st.store.WithTransaction(ctx, func(ctx context.Context, tx walletstore.Tx) error {
		if err := tx.UpsertSeed(ctx, st.seedRecord(w.chainID, w.pool.NextIndex(), now)); err != nil {
			return err
		}
		for _, index := range indices {
			var err error
			if kind, err = w.writeIndex(ctx, tx, st.walletID, index, now); err != nil {
				return err
			}
		}
		kind = "commit"
		return nil
	})
	if err == nil {
		return nil
	}
	w.metrics.RecordPersistenceFailure(ctx, st.store.Backend(), kind)
	w.logger.Error("persist wallet state",
		observability.F("wallet_id", st.walletID),
		observability.F("record", kind),
		observability.F("error", err))
	return errs.New(component, errs.CodePersistence,
		errs.WithMessage("wallet state not persisted"),
		errs.WithField("record", kind),
		errs.WithCause(err))
}

// writeIndex writes every record of one account and reports the kind of the
// record that failed.
func (w *Wallet) writeIndex(ctx context.Context, tx walletstore.Tx, walletID string, index uint64, now time.Time) (string, error) {
	acct, err := w.pool.Get(index)
	if err != nil {
		return "account", err
	}
	if err := tx.UpsertAccount(ctx, walletstore.AccountRecord{
		WalletID:        walletID,
		Index:           acct.Index,
		Address:         acct.Address,
		Balance:         acct.Balance,
		IOType:          acct.IOType.String(),
		OnChain:         acct.OnChain,
		PendingRotation: acct.PendingRotation,
		UpdatedAt:       acct.UpdatedAt,
	}); err != nil {
		return "account", err
	}

	if u, ok := w.Utxo(index); ok {
		err = tx.UpsertUtxo(ctx, walletstore.UtxoRecord{
			WalletID:  walletID,
			Index:     index,
			Address:   u.Address,
			IOType:    u.IOType,
			OutputID:  u.OutputID,
			Payload:   u.Payload,
			FetchedAt: u.FetchedAt,
		})
	} else {
		err = tx.DeleteUtxo(ctx, walletID, index)
	}
	if err != nil {
		return "utxo", err
	}

	if out, ok := w.Outstanding(index); ok {
		err = tx.UpsertRequest(ctx, walletstore.RequestRecord{
			WalletID:  walletID,
			Index:     index,
			RequestID: out.RequestID,
			Product:   string(out.Product),
			Kind:      string(out.Kind),
			Status:    out.Status,
			Margin:    out.Margin,
			UpdatedAt: now,
		})
	} else {
		err = tx.DeleteRequest(ctx, walletID, index)
	}
	if err != nil {
		return "request", err
	}
	return "", nil
}

func persistenceError(msg string, err error) error {
	return errs.New(component, errs.CodePersistence, errs.WithMessage(msg), errs.WithCause(err))
}

func duplicateWallet(walletID string) error {
	return errs.New(component, errs.CodeConflict,
		errs.WithMessage("wallet id already stored"),
		errs.WithField("wallet_id", walletID),
		errs.WithRemediation("choose another wallet id or load the stored wallet"))
}
