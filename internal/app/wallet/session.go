package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/zkwallet/errs"
	"github.com/coachpo/zkwallet/internal/domain/account"
	"github.com/coachpo/zkwallet/internal/domain/chain"
	"github.com/coachpo/zkwallet/internal/domain/order"
	"github.com/coachpo/zkwallet/internal/domain/walletstore"
	"github.com/coachpo/zkwallet/internal/observability"
	"github.com/coachpo/zkwallet/internal/security"
)

const closeFanout = 8

// Close writes every account record to the store one final time. It is a
// no-op when persistence is off and leaves the store open.
func (w *Wallet) Close(ctx context.Context) error {
	st := w.syncState()
	if st == nil {
		return nil
	}
	accounts := w.pool.List()
	if len(accounts) == 0 {
		return w.persist(ctx)
	}
	failures := make([]error, len(accounts))
	p := pool.New().WithMaxGoroutines(closeFanout)
	for i, a := range accounts {
		p.Go(func() {
			failures[i] = w.persist(ctx, a.Index)
		})
	}
	p.Wait()
	if err := observability.AggregateErrors("wallet flush", failures,
		observability.F("wallet_id", st.walletID),
		observability.F("accounts", len(accounts))); err != nil {
		return err
	}
	w.logger.Info("wallet state flushed",
		observability.F("wallet_id", st.walletID),
		observability.F("accounts", len(accounts)))
	return nil
}

// Session runs fn and closes w afterwards whether fn returns, fails, panics
// or ctx is cancelled. The final flush runs on a context detached from ctx's
// cancellation. A panic from fn is re-raised after the flush.
func Session(ctx context.Context, w *Wallet, fn func(context.Context, *Wallet) error) (err error) {
	defer func() {
		closeErr := w.Close(context.WithoutCancel(ctx))
		if r := recover(); r != nil {
			if closeErr != nil {
				w.logger.Error("flush after panic", observability.F("error", closeErr))
			}
			panic(r)
		}
		err = errors.Join(err, closeErr)
	}()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx, w)
}

// LoadOptions select the stored wallet to resume. An empty WalletID uses the
// base wallet address.
type LoadOptions struct {
	WalletID   string
	Passphrase string
	Source     security.PassphraseSource
	Sealer     *security.Sealer
}

// Load unseals a stored wallet and restores its accounts, next index, output
// snapshots and outstanding requests. Persistence stays enabled on the result.
func Load(ctx context.Context, store walletstore.Store, opts LoadOptions, deps Deps, options ...Option) (*Wallet, error) {
	if store == nil {
		return nil, errs.New(component, errs.CodeInvalidParameter, errs.WithMessage("wallet store required"))
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	walletID := strings.TrimSpace(opts.WalletID)
	if walletID == "" {
		walletID = deps.Ledger.BaseAddress()
	}
	snap, err := store.Load(ctx, walletID)
	if err != nil {
		if errors.Is(err, walletstore.ErrNotFound) {
			return nil, errs.New(component, errs.CodeNotFound,
				errs.WithMessage("wallet not stored"),
				errs.WithField("wallet_id", walletID))
		}
		return nil, persistenceError("load wallet", err)
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
	sealed := security.Sealed{Ciphertext: snap.Seed.Ciphertext, Salt: snap.Seed.Salt, Nonce: snap.Seed.Nonce}
	seed, err := sealer.Open(sealed, passphrase)
	if err != nil {
		if errors.Is(err, security.ErrWrongPassphrase) {
			return nil, errs.New(component, errs.CodeInvalidParameter,
				errs.WithMessage("passphrase does not unseal wallet"),
				errs.WithField("wallet_id", walletID))
		}
		return nil, fmt.Errorf("wallet: open seed: %w", err)
	}

	options = append(options[:len(options):len(options)], WithChainID(snap.Seed.ChainID))
	w, err := New(seed, deps, options...)
	if err != nil {
		return nil, err
	}
	if err := w.restore(snap, deps.Deriver); err != nil {
		return nil, err
	}
	w.synced = &syncState{store: store, walletID: walletID, sealed: sealed, created: snap.Seed.CreatedAt}
	w.logger.Info("wallet loaded",
		observability.F("wallet_id", walletID),
		observability.F("accounts", len(snap.Accounts)),
		observability.F("outstanding", len(snap.Requests)),
		observability.F("next_index", w.pool.NextIndex()))
	return w, nil
}

func (w *Wallet) restore(snap walletstore.Snapshot, deriver account.Deriver) error {
	accounts := make([]account.Account, 0, len(snap.Accounts))
	for _, rec := range snap.Accounts {
		io, err := account.ParseIOType(rec.IOType)
		if err != nil {
			return corrupt(rec.Index, err)
		}
		derived, err := deriver.Derive(w.seed, rec.Index)
		if err != nil {
			return corrupt(rec.Index, err)
		}
		if derived != rec.Address {
			return corrupt(rec.Index, fmt.Errorf("stored address %s does not match derived %s", rec.Address, derived))
		}
		accounts = append(accounts, account.Account{
			Index:           rec.Index,
			Address:         rec.Address,
			Balance:         rec.Balance,
			IOType:          io,
			OnChain:         rec.OnChain,
			PendingRotation: rec.PendingRotation,
			UpdatedAt:       rec.UpdatedAt,
		})
	}
	w.pool.Restore(accounts, snap.Seed.NextIndex)

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, rec := range snap.Utxos {
		w.utxos[rec.Index] = chain.Utxo{
			Address:   rec.Address,
			IOType:    rec.IOType,
			OutputID:  rec.OutputID,
			Payload:   rec.Payload,
			FetchedAt: rec.FetchedAt,
		}
	}
	for _, rec := range snap.Requests {
		product, err := order.ParseProduct(rec.Product)
		if err != nil {
			return corrupt(rec.Index, err)
		}
		out := order.Outstanding{
			RequestID: rec.RequestID,
			Product:   product,
			Status:    rec.Status,
			Margin:    rec.Margin,
		}
		if rec.Kind != "" {
			if out.Kind, err = order.ParseKind(rec.Kind); err != nil {
				return corrupt(rec.Index, err)
			}
		}
		w.outstanding[rec.Index] = out
	}
	return nil
}

func corrupt(index uint64, err error) error {
	return errs.New(component, errs.CodePersistence,
		errs.WithMessage("stored wallet record is invalid"),
		errs.WithIndex(index),
		errs.WithCause(err))
}
