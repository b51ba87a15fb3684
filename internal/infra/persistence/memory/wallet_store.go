// Package memory provides an in-process wallet store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/coachpo/zkwallet/internal/domain/walletstore"
)

// WalletStore keeps wallet records in memory. It satisfies walletstore.Store
// and is safe for concurrent use.
type WalletStore struct {
	mu      sync.RWMutex
	wallets map[string]*walletRecords
	failure error
}

type walletRecords struct {
	seed     walletstore.SealedSeed
	accounts map[uint64]walletstore.AccountRecord
	utxos    map[uint64]walletstore.UtxoRecord
	requests map[uint64]walletstore.RequestRecord
}

// NewWalletStore constructs an empty memory store.
func NewWalletStore() *WalletStore {
	return &WalletStore{wallets: make(map[string]*walletRecords)}
}

// SetFailure makes every subsequent write fail with err until cleared with nil.
func (s *WalletStore) SetFailure(err error) {
	s.mu.Lock()
	s.failure = err
	s.mu.Unlock()
}

// Backend implements walletstore.Store.
func (s *WalletStore) Backend() string { return "memory" }

// Close implements walletstore.Store.
func (s *WalletStore) Close() error { return nil }

// CreateWallet implements walletstore.Store.
func (s *WalletStore) CreateWallet(ctx context.Context, seed walletstore.SealedSeed) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memory store create wallet context: %w", err)
	}
	id := strings.TrimSpace(seed.WalletID)
	if id == "" {
		return fmt.Errorf("memory store: wallet id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}
	if _, ok := s.wallets[id]; ok {
		return walletstore.ErrExists
	}
	s.wallets[id] = newWalletRecords(cloneSeed(seed))
	return nil
}

// WalletExists implements walletstore.Store.
func (s *WalletStore) WalletExists(_ context.Context, walletID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.wallets[strings.TrimSpace(walletID)]
	return ok, nil
}

// ListWallets implements walletstore.Store.
func (s *WalletStore) ListWallets(context.Context) ([]string, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.wallets))
	for id := range s.wallets {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids, nil
}

// Load implements walletstore.Store.
func (s *WalletStore) Load(ctx context.Context, walletID string) (walletstore.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return walletstore.Snapshot{}, fmt.Errorf("memory store load context: %w", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[strings.TrimSpace(walletID)]
	if !ok {
		return walletstore.Snapshot{}, walletstore.ErrNotFound
	}
	snap := walletstore.Snapshot{Seed: cloneSeed(w.seed)}
	for _, rec := range w.accounts {
		snap.Accounts = append(snap.Accounts, rec)
	}
	for _, rec := range w.utxos {
		rec.Payload = append([]byte(nil), rec.Payload...)
		snap.Utxos = append(snap.Utxos, rec)
	}
	for _, rec := range w.requests {
		snap.Requests = append(snap.Requests, rec)
	}
	sort.Slice(snap.Accounts, func(i, j int) bool { return snap.Accounts[i].Index < snap.Accounts[j].Index })
	sort.Slice(snap.Utxos, func(i, j int) bool { return snap.Utxos[i].Index < snap.Utxos[j].Index })
	sort.Slice(snap.Requests, func(i, j int) bool { return snap.Requests[i].Index < snap.Requests[j].Index })
	return snap, nil
}

// UpsertSeed implements walletstore.Tx.
func (s *WalletStore) UpsertSeed(ctx context.Context, seed walletstore.SealedSeed) error {
	return s.apply(ctx, upsertSeed(seed))
}

// UpsertAccount implements walletstore.Tx.
func (s *WalletStore) UpsertAccount(ctx context.Context, record walletstore.AccountRecord) error {
	return s.apply(ctx, upsertAccount(record))
}

// UpsertUtxo implements walletstore.Tx.
func (s *WalletStore) UpsertUtxo(ctx context.Context, record walletstore.UtxoRecord) error {
	return s.apply(ctx, upsertUtxo(record))
}

// DeleteUtxo implements walletstore.Tx.
func (s *WalletStore) DeleteUtxo(ctx context.Context, walletID string, index uint64) error {
	return s.apply(ctx, deleteUtxo(walletID, index))
}

// UpsertRequest implements walletstore.Tx.
func (s *WalletStore) UpsertRequest(ctx context.Context, record walletstore.RequestRecord) error {
	return s.apply(ctx, upsertRequest(record))
}

// DeleteRequest implements walletstore.Tx.
func (s *WalletStore) DeleteRequest(ctx context.Context, walletID string, index uint64) error {
	return s.apply(ctx, deleteRequest(walletID, index))
}

// WithTransaction buffers the callback's writes and applies them together
// only when fn returns nil.
func (s *WalletStore) WithTransaction(ctx context.Context, fn func(context.Context, walletstore.Tx) error) error {
	if fn == nil {
		return fmt.Errorf("memory store: transaction callback required")
	}
	tx := &bufferedTx{}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return s.apply(ctx, tx.ops...)
}

type mutation func(map[string]*walletRecords) error

func (s *WalletStore) apply(ctx context.Context, ops ...mutation) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memory store write context: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}
	// ops run against a staged copy; a failing op leaves the store untouched
	staged := make(map[string]*walletRecords, len(s.wallets))
	for id, w := range s.wallets {
		staged[id] = w.clone()
	}
	for _, op := range ops {
		if err := op(staged); err != nil {
			return err
		}
	}
	s.wallets = staged
	return nil
}

type bufferedTx struct {
	ops []mutation
}

func (t *bufferedTx) UpsertSeed(_ context.Context, seed walletstore.SealedSeed) error {
	t.ops = append(t.ops, upsertSeed(seed))
	return nil
}

func (t *bufferedTx) UpsertAccount(_ context.Context, record walletstore.AccountRecord) error {
	t.ops = append(t.ops, upsertAccount(record))
	return nil
}

func (t *bufferedTx) UpsertUtxo(_ context.Context, record walletstore.UtxoRecord) error {
	t.ops = append(t.ops, upsertUtxo(record))
	return nil
}

func (t *bufferedTx) DeleteUtxo(_ context.Context, walletID string, index uint64) error {
	t.ops = append(t.ops, deleteUtxo(walletID, index))
	return nil
}

func (t *bufferedTx) UpsertRequest(_ context.Context, record walletstore.RequestRecord) error {
	t.ops = append(t.ops, upsertRequest(record))
	return nil
}

func (t *bufferedTx) DeleteRequest(_ context.Context, walletID string, index uint64) error {
	t.ops = append(t.ops, deleteRequest(walletID, index))
	return nil
}

func upsertSeed(seed walletstore.SealedSeed) mutation {
	seed = cloneSeed(seed)
	return func(m map[string]*walletRecords) error {
		id := strings.TrimSpace(seed.WalletID)
		if id == "" {
			return fmt.Errorf("memory store: wallet id required")
		}
		if w, ok := m[id]; ok {
			if seed.NextIndex < w.seed.NextIndex {
				seed.NextIndex = w.seed.NextIndex
			}
			w.seed = seed
			return nil
		}
		m[id] = newWalletRecords(seed)
		return nil
	}
}

func upsertAccount(record walletstore.AccountRecord) mutation {
	return func(m map[string]*walletRecords) error {
		w, err := wallet(m, record.WalletID)
		if err != nil {
			return err
		}
		w.accounts[record.Index] = record
		return nil
	}
}

func upsertUtxo(record walletstore.UtxoRecord) mutation {
	record.Payload = append([]byte(nil), record.Payload...)
	return func(m map[string]*walletRecords) error {
		w, err := wallet(m, record.WalletID)
		if err != nil {
			return err
		}
		w.utxos[record.Index] = record
		return nil
	}
}

func deleteUtxo(walletID string, index uint64) mutation {
	return func(m map[string]*walletRecords) error {
		w, err := wallet(m, walletID)
		if err != nil {
			return err
		}
		delete(w.utxos, index)
		return nil
	}
}

func upsertRequest(record walletstore.RequestRecord) mutation {
	return func(m map[string]*walletRecords) error {
		w, err := wallet(m, record.WalletID)
		if err != nil {
			return err
		}
		w.requests[record.Index] = record
		return nil
	}
}

func deleteRequest(walletID string, index uint64) mutation {
	return func(m map[string]*walletRecords) error {
		w, err := wallet(m, walletID)
		if err != nil {
			return err
		}
		delete(w.requests, index)
		return nil
	}
}

func wallet(m map[string]*walletRecords, walletID string) (*walletRecords, error) {
	w, ok := m[strings.TrimSpace(walletID)]
	if !ok {
		return nil, fmt.Errorf("memory store: wallet %q: %w", walletID, walletstore.ErrNotFound)
	}
	return w, nil
}

func newWalletRecords(seed walletstore.SealedSeed) *walletRecords {
	return &walletRecords{
		seed:     seed,
		accounts: make(map[uint64]walletstore.AccountRecord),
		utxos:    make(map[uint64]walletstore.UtxoRecord),
		requests: make(map[uint64]walletstore.RequestRecord),
	}
}

func (w *walletRecords) clone() *walletRecords {
	out := newWalletRecords(w.seed)
	for k, v := range w.accounts {
		out.accounts[k] = v
	}
	for k, v := range w.utxos {
		out.utxos[k] = v
	}
	for k, v := range w.requests {
		out.requests[k] = v
	}
	return out
}

func cloneSeed(seed walletstore.SealedSeed) walletstore.SealedSeed {
	seed.WalletID = strings.TrimSpace(seed.WalletID)
	seed.Ciphertext = append([]byte(nil), seed.Ciphertext...)
	seed.Salt = append([]byte(nil), seed.Salt...)
	seed.Nonce = append([]byte(nil), seed.Nonce...)
	return seed
}
