// Package postgres provides the PostgreSQL-backed wallet store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/zkwallet/internal/domain/walletstore"
)

// WalletStore persists wallet records in PostgreSQL.
type WalletStore struct {
	pool *pgxpool.Pool
}

// NewWalletStore constructs a WalletStore backed by the provided pool.
func NewWalletStore(pool *pgxpool.Pool) *WalletStore {
	return &WalletStore{pool: pool}
}

const uniqueViolation = "23505"

const (
	seedInsertSQL = `
INSERT INTO wallets (wallet_id, ciphertext, salt, nonce, chain_id, next_index, created_at, updated_at)
VALUES (@wallet_id, @ciphertext, @salt, @nonce, @chain_id, @next_index, COALESCE(@created_at, NOW()), NOW());
`

	seedUpsertSQL = `
INSERT INTO wallets (wallet_id, ciphertext, salt, nonce, chain_id, next_index, created_at, updated_at)
VALUES (@wallet_id, @ciphertext, @salt, @nonce, @chain_id, @next_index, COALESCE(@created_at, NOW()), NOW())
ON CONFLICT (wallet_id) DO UPDATE SET
    ciphertext = EXCLUDED.ciphertext,
    salt = EXCLUDED.salt,
    nonce = EXCLUDED.nonce,
    chain_id = EXCLUDED.chain_id,
    next_index = GREATEST(wallets.next_index, EXCLUDED.next_index),
    updated_at = NOW();
`

	accountUpsertSQL = `
INSERT INTO wallet_accounts (wallet_id, account_index, address, balance, io_type, on_chain, pending_rotation, updated_at)
VALUES (@wallet_id, @account_index, @address, @balance::numeric, @io_type, @on_chain, @pending_rotation, @updated_at)
ON CONFLICT (wallet_id, account_index) DO UPDATE SET
    address = EXCLUDED.address,
    balance = EXCLUDED.balance,
    io_type = EXCLUDED.io_type,
    on_chain = EXCLUDED.on_chain,
    pending_rotation = EXCLUDED.pending_rotation,
    updated_at = EXCLUDED.updated_at;
`

	utxoUpsertSQL = `
INSERT INTO wallet_utxos (wallet_id, account_index, address, io_type, output_id, payload, fetched_at)
VALUES (@wallet_id, @account_index, @address, @io_type, @output_id, @payload, @fetched_at)
ON CONFLICT (wallet_id, account_index) DO UPDATE SET
    address = EXCLUDED.address,
    io_type = EXCLUDED.io_type,
    output_id = EXCLUDED.output_id,
    payload = EXCLUDED.payload,
    fetched_at = EXCLUDED.fetched_at;
`

	requestUpsertSQL = `
INSERT INTO wallet_requests (wallet_id, account_index, request_id, product, kind, status, margin, updated_at)
VALUES (@wallet_id, @account_index, @request_id, @product, @kind, @status, @margin::numeric, @updated_at)
ON CONFLICT (wallet_id, account_index) DO UPDATE SET
    request_id = EXCLUDED.request_id,
    product = EXCLUDED.product,
    kind = EXCLUDED.kind,
    status = EXCLUDED.status,
    margin = EXCLUDED.margin,
    updated_at = EXCLUDED.updated_at;
`

	utxoDeleteSQL    = `DELETE FROM wallet_utxos WHERE wallet_id = @wallet_id AND account_index = @account_index;`
	requestDeleteSQL = `DELETE FROM wallet_requests WHERE wallet_id = @wallet_id AND account_index = @account_index;`
	walletExistsSQL  = `SELECT EXISTS (SELECT 1 FROM wallets WHERE wallet_id = $1);`
	walletListSQL    = `SELECT wallet_id FROM wallets ORDER BY wallet_id;`

	seedSelectSQL = `
SELECT wallet_id, ciphertext, salt, nonce, chain_id, next_index, created_at, updated_at
FROM wallets WHERE wallet_id = $1;
`
	accountSelectSQL = `
SELECT account_index, address, balance::text, io_type, on_chain, pending_rotation, updated_at
FROM wallet_accounts WHERE wallet_id = $1 ORDER BY account_index;
`
	utxoSelectSQL = `
SELECT account_index, address, io_type, output_id, payload, fetched_at
FROM wallet_utxos WHERE wallet_id = $1 ORDER BY account_index;
`
	requestSelectSQL = `
SELECT account_index, request_id, product, kind, status, margin::text, updated_at
FROM wallet_requests WHERE wallet_id = $1 ORDER BY account_index;
`
)

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

type walletTx struct {
	tx pgx.Tx
}

func (s *WalletStore) ensurePool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("wallet store: nil pool")
	}
	return s.pool, nil
}

// Backend implements walletstore.Store.
func (s *WalletStore) Backend() string { return "postgres" }

// Close releases the pool.
func (s *WalletStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// CreateWallet implements walletstore.Store.
func (s *WalletStore) CreateWallet(ctx context.Context, seed walletstore.SealedSeed) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	args, err := seedArgs(seed)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, seedInsertSQL, args); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return walletstore.ErrExists
		}
		return fmt.Errorf("wallet store: insert wallet: %w", err)
	}
	return nil
}

// WalletExists implements walletstore.Store.
func (s *WalletStore) WalletExists(ctx context.Context, walletID string) (bool, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return false, err
	}
	var exists bool
	if err := pool.QueryRow(ctx, walletExistsSQL, strings.TrimSpace(walletID)).Scan(&exists); err != nil {
		return false, fmt.Errorf("wallet store: check wallet: %w", err)
	}
	return exists, nil
}

// ListWallets implements walletstore.Store.
func (s *WalletStore) ListWallets(ctx context.Context) ([]string, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, walletListSQL)
	if err != nil {
		return nil, fmt.Errorf("wallet store: list wallets: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("wallet store: scan wallets: %w", err)
	}
	return ids, nil
}

// Load implements walletstore.Store.
func (s *WalletStore) Load(ctx context.Context, walletID string) (walletstore.Snapshot, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return walletstore.Snapshot{}, err
	}
	id := strings.TrimSpace(walletID)

	var (
		snap      walletstore.Snapshot
		nextIndex int64
	)
	err = pool.QueryRow(ctx, seedSelectSQL, id).Scan(
		&snap.Seed.WalletID, &snap.Seed.Ciphertext, &snap.Seed.Salt, &snap.Seed.Nonce,
		&snap.Seed.ChainID, &nextIndex, &snap.Seed.CreatedAt, &snap.Seed.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return walletstore.Snapshot{}, walletstore.ErrNotFound
	}
	if err != nil {
		return walletstore.Snapshot{}, fmt.Errorf("wallet store: load wallet: %w", err)
	}
	snap.Seed.NextIndex = uint64(nextIndex)

	rows, err := pool.Query(ctx, accountSelectSQL, id)
	if err != nil {
		return walletstore.Snapshot{}, fmt.Errorf("wallet store: load accounts: %w", err)
	}
	snap.Accounts, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (walletstore.AccountRecord, error) {
		var (
			rec     walletstore.AccountRecord
			index   int64
			balance string
		)
		if err := row.Scan(&index, &rec.Address, &balance, &rec.IOType, &rec.OnChain, &rec.PendingRotation, &rec.UpdatedAt); err != nil {
			return rec, err
		}
		parsed, err := amountFromText(balance)
		if err != nil {
			return rec, fmt.Errorf("account %d balance: %w", index, err)
		}
		rec.WalletID, rec.Index, rec.Balance = id, uint64(index), parsed
		return rec, nil
	})
	if err != nil {
		return walletstore.Snapshot{}, fmt.Errorf("wallet store: scan accounts: %w", err)
	}

	rows, err = pool.Query(ctx, utxoSelectSQL, id)
	if err != nil {
		return walletstore.Snapshot{}, fmt.Errorf("wallet store: load utxos: %w", err)
	}
	snap.Utxos, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (walletstore.UtxoRecord, error) {
		var (
			rec   walletstore.UtxoRecord
			index int64
		)
		if err := row.Scan(&index, &rec.Address, &rec.IOType, &rec.OutputID, &rec.Payload, &rec.FetchedAt); err != nil {
			return rec, err
		}
		rec.WalletID, rec.Index = id, uint64(index)
		return rec, nil
	})
	if err != nil {
		return walletstore.Snapshot{}, fmt.Errorf("wallet store: scan utxos: %w", err)
	}

	rows, err = pool.Query(ctx, requestSelectSQL, id)
	if err != nil {
		return walletstore.Snapshot{}, fmt.Errorf("wallet store: load requests: %w", err)
	}
	snap.Requests, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (walletstore.RequestRecord, error) {
		var (
			rec    walletstore.RequestRecord
			index  int64
			margin string
		)
		if err := row.Scan(&index, &rec.RequestID, &rec.Product, &rec.Kind, &rec.Status, &margin, &rec.UpdatedAt); err != nil {
			return rec, err
		}
		parsed, err := amountFromText(margin)
		if err != nil {
			return rec, fmt.Errorf("request %d margin: %w", index, err)
		}
		rec.WalletID, rec.Index, rec.Margin = id, uint64(index), parsed
		return rec, nil
	})
	if err != nil {
		return walletstore.Snapshot{}, fmt.Errorf("wallet store: scan requests: %w", err)
	}
	return snap, nil
}

// UpsertSeed implements walletstore.Tx.
func (s *WalletStore) UpsertSeed(ctx context.Context, seed walletstore.SealedSeed) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return upsertSeedWith(ctx, pool, seed)
}

// UpsertAccount implements walletstore.Tx.
func (s *WalletStore) UpsertAccount(ctx context.Context, record walletstore.AccountRecord) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return upsertAccountWith(ctx, pool, record)
}

// UpsertUtxo implements walletstore.Tx.
func (s *WalletStore) UpsertUtxo(ctx context.Context, record walletstore.UtxoRecord) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return upsertUtxoWith(ctx, pool, record)
}

// DeleteUtxo implements walletstore.Tx.
func (s *WalletStore) DeleteUtxo(ctx context.Context, walletID string, index uint64) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return deleteWith(ctx, pool, utxoDeleteSQL, "utxo", walletID, index)
}

// UpsertRequest implements walletstore.Tx.
func (s *WalletStore) UpsertRequest(ctx context.Context, record walletstore.RequestRecord) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return upsertRequestWith(ctx, pool, record)
}

// DeleteRequest implements walletstore.Tx.
func (s *WalletStore) DeleteRequest(ctx context.Context, walletID string, index uint64) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return deleteWith(ctx, pool, requestDeleteSQL, "request", walletID, index)
}

// WithTransaction executes the supplied callback within a database transaction.
func (s *WalletStore) WithTransaction(ctx context.Context, fn func(context.Context, walletstore.Tx) error) error {
	if fn == nil {
		return fmt.Errorf("wallet store: transaction callback required")
	}
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite
	txOptions.DeferrableMode = pgx.NotDeferrable

	tx, err := pool.BeginTx(ctx, txOptions)
	if err != nil {
		return fmt.Errorf("wallet store: begin tx: %w", err)
	}
	if runErr := fn(ctx, &walletTx{tx: tx}); runErr != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("wallet store: rollback tx: %w (original error: %v)", rbErr, runErr)
		}
		return runErr
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("wallet store: commit tx: %w", err)
	}
	return nil
}

func (t *walletTx) UpsertSeed(ctx context.Context, seed walletstore.SealedSeed) error {
	return upsertSeedWith(ctx, t.tx, seed)
}

func (t *walletTx) UpsertAccount(ctx context.Context, record walletstore.AccountRecord) error {
	return upsertAccountWith(ctx, t.tx, record)
}

func (t *walletTx) UpsertUtxo(ctx context.Context, record walletstore.UtxoRecord) error {
	return upsertUtxoWith(ctx, t.tx, record)
}

func (t *walletTx) DeleteUtxo(ctx context.Context, walletID string, index uint64) error {
	return deleteWith(ctx, t.tx, utxoDeleteSQL, "utxo", walletID, index)
}

func (t *walletTx) UpsertRequest(ctx context.Context, record walletstore.RequestRecord) error {
	return upsertRequestWith(ctx, t.tx, record)
}

func (t *walletTx) DeleteRequest(ctx context.Context, walletID string, index uint64) error {
	return deleteWith(ctx, t.tx, requestDeleteSQL, "request", walletID, index)
}

func seedArgs(seed walletstore.SealedSeed) (pgx.NamedArgs, error) {
	id := strings.TrimSpace(seed.WalletID)
	if id == "" {
		return nil, fmt.Errorf("wallet store: wallet id required")
	}
	return pgx.NamedArgs{
		"wallet_id":  id,
		"ciphertext": nonNil(seed.Ciphertext),
		"salt":       nonNil(seed.Salt),
		"nonce":      nonNil(seed.Nonce),
		"chain_id":   seed.ChainID,
		"next_index": int64(seed.NextIndex),
		"created_at": nullableTime(seed.CreatedAt),
	}, nil
}

func upsertSeedWith(ctx context.Context, exec execer, seed walletstore.SealedSeed) error {
	args, err := seedArgs(seed)
	if err != nil {
		return err
	}
	if _, err := exec.Exec(ctx, seedUpsertSQL, args); err != nil {
		return fmt.Errorf("wallet store: upsert wallet: %w", err)
	}
	return nil
}

func upsertAccountWith(ctx context.Context, exec execer, rec walletstore.AccountRecord) error {
	args := pgx.NamedArgs{
		"wallet_id":        strings.TrimSpace(rec.WalletID),
		"account_index":    int64(rec.Index),
		"address":          rec.Address,
		"balance":          numericFromAmount(rec.Balance),
		"io_type":          rec.IOType,
		"on_chain":         rec.OnChain,
		"pending_rotation": rec.PendingRotation,
		"updated_at":       stamp(rec.UpdatedAt),
	}
	if _, err := exec.Exec(ctx, accountUpsertSQL, args); err != nil {
		return fmt.Errorf("wallet store: upsert account %d: %w", rec.Index, err)
	}
	return nil
}

func upsertUtxoWith(ctx context.Context, exec execer, rec walletstore.UtxoRecord) error {
	args := pgx.NamedArgs{
		"wallet_id":     strings.TrimSpace(rec.WalletID),
		"account_index": int64(rec.Index),
		"address":       rec.Address,
		"io_type":       rec.IOType,
		"output_id":     rec.OutputID,
		"payload":       nonNil(rec.Payload),
		"fetched_at":    stamp(rec.FetchedAt),
	}
	if _, err := exec.Exec(ctx, utxoUpsertSQL, args); err != nil {
		return fmt.Errorf("wallet store: upsert utxo %d: %w", rec.Index, err)
	}
	return nil
}

func upsertRequestWith(ctx context.Context, exec execer, rec walletstore.RequestRecord) error {
	args := pgx.NamedArgs{
		"wallet_id":     strings.TrimSpace(rec.WalletID),
		"account_index": int64(rec.Index),
		"request_id":    rec.RequestID,
		"product":       rec.Product,
		"kind":          rec.Kind,
		"status":        rec.Status,
		"margin":        numericFromAmount(rec.Margin),
		"updated_at":    stamp(rec.UpdatedAt),
	}
	if _, err := exec.Exec(ctx, requestUpsertSQL, args); err != nil {
		return fmt.Errorf("wallet store: upsert request %d: %w", rec.Index, err)
	}
	return nil
}

func deleteWith(ctx context.Context, exec execer, query, kind, walletID string, index uint64) error {
	args := pgx.NamedArgs{
		"wallet_id":     strings.TrimSpace(walletID),
		"account_index": int64(index),
	}
	if _, err := exec.Exec(ctx, query, args); err != nil {
		return fmt.Errorf("wallet store: delete %s %d: %w", kind, index, err)
	}
	return nil
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
