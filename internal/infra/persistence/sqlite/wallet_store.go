// Package sqlite provides a file-backed wallet store on the pure-Go SQLite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/coachpo/zkwallet/internal/domain/walletstore"
)

// WalletStore persists wallet records in a single SQLite database file.
type WalletStore struct {
	db *sql.DB
}

// DSN builds a modernc.org/sqlite connection string for path with foreign
// keys enforced, WAL journaling and a busy timeout.
func DSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + path + "?" + q.Encode()
}

// Open connects to the database at dsn (a path or a DSN from DSN).
func Open(ctx context.Context, dsn string) (*WalletStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("wallet store: sqlite dsn required")
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = DSN(dsn)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("wallet store: open sqlite: %w", err)
	}
	// one writer at a time keeps SQLITE_BUSY out of the write path
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("wallet store: ping sqlite: %w", err)
	}
	return &WalletStore{db: db}, nil
}

// NewWalletStore wraps an already-open database.
func NewWalletStore(db *sql.DB) *WalletStore {
	return &WalletStore{db: db}
}

const (
	seedInsertSQL = `
INSERT INTO wallets (wallet_id, ciphertext, salt, nonce, chain_id, next_index, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?);
`

	seedUpsertSQL = `
INSERT INTO wallets (wallet_id, ciphertext, salt, nonce, chain_id, next_index, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (wallet_id) DO UPDATE SET
    ciphertext = excluded.ciphertext,
    salt = excluded.salt,
    nonce = excluded.nonce,
    chain_id = excluded.chain_id,
    next_index = MAX(wallets.next_index, excluded.next_index),
    updated_at = excluded.updated_at;
`

	accountUpsertSQL = `
INSERT INTO wallet_accounts (wallet_id, account_index, address, balance, io_type, on_chain, pending_rotation, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (wallet_id, account_index) DO UPDATE SET
    address = excluded.address,
    balance = excluded.balance,
    io_type = excluded.io_type,
    on_chain = excluded.on_chain,
    pending_rotation = excluded.pending_rotation,
    updated_at = excluded.updated_at;
`

	utxoUpsertSQL = `
INSERT INTO wallet_utxos (wallet_id, account_index, address, io_type, output_id, payload, fetched_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (wallet_id, account_index) DO UPDATE SET
    address = excluded.address,
    io_type = excluded.io_type,
    output_id = excluded.output_id,
    payload = excluded.payload,
    fetched_at = excluded.fetched_at;
`

	requestUpsertSQL = `
INSERT INTO wallet_requests (wallet_id, account_index, request_id, product, kind, status, margin, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (wallet_id, account_index) DO UPDATE SET
    request_id = excluded.request_id,
    product = excluded.product,
    kind = excluded.kind,
    status = excluded.status,
    margin = excluded.margin,
    updated_at = excluded.updated_at;
`

	utxoDeleteSQL    = `DELETE FROM wallet_utxos WHERE wallet_id = ? AND account_index = ?;`
	requestDeleteSQL = `DELETE FROM wallet_requests WHERE wallet_id = ? AND account_index = ?;`
	walletExistsSQL  = `SELECT 1 FROM wallets WHERE wallet_id = ?;`
	walletListSQL    = `SELECT wallet_id FROM wallets ORDER BY wallet_id;`

	seedSelectSQL = `
SELECT wallet_id, ciphertext, salt, nonce, chain_id, next_index, created_at, updated_at
FROM wallets WHERE wallet_id = ?;
`
	accountSelectSQL = `
SELECT account_index, address, balance, io_type, on_chain, pending_rotation, updated_at
FROM wallet_accounts WHERE wallet_id = ? ORDER BY account_index;
`
	utxoSelectSQL = `
SELECT account_index, address, io_type, output_id, payload, fetched_at
FROM wallet_utxos WHERE wallet_id = ? ORDER BY account_index;
`
	requestSelectSQL = `
SELECT account_index, request_id, product, kind, status, margin, updated_at
FROM wallet_requests WHERE wallet_id = ? ORDER BY account_index;
`
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *WalletStore) ensureDB() (*sql.DB, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("wallet store: nil sqlite handle")
	}
	return s.db, nil
}

// Backend implements walletstore.Store.
func (s *WalletStore) Backend() string { return "sqlite" }

// Close implements walletstore.Store.
func (s *WalletStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateWallet implements walletstore.Store.
func (s *WalletStore) CreateWallet(ctx context.Context, seed walletstore.SealedSeed) error {
	db, err := s.ensureDB()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("wallet store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, walletExistsSQL, strings.TrimSpace(seed.WalletID)).Scan(&one)
	switch {
	case err == nil:
		return walletstore.ErrExists
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("wallet store: check wallet: %w", err)
	}
	args, err := seedArgs(seed)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, seedInsertSQL, args...); err != nil {
		return fmt.Errorf("wallet store: insert wallet: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("wallet store: commit tx: %w", err)
	}
	return nil
}

// WalletExists implements walletstore.Store.
func (s *WalletStore) WalletExists(ctx context.Context, walletID string) (bool, error) {
	db, err := s.ensureDB()
	if err != nil {
		return false, err
	}
	var one int
	err = db.QueryRowContext(ctx, walletExistsSQL, strings.TrimSpace(walletID)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("wallet store: check wallet: %w", err)
	}
	return true, nil
}

// ListWallets implements walletstore.Store.
func (s *WalletStore) ListWallets(ctx context.Context) ([]string, error) {
	db, err := s.ensureDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, walletListSQL)
	if err != nil {
		return nil, fmt.Errorf("wallet store: list wallets: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("wallet store: scan wallet: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Load implements walletstore.Store.
func (s *WalletStore) Load(ctx context.Context, walletID string) (walletstore.Snapshot, error) {
	db, err := s.ensureDB()
	if err != nil {
		return walletstore.Snapshot{}, err
	}
	id := strings.TrimSpace(walletID)
	var (
		snap               walletstore.Snapshot
		nextIndex          int64
		createdAt, updated int64
	)
	err = db.QueryRowContext(ctx, seedSelectSQL, id).Scan(
		&snap.Seed.WalletID, &snap.Seed.Ciphertext, &snap.Seed.Salt, &snap.Seed.Nonce,
		&snap.Seed.ChainID, &nextIndex, &createdAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return walletstore.Snapshot{}, walletstore.ErrNotFound
	}
	if err != nil {
		return walletstore.Snapshot{}, fmt.Errorf("wallet store: load wallet: %w", err)
	}
	snap.Seed.NextIndex = uint64(nextIndex)
	snap.Seed.CreatedAt = fromNanos(createdAt)
	snap.Seed.UpdatedAt = fromNanos(updated)

	if snap.Accounts, err = s.loadAccounts(ctx, db, id); err != nil {
		return walletstore.Snapshot{}, err
	}
	if snap.Utxos, err = s.loadUtxos(ctx, db, id); err != nil {
		return walletstore.Snapshot{}, err
	}
	if snap.Requests, err = s.loadRequests(ctx, db, id); err != nil {
		return walletstore.Snapshot{}, err
	}
	return snap, nil
}

func (s *WalletStore) loadAccounts(ctx context.Context, db *sql.DB, walletID string) ([]walletstore.AccountRecord, error) {
	rows, err := db.QueryContext(ctx, accountSelectSQL, walletID)
	if err != nil {
		return nil, fmt.Errorf("wallet store: load accounts: %w", err)
	}
	defer rows.Close()
	var out []walletstore.AccountRecord
	for rows.Next() {
		var (
			rec              walletstore.AccountRecord
			index, updatedAt int64
			balance          string
		)
		if err := rows.Scan(&index, &rec.Address, &balance, &rec.IOType, &rec.OnChain, &rec.PendingRotation, &updatedAt); err != nil {
			return nil, fmt.Errorf("wallet store: scan account: %w", err)
		}
		if rec.Balance, err = strconv.ParseUint(balance, 10, 64); err != nil {
			return nil, fmt.Errorf("wallet store: account %d balance: %w", index, err)
		}
		rec.WalletID = walletID
		rec.Index = uint64(index)
		rec.UpdatedAt = fromNanos(updatedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *WalletStore) loadUtxos(ctx context.Context, db *sql.DB, walletID string) ([]walletstore.UtxoRecord, error) {
	rows, err := db.QueryContext(ctx, utxoSelectSQL, walletID)
	if err != nil {
		return nil, fmt.Errorf("wallet store: load utxos: %w", err)
	}
	defer rows.Close()
	var out []walletstore.UtxoRecord
	for rows.Next() {
		var (
			rec              walletstore.UtxoRecord
			index, fetchedAt int64
		)
		if err := rows.Scan(&index, &rec.Address, &rec.IOType, &rec.OutputID, &rec.Payload, &fetchedAt); err != nil {
			return nil, fmt.Errorf("wallet store: scan utxo: %w", err)
		}
		rec.WalletID = walletID
		rec.Index = uint64(index)
		rec.FetchedAt = fromNanos(fetchedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *WalletStore) loadRequests(ctx context.Context, db *sql.DB, walletID string) ([]walletstore.RequestRecord, error) {
	rows, err := db.QueryContext(ctx, requestSelectSQL, walletID)
	if err != nil {
		return nil, fmt.Errorf("wallet store: load requests: %w", err)
	}
	defer rows.Close()
	var out []walletstore.RequestRecord
	for rows.Next() {
		var (
			rec              walletstore.RequestRecord
			index, updatedAt int64
			margin           string
		)
		if err := rows.Scan(&index, &rec.RequestID, &rec.Product, &rec.Kind, &rec.Status, &margin, &updatedAt); err != nil {
			return nil, fmt.Errorf("wallet store: scan request: %w", err)
		}
		if rec.Margin, err = strconv.ParseUint(margin, 10, 64); err != nil {
			return nil, fmt.Errorf("wallet store: request %d margin: %w", index, err)
		}
		rec.WalletID = walletID
		rec.Index = uint64(index)
		rec.UpdatedAt = fromNanos(updatedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpsertSeed implements walletstore.Tx.
func (s *WalletStore) UpsertSeed(ctx context.Context, seed walletstore.SealedSeed) error {
	db, err := s.ensureDB()
	if err != nil {
		return err
	}
	return upsertSeedWith(ctx, db, seed)
}

// UpsertAccount implements walletstore.Tx.
func (s *WalletStore) UpsertAccount(ctx context.Context, record walletstore.AccountRecord) error {
	db, err := s.ensureDB()
	if err != nil {
		return err
	}
	return upsertAccountWith(ctx, db, record)
}

// UpsertUtxo implements walletstore.Tx.
func (s *WalletStore) UpsertUtxo(ctx context.Context, record walletstore.UtxoRecord) error {
	db, err := s.ensureDB()
	if err != nil {
		return err
	}
	return upsertUtxoWith(ctx, db, record)
}

// DeleteUtxo implements walletstore.Tx.
func (s *WalletStore) DeleteUtxo(ctx context.Context, walletID string, index uint64) error {
	db, err := s.ensureDB()
	if err != nil {
		return err
	}
	return deleteWith(ctx, db, utxoDeleteSQL, "utxo", walletID, index)
}

// UpsertRequest implements walletstore.Tx.
func (s *WalletStore) UpsertRequest(ctx context.Context, record walletstore.RequestRecord) error {
	db, err := s.ensureDB()
	if err != nil {
		return err
	}
	return upsertRequestWith(ctx, db, record)
}

// DeleteRequest implements walletstore.Tx.
func (s *WalletStore) DeleteRequest(ctx context.Context, walletID string, index uint64) error {
	db, err := s.ensureDB()
	if err != nil {
		return err
	}
	return deleteWith(ctx, db, requestDeleteSQL, "request", walletID, index)
}

// WithTransaction executes fn inside one SQLite transaction.
func (s *WalletStore) WithTransaction(ctx context.Context, fn func(context.Context, walletstore.Tx) error) error {
	if fn == nil {
		return fmt.Errorf("wallet store: transaction callback required")
	}
	db, err := s.ensureDB()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("wallet store: begin tx: %w", err)
	}
	if runErr := fn(ctx, &walletTx{exec: tx}); runErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("wallet store: rollback tx: %w (original error: %v)", rbErr, runErr)
		}
		return runErr
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("wallet store: commit tx: %w", err)
	}
	return nil
}

type walletTx struct {
	exec execer
}

func (t *walletTx) UpsertSeed(ctx context.Context, seed walletstore.SealedSeed) error {
	return upsertSeedWith(ctx, t.exec, seed)
}

func (t *walletTx) UpsertAccount(ctx context.Context, record walletstore.AccountRecord) error {
	return upsertAccountWith(ctx, t.exec, record)
}

func (t *walletTx) UpsertUtxo(ctx context.Context, record walletstore.UtxoRecord) error {
	return upsertUtxoWith(ctx, t.exec, record)
}

func (t *walletTx) DeleteUtxo(ctx context.Context, walletID string, index uint64) error {
	return deleteWith(ctx, t.exec, utxoDeleteSQL, "utxo", walletID, index)
}

func (t *walletTx) UpsertRequest(ctx context.Context, record walletstore.RequestRecord) error {
	return upsertRequestWith(ctx, t.exec, record)
}

func (t *walletTx) DeleteRequest(ctx context.Context, walletID string, index uint64) error {
	return deleteWith(ctx, t.exec, requestDeleteSQL, "request", walletID, index)
}

func seedArgs(seed walletstore.SealedSeed) ([]any, error) {
	id := strings.TrimSpace(seed.WalletID)
	if id == "" {
		return nil, fmt.Errorf("wallet store: wallet id required")
	}
	now := time.Now()
	created := seed.CreatedAt
	if created.IsZero() {
		created = now
	}
	return []any{
		id,
		nonNil(seed.Ciphertext),
		nonNil(seed.Salt),
		nonNil(seed.Nonce),
		seed.ChainID,
		int64(seed.NextIndex),
		created.UnixNano(),
		now.UnixNano(),
	}, nil
}

func upsertSeedWith(ctx context.Context, exec execer, seed walletstore.SealedSeed) error {
	args, err := seedArgs(seed)
	if err != nil {
		return err
	}
	if _, err := exec.ExecContext(ctx, seedUpsertSQL, args...); err != nil {
		return fmt.Errorf("wallet store: upsert wallet: %w", err)
	}
	return nil
}

func upsertAccountWith(ctx context.Context, exec execer, rec walletstore.AccountRecord) error {
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := exec.ExecContext(ctx, accountUpsertSQL,
		strings.TrimSpace(rec.WalletID),
		int64(rec.Index),
		rec.Address,
		strconv.FormatUint(rec.Balance, 10),
		rec.IOType,
		rec.OnChain,
		rec.PendingRotation,
		updated.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("wallet store: upsert account %d: %w", rec.Index, err)
	}
	return nil
}

func upsertUtxoWith(ctx context.Context, exec execer, rec walletstore.UtxoRecord) error {
	fetched := rec.FetchedAt
	if fetched.IsZero() {
		fetched = time.Now()
	}
	_, err := exec.ExecContext(ctx, utxoUpsertSQL,
		strings.TrimSpace(rec.WalletID),
		int64(rec.Index),
		rec.Address,
		rec.IOType,
		rec.OutputID,
		nonNil(rec.Payload),
		fetched.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("wallet store: upsert utxo %d: %w", rec.Index, err)
	}
	return nil
}

func upsertRequestWith(ctx context.Context, exec execer, rec walletstore.RequestRecord) error {
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := exec.ExecContext(ctx, requestUpsertSQL,
		strings.TrimSpace(rec.WalletID),
		int64(rec.Index),
		rec.RequestID,
		rec.Product,
		rec.Kind,
		rec.Status,
		strconv.FormatUint(rec.Margin, 10),
		updated.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("wallet store: upsert request %d: %w", rec.Index, err)
	}
	return nil
}

func deleteWith(ctx context.Context, exec execer, query, kind, walletID string, index uint64) error {
	if _, err := exec.ExecContext(ctx, query, strings.TrimSpace(walletID), int64(index)); err != nil {
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

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
