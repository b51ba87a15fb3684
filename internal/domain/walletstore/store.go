// Package walletstore defines persistence contracts for the wallet's durable mirror.
package walletstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a wallet id has no sealed seed record.
var ErrNotFound = errors.New("walletstore: wallet not found")

// ErrExists is returned when creating a wallet id that is already stored.
var ErrExists = errors.New("walletstore: wallet already exists")

// SealedSeed is the encrypted wallet seed plus the wallet-level counters.
type SealedSeed struct {
	WalletID   string    `json:"walletId"`
	Ciphertext []byte    `json:"ciphertext"`
	Salt       []byte    `json:"salt"`
	Nonce      []byte    `json:"nonce"`
	ChainID    string    `json:"chainId"`
	NextIndex  uint64    `json:"nextIndex"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// AccountRecord mirrors one account of the pool.
type AccountRecord struct {
	WalletID        string    `json:"walletId"`
	Index           uint64    `json:"index"`
	Address         string    `json:"address"`
	Balance         uint64    `json:"balance"`
	IOType          string    `json:"ioType"`
	OnChain         bool      `json:"onChain"`
	PendingRotation bool      `json:"pendingRotation"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// UtxoRecord mirrors the latest chain output snapshot of an account.
type UtxoRecord struct {
	WalletID  string    `json:"walletId"`
	Index     uint64    `json:"index"`
	Address   string    `json:"address"`
	IOType    string    `json:"ioType"`
	OutputID  string    `json:"outputId"`
	Payload   []byte    `json:"payload"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// RequestRecord mirrors the one outstanding relayer request of an account.
type RequestRecord struct {
	WalletID  string    `json:"walletId"`
	Index     uint64    `json:"index"`
	RequestID string    `json:"requestId"`
	Product   string    `json:"product"`
	Kind      string    `json:"kind,omitempty"`
	Status    string    `json:"status"`
	Margin    uint64    `json:"margin"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Snapshot is everything stored for one wallet.
type Snapshot struct {
	Seed     SealedSeed
	Accounts []AccountRecord
	Utxos    []UtxoRecord
	Requests []RequestRecord
}

// Tx groups the keyed upserts and deletes applied atomically by WithTransaction.
type Tx interface {
	UpsertSeed(ctx context.Context, seed SealedSeed) error
	UpsertAccount(ctx context.Context, record AccountRecord) error
	UpsertUtxo(ctx context.Context, record UtxoRecord) error
	DeleteUtxo(ctx context.Context, walletID string, index uint64) error
	UpsertRequest(ctx context.Context, record RequestRecord) error
	DeleteRequest(ctx context.Context, walletID string, index uint64) error
}

// Store is implemented by every persistence backend.
type Store interface {
	Tx
	// CreateWallet stores the sealed seed of a new wallet id, failing with
	// ErrExists when the id is taken.
	CreateWallet(ctx context.Context, seed SealedSeed) error
	WalletExists(ctx context.Context, walletID string) (bool, error)
	ListWallets(ctx context.Context) ([]string, error)
	// Load returns ErrNotFound when walletID has no sealed seed.
	Load(ctx context.Context, walletID string) (Snapshot, error)
	WithTransaction(ctx context.Context, fn func(context.Context, Tx) error) error
	Backend() string
	Close() error
}
