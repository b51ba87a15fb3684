package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/zkwallet/internal/domain/walletstore"
	"github.com/coachpo/zkwallet/internal/infra/persistence/migrations"
)

func openMigrated(t *testing.T) *WalletStore {
	t.Helper()
	ctx := context.Background()
	dsn := DSN(filepath.Join(t.TempDir(), "wallet.db"))
	require.NoError(t, migrations.Apply(ctx, migrations.Source{Backend: migrations.BackendSQLite, DSN: dsn}, nil))
	store, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestWalletStoreNilHandle(t *testing.T) {
	store := NewWalletStore(nil)
	ctx := context.Background()
	if err := store.CreateWallet(ctx, walletstore.SealedSeed{WalletID: "w"}); err == nil {
		t.Fatalf("expected error when handle nil")
	}
	if err := store.UpsertAccount(ctx, walletstore.AccountRecord{WalletID: "w"}); err == nil {
		t.Fatalf("expected error when handle nil")
	}
	if _, err := store.Load(ctx, "w"); err == nil {
		t.Fatalf("expected error when handle nil")
	}
	if err := store.WithTransaction(ctx, func(context.Context, walletstore.Tx) error { return nil }); err == nil {
		t.Fatalf("expected error when handle nil")
	}
}

func TestWalletStoreRoundTrip(t *testing.T) {
	store := openMigrated(t)
	ctx := context.Background()
	seed := walletstore.SealedSeed{
		WalletID:   "twilight1abc",
		Ciphertext: []byte("sealed"),
		Salt:       []byte("salt"),
		Nonce:      []byte("nonce"),
		ChainID:    "nyks",
		NextIndex:  3,
	}
	require.NoError(t, store.CreateWallet(ctx, seed))
	require.ErrorIs(t, store.CreateWallet(ctx, seed), walletstore.ErrExists)

	exists, err := store.WalletExists(ctx, "twilight1abc")
	require.NoError(t, err)
	require.True(t, exists)

	big := ^uint64(0) - 1
	require.NoError(t, store.UpsertAccount(ctx, walletstore.AccountRecord{
		WalletID: "twilight1abc", Index: 1, Address: "addr1", Balance: big, IOType: "Coin", OnChain: true,
	}))
	require.NoError(t, store.UpsertAccount(ctx, walletstore.AccountRecord{
		WalletID: "twilight1abc", Index: 2, Address: "addr2", Balance: 10, IOType: "Memo", OnChain: true, PendingRotation: true,
	}))
	fetched := time.Unix(1700000000, 0).UTC()
	require.NoError(t, store.UpsertUtxo(ctx, walletstore.UtxoRecord{
		WalletID: "twilight1abc", Index: 2, Address: "addr2", IOType: "Memo", OutputID: "out-2", Payload: []byte{1, 2, 3}, FetchedAt: fetched,
	}))
	require.NoError(t, store.UpsertRequest(ctx, walletstore.RequestRecord{
		WalletID: "twilight1abc", Index: 2, RequestID: "REQ1", Product: "trader", Kind: "LIMIT", Status: "PENDING", Margin: 10,
	}))

	snap, err := store.Load(ctx, "twilight1abc")
	require.NoError(t, err)
	require.Equal(t, "nyks", snap.Seed.ChainID)
	require.Equal(t, uint64(3), snap.Seed.NextIndex)
	require.Equal(t, []byte("sealed"), snap.Seed.Ciphertext)
	require.Len(t, snap.Accounts, 2)
	require.Equal(t, big, snap.Accounts[0].Balance)
	require.True(t, snap.Accounts[1].PendingRotation)
	require.Len(t, snap.Utxos, 1)
	require.Equal(t, fetched, snap.Utxos[0].FetchedAt)
	require.Equal(t, []byte{1, 2, 3}, snap.Utxos[0].Payload)
	require.Len(t, snap.Requests, 1)
	require.Equal(t, "LIMIT", snap.Requests[0].Kind)

	require.NoError(t, store.DeleteUtxo(ctx, "twilight1abc", 2))
	require.NoError(t, store.DeleteRequest(ctx, "twilight1abc", 2))
	snap, err = store.Load(ctx, "twilight1abc")
	require.NoError(t, err)
	require.Empty(t, snap.Utxos)
	require.Empty(t, snap.Requests)

	ids, err := store.ListWallets(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"twilight1abc"}, ids)
}

func TestSeedUpsertNeverLowersNextIndex(t *testing.T) {
	store := openMigrated(t)
	ctx := context.Background()
	require.NoError(t, store.CreateWallet(ctx, walletstore.SealedSeed{WalletID: "w", NextIndex: 9}))
	require.NoError(t, store.UpsertSeed(ctx, walletstore.SealedSeed{WalletID: "w", NextIndex: 4}))
	snap, err := store.Load(ctx, "w")
	require.NoError(t, err)
	require.Equal(t, uint64(9), snap.Seed.NextIndex)
}

func TestWithTransactionRollsBack(t *testing.T) {
	store := openMigrated(t)
	ctx := context.Background()
	require.NoError(t, store.CreateWallet(ctx, walletstore.SealedSeed{WalletID: "w"}))

	abort := errors.New("abort")
	err := store.WithTransaction(ctx, func(ctx context.Context, tx walletstore.Tx) error {
		require.NoError(t, tx.UpsertAccount(ctx, walletstore.AccountRecord{WalletID: "w", Index: 1, IOType: "Coin"}))
		return abort
	})
	require.ErrorIs(t, err, abort)

	snap, err := store.Load(ctx, "w")
	require.NoError(t, err)
	require.Empty(t, snap.Accounts)

	require.NoError(t, store.WithTransaction(ctx, func(ctx context.Context, tx walletstore.Tx) error {
		return tx.UpsertAccount(ctx, walletstore.AccountRecord{WalletID: "w", Index: 1, IOType: "Coin"})
	}))
	snap, err = store.Load(ctx, "w")
	require.NoError(t, err)
	require.Len(t, snap.Accounts, 1)
}

func TestForeignKeyRejectsUnknownWallet(t *testing.T) {
	store := openMigrated(t)
	err := store.UpsertAccount(context.Background(), walletstore.AccountRecord{WalletID: "ghost", Index: 1, IOType: "Coin"})
	require.Error(t, err)
}

func TestLoadMissingWallet(t *testing.T) {
	store := openMigrated(t)
	_, err := store.Load(context.Background(), "missing")
	require.ErrorIs(t, err, walletstore.ErrNotFound)
}
