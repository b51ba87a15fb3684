package wallet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/zkwallet/internal/domain/order"
	"github.com/coachpo/zkwallet/internal/security"
	"github.com/coachpo/zkwallet/internal/infra/sim"
)

type fixedHashes struct {
	*sim.Relayer
	hashes []order.TxHash
}

func (r fixedHashes) TransactionHashes(context.Context, string) ([]order.TxHash, error) {
	return r.hashes, nil
}

func TestFetchTxHashBreaksTimestampTiesByStage(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ledger := sim.NewLedger(baseAddress, 1_000_000)
	relayer := fixedHashes{Relayer: sim.NewRelayer(ledger), hashes: []order.TxHash{
		{RequestID: "REQ-1", Hash: "h-filled", Status: "FILLED", CreatedAt: at},
		{RequestID: "REQ-1", Hash: "h-pending", Status: "PENDING", CreatedAt: at},
		{RequestID: "REQ-1", Hash: "h-old", Status: "PENDING", CreatedAt: at.Add(-time.Second)},
	}}
	w, err := New([]byte(testSeed), Deps{Ledger: ledger, Relayer: relayer, Deriver: security.NewDeriver("zk1")},
		WithRetryPolicy(fastPolicy()))
	require.NoError(t, err)

	hash, status, err := w.confirmTrader(context.Background(), "REQ-1")
	require.NoError(t, err)
	require.Equal(t, "h-filled", hash.Hash)
	require.Equal(t, order.TraderFilled, status)

	relayer.hashes[2].CreatedAt = at.Add(time.Second)
	hash, err = w.fetchTxHash(context.Background(), "REQ-1")
	require.NoError(t, err)
	require.Equal(t, "h-old", hash.Hash)
}
