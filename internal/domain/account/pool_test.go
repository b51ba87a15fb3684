package account

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/zkwallet/errs"
)

func testDeriver() Deriver {
	return DeriverFunc(func(seed []byte, index uint64) (string, error) {
		return fmt.Sprintf("%s-%d", seed, index), nil
	})
}

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	pool, err := NewPool(testDeriver(), []byte("seed"))
	require.NoError(t, err)
	return pool
}

func TestAllocateNeverReusesIndices(t *testing.T) {
	pool := newTestPool(t)

	first, addr, err := pool.Allocate()
	require.NoError(t, err)
	require.Equal(t, uint64(1), first)
	require.Equal(t, "seed-1", addr)

	// index 1 is never inserted; it must still be skipped
	second, _, err := pool.Allocate()
	require.NoError(t, err)
	require.Equal(t, uint64(2), second)
	require.Equal(t, uint64(3), pool.NextIndex())
}

func TestAllocateConcurrentUnique(t *testing.T) {
	pool := newTestPool(t)
	const n = 64
	var (
		mu   sync.Mutex
		seen = make(map[uint64]bool, n)
		wg   sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			idx, _, err := pool.Allocate()
			require.NoError(t, err)
			mu.Lock()
			seen[idx] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Len(t, seen, n)
}

func TestInsertGetReturnsCopy(t *testing.T) {
	pool := newTestPool(t)
	require.NoError(t, pool.Insert(Account{Index: 4, Balance: 100, IOType: IOTypeCoin, OnChain: true}))

	got, err := pool.Get(4)
	require.NoError(t, err)
	got.Balance = 1

	again, err := pool.Get(4)
	require.NoError(t, err)
	require.Equal(t, uint64(100), again.Balance)
	require.Equal(t, uint64(5), pool.NextIndex())
}

func TestInsertDuplicateConflicts(t *testing.T) {
	pool := newTestPool(t)
	require.NoError(t, pool.Insert(Account{Index: 1, IOType: IOTypeCoin}))
	err := pool.Insert(Account{Index: 1, IOType: IOTypeCoin})
	require.True(t, errs.IsCode(err, errs.CodeConflict))
}

func TestGetMissingIsNotFound(t *testing.T) {
	pool := newTestPool(t)
	_, err := pool.Get(99)
	require.True(t, errs.IsCode(err, errs.CodeNotFound))
}

func TestUpdateErrorLeavesAccountUntouched(t *testing.T) {
	pool := newTestPool(t)
	require.NoError(t, pool.Insert(Account{Index: 1, Balance: 10, IOType: IOTypeCoin, OnChain: true}))

	boom := errors.New("boom")
	_, err := pool.Update(1, func(a *Account) error {
		a.Balance = 0
		a.OnChain = false
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := pool.Get(1)
	require.NoError(t, err)
	require.Equal(t, uint64(10), got.Balance)
	require.True(t, got.OnChain)
}

func TestUpdateCannotChangeIndex(t *testing.T) {
	clock := time.Unix(1700000000, 0)
	pool, err := NewPool(testDeriver(), []byte("seed"), WithClock(func() time.Time { return clock }))
	require.NoError(t, err)
	require.NoError(t, pool.Insert(Account{Index: 2, IOType: IOTypeCoin}))

	updated, err := pool.Update(2, func(a *Account) error {
		a.Index = 7
		a.Balance = 5
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, uint64(2), updated.Index)
	require.Equal(t, clock, updated.UpdatedAt)
	_, err = pool.Get(7)
	require.Error(t, err)
}

func TestAcquireSerialisesSameIndex(t *testing.T) {
	pool := newTestPool(t)
	require.NoError(t, pool.Insert(Account{Index: 1, IOType: IOTypeCoin}))
	require.NoError(t, pool.Insert(Account{Index: 2, IOType: IOTypeCoin}))

	ctx := context.Background()
	release, err := pool.Acquire(ctx, 1)
	require.NoError(t, err)

	// a different index is independent
	other, err := pool.Acquire(ctx, 2)
	require.NoError(t, err)
	other()

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(waitCtx, 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release() // idempotent
	again, err := pool.Acquire(ctx, 1)
	require.NoError(t, err)
	again()
}

func TestRestoreRaisesNextIndex(t *testing.T) {
	pool := newTestPool(t)
	pool.Restore([]Account{
		{Index: 3, IOType: IOTypeCoin, OnChain: true},
		{Index: 9, IOType: IOTypeMemo, OnChain: true},
	}, 5)
	require.Equal(t, uint64(10), pool.NextIndex())
	list := pool.List()
	require.Len(t, list, 2)
	require.Equal(t, uint64(3), list[0].Index)
	require.Equal(t, uint64(9), list[1].Index)
}

func TestCheckOpenable(t *testing.T) {
	ready := Account{Index: 1, Balance: 10, IOType: IOTypeCoin, OnChain: true}
	require.NoError(t, CheckOpenable(ready))

	cases := map[string]Account{
		"off chain":        {Index: 1, Balance: 10, IOType: IOTypeCoin},
		"memo":             {Index: 1, Balance: 10, IOType: IOTypeMemo, OnChain: true},
		"zero balance":     {Index: 1, IOType: IOTypeCoin, OnChain: true},
		"pending rotation": {Index: 1, Balance: 10, IOType: IOTypeCoin, OnChain: true, PendingRotation: true},
	}
	for name, a := range cases {
		t.Run(name, func(t *testing.T) {
			require.True(t, errs.IsCode(CheckOpenable(a), errs.CodeAccountNotReady))
		})
	}
}

func TestCheckRotatable(t *testing.T) {
	require.NoError(t, CheckRotatable(Account{Balance: 1, IOType: IOTypeCoin, OnChain: true, PendingRotation: true}))
	require.True(t, errs.IsCode(CheckRotatable(Account{Balance: 1, IOType: IOTypeCoin}), errs.CodeAccountNotOnChain))
	require.True(t, errs.IsCode(CheckRotatable(Account{Balance: 1, IOType: IOTypeMemo, OnChain: true}), errs.CodeAccountNotReady))
	require.True(t, errs.IsCode(CheckRotatable(Account{IOType: IOTypeCoin, OnChain: true}), errs.CodeAccountNotReady))
}

func TestParseIOType(t *testing.T) {
	got, err := ParseIOType(" memo ")
	require.NoError(t, err)
	require.Equal(t, IOTypeMemo, got)
	_, err = ParseIOType("state")
	require.Error(t, err)
}
