package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/zkwallet/errs"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      1.5,
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fastPolicy(5), "utxo", Observer{}, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", ErrNotYet
		}
		return "output", nil
	})
	require.NoError(t, err)
	require.Equal(t, "output", got)
	require.Equal(t, 3, calls)
}

func TestDoExhaustsWithLastError(t *testing.T) {
	calls := 0
	last := errors.New("attempt 4")
	_, err := Do(context.Background(), fastPolicy(4), "tx_hash", Observer{}, func(context.Context) (int, error) {
		calls++
		if calls == 4 {
			return 0, last
		}
		return 0, ErrNotYet
	})
	require.Equal(t, 4, calls)
	require.True(t, errs.IsCode(err, errs.CodeRetryExhausted))
	require.ErrorIs(t, err, last)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	fatal := errors.New("malformed response")
	_, err := Do(context.Background(), fastPolicy(10), "utxo", Observer{}, func(context.Context) (int, error) {
		calls++
		return 0, Permanent(fatal)
	})
	require.Equal(t, 1, calls)
	require.ErrorIs(t, err, fatal)
	require.False(t, errs.IsCode(err, errs.CodeRetryExhausted))
}

func TestDoHonoursContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	policy := Policy{MaxAttempts: 10, InitialInterval: time.Hour, MaxInterval: time.Hour, Multiplier: 1}
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := Do(ctx, policy, "utxo", Observer{}, func(context.Context) (int, error) {
		calls++
		return 0, ErrNotYet
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}

func TestBackOffDelaysNeverDecrease(t *testing.T) {
	schedule := Policy{MaxAttempts: 10, InitialInterval: 10 * time.Millisecond, MaxInterval: 80 * time.Millisecond, Multiplier: 2}.Normalise().backOff()
	prev := time.Duration(0)
	for i := 0; i < 8; i++ {
		next := schedule.NextBackOff()
		require.GreaterOrEqual(t, next, prev)
		require.LessOrEqual(t, next, 80*time.Millisecond)
		prev = next
	}
}

func TestNormaliseFillsDefaults(t *testing.T) {
	p := Policy{}.Normalise()
	require.Equal(t, DefaultPolicy(), p)

	inverted := Policy{MaxAttempts: 2, InitialInterval: 5 * time.Second, MaxInterval: time.Second, Multiplier: 0.5}.Normalise()
	require.Equal(t, 5*time.Second, inverted.MaxInterval)
	require.Equal(t, 1.5, inverted.Multiplier)
}
