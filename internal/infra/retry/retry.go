// Package retry runs eventually-consistent reads under a bounded exponential
// backoff policy.
package retry

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/zkwallet/errs"
	"github.com/coachpo/zkwallet/internal/infra/telemetry"
	"github.com/coachpo/zkwallet/internal/observability"
)

const component = "retry"

// ErrNotYet marks an attempt whose read succeeded but found nothing yet.
var ErrNotYet = errors.New("retry: result not yet available")

// Policy bounds a retried read.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     30,
		InitialInterval: time.Second,
		MaxInterval:     10 * time.Second,
		Multiplier:      1.5,
	}
}

// Normalise fills zero fields from DefaultPolicy.
func (p Policy) Normalise() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = def.MaxInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	return p
}

// backOff builds the delay schedule. Randomisation is disabled so successive
// delays never shrink.
func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// Observer receives per-read outcomes. Both fields are optional.
type Observer struct {
	Logger  observability.Logger
	Metrics *telemetry.WalletMetrics
}

// Do runs op until it succeeds, returns a permanent error, ctx ends or the
// policy's attempts are spent. Exhaustion yields a CodeRetryExhausted error
// wrapping the last attempt's error.
func Do[T any](ctx context.Context, policy Policy, name string, obs Observer, op func(context.Context) (T, error)) (T, error) {
	var zero T
	policy = policy.Normalise()
	logger := obs.Logger
	if logger == nil {
		logger = observability.Log()
	}
	schedule := policy.backOff()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			obs.Metrics.RecordRetry(ctx, name, telemetry.ResultFailure, attempt-1)
			return zero, err
		}
		value, err := op(ctx)
		if err == nil {
			obs.Metrics.RecordRetry(ctx, name, telemetry.ResultSuccess, attempt)
			return value, nil
		}
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			obs.Metrics.RecordRetry(ctx, name, telemetry.ResultFailure, attempt)
			return zero, permanent.Unwrap()
		}
		lastErr = err
		if attempt == policy.MaxAttempts {
			break
		}
		sleep := schedule.NextBackOff()
		if sleep == backoff.Stop {
			break
		}
		logger.Debug("retrying read",
			observability.F("operation", name),
			observability.F("attempt", attempt),
			observability.F("delay", sleep.String()),
			observability.F("error", err))
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			obs.Metrics.RecordRetry(ctx, name, telemetry.ResultFailure, attempt)
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	obs.Metrics.RecordRetry(ctx, name, telemetry.ResultExhausted, policy.MaxAttempts)
	logger.Error("read retries exhausted",
		observability.F("operation", name),
		observability.F("attempts", policy.MaxAttempts),
		observability.F("error", lastErr))
	return zero, errs.New(component, errs.CodeRetryExhausted,
		errs.WithMessage(name+" not available after retries"),
		errs.WithField("attempts", strconv.Itoa(policy.MaxAttempts)),
		errs.WithCause(lastErr))
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
