// Package policy provides the retry and fallback policies the Service
// composes around every tier operation.
//
//	chain := policy.FallbackChain{Backends: backends, Retry: retry}
//	b, err := chain.Run(ctx, "store", key, func(ctx context.Context, b tier.Backend) error {
//		return b.Store(ctx, rec)
//	})
//
// The retry policy applies to the first backend only. Every following
// backend gets a single attempt.
package policy

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/xtxerr/memtier/internal/errors"
)

// RetryPolicy retries an operation with exponential backoff. Attempt n
// (counting from zero) is followed by a wait of BaseDelay * 2^n, capped at
// MaxDelay when set. No wait follows the final attempt.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Retryable decides whether err is worth another attempt.
	// Defaults to errors.IsRetriable.
	Retryable func(error) bool

	// Sleep waits for d or until ctx is done. Defaults to SleepContext.
	Sleep func(ctx context.Context, d time.Duration) error

	// OnRetry is called before each wait.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// NoRetry is a policy making exactly one attempt.
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

// Exponential returns a policy with the given attempt count and backoff unit.
func Exponential(attempts int, base time.Duration) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, BaseDelay: base}
}

// Delay returns the wait after attempt n.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 || attempt < 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d <= 0 {
			d = math.MaxInt64
			break
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Do runs fn until it succeeds, returns a non-retryable error, the
// attempts run out or ctx is done. The last error is returned wrapped.
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = errors.IsRetriable
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return errors.Join(lastErr, err)
			}
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		lastErr = err

		if attempt < attempts-1 {
			delay := p.Delay(attempt)
			if p.OnRetry != nil {
				p.OnRetry(attempt+1, delay, err)
			}
			if err := sleep(ctx, delay); err != nil {
				return errors.Join(lastErr, err)
			}
		}
	}

	if attempts == 1 {
		return lastErr
	}
	return fmt.Errorf("%d attempts failed: %w", attempts, lastErr)
}

// SleepContext waits for d without blocking other goroutines and returns
// early with ctx.Err() when ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
