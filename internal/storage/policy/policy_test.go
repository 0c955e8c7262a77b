package policy

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/memtier/internal/errors"
	"github.com/xtxerr/memtier/internal/storage/tier"
	"github.com/xtxerr/memtier/internal/storage/types"
	testutil "github.com/xtxerr/memtier/internal/testing"
)

// recordSleeps returns a Sleep func that records delays instead of waiting.
func recordSleeps(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

func transient() error {
	return errors.NewTierError("primary", "store", "k", testutil.ErrInjected)
}

func TestRetryDelay(t *testing.T) {
	p := Exponential(3, time.Second)

	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))

	p.MaxDelay = 3 * time.Second
	assert.Equal(t, 3*time.Second, p.Delay(2))
	assert.Equal(t, 3*time.Second, p.Delay(200))

	assert.Equal(t, time.Duration(0), NoRetry().Delay(1))
}

func TestRetryBackoffSchedule(t *testing.T) {
	var delays []time.Duration
	p := Exponential(3, time.Second)
	p.Sleep = recordSleeps(&delays)

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return transient()
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTransient))
	assert.Equal(t, 3, calls)
	// No wait after the final attempt.
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)
}

func TestRetryStopsOnSuccess(t *testing.T) {
	var delays []time.Duration
	p := Exponential(3, time.Millisecond)
	p.Sleep = recordSleeps(&delays)

	var retried []int
	p.OnRetry = func(attempt int, _ time.Duration, _ error) { retried = append(retried, attempt) }

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 2 {
			return transient()
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []int{1}, retried)
	assert.Len(t, delays, 1)
}

func TestRetrySkipsFinalErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"not found", errors.NewNotFound("record", "k")},
		{"integrity", errors.NewIntegrity("k", "primary", "aa", "bb")},
		{"cancelled", context.Canceled},
		{"deadline", context.DeadlineExceeded},
		{"invalid key", errors.ErrInvalidKey},
		{"closed", errors.ErrClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Exponential(5, time.Millisecond)
			p.Sleep = func(context.Context, time.Duration) error { return nil }

			calls := 0
			err := p.Do(context.Background(), func(context.Context) error {
				calls++
				return tt.err
			})
			assert.Equal(t, 1, calls)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestRetryPlainErrors(t *testing.T) {
	var delays []time.Duration
	p := Exponential(3, time.Millisecond)
	p.Sleep = recordSleeps(&delays)

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return stderrors.New("connection reset")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []time.Duration{time.Millisecond}, delays)
}

func TestRetryHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Exponential(10, time.Hour)

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, func(context.Context) error {
			calls++
			return transient()
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.ErrorIs(t, err, errors.ErrTransient)
		assert.Equal(t, 1, calls)
	case <-time.After(5 * time.Second):
		t.Fatal("backoff sleep did not observe cancellation")
	}
}

func TestSleepContext(t *testing.T) {
	start := time.Now()
	require.NoError(t, SleepContext(context.Background(), 10*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, SleepContext(ctx, time.Hour), context.Canceled)
}

func newChain(fakes []*testutil.FakeTier) FallbackChain {
	retry := Exponential(3, time.Second)
	retry.Sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return FallbackChain{Backends: testutil.Backends(fakes), Retry: retry}
}

func storeStep(rec types.Record) Step {
	return func(ctx context.Context, b tier.Backend) error { return b.Store(ctx, rec) }
}

func TestFallbackPrimaryFirst(t *testing.T) {
	fakes := testutil.NewFakeTiers()
	rec, err := types.NewRecord("k", "v", types.TierPrimary, nil)
	require.NoError(t, err)

	b, err := newChain(fakes).Run(context.Background(), "store", "k", storeStep(rec))
	require.NoError(t, err)
	assert.Equal(t, types.TierPrimary, b.Tier())
	for _, f := range fakes[1:] {
		assert.Zero(t, f.Calls("store"), f.Name())
	}
}

func TestFallbackCascadesInOrder(t *testing.T) {
	fakes := testutil.NewFakeTiers()
	fakes[0].Fail("store", testutil.Always)
	fakes[1].Fail("store", testutil.Always)

	var failed []types.Tier
	chain := newChain(fakes)
	chain.OnFailure = func(b tier.Backend, _ error) { failed = append(failed, b.Tier()) }

	rec, err := types.NewRecord("k", "v", types.TierPrimary, nil)
	require.NoError(t, err)

	b, err := chain.Run(context.Background(), "store", "k", storeStep(rec))
	require.NoError(t, err)
	assert.Equal(t, types.TierTertiary, b.Tier())

	// Primary got the full retry budget, the fallbacks a single attempt.
	assert.Equal(t, 3, fakes[0].Calls("store"))
	assert.Equal(t, 1, fakes[1].Calls("store"))
	assert.Equal(t, 1, fakes[2].Calls("store"))
	assert.Zero(t, fakes[3].Calls("store"))
	assert.Equal(t, []types.Tier{types.TierPrimary, types.TierSecondary}, failed)
}

func TestFallbackExhausted(t *testing.T) {
	fakes := testutil.NewFakeTiers()
	for _, f := range fakes {
		f.Break()
	}
	rec, err := types.NewRecord("k", "v", types.TierPrimary, nil)
	require.NoError(t, err)

	b, err := newChain(fakes).Run(context.Background(), "store", "k", storeStep(rec))
	assert.Nil(t, b)
	require.Error(t, err)
	assert.True(t, errors.IsExhausted(err))

	var exhausted *errors.ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Len(t, exhausted.Causes, 4)
	assert.ErrorIs(t, err, testutil.ErrInjected)
}

func TestFallbackNotFound(t *testing.T) {
	fakes := testutil.NewFakeTiers()
	fakes[0].Fail("retrieve", testutil.Always)

	step := func(ctx context.Context, b tier.Backend) error {
		_, err := b.Retrieve(ctx, "missing", "global")
		return err
	}

	_, err := newChain(fakes).Run(context.Background(), "retrieve", "missing", step)
	assert.True(t, errors.IsNotFound(err))
	assert.False(t, errors.IsExhausted(err))
	for _, f := range fakes {
		assert.NotZero(t, f.Calls("retrieve"), "every tier is consulted: %s", f.Name())
	}
}

func TestFallbackStopsOnCancelledContext(t *testing.T) {
	fakes := testutil.NewFakeTiers()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec, err := types.NewRecord("k", "v", types.TierPrimary, nil)
	require.NoError(t, err)

	_, err = newChain(fakes).Run(ctx, "store", "k", storeStep(rec))
	assert.ErrorIs(t, err, context.Canceled)
	for _, f := range fakes {
		assert.Zero(t, f.Len())
	}
}
