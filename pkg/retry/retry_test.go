package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flaky struct{ transient bool }

func (f flaky) Error() string   { return "flaky" }
func (f flaky) Transient() bool { return f.transient }

func noSleep(waits *[]time.Duration) Option {
	return WithSleep(func(ctx context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return nil
	})
}

func TestPolicy_Backoff(t *testing.T) {
	p := Policy{InitialBackoff: time.Second, MaxBackoff: 5 * time.Second, Multiplier: 2}

	assert.Equal(t, time.Second, p.Backoff(0))
	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 4*time.Second, p.Backoff(2))
	assert.Equal(t, 5*time.Second, p.Backoff(3))
	assert.Equal(t, 5*time.Second, p.Backoff(10))
}

func TestDo_RetriesTransientErrors(t *testing.T) {
	var waits []time.Duration
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 4, InitialBackoff: time.Second, Multiplier: 2}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return flaky{transient: true}
		}
		return nil
	}, noSleep(&waits))

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, waits)
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	var waits []time.Duration
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 4}, func(ctx context.Context) error {
		calls++
		return flaky{transient: false}
	}, noSleep(&waits))

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 1, exhausted.Attempts)
	assert.Equal(t, 1, calls)
	assert.Empty(t, waits)
}

func TestDo_GivesUpAfterMaxAttempts(t *testing.T) {
	var waits []time.Duration
	var retried []int
	err := Do(context.Background(), Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, Multiplier: 2}, func(ctx context.Context) error {
		return flaky{transient: true}
	}, noSleep(&waits), WithOnRetry(func(attempt int, err error, wait time.Duration) {
		retried = append(retried, attempt)
	}))

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, []int{1, 2}, retried)
	var f flaky
	assert.ErrorAs(t, err, &f)
}

func TestDo_AttemptTimeoutIsTransient(t *testing.T) {
	var waits []time.Duration
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 2, AttemptTimeout: 10 * time.Millisecond}, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}, noSleep(&waits))

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDo_ParentCancellationStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{MaxAttempts: 5}, func(ctx context.Context) error {
		calls++
		cancel()
		return flaky{transient: true}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(errors.New("plain")))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(flaky{transient: true}))
	assert.False(t, IsTransient(flaky{transient: false}))
}
