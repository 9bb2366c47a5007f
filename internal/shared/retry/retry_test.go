package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Once, func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestDo_OnceDoesNotRetry(t *testing.T) {
	calls := 0
	errBoom := errors.New("boom")
	err := Do(context.Background(), Once, func(ctx context.Context) error {
		calls++
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)
	require.Equal(t, 1, calls)
}

func TestDo_BoundedAttempts(t *testing.T) {
	calls := 0
	pol := Policy{MaxAttempts: 3, Delay: time.Millisecond}
	err := Do(context.Background(), pol, func(ctx context.Context) error {
		calls++
		return errors.New("still failing")
	})
	require.Error(t, err)
	require.Equal(t, 3, calls)
}

func TestDo_NonRetryableStopsEarly(t *testing.T) {
	calls := 0
	fatal := errors.New("fatal")
	pol := Policy{
		MaxAttempts: 5,
		Retryable:   func(err error) bool { return !errors.Is(err, fatal) },
	}
	err := Do(context.Background(), pol, func(ctx context.Context) error {
		calls++
		return fatal
	})
	require.ErrorIs(t, err, fatal)
	require.Equal(t, 1, calls)
}

func TestDo_RecoversAfterFailures(t *testing.T) {
	calls := 0
	pol := Backoff(5, time.Millisecond, 10*time.Millisecond)
	err := Do(context.Background(), pol, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDo_ContextCancelledDuringDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pol := Forever(time.Hour)
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, pol, func(ctx context.Context) error {
		return errors.New("transient")
	})
	require.ErrorIs(t, err, context.Canceled)
}
