package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayproxy/relay/internal/config"
)

var testRetrySettings = config.RetrySettings{
	Attempts:       3,
	InitialDelay:   time.Second,
	RateLimitDelay: 5 * time.Second,
	MaxDelay:       30 * time.Second,
}

func TestBackoffDelay_Bounds(t *testing.T) {
	// Jitter is ±25%, so each attempt's delay stays within [0.75, 1.25]
	// of the exponential base.
	tests := []struct {
		n    int
		base time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{10, 30 * time.Second}, // capped
	}
	for _, tt := range tests {
		for i := 0; i < 50; i++ {
			d := backoffDelay(tt.n, false, testRetrySettings)
			assert.GreaterOrEqual(t, d, time.Duration(float64(tt.base)*0.75), "n=%d", tt.n)
			assert.LessOrEqual(t, d, time.Duration(float64(tt.base)*1.25), "n=%d", tt.n)
		}
	}
}

func TestBackoffDelay_RateLimitBase(t *testing.T) {
	for i := 0; i < 50; i++ {
		d := backoffDelay(0, true, testRetrySettings)
		assert.GreaterOrEqual(t, d, time.Duration(float64(5*time.Second)*0.75))
		assert.LessOrEqual(t, d, time.Duration(float64(5*time.Second)*1.25))
	}
}

func TestBackoffDelay_RateLimitBaseNeverShrinks(t *testing.T) {
	rs := testRetrySettings
	rs.InitialDelay = 10 * time.Second
	rs.RateLimitDelay = 5 * time.Second

	d := backoffDelay(0, true, rs)
	assert.GreaterOrEqual(t, d, time.Duration(float64(10*time.Second)*0.75),
		"the larger of the two bases wins")
}

func fastRetrySettings() config.RetrySettings {
	return config.RetrySettings{
		Attempts:       3,
		InitialDelay:   time.Millisecond,
		RateLimitDelay: 2 * time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
	}
}

func TestWithRetry_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), fastRetrySettings(), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_RetriesRetryable(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), fastRetrySettings(), func() error {
		calls++
		if calls < 3 {
			return NewError(KindServerError, "upstream 500", nil)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_StopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), fastRetrySettings(), func() error {
		calls++
		return NewError(KindInvalidRequest, "bad request", nil)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, KindInvalidRequest, AsError(err).Kind)
}

func TestWithRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), fastRetrySettings(), func() error {
		calls++
		return NewError(KindTimeout, "still down", nil)
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, KindTimeout, AsError(err).Kind)
}

func TestWithRetry_ContextCancelDuringWait(t *testing.T) {
	rs := fastRetrySettings()
	rs.InitialDelay = time.Hour // never elapses
	rs.MaxDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- withRetry(ctx, rs, func() error {
			calls++
			return NewError(KindTransport, "refused", nil)
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, KindTimeout, AsError(err).Kind)
		assert.Contains(t, err.Error(), "cancelled while waiting to retry")
		assert.Equal(t, 1, calls)
	case <-time.After(time.Second):
		t.Fatal("retry loop ignored cancellation")
	}
}

func TestWithRetry_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), config.RetrySettings{}, func() error {
		calls++
		return errors.New("x")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
