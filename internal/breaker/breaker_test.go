package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClock lets tests advance time manually.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker() (*Breaker, *testClock) {
	clock := &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cfg := Config{
		FailureThreshold: 5,
		OpenTimeout:      60 * time.Second,
		SuccessThreshold: 2,
		now:              clock.Now,
	}
	return New("test", cfg), clock
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker()

	for i := 0; i < 4; i++ {
		b.RecordFailure()
		assert.Equal(t, Closed, b.State(), "still closed at %d failures", i+1)
	}
	b.RecordFailure()
	assert.Equal(t, Open, b.State())
	assert.ErrorIs(t, b.Allow(), ErrOpen)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker()

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	b.RecordSuccess()
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	assert.Equal(t, Closed, b.State(), "counter resets on success")
	b.RecordFailure()
	assert.Equal(t, Open, b.State())
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clock := newTestBreaker()

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	require.ErrorIs(t, b.Allow(), ErrOpen)

	clock.Advance(61 * time.Second)
	require.NoError(t, b.Allow(), "elapsed window admits a probe")
	assert.Equal(t, HalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, HalfOpen, b.State(), "one success is not enough")
	b.RecordSuccess()
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker()

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	clock.Advance(61 * time.Second)
	require.NoError(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, Open, b.State())
	assert.ErrorIs(t, b.Allow(), ErrOpen, "window re-arms from the reopen")

	clock.Advance(61 * time.Second)
	assert.NoError(t, b.Allow())
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	var mu sync.Mutex
	var transitions []string
	done := make(chan struct{}, 4)

	clock := &testClock{now: time.Unix(0, 0)}
	b := New("ollama", Config{
		FailureThreshold: 2,
		OpenTimeout:      time.Second,
		SuccessThreshold: 1,
		now:              clock.Now,
		OnStateChange: func(provider string, from, to State) {
			mu.Lock()
			transitions = append(transitions, provider+":"+from.String()+"->"+to.String())
			mu.Unlock()
			done <- struct{}{}
		},
	})

	b.RecordFailure()
	b.RecordFailure()
	<-done
	clock.Advance(2 * time.Second)
	require.NoError(t, b.Allow())
	<-done
	b.RecordSuccess()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"ollama:closed->open",
		"ollama:open->half-open",
		"ollama:half-open->closed",
	}, transitions)
}

func TestBreaker_Stats(t *testing.T) {
	b, _ := newTestBreaker()
	b.RecordFailure()

	snap := b.Stats()
	assert.Equal(t, "test", snap.Provider)
	assert.Equal(t, "closed", snap.State)
	assert.Equal(t, 1, snap.Failures)
	assert.True(t, snap.OpenUntil.IsZero())

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	snap = b.Stats()
	assert.Equal(t, "open", snap.State)
	assert.False(t, snap.OpenUntil.IsZero())
}

func TestRegistry_LazyPerProvider(t *testing.T) {
	r := NewRegistry(DefaultConfig())

	a := r.Get("openai")
	b := r.Get("ollama")
	assert.Same(t, a, r.Get("openai"), "same provider returns the same breaker")
	assert.NotSame(t, a, b)

	a.RecordFailure()
	assert.Equal(t, Closed, b.State(), "breakers are independent")

	assert.Len(t, r.Stats(), 2)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.OpenTimeout)
	assert.Equal(t, 2, cfg.SuccessThreshold)
}
