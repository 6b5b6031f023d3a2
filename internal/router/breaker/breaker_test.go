package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTarget = errors.New("upstream failure")

func testSettings() Settings {
	return Settings{
		BufferSize:           10,
		FailureRateThreshold: 0.5,
		OpenTimeout:          30 * time.Second,
		HalfOpenMaxCalls:     3,
	}
}

func TestRegistryCreatesLazilyAndReuses(t *testing.T) {
	r := NewRegistry(testSettings())

	a := r.Get("http://a.example/hook")
	b := r.Get("http://b.example/hook")
	assert.NotSame(t, a, b)
	assert.Same(t, a, r.Get("http://a.example/hook"))
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	r := NewRegistry(testSettings())
	b := r.Get("http://target.example")

	for i := 0; i < 10; i++ {
		err := b.Execute(func() error { return errTarget })
		require.ErrorIs(t, err, errTarget, "call %d", i)
	}
	assert.Equal(t, "OPEN", b.State())

	// The next call is rejected without reaching the target.
	reached := false
	err := b.Execute(func() error { reached = true; return nil })
	require.ErrorIs(t, err, ErrOpen)
	assert.False(t, reached)

	stats := b.Stats()
	assert.Equal(t, int64(10), stats.FailedCalls)
	assert.Equal(t, int64(1), stats.RejectedCalls)
	assert.Equal(t, int64(0), stats.SuccessfulCalls)
}

func TestBreakerStaysClosedBelowBuffer(t *testing.T) {
	r := NewRegistry(testSettings())
	b := r.Get("http://target.example")

	for i := 0; i < 9; i++ {
		_ = b.Execute(func() error { return errTarget })
	}
	assert.Equal(t, "CLOSED", b.State())
	require.NoError(t, b.Execute(func() error { return nil }))
}

func TestBreakerStaysClosedBelowRatio(t *testing.T) {
	r := NewRegistry(testSettings())
	b := r.Get("http://target.example")

	// 4 failures out of 10 is under the 0.5 threshold.
	for i := 0; i < 6; i++ {
		require.NoError(t, b.Execute(func() error { return nil }))
	}
	for i := 0; i < 4; i++ {
		_ = b.Execute(func() error { return errTarget })
	}
	assert.Equal(t, "CLOSED", b.State())
}

func TestBreakersAreIndependentPerTarget(t *testing.T) {
	r := NewRegistry(testSettings())
	failing := r.Get("http://down.example")
	healthy := r.Get("http://up.example")

	for i := 0; i < 10; i++ {
		_ = failing.Execute(func() error { return errTarget })
	}
	assert.Equal(t, "OPEN", failing.State())
	assert.Equal(t, "CLOSED", healthy.State())
	require.NoError(t, healthy.Execute(func() error { return nil }))
}

func TestResetClosesBreakerAndClearsCounters(t *testing.T) {
	r := NewRegistry(testSettings())
	b := r.Get("http://target.example")

	for i := 0; i < 10; i++ {
		_ = b.Execute(func() error { return errTarget })
	}
	require.Equal(t, "OPEN", b.State())

	assert.True(t, r.Reset("http://target.example"))
	assert.Equal(t, "CLOSED", b.State())
	stats := b.Stats()
	assert.Zero(t, stats.FailedCalls)
	assert.Zero(t, stats.RejectedCalls)

	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, int64(1), b.Stats().SuccessfulCalls)
}

func TestResetUnknownTarget(t *testing.T) {
	r := NewRegistry(testSettings())
	assert.False(t, r.Reset("http://never-seen.example"))
}

func TestResetAll(t *testing.T) {
	r := NewRegistry(testSettings())
	for _, target := range []string{"http://a.example", "http://b.example"} {
		b := r.Get(target)
		for i := 0; i < 10; i++ {
			_ = b.Execute(func() error { return errTarget })
		}
		require.Equal(t, "OPEN", b.State())
	}

	assert.Equal(t, 2, r.ResetAll())
	for _, target := range []string{"http://a.example", "http://b.example"} {
		assert.Equal(t, "CLOSED", r.Get(target).State())
	}
}

func TestStatsSnapshot(t *testing.T) {
	r := NewRegistry(testSettings())
	b := r.Get("http://target.example")
	require.NoError(t, b.Execute(func() error { return nil }))
	_ = b.Execute(func() error { return errTarget })

	all := r.Stats()
	require.Contains(t, all, "http://target.example")
	stats := all["http://target.example"]
	assert.Equal(t, "http://target.example", stats.Target)
	assert.Equal(t, "CLOSED", stats.State)
	assert.Equal(t, int64(1), stats.SuccessfulCalls)
	assert.Equal(t, int64(1), stats.FailedCalls)
	assert.Equal(t, 10, stats.BufferSize)
}
