package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(limit *int) (*Limiter, *time.Time) {
	l := New(limit)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func intPtr(v int) *int { return &v }

func TestUnlimitedAdmitsEverything(t *testing.T) {
	l, _ := newTestLimiter(nil)

	for i := 0; i < 10_000; i++ {
		require.True(t, l.TryAcquire())
	}
	assert.False(t, l.IsLimited())
	assert.False(t, l.IsNearLimit())
	assert.Nil(t, l.Limit())
}

func TestNonPositiveLimitMeansUnlimited(t *testing.T) {
	l, _ := newTestLimiter(intPtr(0))
	assert.Nil(t, l.Limit())
	assert.True(t, l.TryAcquire())

	l.SetLimit(intPtr(-5))
	assert.Nil(t, l.Limit())
	assert.True(t, l.TryAcquire())
}

func TestTrailingWindowAdmission(t *testing.T) {
	l, now := newTestLimiter(intPtr(600))

	// Burst the full budget at t=0.
	for i := 0; i < 600; i++ {
		require.True(t, l.TryAcquire(), "admission %d", i)
	}
	assert.False(t, l.TryAcquire())
	assert.True(t, l.IsLimited())

	// At any instant inside the window the count stays capped.
	*now = now.Add(30 * time.Second)
	assert.False(t, l.TryAcquire())
	assert.Equal(t, 600, l.WindowCount())

	// Just past the window the whole burst ages out at once.
	*now = now.Add(30*time.Second + time.Millisecond)
	assert.False(t, l.IsLimited())
	assert.True(t, l.TryAcquire())
	assert.Equal(t, 1, l.WindowCount())
}

func TestWindowSlidesGradually(t *testing.T) {
	l, now := newTestLimiter(intPtr(3))

	require.True(t, l.TryAcquire()) // t=0
	*now = now.Add(20 * time.Second)
	require.True(t, l.TryAcquire()) // t=20
	*now = now.Add(20 * time.Second)
	require.True(t, l.TryAcquire()) // t=40
	assert.False(t, l.TryAcquire())

	// t=61: only the t=0 admission has aged out.
	*now = now.Add(21 * time.Second)
	require.True(t, l.TryAcquire())
	assert.False(t, l.TryAcquire())
}

func TestNearLimitAtNinetyPercent(t *testing.T) {
	l, _ := newTestLimiter(intPtr(10))

	for i := 0; i < 8; i++ {
		require.True(t, l.TryAcquire())
	}
	assert.False(t, l.IsNearLimit())

	require.True(t, l.TryAcquire()) // 9 of 10
	assert.True(t, l.IsNearLimit())
	assert.False(t, l.IsLimited())
}

func TestSetLimitKeepsWindow(t *testing.T) {
	l, _ := newTestLimiter(intPtr(10))

	for i := 0; i < 10; i++ {
		require.True(t, l.TryAcquire())
	}
	assert.True(t, l.IsLimited())

	// Lowering keeps the existing admissions counted.
	l.SetLimit(intPtr(5))
	assert.True(t, l.IsLimited())
	assert.False(t, l.TryAcquire())
	assert.Equal(t, 10, l.WindowCount())

	// Raising opens headroom without clearing the log.
	l.SetLimit(intPtr(12))
	assert.False(t, l.IsLimited())
	require.True(t, l.TryAcquire())
	require.True(t, l.TryAcquire())
	assert.False(t, l.TryAcquire())
}

func TestSetLimitToUnlimited(t *testing.T) {
	l, _ := newTestLimiter(intPtr(1))
	require.True(t, l.TryAcquire())
	assert.False(t, l.TryAcquire())

	l.SetLimit(nil)
	assert.True(t, l.TryAcquire())
	assert.False(t, l.IsLimited())
}

func TestLimitReturnsCopy(t *testing.T) {
	l, _ := newTestLimiter(intPtr(7))

	got := l.Limit()
	require.NotNil(t, got)
	assert.Equal(t, 7, *got)

	*got = 99
	again := l.Limit()
	require.NotNil(t, again)
	assert.Equal(t, 7, *again)
}
