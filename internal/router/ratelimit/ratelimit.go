// Package ratelimit provides the per-pool admission gate used by process
// pools. Admissions are counted over a trailing 60-second window; changing
// the limit keeps the window intact so a reconfiguration can never be used
// to reset the count mid-window.
package ratelimit

import (
	"sync"
	"time"
)

// Window is the trailing period over which admissions are counted.
const Window = time.Minute

// nearLimitFraction is the fill ratio at which IsNearLimit reports true.
const nearLimitFraction = 0.9

// Limiter admits at most limit calls per trailing window. A nil limit
// means unconditional admission. Safe for concurrent use.
type Limiter struct {
	mu    sync.Mutex
	limit *int
	// admissions holds the grant timestamps inside the current window,
	// oldest first. Pruned on every check.
	admissions []time.Time

	now func() time.Time
}

// New creates a limiter. limitPerMinute may be nil for unlimited.
func New(limitPerMinute *int) *Limiter {
	return &Limiter{
		limit: normalizeLimit(limitPerMinute),
		now:   time.Now,
	}
}

func normalizeLimit(limit *int) *int {
	if limit == nil || *limit <= 0 {
		return nil
	}
	v := *limit
	return &v
}

// TryAcquire grants one admission if the trailing window has room.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.limit == nil {
		return true
	}

	now := l.now()
	l.prune(now)

	if len(l.admissions) >= *l.limit {
		return false
	}
	l.admissions = append(l.admissions, now)
	return true
}

// IsLimited reports whether the window is currently full.
func (l *Limiter) IsLimited() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.limit == nil {
		return false
	}
	l.prune(l.now())
	return len(l.admissions) >= *l.limit
}

// IsNearLimit reports whether the window is at or above 90% of the limit.
func (l *Limiter) IsNearLimit() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.limit == nil {
		return false
	}
	l.prune(l.now())
	return float64(len(l.admissions)) >= float64(*l.limit)*nearLimitFraction
}

// SetLimit swaps the configured limit. The admission log is preserved so
// the new limit applies to the window already in progress. nil or a
// non-positive value disables limiting.
func (l *Limiter) SetLimit(limitPerMinute *int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limit = normalizeLimit(limitPerMinute)
}

// Limit returns a copy of the configured limit, or nil when unlimited.
func (l *Limiter) Limit() *int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return normalizeLimit(l.limit)
}

// WindowCount returns the number of admissions inside the trailing window.
func (l *Limiter) WindowCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return len(l.admissions)
}

// prune drops admissions that have aged out of the window. Caller holds mu.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-Window)
	i := 0
	for i < len(l.admissions) && !l.admissions[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.admissions = append(l.admissions[:0], l.admissions[i:]...)
	}
}
