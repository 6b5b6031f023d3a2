// Package breaker guards mediation targets with per-URL circuit breakers.
// Breakers are created lazily on first dispatch to a target and live for
// the process lifetime unless reset.
package breaker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
)

// ErrOpen is returned when a call is rejected because the target's breaker
// is open (or half-open and out of trial slots).
var ErrOpen = errors.New("circuit breaker open")

// Settings tunes every breaker created by a Registry.
type Settings struct {
	// BufferSize is the minimum number of observed calls before the
	// failure ratio is consulted.
	BufferSize int
	// FailureRateThreshold trips the breaker when reached (0..1].
	FailureRateThreshold float64
	// OpenTimeout is how long the breaker stays open before allowing
	// half-open trial calls.
	OpenTimeout time.Duration
	// HalfOpenMaxCalls is the number of concurrent trial calls allowed
	// while half-open.
	HalfOpenMaxCalls int
}

// Breaker guards a single target URL. Calls flow through Execute; the
// wrapped function's error return is what the breaker counts as failure.
type Breaker struct {
	target   string
	settings Settings

	mu sync.RWMutex
	cb *gobreaker.CircuitBreaker

	successful atomic.Int64
	failed     atomic.Int64
	rejected   atomic.Int64
}

func newBreaker(target string, s Settings) *Breaker {
	b := &Breaker{target: target, settings: s}
	b.cb = b.newStateMachine()
	return b
}

func (b *Breaker) newStateMachine() *gobreaker.CircuitBreaker {
	s := b.settings
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        b.target,
		MaxRequests: uint32(s.HalfOpenMaxCalls),
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < uint32(s.BufferSize) {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= s.FailureRateThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state change",
				"target", name, "from", from.String(), "to", to.String())
		},
	})
}

// Execute runs fn through the breaker. A non-nil error from fn counts as a
// failure; rejected calls never reach fn and return ErrOpen.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.RLock()
	cb := b.cb
	b.mu.RUnlock()

	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	switch {
	case err == nil:
		b.successful.Add(1)
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		b.rejected.Add(1)
		return fmt.Errorf("%s: %w", b.target, ErrOpen)
	default:
		b.failed.Add(1)
		return err
	}
}

// State returns the current breaker state as CLOSED, OPEN or HALF_OPEN.
func (b *Breaker) State() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return "OPEN"
	case gobreaker.StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// reset swaps in a fresh state machine and zeroes the call counters.
func (b *Breaker) reset() {
	b.mu.Lock()
	b.cb = b.newStateMachine()
	b.mu.Unlock()
	b.successful.Store(0)
	b.failed.Store(0)
	b.rejected.Store(0)
	slog.Info("circuit breaker reset", "target", b.target)
}

// Stats is a point-in-time snapshot of one breaker.
type Stats struct {
	Target          string `json:"target"`
	State           string `json:"state"`
	SuccessfulCalls int64  `json:"successfulCalls"`
	FailedCalls     int64  `json:"failedCalls"`
	RejectedCalls   int64  `json:"rejectedCalls"`
	BufferedCalls   uint32 `json:"bufferedCalls"`
	BufferSize      int    `json:"bufferSize"`
}

// Stats snapshots the breaker's counters and state.
func (b *Breaker) Stats() Stats {
	b.mu.RLock()
	counts := b.cb.Counts()
	b.mu.RUnlock()
	return Stats{
		Target:          b.target,
		State:           b.State(),
		SuccessfulCalls: b.successful.Load(),
		FailedCalls:     b.failed.Load(),
		RejectedCalls:   b.rejected.Load(),
		BufferedCalls:   counts.Requests,
		BufferSize:      b.settings.BufferSize,
	}
}

// Registry hands out one breaker per target URL, creating them lazily.
type Registry struct {
	settings Settings
	breakers sync.Map // target URL -> *Breaker
}

// NewRegistry creates a registry applying settings to every breaker.
func NewRegistry(settings Settings) *Registry {
	return &Registry{settings: settings}
}

// Get returns the breaker for target, creating it on first use.
func (r *Registry) Get(target string) *Breaker {
	if b, ok := r.breakers.Load(target); ok {
		return b.(*Breaker)
	}
	b, _ := r.breakers.LoadOrStore(target, newBreaker(target, r.settings))
	return b.(*Breaker)
}

// Reset reinitializes the breaker for target. Unknown targets are a no-op;
// the reported bool says whether a breaker existed.
func (r *Registry) Reset(target string) bool {
	b, ok := r.breakers.Load(target)
	if !ok {
		return false
	}
	b.(*Breaker).reset()
	return true
}

// ResetAll reinitializes every breaker and returns how many were reset.
func (r *Registry) ResetAll() int {
	n := 0
	r.breakers.Range(func(_, v interface{}) bool {
		v.(*Breaker).reset()
		n++
		return true
	})
	return n
}

// Stats snapshots every breaker, keyed by target URL.
func (r *Registry) Stats() map[string]Stats {
	out := make(map[string]Stats)
	r.breakers.Range(func(k, v interface{}) bool {
		out[k.(string)] = v.(*Breaker).Stats()
		return true
	})
	return out
}
