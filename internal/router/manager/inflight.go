package manager

import (
	"sort"
	"sync"
	"time"

	"github.com/flowmill/flowmill/internal/router/message"
)

// InFlightMessage is a read-only snapshot of one message currently being
// dispatched by a worker.
type InFlightMessage struct {
	MessageID          string    `json:"messageId"`
	PoolCode           string    `json:"poolCode"`
	MessageGroup       string    `json:"messageGroup,omitempty"`
	TargetURL          string    `json:"targetUrl"`
	StartedAt          time.Time `json:"startedAt"`
	DurationMs         int64     `json:"durationMs"`
	RetryCount         int       `json:"retryCount"`
	CircuitBreakerName string    `json:"circuitBreakerName"`
}

type inFlightEntry struct {
	msg       *message.Pointer
	startedAt time.Time
}

// InFlightTracker holds the messages between dispatch start and finish.
type InFlightTracker struct {
	mu      sync.RWMutex
	entries map[string]inFlightEntry

	now func() time.Time
}

// NewInFlightTracker creates an empty tracker.
func NewInFlightTracker() *InFlightTracker {
	return &InFlightTracker{
		entries: make(map[string]inFlightEntry),
		now:     time.Now,
	}
}

// Add records a dispatch start.
func (t *InFlightTracker) Add(msg *message.Pointer) {
	t.mu.Lock()
	t.entries[msg.DedupKey()] = inFlightEntry{msg: msg, startedAt: t.now()}
	t.mu.Unlock()
}

// Remove records a dispatch finish.
func (t *InFlightTracker) Remove(msg *message.Pointer) {
	t.mu.Lock()
	delete(t.entries, msg.DedupKey())
	t.mu.Unlock()
}

// Count returns the number of in-flight messages.
func (t *InFlightTracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Snapshot returns in-flight messages oldest first. limit <= 0 means no
// limit; a non-empty messageID restricts to that application ID.
func (t *InFlightTracker) Snapshot(limit int, messageID string) []InFlightMessage {
	t.mu.RLock()
	now := t.now()
	out := make([]InFlightMessage, 0, len(t.entries))
	for _, e := range t.entries {
		if messageID != "" && e.msg.ID != messageID {
			continue
		}
		out = append(out, InFlightMessage{
			MessageID:          e.msg.ID,
			PoolCode:           e.msg.PoolCode,
			MessageGroup:       e.msg.MessageGroup,
			TargetURL:          e.msg.TargetURL,
			StartedAt:          e.startedAt,
			DurationMs:         now.Sub(e.startedAt).Milliseconds(),
			RetryCount:         e.msg.RetryCount,
			CircuitBreakerName: e.msg.TargetURL,
		})
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
