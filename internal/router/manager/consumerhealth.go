package manager

import (
	"sync"
	"time"
)

// QueueConsumerHealth is the poll-cycle health of one consumer.
type QueueConsumerHealth struct {
	QueueIdentifier string    `json:"queueIdentifier"`
	InstanceID      string    `json:"instanceId"`
	LastPollTime    time.Time `json:"lastPollTime"`
	IsRunning       bool      `json:"isRunning"`
	IsHealthy       bool      `json:"isHealthy"`
}

// consumerHealthRegistry tracks the last poll of every consumer. A
// consumer is healthy while running and polled inside the staleness
// window; an idle queue still polls, so silence means trouble.
type consumerHealthRegistry struct {
	mu        sync.RWMutex
	entries   map[string]*QueueConsumerHealth
	staleness time.Duration

	now func() time.Time
}

func newConsumerHealthRegistry(staleness time.Duration) *consumerHealthRegistry {
	return &consumerHealthRegistry{
		entries:   make(map[string]*QueueConsumerHealth),
		staleness: staleness,
		now:       time.Now,
	}
}

// register adds a consumer entry in the running state.
func (r *consumerHealthRegistry) register(queue, instanceID string) {
	r.mu.Lock()
	r.entries[queue] = &QueueConsumerHealth{
		QueueIdentifier: queue,
		InstanceID:      instanceID,
		LastPollTime:    r.now(),
		IsRunning:       true,
	}
	r.mu.Unlock()
}

// pollCompleted moves the consumer's last poll marker.
func (r *consumerHealthRegistry) pollCompleted(queue string) {
	r.mu.Lock()
	if e, ok := r.entries[queue]; ok {
		e.LastPollTime = r.now()
	}
	r.mu.Unlock()
}

// stopped marks the consumer as no longer running.
func (r *consumerHealthRegistry) stopped(queue string) {
	r.mu.Lock()
	if e, ok := r.entries[queue]; ok {
		e.IsRunning = false
	}
	r.mu.Unlock()
}

// snapshot returns every consumer's health with IsHealthy evaluated
// against the staleness window.
func (r *consumerHealthRegistry) snapshot() map[string]QueueConsumerHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := r.now().Add(-r.staleness)
	out := make(map[string]QueueConsumerHealth, len(r.entries))
	for q, e := range r.entries {
		h := *e
		h.IsHealthy = h.IsRunning && h.LastPollTime.After(cutoff)
		out[q] = h
	}
	return out
}

// allHealthy reports whether every registered consumer is healthy.
// Vacuously true with no consumers.
func (r *consumerHealthRegistry) allHealthy() bool {
	for _, h := range r.snapshot() {
		if !h.IsHealthy {
			return false
		}
	}
	return true
}
