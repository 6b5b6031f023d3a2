package metrics

import (
	"sync"
	"time"
)

// QueueStats is a point-in-time snapshot of one consumer's traffic.
type QueueStats struct {
	QueueIdentifier string     `json:"queueIdentifier"`
	Received        int64      `json:"received"`
	Acked           int64      `json:"acked"`
	Nacked          int64      `json:"nacked"`
	DecodeFailures  int64      `json:"decodeFailures"`
	LastReceivedAt  *time.Time `json:"lastReceivedAt,omitempty"`
}

// QueueMetricsService records broker traffic per queue.
type QueueMetricsService interface {
	RecordReceived(queue string)
	RecordAcked(queue string)
	RecordNacked(queue string)
	RecordDecodeFailure(queue string)
	QueueStats(queue string) *QueueStats
	AllQueueStats() map[string]*QueueStats
}

type queueHolder struct {
	received       int64
	acked          int64
	nacked         int64
	decodeFailures int64
	lastReceivedAt time.Time
}

// InMemoryQueueMetricsService keeps queue stats in process memory and
// mirrors them into the Prometheus collectors.
type InMemoryQueueMetricsService struct {
	mu     sync.Mutex
	queues map[string]*queueHolder

	now func() time.Time
}

// NewQueueMetricsService creates an empty queue metrics service.
func NewQueueMetricsService() *InMemoryQueueMetricsService {
	return &InMemoryQueueMetricsService{
		queues: make(map[string]*queueHolder),
		now:    time.Now,
	}
}

func (s *InMemoryQueueMetricsService) RecordReceived(queue string) {
	s.mu.Lock()
	h := s.holder(queue)
	h.received++
	h.lastReceivedAt = s.now()
	s.mu.Unlock()
	QueueMessagesReceived.WithLabelValues(queue).Inc()
}

func (s *InMemoryQueueMetricsService) RecordAcked(queue string) {
	s.mu.Lock()
	s.holder(queue).acked++
	s.mu.Unlock()
	QueueMessagesAcked.WithLabelValues(queue).Inc()
}

func (s *InMemoryQueueMetricsService) RecordNacked(queue string) {
	s.mu.Lock()
	s.holder(queue).nacked++
	s.mu.Unlock()
	QueueMessagesNacked.WithLabelValues(queue).Inc()
}

func (s *InMemoryQueueMetricsService) RecordDecodeFailure(queue string) {
	s.mu.Lock()
	s.holder(queue).decodeFailures++
	s.mu.Unlock()
	QueueDecodeFailures.WithLabelValues(queue).Inc()
}

func (s *InMemoryQueueMetricsService) QueueStats(queue string) *QueueStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.queues[queue]
	if !ok {
		return &QueueStats{QueueIdentifier: queue}
	}
	return h.snapshot(queue)
}

func (s *InMemoryQueueMetricsService) AllQueueStats() map[string]*QueueStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*QueueStats, len(s.queues))
	for q, h := range s.queues {
		out[q] = h.snapshot(q)
	}
	return out
}

// holder returns the entry for queue, creating it. Caller holds mu.
func (s *InMemoryQueueMetricsService) holder(queue string) *queueHolder {
	h, ok := s.queues[queue]
	if !ok {
		h = &queueHolder{}
		s.queues[queue] = h
	}
	return h
}

func (h *queueHolder) snapshot(queue string) *QueueStats {
	stats := &QueueStats{
		QueueIdentifier: queue,
		Received:        h.received,
		Acked:           h.acked,
		Nacked:          h.nacked,
		DecodeFailures:  h.decodeFailures,
	}
	if !h.lastReceivedAt.IsZero() {
		ts := h.lastReceivedAt
		stats.LastReceivedAt = &ts
	}
	return stats
}
