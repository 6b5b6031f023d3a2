package metrics

import (
	"log/slog"
	"sync"
	"time"
)

// PoolStats is a point-in-time snapshot of one pool's counters, gauges
// and rolling success windows.
type PoolStats struct {
	PoolCode                string  `json:"poolCode"`
	TotalProcessed          int64   `json:"totalProcessed"`
	TotalSucceeded          int64   `json:"totalSucceeded"`
	TotalFailed             int64   `json:"totalFailed"`
	TotalTransient          int64   `json:"totalTransient"`
	TotalRateLimited        int64   `json:"totalRateLimited"`
	SuccessRate             float64 `json:"successRate"`
	ActiveWorkers           int     `json:"activeWorkers"`
	AvailablePermits        int     `json:"availablePermits"`
	MaxConcurrency          int     `json:"maxConcurrency"`
	QueueSize               int     `json:"queueSize"`
	MaxQueueCapacity        int     `json:"maxQueueCapacity"`
	AverageProcessingTimeMs float64 `json:"averageProcessingTimeMs"`
	// 5-minute rolling window.
	TotalProcessed5min int64   `json:"totalProcessed5min"`
	Succeeded5min      int64   `json:"succeeded5min"`
	SuccessRate5min    float64 `json:"successRate5min"`
	// 30-minute rolling window.
	TotalProcessed30min int64   `json:"totalProcessed30min"`
	Succeeded30min      int64   `json:"succeeded30min"`
	SuccessRate30min    float64 `json:"successRate30min"`
}

// EmptyPoolStats is the snapshot for a pool with no recorded activity.
func EmptyPoolStats(poolCode string) *PoolStats {
	return &PoolStats{
		PoolCode:         poolCode,
		SuccessRate:      1.0,
		SuccessRate5min:  1.0,
		SuccessRate30min: 1.0,
	}
}

// PoolMetricsService records pool activity and serves snapshots. Pools
// write; the monitoring API and health verdict read.
type PoolMetricsService interface {
	RecordSubmitted(poolCode string)
	RecordSuccess(poolCode string, duration time.Duration)
	RecordFailure(poolCode string, duration time.Duration)
	RecordTransient(poolCode string, duration time.Duration)
	RecordRateLimited(poolCode string)
	InitializeCapacity(poolCode string, maxConcurrency, maxQueueCapacity int)
	UpdateGauges(poolCode string, activeWorkers, availablePermits, queueSize int)
	PoolStats(poolCode string) *PoolStats
	AllPoolStats() map[string]*PoolStats
	LastActivity(poolCode string) *time.Time
	RemovePool(poolCode string)
}

type timestampedOutcome struct {
	at      time.Time
	success bool
}

type poolHolder struct {
	mu               sync.RWMutex
	submitted        int64
	succeeded        int64
	failed           int64
	transient        int64
	rateLimited      int64
	processingTimeMs int64
	activeWorkers    int
	availablePermits int
	queueSize        int
	maxConcurrency   int
	maxQueueCapacity int
	lastActivity     time.Time
	// outcomes inside the 30-minute window, oldest first.
	outcomes []timestampedOutcome
}

// InMemoryPoolMetricsService keeps pool stats in process memory and
// mirrors the headline numbers into the Prometheus collectors.
type InMemoryPoolMetricsService struct {
	mu    sync.RWMutex
	pools map[string]*poolHolder

	now func() time.Time
}

// NewPoolMetricsService creates an empty in-memory pool metrics service.
func NewPoolMetricsService() *InMemoryPoolMetricsService {
	return &InMemoryPoolMetricsService{
		pools: make(map[string]*poolHolder),
		now:   time.Now,
	}
}

func (s *InMemoryPoolMetricsService) RecordSubmitted(poolCode string) {
	h := s.getOrCreate(poolCode)
	h.mu.Lock()
	h.submitted++
	h.mu.Unlock()
}

func (s *InMemoryPoolMetricsService) RecordSuccess(poolCode string, duration time.Duration) {
	now := s.now()
	h := s.getOrCreate(poolCode)
	h.mu.Lock()
	h.succeeded++
	h.processingTimeMs += duration.Milliseconds()
	h.lastActivity = now
	h.outcomes = append(h.outcomes, timestampedOutcome{at: now, success: true})
	h.mu.Unlock()

	PoolMessagesProcessed.WithLabelValues(poolCode, "success").Inc()
	PoolProcessingDuration.WithLabelValues(poolCode).Observe(duration.Seconds())
}

func (s *InMemoryPoolMetricsService) RecordFailure(poolCode string, duration time.Duration) {
	now := s.now()
	h := s.getOrCreate(poolCode)
	h.mu.Lock()
	h.failed++
	h.processingTimeMs += duration.Milliseconds()
	h.lastActivity = now
	h.outcomes = append(h.outcomes, timestampedOutcome{at: now, success: false})
	h.mu.Unlock()

	PoolMessagesProcessed.WithLabelValues(poolCode, "failed").Inc()
	PoolProcessingDuration.WithLabelValues(poolCode).Observe(duration.Seconds())
}

// RecordTransient records a retryable failure. It does not move the
// pool's last-activity marker: a pool stuck on a flapping target should
// still look stalled to the health verdict.
func (s *InMemoryPoolMetricsService) RecordTransient(poolCode string, duration time.Duration) {
	h := s.getOrCreate(poolCode)
	h.mu.Lock()
	h.transient++
	h.processingTimeMs += duration.Milliseconds()
	h.mu.Unlock()

	PoolMessagesProcessed.WithLabelValues(poolCode, "transient").Inc()
}

func (s *InMemoryPoolMetricsService) RecordRateLimited(poolCode string) {
	h := s.getOrCreate(poolCode)
	h.mu.Lock()
	h.rateLimited++
	h.mu.Unlock()

	PoolMessagesProcessed.WithLabelValues(poolCode, "rate_limited").Inc()
	PoolRateLimitRejections.WithLabelValues(poolCode).Inc()
}

func (s *InMemoryPoolMetricsService) InitializeCapacity(poolCode string, maxConcurrency, maxQueueCapacity int) {
	h := s.getOrCreate(poolCode)
	h.mu.Lock()
	h.maxConcurrency = maxConcurrency
	h.maxQueueCapacity = maxQueueCapacity
	h.mu.Unlock()
}

func (s *InMemoryPoolMetricsService) UpdateGauges(poolCode string, activeWorkers, availablePermits, queueSize int) {
	h := s.getOrCreate(poolCode)
	h.mu.Lock()
	h.activeWorkers = activeWorkers
	h.availablePermits = availablePermits
	h.queueSize = queueSize
	h.mu.Unlock()

	PoolActiveWorkers.WithLabelValues(poolCode).Set(float64(activeWorkers))
	PoolAvailablePermits.WithLabelValues(poolCode).Set(float64(availablePermits))
	PoolQueueDepth.WithLabelValues(poolCode).Set(float64(queueSize))
}

func (s *InMemoryPoolMetricsService) PoolStats(poolCode string) *PoolStats {
	s.mu.RLock()
	h, ok := s.pools[poolCode]
	s.mu.RUnlock()
	if !ok {
		return EmptyPoolStats(poolCode)
	}
	return h.buildStats(poolCode, s.now())
}

func (s *InMemoryPoolMetricsService) AllPoolStats() map[string]*PoolStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*PoolStats, len(s.pools))
	for code, h := range s.pools {
		out[code] = h.buildStats(code, s.now())
	}
	return out
}

func (s *InMemoryPoolMetricsService) LastActivity(poolCode string) *time.Time {
	s.mu.RLock()
	h, ok := s.pools[poolCode]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.lastActivity.IsZero() {
		return nil
	}
	ts := h.lastActivity
	return &ts
}

func (s *InMemoryPoolMetricsService) RemovePool(poolCode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pools[poolCode]; ok {
		delete(s.pools, poolCode)
		slog.Info("removed pool metrics", "pool", poolCode)
	}
}

func (s *InMemoryPoolMetricsService) getOrCreate(poolCode string) *poolHolder {
	s.mu.RLock()
	h, ok := s.pools[poolCode]
	s.mu.RUnlock()
	if ok {
		return h
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.pools[poolCode]; ok {
		return h
	}
	h = &poolHolder{}
	s.pools[poolCode] = h
	return h
}

func (h *poolHolder) buildStats(poolCode string, now time.Time) *PoolStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	fiveMinAgo := now.Add(-5 * time.Minute)
	thirtyMinAgo := now.Add(-30 * time.Minute)

	// Drop outcomes past the 30-minute horizon while counting windows.
	kept := h.outcomes[:0]
	var succeeded5, total5, succeeded30, total30 int64
	for _, o := range h.outcomes {
		if !o.at.After(thirtyMinAgo) {
			continue
		}
		kept = append(kept, o)
		total30++
		if o.success {
			succeeded30++
		}
		if o.at.After(fiveMinAgo) {
			total5++
			if o.success {
				succeeded5++
			}
		}
	}
	h.outcomes = kept

	totalProcessed := h.succeeded + h.failed
	stats := &PoolStats{
		PoolCode:            poolCode,
		TotalProcessed:      totalProcessed,
		TotalSucceeded:      h.succeeded,
		TotalFailed:         h.failed,
		TotalTransient:      h.transient,
		TotalRateLimited:    h.rateLimited,
		SuccessRate:         rate(h.succeeded, totalProcessed),
		ActiveWorkers:       h.activeWorkers,
		AvailablePermits:    h.availablePermits,
		MaxConcurrency:      h.maxConcurrency,
		QueueSize:           h.queueSize,
		MaxQueueCapacity:    h.maxQueueCapacity,
		TotalProcessed5min:  total5,
		Succeeded5min:       succeeded5,
		SuccessRate5min:     rate(succeeded5, total5),
		TotalProcessed30min: total30,
		Succeeded30min:      succeeded30,
		SuccessRate30min:    rate(succeeded30, total30),
	}
	if totalProcessed > 0 {
		stats.AverageProcessingTimeMs = float64(h.processingTimeMs) / float64(totalProcessed)
	}
	return stats
}

func rate(succeeded, total int64) float64 {
	if total == 0 {
		return 1.0
	}
	return float64(succeeded) / float64(total)
}
