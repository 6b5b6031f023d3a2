// Package health derives the router's health from pool activity, broker
// connectivity and open warnings. It only reads: nothing here sits on
// the dispatch path.
package health

import (
	"fmt"
	"sync"
	"time"

	"github.com/flowmill/flowmill/internal/router/metrics"
	"github.com/flowmill/flowmill/internal/router/pool"
)

// verdictCacheTTL bounds how often the infrastructure verdict is
// recomputed; health endpoints can be polled aggressively.
const verdictCacheTTL = 5 * time.Second

// Verdict is the infrastructure health result.
type Verdict struct {
	Healthy   bool      `json:"healthy"`
	Reasons   []string  `json:"reasons,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}

// PoolLister supplies the live pools. The queue manager implements it.
type PoolLister interface {
	Pools() map[string]*pool.Pool
}

// InfrastructureService judges whether the routing machinery itself is
// able to move messages.
type InfrastructureService struct {
	enabled       bool
	stalledWindow time.Duration
	pools         PoolLister
	poolMetrics   metrics.PoolMetricsService

	mu     sync.Mutex
	cached *Verdict

	now func() time.Time
}

// NewInfrastructureService creates the service. With enabled false the
// verdict is always healthy: a deliberately disabled router is not an
// incident.
func NewInfrastructureService(enabled bool, stalledWindow time.Duration, pools PoolLister, poolMetrics metrics.PoolMetricsService) *InfrastructureService {
	return &InfrastructureService{
		enabled:       enabled,
		stalledWindow: stalledWindow,
		pools:         pools,
		poolMetrics:   poolMetrics,
		now:           time.Now,
	}
}

// Check returns the current verdict, recomputing at most once per cache
// interval.
func (s *InfrastructureService) Check() Verdict {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.cached != nil && now.Sub(s.cached.CheckedAt) < verdictCacheTTL {
		return *s.cached
	}
	v := s.evaluate(now)
	s.cached = &v
	return v
}

func (s *InfrastructureService) evaluate(now time.Time) Verdict {
	if !s.enabled {
		return Verdict{
			Healthy:   true,
			Reasons:   []string{"router disabled"},
			CheckedAt: now,
		}
	}

	pools := s.pools.Pools()
	if len(pools) == 0 {
		return Verdict{
			Healthy:   false,
			Reasons:   []string{"No active process pools"},
			CheckedAt: now,
		}
	}

	// A pool is stalled when it has queued work but completed nothing
	// inside the window. One live pool keeps the verdict healthy; a
	// partially degraded router still moves messages.
	stalled := 0
	var reasons []string
	for code, p := range pools {
		if s.isStalled(code, p, now) {
			stalled++
			reasons = append(reasons, fmt.Sprintf("pool %s stalled", code))
		}
	}
	if stalled == len(pools) {
		return Verdict{
			Healthy:   false,
			Reasons:   append(reasons, "all process pools stalled"),
			CheckedAt: now,
		}
	}
	return Verdict{Healthy: true, Reasons: reasons, CheckedAt: now}
}

func (s *InfrastructureService) isStalled(code string, p *pool.Pool, now time.Time) bool {
	if p.QueueSize() == 0 && p.ActiveWorkers() == 0 {
		return false
	}
	last := s.poolMetrics.LastActivity(code)
	if last == nil {
		// Work queued but nothing ever completed: stalled once the
		// window has passed since there is no other reference point.
		return true
	}
	return now.Sub(*last) > s.stalledWindow
}
