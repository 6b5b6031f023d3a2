package health

import (
	"time"

	"github.com/flowmill/flowmill/internal/router/breaker"
	"github.com/flowmill/flowmill/internal/router/metrics"
	"github.com/flowmill/flowmill/internal/router/warning"
)

// Status is the composite health grade.
type Status string

const (
	StatusHealthy   Status = "HEALTHY"
	StatusDegraded  Status = "DEGRADED"
	StatusUnhealthy Status = "UNHEALTHY"
)

// degradedSuccessRate is the 5-minute success rate below which a pool
// degrades the composite status.
const degradedSuccessRate = 0.9

// Report is the full composite health view served to operators.
type Report struct {
	Status         Status                         `json:"status"`
	Infrastructure Verdict                        `json:"infrastructure"`
	Broker         BrokerStatus                   `json:"broker"`
	OpenBreakers   int                            `json:"openBreakers"`
	ActiveWarnings int                            `json:"activeWarnings"`
	DegradedPools  []string                       `json:"degradedPools,omitempty"`
	Pools          map[string]*metrics.PoolStats  `json:"pools"`
	Queues         map[string]*metrics.QueueStats `json:"queues"`
	GeneratedAt    time.Time                      `json:"generatedAt"`
}

// StatusService composes the health inputs into one grade.
type StatusService struct {
	infra       *InfrastructureService
	broker      *BrokerService
	breakers    *breaker.Registry
	warnings    warning.Service
	poolMetrics metrics.PoolMetricsService
	queueStats  metrics.QueueMetricsService
}

// NewStatusService wires the composite service.
func NewStatusService(infra *InfrastructureService, brokerSvc *BrokerService, breakers *breaker.Registry, warnings warning.Service, poolMetrics metrics.PoolMetricsService, queueStats metrics.QueueMetricsService) *StatusService {
	return &StatusService{
		infra:       infra,
		broker:      brokerSvc,
		breakers:    breakers,
		warnings:    warnings,
		poolMetrics: poolMetrics,
		queueStats:  queueStats,
	}
}

// Report builds the composite view. UNHEALTHY when the infrastructure
// verdict fails or the broker is unreachable; DEGRADED when a circuit
// breaker is open, warnings are active or a pool's recent success rate
// is poor; HEALTHY otherwise.
func (s *StatusService) Report() Report {
	infra := s.infra.Check()
	brokerStatus := s.broker.Status()
	poolStats := s.poolMetrics.AllPoolStats()

	var degraded []string
	for code, stats := range poolStats {
		if stats.TotalProcessed5min > 0 && stats.SuccessRate5min < degradedSuccessRate {
			degraded = append(degraded, code)
		}
	}
	openBreakers := 0
	for _, stats := range s.breakers.Stats() {
		if stats.State == "OPEN" {
			openBreakers++
		}
	}
	active := s.warnings.ActiveCount()

	status := StatusHealthy
	switch {
	case !infra.Healthy || !brokerStatus.Connected:
		status = StatusUnhealthy
	case openBreakers > 0 || active > 0 || len(degraded) > 0:
		status = StatusDegraded
	}

	return Report{
		Status:         status,
		Infrastructure: infra,
		Broker:         brokerStatus,
		OpenBreakers:   openBreakers,
		ActiveWarnings: active,
		DegradedPools:  degraded,
		Pools:          poolStats,
		Queues:         s.queueStats.AllQueueStats(),
		GeneratedAt:    time.Now(),
	}
}
