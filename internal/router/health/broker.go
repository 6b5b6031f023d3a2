package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowmill/flowmill/broker"
	"github.com/flowmill/flowmill/internal/router/warning"
)

// BrokerStatus is the connectivity view of the configured broker.
type BrokerStatus struct {
	Connected           bool      `json:"connected"`
	Issues              []string  `json:"issues,omitempty"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	CheckedAt           time.Time `json:"checkedAt"`
}

// BrokerService probes broker connectivity through the consumers' Ping.
// Always-connected brokers (the embedded store) skip probing entirely.
type BrokerService struct {
	consumers   []broker.Consumer
	caps        broker.Capabilities
	pingTimeout time.Duration
	warnings    warning.Service

	mu   sync.Mutex
	last BrokerStatus
}

// NewBrokerService creates the service. warnings may be nil.
func NewBrokerService(consumers []broker.Consumer, caps broker.Capabilities, pingTimeout time.Duration, warnings warning.Service) *BrokerService {
	return &BrokerService{
		consumers:   consumers,
		caps:        caps,
		pingTimeout: pingTimeout,
		warnings:    warnings,
		last:        BrokerStatus{Connected: true},
	}
}

// Check pings every consumer's broker connection and records the result.
func (s *BrokerService) Check(ctx context.Context) BrokerStatus {
	now := time.Now()
	if s.caps.AlwaysConnected {
		return s.store(BrokerStatus{Connected: true, CheckedAt: now})
	}

	var issues []string
	for _, c := range s.consumers {
		pingCtx, cancel := context.WithTimeout(ctx, s.pingTimeout)
		err := c.Ping(pingCtx)
		cancel()
		if err != nil {
			issues = append(issues, fmt.Sprintf("%s: %v", c.QueueIdentifier(), err))
		}
	}

	status := BrokerStatus{
		Connected: len(issues) == 0,
		Issues:    issues,
		CheckedAt: now,
	}

	s.mu.Lock()
	wasConnected := s.last.Connected
	if status.Connected {
		status.ConsecutiveFailures = 0
	} else {
		status.ConsecutiveFailures = s.last.ConsecutiveFailures + 1
	}
	s.last = status
	s.mu.Unlock()

	if !status.Connected && wasConnected && s.warnings != nil {
		s.warnings.Warn(warning.CategoryBroker, warning.SeverityCritical,
			"broker:"+s.caps.Name,
			fmt.Sprintf("broker unreachable: %v", issues))
	}
	return status
}

// Status returns the last recorded probe result.
func (s *BrokerService) Status() BrokerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Run probes on a fixed cadence until ctx is done.
func (s *BrokerService) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := s.Check(ctx)
			if !status.Connected {
				slog.Warn("broker connectivity check failed",
					"broker", s.caps.Name,
					"consecutiveFailures", status.ConsecutiveFailures)
			}
		}
	}
}

func (s *BrokerService) store(status BrokerStatus) BrokerStatus {
	s.mu.Lock()
	s.last = status
	s.mu.Unlock()
	return status
}
