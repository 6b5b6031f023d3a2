// Package warning keeps an append-only record of non-fatal operational
// issues (broker outages, pipeline leaks, stalled pools). Warnings have a
// lifecycle independent of message dispatch: they are raised by any
// component, surfaced on the monitoring API, and acknowledged by an
// operator or by age.
package warning

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/flowmill/flowmill/internal/router/ids"
)

// Severity levels.
const (
	SeverityInfo     = "INFO"
	SeverityWarning  = "WARNING"
	SeverityCritical = "CRITICAL"
)

// Well-known categories.
const (
	CategoryBroker   = "BROKER"
	CategoryPool     = "POOL"
	CategoryPipeline = "PIPELINE"
	CategoryRouting  = "ROUTING"
)

// healthWindow is how long an unacknowledged warning counts against the
// health verdict.
const healthWindow = 30 * time.Minute

// autoAckAge is the age at which a warning is acknowledged automatically.
const autoAckAge = 8 * time.Hour

// Warning is one recorded operational issue.
type Warning struct {
	ID           string    `json:"id"`
	Category     string    `json:"category"`
	Severity     string    `json:"severity"`
	Message      string    `json:"message"`
	Source       string    `json:"source"`
	Timestamp    time.Time `json:"timestamp"`
	Acknowledged bool      `json:"acknowledged"`
}

// Service records and serves warnings.
type Service interface {
	Warn(category, severity, source, message string) Warning
	Warnings() []Warning
	Unacknowledged() []Warning
	// ActiveCount is the number of unacknowledged warnings young enough
	// to count against health.
	ActiveCount() int
	Acknowledge(id string) bool
	AcknowledgeAll() int
	Clear() int
}

// InMemoryService is the process-local Service implementation.
type InMemoryService struct {
	mu       sync.Mutex
	warnings []Warning

	now func() time.Time
}

// NewService creates an empty warning service.
func NewService() *InMemoryService {
	return &InMemoryService{now: time.Now}
}

// Warn records a warning and returns it.
func (s *InMemoryService) Warn(category, severity, source, message string) Warning {
	w := Warning{
		ID:        ids.NewULID(),
		Category:  category,
		Severity:  severity,
		Message:   message,
		Source:    source,
		Timestamp: s.now(),
	}

	s.mu.Lock()
	s.warnings = append(s.warnings, w)
	s.mu.Unlock()

	slog.Warn("operational warning raised",
		"id", w.ID, "category", category, "severity", severity,
		"source", source, "message", message)
	return w
}

// Warnings returns every warning, newest first.
func (s *InMemoryService) Warnings() []Warning {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoAcknowledge()

	out := make([]Warning, len(s.warnings))
	copy(out, s.warnings)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// Unacknowledged returns the warnings still awaiting acknowledgement,
// newest first.
func (s *InMemoryService) Unacknowledged() []Warning {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoAcknowledge()

	var out []Warning
	for _, w := range s.warnings {
		if !w.Acknowledged {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// ActiveCount counts unacknowledged warnings raised inside the health
// window. Older unacknowledged warnings remain listed but no longer
// degrade health.
func (s *InMemoryService) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoAcknowledge()

	cutoff := s.now().Add(-healthWindow)
	n := 0
	for _, w := range s.warnings {
		if !w.Acknowledged && w.Timestamp.After(cutoff) {
			n++
		}
	}
	return n
}

// Acknowledge marks one warning acknowledged. Reports whether it existed.
func (s *InMemoryService) Acknowledge(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.warnings {
		if s.warnings[i].ID == id {
			s.warnings[i].Acknowledged = true
			return true
		}
	}
	return false
}

// AcknowledgeAll acknowledges every open warning and returns the count.
func (s *InMemoryService) AcknowledgeAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.warnings {
		if !s.warnings[i].Acknowledged {
			s.warnings[i].Acknowledged = true
			n++
		}
	}
	return n
}

// Clear drops every warning and returns how many were removed.
func (s *InMemoryService) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.warnings)
	s.warnings = nil
	return n
}

// autoAcknowledge acknowledges warnings past the auto-ack age. Caller
// holds mu.
func (s *InMemoryService) autoAcknowledge() {
	cutoff := s.now().Add(-autoAckAge)
	for i := range s.warnings {
		if !s.warnings[i].Acknowledged && s.warnings[i].Timestamp.Before(cutoff) {
			s.warnings[i].Acknowledged = true
		}
	}
}
