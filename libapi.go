package flowmill

import (
	"context"

	brokerpkg "github.com/flowmill/flowmill/broker"
	// Built-in broker adapters register themselves on import.
	_ "github.com/flowmill/flowmill/broker/brokers"
	"github.com/flowmill/flowmill/broker/embedded"
	routerpkg "github.com/flowmill/flowmill/internal/router"
	breakerpkg "github.com/flowmill/flowmill/internal/router/breaker"
	configpkg "github.com/flowmill/flowmill/internal/router/config"
	healthpkg "github.com/flowmill/flowmill/internal/router/health"
	managerpkg "github.com/flowmill/flowmill/internal/router/manager"
	mediatorpkg "github.com/flowmill/flowmill/internal/router/mediator"
	messagepkg "github.com/flowmill/flowmill/internal/router/message"
	metricspkg "github.com/flowmill/flowmill/internal/router/metrics"
	warningpkg "github.com/flowmill/flowmill/internal/router/warning"
)

type (
	// Configuration
	Config         = configpkg.Config
	BrokerConfig   = configpkg.BrokerConfig
	PoolConfig     = configpkg.PoolConfig
	MediatorConfig = configpkg.MediatorConfig
	BreakerConfig  = configpkg.BreakerConfig
	HealthConfig   = configpkg.HealthConfig

	// Router
	Router = routerpkg.Router

	// Messages
	MessagePointer = messagepkg.Pointer

	// Mediation
	MediationOutcome = mediatorpkg.Outcome
	MediationResult  = mediatorpkg.Result

	// Broker extension points
	BrokerConsumer     = brokerpkg.Consumer
	BrokerSink         = brokerpkg.Sink
	BrokerBuilder      = brokerpkg.Builder
	BrokerCapabilities = brokerpkg.Capabilities
	BrokerRegistry     = brokerpkg.Registry

	// Embedded queue
	EmbeddedStore = embedded.Store

	// Monitoring views
	PoolStats           = metricspkg.PoolStats
	QueueStats          = metricspkg.QueueStats
	BreakerStats        = breakerpkg.Stats
	Warning             = warningpkg.Warning
	InFlightMessage     = managerpkg.InFlightMessage
	QueueConsumerHealth = managerpkg.QueueConsumerHealth
	HealthReport        = healthpkg.Report
	HealthVerdict       = healthpkg.Verdict
	BrokerStatus        = healthpkg.BrokerStatus
)

// Broker kinds accepted in Config.Broker.Kind.
const (
	BrokerSQS      = configpkg.BrokerSQS
	BrokerNATS     = configpkg.BrokerNATS
	BrokerActiveMQ = configpkg.BrokerActiveMQ
	BrokerEmbedded = configpkg.BrokerEmbedded
)

// Mediation results.
const (
	ResultSuccess         = mediatorpkg.ResultSuccess
	ResultErrorConfig     = mediatorpkg.ResultErrorConfig
	ResultErrorProcess    = mediatorpkg.ResultErrorProcess
	ResultErrorConnection = mediatorpkg.ResultErrorConnection
)

// Composite health grades.
const (
	StatusHealthy   = healthpkg.StatusHealthy
	StatusDegraded  = healthpkg.StatusDegraded
	StatusUnhealthy = healthpkg.StatusUnhealthy
)

var (
	// LoadConfig reads, normalizes and validates a YAML config file.
	LoadConfig = configpkg.Load

	// RegisterBroker adds a custom broker adapter to the default
	// registry under a kind name usable in Config.Broker.Kind.
	RegisterBroker = brokerpkg.Register

	// OpenEmbeddedStore opens the embedded SQLite queue for enqueuing
	// from the hosting process.
	OpenEmbeddedStore = embedded.Open

	// DecodeMessage and EncodeMessage translate the broker wire format.
	DecodeMessage = messagepkg.Decode
	EncodeMessage = messagepkg.Encode
)

// New builds a Router from a loaded configuration. The context bounds
// broker connection setup only.
func New(ctx context.Context, cfg *Config) (*Router, error) {
	return routerpkg.New(ctx, cfg)
}
