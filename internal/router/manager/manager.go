// Package manager implements the queue manager: it routes decoded
// messages to their process pool, suppresses duplicate deliveries, keeps
// the in-flight and consumer-health views, and owns pool and consumer
// lifecycle.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowmill/flowmill/broker"
	"github.com/flowmill/flowmill/internal/router/breaker"
	"github.com/flowmill/flowmill/internal/router/config"
	"github.com/flowmill/flowmill/internal/router/ids"
	"github.com/flowmill/flowmill/internal/router/mediator"
	"github.com/flowmill/flowmill/internal/router/message"
	"github.com/flowmill/flowmill/internal/router/metrics"
	"github.com/flowmill/flowmill/internal/router/pool"
	"github.com/flowmill/flowmill/internal/router/warning"
)

// Routing errors.
var (
	// ErrUnknownPool: the message names a pool this manager does not
	// have. The message is left unsettled so the broker redelivers it
	// once the pool table catches up.
	ErrUnknownPool = errors.New("unknown pool code")
	// ErrQueueFull: the target pool's queue is at capacity.
	ErrQueueFull = errors.New("pool queue full")
	// ErrDuplicate: the message is already in the pipeline.
	ErrDuplicate = errors.New("message already in pipeline")
)

// fastFailDelay is the redelivery delay for queue-full bounces.
const fastFailDelay = 10 * time.Second

// sweepInterval is the cadence of the stale pipeline sweep.
const sweepInterval = time.Minute

// Options wires a Manager.
type Options struct {
	Pools       []config.PoolConfig
	Consumers   []broker.Consumer
	PoolMetrics metrics.PoolMetricsService
	QueueStats  metrics.QueueMetricsService
	Warnings    warning.Service
	// DrainTimeout bounds Stop's wait for pool drain.
	DrainTimeout time.Duration
	// InFlightTTL is the age at which a pipeline entry counts as leaked.
	InFlightTTL time.Duration
	// ConsumerStaleness is the poll-health window.
	ConsumerStaleness time.Duration
}

// Manager is the queue manager. It implements broker.Sink for consumers
// and pool.Listener for its pools.
type Manager struct {
	mu    sync.RWMutex
	pools map[string]*pool.Pool

	consumers []broker.Consumer

	pipelineMu sync.Mutex
	pipeline   map[string]time.Time // dedup key -> routedAt

	inflight       *InFlightTracker
	consumerHealth *consumerHealthRegistry

	poolMetrics metrics.PoolMetricsService
	queueStats  metrics.QueueMetricsService
	warnings    warning.Service

	instanceID   string
	drainTimeout time.Duration
	inFlightTTL  time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a manager with one pool per config entry.
func New(med mediator.Mediator, breakers *breaker.Registry, opts Options) *Manager {
	if opts.PoolMetrics == nil {
		opts.PoolMetrics = metrics.NewPoolMetricsService()
	}
	if opts.QueueStats == nil {
		opts.QueueStats = metrics.NewQueueMetricsService()
	}
	if opts.Warnings == nil {
		opts.Warnings = warning.NewService()
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = config.DefaultDrainTimeout
	}
	if opts.InFlightTTL <= 0 {
		opts.InFlightTTL = config.DefaultInFlightTTL
	}
	if opts.ConsumerStaleness <= 0 {
		opts.ConsumerStaleness = config.DefaultConsumerStaleness
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		pools:          make(map[string]*pool.Pool),
		consumers:      opts.Consumers,
		pipeline:       make(map[string]time.Time),
		inflight:       NewInFlightTracker(),
		consumerHealth: newConsumerHealthRegistry(opts.ConsumerStaleness),
		poolMetrics:    opts.PoolMetrics,
		queueStats:     opts.QueueStats,
		warnings:       opts.Warnings,
		instanceID:     ids.NewULID(),
		drainTimeout:   opts.DrainTimeout,
		inFlightTTL:    opts.InFlightTTL,
		ctx:            ctx,
		cancel:         cancel,
	}

	for _, pc := range opts.Pools {
		m.pools[pc.Code] = pool.New(pool.Options{
			Code:               pc.Code,
			Concurrency:        pc.Concurrency,
			RateLimitPerMinute: pc.RateLimitPerMinute,
			Mediator:           med,
			Breakers:           breakers,
			Metrics:            opts.PoolMetrics,
			Listener:           m,
		})
	}
	return m
}

// Start launches pools, consumers and the stale-pipeline sweep.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	pools := make([]*pool.Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()

	for _, p := range pools {
		p.Start()
	}
	for _, c := range m.consumers {
		m.consumerHealth.register(c.QueueIdentifier(), m.instanceID)
		if err := c.Start(m.ctx, m); err != nil {
			return fmt.Errorf("start consumer %s: %w", c.QueueIdentifier(), err)
		}
	}

	m.wg.Add(1)
	go m.sweepLoop()

	slog.Info("queue manager started",
		"pools", len(pools), "consumers", len(m.consumers), "instance", m.instanceID)
	return nil
}

// Stop shuts the manager down: consumers first so no new work arrives,
// then pools drain until the timeout and shut down. Errors are joined.
func (m *Manager) Stop() error {
	var errs []error
	for _, c := range m.consumers {
		if err := c.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop consumer %s: %w", c.QueueIdentifier(), err))
		}
		m.consumerHealth.stopped(c.QueueIdentifier())
	}

	m.mu.RLock()
	pools := make([]*pool.Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.RUnlock()

	for _, p := range pools {
		p.Drain()
	}
	deadline := time.Now().Add(m.drainTimeout)
	for _, p := range pools {
		for !p.IsFullyDrained() && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		if !p.IsFullyDrained() {
			errs = append(errs, fmt.Errorf("pool %s: drain timed out", p.Code()))
		}
		p.Shutdown()
	}

	m.cancel()
	m.wg.Wait()
	slog.Info("queue manager stopped")
	return errors.Join(errs...)
}

// Route hands a message to the pool it names. The caller keeps
// settlement responsibility when an error is returned.
func (m *Manager) Route(msg *message.Pointer) error {
	m.mu.RLock()
	p, ok := m.pools[msg.PoolCode]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPool, msg.PoolCode)
	}

	key := msg.DedupKey()
	if !m.pipelineAdd(key) {
		return fmt.Errorf("%w: %s", ErrDuplicate, key)
	}
	if !p.Submit(msg) {
		m.pipelineRemove(key)
		return fmt.Errorf("%w: %s", ErrQueueFull, msg.PoolCode)
	}
	return nil
}

// HandleMessage implements broker.Sink: it records traffic, wraps the
// settlement hooks and routes. Routing failures are settled here per the
// error taxonomy; duplicates and unknown pools stay unsettled so the
// broker's own redelivery applies.
func (m *Manager) HandleMessage(msg *message.Pointer) {
	queue := msg.SourceQueue
	m.queueStats.RecordReceived(queue)
	m.wrapSettlement(msg)

	err := m.Route(msg)
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, ErrDuplicate):
		slog.Debug("duplicate delivery suppressed",
			"messageId", msg.ID, "queue", queue)
	case errors.Is(err, ErrQueueFull):
		slog.Warn("pool queue full, bouncing message",
			"messageId", msg.ID, "pool", msg.PoolCode)
		if nackErr := msg.NackWithDelay(fastFailDelay); nackErr != nil {
			slog.Error("nack failed", "messageId", msg.ID, "error", nackErr)
		}
	case errors.Is(err, ErrUnknownPool):
		m.warnings.Warn(warning.CategoryRouting, warning.SeverityWarning,
			"queue:"+queue,
			fmt.Sprintf("message %s names unknown pool %q", msg.ID, msg.PoolCode))
	default:
		slog.Error("routing failed", "messageId", msg.ID, "error", err)
	}
}

// PollCompleted implements broker.Sink.
func (m *Manager) PollCompleted(queue string) {
	m.consumerHealth.pollCompleted(queue)
}

// DecodeFailed implements broker.Sink.
func (m *Manager) DecodeFailed(queue string) {
	m.queueStats.RecordDecodeFailure(queue)
}

// wrapSettlement decorates the message's hooks so queue traffic metrics
// see every ack and nack, whichever component settles the message.
func (m *Manager) wrapSettlement(msg *message.Pointer) {
	queue := msg.SourceQueue
	if ack := msg.AckFunc; ack != nil {
		msg.AckFunc = func() error {
			m.queueStats.RecordAcked(queue)
			return ack()
		}
	}
	if nack := msg.NackFunc; nack != nil {
		msg.NackFunc = func() error {
			m.queueStats.RecordNacked(queue)
			return nack()
		}
	}
	if nackDelay := msg.NackDelayFunc; nackDelay != nil {
		msg.NackDelayFunc = func(d time.Duration) error {
			m.queueStats.RecordNacked(queue)
			return nackDelay(d)
		}
	}
}

// pool.Listener implementation.

func (m *Manager) DispatchStarted(msg *message.Pointer) {
	m.inflight.Add(msg)
}

func (m *Manager) DispatchFinished(msg *message.Pointer) {
	m.inflight.Remove(msg)
}

func (m *Manager) MessageSettled(msg *message.Pointer) {
	m.pipelineRemove(msg.DedupKey())
}

// Introspection.

// Pool returns a pool by code.
func (m *Manager) Pool(code string) (*pool.Pool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[code]
	return p, ok
}

// Pools returns every pool keyed by code.
func (m *Manager) Pools() map[string]*pool.Pool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*pool.Pool, len(m.pools))
	for code, p := range m.pools {
		out[code] = p
	}
	return out
}

// InFlight returns in-flight snapshots, oldest first.
func (m *Manager) InFlight(limit int, messageID string) []InFlightMessage {
	return m.inflight.Snapshot(limit, messageID)
}

// ConsumerHealth returns every consumer's poll health.
func (m *Manager) ConsumerHealth() map[string]QueueConsumerHealth {
	return m.consumerHealth.snapshot()
}

// ConsumersHealthy reports whether every consumer polls freshly.
func (m *Manager) ConsumersHealthy() bool {
	return m.consumerHealth.allHealthy()
}

// PipelineSize returns the number of messages between routing and
// settlement.
func (m *Manager) PipelineSize() int {
	m.pipelineMu.Lock()
	defer m.pipelineMu.Unlock()
	return len(m.pipeline)
}

// pipelineAdd records a routed message. False when already present.
func (m *Manager) pipelineAdd(key string) bool {
	m.pipelineMu.Lock()
	defer m.pipelineMu.Unlock()
	if _, ok := m.pipeline[key]; ok {
		return false
	}
	m.pipeline[key] = time.Now()
	return true
}

func (m *Manager) pipelineRemove(key string) {
	m.pipelineMu.Lock()
	delete(m.pipeline, key)
	m.pipelineMu.Unlock()
}

// sweepLoop periodically drops pipeline entries older than the TTL.
// Entries that old mean a settlement path was missed somewhere; the
// sweep keeps the map bounded and raises a warning for the leak.
func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweepStalePipeline()
		}
	}
}

func (m *Manager) sweepStalePipeline() {
	cutoff := time.Now().Add(-m.inFlightTTL)

	m.pipelineMu.Lock()
	var leaked []string
	for key, routedAt := range m.pipeline {
		if routedAt.Before(cutoff) {
			leaked = append(leaked, key)
			delete(m.pipeline, key)
		}
	}
	m.pipelineMu.Unlock()

	if len(leaked) > 0 {
		m.warnings.Warn(warning.CategoryPipeline, warning.SeverityWarning,
			"queue-manager",
			fmt.Sprintf("removed %d pipeline entries older than %s", len(leaked), m.inFlightTTL))
	}
}
