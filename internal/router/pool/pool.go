// Package pool implements the process pool: a named, bounded-concurrency
// worker group consuming from its own bounded queue, consulting the rate
// limiter and the target's circuit breaker before every dispatch.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowmill/flowmill/internal/router/breaker"
	"github.com/flowmill/flowmill/internal/router/mediator"
	"github.com/flowmill/flowmill/internal/router/message"
	"github.com/flowmill/flowmill/internal/router/metrics"
	"github.com/flowmill/flowmill/internal/router/ratelimit"
)

const (
	// minQueueCapacity floors the derived queue capacity.
	minQueueCapacity = 500
	// queueCapacityFactor scales concurrency into queue capacity.
	queueCapacityFactor = 10

	// fastFailDelay is the redelivery delay for messages bounced by the
	// rate limiter or an open breaker. Short, so throughput recovers as
	// soon as the constraint clears.
	fastFailDelay = 10 * time.Second

	// gaugeInterval is the cadence of the pool gauge publisher.
	gaugeInterval = 500 * time.Millisecond

	// leaseExtendInterval is how often a long dispatch extends its
	// broker lease.
	leaseExtendInterval = 30 * time.Second
)

// Listener observes message lifecycle events. The queue manager uses it
// to maintain the in-flight view and the pipeline map.
type Listener interface {
	// DispatchStarted fires when a worker begins mediating a message.
	DispatchStarted(msg *message.Pointer)
	// DispatchFinished fires when mediation ends, before settlement.
	DispatchFinished(msg *message.Pointer)
	// MessageSettled fires exactly once per submitted message, after it
	// has been acked or nacked.
	MessageSettled(msg *message.Pointer)
}

// NopListener ignores every event.
type NopListener struct{}

func (NopListener) DispatchStarted(*message.Pointer)  {}
func (NopListener) DispatchFinished(*message.Pointer) {}
func (NopListener) MessageSettled(*message.Pointer)   {}

// QueueCapacityFor derives a pool's queue capacity from its concurrency.
func QueueCapacityFor(concurrency int) int {
	capacity := concurrency * queueCapacityFactor
	if capacity < minQueueCapacity {
		capacity = minQueueCapacity
	}
	return capacity
}

// Pool is a process pool. Create with New, then Start; Submit routes
// work in; Drain then Shutdown end it.
type Pool struct {
	code     string
	queue    chan *message.Pointer
	capacity int

	sem     *semaphore
	limiter *ratelimit.Limiter

	med      mediator.Mediator
	breakers *breaker.Registry
	metrics  metrics.PoolMetricsService
	listener Listener

	ctx    context.Context
	cancel context.CancelFunc

	started  atomic.Bool
	draining atomic.Bool
	// pending counts submitted messages not yet settled.
	pending atomic.Int64

	wg sync.WaitGroup
}

// Options carries the pool's collaborators. Metrics and Listener may be
// nil for standalone use.
type Options struct {
	Code               string
	Concurrency        int
	RateLimitPerMinute *int
	Mediator           mediator.Mediator
	Breakers           *breaker.Registry
	Metrics            metrics.PoolMetricsService
	Listener           Listener
}

// New creates a stopped pool.
func New(opts Options) *Pool {
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewPoolMetricsService()
	}
	if opts.Listener == nil {
		opts.Listener = NopListener{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	capacity := QueueCapacityFor(opts.Concurrency)
	return &Pool{
		code:     opts.Code,
		queue:    make(chan *message.Pointer, capacity),
		capacity: capacity,
		sem:      newSemaphore(opts.Concurrency),
		limiter:  ratelimit.New(opts.RateLimitPerMinute),
		med:      opts.Mediator,
		breakers: opts.Breakers,
		metrics:  opts.Metrics,
		listener: opts.Listener,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the dispatcher and the gauge publisher. Idempotent.
func (p *Pool) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.metrics.InitializeCapacity(p.code, p.sem.Limit(), p.capacity)

	p.wg.Add(2)
	go p.dispatchLoop()
	go p.gaugeLoop()

	slog.Info("process pool started",
		"pool", p.code,
		"concurrency", p.sem.Limit(),
		"queueCapacity", p.capacity,
		"rateLimitPerMinute", formatLimit(p.limiter.Limit()))
}

// Submit offers a message to the pool without blocking. Returns false
// when the pool is draining or its queue is full; the caller keeps
// responsibility for the message in that case.
func (p *Pool) Submit(msg *message.Pointer) bool {
	if p.draining.Load() {
		return false
	}
	select {
	case p.queue <- msg:
		p.pending.Add(1)
		p.metrics.RecordSubmitted(p.code)
		return true
	default:
		return false
	}
}

// Drain stops intake. Queued and active work keeps running; poll
// IsFullyDrained for completion.
func (p *Pool) Drain() {
	if p.draining.CompareAndSwap(false, true) {
		slog.Info("process pool draining", "pool", p.code)
	}
}

// IsFullyDrained reports whether intake is stopped and every accepted
// message has settled.
func (p *Pool) IsFullyDrained() bool {
	return p.draining.Load() && p.pending.Load() == 0
}

// Shutdown stops the pool. In-flight mediations are cancelled and queued
// messages are nacked back to the broker. Call after Drain for a clean
// stop, or directly for a forced one.
func (p *Pool) Shutdown() {
	p.Drain()
	p.cancel()
	p.wg.Wait()

	// The dispatcher has exited; bounce whatever it never dequeued.
	for {
		select {
		case msg := <-p.queue:
			p.bounce(msg, nil)
		default:
			slog.Info("process pool stopped", "pool", p.code)
			return
		}
	}
}

// UpdateConcurrency changes the worker limit. An increase applies
// immediately. A decrease waits up to timeout for enough workers to
// finish; when they do not, the old limit is kept and false is returned.
func (p *Pool) UpdateConcurrency(newLimit int, timeout time.Duration) bool {
	if newLimit <= 0 {
		return false
	}
	current := p.sem.Limit()
	switch {
	case newLimit == current:
		return true
	case newLimit > current:
		p.sem.Grow(newLimit)
	default:
		if !p.sem.Shrink(newLimit, timeout) {
			slog.Warn("concurrency decrease timed out",
				"pool", p.code, "from", current, "to", newLimit)
			return false
		}
	}
	p.metrics.InitializeCapacity(p.code, newLimit, p.capacity)
	slog.Info("pool concurrency updated", "pool", p.code, "from", current, "to", newLimit)
	return true
}

// UpdateRateLimit swaps the admission limit. The trailing window is
// preserved, so lowering the limit takes effect against admissions
// already granted.
func (p *Pool) UpdateRateLimit(limitPerMinute *int) {
	p.limiter.SetLimit(limitPerMinute)
	slog.Info("pool rate limit updated",
		"pool", p.code, "rateLimitPerMinute", formatLimit(limitPerMinute))
}

// Introspection.

func (p *Pool) Code() string             { return p.code }
func (p *Pool) Concurrency() int         { return p.sem.Limit() }
func (p *Pool) RateLimitPerMinute() *int { return p.limiter.Limit() }
func (p *Pool) QueueSize() int           { return len(p.queue) }
func (p *Pool) QueueCapacity() int       { return p.capacity }
func (p *Pool) ActiveWorkers() int       { return p.sem.InUse() }
func (p *Pool) IsRateLimited() bool      { return p.limiter.IsNearLimit() }

// dispatchLoop pulls queued messages, applies admission control and
// hands each admitted message to a worker goroutine holding a permit.
func (p *Pool) dispatchLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case msg := <-p.queue:
			if !p.limiter.TryAcquire() {
				p.metrics.RecordRateLimited(p.code)
				slog.Debug("message rate limited", "pool", p.code, "messageId", msg.ID)
				p.bounce(msg, nil)
				continue
			}
			if err := p.sem.Acquire(p.ctx); err != nil {
				p.bounce(msg, nil)
				continue
			}
			p.wg.Add(1)
			go p.dispatch(msg)
		}
	}
}

// dispatch mediates one message and settles it on the broker. Runs with
// a held permit.
func (p *Pool) dispatch(msg *message.Pointer) {
	defer p.wg.Done()
	defer p.sem.Release()

	p.listener.DispatchStarted(msg)
	stopExtend := p.extendLease(msg)

	brk := p.breakers.Get(msg.TargetURL)
	var outcome *mediator.Outcome
	start := time.Now()
	err := brk.Execute(func() error {
		outcome = p.med.Mediate(p.ctx, msg)
		if outcome.TargetFailure() {
			return dispatchError(outcome)
		}
		return nil
	})
	duration := time.Since(start)

	stopExtend()
	p.listener.DispatchFinished(msg)

	if errors.Is(err, breaker.ErrOpen) {
		metrics.BreakerRejections.WithLabelValues(p.code).Inc()
		p.metrics.RecordTransient(p.code, duration)
		slog.Warn("dispatch rejected by circuit breaker",
			"pool", p.code, "messageId", msg.ID, "target", msg.TargetURL)
		p.bounce(msg, nil)
		return
	}

	switch outcome.Result {
	case mediator.ResultSuccess:
		if err := msg.Ack(); err != nil {
			slog.Error("ack failed", "pool", p.code, "messageId", msg.ID, "error", err)
		}
		p.metrics.RecordSuccess(p.code, duration)
	case mediator.ResultErrorConfig:
		// Permanent rejection: ack so the broker never redelivers.
		if err := msg.Ack(); err != nil {
			slog.Error("ack failed", "pool", p.code, "messageId", msg.ID, "error", err)
		}
		p.metrics.RecordFailure(p.code, duration)
	default:
		p.metrics.RecordTransient(p.code, duration)
		p.bounce(msg, outcome.Delay)
		return
	}
	p.settle(msg)
}

// bounce nacks a message for redelivery. A nil delay uses the fast-fail
// delay so admission-control bounces come back quickly.
func (p *Pool) bounce(msg *message.Pointer, delay *time.Duration) {
	d := fastFailDelay
	if delay != nil {
		d = *delay
	}
	if err := msg.NackWithDelay(d); err != nil {
		slog.Error("nack failed", "pool", p.code, "messageId", msg.ID, "error", err)
	}
	p.settle(msg)
}

func (p *Pool) settle(msg *message.Pointer) {
	p.pending.Add(-1)
	p.listener.MessageSettled(msg)
}

// extendLease keeps the broker lease alive for a long dispatch. The
// returned func stops the extension.
func (p *Pool) extendLease(msg *message.Pointer) func() {
	if msg.InProgressFunc == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(leaseExtendInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-p.ctx.Done():
				return
			case <-ticker.C:
				if err := msg.InProgress(); err != nil {
					slog.Warn("lease extension failed",
						"pool", p.code, "messageId", msg.ID, "error", err)
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// gaugeLoop publishes worker and queue gauges on a fixed cadence.
func (p *Pool) gaugeLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.metrics.UpdateGauges(p.code, p.sem.InUse(), p.sem.Available(), len(p.queue))
		}
	}
}

func dispatchError(outcome *mediator.Outcome) error {
	if outcome.Err != nil {
		return outcome.Err
	}
	return fmt.Errorf("target returned status %d", outcome.StatusCode)
}

func formatLimit(limit *int) any {
	if limit == nil {
		return "unlimited"
	}
	return *limit
}
