// Package router assembles the message router from its parts: broker
// consumers feeding the queue manager, the HTTP mediator with per-target
// circuit breakers behind it, and the health, metrics and admin API on
// the side.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/flowmill/flowmill/broker"
	"github.com/flowmill/flowmill/internal/router/api"
	"github.com/flowmill/flowmill/internal/router/breaker"
	"github.com/flowmill/flowmill/internal/router/config"
	"github.com/flowmill/flowmill/internal/router/health"
	"github.com/flowmill/flowmill/internal/router/manager"
	"github.com/flowmill/flowmill/internal/router/mediator"
	"github.com/flowmill/flowmill/internal/router/message"
	"github.com/flowmill/flowmill/internal/router/metrics"
	"github.com/flowmill/flowmill/internal/router/warning"
)

// brokerCheckInterval is the cadence of the background connectivity probe.
const brokerCheckInterval = 30 * time.Second

// Router owns the full lifecycle: consumers, pools, health probes and the
// optional HTTP server.
type Router struct {
	cfg *config.Config

	manager      *manager.Manager
	mediator     mediator.Mediator
	breakers     *breaker.Registry
	warnings     warning.Service
	poolMetrics  metrics.PoolMetricsService
	queueStats   metrics.QueueMetricsService
	infra        *health.InfrastructureService
	brokerHealth *health.BrokerService
	status       *health.StatusService
	handler      *api.Handler
	server       *http.Server

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// New validates nothing beyond what config.Load already did; it builds
// the broker consumers for cfg.Broker.Kind and wires every service. The
// context only bounds broker connection setup.
func New(ctx context.Context, cfg *config.Config) (*Router, error) {
	consumers, err := broker.Build(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("build broker consumers: %w", err)
	}
	caps := broker.GetCapabilities(cfg.Broker.Kind)

	breakers := breaker.NewRegistry(breaker.Settings{
		BufferSize:           cfg.Breaker.BufferSize,
		FailureRateThreshold: cfg.Breaker.FailureRateThreshold,
		OpenTimeout:          cfg.Breaker.OpenTimeout,
		HalfOpenMaxCalls:     cfg.Breaker.HalfOpenMaxCalls,
	})
	med := mediator.NewHTTP(mediator.Config{
		Timeout:          cfg.Mediator.Timeout,
		AuthToken:        cfg.Mediator.AuthToken,
		RateLimitedDelay: cfg.Mediator.RateLimitedDelay,
	})

	poolMetrics := metrics.NewPoolMetricsService()
	queueStats := metrics.NewQueueMetricsService()
	warnings := warning.NewService()

	mgr := manager.New(med, breakers, manager.Options{
		Pools:             cfg.Pools,
		Consumers:         consumers,
		PoolMetrics:       poolMetrics,
		QueueStats:        queueStats,
		Warnings:          warnings,
		DrainTimeout:      cfg.DrainTimeout,
		InFlightTTL:       cfg.InFlightTTL,
		ConsumerStaleness: cfg.Health.ConsumerStaleness,
	})

	infra := health.NewInfrastructureService(cfg.Health.Enabled, cfg.Health.StalledPoolWindow, mgr, poolMetrics)
	brokerHealth := health.NewBrokerService(consumers, caps, cfg.Health.PingTimeout, warnings)
	status := health.NewStatusService(infra, brokerHealth, breakers, warnings, poolMetrics, queueStats)

	handler := api.New(api.Options{
		Manager:     mgr,
		Infra:       infra,
		Status:      status,
		Breakers:    breakers,
		Warnings:    warnings,
		PoolMetrics: poolMetrics,
		QueueStats:  queueStats,
	})

	r := &Router{
		cfg:          cfg,
		manager:      mgr,
		mediator:     med,
		breakers:     breakers,
		warnings:     warnings,
		poolMetrics:  poolMetrics,
		queueStats:   queueStats,
		infra:        infra,
		brokerHealth: brokerHealth,
		status:       status,
		handler:      handler,
	}
	if cfg.HTTPServerAddress != "" {
		r.server = &http.Server{
			Addr:              cfg.HTTPServerAddress,
			Handler:           handler.Mux(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return r, nil
}

// Start launches pools, consumers, the broker connectivity probe and,
// when configured, the HTTP server. It returns once everything is
// running; the router then works until Stop.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("router already started")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	if err := r.manager.Start(ctx); err != nil {
		cancel()
		return err
	}

	r.brokerHealth.Check(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.brokerHealth.Run(runCtx, brokerCheckInterval)
	}()

	if r.server != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			slog.Info("http server listening", "address", r.server.Addr)
			if err := r.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http server failed", "error", err)
			}
		}()
	}

	r.started = true
	slog.Info("router started",
		"broker", r.cfg.Broker.Kind,
		"pools", len(r.cfg.Pools))
	return nil
}

// Stop shuts down in dependency order: the HTTP server stops taking
// requests, consumers stop pulling, pools drain, then everything else is
// torn down. Safe to call once.
func (r *Router) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return nil
	}
	r.started = false

	var errs []error
	if r.server != nil {
		if err := r.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
		}
	}
	if err := r.manager.Stop(); err != nil {
		errs = append(errs, err)
	}
	r.cancel()
	r.wg.Wait()

	slog.Info("router stopped")
	return errors.Join(errs...)
}

// Route hands a message directly to the queue manager, bypassing any
// broker. Library embedders use this together with the embedded queue's
// Enqueue.
func (r *Router) Route(msg *message.Pointer) error {
	return r.manager.Route(msg)
}

// Manager exposes the queue manager for monitoring embedders.
func (r *Router) Manager() *manager.Manager { return r.manager }

// Breakers exposes the circuit breaker registry.
func (r *Router) Breakers() *breaker.Registry { return r.breakers }

// Warnings exposes the operational warning service.
func (r *Router) Warnings() warning.Service { return r.warnings }

// Status returns the composite health report.
func (r *Router) Status() health.Report { return r.status.Report() }

// Handler returns the API handler so embedders can mount the endpoints
// on their own server instead of the built-in one.
func (r *Router) Handler() http.Handler { return r.handler.Mux() }
