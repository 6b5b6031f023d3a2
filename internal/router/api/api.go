// Package api exposes the router's health check, Prometheus metrics and
// the monitoring/administration endpoints. Everything here is a thin
// projection over the services; no routing logic lives in handlers.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowmill/flowmill/internal/router/breaker"
	"github.com/flowmill/flowmill/internal/router/health"
	"github.com/flowmill/flowmill/internal/router/manager"
	"github.com/flowmill/flowmill/internal/router/metrics"
	"github.com/flowmill/flowmill/internal/router/warning"
)

// Handler builds the API's http.Handler.
type Handler struct {
	manager     *manager.Manager
	infra       *health.InfrastructureService
	status      *health.StatusService
	breakers    *breaker.Registry
	warnings    warning.Service
	poolMetrics metrics.PoolMetricsService
	queueStats  metrics.QueueMetricsService
}

// Options wires the handler.
type Options struct {
	Manager     *manager.Manager
	Infra       *health.InfrastructureService
	Status      *health.StatusService
	Breakers    *breaker.Registry
	Warnings    warning.Service
	PoolMetrics metrics.PoolMetricsService
	QueueStats  metrics.QueueMetricsService
}

// New creates the handler.
func New(opts Options) *Handler {
	return &Handler{
		manager:     opts.Manager,
		infra:       opts.Infra,
		status:      opts.Status,
		breakers:    opts.Breakers,
		warnings:    opts.Warnings,
		poolMetrics: opts.PoolMetrics,
		queueStats:  opts.QueueStats,
	}
}

// Mux returns the routed handler.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /monitoring/status", h.handleStatus)
	mux.HandleFunc("GET /monitoring/pools", h.handlePools)
	mux.HandleFunc("GET /monitoring/queues", h.handleQueues)
	mux.HandleFunc("GET /monitoring/breakers", h.handleBreakers)
	mux.HandleFunc("GET /monitoring/warnings", h.handleWarnings)
	mux.HandleFunc("GET /monitoring/inflight", h.handleInFlight)
	mux.HandleFunc("GET /monitoring/consumers", h.handleConsumers)

	mux.HandleFunc("POST /admin/breakers/reset", h.handleBreakerReset)
	mux.HandleFunc("POST /admin/warnings/{id}/acknowledge", h.handleWarningAck)
	mux.HandleFunc("POST /admin/warnings/acknowledge-all", h.handleWarningAckAll)
	mux.HandleFunc("POST /admin/warnings/clear", h.handleWarningsClear)
	mux.HandleFunc("POST /admin/pools/{code}/concurrency", h.handlePoolConcurrency)
	mux.HandleFunc("POST /admin/pools/{code}/ratelimit", h.handlePoolRateLimit)

	return mux
}

// handleHealth serves the liveness/readiness probe. Only the
// infrastructure verdict decides the status code: a degraded-but-moving
// router must not be restarted by its orchestrator.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	v := h.infra.Check()
	code := http.StatusOK
	if !v.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, v)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.status.Report())
}

func (h *Handler) handlePools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.poolMetrics.AllPoolStats())
}

func (h *Handler) handleQueues(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.queueStats.AllQueueStats())
}

func (h *Handler) handleBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.breakers.Stats())
}

func (h *Handler) handleWarnings(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("unacknowledged") == "true" {
		writeJSON(w, http.StatusOK, h.warnings.Unacknowledged())
		return
	}
	writeJSON(w, http.StatusOK, h.warnings.Warnings())
}

func (h *Handler) handleInFlight(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	messageID := r.URL.Query().Get("messageId")
	writeJSON(w, http.StatusOK, h.manager.InFlight(limit, messageID))
}

func (h *Handler) handleConsumers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.ConsumerHealth())
}

func (h *Handler) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("target")
	if target == "" {
		n := h.breakers.ResetAll()
		writeJSON(w, http.StatusOK, map[string]int{"reset": n})
		return
	}
	if !h.breakers.Reset(target) {
		http.Error(w, "unknown breaker target", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reset": 1})
}

func (h *Handler) handleWarningAck(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.warnings.Acknowledge(id) {
		http.Error(w, "unknown warning", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleWarningAckAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"acknowledged": h.warnings.AcknowledgeAll()})
}

func (h *Handler) handleWarningsClear(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"cleared": h.warnings.Clear()})
}

type concurrencyRequest struct {
	Concurrency    int `json:"concurrency"`
	TimeoutSeconds int `json:"timeoutSeconds"`
}

func (h *Handler) handlePoolConcurrency(w http.ResponseWriter, r *http.Request) {
	p, ok := h.manager.Pool(r.PathValue("code"))
	if !ok {
		http.Error(w, "unknown pool", http.StatusNotFound)
		return
	}
	var req concurrencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Concurrency <= 0 {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	timeout := 30 * time.Second
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	if !p.UpdateConcurrency(req.Concurrency, timeout) {
		http.Error(w, "concurrency decrease timed out", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"concurrency": p.Concurrency()})
}

type rateLimitRequest struct {
	RateLimitPerMinute *int `json:"rateLimitPerMinute"`
}

func (h *Handler) handlePoolRateLimit(w http.ResponseWriter, r *http.Request) {
	p, ok := h.manager.Pool(r.PathValue("code"))
	if !ok {
		http.Error(w, "unknown pool", http.StatusNotFound)
		return
	}
	var req rateLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	p.UpdateRateLimit(req.RateLimitPerMinute)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
