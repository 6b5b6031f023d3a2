package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmill/flowmill/broker"
	"github.com/flowmill/flowmill/internal/router/breaker"
	"github.com/flowmill/flowmill/internal/router/config"
	"github.com/flowmill/flowmill/internal/router/health"
	"github.com/flowmill/flowmill/internal/router/manager"
	"github.com/flowmill/flowmill/internal/router/mediator"
	"github.com/flowmill/flowmill/internal/router/message"
	"github.com/flowmill/flowmill/internal/router/metrics"
	"github.com/flowmill/flowmill/internal/router/warning"
)

type okMediator struct{}

func (okMediator) Mediate(ctx context.Context, msg *message.Pointer) *mediator.Outcome {
	return &mediator.Outcome{Result: mediator.ResultSuccess, StatusCode: 200}
}

type fixture struct {
	handler  *Handler
	manager  *manager.Manager
	breakers *breaker.Registry
	warnings *warning.InMemoryService
	pm       *metrics.InMemoryPoolMetricsService
}

func newFixture(t *testing.T, healthEnabled bool) *fixture {
	t.Helper()

	breakers := breaker.NewRegistry(breaker.Settings{
		BufferSize:           10,
		FailureRateThreshold: 0.5,
		OpenTimeout:          30 * time.Second,
		HalfOpenMaxCalls:     3,
	})
	pm := metrics.NewPoolMetricsService()
	qm := metrics.NewQueueMetricsService()
	warnings := warning.NewService()

	m := manager.New(okMediator{}, breakers, manager.Options{
		Pools:       []config.PoolConfig{{Code: "DEFAULT", Concurrency: 4}},
		PoolMetrics: pm,
		QueueStats:  qm,
		Warnings:    warnings,
	})
	t.Cleanup(func() { _ = m.Stop() })

	infra := health.NewInfrastructureService(healthEnabled, 2*time.Minute, m, pm)
	brokerSvc := health.NewBrokerService(nil, broker.Capabilities{Name: "embedded", AlwaysConnected: true}, time.Second, warnings)
	brokerSvc.Check(context.Background())
	status := health.NewStatusService(infra, brokerSvc, breakers, warnings, pm, qm)

	h := New(Options{
		Manager:     m,
		Infra:       infra,
		Status:      status,
		Breakers:    breakers,
		Warnings:    warnings,
		PoolMetrics: pm,
		QueueStats:  qm,
	})
	return &fixture{handler: h, manager: m, breakers: breakers, warnings: warnings, pm: pm}
}

func doRequest(f *fixture, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	f.handler.Mux().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpointHealthy(t *testing.T) {
	f := newFixture(t, true)
	rec := doRequest(f, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	var v health.Verdict
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.True(t, v.Healthy)
}

func TestHealthEndpointDisabledRouterIsHealthy(t *testing.T) {
	f := newFixture(t, false)
	rec := doRequest(f, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "router disabled")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, true)
	f.pm.RecordSuccess("DEFAULT", time.Millisecond)
	rec := doRequest(f, http.MethodGet, "/metrics", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "flowmill_pool_messages_processed_total")
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t, true)
	rec := doRequest(f, http.MethodGet, "/monitoring/status", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	var report health.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, health.StatusHealthy, report.Status)
}

func TestPoolsEndpoint(t *testing.T) {
	f := newFixture(t, true)
	f.pm.RecordSuccess("DEFAULT", 50*time.Millisecond)
	rec := doRequest(f, http.MethodGet, "/monitoring/pools", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	var stats map[string]*metrics.PoolStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Contains(t, stats, "DEFAULT")
	assert.Equal(t, int64(1), stats["DEFAULT"].TotalSucceeded)
}

func TestBreakersEndpointAndReset(t *testing.T) {
	f := newFixture(t, true)
	brk := f.breakers.Get("http://t.example")
	for i := 0; i < 10; i++ {
		_ = brk.Execute(func() error { return assert.AnError })
	}
	require.Equal(t, "OPEN", brk.State())

	rec := doRequest(f, http.MethodGet, "/monitoring/breakers", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var stats map[string]breaker.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, "OPEN", stats["http://t.example"].State)

	rec = doRequest(f, http.MethodPost, "/admin/breakers/reset?target=http://t.example", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "CLOSED", brk.State())

	rec = doRequest(f, http.MethodPost, "/admin/breakers/reset?target=http://unknown.example", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(f, http.MethodPost, "/admin/breakers/reset", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"reset":1`)
}

func TestWarningEndpoints(t *testing.T) {
	f := newFixture(t, true)
	w := f.warnings.Warn(warning.CategoryBroker, warning.SeverityWarning, "src", "issue")

	rec := doRequest(f, http.MethodGet, "/monitoring/warnings", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), w.ID)

	rec = doRequest(f, http.MethodPost, "/admin/warnings/"+w.ID+"/acknowledge", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(f, http.MethodGet, "/monitoring/warnings?unacknowledged=true", "")
	assert.Equal(t, "null\n", rec.Body.String())

	rec = doRequest(f, http.MethodPost, "/admin/warnings/01ARZ3NDEKTSV4RRFFQ69G5FAV/acknowledge", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.warnings.Warn(warning.CategoryBroker, warning.SeverityWarning, "src", "second")
	rec = doRequest(f, http.MethodPost, "/admin/warnings/acknowledge-all", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"acknowledged":1`)

	rec = doRequest(f, http.MethodPost, "/admin/warnings/clear", "")
	assert.Contains(t, rec.Body.String(), `"cleared":2`)
}

func TestInFlightEndpointValidation(t *testing.T) {
	f := newFixture(t, true)

	rec := doRequest(f, http.MethodGet, "/monitoring/inflight", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(f, http.MethodGet, "/monitoring/inflight?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConsumersEndpoint(t *testing.T) {
	f := newFixture(t, true)
	rec := doRequest(f, http.MethodGet, "/monitoring/consumers", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "{}\n", rec.Body.String())
}

func TestPoolConcurrencyUpdate(t *testing.T) {
	f := newFixture(t, true)

	rec := doRequest(f, http.MethodPost, "/admin/pools/DEFAULT/concurrency", `{"concurrency":8}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	p, _ := f.manager.Pool("DEFAULT")
	assert.Equal(t, 8, p.Concurrency())

	rec = doRequest(f, http.MethodPost, "/admin/pools/NOPE/concurrency", `{"concurrency":8}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(f, http.MethodPost, "/admin/pools/DEFAULT/concurrency", `{"concurrency":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPoolRateLimitUpdate(t *testing.T) {
	f := newFixture(t, true)

	rec := doRequest(f, http.MethodPost, "/admin/pools/DEFAULT/ratelimit", `{"rateLimitPerMinute":120}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	p, _ := f.manager.Pool("DEFAULT")
	require.NotNil(t, p.RateLimitPerMinute())
	assert.Equal(t, 120, *p.RateLimitPerMinute())

	rec = doRequest(f, http.MethodPost, "/admin/pools/DEFAULT/ratelimit", `{"rateLimitPerMinute":null}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Nil(t, p.RateLimitPerMinute())
}
