package flowmill

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "router.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
broker:
  kind: embedded
  embedded:
    file: ":memory:"
    queues: [orders]
pools:
  - code: ORDERS
    concurrency: 4
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, BrokerEmbedded, cfg.Broker.Kind)
	assert.Equal(t, 60*time.Second, cfg.DrainTimeout)
	assert.Equal(t, 30*time.Second, cfg.Mediator.Timeout)
	assert.Equal(t, 100, cfg.Breaker.BufferSize)
}

func TestLoadConfigRejectsIncoherentSetup(t *testing.T) {
	path := writeConfig(t, `
broker:
  kind: embedded
  embedded:
    file: ":memory:"
    queues: [orders]
pools:
  - code: ORDERS
    concurrency: 0
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "concurrency must be positive")
}

func TestRouterEndToEnd(t *testing.T) {
	var hits atomic.Int64
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ack":true}`))
	}))
	defer target.Close()

	dbFile := filepath.Join(t.TempDir(), "queue.db")
	path := writeConfig(t, `
broker:
  kind: embedded
  embedded:
    file: "`+dbFile+`"
    queues: [orders]
    pollInterval: 20ms
pools:
  - code: ORDERS
    concurrency: 2
health:
  enabled: true
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	ctx := context.Background()
	router, err := New(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, router.Start(ctx))
	defer func() { require.NoError(t, router.Stop(context.Background())) }()

	store, err := OpenEmbeddedStore(dbFile)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Enqueue(ctx, "orders", &MessagePointer{
		ID:        "e2e-1",
		PoolCode:  "ORDERS",
		TargetURL: target.URL,
		Payload:   []byte(`{"order":42}`),
	}, 0))

	require.Eventually(t, func() bool { return hits.Load() == 1 },
		5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		report := router.Status()
		stats, ok := report.Pools["ORDERS"]
		return ok && stats.TotalSucceeded == 1
	}, 5*time.Second, 20*time.Millisecond)

	report := router.Status()
	assert.Equal(t, StatusHealthy, report.Status)
	assert.True(t, report.Broker.Connected)

	depth, err := store.Depth(ctx, "orders")
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestRouterHandlerServesMonitoring(t *testing.T) {
	path := writeConfig(t, `
broker:
  kind: embedded
  embedded:
    file: ":memory:"
    queues: [orders]
pools:
  - code: ORDERS
    concurrency: 1
health:
  enabled: true
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	router, err := New(context.Background(), cfg)
	require.NoError(t, err)

	srv := httptest.NewServer(router.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/monitoring/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
