package balancer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiredfox/comfymw/internal/health"
	"github.com/wiredfox/comfymw/internal/metrics"
	"github.com/wiredfox/comfymw/pkg/types"
)

func TestPickReturnsLeastLoadedHealthyWorker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := health.NewMonitor(health.Config{})
	w1 := types.Worker{ID: "w1", Address: srv.Listener.Addr().String()}
	w2 := types.Worker{ID: "w2", Address: srv.Listener.Addr().String()}
	m.Register(w1)
	m.Register(w2)

	b := New(m, nil)
	b.Register(w1, 5)
	b.Register(w2, 5)

	b.Increment("w1")
	b.Increment("w1")

	picked, ok := b.Pick(context.Background(), types.KindUpscale)
	require.True(t, ok)
	assert.Equal(t, types.WorkerID("w2"), picked.ID)
}

func TestPickSkipsWorkerAtCapacity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := health.NewMonitor(health.Config{})
	w1 := types.Worker{ID: "w1", Address: srv.Listener.Addr().String()}
	m.Register(w1)

	b := New(m, nil)
	b.Register(w1, 1)
	b.Increment("w1")

	_, ok := b.Pick(context.Background(), types.KindUpscale)
	assert.False(t, ok)
}

func TestPickReturnsFalseWithNoWorkers(t *testing.T) {
	m := health.NewMonitor(health.Config{})
	b := New(m, nil)
	_, ok := b.Pick(context.Background(), types.KindUpscale)
	assert.False(t, ok)
}

func TestPickRecordsDispatchFailureOnMetrics(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := metrics.NewCollector()

	m := health.NewMonitor(health.Config{})
	b := New(m, collector)

	_, ok := b.Pick(context.Background(), types.KindUpscale)
	assert.False(t, ok)

	snap := collector.Snapshot()
	assert.Equal(t, int64(1), snap.TotalDispatchFailures)
}
