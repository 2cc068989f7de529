package system

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wiredfox/comfymw/internal/config"
)

func newTestConfig(t *testing.T) config.Config {
	t.Helper()
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	cfg := config.Default()
	cfg.WorkerHosts = []string{"127.0.0.1:18188", "127.0.0.1:18189"}
	cfg.MetricsFilePath = ""
	cfg.SchedulerTick = 10 * time.Millisecond
	cfg.ProbeInterval = 50 * time.Millisecond
	return cfg
}

func TestNewWiresEveryWorkerEverywhere(t *testing.T) {
	sys := New(newTestConfig(t))

	assert.Len(t, sys.Balancer.Workers(), 2)
	for _, w := range sys.Balancer.Workers() {
		assert.NotNil(t, sys.Pools.Get(w.ID))
		assert.True(t, sys.Health.IsHealthy(w.ID))
	}
}

func TestRunStopsCleanlyOnCancel(t *testing.T) {
	sys := New(newTestConfig(t))

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		sys.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("system did not shut down after context cancellation")
	}
}

func TestStopHaltsBackgroundLoops(t *testing.T) {
	sys := New(newTestConfig(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		sys.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	sys.Stop()
	require.Eventually(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}
