package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiredfox/comfymw/internal/breaker"
	"github.com/wiredfox/comfymw/pkg/types"
)

func TestMonitorRegisterAndProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewMonitor(Config{})
	worker := types.Worker{ID: "w1", Address: srv.Listener.Addr().String()}
	m.Register(worker)

	require.True(t, m.IsHealthy("w1"))
	ok := m.BeforeDispatch(context.Background(), "w1")
	assert.True(t, ok)
}

func TestMonitorMarkUnhealthyOpensBreaker(t *testing.T) {
	m := NewMonitor(Config{Breaker: breaker.Config{FailureThreshold: 1}})
	m.Register(types.Worker{ID: "w1", Address: "127.0.0.1:1"})

	m.MarkUnhealthy("w1", "connection refused")
	assert.False(t, m.IsHealthy("w1"))
	assert.Equal(t, breaker.Open, m.Breaker("w1").State())
}

func TestMonitorUnknownWorkerNotHealthy(t *testing.T) {
	m := NewMonitor(Config{})
	assert.False(t, m.IsHealthy("missing"))
}
