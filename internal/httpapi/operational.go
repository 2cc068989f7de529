package httpapi

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wiredfox/comfymw/internal/balancer"
	"github.com/wiredfox/comfymw/internal/health"
	"github.com/wiredfox/comfymw/internal/metrics"
	"github.com/wiredfox/comfymw/internal/scheduler"
	"github.com/wiredfox/comfymw/pkg/types"
)

// OperationalHandler serves /health, /status and the metrics and
// circuit-breaker introspection endpoints.
type OperationalHandler struct {
	health    *health.Monitor
	balancer  *balancer.Balancer
	scheduler *scheduler.Scheduler
	metrics   *metrics.Collector
}

func NewOperationalHandler(mon *health.Monitor, bal *balancer.Balancer, sched *scheduler.Scheduler, m *metrics.Collector) *OperationalHandler {
	return &OperationalHandler{health: mon, balancer: bal, scheduler: sched, metrics: m}
}

// Health handles GET /health: 200 if at least one worker is healthy, 503
// otherwise. Whether the scheduler loop is running is not checked.
func (h *OperationalHandler) Health(c *gin.Context) {
	workers := h.balancer.Workers()
	table := make([]gin.H, 0, len(workers))
	anyHealthy := false
	for _, w := range workers {
		healthy := h.health.IsHealthy(w.ID)
		anyHealthy = anyHealthy || healthy
		table = append(table, gin.H{
			"id":          w.ID,
			"healthy":     healthy,
			"active_jobs": h.balancer.ActiveJobs(w.ID),
		})
	}

	status := http.StatusOK
	if !anyHealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"healthy": anyHealthy,
		"workers": table,
	})
}

// Status handles GET /status: a fuller operational snapshot than /health.
func (h *OperationalHandler) Status(c *gin.Context) {
	RespondOK(c, gin.H{
		"workers":    h.workerTable(),
		"in_flight":  h.scheduler.InFlightCount(),
		"metrics":    h.metrics.Snapshot(),
	})
}

// StatusMetrics handles GET /status/metrics, the JSON counterpart to the
// Prometheus /metrics endpoint.
func (h *OperationalHandler) StatusMetrics(c *gin.Context) {
	RespondOK(c, h.metrics.Snapshot())
}

func (h *OperationalHandler) workerTable() []gin.H {
	workers := h.balancer.Workers()
	table := make([]gin.H, 0, len(workers))
	for _, w := range workers {
		table = append(table, gin.H{
			"id":          w.ID,
			"healthy":     h.health.IsHealthy(w.ID),
			"active_jobs": h.balancer.ActiveJobs(w.ID),
			"breaker":     h.breakerState(w.ID),
		})
	}
	return table
}

func (h *OperationalHandler) breakerState(id types.WorkerID) types.BreakerState {
	br := h.health.Breaker(id)
	if br == nil {
		return types.BreakerClosed
	}
	return br.State().ToDomain()
}

// CircuitBreakers handles GET /api/circuit-breakers.
func (h *OperationalHandler) CircuitBreakers(c *gin.Context) {
	workers := h.balancer.Workers()
	out := make([]gin.H, 0, len(workers))
	for _, w := range workers {
		out = append(out, gin.H{"worker": w.ID, "state": h.breakerState(w.ID)})
	}
	RespondOK(c, gin.H{"breakers": out})
}

// OpenBreaker handles POST /api/circuit-breakers/:name/open.
func (h *OperationalHandler) OpenBreaker(c *gin.Context) {
	id := types.WorkerID(c.Param("name"))
	br := h.health.Breaker(id)
	if br == nil {
		RespondError(c, http.StatusNotFound, "worker_not_found", fmt.Errorf("no breaker registered for worker %s", id))
		return
	}
	br.ForceOpen()
	RespondOK(c, gin.H{"worker": id, "state": br.State().ToDomain()})
}

// CloseBreaker handles POST /api/circuit-breakers/:name/close.
func (h *OperationalHandler) CloseBreaker(c *gin.Context) {
	id := types.WorkerID(c.Param("name"))
	br := h.health.Breaker(id)
	if br == nil {
		RespondError(c, http.StatusNotFound, "worker_not_found", fmt.Errorf("no breaker registered for worker %s", id))
		return
	}
	br.ForceClose()
	RespondOK(c, gin.H{"worker": id, "state": br.State().ToDomain()})
}
