// Package balancer picks the best dispatchable worker for a job: health
// filtered, least-loaded-first, real-time-gated. Per-worker load
// counters use go.uber.org/atomic, the same hot-counter idiom the
// circuit breaker uses for its request totals.
package balancer

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/atomic"

	"github.com/wiredfox/comfymw/internal/health"
	"github.com/wiredfox/comfymw/internal/metrics"
	"github.com/wiredfox/comfymw/pkg/types"
)

// ErrNoWorkerAvailable is returned when every candidate fails health or
// capacity filtering, or fails the real-time dispatch gate.
var ErrNoWorkerAvailable = errNoWorkerAvailable{}

type errNoWorkerAvailable struct{}

func (errNoWorkerAvailable) Error() string { return "balancer: no worker available" }

type workerSlot struct {
	worker     types.Worker
	activeJobs atomic.Int64
	maxJobs    int
}

// Balancer selects among a fixed, registered worker set.
type Balancer struct {
	monitor *health.Monitor
	metrics *metrics.Collector

	mu      sync.RWMutex
	workers map[types.WorkerID]*workerSlot
	order   []types.WorkerID
}

// New builds a balancer backed by the given health monitor. metrics may
// be nil, in which case pre-dispatch failures are simply not recorded.
func New(monitor *health.Monitor, collector *metrics.Collector) *Balancer {
	return &Balancer{
		monitor: monitor,
		metrics: collector,
		workers: make(map[types.WorkerID]*workerSlot),
	}
}

// Register adds a worker with its per-worker concurrency cap.
func (b *Balancer) Register(w types.Worker, maxJobsPerWorker int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.workers[w.ID] = &workerSlot{worker: w, maxJobs: maxJobsPerWorker}
	b.order = append(b.order, w.ID)
}

// Pick returns the least-loaded healthy, dispatchable worker for a job
// of the given kind, gating the chosen candidate with a real-time probe
// and falling back to the next candidate if the probe fails. Returning
// false records a pre-dispatch failure; the caller leaves the job
// pending rather than failing it.
func (b *Balancer) Pick(ctx context.Context, kind types.JobKind) (types.Worker, bool) {
	candidates := b.candidates()

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].activeJobs.Load() < candidates[j].activeJobs.Load()
	})

	for _, c := range candidates {
		if !b.monitor.BeforeDispatch(ctx, c.worker.ID) {
			continue
		}
		return c.worker, true
	}
	if b.metrics != nil {
		b.metrics.RecordDispatchFailure(kind)
	}
	return types.Worker{}, false
}

func (b *Balancer) candidates() []*workerSlot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*workerSlot, 0, len(b.order))
	for _, id := range b.order {
		slot := b.workers[id]
		if !b.monitor.IsHealthy(id) {
			continue
		}
		if int(slot.activeJobs.Load()) >= slot.maxJobs {
			continue
		}
		out = append(out, slot)
	}
	return out
}

// Increment records a new assignment to a worker; call on dispatch.
func (b *Balancer) Increment(id types.WorkerID) {
	b.mu.RLock()
	slot, ok := b.workers[id]
	b.mu.RUnlock()
	if ok {
		slot.activeJobs.Inc()
	}
}

// Decrement records a completed or failed job releasing its worker slot.
func (b *Balancer) Decrement(id types.WorkerID) {
	b.mu.RLock()
	slot, ok := b.workers[id]
	b.mu.RUnlock()
	if ok {
		slot.activeJobs.Dec()
	}
}

// ActiveJobs reports a worker's current in-flight count, used by status
// and metrics endpoints.
func (b *Balancer) ActiveJobs(id types.WorkerID) int64 {
	b.mu.RLock()
	slot, ok := b.workers[id]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	return slot.activeJobs.Load()
}

// Workers returns the registered worker set in registration order.
func (b *Balancer) Workers() []types.Worker {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]types.Worker, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.workers[id].worker)
	}
	return out
}
