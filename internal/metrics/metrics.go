// Package metrics is the metrics aggregator: global, per-worker and
// per-kind counters, a bounded recent-sample buffer for percentile
// estimation, and a bounded recent-errors ring for quick triage.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wiredfox/comfymw/pkg/types"
)

const recentSampleCap = 100
const recentErrorCap = 100

// Collector aggregates pipeline metrics for both Prometheus scraping and
// the northbound /status/metrics endpoint.
type Collector struct {
	jobsCreated       prometheus.Counter
	jobsCompleted     *prometheus.CounterVec
	jobsFailed        *prometheus.CounterVec
	jobLatency        *prometheus.HistogramVec
	dispatchFailures  *prometheus.CounterVec

	mu                    sync.Mutex
	totalCreated          int64
	totalOK               int64
	totalFailed           int64
	totalDispatchFailures int64
	byWorker              map[types.WorkerID]*types.WorkerCounts
	byKind                map[types.JobKind]int64
	recentMs              []float64
	recentErrors          []types.RecentError
}

// NewCollector builds a collector and registers its Prometheus series
// against the default registry.
func NewCollector() *Collector {
	c := &Collector{
		jobsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "comfymw_jobs_created_total",
			Help: "Total number of jobs created",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "comfymw_jobs_completed_total",
			Help: "Total number of jobs completed, labeled by worker and kind",
		}, []string{"worker", "kind"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "comfymw_jobs_failed_total",
			Help: "Total number of jobs failed, labeled by worker, kind and error kind",
		}, []string{"worker", "kind", "error_kind"}),
		jobLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "comfymw_job_processing_seconds",
			Help:    "Job processing latency in seconds, labeled by kind",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		dispatchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "comfymw_dispatch_failures_total",
			Help: "Total number of pre-dispatch failures (no healthy/available worker), labeled by kind",
		}, []string{"kind"}),
		byWorker: make(map[types.WorkerID]*types.WorkerCounts),
		byKind:   make(map[types.JobKind]int64),
	}

	prometheus.MustRegister(c.jobsCreated, c.jobsCompleted, c.jobsFailed, c.jobLatency, c.dispatchFailures)
	return c
}

// RecordCreate records a newly-created job.
func (c *Collector) RecordCreate(kind types.JobKind) {
	c.jobsCreated.Inc()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalCreated++
	c.byKind[kind]++
}

// RecordSuccess records a completed job's latency.
func (c *Collector) RecordSuccess(worker types.WorkerID, kind types.JobKind, latency time.Duration) {
	c.jobsCompleted.WithLabelValues(string(worker), string(kind)).Inc()
	c.jobLatency.WithLabelValues(string(kind)).Observe(latency.Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalOK++
	wc := c.ensureWorker(worker)
	wc.Completed++
	c.pushSample(latency)
}

// RecordFailure records a failed job, its error kind, and appends it to
// the bounded recent-errors ring.
func (c *Collector) RecordFailure(worker types.WorkerID, kind types.JobKind, jobErr types.JobError, latency time.Duration) {
	c.jobsFailed.WithLabelValues(string(worker), string(kind), string(jobErr.Kind)).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalFailed++
	wc := c.ensureWorker(worker)
	wc.Failed++

	c.recentErrors = append(c.recentErrors, types.RecentError{
		TimestampMs: time.Now().UnixMilli(),
		Kind:        kind,
		Worker:      worker,
		Message:     jobErr.Message,
	})
	if len(c.recentErrors) > recentErrorCap {
		c.recentErrors = c.recentErrors[len(c.recentErrors)-recentErrorCap:]
	}
}

// RecordDispatchFailure records a tick in which the load balancer found
// no healthy, available worker for a pending job of the given kind. The
// job itself is not failed (it stays pending for the next tick); this
// only feeds the pre-dispatch-failure counter.
func (c *Collector) RecordDispatchFailure(kind types.JobKind) {
	c.dispatchFailures.WithLabelValues(string(kind)).Inc()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalDispatchFailures++
}

func (c *Collector) ensureWorker(id types.WorkerID) *types.WorkerCounts {
	wc, ok := c.byWorker[id]
	if !ok {
		wc = &types.WorkerCounts{}
		c.byWorker[id] = wc
	}
	return wc
}

func (c *Collector) pushSample(latency time.Duration) {
	c.recentMs = append(c.recentMs, float64(latency.Milliseconds()))
	if len(c.recentMs) > recentSampleCap {
		c.recentMs = c.recentMs[len(c.recentMs)-recentSampleCap:]
	}
}

// Percentile estimates a percentile (0-100) from the bounded recent
// sample buffer: it returns the sorted sample at index
// floor(p/100 * (n-1)), without interpolating between samples.
func (c *Collector) Percentile(p float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.recentMs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), c.recentMs...)
	sort.Float64s(sorted)
	idx := int(p / 100 * float64(len(sorted)-1))
	return sorted[idx]
}

// Snapshot renders the current aggregate state for atomic persistence
// and for the /status/metrics endpoint.
func (c *Collector) Snapshot() types.MetricsSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	byWorker := make(map[types.WorkerID]types.WorkerCounts, len(c.byWorker))
	for id, wc := range c.byWorker {
		byWorker[id] = *wc
	}
	byKind := make(map[types.JobKind]int64, len(c.byKind))
	for k, v := range c.byKind {
		byKind[k] = v
	}
	recentErrors := append([]types.RecentError(nil), c.recentErrors...)

	return types.MetricsSnapshot{
		GeneratedAtMs:         time.Now().UnixMilli(),
		TotalCreated:          c.totalCreated,
		TotalCompleted:        c.totalOK,
		TotalFailed:           c.totalFailed,
		TotalDispatchFailures: c.totalDispatchFailures,
		ByWorker:              byWorker,
		ByKind:                byKind,
		RecentErrors:          recentErrors,
	}
}

// Restore seeds the collector's in-memory aggregates from a previously
// persisted snapshot so a warm restart doesn't report zero counters
// until the next job completes. The snapshot's worker/kind breakdown
// is coarser than the Prometheus label set (it has no per-worker-per-
// kind cell), so only the flat created counter is backfilled there;
// the in-memory totals, byWorker, byKind and recentErrors used by
// Snapshot() and the /status/metrics endpoint are restored exactly.
func (c *Collector) Restore(snap types.MetricsSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalCreated = snap.TotalCreated
	c.totalOK = snap.TotalCompleted
	c.totalFailed = snap.TotalFailed
	c.totalDispatchFailures = snap.TotalDispatchFailures

	for kind, n := range snap.ByKind {
		c.byKind[kind] = n
	}
	for id, wc := range snap.ByWorker {
		restored := wc
		c.byWorker[id] = &restored
	}
	c.recentErrors = append([]types.RecentError(nil), snap.RecentErrors...)

	if snap.TotalCreated > 0 {
		c.jobsCreated.Add(float64(snap.TotalCreated))
	}
}

// StartServer starts the Prometheus /metrics HTTP endpoint. It blocks
// until the server errors or is shut down by its caller.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
