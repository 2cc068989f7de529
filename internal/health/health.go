// Package health tracks per-worker liveness and fronts each worker's
// breaker.Breaker, giving the load balancer and scheduler a single
// before-dispatch gate. Background probing fans out across all
// registered workers with golang.org/x/sync/errgroup, so one slow
// worker's probe never delays the rest of the tick.
package health

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wiredfox/comfymw/internal/breaker"
	"github.com/wiredfox/comfymw/pkg/types"
)

// Config tunes probe cadence and deadlines.
type Config struct {
	ProbeInterval      time.Duration // background tick
	DispatchTimeout    time.Duration // real-time gate probe deadline
	BackgroundTimeout  time.Duration // background tick probe deadline
	FreshWindow        time.Duration // cached-healthy reuse window
	Breaker            breaker.Config
}

func (c Config) withDefaults() Config {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 30 * time.Second
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 2 * time.Second
	}
	if c.BackgroundTimeout <= 0 {
		c.BackgroundTimeout = 5 * time.Second
	}
	if c.FreshWindow <= 0 {
		c.FreshWindow = 2 * time.Second
	}
	return c
}

type workerState struct {
	worker        types.Worker
	breaker       *breaker.Breaker
	healthy       bool
	lastProbeAt   time.Time
}

// Monitor is the health monitor + circuit breaker front: one breaker
// per worker, a cached healthy flag, and a background probe loop.
type Monitor struct {
	cfg    Config
	log    *slog.Logger
	client *http.Client

	mu      sync.RWMutex
	workers map[types.WorkerID]*workerState

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMonitor builds a monitor with no workers registered yet.
func NewMonitor(cfg Config) *Monitor {
	cfg = cfg.withDefaults()
	return &Monitor{
		cfg:     cfg,
		log:     slog.Default().With("component", "health"),
		client:  &http.Client{},
		workers: make(map[types.WorkerID]*workerState),
		stopCh:  make(chan struct{}),
	}
}

// Register adds a worker to be monitored, starting it out optimistically
// healthy so the scheduler can dispatch to it before the first probe.
func (m *Monitor) Register(w types.Worker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[w.ID] = &workerState{
		worker:  w,
		breaker: breaker.New(string(w.ID), m.cfg.Breaker),
		healthy: true,
	}
}

// Breaker returns the breaker instance for a worker, or nil if unknown.
func (m *Monitor) Breaker(id types.WorkerID) *breaker.Breaker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ws, ok := m.workers[id]
	if !ok {
		return nil
	}
	return ws.breaker
}

// IsHealthy returns the cached health for a worker without issuing a probe.
func (m *Monitor) IsHealthy(id types.WorkerID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ws, ok := m.workers[id]
	if !ok {
		return false
	}
	return ws.healthy && ws.breaker.State() != breaker.Open
}

// BeforeDispatch is the real-time dispatch gate: if the cached state is
// healthy and fresh, it trusts it; otherwise it issues a short-deadline
// probe inline.
func (m *Monitor) BeforeDispatch(ctx context.Context, id types.WorkerID) bool {
	m.mu.RLock()
	ws, ok := m.workers[id]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	if ws.breaker.State() == breaker.Open {
		return false
	}

	m.mu.RLock()
	fresh := ws.healthy && time.Since(ws.lastProbeAt) < m.cfg.FreshWindow
	m.mu.RUnlock()
	if fresh {
		return true
	}

	dctx, cancel := context.WithTimeout(ctx, m.cfg.DispatchTimeout)
	defer cancel()
	ok2 := m.probeOne(dctx, ws)
	return ok2
}

// MarkUnhealthy is called by the execution path on transport errors; it
// records a breaker failure and flips the cached flag without waiting
// for the next background tick.
func (m *Monitor) MarkUnhealthy(id types.WorkerID, reason string) {
	m.mu.Lock()
	ws, ok := m.workers[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	ws.breaker.Failure()
	m.mu.Lock()
	ws.healthy = false
	m.mu.Unlock()
	m.log.Warn("worker marked unhealthy", "worker", id, "reason", reason)
}

// Run starts the background probe loop; it blocks until Stop is called.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

// Stop halts the background probe loop.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Monitor) probeAll(ctx context.Context) {
	m.mu.RLock()
	states := make([]*workerState, 0, len(m.workers))
	for _, ws := range m.workers {
		states = append(states, ws)
	}
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, ws := range states {
		ws := ws
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(gctx, m.cfg.BackgroundTimeout)
			defer cancel()
			m.probeOne(dctx, ws)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Monitor) probeOne(ctx context.Context, ws *workerState) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ws.worker.BaseURL()+"/system_stats", nil)
	if err != nil {
		m.recordProbe(ws, false)
		return false
	}
	resp, err := m.client.Do(req)
	ok := err == nil && resp != nil && resp.StatusCode == http.StatusOK
	if resp != nil {
		resp.Body.Close()
	}
	m.recordProbe(ws, ok)
	return ok
}

func (m *Monitor) recordProbe(ws *workerState, ok bool) {
	m.mu.Lock()
	ws.healthy = ok
	ws.lastProbeAt = time.Now()
	m.mu.Unlock()
	// A probe is the breaker's trial call: once an OPEN breaker's reset
	// timer has elapsed, Allow moves it to HALF_OPEN so this outcome
	// counts toward closing or reopening it.
	ws.breaker.Allow()
	if ok {
		ws.breaker.Success()
	} else {
		ws.breaker.Failure()
	}
}
