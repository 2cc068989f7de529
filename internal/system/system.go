// Package system wires the Job Registry, Health Monitor, Load Balancer,
// per-worker Connection Pools, Scheduler, Execution Protocol and Metrics
// Aggregator into one running process, owning and starting every
// collaborator from a single Config.
package system

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/wiredfox/comfymw/internal/balancer"
	"github.com/wiredfox/comfymw/internal/breaker"
	"github.com/wiredfox/comfymw/internal/config"
	"github.com/wiredfox/comfymw/internal/execution"
	"github.com/wiredfox/comfymw/internal/graph"
	"github.com/wiredfox/comfymw/internal/health"
	"github.com/wiredfox/comfymw/internal/metrics"
	"github.com/wiredfox/comfymw/internal/pool"
	"github.com/wiredfox/comfymw/internal/registry"
	"github.com/wiredfox/comfymw/internal/scheduler"
	"github.com/wiredfox/comfymw/internal/snapshot"
	"github.com/wiredfox/comfymw/pkg/types"
)

// poolManager owns one pool.Pool per worker and implements
// execution.Pools.
type poolManager struct {
	mu    sync.RWMutex
	pools map[types.WorkerID]*pool.Pool
}

func newPoolManager() *poolManager {
	return &poolManager{pools: make(map[types.WorkerID]*pool.Pool)}
}

func (pm *poolManager) register(w types.Worker, cfg pool.Config) *pool.Pool {
	p := pool.New(w, cfg)
	pm.mu.Lock()
	pm.pools[w.ID] = p
	pm.mu.Unlock()
	return p
}

func (pm *poolManager) Get(id types.WorkerID) *pool.Pool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.pools[id]
}

func (pm *poolManager) all() []*pool.Pool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	out := make([]*pool.Pool, 0, len(pm.pools))
	for _, p := range pm.pools {
		out = append(out, p)
	}
	return out
}

// System is the fully wired comfymw middleware process.
type System struct {
	cfg config.Config
	log *slog.Logger

	Registry  *registry.Registry
	Health    *health.Monitor
	Balancer  *balancer.Balancer
	Pools     *poolManager
	Scheduler *scheduler.Scheduler
	Metrics   *metrics.Collector
	Snapshots *snapshot.Manager

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds every component and registers each configured worker
// everywhere it needs to be known, but starts nothing yet.
func New(cfg config.Config) *System {
	reg := registry.New(registry.Config{
		JobTimeout:        cfg.JobTimeout,
		TerminalRetention: cfg.TerminalRetention,
	})

	mon := health.NewMonitor(health.Config{
		ProbeInterval:     cfg.ProbeInterval,
		DispatchTimeout:   cfg.DispatchProbeTimeout,
		BackgroundTimeout: cfg.BGProbeTimeout,
		Breaker: breaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			SuccessThreshold: cfg.Breaker.SuccessThreshold,
			ResetTimeout:     cfg.Breaker.ResetTimeout,
			MaxResetTimeout:  cfg.Breaker.MaxResetTimeout,
			VolumeThreshold:  cfg.Breaker.VolumeThreshold,
			ErrorRatePct:     cfg.Breaker.ErrorThresholdPct,
			WindowSize:       cfg.Breaker.WindowSize,
		},
	})

	collector := metrics.NewCollector()
	bal := balancer.New(mon, collector)
	pools := newPoolManager()

	for i, addr := range cfg.WorkerHosts {
		w := types.Worker{
			ID:      types.WorkerID(workerID(i)),
			Address: addr,
			UseTLS:  cfg.UseTLS,
		}
		mon.Register(w)
		bal.Register(w, cfg.MaxJobsPerWorker)
		pools.register(w, pool.Config{MaxStreams: cfg.MaxStreamsPerWorker})
	}

	protocol := execution.New(execution.Config{
		ExecutionTimeout: cfg.ExecutionTimeout,
		OutputFiles:      cfg.OutputFiles,
		OutputDir:        cfg.OutputDir,
	}, reg, mon, pools, graph.DefaultTemplates(), collector)

	sched := scheduler.New(scheduler.Config{
		MaxConcurrentGlobal: cfg.MaxConcurrentGlobal,
		TickInterval:        cfg.SchedulerTick,
	}, reg, bal, protocol)

	var snapMgr *snapshot.Manager
	if cfg.MetricsFilePath != "" {
		snapMgr = snapshot.NewManager(cfg.MetricsFilePath)
	}

	return &System{
		cfg:       cfg,
		log:       slog.Default().With("component", "system"),
		Registry:  reg,
		Health:    mon,
		Balancer:  bal,
		Pools:     pools,
		Scheduler: sched,
		Metrics:   collector,
		Snapshots: snapMgr,
	}
}

func workerID(i int) string {
	return "worker-" + strconv.Itoa(i)
}

// Run starts every background loop (health probing, scheduler dispatch,
// per-worker pool health ticks, periodic metrics persistence) and blocks
// until ctx is cancelled.
func (s *System) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if s.Snapshots != nil {
		if err := s.Snapshots.EnsureDir(); err != nil {
			s.log.Warn("could not create metrics snapshot directory", "error", err)
		}
		if prior, err := s.Snapshots.Load(); err == nil {
			s.Metrics.Restore(prior)
			s.log.Info("restored prior metrics snapshot", "total_created", prior.TotalCreated)
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Health.Run(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Scheduler.Run(ctx)
	}()

	for _, w := range s.Balancer.Workers() {
		p := s.Pools.Get(w.ID)
		id := w.ID
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			p.RunHealthTicks(ctx, func() { s.Health.MarkUnhealthy(id, "stream heartbeat failed") })
		}()
	}

	if s.Snapshots != nil && s.cfg.MetricsSaveInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runSnapshotLoop(ctx)
		}()
	}

	<-ctx.Done()
	s.wg.Wait()
}

func (s *System) runSnapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.MetricsSaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = s.Snapshots.Write(s.Metrics.Snapshot())
			return
		case <-ticker.C:
			if err := s.Snapshots.Write(s.Metrics.Snapshot()); err != nil {
				s.log.Warn("metrics snapshot write failed", "error", err)
			}
		}
	}
}

// Stop signals every background loop to exit and waits for them to
// finish.
func (s *System) Stop() {
	s.Health.Stop()
	s.Scheduler.Stop()
	for _, p := range s.Pools.all() {
		p.Close()
	}
	if s.cancel != nil {
		s.cancel()
	}
}
