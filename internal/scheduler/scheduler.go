// Package scheduler drives pending jobs through execution under global
// and per-worker concurrency caps. One cooperative dispatch loop ticks
// over the pending queue, starting one goroutine per dispatched job and
// bounding global in-flight work with a weighted semaphore; a job with
// no healthy, available worker is left pending for the next tick
// instead of being failed.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/wiredfox/comfymw/internal/balancer"
	"github.com/wiredfox/comfymw/internal/registry"
	"github.com/wiredfox/comfymw/pkg/types"
)

// Executor runs the execution protocol for one dispatched job. Returning
// here means the job has already reached a terminal registry state.
type Executor interface {
	Execute(ctx context.Context, job types.Job, worker types.Worker)
}

// Config tunes the scheduler's concurrency and cadence.
type Config struct {
	MaxConcurrentGlobal int
	TickInterval        time.Duration
	GracefulShutdown    time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentGlobal <= 0 {
		c.MaxConcurrentGlobal = 4
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.GracefulShutdown <= 0 {
		c.GracefulShutdown = 30 * time.Second
	}
	return c
}

// Scheduler is the single cooperative dispatch loop.
type Scheduler struct {
	cfg      Config
	registry *registry.Registry
	balancer *balancer.Balancer
	executor Executor
	log      *slog.Logger

	sem *semaphore.Weighted

	mu        sync.Mutex
	inFlight  map[types.JobID]struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// New builds a scheduler wired to its collaborators.
func New(cfg Config, reg *registry.Registry, bal *balancer.Balancer, exec Executor) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		cfg:      cfg,
		registry: reg,
		balancer: bal,
		executor: exec,
		log:      slog.Default().With("component", "scheduler"),
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrentGlobal)),
		inFlight: make(map[types.JobID]struct{}),
		stopCh:   make(chan struct{}),
	}
}

// Run blocks, ticking the dispatch loop until ctx is cancelled or Stop
// is called.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.waitGraceful()
			return
		case <-s.stopCh:
			s.waitGraceful()
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Stop halts the dispatch loop; in-flight jobs are given GracefulShutdown
// to finish before Run returns.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Scheduler) waitGraceful() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.GracefulShutdown):
		s.log.Warn("graceful shutdown deadline exceeded, in-flight jobs abandoned")
	}
}

// tick fetches pending jobs FIFO and dispatches as many as global
// concurrency and the balancer's candidates allow. A job that cannot be
// matched to a worker this tick stays pending — it is never failed for
// "no worker right now".
func (s *Scheduler) tick(ctx context.Context) {
	pending := s.registry.ListPending()
	for _, id := range pending {
		if !s.sem.TryAcquire(1) {
			return
		}

		job, ok := s.registry.Get(id)
		if !ok {
			s.sem.Release(1)
			continue
		}

		worker, ok := s.balancer.Pick(ctx, job.Kind)
		if !ok {
			s.sem.Release(1)
			continue
		}

		if err := s.registry.TransitionToProcessing(job.ID, worker.ID); err != nil {
			s.sem.Release(1)
			continue
		}

		job.Status = types.StatusProcessing
		job.AssignedWorker = string(worker.ID)

		s.balancer.Increment(worker.ID)
		s.mu.Lock()
		s.inFlight[job.ID] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.runJob(ctx, job, worker)
	}
}

func (s *Scheduler) runJob(ctx context.Context, job types.Job, worker types.Worker) {
	defer s.wg.Done()
	defer s.sem.Release(1)
	defer func() {
		s.balancer.Decrement(worker.ID)
		s.mu.Lock()
		delete(s.inFlight, job.ID)
		s.mu.Unlock()
	}()

	s.executor.Execute(ctx, job, worker)
}

// InFlightCount reports the number of jobs currently executing, used by
// status and metrics endpoints.
func (s *Scheduler) InFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}
