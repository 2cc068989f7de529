// Package registry is the job registry: the single place that creates,
// reads and mutates Job records. A primary map holds every job, a
// secondary FIFO index tracks pending ids for the scheduler's tick, and
// per-job eviction is scheduled with time.AfterFunc rather than polled.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wiredfox/comfymw/pkg/types"
)

var (
	ErrJobNotFound         = errors.New("registry: job not found")
	ErrIllegalTransition   = errors.New("registry: illegal state transition")
)

// Config tunes eviction timers.
type Config struct {
	JobTimeout       time.Duration // eviction of a job stuck pending/processing
	TerminalRetention time.Duration // grace window after completion/failure
}

func (c Config) withDefaults() Config {
	if c.JobTimeout <= 0 {
		c.JobTimeout = 300 * time.Second
	}
	if c.TerminalRetention <= 0 {
		c.TerminalRetention = 30 * time.Second
	}
	return c
}

type entry struct {
	job       types.Job
	cleanupAt *time.Timer
}

// Registry is the job registry: the only place that creates, reads and
// mutates Job records.
type Registry struct {
	cfg Config

	mu      sync.RWMutex
	jobs    map[types.JobID]*entry
	pending []types.JobID // FIFO order, scanned by the scheduler
}

// New builds an empty registry.
func New(cfg Config) *Registry {
	return &Registry{
		cfg:  cfg.withDefaults(),
		jobs: make(map[types.JobID]*entry),
	}
}

// Create registers a new pending job and arms its soft-cleanup timer.
func (r *Registry) Create(kind types.JobKind, input types.JobInput) types.Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UnixMilli()
	job := types.Job{
		ID:              types.JobID(uuid.NewString()),
		Kind:            kind,
		Input:           input,
		Status:          types.StatusPending,
		Fingerprint:     uuid.NewString(),
		CreatedAtMs:     now,
		LastTouchedAtMs: now,
	}

	e := &entry{job: job}
	r.jobs[job.ID] = e
	r.pending = append(r.pending, job.ID)
	r.armCleanup(e, r.cfg.JobTimeout)

	return job
}

// Get returns a defensive copy of a job, or ok=false if unknown.
func (r *Registry) Get(id types.JobID) (types.Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.jobs[id]
	if !ok {
		return types.Job{}, false
	}
	return e.job, true
}

// legalTransitions enumerates the one-way job state machine:
// pending -> processing -> {completed, failed}.
var legalTransitions = map[types.JobStatus][]types.JobStatus{
	types.StatusPending:    {types.StatusProcessing},
	types.StatusProcessing: {types.StatusCompleted, types.StatusFailed},
}

// TransitionToProcessing moves a pending job to processing, assigning it
// to a worker. Removes the job from the pending index.
func (r *Registry) TransitionToProcessing(id types.JobID, worker types.WorkerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if !legal(e.job.Status, types.StatusProcessing) {
		return ErrIllegalTransition
	}

	now := time.Now().UnixMilli()
	e.job.Status = types.StatusProcessing
	e.job.AssignedWorker = string(worker)
	e.job.ProcessingStartedAtMs = now
	e.job.LastTouchedAtMs = now

	r.removePending(id)
	r.armCleanup(e, r.cfg.JobTimeout)

	return nil
}

// Complete moves a processing job to completed, attaching its result.
func (r *Registry) Complete(id types.JobID, result types.JobResult, submissionID string) error {
	return r.finish(id, types.StatusCompleted, func(j *types.Job) {
		j.Result = &result
		j.SubmissionID = submissionID
	})
}

// Fail moves a processing job to failed, attaching its error. A pending
// job cannot be failed: it is rejected with ErrIllegalTransition.
func (r *Registry) Fail(id types.JobID, jobErr types.JobError) error {
	return r.finish(id, types.StatusFailed, func(j *types.Job) {
		j.Error = &jobErr
	})
}

func (r *Registry) finish(id types.JobID, to types.JobStatus, mutate func(*types.Job)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if !legal(e.job.Status, to) {
		return ErrIllegalTransition
	}

	now := time.Now().UnixMilli()
	e.job.Status = to
	e.job.FinishedAtMs = now
	e.job.LastTouchedAtMs = now
	mutate(&e.job)

	r.removePending(id)
	r.armCleanup(e, r.cfg.TerminalRetention)

	return nil
}

func legal(from, to types.JobStatus) bool {
	for _, candidate := range legalTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// Delete removes a job immediately; idempotent.
func (r *Registry) Delete(id types.JobID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleteLocked(id)
}

func (r *Registry) deleteLocked(id types.JobID) {
	if e, ok := r.jobs[id]; ok {
		if e.cleanupAt != nil {
			e.cleanupAt.Stop()
		}
		delete(r.jobs, id)
	}
	r.removePending(id)
}

func (r *Registry) removePending(id types.JobID) {
	for i, pid := range r.pending {
		if pid == id {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return
		}
	}
}

// armCleanup schedules (replacing any prior timer) eviction of the job
// after d.
func (r *Registry) armCleanup(e *entry, d time.Duration) {
	if e.cleanupAt != nil {
		e.cleanupAt.Stop()
	}
	id := e.job.ID
	e.cleanupAt = time.AfterFunc(d, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.deleteLocked(id)
	})
}

// ListPending returns pending job ids in FIFO creation order, used by
// the scheduler's dispatch tick.
func (r *Registry) ListPending() []types.JobID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.JobID, len(r.pending))
	copy(out, r.pending)
	return out
}

// Filter narrows List by optional state/kind/worker; zero values match all.
type Filter struct {
	State  types.JobStatus
	Kind   types.JobKind
	Worker types.WorkerID
}

// List returns snapshots matching the filter.
func (r *Registry) List(f Filter) []types.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Job, 0, len(r.jobs))
	for _, e := range r.jobs {
		if f.State != "" && e.job.Status != f.State {
			continue
		}
		if f.Kind != "" && e.job.Kind != f.Kind {
			continue
		}
		if f.Worker != "" && e.job.AssignedWorker != string(f.Worker) {
			continue
		}
		out = append(out, e.job)
	}
	return out
}

// Stats is the job-count breakdown returned by Registry.Stats: total
// counts by state, by kind, and by assigned worker.
type Stats struct {
	ByState  map[types.JobStatus]int `json:"by_state"`
	ByKind   map[types.JobKind]int   `json:"by_kind"`
	ByWorker map[types.WorkerID]int  `json:"by_worker"`
}

// Stats counts jobs by state, kind, and assigned worker.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		ByState: map[types.JobStatus]int{
			types.StatusPending:    0,
			types.StatusProcessing: 0,
			types.StatusCompleted:  0,
			types.StatusFailed:     0,
		},
		ByKind:   make(map[types.JobKind]int),
		ByWorker: make(map[types.WorkerID]int),
	}
	for _, e := range r.jobs {
		stats.ByState[e.job.Status]++
		stats.ByKind[e.job.Kind]++
		if e.job.AssignedWorker != "" {
			stats.ByWorker[types.WorkerID(e.job.AssignedWorker)]++
		}
	}
	return stats
}
