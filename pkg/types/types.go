// Package types defines the core domain models shared across comfymw's
// components: jobs, workers, circuit-breaker state and metrics
// snapshots. One package, flat structs, Unix-millisecond
// timestamps for JSON portability.
package types

import "time"

// JobID uniquely identifies a submitted job.
type JobID string

// JobKind names one of the supported image operations.
type JobKind string

const (
	KindRemoveBackground  JobKind = "remove-background"
	KindUpscale           JobKind = "upscale-image"
	KindUpscaleRemoveBG   JobKind = "upscale-remove-bg"
)

// JobStatus represents a job's position in its one-way lifecycle.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// ImageFormat is the output encoding requested by the client.
type ImageFormat string

const (
	FormatPNG  ImageFormat = "PNG"
	FormatJPEG ImageFormat = "JPEG"
	FormatWEBP ImageFormat = "WEBP"
)

// JobInput carries the uploaded image and the per-kind parameters needed
// to prepare a graph for submission.
type JobInput struct {
	ImageBase64 string      `json:"-"`
	Format      ImageFormat `json:"format"`
	Crop        bool        `json:"crop,omitempty"`
}

// JobResult is the payload attached to a job once it reaches StatusCompleted.
type JobResult struct {
	ImageBase64 string `json:"image_base64"`
	ContentType string `json:"content_type"`
	Filename    string `json:"filename"`
}

// ErrorKind classifies why a job reached StatusFailed, per the execution
// protocol's error taxonomy.
type ErrorKind string

const (
	ErrKindValidation       ErrorKind = "validation"
	ErrKindTransport        ErrorKind = "transport"
	ErrKindUpstreamExec     ErrorKind = "upstream-execution"
	ErrKindTimeout          ErrorKind = "timeout"
	ErrKindBreakerOpen      ErrorKind = "breaker-open"
	ErrKindMissingOutput    ErrorKind = "missing-output"
	ErrKindDownloadFailure  ErrorKind = "download-failure"
)

// JobError is the structured failure attached to a job in StatusFailed.
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Job is a unit of work tracked end-to-end by the registry.
type Job struct {
	ID      JobID    `json:"id"`
	Kind    JobKind  `json:"kind"`
	Input   JobInput `json:"input"`

	Status JobStatus `json:"status"`

	Fingerprint string `json:"fingerprint"`

	AssignedWorker string `json:"assigned_worker,omitempty"`
	SubmissionID   string `json:"submission_id,omitempty"`

	Result *JobResult `json:"result,omitempty"`
	Error  *JobError  `json:"error,omitempty"`

	CreatedAtMs            int64 `json:"created_at_ms"`
	ProcessingStartedAtMs  int64 `json:"processing_started_at_ms,omitempty"`
	FinishedAtMs           int64 `json:"finished_at_ms,omitempty"`
	LastTouchedAtMs        int64 `json:"last_touched_at_ms"`
}

// ProcessingDuration reports the elapsed time between dispatch and
// termination; zero if the job has not yet finished.
func (j *Job) ProcessingDuration() time.Duration {
	if j.ProcessingStartedAtMs == 0 || j.FinishedAtMs == 0 {
		return 0
	}
	return time.Duration(j.FinishedAtMs-j.ProcessingStartedAtMs) * time.Millisecond
}

// WorkerID identifies one upstream backend.
type WorkerID string

// Worker describes one upstream image-processing backend.
type Worker struct {
	ID      WorkerID `json:"id"`
	Address string   `json:"address"`
	UseTLS  bool     `json:"use_tls"`
}

// BaseURL returns the worker's HTTP(S) origin.
func (w Worker) BaseURL() string {
	scheme := "http"
	if w.UseTLS {
		scheme = "https"
	}
	return scheme + "://" + w.Address
}

// WSURL returns the worker's streaming endpoint origin.
func (w Worker) WSURL() string {
	scheme := "ws"
	if w.UseTLS {
		scheme = "wss"
	}
	return scheme + "://" + w.Address
}

// BreakerState is the circuit breaker's state machine position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// MetricsSnapshot is the atomically-persisted view of aggregate
// counters: a flat struct safe to marshal wholesale.
type MetricsSnapshot struct {
	GeneratedAtMs         int64                     `json:"generated_at_ms"`
	TotalCreated          int64                     `json:"total_created"`
	TotalCompleted        int64                     `json:"total_completed"`
	TotalFailed           int64                     `json:"total_failed"`
	TotalDispatchFailures int64                     `json:"total_dispatch_failures"`
	ByWorker              map[WorkerID]WorkerCounts `json:"by_worker"`
	ByKind                map[JobKind]int64         `json:"by_kind"`
	RecentErrors          []RecentError             `json:"recent_errors"`
}

// WorkerCounts is the per-worker slice of MetricsSnapshot.
type WorkerCounts struct {
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// RecentError is one entry in the metrics aggregator's bounded error ring.
type RecentError struct {
	TimestampMs int64     `json:"timestamp_ms"`
	Kind        JobKind   `json:"kind"`
	Worker      WorkerID  `json:"worker"`
	Message     string    `json:"message"`
}
