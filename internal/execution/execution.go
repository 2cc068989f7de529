// Package execution runs the per-job execution protocol end to end:
// prepare the graph, submit it with a fresh client token, watch the
// worker's stream to completion, fetch and download the result,
// optionally sink it to disk, and commit the outcome to the registry.
package execution

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	cockroacherrors "github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"

	"github.com/wiredfox/comfymw/internal/graph"
	"github.com/wiredfox/comfymw/internal/health"
	"github.com/wiredfox/comfymw/internal/metrics"
	"github.com/wiredfox/comfymw/internal/pool"
	"github.com/wiredfox/comfymw/internal/registry"
	"github.com/wiredfox/comfymw/pkg/types"
)

// PipelineError is the structured failure the protocol attaches to a job,
// wrapped with github.com/cockroachdb/errors so callers keep errors.Is /
// errors.As compatibility along with a captured stack trace.
type PipelineError struct {
	Kind    types.ErrorKind
	Message string
	cause   error
}

func (e *PipelineError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *PipelineError) Unwrap() error { return e.cause }

func newPipelineError(kind types.ErrorKind, msg string, cause error) error {
	return cockroacherrors.WithStack(&PipelineError{Kind: kind, Message: msg, cause: cause})
}

// Pools resolves a worker's connection pool; the Protocol does not own
// pool lifecycle, only borrows from it.
type Pools interface {
	Get(id types.WorkerID) *pool.Pool
}

// Config tunes protocol-level deadlines and the optional disk sink.
type Config struct {
	ExecutionTimeout time.Duration
	HistorySettle    time.Duration
	OutputFiles      bool
	OutputDir        string
}

func (c Config) withDefaults() Config {
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = 60 * time.Second
	}
	if c.HistorySettle <= 0 {
		c.HistorySettle = time.Second
	}
	if c.OutputDir == "" {
		c.OutputDir = "outputs"
	}
	return c
}

// Protocol implements scheduler.Executor.
type Protocol struct {
	cfg       Config
	registry  *registry.Registry
	health    *health.Monitor
	pools     Pools
	templates graph.Templates
	metrics   *metrics.Collector
	client    *http.Client
	log       *slog.Logger
}

// New builds a Protocol wired to its collaborators.
func New(cfg Config, reg *registry.Registry, mon *health.Monitor, pools Pools, templates graph.Templates, m *metrics.Collector) *Protocol {
	return &Protocol{
		cfg:       cfg.withDefaults(),
		registry:  reg,
		health:    mon,
		pools:     pools,
		templates: templates,
		metrics:   m,
		client:    &http.Client{},
		log:       slog.Default().With("component", "execution"),
	}
}

type promptResponse struct {
	PromptID   string                     `json:"prompt_id"`
	Number     int                        `json:"number"`
	NodeErrors map[string]json.RawMessage `json:"node_errors"`
}

// Execute runs the full protocol for one dispatched job and commits its
// terminal state to the registry before returning.
func (p *Protocol) Execute(ctx context.Context, job types.Job, worker types.Worker) {
	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ExecutionTimeout)
	defer cancel()

	result, submissionID, execErr := p.run(ctx, job, worker)

	if execErr != nil {
		var pe *PipelineError
		kind := types.ErrKindTransport
		if cockroacherrors.As(execErr, &pe) {
			kind = pe.Kind
		}
		if shouldMarkUnhealthy(kind) {
			p.health.MarkUnhealthy(worker.ID, execErr.Error())
		}
		jobErr := types.JobError{Kind: kind, Message: execErr.Error()}
		if err := p.registry.Fail(job.ID, jobErr); err != nil {
			p.log.Error("failed to persist job failure", "job", job.ID, "error", err)
		}
		p.metrics.RecordFailure(worker.ID, job.Kind, jobErr, time.Since(started))
		return
	}

	if err := p.registry.Complete(job.ID, *result, submissionID); err != nil {
		p.log.Error("failed to persist job completion", "job", job.ID, "error", err)
		return
	}
	p.metrics.RecordSuccess(worker.ID, job.Kind, time.Since(started))
}

func shouldMarkUnhealthy(kind types.ErrorKind) bool {
	switch kind {
	case types.ErrKindTransport, types.ErrKindTimeout:
		return true
	default:
		return false
	}
}

func (p *Protocol) run(ctx context.Context, job types.Job, worker types.Worker) (*types.JobResult, string, error) {
	g, err := graph.Prepare(p.templates[job.Kind], job.Input.ImageBase64, job.ID, time.Now())
	if err != nil {
		return nil, "", newPipelineError(types.ErrKindValidation, "graph preparation failed", err)
	}

	submissionID, err := p.submit(ctx, worker, g)
	if err != nil {
		return nil, "", err
	}

	if err := p.monitorStream(ctx, worker, submissionID); err != nil {
		return nil, "", err
	}

	select {
	case <-time.After(p.cfg.HistorySettle):
	case <-ctx.Done():
		return nil, "", newPipelineError(types.ErrKindTimeout, "context done before settle", ctx.Err())
	}

	filename, contentType, imgBytes, err := p.fetchAndDownload(ctx, worker, job.Kind, submissionID)
	if err != nil {
		return nil, "", err
	}

	if p.cfg.OutputFiles {
		p.sinkToDisk(submissionID, filename, imgBytes)
	}

	return &types.JobResult{
		ImageBase64: base64.StdEncoding.EncodeToString(imgBytes),
		ContentType: contentType,
		Filename:    filename,
	}, submissionID, nil
}

func (p *Protocol) submit(ctx context.Context, worker types.Worker, g graph.Graph) (string, error) {
	body, err := json.Marshal(map[string]interface{}{
		"prompt":    g,
		"client_id": pool.NewClientToken(),
	})
	if err != nil {
		return "", newPipelineError(types.ErrKindValidation, "encode prompt", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, worker.BaseURL()+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", newPipelineError(types.ErrKindTransport, "build submit request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", newPipelineError(types.ErrKindTransport, "submit graph", err)
	}
	defer resp.Body.Close()

	var parsed promptResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", newPipelineError(types.ErrKindTransport, "decode submit response", err)
	}
	if len(parsed.NodeErrors) > 0 {
		return "", newPipelineError(types.ErrKindValidation, "worker rejected graph with node errors", nil)
	}
	if parsed.PromptID == "" {
		return "", newPipelineError(types.ErrKindUpstreamExec, "worker returned no submission id", nil)
	}
	return parsed.PromptID, nil
}

type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type executingData struct {
	PromptID string  `json:"prompt_id"`
	Node     *string `json:"node"`
}

type statusData struct {
	Status struct {
		ExecInfo struct {
			QueueRemaining int `json:"queue_remaining"`
		} `json:"exec_info"`
	} `json:"status"`
}

type executionErrorData struct {
	PromptID     string `json:"prompt_id"`
	ExceptionMsg string `json:"exception_message"`
}

func (p *Protocol) monitorStream(ctx context.Context, worker types.Worker, submissionID string) error {
	wp := p.pools.Get(worker.ID)
	if wp == nil {
		return newPipelineError(types.ErrKindTransport, "no connection pool for worker", nil)
	}

	stream, err := wp.Acquire(ctx)
	if err != nil {
		return newPipelineError(types.ErrKindTransport, "acquire stream", err)
	}
	defer wp.Release(stream)

	for {
		select {
		case <-ctx.Done():
			return newPipelineError(types.ErrKindTimeout, "execution timed out waiting for stream", ctx.Err())
		default:
		}

		mt, payload, err := stream.ReadMessage()
		if err != nil {
			wp.Evict(stream)
			return newPipelineError(types.ErrKindTransport, "stream read failed", err)
		}
		if mt != websocket.TextMessage {
			continue // binary preview frames are always ignorable at this layer
		}

		var msg wsMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "executing":
			var d executingData
			if err := json.Unmarshal(msg.Data, &d); err != nil {
				continue
			}
			if d.PromptID != submissionID {
				continue
			}
			if d.Node == nil {
				return nil // normal completion
			}
		case "status":
			var d statusData
			if err := json.Unmarshal(msg.Data, &d); err != nil {
				continue
			}
			if d.Status.ExecInfo.QueueRemaining == 0 {
				return nil // completion observed via empty queue
			}
		case "execution_error":
			var d executionErrorData
			if err := json.Unmarshal(msg.Data, &d); err != nil {
				continue
			}
			if d.PromptID != submissionID {
				continue
			}
			return newPipelineError(types.ErrKindUpstreamExec, d.ExceptionMsg, nil)
		}
	}
}

type historyOutput struct {
	Images []struct {
		Filename  string `json:"filename"`
		Subfolder string `json:"subfolder"`
		Type      string `json:"type"`
	} `json:"images"`
}

type historyEntry struct {
	Outputs map[string]historyOutput `json:"outputs"`
}

func (p *Protocol) fetchAndDownload(ctx context.Context, worker types.Worker, kind types.JobKind, submissionID string) (filename, contentType string, data []byte, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, worker.BaseURL()+"/history/"+submissionID, nil)
	if err != nil {
		return "", "", nil, newPipelineError(types.ErrKindTransport, "build history request", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", "", nil, newPipelineError(types.ErrKindTransport, "fetch history", err)
	}
	defer resp.Body.Close()

	var history map[string]historyEntry
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return "", "", nil, newPipelineError(types.ErrKindTransport, "decode history", err)
	}

	entry, ok := history[submissionID]
	if !ok {
		return "", "", nil, newPipelineError(types.ErrKindMissingOutput, "history has no entry for submission", nil)
	}

	out, ok := entry.Outputs[graph.TargetNodeID(kind)]
	if !ok || len(out.Images) == 0 {
		out, ok = firstOutputWithImages(entry)
		if !ok {
			return "", "", nil, newPipelineError(types.ErrKindMissingOutput, "no output node yielded images", nil)
		}
	}

	img := out.Images[0]
	data, contentType, err = p.download(ctx, worker, img.Filename, img.Subfolder, img.Type)
	if err != nil {
		return "", "", nil, err
	}
	return img.Filename, contentType, data, nil
}

func firstOutputWithImages(entry historyEntry) (historyOutput, bool) {
	for _, out := range entry.Outputs {
		if len(out.Images) > 0 {
			return out, true
		}
	}
	return historyOutput{}, false
}

func (p *Protocol) download(ctx context.Context, worker types.Worker, filename, subfolder, fileType string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, worker.BaseURL()+"/view", nil)
	if err != nil {
		return nil, "", newPipelineError(types.ErrKindDownloadFailure, "build view request", err)
	}
	q := req.URL.Query()
	q.Set("filename", filename)
	q.Set("subfolder", subfolder)
	q.Set("type", fileType)
	req.URL.RawQuery = q.Encode()

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, "", newPipelineError(types.ErrKindDownloadFailure, "download image", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", newPipelineError(types.ErrKindDownloadFailure, "read image body", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func (p *Protocol) sinkToDisk(submissionID, filename string, data []byte) {
	dir := filepath.Join(p.cfg.OutputDir, submissionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		p.log.Warn("output sink mkdir failed", "error", err)
		return
	}
	if err := os.WriteFile(filepath.Join(dir, filename), data, 0o644); err != nil {
		p.log.Warn("output sink write failed", "error", err)
	}
}
