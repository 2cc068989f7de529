package httpapi

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wiredfox/comfymw/internal/metrics"
	"github.com/wiredfox/comfymw/internal/registry"
	"github.com/wiredfox/comfymw/pkg/types"
)

// JobsHandler serves the processing and job-tracking endpoints. It only
// creates jobs and reads their state back from the registry; dispatch
// and execution are the scheduler's and the execution protocol's job.
type JobsHandler struct {
	registry *registry.Registry
	metrics  *metrics.Collector
	// syncPollInterval controls how often a synchronous request checks
	// whether its job has reached a terminal state.
	syncPollInterval time.Duration
	syncTimeout      time.Duration
}

func NewJobsHandler(reg *registry.Registry, collector *metrics.Collector) *JobsHandler {
	return &JobsHandler{
		registry:         reg,
		metrics:          collector,
		syncPollInterval: 100 * time.Millisecond,
		syncTimeout:      2 * time.Minute,
	}
}

var kindForPath = map[string]types.JobKind{
	"remove-background": types.KindRemoveBackground,
	"upscale-image":      types.KindUpscale,
	"upscale-remove-bg":  types.KindUpscaleRemoveBG,
}

// Process handles POST /api/<kind> and POST /api/async/<kind>. The async
// variant (or ?async=true / mode=async on the sync routes) returns the
// job id immediately instead of blocking for the result.
func (h *JobsHandler) Process(kind types.JobKind, forceAsync bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		input, err := h.parseInput(c)
		if err != nil {
			RespondError(c, http.StatusBadRequest, "invalid_input", err)
			return
		}

		job := h.registry.Create(kind, input)
		h.metrics.RecordCreate(kind)

		async := forceAsync || c.Query("async") == "true" || c.Query("mode") == "async"
		if async {
			RespondOK(c, gin.H{"id": job.ID, "state": job.Status})
			return
		}

		h.awaitAndRespond(c, job.ID)
	}
}

func (h *JobsHandler) parseInput(c *gin.Context) (types.JobInput, error) {
	fileHeader, err := c.FormFile("imageFile")
	if err != nil {
		return types.JobInput{}, fmt.Errorf("imageFile is required: %w", err)
	}
	file, err := fileHeader.Open()
	if err != nil {
		return types.JobInput{}, fmt.Errorf("could not open uploaded file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return types.JobInput{}, fmt.Errorf("could not read uploaded file: %w", err)
	}

	format := types.ImageFormat(c.DefaultQuery("format", string(types.FormatPNG)))
	if c.PostForm("format") != "" {
		format = types.ImageFormat(c.PostForm("format"))
	}
	switch format {
	case types.FormatPNG, types.FormatJPEG, types.FormatWEBP:
	default:
		return types.JobInput{}, fmt.Errorf("unsupported format %q", format)
	}

	crop := c.PostForm("crop") == "true" || c.Query("crop") == "true"

	return types.JobInput{
		ImageBase64: base64.StdEncoding.EncodeToString(data),
		Format:      format,
		Crop:        crop,
	}, nil
}

func (h *JobsHandler) awaitAndRespond(c *gin.Context, id types.JobID) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.syncTimeout)
	defer cancel()

	ticker := time.NewTicker(h.syncPollInterval)
	defer ticker.Stop()

	for {
		job, ok := h.registry.Get(id)
		if !ok {
			RespondError(c, http.StatusGone, "job_evicted", fmt.Errorf("job %s no longer tracked", id))
			return
		}
		switch job.Status {
		case types.StatusCompleted:
			RespondOK(c, gin.H{"id": job.ID, "state": job.Status, "result": job.Result})
			return
		case types.StatusFailed:
			RespondError(c, http.StatusUnprocessableEntity, string(job.Error.Kind), fmt.Errorf("%s", job.Error.Message))
			return
		}

		select {
		case <-ctx.Done():
			RespondOK(c, gin.H{"id": job.ID, "state": job.Status, "note": "still processing, poll /api/jobs/:id/status"})
			return
		case <-ticker.C:
		}
	}
}

// Status handles GET /api/jobs/:id/status.
func (h *JobsHandler) Status(c *gin.Context) {
	id := types.JobID(c.Param("id"))
	job, ok := h.registry.Get(id)
	if !ok {
		RespondError(c, http.StatusNotFound, "job_not_found", fmt.Errorf("no job with id %s", id))
		return
	}
	RespondOK(c, gin.H{
		"id":                       job.ID,
		"kind":                     job.Kind,
		"state":                    job.Status,
		"created_time":             job.CreatedAtMs,
		"updated_time":             job.LastTouchedAtMs,
		"processing_time_seconds":  job.ProcessingDuration().Seconds(),
		"assigned_worker":          job.AssignedWorker,
	})
}

// Result handles GET /api/jobs/:id/result.
func (h *JobsHandler) Result(c *gin.Context) {
	id := types.JobID(c.Param("id"))
	job, ok := h.registry.Get(id)
	if !ok {
		RespondError(c, http.StatusNotFound, "job_not_found", fmt.Errorf("no job with id %s", id))
		return
	}
	if job.Status != types.StatusCompleted {
		RespondError(c, http.StatusConflict, "job_not_completed", fmt.Errorf("job %s is %s", id, job.Status))
		return
	}
	RespondOK(c, job.Result)
}

// List handles GET /api/jobs/list?state=&kind=&worker=.
func (h *JobsHandler) List(c *gin.Context) {
	jobs := h.registry.List(registry.Filter{
		State:  types.JobStatus(c.Query("state")),
		Kind:   types.JobKind(c.Query("kind")),
		Worker: types.WorkerID(c.Query("worker")),
	})
	RespondOK(c, gin.H{"jobs": jobs})
}

// Delete handles DELETE /api/jobs/:id.
func (h *JobsHandler) Delete(c *gin.Context) {
	h.registry.Delete(types.JobID(c.Param("id")))
	c.Status(http.StatusNoContent)
}

// Cleanup handles POST /api/jobs/cleanup: terminal jobs are already
// evicted on their own retention timer, so this is a best-effort manual
// sweep for operators who want it now rather than later.
func (h *JobsHandler) Cleanup(c *gin.Context) {
	terminal := append(
		h.registry.List(registry.Filter{State: types.StatusCompleted}),
		h.registry.List(registry.Filter{State: types.StatusFailed})...,
	)
	for _, job := range terminal {
		h.registry.Delete(job.ID)
	}
	RespondOK(c, gin.H{"evicted": len(terminal)})
}

// Stats handles GET /api/jobs/stats.
func (h *JobsHandler) Stats(c *gin.Context) {
	RespondOK(c, h.registry.Stats())
}
