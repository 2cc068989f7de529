package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiredfox/comfymw/internal/balancer"
	"github.com/wiredfox/comfymw/internal/health"
	"github.com/wiredfox/comfymw/internal/metrics"
	"github.com/wiredfox/comfymw/internal/registry"
	"github.com/wiredfox/comfymw/internal/scheduler"
	"github.com/wiredfox/comfymw/pkg/types"
)

func newTestRouter(t *testing.T) (*gin.Engine, *registry.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	reg := registry.New(registry.Config{})
	mon := health.NewMonitor(health.Config{})
	collector := metrics.NewCollector()
	bal := balancer.New(mon, collector)
	mon.Register(types.Worker{ID: "w1", Address: "127.0.0.1:1"})
	bal.Register(types.Worker{ID: "w1", Address: "127.0.0.1:1"}, 4)

	sched := scheduler.New(scheduler.Config{}, reg, bal, noopExecutor{})

	router := NewRouter(RouterConfig{Registry: reg, Health: mon, Balancer: bal, Scheduler: sched, Metrics: collector})
	return router, reg
}

type noopExecutor struct{}

func (noopExecutor) Execute(ctx context.Context, job types.Job, worker types.Worker) {}

func TestHealthEndpointReportsWorkerTable(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["healthy"])
	assert.Len(t, body["workers"], 1)
}

func TestAsyncJobSubmissionReturnsID(t *testing.T) {
	router, reg := newTestRouter(t)

	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	part, err := mw.CreateFormFile("imageFile", "in.png")
	require.NoError(t, err)
	_, _ = part.Write([]byte("fake-bytes"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/async/upscale-image", buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	id := types.JobID(body["id"].(string))

	job, ok := reg.Get(id)
	require.True(t, ok)
	assert.Equal(t, types.StatusPending, job.Status)
	assert.Equal(t, types.KindUpscale, job.Kind)
}

func TestAsyncJobSubmissionRejectsMissingFile(t *testing.T) {
	router, _ := newTestRouter(t)

	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/async/upscale-image", buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobsListFiltersByKind(t *testing.T) {
	router, reg := newTestRouter(t)
	reg.Create(types.KindUpscale, types.JobInput{})
	reg.Create(types.KindRemoveBackground, types.JobInput{})

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/list?kind=upscale-image", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string][]map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body["jobs"], 1)
}

func TestCircuitBreakersListsRegisteredWorkers(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/circuit-breakers", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
