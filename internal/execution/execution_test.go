package execution

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiredfox/comfymw/internal/graph"
	"github.com/wiredfox/comfymw/internal/pool"
	"github.com/wiredfox/comfymw/pkg/types"
)

type fakePools struct {
	pools map[types.WorkerID]*pool.Pool
}

func (f *fakePools) Get(id types.WorkerID) *pool.Pool { return f.pools[id] }

func TestSubmitSendsFreshClientIDAndGraph(t *testing.T) {
	var captured map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(promptResponse{PromptID: "prompt-1"})
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	worker := types.Worker{ID: "w1", Address: u.Host}

	p := &Protocol{cfg: Config{}.withDefaults(), client: &http.Client{}}

	promptID, err := p.submit(context.Background(), worker, graph.Graph{
		"1": &graph.Node{ClassType: "LoadImageBase64", Inputs: map[string]interface{}{}},
	})
	require.NoError(t, err)
	assert.Equal(t, "prompt-1", promptID)

	clientID, ok := captured["client_id"].(string)
	require.True(t, ok)
	assert.NotEmpty(t, clientID)
	assert.NotEqual(t, string(worker.ID), clientID)
	assert.NotEmpty(t, captured["prompt"])
}

func TestSubmitReturnsValidationErrorOnNodeErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"prompt_id":   "",
			"node_errors": map[string]interface{}{"1": "bad input"},
		})
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	worker := types.Worker{ID: "w1", Address: u.Host}

	p := &Protocol{cfg: Config{}.withDefaults(), client: &http.Client{}}

	_, err = p.submit(context.Background(), worker, graph.Graph{})
	require.Error(t, err)

	var pe *PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, types.ErrKindValidation, pe.Kind)
}

func newStreamServer(t *testing.T, messages []wsMessage) (*httptest.Server, types.Worker) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for _, msg := range messages {
			payload, _ := json.Marshal(msg)
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return srv, types.Worker{ID: "w1", Address: u.Host}
}

func dataOf(t *testing.T, v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestMonitorStreamDetectsExecutingCompletion(t *testing.T) {
	submissionID := "prompt-1"
	srv, worker := newStreamServer(t, []wsMessage{
		{Type: "executing", Data: dataOf(t, executingData{PromptID: submissionID, Node: strPtr("2")})},
		{Type: "executing", Data: dataOf(t, executingData{PromptID: submissionID, Node: nil})},
	})
	defer srv.Close()

	pl := pool.New(worker, pool.Config{MaxStreams: 1})
	defer pl.Close()

	p := &Protocol{pools: &fakePools{pools: map[types.WorkerID]*pool.Pool{worker.ID: pl}}}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := p.monitorStream(ctx, worker, submissionID)
	assert.NoError(t, err)
}

func TestMonitorStreamDetectsQueueDrainCompletion(t *testing.T) {
	submissionID := "prompt-1"
	srv, worker := newStreamServer(t, []wsMessage{
		{Type: "status", Data: dataOf(t, statusDataForTest(1))},
		{Type: "status", Data: dataOf(t, statusDataForTest(0))},
	})
	defer srv.Close()

	pl := pool.New(worker, pool.Config{MaxStreams: 1})
	defer pl.Close()

	p := &Protocol{pools: &fakePools{pools: map[types.WorkerID]*pool.Pool{worker.ID: pl}}}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := p.monitorStream(ctx, worker, submissionID)
	assert.NoError(t, err)
}

func TestMonitorStreamDetectsExecutionError(t *testing.T) {
	submissionID := "prompt-1"
	srv, worker := newStreamServer(t, []wsMessage{
		{Type: "execution_error", Data: dataOf(t, executionErrorData{PromptID: submissionID, ExceptionMsg: "boom"})},
	})
	defer srv.Close()

	pl := pool.New(worker, pool.Config{MaxStreams: 1})
	defer pl.Close()

	p := &Protocol{pools: &fakePools{pools: map[types.WorkerID]*pool.Pool{worker.ID: pl}}}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := p.monitorStream(ctx, worker, submissionID)
	require.Error(t, err)

	var pe *PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, types.ErrKindUpstreamExec, pe.Kind)
	assert.Contains(t, pe.Message, "boom")
}

func TestFetchAndDownloadFallsBackToFirstOutputWithImages(t *testing.T) {
	submissionID := "prompt-1"
	mux := http.NewServeMux()
	mux.HandleFunc("/history/"+submissionID, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]historyEntry{
			submissionID: {
				Outputs: map[string]historyOutput{
					"unexpected_node": {
						Images: []struct {
							Filename  string `json:"filename"`
							Subfolder string `json:"subfolder"`
							Type      string `json:"type"`
						}{{Filename: "out.png", Subfolder: "", Type: "output"}},
					},
				},
			},
		})
	})
	mux.HandleFunc("/view", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("fake-image-bytes"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	worker := types.Worker{ID: "w1", Address: u.Host}

	p := &Protocol{client: &http.Client{}}

	filename, contentType, data, err := p.fetchAndDownload(context.Background(), worker, types.JobKind("unknown-kind"), submissionID)
	require.NoError(t, err)
	assert.Equal(t, "out.png", filename)
	assert.Equal(t, "image/png", contentType)
	assert.Equal(t, []byte("fake-image-bytes"), data)
}

func strPtr(s string) *string { return &s }

func statusDataForTest(remaining int) statusData {
	var d statusData
	d.Status.ExecInfo.QueueRemaining = remaining
	return d
}
