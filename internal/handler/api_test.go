package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskmesh/internal/blob"
	"taskmesh/internal/dispatch"
	"taskmesh/internal/engine"
	"taskmesh/internal/executor"
	"taskmesh/internal/handler"
	"taskmesh/internal/metrics"
	"taskmesh/internal/queue"
	"taskmesh/internal/registry"
	"taskmesh/internal/server"
	"taskmesh/internal/state/memory"
)

type apiStack struct {
	ts    *httptest.Server
	blobs *blob.MemoryStore
}

func newAPIStack(t *testing.T) *apiStack {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := memory.New()
	q := queue.New()
	reg := registry.New()
	col := metrics.NewCollector()
	blobs := blob.NewMemoryStore()

	var disp *dispatch.Service
	eng, err := engine.New(engine.Options{
		Store:      store,
		Queue:      q,
		Blobs:      blobs,
		RetryLimit: 3,
		Metrics:    col,
		Notifier: notifierFunc(func(executorID, taskID string) {
			disp.NotifyCancel(executorID, taskID)
		}),
		Logger: log,
	})
	require.NoError(t, err)
	disp = dispatch.New(store, q, reg, eng, col, log)

	api := handler.NewAPI(eng, disp, blobs, q, reg, col, time.Second, log)
	ts := httptest.NewServer(server.NewMux(api, log))
	t.Cleanup(ts.Close)
	return &apiStack{ts: ts, blobs: blobs}
}

type notifierFunc func(executorID, taskID string)

func (f notifierFunc) NotifyCancel(executorID, taskID string) { f(executorID, taskID) }

func (s *apiStack) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(s.ts.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

// startAgent runs an executor process for the given image and functions
// against the test server, sharing its blob store.
func (s *apiStack) startAgent(t *testing.T, image string, fns map[string]executor.Function) {
	t.Helper()
	agent, err := executor.NewAgent(executor.Options{
		ServerURL: s.ts.URL,
		Image:     image,
		Capacity:  2,
		Blobs:     s.blobs,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	for name, fn := range fns {
		require.NoError(t, agent.RegisterFunction(name, fn))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = agent.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Log("agent did not drain in time")
		}
	})
}

func TestPipelineEndToEnd(t *testing.T) {
	s := newAPIStack(t)

	s.startAgent(t, "img-std", map[string]executor.Function{
		"echo": func(_ context.Context, inputs [][]byte) ([]byte, error) {
			return bytes.Join(inputs, nil), nil
		},
		"upper": func(_ context.Context, inputs [][]byte) ([]byte, error) {
			return bytes.ToUpper(bytes.Join(inputs, nil)), nil
		},
	})

	resp := s.postJSON(t, "/v1/graphs", map[string]any{
		"id": "pipeline",
		"nodes": []map[string]any{
			{"id": "a", "function": "echo", "image": "img-std"},
			{"id": "b", "function": "upper", "image": "img-std", "depends_on": []string{"a"}},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var graphResp struct {
		ID      string `json:"id"`
		Version int    `json:"version"`
	}
	decodeBody(t, resp, &graphResp)
	require.Equal(t, 1, graphResp.Version)

	resp = s.postJSON(t, "/v1/invocations", map[string]any{
		"graph_id": "pipeline",
		"input":    "hello orchestrator",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var submitResp struct {
		InvocationID string `json:"invocation_id"`
	}
	decodeBody(t, resp, &submitResp)
	require.NotEmpty(t, submitResp.InvocationID)

	invURL := s.ts.URL + "/v1/invocations/" + submitResp.InvocationID
	require.Eventually(t, func() bool {
		r, err := http.Get(invURL)
		if err != nil {
			return false
		}
		var inv struct {
			Status string `json:"status"`
		}
		defer r.Body.Close()
		if json.NewDecoder(r.Body).Decode(&inv) != nil {
			return false
		}
		return inv.Status == "completed"
	}, 10*time.Second, 25*time.Millisecond, "invocation did not complete")

	r, err := http.Get(invURL + "/output")
	require.NoError(t, err)
	defer r.Body.Close()
	require.Equal(t, http.StatusOK, r.StatusCode)
	out, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	require.Equal(t, "HELLO ORCHESTRATOR", string(out))

	// Task records expose the full per-node history.
	r, err = http.Get(invURL + "?tasks=1")
	require.NoError(t, err)
	var detail struct {
		Tasks []struct {
			NodeID string `json:"node_id"`
			Status string `json:"status"`
		} `json:"tasks"`
	}
	decodeBody(t, r, &detail)
	require.Len(t, detail.Tasks, 2)
	for _, task := range detail.Tasks {
		require.Equal(t, "completed", task.Status)
	}
}

func TestRegisterGraph_RejectsInvalid(t *testing.T) {
	s := newAPIStack(t)

	resp := s.postJSON(t, "/v1/graphs", map[string]any{
		"id": "bad",
		"nodes": []map[string]any{
			{"id": "a", "function": "fn", "image": "i", "depends_on": []string{"ghost"}},
		},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Nothing was persisted.
	r, err := http.Get(s.ts.URL + "/v1/graphs/bad")
	require.NoError(t, err)
	defer r.Body.Close()
	require.Equal(t, http.StatusNotFound, r.StatusCode)
}

func TestGetInvocation_NotFound(t *testing.T) {
	s := newAPIStack(t)
	r, err := http.Get(s.ts.URL + "/v1/invocations/nope")
	require.NoError(t, err)
	defer r.Body.Close()
	require.Equal(t, http.StatusNotFound, r.StatusCode)
}

func TestGetOutput_BeforeCompletion(t *testing.T) {
	s := newAPIStack(t)

	resp := s.postJSON(t, "/v1/graphs", map[string]any{
		"id": "stalled",
		"nodes": []map[string]any{
			{"id": "a", "function": "fn", "image": "img-without-executors"},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = s.postJSON(t, "/v1/invocations", map[string]any{
		"graph_id": "stalled",
		"input":    "queued forever",
	})
	var submitResp struct {
		InvocationID string `json:"invocation_id"`
	}
	decodeBody(t, resp, &submitResp)

	// No executor serves the image, so the task stays queued and the
	// output endpoint refuses.
	r, err := http.Get(s.ts.URL + "/v1/invocations/" + submitResp.InvocationID + "/output")
	require.NoError(t, err)
	defer r.Body.Close()
	require.Equal(t, http.StatusConflict, r.StatusCode)

	// A compatible executor arriving later picks the parked task up and
	// the invocation runs to completion.
	s.startAgent(t, "img-without-executors", map[string]executor.Function{
		"fn": func(_ context.Context, inputs [][]byte) ([]byte, error) {
			return bytes.Join(inputs, nil), nil
		},
	})
	invURL := s.ts.URL + "/v1/invocations/" + submitResp.InvocationID
	require.Eventually(t, func() bool {
		resp, err := http.Get(invURL)
		if err != nil {
			return false
		}
		var inv struct {
			Status string `json:"status"`
		}
		defer resp.Body.Close()
		if json.NewDecoder(resp.Body).Decode(&inv) != nil {
			return false
		}
		return inv.Status == "completed"
	}, 10*time.Second, 25*time.Millisecond, "parked task was never claimed")

	out, err := http.Get(invURL + "/output")
	require.NoError(t, err)
	defer out.Body.Close()
	require.Equal(t, http.StatusOK, out.StatusCode)
	body, err := io.ReadAll(out.Body)
	require.NoError(t, err)
	require.Equal(t, "queued forever", string(body))
}

func TestMetricsEndpoint(t *testing.T) {
	s := newAPIStack(t)
	r, err := http.Get(s.ts.URL + "/metrics")
	require.NoError(t, err)
	defer r.Body.Close()
	require.Equal(t, http.StatusOK, r.StatusCode)

	var body struct {
		QueueDepths    map[string]int `json:"queue_depth_by_image"`
		ExecutorCounts map[string]int `json:"executors_by_image"`
	}
	require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	require.Empty(t, body.QueueDepths)
}
