package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"taskmesh/internal/state"
)

// ErrTaskGone is returned by Start when the server reports the task was
// cancelled or reassigned while it sat in the local run queue.
var ErrTaskGone = fmt.Errorf("executor: task cancelled or reassigned")

// Client is the control-plane side of an executor: registration, heartbeats
// and the claim/start/report task protocol against the orchestrator.
type Client struct {
	base string
	http *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		base: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http: &http.Client{},
	}
}

type Registration struct {
	ExecutorID        string
	HeartbeatInterval time.Duration
	ClaimWait         time.Duration
}

func (c *Client) Register(ctx context.Context, image string, capacity int) (*Registration, error) {
	body := map[string]any{"image": image, "capacity": capacity}
	var resp struct {
		ExecutorID          string `json:"executor_id"`
		HeartbeatIntervalMS int64  `json:"heartbeat_interval_ms"`
		ClaimWaitMS         int64  `json:"claim_wait_ms"`
	}
	if err := c.post(ctx, "/v1/executors", body, &resp); err != nil {
		return nil, err
	}
	return &Registration{
		ExecutorID:        resp.ExecutorID,
		HeartbeatInterval: time.Duration(resp.HeartbeatIntervalMS) * time.Millisecond,
		ClaimWait:         time.Duration(resp.ClaimWaitMS) * time.Millisecond,
	}, nil
}

func (c *Client) Heartbeat(ctx context.Context, executorID string, load int) error {
	path := "/v1/executors/" + executorID + "/heartbeat"
	return c.post(ctx, path, map[string]any{"load": load}, nil)
}

func (c *Client) Deregister(ctx context.Context, executorID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.base+"/v1/executors/"+executorID, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// Claim long-polls for one task. A nil task with nil error means nothing
// matched within the wait.
func (c *Client) Claim(ctx context.Context, executorID string, wait time.Duration) (*state.Task, error) {
	path := "/v1/executors/" + executorID + "/claim"
	if wait > 0 {
		path += "?wait_ms=" + strconv.FormatInt(wait.Milliseconds(), 10)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var task state.Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return nil, fmt.Errorf("executor: failed to decode claimed task: %w", err)
	}
	return &task, nil
}

func (c *Client) Start(ctx context.Context, executorID, taskID string) error {
	req, err := c.jsonRequest(ctx, http.MethodPost, "/v1/tasks/"+taskID+"/start", map[string]any{"executor_id": executorID})
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusGone {
		return ErrTaskGone
	}
	return checkStatus(resp)
}

type Outcome struct {
	Status    state.TaskStatus `json:"status"`
	OutputRef string           `json:"output_ref,omitempty"`
	Error     string           `json:"error,omitempty"`
}

func (c *Client) Report(ctx context.Context, executorID, taskID string, out Outcome) error {
	body := map[string]any{
		"executor_id": executorID,
		"status":      string(out.Status),
		"output_ref":  out.OutputRef,
		"error":       out.Error,
	}
	return c.post(ctx, "/v1/tasks/"+taskID+"/report", body, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	req, err := c.jsonRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) jsonRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		return fmt.Errorf("executor: server returned %d: %s", resp.StatusCode, body.Error)
	}
	return fmt.Errorf("executor: server returned %d", resp.StatusCode)
}
