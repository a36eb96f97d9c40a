package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"taskmesh/internal/state"
)

type streamInbound struct {
	Type   string      `json:"type"` // "task" | "cancel" | "error"
	Task   *state.Task `json:"task,omitempty"`
	TaskID string      `json:"taskId,omitempty"`
	Error  string      `json:"error,omitempty"`
}

type streamOutbound struct {
	Type      string `json:"type"` // "start" | "report" | "heartbeat"
	TaskID    string `json:"taskId,omitempty"`
	Status    string `json:"status,omitempty"`
	OutputRef string `json:"outputRef,omitempty"`
	Error     string `json:"error,omitempty"`
	Load      int    `json:"load,omitempty"`
}

// streamConn serializes websocket writes; reports and heartbeats come from
// different goroutines.
type streamConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *streamConn) send(msg streamOutbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(msg)
}

// RunStream is the push-transport counterpart of Run: the server streams
// task assignments and cancellation notices over a websocket, the agent
// sends starts, reports and heartbeats back. Same contract, no polling.
func (a *Agent) RunStream(ctx context.Context) error {
	reg, err := a.client.Register(ctx, a.image, a.capacity)
	if err != nil {
		return fmt.Errorf("executor: registration failed: %w", err)
	}
	a.log = a.log.With("executor_id", reg.ExecutorID)

	wsURL := streamURL(a.client.base, reg.ExecutorID)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("executor: dial stream: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()
	sc := &streamConn{conn: conn}
	a.log.Info("executor stream connected", "capacity", a.capacity)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.streamHeartbeatLoop(ctx, sc, reg)
	}()

	// Per-task cancel funcs, keyed by task id, for server cancel notices.
	var runMu sync.Mutex
	running := make(map[string]context.CancelFunc)

	readErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			var msg streamInbound
			if err := conn.ReadJSON(&msg); err != nil {
				readErr <- err
				return
			}
			switch msg.Type {
			case "task":
				if msg.Task == nil {
					continue
				}
				t := *msg.Task
				taskCtx, cancel := context.WithCancel(context.Background())
				runMu.Lock()
				running[t.ID] = cancel
				runMu.Unlock()
				a.load.Add(1)
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer a.load.Add(-1)
					defer func() {
						runMu.Lock()
						delete(running, t.ID)
						runMu.Unlock()
						cancel()
					}()
					a.runTaskStream(taskCtx, sc, t)
				}()
			case "cancel":
				runMu.Lock()
				if cancel, ok := running[msg.TaskID]; ok {
					cancel()
				}
				runMu.Unlock()
			case "error":
				a.log.Warn("stream error from server", "error", msg.Error)
			}
		}
	}()

	select {
	case <-ctx.Done():
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	case err := <-readErr:
		if ctx.Err() == nil {
			a.log.Warn("stream closed", "error", err)
		}
	}
	conn.Close()
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.client.Deregister(shutdownCtx, reg.ExecutorID); err != nil {
		a.log.Warn("deregister failed", "error", err)
	}
	a.log.Info("executor stopped")
	return nil
}

// runTaskStream executes one pushed task and reports over the stream. A
// cancelled taskCtx aborts the function; the outcome is then reported as
// cancelled and discarded server side if it raced a reassignment.
func (a *Agent) runTaskStream(taskCtx context.Context, sc *streamConn, t state.Task) {
	log := a.log.With("task_id", t.ID, "node_id", t.NodeID)

	if err := sc.send(streamOutbound{Type: "start", TaskID: t.ID}); err != nil {
		log.Warn("start send failed", "error", err)
		return
	}

	out, err := a.execute(taskCtx, t)
	if taskCtx.Err() != nil {
		_ = sc.send(streamOutbound{Type: "report", TaskID: t.ID,
			Status: string(state.TaskCancelled), Error: "cancelled"})
		log.Info("task cancelled")
		return
	}
	if err != nil {
		_ = sc.send(streamOutbound{Type: "report", TaskID: t.ID,
			Status: string(state.TaskFailed), Error: err.Error()})
		log.Warn("task failed", "error", err)
		return
	}

	ref, err := a.blobs.Put(context.Background(), "outputs/"+t.ID, out)
	if err != nil {
		_ = sc.send(streamOutbound{Type: "report", TaskID: t.ID,
			Status: string(state.TaskFailed), Error: "output upload failed: " + err.Error()})
		log.Warn("output upload failed", "error", err)
		return
	}

	if err := sc.send(streamOutbound{Type: "report", TaskID: t.ID,
		Status: string(state.TaskCompleted), OutputRef: ref}); err != nil {
		log.Warn("report send failed", "error", err)
		return
	}
	log.Info("task completed", "output_ref", ref)
}

func (a *Agent) streamHeartbeatLoop(ctx context.Context, sc *streamConn, reg *Registration) {
	interval := reg.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sc.send(streamOutbound{Type: "heartbeat", Load: int(a.load.Load())}); err != nil {
				return
			}
		}
	}
}

func streamURL(base, executorID string) string {
	url := base + "/v1/executors/" + executorID + "/stream"
	switch {
	case strings.HasPrefix(url, "https://"):
		return "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}
