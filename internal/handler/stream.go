package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"taskmesh/internal/registry"
	"taskmesh/internal/state"
)

const (
	dispatchWSWriteWait = 10 * time.Second
	dispatchWSPongWait  = 60 * time.Second
	dispatchWSPingEvery = (dispatchWSPongWait * 9) / 10
	dispatchWSClaimWait = 2 * time.Second
)

var dispatchWSUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

type dispatchWSInbound struct {
	Type      string `json:"type"` // "start" | "report" | "heartbeat"
	TaskID    string `json:"taskId,omitempty"`
	Status    string `json:"status,omitempty"`
	OutputRef string `json:"outputRef,omitempty"`
	Error     string `json:"error,omitempty"`
	Load      int    `json:"load,omitempty"`
}

type dispatchWSOutbound struct {
	Type   string      `json:"type"` // "task" | "cancel" | "error"
	Task   *state.Task `json:"task,omitempty"`
	TaskID string      `json:"taskId,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// HandleDispatchStream is the push-style dispatch transport: the server
// streams task assignments and cancellation notices over a websocket and
// accepts reports and heartbeats inbound. Same contract as the long-poll
// endpoints, different transport.
func (a *API) HandleDispatchStream(w http.ResponseWriter, r *http.Request) {
	executorID := strings.TrimSpace(r.PathValue("id"))
	if _, err := a.registry.Get(executorID); err != nil {
		writeError(w, err)
		return
	}

	conn, err := dispatchWSUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	cancels := a.dispatch.SubscribeCancels(executorID)
	defer a.dispatch.UnsubscribeCancels(executorID)

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(dispatchWSPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(dispatchWSPongWait))
	})

	go a.readDispatchStream(ctx, cancel, conn, executorID)

	assignments := make(chan *state.Task)
	go func() {
		defer close(assignments)
		for ctx.Err() == nil {
			task, err := a.dispatch.Claim(ctx, executorID, dispatchWSClaimWait)
			if errors.Is(err, registry.ErrAtCapacity) {
				// All slots busy; poll again once reports free one.
				select {
				case <-time.After(dispatchWSClaimWait):
				case <-ctx.Done():
				}
				continue
			}
			if err != nil {
				cancel()
				return
			}
			if task == nil {
				continue
			}
			select {
			case assignments <- task:
			case <-ctx.Done():
				return
			}
		}
	}()

	ping := time.NewTicker(dispatchWSPingEvery)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-assignments:
			if !ok {
				return
			}
			if !a.writeDispatchStream(conn, dispatchWSOutbound{Type: "task", Task: task}) {
				return
			}
		case taskID, ok := <-cancels:
			if !ok {
				return
			}
			if !a.writeDispatchStream(conn, dispatchWSOutbound{Type: "cancel", TaskID: taskID}) {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(dispatchWSWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (a *API) readDispatchStream(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, executorID string) {
	defer cancel()
	for {
		var msg dispatchWSInbound
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case "start":
			err := a.dispatch.Start(ctx, msg.TaskID, executorID)
			if err != nil {
				// Routed through the cancel subscription so the write loop
				// stays the only websocket writer.
				a.dispatch.NotifyCancel(executorID, msg.TaskID)
			}
		case "heartbeat":
			if err := a.dispatch.Heartbeat(executorID, msg.Load); err != nil {
				a.log.Warn("stream heartbeat rejected", "executor_id", executorID, "error", err)
				return
			}
		case "report":
			outcome, ok := parseOutcome(reportTaskRequest{
				ExecutorID: executorID,
				Status:     msg.Status,
				OutputRef:  msg.OutputRef,
				Error:      msg.Error,
			})
			if !ok {
				a.log.Warn("stream report with non-terminal status",
					"executor_id", executorID, "task_id", msg.TaskID, "status", msg.Status)
				continue
			}
			if err := a.dispatch.Report(ctx, executorID, msg.TaskID, outcome); err != nil {
				a.log.Error("stream report failed",
					"executor_id", executorID, "task_id", msg.TaskID, "error", err)
			}
		}
	}
}

func (a *API) writeDispatchStream(conn *websocket.Conn, msg dispatchWSOutbound) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(dispatchWSWriteWait))
	if err := conn.WriteJSON(msg); err != nil {
		return false
	}
	return true
}
