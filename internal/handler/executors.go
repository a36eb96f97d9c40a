package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"taskmesh/internal/dispatch"
	"taskmesh/internal/engine"
	"taskmesh/internal/state"
)

type registerExecutorRequest struct {
	Image    string `json:"image"`
	Capacity int    `json:"capacity"`
}

type registerExecutorResponse struct {
	ExecutorID          string `json:"executor_id"`
	HeartbeatIntervalMS int64  `json:"heartbeat_interval_ms"`
	ClaimWaitMS         int64  `json:"claim_wait_ms"`
}

func (a *API) HandleRegisterExecutor(w http.ResponseWriter, r *http.Request) {
	var req registerExecutorRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.Image) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "image is required"})
		return
	}
	exec, err := a.dispatch.Register(req.Image, req.Capacity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerExecutorResponse{
		ExecutorID:          exec.ID,
		HeartbeatIntervalMS: (5 * time.Second).Milliseconds(),
		ClaimWaitMS:         a.claimWait.Milliseconds(),
	})
}

type heartbeatRequest struct {
	Load int `json:"load"`
}

func (a *API) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return
	}
	if err := a.dispatch.Heartbeat(r.PathValue("id"), req.Load); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) HandleDeregisterExecutor(w http.ResponseWriter, r *http.Request) {
	if err := a.dispatch.Deregister(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleClaim is the pull-style dispatch endpoint: a bounded long-poll
// returning at most one task. 204 means nothing matched within the wait and
// the executor should retry.
func (a *API) HandleClaim(w http.ResponseWriter, r *http.Request) {
	wait := a.claimWait
	if raw := strings.TrimSpace(r.URL.Query().Get("wait_ms")); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid wait_ms"})
			return
		}
		if d := time.Duration(ms) * time.Millisecond; d < wait {
			wait = d
		}
	}

	task, err := a.dispatch.Claim(r.Context(), r.PathValue("id"), wait)
	if err != nil {
		writeError(w, err)
		return
	}
	if task == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type startTaskRequest struct {
	ExecutorID string `json:"executor_id"`
}

// HandleStartTask moves an assigned task to Running. 410 tells the
// executor the task was cancelled or reassigned and must be abandoned.
func (a *API) HandleStartTask(w http.ResponseWriter, r *http.Request) {
	var req startTaskRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return
	}
	err := a.dispatch.Start(r.Context(), r.PathValue("id"), strings.TrimSpace(req.ExecutorID))
	if errors.Is(err, dispatch.ErrTaskCancelled) {
		writeJSON(w, http.StatusGone, errorBody{Error: err.Error()})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type reportTaskRequest struct {
	ExecutorID string `json:"executor_id"`
	Status     string `json:"status"`
	OutputRef  string `json:"output_ref,omitempty"`
	Error      string `json:"error,omitempty"`
}

// HandleReportTask accepts a terminal outcome. Stale and duplicate reports
// are absorbed with a 202 so executors never retry them.
func (a *API) HandleReportTask(w http.ResponseWriter, r *http.Request) {
	var req reportTaskRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return
	}
	outcome, ok := parseOutcome(req)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "status must be completed, failed or cancelled"})
		return
	}
	if err := a.dispatch.Report(r.Context(), strings.TrimSpace(req.ExecutorID), r.PathValue("id"), outcome); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func parseOutcome(req reportTaskRequest) (engine.Outcome, bool) {
	status := state.TaskStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	if !status.Terminal() {
		return engine.Outcome{}, false
	}
	return engine.Outcome{
		Status:    status,
		OutputRef: strings.TrimSpace(req.OutputRef),
		Error:     req.Error,
	}, true
}
