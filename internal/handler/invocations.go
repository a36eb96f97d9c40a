package handler

import (
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"taskmesh/internal/state"
)

type submitInvocationRequest struct {
	GraphID      string `json:"graph_id"`
	GraphVersion int    `json:"graph_version,omitempty"`
	InputRef     string `json:"input_ref,omitempty"`
	Input        string `json:"input,omitempty"`
}

type submitInvocationResponse struct {
	InvocationID string `json:"invocation_id"`
}

// HandleSubmitInvocation starts one run of a graph. The input is either a
// reference to an existing blob or an inline payload, which is uploaded
// first so the invocation record only ever carries a reference.
func (a *API) HandleSubmitInvocation(w http.ResponseWriter, r *http.Request) {
	var req submitInvocationRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.GraphID) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "graph_id is required"})
		return
	}

	inputRef := strings.TrimSpace(req.InputRef)
	if inputRef == "" {
		if req.Input == "" {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "input_ref or input is required"})
			return
		}
		ref, err := a.blobs.Put(r.Context(), "inputs/"+uuid.NewString(), []byte(req.Input))
		if err != nil {
			writeError(w, err)
			return
		}
		inputRef = ref
	}

	id, err := a.engine.Submit(r.Context(), req.GraphID, req.GraphVersion, inputRef)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, submitInvocationResponse{InvocationID: id})
}

type invocationResponse struct {
	*state.Invocation
	Tasks []state.Task `json:"tasks,omitempty"`
}

// HandleGetInvocation returns the invocation status with its output
// reference once completed. ?tasks=1 includes the per-node task records.
func (a *API) HandleGetInvocation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	inv, err := a.engine.Invocation(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := invocationResponse{Invocation: inv}
	if r.URL.Query().Get("tasks") == "1" {
		tasks, err := a.engine.Tasks(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		resp.Tasks = tasks
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleGetInvocationOutput streams the final result object from the blob
// store.
func (a *API) HandleGetInvocationOutput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	inv, err := a.engine.Invocation(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if inv.Status != state.InvocationCompleted || inv.OutputRef == "" {
		writeJSON(w, http.StatusConflict, errorBody{Error: "invocation has no output (status: " + string(inv.Status) + ")"})
		return
	}
	rc, err := a.blobs.GetStream(r.Context(), inv.OutputRef)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = io.Copy(w, rc)
}

// HandleCancelInvocation cancels cooperatively; cancelling a finished
// invocation is a no-op.
func (a *API) HandleCancelInvocation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.engine.Cancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
