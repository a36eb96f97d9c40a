package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"taskmesh/internal/blob"
	"taskmesh/internal/dispatch"
	"taskmesh/internal/engine"
	"taskmesh/internal/graph"
	"taskmesh/internal/metrics"
	"taskmesh/internal/queue"
	"taskmesh/internal/registry"
	"taskmesh/internal/state"
)

// API bundles the orchestrator's HTTP surface: the client-facing graph and
// invocation endpoints, the executor dispatch endpoints and the metrics
// snapshot.
type API struct {
	engine    *engine.Engine
	dispatch  *dispatch.Service
	blobs     blob.Store
	queue     *queue.Queue
	registry  *registry.Registry
	collector *metrics.Collector
	claimWait time.Duration
	log       *slog.Logger
}

func NewAPI(
	eng *engine.Engine,
	disp *dispatch.Service,
	blobs blob.Store,
	q *queue.Queue,
	reg *registry.Registry,
	col *metrics.Collector,
	claimWait time.Duration,
	log *slog.Logger,
) *API {
	if log == nil {
		log = slog.Default()
	}
	if claimWait <= 0 {
		claimWait = 20 * time.Second
	}
	return &API{
		engine:    eng,
		dispatch:  disp,
		blobs:     blobs,
		queue:     q,
		registry:  reg,
		collector: col,
		claimWait: claimWait,
		log:       log,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps the internal error taxonomy onto HTTP statuses:
// validation errors are 400, unknown records 404, capacity and transition
// conflicts 409, and store failures 503 (retryable, nothing committed).
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, graph.ErrCycle),
		errors.Is(err, graph.ErrNoNodes),
		errors.Is(err, graph.ErrNoImage),
		errors.Is(err, graph.ErrDuplicate),
		errors.Is(err, graph.ErrDangling):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	case errors.Is(err, state.ErrNotFound),
		errors.Is(err, blob.ErrNotFound),
		errors.Is(err, registry.ErrUnknownExecutor):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, registry.ErrAtCapacity),
		errors.Is(err, registry.ErrNotActive),
		errors.Is(err, state.ErrConflict),
		errors.Is(err, dispatch.ErrBadTransition):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	default:
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
	}
}

func decode(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
