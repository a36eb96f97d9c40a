package handler

import (
	"net/http"
	"strconv"
	"strings"

	"taskmesh/internal/graph"
)

type registerGraphRequest struct {
	ID    string       `json:"id"`
	Nodes []graph.Node `json:"nodes"`
}

type registerGraphResponse struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
}

// HandleRegisterGraph stores a new graph version. Cyclic or dangling
// definitions are rejected here and never persisted.
func (a *API) HandleRegisterGraph(w http.ResponseWriter, r *http.Request) {
	var req registerGraphRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "id is required"})
		return
	}

	g := &graph.Graph{ID: strings.TrimSpace(req.ID), Nodes: req.Nodes}
	if err := a.engine.RegisterGraph(r.Context(), g); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerGraphResponse{ID: g.ID, Version: g.Version})
}

// HandleGetGraph returns a graph definition; ?version selects one, the
// default is the latest.
func (a *API) HandleGetGraph(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	version := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("version")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid version"})
			return
		}
		version = v
	}
	g, err := a.engine.Graph(r.Context(), id, version)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}
