package handler

import (
	"net/http"

	"taskmesh/internal/metrics"
)

type metricsResponse struct {
	QueueDepths    map[string]int   `json:"queue_depth_by_image"`
	ExecutorCounts map[string]int   `json:"executors_by_image"`
	Tasks          metrics.Snapshot `json:"tasks"`
}

// HandleMetrics serves the operational snapshot: queue depth per image,
// executor counts per image, task latency and outcome counters.
func (a *API) HandleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, metricsResponse{
		QueueDepths:    a.queue.Depths(),
		ExecutorCounts: a.registry.CountsByImage(),
		Tasks:          a.collector.Snapshot(),
	})
}
