package server

import (
	"log/slog"
	"net/http"

	"taskmesh/internal/handler"
	"taskmesh/internal/middleware"
)

func NewMux(api *handler.API, log *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Client surface
	mux.HandleFunc("POST /v1/graphs", api.HandleRegisterGraph)
	mux.HandleFunc("GET /v1/graphs/{id}", api.HandleGetGraph)
	mux.HandleFunc("POST /v1/invocations", api.HandleSubmitInvocation)
	mux.HandleFunc("GET /v1/invocations/{id}", api.HandleGetInvocation)
	mux.HandleFunc("GET /v1/invocations/{id}/output", api.HandleGetInvocationOutput)
	mux.HandleFunc("DELETE /v1/invocations/{id}", api.HandleCancelInvocation)

	// Executor surface
	mux.HandleFunc("POST /v1/executors", api.HandleRegisterExecutor)
	mux.HandleFunc("POST /v1/executors/{id}/heartbeat", api.HandleHeartbeat)
	mux.HandleFunc("DELETE /v1/executors/{id}", api.HandleDeregisterExecutor)
	mux.HandleFunc("POST /v1/executors/{id}/claim", api.HandleClaim)
	mux.HandleFunc("GET /v1/executors/{id}/stream", api.HandleDispatchStream)
	mux.HandleFunc("POST /v1/tasks/{id}/start", api.HandleStartTask)
	mux.HandleFunc("POST /v1/tasks/{id}/report", api.HandleReportTask)

	// Operational surface
	mux.HandleFunc("GET /metrics", api.HandleMetrics)

	return middleware.CORS(middleware.RequestLog(log, mux))
}
