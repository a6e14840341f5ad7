package routes

import (
	"net/http"

	"veritrain-orchestrator/api/rest/handlers"
	"veritrain-orchestrator/api/rest/middleware"
	"veritrain-orchestrator/core/engine"
	"veritrain-orchestrator/core/logger"
	"veritrain-orchestrator/core/monitoring"

	"github.com/gorilla/mux"
)

// SetupRoutes configures all API routes
func SetupRoutes(
	r *mux.Router,
	eng *engine.Engine,
	monitor *monitoring.JobMonitor,
	exporter *monitoring.MetricsExporter,
	auth middleware.Authenticator,
	log *logger.Logger,
) {
	r.Use(middleware.Logging(log))

	// Health check endpoint
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	r.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics, err := exporter.GetPrometheusMetrics(r.Context())
		if err != nil {
			http.Error(w, "Failed to collect metrics: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		w.Write([]byte(metrics))
	}).Methods("GET")

	datasetHandler := handlers.NewDatasetHandler(eng)
	experimentHandler := handlers.NewExperimentHandler(eng, monitor)
	jobHandler := handlers.NewJobHandler(eng)
	modelHandler := handlers.NewModelHandler(eng)

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(middleware.RequireCaller(auth))

	// Dataset endpoints
	api.HandleFunc("/datasets", datasetHandler.CreateDataset).Methods("POST")
	api.HandleFunc("/datasets", datasetHandler.ListDatasets).Methods("GET")
	api.HandleFunc("/datasets/{id}", datasetHandler.GetDataset).Methods("GET")
	api.HandleFunc("/datasets/{id}/revisions", datasetHandler.ReviseDataset).Methods("POST")
	api.HandleFunc("/datasets/{id}/quality-gate", datasetHandler.SubmitQualityGate).Methods("POST")
	api.HandleFunc("/datasets/{id}/quality-gate", datasetHandler.GetQualityGateResult).Methods("GET")
	api.HandleFunc("/datasets/{id}/events", datasetHandler.GetDatasetEvents).Methods("GET")

	// Model endpoints
	api.HandleFunc("/models", modelHandler.RegisterModel).Methods("POST")
	api.HandleFunc("/models/{id}", modelHandler.GetModel).Methods("GET")

	// Experiment endpoints
	api.HandleFunc("/experiments", experimentHandler.CreateExperiment).Methods("POST")
	api.HandleFunc("/experiments", experimentHandler.ListExperiments).Methods("GET")
	api.HandleFunc("/experiments/{id}", experimentHandler.GetExperiment).Methods("GET")
	api.HandleFunc("/experiments/{id}/config", experimentHandler.UpdateConfig).Methods("PUT")
	api.HandleFunc("/experiments/{id}/submit", experimentHandler.SubmitExperiment).Methods("POST")
	api.HandleFunc("/experiments/{id}/stop", experimentHandler.StopExperiment).Methods("POST")
	api.HandleFunc("/experiments/{id}/progress", experimentHandler.StreamProgress).Methods("GET")
	api.HandleFunc("/experiments/{id}/events", experimentHandler.GetExperimentEvents).Methods("GET")
	api.HandleFunc("/experiments/{id}/evaluations", experimentHandler.GetEvaluations).Methods("GET")
	api.HandleFunc("/experiments/{id}/checkpoints", experimentHandler.GetCheckpoints).Methods("GET")
	api.HandleFunc("/experiments/{id}/metrics", experimentHandler.GetRunMetrics).Methods("GET")

	// Job endpoints
	api.HandleFunc("/jobs/stats", jobHandler.GetQueueStats).Methods("GET")
	api.HandleFunc("/jobs/{id}", jobHandler.GetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}/cancel", jobHandler.CancelJob).Methods("POST")
	api.HandleFunc("/jobs/{id}/events", jobHandler.GetJobEvents).Methods("GET")
}
