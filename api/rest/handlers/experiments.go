package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"veritrain-orchestrator/core/engine"
	"veritrain-orchestrator/core/models"
	"veritrain-orchestrator/core/monitoring"
	"veritrain-orchestrator/core/repository"

	"github.com/gorilla/mux"
)

// ExperimentHandler handles experiment HTTP requests
type ExperimentHandler struct {
	engine  *engine.Engine
	monitor *monitoring.JobMonitor
}

// NewExperimentHandler creates a new experiment handler
func NewExperimentHandler(eng *engine.Engine, monitor *monitoring.JobMonitor) *ExperimentHandler {
	return &ExperimentHandler{engine: eng, monitor: monitor}
}

// CreateExperimentRequest creates an experiment from fields or from a YAML recipe
type CreateExperimentRequest struct {
	engine.NewExperiment
	SpecYAML string `json:"spec_yaml,omitempty"`
}

// CreateExperiment handles POST /v1/experiments
func (h *ExperimentHandler) CreateExperiment(w http.ResponseWriter, r *http.Request) {
	var req CreateExperimentRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	var (
		exp *models.Experiment
		err error
	)
	if req.SpecYAML != "" {
		exp, err = h.engine.CreateExperimentFromSpec(r.Context(), callerID(r), req.SpecYAML)
	} else {
		in := req.NewExperiment
		in.OwnerID = callerID(r)
		exp, err = h.engine.CreateExperiment(r.Context(), in)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, experimentResponse(exp))
}

// GetExperiment handles GET /v1/experiments/{id}
func (h *ExperimentHandler) GetExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := h.engine.GetExperiment(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, experimentResponse(exp))
}

// ListExperiments handles GET /v1/experiments
func (h *ExperimentHandler) ListExperiments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.ExperimentFilter{
		DatasetID: q.Get("dataset_id"),
		OwnerID:   q.Get("owner_id"),
		Limit:     queryLimit(r, 50),
	}
	if s := q.Get("status"); s != "" {
		status := models.ExperimentStatus(s)
		filter.Status = &status
	}
	experiments, err := h.engine.ListExperiments(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	items := make([]map[string]interface{}, len(experiments))
	for i, exp := range experiments {
		items[i] = experimentResponse(exp)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// UpdateConfig handles PUT /v1/experiments/{id}/config
func (h *ExperimentHandler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var cfg models.TrainingConfig
	if err := decode(r, &cfg); err != nil {
		writeError(w, err)
		return
	}
	exp, err := h.engine.UpdateExperimentConfig(r.Context(), mux.Vars(r)["id"], callerID(r), cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, experimentResponse(exp))
}

// SubmitExperiment handles POST /v1/experiments/{id}/submit
func (h *ExperimentHandler) SubmitExperiment(w http.ResponseWriter, r *http.Request) {
	experimentID := mux.Vars(r)["id"]
	jobID, err := h.engine.SubmitExperiment(r.Context(), experimentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"experiment_id": experimentID,
		"job_id":        jobID,
		"status":        models.ExperimentStatusRunning,
	})
}

// StopExperiment handles POST /v1/experiments/{id}/stop
func (h *ExperimentHandler) StopExperiment(w http.ResponseWriter, r *http.Request) {
	experimentID := mux.Vars(r)["id"]
	if err := h.engine.StopExperiment(r.Context(), experimentID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"experiment_id": experimentID,
		"status":        models.ExperimentStatusStopped,
	})
}

// GetExperimentEvents handles GET /v1/experiments/{id}/events
func (h *ExperimentHandler) GetExperimentEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.engine.ExperimentEvents(r.Context(), mux.Vars(r)["id"], queryLimit(r, 100))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": eventItems(events)})
}

// GetEvaluations handles GET /v1/experiments/{id}/evaluations
func (h *ExperimentHandler) GetEvaluations(w http.ResponseWriter, r *http.Request) {
	evaluations, err := h.engine.Evaluations(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	items := make([]map[string]interface{}, len(evaluations))
	for i, ev := range evaluations {
		items[i] = map[string]interface{}{
			"id":             ev.ID,
			"checkpoint_uri": ev.CheckpointURI,
			"track":          ev.Track,
			"scores":         ev.Scores,
			"created_at":     ev.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// GetCheckpoints handles GET /v1/experiments/{id}/checkpoints
func (h *ExperimentHandler) GetCheckpoints(w http.ResponseWriter, r *http.Request) {
	experimentID := mux.Vars(r)["id"]
	if _, err := h.engine.GetExperiment(r.Context(), experimentID); err != nil {
		writeError(w, err)
		return
	}
	artifacts, err := h.engine.Checkpoints(r.Context(), experimentID)
	if err != nil {
		writeError(w, err)
		return
	}
	items := make([]map[string]interface{}, len(artifacts))
	for i, artifact := range artifacts {
		items[i] = map[string]interface{}{
			"type":       artifact.Type,
			"uri":        artifact.URI,
			"meta":       artifact.Meta,
			"created_at": artifact.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// GetRunMetrics handles GET /v1/experiments/{id}/metrics
func (h *ExperimentHandler) GetRunMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.monitor.GetRunMetrics(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

// StreamProgress handles GET /v1/experiments/{id}/progress as server-sent
// events. The stream ends with a done event once the experiment finishes.
func (h *ExperimentHandler) StreamProgress(w http.ResponseWriter, r *http.Request) {
	experimentID := mux.Vars(r)["id"]
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	sub, err := h.engine.SubscribeProgress(r.Context(), experimentID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case snapshot, ok := <-sub.C():
			if !ok {
				status := ""
				if exp, err := h.engine.GetExperiment(r.Context(), experimentID); err == nil {
					status = string(exp.Status)
				}
				fmt.Fprintf(w, "event: done\ndata: {\"status\":%q}\n\n", status)
				flusher.Flush()
				return
			}
			data, err := json.Marshal(snapshot)
			if err != nil {
				return
			}
			fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func experimentResponse(e *models.Experiment) map[string]interface{} {
	resp := map[string]interface{}{
		"id":            e.ID,
		"name":          e.Name,
		"owner_id":      e.OwnerID,
		"dataset_id":    e.DatasetID,
		"base_model_id": e.BaseModelID,
		"config":        e.Config,
		"status":        e.Status,
		"timestamps": map[string]interface{}{
			"created_at":   e.CreatedAt,
			"started_at":   timeOrNil(e.StartedAt),
			"completed_at": timeOrNil(e.CompletedAt),
		},
	}
	if e.AdapterID != nil {
		resp["adapter_id"] = *e.AdapterID
	}
	if e.JobHandle != nil {
		resp["job_id"] = *e.JobHandle
	}
	if e.Progress != nil {
		resp["progress"] = e.Progress
	}
	if e.CheckpointURI != nil {
		resp["checkpoint_uri"] = *e.CheckpointURI
	}
	if e.Metrics != nil {
		resp["metrics"] = e.Metrics
	}
	if e.Error != nil {
		resp["error"] = e.Error
	}
	return resp
}
