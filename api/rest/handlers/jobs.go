package handlers

import (
	"net/http"

	"veritrain-orchestrator/core/engine"
	"veritrain-orchestrator/core/models"

	"github.com/gorilla/mux"
)

// JobHandler handles job queue HTTP requests
type JobHandler struct {
	engine *engine.Engine
}

// NewJobHandler creates a new job handler
func NewJobHandler(eng *engine.Engine) *JobHandler {
	return &JobHandler{engine: eng}
}

// GetJob handles GET /v1/jobs/{id}
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.engine.GetJob(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse(job))
}

// CancelJob handles POST /v1/jobs/{id}/cancel
func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	cancelled, err := h.engine.CancelJob(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":        jobID,
		"cancelled": cancelled,
	})
}

// GetJobEvents handles GET /v1/jobs/{id}/events
func (h *JobHandler) GetJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	// Verify job exists
	if _, err := h.engine.GetJob(jobID); err != nil {
		writeError(w, err)
		return
	}
	events, err := h.engine.Events(r.Context(), jobID, queryLimit(r, 100))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": eventItems(events)})
}

// GetQueueStats handles GET /v1/jobs/stats
func (h *JobHandler) GetQueueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.QueueStats())
}

func jobResponse(job *models.Job) map[string]interface{} {
	resp := map[string]interface{}{
		"id":       job.ID,
		"kind":     job.Kind,
		"payload":  job.Payload,
		"state":    job.State,
		"attempts": job.Attempts,
		"timestamps": map[string]interface{}{
			"submitted_at": job.SubmittedAt,
			"started_at":   timeOrNil(job.StartedAt),
			"finished_at":  timeOrNil(job.FinishedAt),
		},
	}
	if job.Error != nil {
		resp["error"] = job.Error
	}
	return resp
}
