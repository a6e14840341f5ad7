package handlers

import (
	"net/http"

	"veritrain-orchestrator/core/engine"
	"veritrain-orchestrator/core/models"
	"veritrain-orchestrator/core/repository"

	"github.com/gorilla/mux"
)

// DatasetHandler handles dataset and quality gate HTTP requests
type DatasetHandler struct {
	engine *engine.Engine
}

// NewDatasetHandler creates a new dataset handler
func NewDatasetHandler(eng *engine.Engine) *DatasetHandler {
	return &DatasetHandler{engine: eng}
}

// CreateDataset handles POST /v1/datasets
func (h *DatasetHandler) CreateDataset(w http.ResponseWriter, r *http.Request) {
	var req engine.NewDataset
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	d, err := h.engine.CreateDataset(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, datasetResponse(d))
}

// GetDataset handles GET /v1/datasets/{id}
func (h *DatasetHandler) GetDataset(w http.ResponseWriter, r *http.Request) {
	d, err := h.engine.GetDataset(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, datasetResponse(d))
}

// ListDatasets handles GET /v1/datasets
func (h *DatasetHandler) ListDatasets(w http.ResponseWriter, r *http.Request) {
	filter := repository.DatasetFilter{
		LineageID: r.URL.Query().Get("lineage_id"),
		Limit:     queryLimit(r, 50),
	}
	if s := r.URL.Query().Get("status"); s != "" {
		status := models.DatasetStatus(s)
		filter.Status = &status
	}
	datasets, err := h.engine.ListDatasets(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	items := make([]map[string]interface{}, len(datasets))
	for i, d := range datasets {
		items[i] = datasetResponse(d)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// ReviseDataset handles POST /v1/datasets/{id}/revisions
func (h *DatasetHandler) ReviseDataset(w http.ResponseWriter, r *http.Request) {
	var req engine.DatasetRevision
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	d, err := h.engine.ReviseDataset(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, datasetResponse(d))
}

// SubmitQualityGate handles POST /v1/datasets/{id}/quality-gate
func (h *DatasetHandler) SubmitQualityGate(w http.ResponseWriter, r *http.Request) {
	datasetID := mux.Vars(r)["id"]
	jobID, err := h.engine.SubmitQualityGate(r.Context(), datasetID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"dataset_id": datasetID,
		"job_id":     jobID,
		"status":     models.DatasetStatusGatePending,
	})
}

// GetQualityGateResult handles GET /v1/datasets/{id}/quality-gate
func (h *DatasetHandler) GetQualityGateResult(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.GetQualityGateResult(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetDatasetEvents handles GET /v1/datasets/{id}/events
func (h *DatasetHandler) GetDatasetEvents(w http.ResponseWriter, r *http.Request) {
	datasetID := mux.Vars(r)["id"]
	if _, err := h.engine.GetDataset(r.Context(), datasetID); err != nil {
		writeError(w, err)
		return
	}
	events, err := h.engine.Events(r.Context(), datasetID, queryLimit(r, 100))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": eventItems(events)})
}

func datasetResponse(d *models.Dataset) map[string]interface{} {
	resp := map[string]interface{}{
		"id":                 d.ID,
		"lineage_id":         d.LineageID,
		"version":            d.Version,
		"name":               d.Name,
		"type":               d.Type,
		"language_direction": d.LanguageDirection,
		"scene":              d.Scene,
		"file_path":          d.FilePath,
		"status":             d.Status,
		"created_at":         d.CreatedAt,
		"updated_at":         d.UpdatedAt,
	}
	if d.ParentID != nil {
		resp["parent_id"] = *d.ParentID
	}
	if d.GateJobID != nil {
		resp["gate_job_id"] = *d.GateJobID
	}
	if d.QualityGate != nil {
		resp["quality_gate"] = d.QualityGate
	}
	return resp
}
