package handlers

import (
	"net/http"

	"veritrain-orchestrator/core/engine"
	"veritrain-orchestrator/core/models"

	"github.com/gorilla/mux"
)

// ModelHandler handles base model and adapter HTTP requests
type ModelHandler struct {
	engine *engine.Engine
}

// NewModelHandler creates a new model handler
func NewModelHandler(eng *engine.Engine) *ModelHandler {
	return &ModelHandler{engine: eng}
}

// RegisterModel handles POST /v1/models
func (h *ModelHandler) RegisterModel(w http.ResponseWriter, r *http.Request) {
	var req engine.NewModel
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	m, err := h.engine.RegisterModel(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, modelResponse(m))
}

// GetModel handles GET /v1/models/{id}
func (h *ModelHandler) GetModel(w http.ResponseWriter, r *http.Request) {
	m, err := h.engine.GetModel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, modelResponse(m))
}

func modelResponse(m *models.Model) map[string]interface{} {
	return map[string]interface{}{
		"id":         m.ID,
		"name":       m.Name,
		"kind":       m.Kind,
		"uri":        m.URI,
		"created_at": m.CreatedAt,
	}
}
