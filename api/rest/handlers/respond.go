package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"veritrain-orchestrator/api/rest/middleware"
	"veritrain-orchestrator/core/apperr"
	"veritrain-orchestrator/core/models"
)

// HTTPStatus maps an error code to the HTTP status returned to callers
func HTTPStatus(code apperr.Code) int {
	switch code {
	case apperr.CodeValidation:
		return http.StatusBadRequest
	case apperr.CodeForbidden:
		return http.StatusForbidden
	case apperr.CodeNotFound, apperr.CodeNotYetRun:
		return http.StatusNotFound
	case apperr.CodeDatasetNotReady, apperr.CodeNotRunning, apperr.CodeInvalidTransition, apperr.CodeCancelled:
		return http.StatusConflict
	case apperr.CodeTransient, apperr.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	detail := apperr.Detail(err)
	writeJSON(w, HTTPStatus(apperr.Code(detail.Code)), map[string]interface{}{
		"error": detail,
	})
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Wrap(apperr.CodeValidation, err, "invalid request body")
	}
	return nil
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func callerID(r *http.Request) string {
	return middleware.CallerID(r.Context())
}

func eventItems(events []models.TransitionEvent) []map[string]interface{} {
	items := make([]map[string]interface{}, len(events))
	for i, event := range events {
		item := map[string]interface{}{
			"at":        event.At,
			"to_status": event.ToStatus,
			"reason":    event.Reason,
		}
		if event.FromStatus != nil {
			item["from_status"] = *event.FromStatus
		}
		if len(event.Meta) > 0 {
			item["meta"] = event.Meta
		}
		items[i] = item
	}
	return items
}

func timeOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
