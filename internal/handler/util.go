package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/capitalize-ai/conversation-delivery/internal/model"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeServiceError maps a delivery error to a status and wire code.
func writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrNotAuthorized):
		status = http.StatusForbidden
	case errors.Is(err, model.ErrInvalidPayload), errors.Is(err, model.ErrInvalidFrame):
		status = http.StatusBadRequest
	case model.Retryable(err):
		status = http.StatusServiceUnavailable
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	writeJSON(w, status, map[string]interface{}{
		"error":     message,
		"code":      model.ErrorCode(err),
		"retryable": model.Retryable(err),
	})
}
