package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"mcphub/internal/apierrors"
)

// envelope wraps every non-SSE, non-error JSON response with a timestamp,
// per spec.md's response envelope.
type envelope struct {
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// errorEnvelope is the shape of every error response.
type errorEnvelope struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeResult writes a successful, non-error JSON response.
func writeResult(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, envelope{Timestamp: time.Now(), Data: data})
}

// writeError maps err to the management API's error envelope and HTTP
// status. A *apierrors.HubError carries its own category-derived status;
// anything else is reported as a 500.
func writeError(w http.ResponseWriter, err error) {
	var hubErr *apierrors.HubError
	if errors.As(err, &hubErr) {
		writeJSON(w, hubErr.HTTPStatus(), errorEnvelope{
			Code:      hubErr.Code(),
			Message:   hubErr.Message(),
			Data:      hubErr.Data(),
			Timestamp: hubErr.Timestamp(),
		})
		return
	}

	writeJSON(w, http.StatusInternalServerError, errorEnvelope{
		Code:      "internal_error",
		Message:   err.Error(),
		Timestamp: time.Now(),
	})
}

func writeValidationError(w http.ResponseWriter, message string) {
	writeError(w, apierrors.ValidationError("invalid_request", message))
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	for _, m := range allowed {
		w.Header().Add("Allow", m)
	}
	writeError(w, apierrors.ValidationError("method_not_allowed", "method not allowed on this route"))
}
