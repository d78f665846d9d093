package api

import (
	"context"
	"encoding/json"
	"net/http"

	"mcphub/internal/config"
)

// decodeJSON decodes the request body into v, writing a validation error
// and returning false on failure. An empty body is treated as a valid
// zero value of v, matching handlers that accept an optional body.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeValidationError(w, "malformed JSON body: "+err.Error())
		return false
	}
	return true
}

// contextWithTimeout bounds a handler's downstream work by the request's
// own context, further bounded by the hub's connect timeout.
func contextWithTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), config.ConnectTimeout)
}
