// Package api provides HTTP API handlers for controlling posecam.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/ayusman/posecam/internal/app"
)

type errorResponse struct {
	Error string         `json:"error"`
	Info  *app.ErrorInfo `json:"info,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeFailure writes err with its display details.
func writeFailure(w http.ResponseWriter, status int, message string, err error) {
	writeJSON(w, status, errorResponse{Error: message, Info: app.NewErrorInfo(err)})
}

// decode reads a JSON request body into v, rejecting unknown fields.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
