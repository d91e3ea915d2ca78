// Package httputil holds the JSON response helpers shared by the API handlers.
package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/banshee-data/serialbridge/internal/monitoring"
)

// ErrorBody is the JSON shape of every error response. Kind names the
// command error category when one applies.
type ErrorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// WriteJSON writes data as JSON with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log := monitoring.Logger()
		log.Warn().Err(err).Int("status", status).Msg("failed to encode json response")
	}
}

func WriteJSONOK(w http.ResponseWriter, data interface{}) {
	WriteJSON(w, http.StatusOK, data)
}

func WriteJSONError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorBody{Error: msg})
}

// WriteKindError writes an error body tagged with kind.
func WriteKindError(w http.ResponseWriter, status int, kind, msg string) {
	WriteJSON(w, status, ErrorBody{Error: msg, Kind: kind})
}

func MethodNotAllowed(w http.ResponseWriter) {
	WriteJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func BadRequest(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusBadRequest, msg)
}

// StatusRecorder captures the status code written through it. It passes
// Flush through so streaming handlers keep working behind middleware.
type StatusRecorder struct {
	http.ResponseWriter
	Status int
}

func NewStatusRecorder(w http.ResponseWriter) *StatusRecorder {
	return &StatusRecorder{ResponseWriter: w, Status: http.StatusOK}
}

func (r *StatusRecorder) WriteHeader(code int) {
	r.Status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *StatusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
