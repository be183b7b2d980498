// Package api exposes the REST query surface: indicator CRUD, search,
// sightings, feed refresh, and the dashboard.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

// errorBody is the error response shape for every non-2xx answer.
type errorBody struct {
	Error string `json:"error"`
}

// WriteJSON writes a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes an error response.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, errorBody{Error: msg})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, msg string) {
	WriteError(w, http.StatusBadRequest, msg)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, http.StatusNotFound, msg)
}

// WriteTooManyRequests writes a 429 error response with a Retry-After hint.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
}

// WriteInternal writes a 500 error response. The cause is logged but never
// exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "internal server error")
}
