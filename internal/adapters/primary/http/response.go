package http

import (
	"encoding/json"
	"net/http"
)

// StatusResponse acknowledges an accepted request.
type StatusResponse struct {
	Status string `json:"status"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// The header is already sent; nothing useful can be done on failure.
	_ = json.NewEncoder(w).Encode(v)
}

// WriteAccepted writes a 202 with a status body.
func WriteAccepted(w http.ResponseWriter) {
	WriteJSON(w, http.StatusAccepted, StatusResponse{Status: "accepted"})
}
