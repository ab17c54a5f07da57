package utils

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// WriteJSON serializes v with the canonical content type. An encoding
// failure can only be logged; the status line is already on the wire.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response body", "error", err)
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// WriteError emits the error body every endpoint shares. An empty msg
// falls back to the standard status text.
func WriteError(w http.ResponseWriter, status int, msg string) {
	if msg == "" {
		msg = http.StatusText(status)
	}
	WriteJSON(w, status, errorBody{Error: msg, Code: status})
}
