package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Error types carried in the "type" field of error bodies.
const (
	errTypeInvalidRequest = "invalid_request_error"
	errTypeAuth           = "authentication_error"
	errTypeNotFound       = "not_found_error"
	errTypeConflict       = "conflict_error"
	errTypeTooSoon        = "too_soon_error"
	errTypeInternal       = "api_error"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// httpError writes {"error":{"message","type"}} with status code.
func httpError(w http.ResponseWriter, code int, errType, format string, args ...any) {
	writeJSON(w, code, errorBody{Error: errorDetail{Message: fmt.Sprintf(format, args...), Type: errType}})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
