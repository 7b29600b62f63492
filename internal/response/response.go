// Package response writes the console's own JSON answers (health checks and
// the fragments the pages fetch) in the same envelope the backend uses.
package response

import (
	"encoding/json"
	"net/http"

	"upfweb/internal/models"
)

type body struct {
	Success bool         `json:"success"`
	Data    any          `json:"data,omitempty"`
	Error   string       `json:"error,omitempty"`
	Meta    *models.Meta `json:"meta,omitempty"`
}

// JSON writes a successful response with the given data.
func JSON(w http.ResponseWriter, data any) {
	write(w, http.StatusOK, body{Success: true, Data: data})
}

// JSONMeta writes a successful response with pagination metadata.
func JSONMeta(w http.ResponseWriter, data any, meta models.Meta) {
	write(w, http.StatusOK, body{Success: true, Data: data, Meta: &meta})
}

// Err writes an error response with the given message and HTTP status code.
func Err(w http.ResponseWriter, msg string, code int) {
	write(w, code, body{Error: msg})
}

// DecodeBody decodes a JSON request body into the given value.
func DecodeBody(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func write(w http.ResponseWriter, code int, b body) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(b)
}
