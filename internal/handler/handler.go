// Package handler implements the HTTP request facade: thin JSON handlers
// that validate input and delegate everything else to the Coordinator.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/sandboxrun/execd/internal/coordinator"
	"github.com/sandboxrun/execd/internal/environment"
)

// Handler holds the dependencies every HTTP handler needs.
type Handler struct {
	coordinator *coordinator.Coordinator
	registry    *environment.Registry
}

// New creates a Handler.
func New(c *coordinator.Coordinator, reg *environment.Registry) *Handler {
	return &Handler{coordinator: c, registry: reg}
}

// JSON writes data as a JSON response with the given status.
func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// Error writes a JSON error response.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// DecodeJSON decodes the request body into v.
func (h *Handler) DecodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}
