package handler

import (
	"errors"
	"net/http"

	"github.com/sandboxrun/execd/internal/coordinator"
)

type ephemeralExecuteRequest struct {
	Environment string  `json:"environment"`
	Code        string  `json:"code"`
	Filename    *string `json:"filename,omitempty"`
	Stdin       *string `json:"stdin,omitempty"`
}

// ExecuteEphemeral handles POST /execute: a one-shot run with no session.
func (h *Handler) ExecuteEphemeral(w http.ResponseWriter, r *http.Request) {
	var req ephemeralExecuteRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.coordinator.ExecuteEphemeral(r.Context(), req.Environment, req.Code, req.Filename, req.Stdin)
	if err != nil {
		if errors.Is(err, coordinator.ErrUnknownEnvironment) {
			h.JSON(w, http.StatusBadRequest, map[string]any{
				"error":                  "unknown environment",
				"available_environments": h.registry.List(),
			})
			return
		}
		h.Error(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.JSON(w, http.StatusOK, executeResponse{
		Environment:   req.Environment,
		Stdout:        result.Stdout,
		Stderr:        result.Stderr,
		ExitCode:      result.ExitCode,
		ExecutionTime: result.ExecutionTimeSeconds,
		Status:        executionStatus(result.ExitCode),
	})
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	h.JSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "code-executor",
	})
}
