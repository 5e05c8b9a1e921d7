package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sandboxrun/execd/internal/coordinator"
	"github.com/sandboxrun/execd/internal/model"
	"github.com/sandboxrun/execd/internal/store"
)

type createSessionRequest struct {
	Environment string `json:"environment"`
}

type sessionResponse struct {
	SessionID     string  `json:"session_id"`
	Status        string  `json:"status"`
	Environment   string  `json:"environment"`
	Message       string  `json:"message,omitempty"`
	ContainerID   *string `json:"container_id,omitempty"`
	CreatedAt     *string `json:"created_at,omitempty"`
	LastExecution *string `json:"last_execution,omitempty"`
}

// CreateSession handles POST /sessions.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := h.coordinator.CreateSession(r.Context(), req.Environment)
	if err != nil {
		if errors.Is(err, coordinator.ErrUnknownEnvironment) {
			h.JSON(w, http.StatusBadRequest, map[string]any{
				"error":                "unknown environment",
				"available_environments": h.registry.List(),
			})
			return
		}
		h.Error(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.JSON(w, http.StatusCreated, sessionResponse{
		SessionID:   session.ID,
		Status:      session.Status,
		Environment: session.Environment,
		Message:     "session creation in progress",
	})
}

// GetSession handles GET /sessions/{id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	session, err := h.coordinator.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.Error(w, http.StatusNotFound, "session not found")
			return
		}
		h.Error(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := sessionResponse{
		SessionID:   session.ID,
		Status:      session.Status,
		Environment: session.Environment,
	}
	if session.ContainerHandle != nil {
		resp.ContainerID = session.ContainerHandle
	}
	createdAt := session.CreatedAt.UTC().Format("2006-01-02T15:04:05Z")
	resp.CreatedAt = &createdAt
	if session.LastExecutionAt != nil {
		lastExec := session.LastExecutionAt.UTC().Format("2006-01-02T15:04:05Z")
		resp.LastExecution = &lastExec
	}

	h.JSON(w, http.StatusOK, resp)
}

type executeSessionRequest struct {
	Code     string  `json:"code"`
	Filename *string `json:"filename,omitempty"`
	Stdin    *string `json:"stdin,omitempty"`
}

type executeResponse struct {
	SessionID     string  `json:"session_id,omitempty"`
	Environment   string  `json:"environment,omitempty"`
	Stdout        string  `json:"stdout"`
	Stderr        string  `json:"stderr"`
	ExitCode      int     `json:"exit_code"`
	ExecutionTime float64 `json:"execution_time"`
	Status        string  `json:"status"`
}

// ExecuteSession handles POST /sessions/{id}/execute.
func (h *Handler) ExecuteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req executeSessionRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.coordinator.ExecuteSession(r.Context(), id, req.Code, req.Filename, req.Stdin)
	if err != nil {
		var gateErr *coordinator.StatusGateError
		switch {
		case errors.Is(err, store.ErrNotFound):
			h.Error(w, http.StatusNotFound, "session not found")
		case errors.As(err, &gateErr):
			h.Error(w, http.StatusBadRequest, gateErr.Error())
		default:
			h.Error(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	h.JSON(w, http.StatusOK, executeResponse{
		SessionID:     id,
		Stdout:        result.Stdout,
		Stderr:        result.Stderr,
		ExitCode:      result.ExitCode,
		ExecutionTime: result.ExecutionTimeSeconds,
		Status:        executionStatus(result.ExitCode),
	})
}

// DeleteSession handles DELETE /sessions/{id}.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.coordinator.StopSession(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.Error(w, http.StatusNotFound, "session not found")
			return
		}
		h.Error(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.JSON(w, http.StatusOK, sessionResponse{
		SessionID: id,
		Status:    string(model.SessionStopping),
		Message:   "session stop requested",
	})
}

// executionStatus differentiates a clean exit from anything else, per the
// error-handling design: a non-zero exit is a successful execution, not a
// service error, but the response still needs to say so.
func executionStatus(exitCode int) string {
	if exitCode == 0 {
		return "completed"
	}
	return "error"
}
