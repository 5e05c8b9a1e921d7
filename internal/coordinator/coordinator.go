// Package coordinator implements the Session Coordinator: the state
// machine that owns session lifecycle, composing the State Store, Task
// Runtime, and (indirectly, via dispatcher executors) the Sandbox Executor.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sandboxrun/execd/internal/config"
	"github.com/sandboxrun/execd/internal/dispatcher"
	"github.com/sandboxrun/execd/internal/environment"
	"github.com/sandboxrun/execd/internal/jobs"
	"github.com/sandboxrun/execd/internal/model"
	"github.com/sandboxrun/execd/internal/sandbox"
	"github.com/sandboxrun/execd/internal/store"
)

// ErrUnknownEnvironment is returned when CreateSession/ExecuteEphemeral is
// asked for an environment not present (or disabled) in the registry.
var ErrUnknownEnvironment = errors.New("unknown environment")

// StatusGateError is returned when an operation is rejected because the
// session isn't in an admissible status. The handler maps this to HTTP 400
// with the session's current status embedded.
type StatusGateError struct {
	Status  model.SessionStatus
	Message string
}

func (e *StatusGateError) Error() string {
	return fmt.Sprintf("session not ready (status=%s): %s", e.Status, e.Message)
}

// Coordinator owns the session state machine. It never calls the sandbox
// runtime directly — only dispatcher executors do — per the rule that only
// a worker-side executor touches the container runtime.
type Coordinator struct {
	store      *store.Store
	dispatcher *dispatcher.Service
	registry   *environment.Registry
	cfg        *config.Config
}

// New creates a Coordinator.
func New(s *store.Store, d *dispatcher.Service, reg *environment.Registry, cfg *config.Config) *Coordinator {
	return &Coordinator{store: s, dispatcher: d, registry: reg, cfg: cfg}
}

// CreateSession validates the environment, persists a pending session
// record, and submits its creation to the Task Runtime. It returns as soon
// as the record and job both exist — it does not wait for the sandbox to
// come up.
func (c *Coordinator) CreateSession(ctx context.Context, env string) (*model.Session, error) {
	if entry, ok := c.registry.Get(env); !ok || !entry.Enabled {
		return nil, ErrUnknownEnvironment
	}

	id := uuid.New().String()
	session, err := c.store.CreateSession(ctx, id, env, c.cfg.SessionTTL)
	if err != nil {
		return nil, fmt.Errorf("create session record: %w", err)
	}

	if _, err := c.dispatcher.Submit(ctx, jobs.StartSessionPayload{SessionID: id, Environment: env}); err != nil {
		return nil, fmt.Errorf("submit start_session: %w", err)
	}

	return session, nil
}

// GetSession fetches a session by ID. Returns store.ErrNotFound if absent.
func (c *Coordinator) GetSession(ctx context.Context, id string) (*model.Session, error) {
	return c.store.GetSession(ctx, id)
}

// ExecuteSession runs one round of code against an existing session's
// sandbox, gated by the session's current status, and blocks for the
// result up to executionTimeout+10s.
func (c *Coordinator) ExecuteSession(ctx context.Context, id, code string, filename, stdin *string) (*model.ExecutionResult, error) {
	session, err := c.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := admitExecute(model.SessionStatus(session.Status)); err != nil {
		return nil, err
	}

	payload := jobs.ExecuteCodePayload{SessionID: id, Code: code}
	if filename != nil {
		payload.Filename = *filename
	}
	if stdin != nil {
		payload.Stdin = *stdin
	}

	handle, err := c.dispatcher.Submit(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("submit execute_code: %w", err)
	}

	result, err := c.dispatcher.Await(ctx, handle, c.cfg.ExecutionTimeout+10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("await execute_code: %w", err)
	}
	if result.Status != "completed" {
		return nil, fmt.Errorf("execute_code failed: %s", result.Err)
	}

	return c.store.GetExecutionResult(ctx, id)
}

// admitExecute implements the status-gate table: ready and executing admit
// (the latter serializes behind whichever worker currently holds the
// container), everything else is a typed rejection.
func admitExecute(status model.SessionStatus) error {
	switch status {
	case model.SessionReady, model.SessionExecuting:
		return nil
	case model.SessionPending:
		return &StatusGateError{Status: status, Message: "container starting"}
	case model.SessionCreating:
		return &StatusGateError{Status: status, Message: "container being created"}
	case model.SessionStopping, model.SessionStopped:
		return &StatusGateError{Status: status, Message: "session stopped"}
	default:
		return &StatusGateError{Status: status, Message: "not ready"}
	}
}

// StopSession verifies the session exists and submits its teardown
// fire-and-forget — the status transition to stopping happens inside the
// executor, not here, to avoid a second writer racing the worker's CAS.
func (c *Coordinator) StopSession(ctx context.Context, id string) error {
	if _, err := c.store.GetSession(ctx, id); err != nil {
		return err
	}
	_, err := c.dispatcher.Submit(ctx, jobs.StopSessionPayload{SessionID: id})
	if err != nil {
		return fmt.Errorf("submit stop_session: %w", err)
	}
	return nil
}

// ExecuteEphemeral runs a one-shot execution with no session record,
// blocking up to executionTimeout+30s (the larger grace period accounts
// for container creation happening inline with the run).
func (c *Coordinator) ExecuteEphemeral(ctx context.Context, env, code string, filename, stdin *string) (*sandbox.ExecResult, error) {
	if entry, ok := c.registry.Get(env); !ok || !entry.Enabled {
		return nil, ErrUnknownEnvironment
	}

	payload := jobs.EphemeralExecutePayload{RequestID: uuid.New().String(), Environment: env, Code: code}
	if filename != nil {
		payload.Filename = *filename
	}
	if stdin != nil {
		payload.Stdin = *stdin
	}

	handle, err := c.dispatcher.Submit(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("submit ephemeral_execute: %w", err)
	}

	result, err := c.dispatcher.Await(ctx, handle, c.cfg.ExecutionTimeout+30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("await ephemeral_execute: %w", err)
	}
	if result.Status != "completed" {
		return nil, fmt.Errorf("ephemeral execution failed: %s", result.Err)
	}

	return ephemeralResultFromData(result.Data), nil
}

// ForceCleanupAll is an operational-maintenance-only path (not reachable
// from the public HTTP surface by default): it stops and deletes every
// active session, then sweeps any orphaned containers.
func (c *Coordinator) ForceCleanupAll(ctx context.Context) error {
	_, err := c.dispatcher.Submit(ctx, jobs.ForceCleanupAllPayload{RequestID: uuid.New().String()})
	if err != nil {
		return fmt.Errorf("submit force_cleanup_all: %w", err)
	}
	return nil
}
