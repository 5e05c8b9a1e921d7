// Package sandbox provides the Sandbox Executor: the only component that
// speaks directly to the container runtime.
package sandbox

import (
	"context"
	"errors"
)

// Sentinel errors for sandbox operations.
var (
	ErrNotFound      = errors.New("sandbox not found")
	ErrAlreadyExists = errors.New("sandbox already exists for session")
	ErrImageNotFound = errors.New("sandbox image not found")
)

// ExecRequest describes one code execution round.
type ExecRequest struct {
	Code     string
	Filename string // empty selects the environment's default filename
	Stdin    string // piped into the run command's stdin, if non-empty
	Timeout  int    // seconds, wrapped as `timeout <seconds> <argv...>`
}

// ExecResult is the structured outcome of an execution round. The Executor
// never raises out of Exec — container or runtime trouble is reported here
// with ExitCode -1 and a human-readable Stderr instead.
type ExecResult struct {
	Stdout               string
	Stderr               string
	ExitCode             int
	ExecutionTimeSeconds float64
}

// Runtime abstracts container execution: create one container per session,
// run commands against it, and tear it down.
type Runtime interface {
	// Create launches a new sandbox for sessionID running the named
	// environment, returning an opaque container handle.
	Create(ctx context.Context, sessionID, environment string) (containerHandle string, err error)

	// Exec writes the request's source into the sandbox and runs it,
	// applying the environment's run command template under a hard timeout.
	Exec(ctx context.Context, sessionID string, req ExecRequest) (*ExecResult, error)

	// Stop gracefully stops then force-removes the sandbox. A missing
	// container is not an error.
	Stop(ctx context.Context, sessionID string) error

	// Exists reports whether a sandbox is currently running for sessionID.
	Exists(ctx context.Context, sessionID string) (bool, error)

	// Sweep removes every labeled sandbox whose session_id isn't present in
	// knownSessionIDs, returning the handles it removed.
	Sweep(ctx context.Context, knownSessionIDs map[string]bool) ([]string, error)
}

// RunOnce is the ephemeral-mode shortcut: create, execute, and always stop —
// even when Exec fails — implemented once here against any Runtime so
// providers don't each need their own finally-style bookkeeping.
func RunOnce(ctx context.Context, rt Runtime, sessionID, environment string, req ExecRequest) (*ExecResult, error) {
	if _, err := rt.Create(ctx, sessionID, environment); err != nil {
		return nil, err
	}
	defer func() {
		stopCtx := context.WithoutCancel(ctx)
		_ = rt.Stop(stopCtx, sessionID)
	}()

	return rt.Exec(ctx, sessionID, req)
}
