package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/sandboxrun/execd/internal/dispatcher"
	"github.com/sandboxrun/execd/internal/jobs"
	"github.com/sandboxrun/execd/internal/model"
	"github.com/sandboxrun/execd/internal/sandbox"
	"github.com/sandboxrun/execd/internal/store"
)

// RegisterExecutors wires every worker-side job handler into d. This is the
// only code in the module that calls sandbox.Runtime directly, per the
// ownership rule that only a worker-side executor touches the container
// runtime.
func RegisterExecutors(d *dispatcher.Service, s *store.Store, rt sandbox.Runtime, ttl, execTimeout time.Duration) {
	timeoutSec := int(execTimeout.Seconds())
	d.RegisterExecutor(&startSessionExecutor{store: s, runtime: rt, ttl: ttl})
	d.RegisterExecutor(&executeCodeExecutor{store: s, runtime: rt, ttl: ttl, timeoutSec: timeoutSec})
	d.RegisterExecutor(&stopSessionExecutor{store: s, runtime: rt, ttl: ttl})
	d.RegisterExecutor(&ephemeralExecuteExecutor{runtime: rt, timeoutSec: timeoutSec})
	d.RegisterExecutor(&reapExecutor{store: s, runtime: rt})
	d.RegisterExecutor(&forceCleanupAllExecutor{store: s, runtime: rt, ttl: ttl})
}

func failed(err error) dispatcher.Result {
	return dispatcher.Result{Status: "failed", Err: err.Error()}
}

func completed(data map[string]any) dispatcher.Result {
	return dispatcher.Result{Status: "completed", Data: data}
}

// --- start_session ---

type startSessionExecutor struct {
	store   *store.Store
	runtime sandbox.Runtime
	ttl     time.Duration
}

func (e *startSessionExecutor) Type() jobs.Type { return jobs.TypeStartSession }

// Run is replay-safe: if the session is already ready with a live
// container, re-running the job is a no-op success rather than recreating.
func (e *startSessionExecutor) Run(ctx context.Context, raw json.RawMessage) (dispatcher.Result, error) {
	var p jobs.StartSessionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return failed(err), nil
	}

	session, err := e.store.GetSession(ctx, p.SessionID)
	if err != nil {
		return failed(err), nil
	}
	if model.SessionStatus(session.Status) == model.SessionReady && session.ContainerHandle != nil {
		return completed(nil), nil
	}

	if _, err := e.store.SetSessionStatus(ctx, p.SessionID, model.SessionPending, model.SessionCreating, e.ttl); err != nil {
		return failed(err), nil
	}

	handle, err := e.runtime.Create(ctx, p.SessionID, p.Environment)
	if err != nil {
		_ = e.store.SetSessionError(ctx, p.SessionID, err.Error(), e.ttl)
		return failed(err), nil
	}

	if err := e.store.UpdateSession(ctx, p.SessionID, map[string]any{"container_handle": handle}, e.ttl); err != nil {
		return failed(err), nil
	}
	if _, err := e.store.SetSessionStatus(ctx, p.SessionID, model.SessionCreating, model.SessionReady, e.ttl); err != nil {
		return failed(err), nil
	}

	return completed(nil), nil
}

// --- execute_code ---

type executeCodeExecutor struct {
	store      *store.Store
	runtime    sandbox.Runtime
	ttl        time.Duration
	timeoutSec int
}

func (e *executeCodeExecutor) Type() jobs.Type { return jobs.TypeExecuteCode }

func (e *executeCodeExecutor) Run(ctx context.Context, raw json.RawMessage) (res dispatcher.Result, err error) {
	var p jobs.ExecuteCodePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return failed(err), nil
	}

	defer func() {
		if r := recover(); r != nil {
			_ = e.store.SetSessionError(ctx, p.SessionID, fmt.Sprint(r), e.ttl)
			res, err = failed(fmt.Errorf("execute_code panicked: %v", r)), nil
		}
	}()

	session, err := e.store.GetSession(ctx, p.SessionID)
	if err != nil {
		return failed(err), nil
	}

	// Accept already-executing for replay safety; CAS from ready is the
	// common path.
	if model.SessionStatus(session.Status) != model.SessionExecuting {
		ok, err := e.store.SetSessionStatus(ctx, p.SessionID, model.SessionReady, model.SessionExecuting, e.ttl)
		if err != nil {
			return failed(err), nil
		}
		if !ok {
			return failed(fmt.Errorf("session %s not in ready status", p.SessionID)), nil
		}
	}

	result, err := e.runtime.Exec(ctx, p.SessionID, sandbox.ExecRequest{
		Code:     p.Code,
		Filename: p.Filename,
		Stdin:    p.Stdin,
		Timeout:  e.timeoutSec,
	})
	if err != nil {
		_ = e.store.SetSessionError(ctx, p.SessionID, err.Error(), e.ttl)
		return failed(err), nil
	}

	execResult := &model.ExecutionResult{
		Stdout:               result.Stdout,
		Stderr:               result.Stderr,
		ExitCode:             result.ExitCode,
		ExecutionTimeSeconds: result.ExecutionTimeSeconds,
	}
	if err := e.store.SaveExecutionResult(ctx, p.SessionID, execResult, e.ttl); err != nil {
		_ = e.store.SetSessionError(ctx, p.SessionID, err.Error(), e.ttl)
		return failed(err), nil
	}

	if _, err := e.store.SetSessionStatus(ctx, p.SessionID, model.SessionExecuting, model.SessionReady, e.ttl); err != nil {
		_ = e.store.SetSessionError(ctx, p.SessionID, err.Error(), e.ttl)
		return failed(err), nil
	}

	return completed(nil), nil
}

// --- stop_session ---

type stopSessionExecutor struct {
	store   *store.Store
	runtime sandbox.Runtime
	ttl     time.Duration
}

func (e *stopSessionExecutor) Type() jobs.Type { return jobs.TypeStopSession }

func (e *stopSessionExecutor) Run(ctx context.Context, raw json.RawMessage) (dispatcher.Result, error) {
	var p jobs.StopSessionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return failed(err), nil
	}

	session, err := e.store.GetSession(ctx, p.SessionID)
	if err != nil {
		if err == store.ErrNotFound {
			return completed(nil), nil
		}
		return failed(err), nil
	}

	if err := e.store.UpdateSession(ctx, p.SessionID, map[string]any{"status": string(model.SessionStopping)}, e.ttl); err != nil {
		return failed(err), nil
	}

	if session.ContainerHandle != nil {
		if err := e.runtime.Stop(ctx, p.SessionID); err != nil {
			_ = e.store.SetSessionError(ctx, p.SessionID, err.Error(), e.ttl)
			return failed(err), nil
		}
	}

	if err := e.store.SetSessionStopped(ctx, p.SessionID, e.ttl); err != nil {
		return failed(err), nil
	}

	return completed(nil), nil
}

// --- ephemeral_execute ---

type ephemeralExecuteExecutor struct {
	runtime    sandbox.Runtime
	timeoutSec int
}

func (e *ephemeralExecuteExecutor) Type() jobs.Type { return jobs.TypeEphemeralExecute }

func (e *ephemeralExecuteExecutor) Run(ctx context.Context, raw json.RawMessage) (dispatcher.Result, error) {
	var p jobs.EphemeralExecutePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return failed(err), nil
	}

	result, err := sandbox.RunOnce(ctx, e.runtime, p.RequestID, p.Environment, sandbox.ExecRequest{
		Code:     p.Code,
		Filename: p.Filename,
		Stdin:    p.Stdin,
		Timeout:  e.timeoutSec,
	})
	if err != nil {
		return failed(err), nil
	}

	return completed(map[string]any{
		"stdout":                 result.Stdout,
		"stderr":                 result.Stderr,
		"exit_code":              result.ExitCode,
		"execution_time_seconds": result.ExecutionTimeSeconds,
	}), nil
}

// ephemeralResultFromData reconstructs an ExecResult from a completed
// ephemeral_execute job's Result.Data map.
func ephemeralResultFromData(data map[string]any) *sandbox.ExecResult {
	res := &sandbox.ExecResult{}
	if v, ok := data["stdout"].(string); ok {
		res.Stdout = v
	}
	if v, ok := data["stderr"].(string); ok {
		res.Stderr = v
	}
	switch v := data["exit_code"].(type) {
	case float64:
		res.ExitCode = int(v)
	case int:
		res.ExitCode = v
	}
	switch v := data["execution_time_seconds"].(type) {
	case float64:
		res.ExecutionTimeSeconds = v
	}
	return res
}

// --- reap ---

type reapExecutor struct {
	store   *store.Store
	runtime sandbox.Runtime
}

func (e *reapExecutor) Type() jobs.Type { return jobs.TypeReap }

// Run reconciles the store against live containers: first collect expired
// session IDs (without deleting), then sweep any labeled container whose
// session isn't in the current active set, and only delete the expired
// rows once the sweep pass has run.
func (e *reapExecutor) Run(ctx context.Context, _ json.RawMessage) (res dispatcher.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("reap executor recovered from panic: %v", r)
			res, err = failed(fmt.Errorf("reap panicked: %v", r)), nil
		}
	}()

	expired, err := e.store.ReconcileActiveSessions(ctx)
	if err != nil {
		return failed(err), nil
	}

	activeIDs, err := e.store.ListActiveSessionIDs(ctx)
	if err != nil {
		return failed(err), nil
	}
	known := make(map[string]bool, len(activeIDs))
	for _, id := range activeIDs {
		known[id] = true
	}

	removed, err := e.runtime.Sweep(ctx, known)
	if err != nil {
		return failed(err), nil
	}
	if len(removed) > 0 {
		log.Printf("reaper swept %d orphaned containers", len(removed))
	}

	for _, id := range expired {
		if err := e.store.DeleteSession(ctx, id); err != nil {
			log.Printf("reaper failed to delete expired session %s: %v", id, err)
		}
	}

	return completed(map[string]any{"expired": len(expired), "swept": len(removed)}), nil
}

// --- force_cleanup_all ---

type forceCleanupAllExecutor struct {
	store   *store.Store
	runtime sandbox.Runtime
	ttl     time.Duration
}

func (e *forceCleanupAllExecutor) Type() jobs.Type { return jobs.TypeForceCleanupAll }

// Run is the maintenance-only full purge: stop and delete every active
// session, then sweep any orphans left behind.
func (e *forceCleanupAllExecutor) Run(ctx context.Context, _ json.RawMessage) (dispatcher.Result, error) {
	activeIDs, err := e.store.ListActiveSessionIDs(ctx)
	if err != nil {
		return failed(err), nil
	}

	for _, id := range activeIDs {
		if err := e.runtime.Stop(ctx, id); err != nil {
			log.Printf("force cleanup: failed to stop %s: %v", id, err)
		}
		if err := e.store.DeleteSession(ctx, id); err != nil {
			log.Printf("force cleanup: failed to delete %s: %v", id, err)
		}
	}

	removed, err := e.runtime.Sweep(ctx, map[string]bool{})
	if err != nil {
		return failed(err), nil
	}

	return completed(map[string]any{"cleaned": len(activeIDs), "swept": len(removed)}), nil
}
