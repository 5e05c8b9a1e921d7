package coordinator_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sandboxrun/execd/internal/config"
	"github.com/sandboxrun/execd/internal/coordinator"
	"github.com/sandboxrun/execd/internal/database"
	"github.com/sandboxrun/execd/internal/dispatcher"
	"github.com/sandboxrun/execd/internal/environment"
	"github.com/sandboxrun/execd/internal/events"
	"github.com/sandboxrun/execd/internal/jobs"
	"github.com/sandboxrun/execd/internal/model"
	"github.com/sandboxrun/execd/internal/sandbox/mock"
	"github.com/sandboxrun/execd/internal/store"
)

const testCatalog = `
defaults:
  default_environment: python
  workspace_dir: /workspace
  executor_user: sandbox
environments:
  python:
    image: python-3.11
    default_filename: main.py
    file_extension: .py
    run_command: "python {file_path}"
    description: Python 3.11
    enabled: true
  cobol:
    image: gnucobol-3
    default_filename: main.cob
    file_extension: .cob
    run_command: "cobc -x -free -o {output_path} {file_path}"
    description: GnuCOBOL (disabled)
    enabled: false
`

func setup(t *testing.T) (*coordinator.Coordinator, *dispatcher.Service, *mock.Provider) {
	t.Helper()

	cfg := &config.Config{
		DatabaseDSN:           "sqlite://:memory:",
		DatabaseDriver:        "sqlite",
		ExecutionTimeout:      2 * time.Second,
		SessionTTL:            time.Minute,
		DispatcherConcurrency: 2,
		ReapInterval:          time.Hour,
		JobMaxAttempts:        3,
		JobRetryBackoff:       10 * time.Millisecond,
	}

	db, err := database.New(cfg)
	require.NoError(t, err)
	require.NoError(t, db.Migrate())

	s := store.New(db.DB)

	catalogPath := t.TempDir() + "/environments.yaml"
	require.NoError(t, os.WriteFile(catalogPath, []byte(testCatalog), 0644))
	reg, err := environment.Load(catalogPath)
	require.NoError(t, err)

	broker := events.NewBroker()
	queue := jobs.NewQueue(s, cfg)
	d := dispatcher.NewService(s, cfg, broker, queue)

	provider := mock.New()
	coordinator.RegisterExecutors(d, s, provider, cfg.SessionTTL, cfg.ExecutionTimeout)

	d.Start(context.Background())
	t.Cleanup(d.Stop)

	c := coordinator.New(s, d, reg, cfg)
	return c, d, provider
}

func TestCreateSession_BecomesReady(t *testing.T) {
	c, _, _ := setup(t)
	ctx := context.Background()

	session, err := c.CreateSession(ctx, "python")
	require.NoError(t, err)
	require.Equal(t, string(model.SessionPending), session.Status)

	require.Eventually(t, func() bool {
		got, err := c.GetSession(ctx, session.ID)
		return err == nil && got.Status == string(model.SessionReady)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCreateSession_UnknownEnvironment(t *testing.T) {
	c, _, _ := setup(t)
	_, err := c.CreateSession(context.Background(), "rust")
	require.ErrorIs(t, err, coordinator.ErrUnknownEnvironment)
}

func TestCreateSession_DisabledEnvironment(t *testing.T) {
	c, _, _ := setup(t)
	_, err := c.CreateSession(context.Background(), "cobol")
	require.ErrorIs(t, err, coordinator.ErrUnknownEnvironment)
}

func TestExecuteEphemeral_DisabledEnvironment(t *testing.T) {
	c, _, _ := setup(t)
	_, err := c.ExecuteEphemeral(context.Background(), "cobol", "print(1)", nil, nil)
	require.ErrorIs(t, err, coordinator.ErrUnknownEnvironment)
}

func TestExecuteSession_RejectsWhilePending(t *testing.T) {
	c, _, _ := setup(t)
	ctx := context.Background()

	session, err := c.CreateSession(ctx, "python")
	require.NoError(t, err)

	// Race the worker: attempt execute immediately, before the session can
	// possibly have reached ready.
	_, err = c.ExecuteSession(ctx, session.ID, "print(1)", nil, nil)
	if err != nil {
		var gateErr *coordinator.StatusGateError
		require.ErrorAs(t, err, &gateErr)
	}
}

func TestExecuteSession_SucceedsOnceReady(t *testing.T) {
	c, _, _ := setup(t)
	ctx := context.Background()

	session, err := c.CreateSession(ctx, "python")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := c.GetSession(ctx, session.ID)
		return err == nil && got.Status == string(model.SessionReady)
	}, 2*time.Second, 20*time.Millisecond)

	result, err := c.ExecuteSession(ctx, session.ID, "print(1)", nil, nil)
	require.NoError(t, err)
	require.Equal(t, "print(1)", result.Stdout)
	require.Equal(t, 0, result.ExitCode)
}

func TestStopSession_TransitionsToStopped(t *testing.T) {
	c, _, _ := setup(t)
	ctx := context.Background()

	session, err := c.CreateSession(ctx, "python")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := c.GetSession(ctx, session.ID)
		return err == nil && got.Status == string(model.SessionReady)
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, c.StopSession(ctx, session.ID))

	require.Eventually(t, func() bool {
		got, err := c.GetSession(ctx, session.ID)
		return err == nil && got.Status == string(model.SessionStopped)
	}, 2*time.Second, 20*time.Millisecond)

	stopped, err := c.GetSession(ctx, session.ID)
	require.NoError(t, err)
	require.Nil(t, stopped.ContainerHandle)
}

func TestExecuteEphemeral_ReturnsResultWithoutSessionRecord(t *testing.T) {
	c, _, _ := setup(t)
	ctx := context.Background()

	result, err := c.ExecuteEphemeral(ctx, "python", "print(2)", nil, nil)
	require.NoError(t, err)
	require.Equal(t, "print(2)", result.Stdout)
}
