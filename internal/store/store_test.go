package store_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sandboxrun/execd/internal/config"
	"github.com/sandboxrun/execd/internal/database"
	"github.com/sandboxrun/execd/internal/model"
	"github.com/sandboxrun/execd/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	cfg := &config.Config{
		DatabaseDSN:    "sqlite://:memory:",
		DatabaseDriver: "sqlite",
	}
	db, err := database.New(cfg)
	require.NoError(t, err)
	require.NoError(t, db.Migrate())

	return store.New(db.DB)
}

func TestCreateAndGetSession(t *testing.T) {
	s := newTestStore(t)

	session, err := s.CreateSession(context.Background(), "sess-1", "python", time.Minute)
	require.NoError(t, err)
	require.Equal(t, string(model.SessionPending), session.Status)

	fetched, err := s.GetSession(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Equal(t, "python", fetched.Environment)
}

func TestGetSession_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetSession(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSetSessionStatus_CASRejectsStaleFrom(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateSession(context.Background(), "sess-1", "python", time.Minute)
	require.NoError(t, err)

	ok, err := s.SetSessionStatus(context.Background(), "sess-1", model.SessionPending, model.SessionCreating, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// A second CAS from the same stale "pending" no longer matches.
	ok, err = s.SetSessionStatus(context.Background(), "sess-1", model.SessionPending, model.SessionCreating, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	session, err := s.GetSession(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Equal(t, string(model.SessionCreating), session.Status)
}

func TestSetSessionStopped_ClearsContainerHandle(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateSession(context.Background(), "sess-1", "python", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.UpdateSession(context.Background(), "sess-1", map[string]any{"container_handle": "container-abc"}, time.Minute))

	session, err := s.GetSession(context.Background(), "sess-1")
	require.NoError(t, err)
	require.NotNil(t, session.ContainerHandle)

	require.NoError(t, s.SetSessionStopped(context.Background(), "sess-1", time.Minute))

	session, err = s.GetSession(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Equal(t, string(model.SessionStopped), session.Status)
	require.Nil(t, session.ContainerHandle)
}

func TestSaveAndGetExecutionResult(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateSession(context.Background(), "sess-1", "python", time.Minute)
	require.NoError(t, err)

	err = s.SaveExecutionResult(context.Background(), "sess-1", &model.ExecutionResult{
		Stdout:   "hi\n",
		ExitCode: 0,
	}, time.Minute)
	require.NoError(t, err)

	res, err := s.GetExecutionResult(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Equal(t, "hi\n", res.Stdout)

	// Saving again upserts rather than duplicating the row.
	err = s.SaveExecutionResult(context.Background(), "sess-1", &model.ExecutionResult{
		Stdout:   "bye\n",
		ExitCode: 1,
	}, time.Minute)
	require.NoError(t, err)

	res, err = s.GetExecutionResult(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Equal(t, "bye\n", res.Stdout)
	require.Equal(t, 1, res.ExitCode)
}

func TestDeleteSession_RemovesResultToo(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateSession(context.Background(), "sess-1", "python", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.SaveExecutionResult(context.Background(), "sess-1", &model.ExecutionResult{ExitCode: 0}, time.Minute))

	require.NoError(t, s.DeleteSession(context.Background(), "sess-1"))

	_, err = s.GetSession(context.Background(), "sess-1")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetExecutionResult(context.Background(), "sess-1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestClaimJobOfTypes_SkipsResourceAlreadyRunning(t *testing.T) {
	s := newTestStore(t)

	resourceType := "session"
	resourceID := "sess-1"

	older := &model.Job{
		ID:           "job-older",
		Type:         "execute_code",
		Payload:      json.RawMessage("{}"),
		Status:       string(model.JobRunning),
		ResourceType: &resourceType,
		ResourceID:   &resourceID,
		Priority:     10,
		MaxAttempts:  3,
		ScheduledAt:  time.Now().Add(-time.Minute),
	}
	require.NoError(t, s.CreateJob(context.Background(), older))

	blocked := &model.Job{
		ID:           "job-blocked",
		Type:         "execute_code",
		Payload:      json.RawMessage("{}"),
		Status:       string(model.JobPending),
		ResourceType: &resourceType,
		ResourceID:   &resourceID,
		Priority:     10,
		MaxAttempts:  3,
		ScheduledAt:  time.Now().Add(-time.Second),
	}
	require.NoError(t, s.CreateJob(context.Background(), blocked))

	other := &model.Job{
		ID:          "job-other",
		Type:        "execute_code",
		Payload:     json.RawMessage("{}"),
		Status:      string(model.JobPending),
		Priority:    5,
		MaxAttempts: 3,
		ScheduledAt: time.Now().Add(-time.Second),
	}
	require.NoError(t, s.CreateJob(context.Background(), other))

	claimed, err := s.ClaimJobOfTypes(context.Background(), []string{"execute_code"}, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, "job-other", claimed.ID)

	claimed, err = s.ClaimJobOfTypes(context.Background(), []string{"execute_code"}, "worker-1")
	require.NoError(t, err)
	require.Nil(t, claimed)
}

func TestCleanupStaleJobs_RequeuesOldRunningJobs(t *testing.T) {
	s := newTestStore(t)

	started := time.Now().Add(-time.Hour)
	job := &model.Job{
		ID:          "job-stale",
		Type:        "execute_code",
		Payload:     json.RawMessage("{}"),
		Status:      string(model.JobRunning),
		Priority:    10,
		MaxAttempts: 3,
		ScheduledAt: time.Now().Add(-time.Hour),
		StartedAt:   &started,
	}
	require.NoError(t, s.CreateJob(context.Background(), job))

	reset, err := s.CleanupStaleJobs(context.Background(), time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), reset)

	fetched, err := s.GetJob(context.Background(), "job-stale")
	require.NoError(t, err)
	require.Equal(t, string(model.JobPending), fetched.Status)
}
