package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/sandboxrun/execd/internal/config"
	"github.com/sandboxrun/execd/internal/coordinator"
	"github.com/sandboxrun/execd/internal/database"
	"github.com/sandboxrun/execd/internal/dispatcher"
	"github.com/sandboxrun/execd/internal/environment"
	"github.com/sandboxrun/execd/internal/events"
	"github.com/sandboxrun/execd/internal/handler"
	"github.com/sandboxrun/execd/internal/jobs"
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

func setup(t *testing.T) (*handler.Handler, chi.Router) {
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
	h := handler.New(c, reg)

	r := chi.NewRouter()
	r.Get("/environments", h.ListEnvironments)
	r.Post("/sessions", h.CreateSession)
	r.Get("/sessions/{id}", h.GetSession)
	r.Post("/sessions/{id}/execute", h.ExecuteSession)
	r.Delete("/sessions/{id}", h.DeleteSession)
	r.Post("/execute", h.ExecuteEphemeral)
	r.Get("/health", h.Health)

	return h, r
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reqBody *bytes.Buffer
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewBuffer(b)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	_, r := setup(t)

	w := doJSON(t, r, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "healthy", body["status"])
}

func TestListEnvironments(t *testing.T) {
	_, r := setup(t)

	w := doJSON(t, r, http.MethodGet, "/environments", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var descriptors []map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &descriptors))
	require.Len(t, descriptors, 1)
	require.Equal(t, "python", descriptors[0]["name"])
}

func TestCreateSession_UnknownEnvironmentReturns400(t *testing.T) {
	_, r := setup(t)

	w := doJSON(t, r, http.MethodPost, "/sessions", map[string]string{"environment": "cobol"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Contains(t, body, "available_environments")
}

func TestCreateAndGetSession(t *testing.T) {
	_, r := setup(t)

	w := doJSON(t, r, http.MethodPost, "/sessions", map[string]string{"environment": "python"})
	require.Equal(t, http.StatusCreated, w.Code)

	var created map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	sessionID, ok := created["session_id"].(string)
	require.True(t, ok)
	require.NotEmpty(t, sessionID)

	require.Eventually(t, func() bool {
		w := doJSON(t, r, http.MethodGet, "/sessions/"+sessionID, nil)
		if w.Code != http.StatusOK {
			return false
		}
		var got map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		return got["status"] == "ready"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestGetSession_NotFoundReturns404(t *testing.T) {
	_, r := setup(t)

	w := doJSON(t, r, http.MethodGet, "/sessions/does-not-exist", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestExecuteEphemeral(t *testing.T) {
	_, r := setup(t)

	w := doJSON(t, r, http.MethodPost, "/execute", map[string]string{
		"environment": "python",
		"code":        "print(1)",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "print(1)", body["stdout"])
	require.Equal(t, float64(0), body["exit_code"])
}
