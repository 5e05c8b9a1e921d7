package dispatcher_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sandboxrun/execd/internal/config"
	"github.com/sandboxrun/execd/internal/database"
	"github.com/sandboxrun/execd/internal/dispatcher"
	"github.com/sandboxrun/execd/internal/events"
	"github.com/sandboxrun/execd/internal/jobs"
	"github.com/sandboxrun/execd/internal/store"
)

type echoPayload struct {
	Value string `json:"value"`
}

func (echoPayload) JobType() jobs.Type { return "echo" }
func (p echoPayload) ResourceKey() (string, string) {
	return "echo", p.Value
}

type echoExecutor struct{ ran chan string }

func (e *echoExecutor) Type() jobs.Type { return "echo" }
func (e *echoExecutor) Run(ctx context.Context, raw json.RawMessage) (dispatcher.Result, error) {
	var p echoPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return dispatcher.Result{}, err
	}
	e.ran <- p.Value
	return dispatcher.Result{Status: "completed"}, nil
}

type alwaysFailExecutor struct{ Type_ jobs.Type }

func (e *alwaysFailExecutor) Type() jobs.Type { return e.Type_ }
func (e *alwaysFailExecutor) Run(ctx context.Context, raw json.RawMessage) (dispatcher.Result, error) {
	return dispatcher.Result{Status: "failed", Err: "boom"}, nil
}

func newTestService(t *testing.T) (*dispatcher.Service, *store.Store, *config.Config) {
	t.Helper()

	cfg := &config.Config{
		DatabaseDSN:           "sqlite://:memory:",
		DatabaseDriver:        "sqlite",
		ExecutionTimeout:      time.Second,
		DispatcherConcurrency: 2,
		ReapInterval:          time.Hour,
		JobMaxAttempts:        2,
		JobRetryBackoff:       10 * time.Millisecond,
	}

	db, err := database.New(cfg)
	require.NoError(t, err)
	require.NoError(t, db.Migrate())

	s := store.New(db.DB)
	broker := events.NewBroker()
	queue := jobs.NewQueue(s, cfg)
	svc := dispatcher.NewService(s, cfg, broker, queue)

	return svc, s, cfg
}

func TestSubmitAndAwait_Completes(t *testing.T) {
	svc, _, _ := newTestService(t)
	ran := make(chan string, 1)
	svc.RegisterExecutor(&echoExecutor{ran: ran})

	svc.Start(context.Background())
	t.Cleanup(svc.Stop)

	handle, err := svc.Submit(context.Background(), echoPayload{Value: "hi"})
	require.NoError(t, err)

	result, err := svc.Await(context.Background(), handle, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, "completed", result.Status)

	select {
	case v := <-ran:
		require.Equal(t, "hi", v)
	case <-time.After(time.Second):
		t.Fatal("executor never ran")
	}
}

func TestSubmit_DedupsByResourceKey(t *testing.T) {
	svc, _, _ := newTestService(t)
	ran := make(chan string, 4)
	svc.RegisterExecutor(&echoExecutor{ran: ran})

	_, err := svc.Submit(context.Background(), echoPayload{Value: "dup"})
	require.NoError(t, err)

	_, err = svc.Submit(context.Background(), echoPayload{Value: "dup"})
	require.ErrorIs(t, err, jobs.ErrJobAlreadyExists)
}

func TestAwait_RetriesThenFailsPermanently(t *testing.T) {
	svc, _, _ := newTestService(t)
	svc.RegisterExecutor(&alwaysFailExecutor{Type_: "always-fail"})

	svc.Start(context.Background())
	t.Cleanup(svc.Stop)

	handle, err := svc.Submit(context.Background(), failPayload{})
	require.NoError(t, err)

	result, err := svc.Await(context.Background(), handle, 3*time.Second)
	require.NoError(t, err)
	require.Equal(t, "failed", result.Status)
	require.Equal(t, "boom", result.Err)
}

type failPayload struct{}

func (failPayload) JobType() jobs.Type            { return "always-fail" }
func (failPayload) ResourceKey() (string, string) { return "always-fail", "singleton" }
func (failPayload) AllowDuplicates() bool          { return true }
