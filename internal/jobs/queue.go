package jobs

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/sandboxrun/execd/internal/config"
	"github.com/sandboxrun/execd/internal/model"
	"github.com/sandboxrun/execd/internal/store"
)

// ErrJobAlreadyExists is returned when a pending/running job for the
// payload's resource key already exists and the payload doesn't allow
// duplicates.
var ErrJobAlreadyExists = errors.New("job already exists for resource")

// Queue is a thin helper over the Store for enqueueing typed payloads.
type Queue struct {
	store      *store.Store
	cfg        *config.Config
	notifyFunc func()
}

// NewQueue creates a job queue helper.
func NewQueue(s *store.Store, cfg *config.Config) *Queue {
	return &Queue{store: s, cfg: cfg}
}

// SetNotifyFunc registers a callback invoked after a job is created —
// typically dispatcher.Service.Notify, so workers wake up immediately
// instead of waiting for their next claim-loop tick.
func (q *Queue) SetNotifyFunc(f func()) {
	q.notifyFunc = f
}

func (q *Queue) notify() {
	if q.notifyFunc != nil {
		q.notifyFunc()
	}
}

// Enqueue inserts a job row for the given payload. Returns
// ErrJobAlreadyExists if a pending/running job for the same resource key
// exists and the payload doesn't implement DuplicateAllower.
func (q *Queue) Enqueue(ctx context.Context, payload Payload) (string, error) {
	resType, resID := payload.ResourceKey()

	allowDuplicates := false
	if d, ok := payload.(DuplicateAllower); ok {
		allowDuplicates = d.AllowDuplicates()
	}
	if !allowDuplicates {
		exists, err := q.store.HasActiveJobForResource(ctx, resType, resID)
		if err != nil {
			return "", err
		}
		if exists {
			return "", ErrJobAlreadyExists
		}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	priority := 10
	if p, ok := payload.(Prioritized); ok {
		priority = p.Priority()
	}

	maxAttempts := q.cfg.JobMaxAttempts
	if m, ok := payload.(MaxAttempter); ok {
		maxAttempts = m.MaxAttempts()
	}

	job := &model.Job{
		Type:         string(payload.JobType()),
		Payload:      data,
		Status:       string(model.JobPending),
		MaxAttempts:  maxAttempts,
		Priority:     priority,
		ResourceType: &resType,
		ResourceID:   &resID,
	}

	if err := q.store.CreateJob(ctx, job); err != nil {
		return "", err
	}
	q.notify()
	return job.ID, nil
}
