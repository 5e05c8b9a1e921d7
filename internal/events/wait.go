package events

import (
	"context"
	"fmt"
	"time"

	"github.com/sandboxrun/execd/internal/model"
	"github.com/sandboxrun/execd/internal/store"
)

// Await blocks until the job identified by jobID reaches a terminal state,
// or ctx is done. It subscribes to the broker for near-instant notification,
// with a periodic database poll as a fallback in case the completing worker
// published before Await subscribed.
func Await(ctx context.Context, broker *Broker, s *store.Store, jobID string) (status, errMsg string, err error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil && err != store.ErrNotFound {
		return "", "", fmt.Errorf("failed to get job: %w", err)
	}
	if job != nil {
		if terminal, st, em := terminalState(job); terminal {
			return st, em, nil
		}
	}

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", "", ctx.Err()

		case event, ok := <-sub.Events:
			if !ok {
				return "", "", fmt.Errorf("event channel closed")
			}
			if event.JobID == jobID {
				return event.Status, event.Error, nil
			}

		case <-ticker.C:
			job, err := s.GetJob(ctx, jobID)
			if err != nil && err != store.ErrNotFound {
				return "", "", fmt.Errorf("failed to get job: %w", err)
			}
			if job != nil {
				if terminal, st, em := terminalState(job); terminal {
					return st, em, nil
				}
			}
		}
	}
}

func terminalState(job *model.Job) (terminal bool, status, errMsg string) {
	switch job.Status {
	case string(model.JobCompleted):
		return true, "completed", ""
	case string(model.JobFailed):
		if job.Error != nil {
			errMsg = *job.Error
		}
		return true, "failed", errMsg
	default:
		return false, "", ""
	}
}
