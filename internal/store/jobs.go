package store

import (
	"errors"
	"time"

	"context"

	"gorm.io/gorm"

	"github.com/sandboxrun/execd/internal/model"
)

// --- Task Runtime job queue ---

// CreateJob inserts a new job row.
func (s *Store) CreateJob(ctx context.Context, job *model.Job) error {
	return s.db.WithContext(ctx).Create(job).Error
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (*model.Job, error) {
	var job model.Job
	if err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// GetJobByResource retrieves the most recent job queued for a resource key.
func (s *Store) GetJobByResource(ctx context.Context, resourceType, resourceID string) (*model.Job, error) {
	var job model.Job
	err := s.db.WithContext(ctx).
		Where("resource_type = ? AND resource_id = ?", resourceType, resourceID).
		Order("created_at DESC").
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// HasActiveJobForResource reports whether a pending or running job already
// exists for the given resource key, the basis of Submit's dedup rule.
func (s *Store) HasActiveJobForResource(ctx context.Context, resourceType, resourceID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("resource_type = ? AND resource_id = ? AND status IN ?",
			resourceType, resourceID, []string{string(model.JobPending), string(model.JobRunning)}).
		Count(&count).Error
	return count > 0, err
}

// ClaimJobOfTypes atomically claims one pending job of any of the given
// types, ordered by priority then scheduled time. A job whose resource key
// already has another job running is skipped so at most one job per
// resource runs at a time, even though several may be queued. Returns nil,
// nil when nothing is claimable.
func (s *Store) ClaimJobOfTypes(ctx context.Context, jobTypes []string, workerID string) (*model.Job, error) {
	if len(jobTypes) == 0 {
		return nil, nil
	}

	var job model.Job
	var found bool

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []model.Job
		err := tx.Where("type IN ? AND status = ? AND scheduled_at <= ?",
			jobTypes, model.JobPending, time.Now()).
			Order("priority DESC, scheduled_at ASC, created_at ASC").
			Limit(10).
			Find(&candidates).Error
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}

		for _, candidate := range candidates {
			if candidate.ResourceType == nil || candidate.ResourceID == nil {
				job = candidate
				found = true
				break
			}

			var runningCount int64
			if err := tx.Model(&model.Job{}).
				Where("resource_type = ? AND resource_id = ? AND status = ? AND id != ?",
					*candidate.ResourceType, *candidate.ResourceID, model.JobRunning, candidate.ID).
				Count(&runningCount).Error; err != nil {
				return err
			}
			if runningCount == 0 {
				job = candidate
				found = true
				break
			}
		}

		if !found {
			return nil
		}

		now := time.Now()
		job.Status = string(model.JobRunning)
		job.WorkerID = &workerID
		job.StartedAt = &now
		job.Attempts++
		return tx.Save(&job).Error
	})

	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &job, nil
}

// CompleteJob marks a job completed.
func (s *Store) CompleteJob(ctx context.Context, jobID string) error {
	now := time.Now()
	return s.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ?", jobID).
		Updates(map[string]any{
			"status":       model.JobCompleted,
			"completed_at": now,
		}).Error
}

// FailJob records a job failure. If attempts remain, the job is requeued as
// pending with a linear backoff; otherwise it's marked permanently failed.
func (s *Store) FailJob(ctx context.Context, jobID string, errMsg string, backoff time.Duration) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job model.Job
		if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
			return err
		}

		if job.Attempts < job.MaxAttempts {
			scheduledAt := time.Now().Add(time.Duration(job.Attempts) * backoff)
			return tx.Model(&job).Updates(map[string]any{
				"status":       model.JobPending,
				"worker_id":    nil,
				"started_at":   nil,
				"scheduled_at": scheduledAt,
				"error":        errMsg,
			}).Error
		}

		now := time.Now()
		return tx.Model(&job).Updates(map[string]any{
			"status":       model.JobFailed,
			"completed_at": now,
			"error":        errMsg,
		}).Error
	})
}

// CleanupStaleJobs resets jobs stuck running past staleAfter (their worker
// presumably died), returning them to pending. Returns the number reset.
func (s *Store) CleanupStaleJobs(ctx context.Context, staleAfter time.Duration) (int64, error) {
	cutoff := time.Now().Add(-staleAfter)
	result := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("status = ? AND started_at < ?", model.JobRunning, cutoff).
		Updates(map[string]any{
			"status":     model.JobPending,
			"worker_id":  nil,
			"started_at": nil,
		})
	return result.RowsAffected, result.Error
}
