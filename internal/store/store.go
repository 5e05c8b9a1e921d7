// Package store provides the State Store: a GORM-backed, TTL-aware
// persistence layer for sessions, execution results, and the Task Runtime's
// job queue.
package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/sandboxrun/execd/internal/model"
)

// ErrNotFound is returned when a lookup by ID finds no record.
var ErrNotFound = errors.New("record not found")

// Store wraps the GORM DB for session, result, and job operations.
type Store struct {
	db *gorm.DB
}

// New creates a Store over an already-opened GORM DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying GORM handle for callers that need raw queries.
func (s *Store) DB() *gorm.DB { return s.db }

// --- Sessions ---

// CreateSession inserts a new session record in pending status with a fresh TTL.
func (s *Store) CreateSession(ctx context.Context, id, environment string, ttl time.Duration) (*model.Session, error) {
	session := &model.Session{
		ID:          id,
		Environment: environment,
		Status:      string(model.SessionPending),
		ExpiresAt:   time.Now().Add(ttl),
	}
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return nil, err
	}
	return session, nil
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var session model.Session
	if err := s.db.WithContext(ctx).First(&session, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &session, nil
}

// SessionExists reports whether a session record exists.
func (s *Store) SessionExists(ctx context.Context, id string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.Session{}).Where("id = ?", id).Count(&count).Error
	return count > 0, err
}

// UpdateSession applies a partial update. Nil/empty values are dropped before
// issuing the query so a caller can't accidentally poison a field it didn't
// intend to touch; every successful update bumps the TTL.
func (s *Store) UpdateSession(ctx context.Context, id string, fields map[string]any, ttl time.Duration) error {
	clean := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		if v == nil {
			continue
		}
		if str, ok := v.(string); ok && str == "" {
			continue
		}
		clean[k] = v
	}
	clean["expires_at"] = time.Now().Add(ttl)

	return s.db.WithContext(ctx).Model(&model.Session{}).
		Where("id = ?", id).
		Updates(clean).Error
}

// SetSessionStatus performs a compare-and-set status transition: the update
// only applies when the current status matches `from`. Returns whether the
// transition happened. This is the mechanism that makes worker replay safe —
// a requeued task can't regress a session past a status another worker
// already advanced it to.
func (s *Store) SetSessionStatus(ctx context.Context, id string, from, to model.SessionStatus, ttl time.Duration) (bool, error) {
	result := s.db.WithContext(ctx).Model(&model.Session{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(map[string]any{
			"status":     string(to),
			"expires_at": time.Now().Add(ttl),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// SetSessionError marks a session as errored, recording the cause.
func (s *Store) SetSessionError(ctx context.Context, id, cause string, ttl time.Duration) error {
	return s.db.WithContext(ctx).Model(&model.Session{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     string(model.SessionError),
			"last_error": cause,
			"expires_at": time.Now().Add(ttl),
		}).Error
}

// SetSessionStopped marks a session stopped and clears its container handle.
// Unlike UpdateSession, which drops empty-string fields so a caller can't
// accidentally blank a column it didn't mean to touch, this writes an
// explicit NULL — a stopped session must not retain a handle to a container
// that no longer exists.
func (s *Store) SetSessionStopped(ctx context.Context, id string, ttl time.Duration) error {
	return s.db.WithContext(ctx).Model(&model.Session{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":           string(model.SessionStopped),
			"container_handle": nil,
			"expires_at":       time.Now().Add(ttl),
		}).Error
}

// DeleteSession removes a session and its execution result.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", id).Delete(&model.ExecutionResult{}).Error; err != nil {
			return err
		}
		return tx.Delete(&model.Session{}, "id = ?", id).Error
	})
}

// SaveExecutionResult upserts the result row for a session and bumps the
// session's last_execution_at and TTL in the same transaction.
func (s *Store) SaveExecutionResult(ctx context.Context, sessionID string, res *model.ExecutionResult, ttl time.Duration) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res.SessionID = sessionID
		res.ExpiresAt = time.Now().Add(ttl)

		var existing model.ExecutionResult
		err := tx.Where("session_id = ?", sessionID).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(res).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			res.ID = existing.ID
			if err := tx.Save(res).Error; err != nil {
				return err
			}
		}

		now := time.Now()
		return tx.Model(&model.Session{}).Where("id = ?", sessionID).
			Updates(map[string]any{
				"last_execution_at": now,
				"expires_at":        now.Add(ttl),
			}).Error
	})
}

// GetExecutionResult fetches the most recent result for a session.
func (s *Store) GetExecutionResult(ctx context.Context, sessionID string) (*model.ExecutionResult, error) {
	var res model.ExecutionResult
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&res).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &res, nil
}

// ReconcileActiveSessions returns the IDs of sessions whose TTL has elapsed.
// It does not delete them — the reaper owns destruction of resources it did
// not create, per the ownership rule in the state-machine design.
func (s *Store) ReconcileActiveSessions(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&model.Session{}).
		Where("expires_at < ? AND status NOT IN ?", time.Now(), []string{string(model.SessionStopped), string(model.SessionError)}).
		Pluck("id", &ids).Error
	return ids, err
}

// ListActiveSessionIDs returns the IDs of all non-terminal sessions — the
// "active_sessions" index, modeled as a derived query rather than a
// separately-maintained set (see design notes: the reaper is authoritative;
// membership here is a hint).
func (s *Store) ListActiveSessionIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&model.Session{}).
		Where("status NOT IN ?", []string{string(model.SessionStopped), string(model.SessionError)}).
		Pluck("id", &ids).Error
	return ids, err
}
