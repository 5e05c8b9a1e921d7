// Package model defines the database models used by the execution service.
// All models work with both PostgreSQL and SQLite via GORM.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SessionStatus is the lifecycle status of a session.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionCreating  SessionStatus = "creating"
	SessionReady     SessionStatus = "ready"
	SessionExecuting SessionStatus = "executing"
	SessionStopping  SessionStatus = "stopping"
	SessionStopped   SessionStatus = "stopped"
	SessionError     SessionStatus = "error"
)

// Session is the central entity: a binding between a client and a live sandbox.
type Session struct {
	ID              string     `gorm:"primaryKey;type:text" json:"id"`
	Environment     string     `gorm:"not null;type:text;index" json:"environment"`
	Status          string     `gorm:"not null;type:text;default:pending;index" json:"status"`
	ContainerHandle *string    `gorm:"column:container_handle;type:text" json:"containerHandle,omitempty"`
	LastError       *string    `gorm:"column:last_error;type:text" json:"lastError,omitempty"`
	LastExecutionAt *time.Time `gorm:"column:last_execution_at" json:"lastExecutionAt,omitempty"`
	ExpiresAt       time.Time  `gorm:"column:expires_at;not null;index" json:"expiresAt"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (Session) TableName() string { return "sessions" }

func (s *Session) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return nil
}

// ExecutionResult is attached to a session (or stands alone for an ephemeral
// run) after each code execution. Kept as its own row/table so it carries an
// independent TTL from the session record, per the state store's "separate
// key" requirement.
type ExecutionResult struct {
	ID                   string    `gorm:"primaryKey;type:text" json:"id"`
	SessionID            string    `gorm:"column:session_id;type:text;uniqueIndex" json:"sessionId,omitempty"`
	Stdout               string    `gorm:"type:text" json:"stdout"`
	Stderr               string    `gorm:"type:text" json:"stderr"`
	ExitCode             int       `gorm:"column:exit_code" json:"exitCode"`
	ExecutionTimeSeconds float64   `gorm:"column:execution_time_seconds" json:"executionTimeSeconds"`
	ExpiresAt            time.Time `gorm:"column:expires_at;not null;index" json:"expiresAt"`
	CreatedAt            time.Time `gorm:"autoCreateTime" json:"timestamp"`
}

func (ExecutionResult) TableName() string { return "execution_results" }

func (r *ExecutionResult) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}

// JobStatus is the lifecycle status of a queued task.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is a durable row in the Task Runtime's work queue.
type Job struct {
	ID           string          `gorm:"primaryKey;type:text" json:"id"`
	Type         string          `gorm:"not null;type:text;index:idx_job_status_type" json:"type"`
	Payload      json.RawMessage `gorm:"type:text;not null" json:"payload"`
	Status       string          `gorm:"not null;type:text;default:pending;index:idx_job_status_type" json:"status"`
	Priority     int             `gorm:"not null;default:10;index" json:"priority"`
	Attempts     int             `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts  int             `gorm:"column:max_attempts;not null;default:3" json:"maxAttempts"`
	Error        *string         `gorm:"type:text" json:"error,omitempty"`
	WorkerID     *string         `gorm:"column:worker_id;type:text" json:"workerId,omitempty"`
	ResourceType *string         `gorm:"column:resource_type;type:text;index:idx_job_resource" json:"resourceType,omitempty"`
	ResourceID   *string         `gorm:"column:resource_id;type:text;index:idx_job_resource" json:"resourceId,omitempty"`
	ScheduledAt  time.Time       `gorm:"column:scheduled_at;not null;index" json:"scheduledAt"`
	StartedAt    *time.Time      `gorm:"column:started_at" json:"startedAt,omitempty"`
	CompletedAt  *time.Time      `gorm:"column:completed_at" json:"completedAt,omitempty"`
	CreatedAt    time.Time       `gorm:"autoCreateTime;index" json:"createdAt"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (Job) TableName() string { return "jobs" }

func (j *Job) BeforeCreate(tx *gorm.DB) error {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.ScheduledAt.IsZero() {
		j.ScheduledAt = time.Now()
	}
	if j.Status == "" {
		j.Status = string(JobPending)
	}
	return nil
}

// AllModels returns every model subject to AutoMigrate.
func AllModels() []any {
	return []any{
		&Session{},
		&ExecutionResult{},
		&Job{},
	}
}
