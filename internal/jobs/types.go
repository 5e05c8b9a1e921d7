// Package jobs defines the Task Runtime's job types and payloads.
package jobs

// Type identifies a kind of background task.
type Type string

const (
	TypeStartSession      Type = "start_session"
	TypeExecuteCode       Type = "execute_code"
	TypeStopSession       Type = "stop_session"
	TypeEphemeralExecute  Type = "ephemeral_execute"
	TypeReap              Type = "reap"
	TypeForceCleanupAll   Type = "force_cleanup_all"
)

// Resource key constants used for job deduplication.
const (
	ResourceTypeSession = "session"
)

// Payload is implemented by every job payload. The concrete struct is
// JSON-marshaled as the job row's Payload column.
type Payload interface {
	JobType() Type
	ResourceKey() (resourceType, resourceID string)
}

// Prioritized lets a payload override the default priority (10).
type Prioritized interface {
	Priority() int
}

// MaxAttempter lets a payload override the configured default max attempts.
type MaxAttempter interface {
	MaxAttempts() int
}

// DuplicateAllower lets a payload permit multiple queued jobs for the same
// resource key. Jobs still serialize at claim time — only one runs per
// resource at once — but more than one may be pending simultaneously.
type DuplicateAllower interface {
	AllowDuplicates() bool
}

// StartSessionPayload creates a sandbox for a newly-registered session.
type StartSessionPayload struct {
	SessionID   string `json:"sessionId"`
	Environment string `json:"environment"`
}

func (p StartSessionPayload) JobType() Type { return TypeStartSession }
func (p StartSessionPayload) ResourceKey() (string, string) {
	return ResourceTypeSession, p.SessionID
}

// ExecuteCodePayload runs one code execution round against a live session.
type ExecuteCodePayload struct {
	SessionID string `json:"sessionId"`
	Code      string `json:"code"`
	Filename  string `json:"filename,omitempty"`
	Stdin     string `json:"stdin,omitempty"`
}

func (p ExecuteCodePayload) JobType() Type { return TypeExecuteCode }
func (p ExecuteCodePayload) ResourceKey() (string, string) {
	return ResourceTypeSession, p.SessionID
}
func (p ExecuteCodePayload) AllowDuplicates() bool { return true }

// StopSessionPayload tears down a session's sandbox.
type StopSessionPayload struct {
	SessionID string `json:"sessionId"`
}

func (p StopSessionPayload) JobType() Type { return TypeStopSession }
func (p StopSessionPayload) ResourceKey() (string, string) {
	return ResourceTypeSession, p.SessionID
}
func (p StopSessionPayload) Priority() int { return 5 }

// EphemeralExecutePayload runs a one-shot execution with no session record.
type EphemeralExecutePayload struct {
	RequestID   string `json:"requestId"`
	Environment string `json:"environment"`
	Code        string `json:"code"`
	Filename    string `json:"filename,omitempty"`
	Stdin       string `json:"stdin,omitempty"`
}

func (p EphemeralExecutePayload) JobType() Type { return TypeEphemeralExecute }
func (p EphemeralExecutePayload) ResourceKey() (string, string) {
	return "ephemeral", p.RequestID
}
func (p EphemeralExecutePayload) AllowDuplicates() bool { return true }

// ReapPayload drives the periodic reconciliation sweep. No session is
// associated with it, and duplicates are fine since the reap pass is
// idempotent.
type ReapPayload struct{}

func (p ReapPayload) JobType() Type { return TypeReap }
func (p ReapPayload) ResourceKey() (string, string) {
	return "reap", "singleton"
}
func (p ReapPayload) AllowDuplicates() bool { return true }
func (p ReapPayload) MaxAttempts() int      { return 1 }

// ForceCleanupAllPayload drives the operational-maintenance-only full purge.
type ForceCleanupAllPayload struct {
	RequestID string `json:"requestId"`
}

func (p ForceCleanupAllPayload) JobType() Type { return TypeForceCleanupAll }
func (p ForceCleanupAllPayload) ResourceKey() (string, string) {
	return "force_cleanup", p.RequestID
}
func (p ForceCleanupAllPayload) AllowDuplicates() bool { return true }
func (p ForceCleanupAllPayload) MaxAttempts() int      { return 1 }
