package stores

import "time"

// RunStatus is the lifecycle state of one pipeline execution (Prepare,
// Read, and Apply of a single module invocation).
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// EventLevel is the severity of a logged pipeline event.
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Run records one invocation of the pipeline against a module: from the
// start of Prepare to either a completed Apply or an abort.
type Run struct {
	ID          string     `json:"id"`
	ModulePath  string     `json:"module_path"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Event is an append-only log line produced by the pipeline as a run
// moves through its phases (phase completions and phase failures).
type Event struct {
	ID        int64      `json:"id"`
	RunID     string     `json:"run_id"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	Details   *string    `json:"details,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// AuditEntry records a single state-mutating action against a resource:
// a store write or an orphan delete. TargetID holds
// the resource's URN when the action is resource-scoped.
type AuditEntry struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Action    string    `json:"action"`
	TargetID  *string   `json:"target_id,omitempty"`
	Details   *string   `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
