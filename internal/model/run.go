package model

import "time"

// Phase is the workflow state machine position of a run. Transitions go
// Pending → Extracting → Transforming → Loading → Completed; any
// non-terminal phase may move to Failed or Cancelled instead. Terminal
// phases never change again.
type Phase string

const (
	PhasePending      Phase = "pending"
	PhaseExtracting   Phase = "extracting"
	PhaseTransforming Phase = "transforming"
	PhaseLoading      Phase = "loading"
	PhaseCompleted    Phase = "completed"
	PhaseFailed       Phase = "failed"
	PhaseCancelled    Phase = "cancelled"
)

// Terminal reports whether the phase can never change again.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseCancelled
}

// WorkflowRun is one end-to-end pipeline execution. State is owned and
// serialized solely by the orchestrator; workers never mutate it.
type WorkflowRun struct {
	RunID       string     `json:"run_id"`
	Phase       Phase      `json:"phase"`
	LastError   string     `json:"last_error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Activity statuses as recorded in the run store.
const (
	ActivityRunning = "running"
	ActivityDone    = "done"
	ActivityFailed  = "failed"
)

// ActivityState tracks one retryable unit of work within a run: its
// attempt counter and the last heartbeat a worker stamped while
// executing it.
type ActivityState struct {
	RunID       string     `json:"run_id"`
	ActivityID  string     `json:"activity_id"`
	Attempts    int        `json:"attempts"`
	Status      string     `json:"status"`
	LastError   string     `json:"last_error,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
