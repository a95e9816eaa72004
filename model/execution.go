package model

import "time"

// PhaseStatus is the lifecycle state of a phase execution.
type PhaseStatus string

const (
	StatusNotReady   PhaseStatus = "not_ready"
	StatusPending    PhaseStatus = "pending"
	StatusInProgress PhaseStatus = "in_progress"
	StatusCompleted  PhaseStatus = "completed"
	StatusSkipped    PhaseStatus = "skipped"
	StatusFailed     PhaseStatus = "failed"
	StatusResolved   PhaseStatus = "resolved"
)

func (s PhaseStatus) String() string { return string(s) }

// Valid reports whether s is a known status.
func (s PhaseStatus) Valid() bool {
	switch s {
	case StatusNotReady, StatusPending, StatusInProgress, StatusCompleted,
		StatusSkipped, StatusFailed, StatusResolved:
		return true
	}
	return false
}

// Satisfied reports whether s satisfies the ordering prerequisite of later
// phases. Failed and resolved executions do not.
func (s PhaseStatus) Satisfied() bool {
	return s == StatusCompleted || s == StatusSkipped
}

// Actionable reports whether an operator can act on an execution in state s.
func (s PhaseStatus) Actionable() bool {
	return s == StatusPending || s == StatusInProgress
}

// PhaseExecution is the stateful instance of a phase for one batch.
type PhaseExecution struct {
	BatchID         string      `json:"batch_id"`
	Phase           Phase       `json:"phase"`
	Order           int         `json:"order"`
	Status          PhaseStatus `json:"status"`
	StartedBy       string      `json:"started_by,omitempty"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	CompletedBy     string      `json:"completed_by,omitempty"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
	Comments        string      `json:"comments,omitempty"`
	RejectionReason string      `json:"rejection_reason,omitempty"`
	Version         int         `json:"version"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Reset clears the operator metadata recorded by start and complete.
func (e *PhaseExecution) Reset(status PhaseStatus) {
	e.Status = status
	e.StartedBy = ""
	e.StartedAt = nil
	e.CompletedBy = ""
	e.CompletedAt = nil
	e.Comments = ""
}

// Phase audit event names.
const (
	EventInstantiated = "instantiated"
	EventStarted      = "started"
	EventCompleted    = "completed"
	EventFailed       = "failed"
	EventSkipped      = "skipped"
	EventActivated    = "activated"
	EventHeld         = "held"
	EventRolledBack   = "rolled_back"
	EventResolved     = "resolved"
)

// PhaseEvent records one transition in a batch's audit trail.
type PhaseEvent struct {
	ID         string      `json:"id"`
	BatchID    string      `json:"batch_id"`
	Phase      Phase       `json:"phase"`
	Event      string      `json:"event"`
	ActorID    string      `json:"actor_id"`
	FromStatus PhaseStatus `json:"from_status,omitempty"`
	ToStatus   PhaseStatus `json:"to_status"`
	Comment    string      `json:"comment,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Actor identifies the operator performing a transition and the role under
// which they act.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// SystemActorID is recorded for transitions performed by the engine itself.
const SystemActorID = "system"

// StatusReport summarises a batch's progress for dashboards.
type StatusReport struct {
	BatchID        string          `json:"batch_id"`
	ProductType    ProductType     `json:"product_type"`
	TotalPhases    int             `json:"total_phases"`
	CompletedCount int             `json:"completed_count"`
	SkippedCount   int             `json:"skipped_count"`
	ProgressPct    int             `json:"progress_pct"`
	Current        *PhaseExecution `json:"current,omitempty"`
	Next           *PhaseExecution `json:"next,omitempty"`
}
