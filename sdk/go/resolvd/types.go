package resolvd

import (
	"time"

	"github.com/google/uuid"
)

// RaiseExceptionRequest reports a new business exception to the pipeline.
type RaiseExceptionRequest struct {
	// ExceptionID is the caller-assigned identifier. Reporting the same
	// id twice is safe; the pipeline deduplicates.
	ExceptionID string `json:"exception_id"`

	// ExceptionType is the taxonomy type, e.g. "FIN_SETTLEMENT_FAIL".
	ExceptionType string `json:"exception_type"`

	// Source names the reporting system.
	Source string `json:"source,omitempty"`

	// Summary is a free-text description used during triage.
	Summary string `json:"summary,omitempty"`

	// Attributes carries structured context for playbook tools.
	Attributes map[string]any `json:"attributes,omitempty"`
}

// RaiseExceptionResponse acknowledges an accepted exception report.
type RaiseExceptionResponse struct {
	ExceptionID string `json:"exception_id"`
	MessageID   string `json:"message_id"`
}

// Exception is the current state of one exception, projected from its
// event log.
type Exception struct {
	TenantID         string    `json:"tenant_id"`
	ExceptionID      string    `json:"exception_id"`
	ExceptionType    string    `json:"exception_type"`
	Severity         string    `json:"severity,omitempty"`
	CurrentStage     string    `json:"current_stage"`
	CurrentPlaybook  *int      `json:"current_playbook_id,omitempty"`
	CurrentStepIndex *int      `json:"current_step_index,omitempty"`
	Status           string    `json:"status"`
	Resolution       string    `json:"resolution,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	StepsExecuted    int       `json:"steps_executed"`
	Confidence       float64   `json:"confidence,omitempty"`
	PendingTicketID  string    `json:"pending_ticket_id,omitempty"`
	Version          int64     `json:"version"`
	FirstEventAt     time.Time `json:"first_event_at,omitempty"`
	LastEventAt      time.Time `json:"last_event_at,omitempty"`
}

// Event is one entry in an exception's append-only history.
type Event struct {
	ID                uuid.UUID      `json:"id"`
	TenantID          string         `json:"tenant_id"`
	ExceptionID       string         `json:"exception_id"`
	SequenceNo        int64          `json:"sequence_no"`
	EventType         string         `json:"event_type"`
	Payload           map[string]any `json:"payload"`
	CausedByMessageID string         `json:"caused_by_message_id"`
	CreatedAt         time.Time      `json:"created_at"`
}

// Step is the projected status of one playbook step.
type Step struct {
	StepIndex   int    `json:"step_index"`
	ToolID      string `json:"tool_id,omitempty"`
	Mode        string `json:"mode,omitempty"`
	Status      string `json:"status"`
	ExecutionID string `json:"execution_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ToolExecution is one audited tool invocation, with secrets redacted.
type ToolExecution struct {
	ExecutionID uuid.UUID      `json:"execution_id"`
	TenantID    string         `json:"tenant_id"`
	ExceptionID string         `json:"exception_id"`
	ToolID      string         `json:"tool_id"`
	Attempt     int            `json:"attempt"`
	Status      string         `json:"status"`
	Reason      string         `json:"reason,omitempty"`
	Request     map[string]any `json:"request,omitempty"`
	Response    map[string]any `json:"response,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// ApprovalTicket is a pending or decided human approval.
type ApprovalTicket struct {
	ID          uuid.UUID  `json:"id"`
	TenantID    string     `json:"tenant_id"`
	ExceptionID string     `json:"exception_id"`
	State       string     `json:"state"`
	Reason      string     `json:"reason"`
	Severity    string     `json:"severity,omitempty"`
	PlaybookID  int        `json:"playbook_id,omitempty"`
	StepIndex   int        `json:"step_index,omitempty"`
	DecidedBy   string     `json:"decided_by,omitempty"`
	Comment     string     `json:"comment,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`
}

// ResolveApprovalRequest decides a pending ticket.
type ResolveApprovalRequest struct {
	Approve   bool   `json:"approve"`
	DecidedBy string `json:"decided_by"`
	Comment   string `json:"comment,omitempty"`
}

// DeadLetter is a message the pipeline refused to process.
type DeadLetter struct {
	ID         int64     `json:"id"`
	TenantID   string    `json:"tenant_id"`
	MessageID  string    `json:"message_id"`
	Reason     string    `json:"reason"`
	ReasonCode string    `json:"reason_code"`
	Envelope   []byte    `json:"envelope"`
	ParkedAt   time.Time `json:"parked_at"`
}

// Health is the server's liveness report.
type Health struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}
