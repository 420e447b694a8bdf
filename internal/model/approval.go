package model

import (
	"time"

	"github.com/google/uuid"
)

// TicketState is the lifecycle state of an approval ticket.
type TicketState string

const (
	TicketCreated  TicketState = "CREATED"
	TicketApproved TicketState = "APPROVED"
	TicketRejected TicketState = "REJECTED"
	TicketTimedOut TicketState = "TIMED_OUT"
)

// ApprovalTicket is a durable suspension point. The pipeline run that
// created it has fully returned to the broker; resumption happens via a
// new ApprovalGranted or ApprovalRejected message keyed by the ticket id.
type ApprovalTicket struct {
	ID          uuid.UUID   `json:"id"`
	TenantID    string      `json:"tenant_id"`
	ExceptionID string      `json:"exception_id"`
	State       TicketState `json:"state"`
	Reason      string      `json:"reason"`
	Severity    string      `json:"severity,omitempty"`
	PlaybookID  int         `json:"playbook_id,omitempty"`
	StepIndex   int         `json:"step_index,omitempty"`
	DecidedBy   string      `json:"decided_by,omitempty"`
	Comment     string      `json:"comment,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
	DecidedAt   *time.Time  `json:"decided_at,omitempty"`
}
