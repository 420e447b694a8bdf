package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the category of a domain event.
type EventType string

const (
	// Pipeline stage events.
	EventExceptionNormalized       EventType = "ExceptionNormalized"
	EventTriageCompleted           EventType = "TriageCompleted"
	EventPolicyEvaluationCompleted EventType = "PolicyEvaluationCompleted"
	EventPlaybookMatched           EventType = "PlaybookMatched"
	EventStepExecutionRequested    EventType = "StepExecutionRequested"
	EventPlaybookStepCompleted     EventType = "PlaybookStepCompleted"
	EventPlaybookCompleted         EventType = "PlaybookCompleted"
	EventFeedbackCaptured          EventType = "FeedbackCaptured"
	EventExceptionEscalated        EventType = "ExceptionEscalated"

	// Tool execution events.
	EventToolExecutionRequested EventType = "ToolExecutionRequested"
	EventToolExecutionRunning   EventType = "ToolExecutionRunning"
	EventToolExecutionSucceeded EventType = "ToolExecutionSucceeded"
	EventToolExecutionFailed    EventType = "ToolExecutionFailed"

	// Approval events.
	EventApprovalRequested EventType = "ApprovalRequested"
	EventApprovalGranted   EventType = "ApprovalGranted"
	EventApprovalRejected  EventType = "ApprovalRejected"

	// Recorded when an inbound message names a transition the state machine
	// does not permit. The aggregate does not advance.
	EventTransitionRejected EventType = "TransitionRejected"
)

// DomainEvent is an append-only event in the per-exception log.
// Source of truth. Never mutated or deleted.
type DomainEvent struct {
	ID                uuid.UUID      `json:"id"`
	TenantID          string         `json:"tenant_id"`
	ExceptionID       string         `json:"exception_id"`
	SequenceNo        int64          `json:"sequence_no"`
	EventType         EventType      `json:"event_type"`
	Payload           map[string]any `json:"payload"`
	CausedByMessageID string         `json:"caused_by_message_id"`
	CreatedAt         time.Time      `json:"created_at"`
}

// ExceptionNormalizedPayload is the payload for ExceptionNormalized events.
type ExceptionNormalizedPayload struct {
	ExceptionType string         `json:"exception_type"`
	Source        string         `json:"source,omitempty"`
	RawSummary    string         `json:"raw_summary,omitempty"`
	Attributes    map[string]any `json:"attributes,omitempty"`
}

// TriageCompletedPayload is the payload for TriageCompleted events.
type TriageCompletedPayload struct {
	Classification string  `json:"classification"`
	Confidence     float64 `json:"confidence"`
	SimilarCount   int     `json:"similar_count,omitempty"`
}

// PolicyEvaluationCompletedPayload is the payload for PolicyEvaluationCompleted events.
type PolicyEvaluationCompletedPayload struct {
	Severity         string  `json:"severity"`
	SeveritySource   string  `json:"severity_source"` // tenant_override, domain_rule, domain_default
	Confidence       float64 `json:"confidence"`
	ApprovalRequired bool    `json:"approval_required"`
	Actionable       bool    `json:"actionable"`
	Reason           string  `json:"reason,omitempty"`
}

// PlaybookMatchedPayload is the payload for PlaybookMatched events.
type PlaybookMatchedPayload struct {
	PlaybookID int    `json:"playbook_id"`
	Name       string `json:"name,omitempty"`
	StepCount  int    `json:"step_count"`
}

// StepExecutionRequestedPayload is the payload for StepExecutionRequested events.
type StepExecutionRequestedPayload struct {
	PlaybookID int    `json:"playbook_id"`
	StepIndex  int    `json:"step_index"`
	ToolID     string `json:"tool_id,omitempty"`
	Mode       string `json:"mode"` // auto or manual
}

// PlaybookStepCompletedPayload is the payload for PlaybookStepCompleted events.
type PlaybookStepCompletedPayload struct {
	PlaybookID  int    `json:"playbook_id"`
	StepIndex   int    `json:"step_index"`
	ExecutionID string `json:"execution_id,omitempty"`
	Outcome     string `json:"outcome"` // succeeded or failed
	Error       string `json:"error,omitempty"`
}

// ToolExecutionPayload is the common payload shape for the four tool
// lifecycle events. Attempt is 1-based; zero means no attempt was made
// (pre-check rejection or circuit open).
type ToolExecutionPayload struct {
	ExecutionID string `json:"execution_id"`
	ToolID      string `json:"tool_id"`
	Attempt     int    `json:"attempt,omitempty"`
	Status      string `json:"status,omitempty"`
	Reason      string `json:"reason,omitempty"`
	DurationMs  int64  `json:"duration_ms,omitempty"`
}

// ApprovalRequestedPayload is the payload for ApprovalRequested events.
type ApprovalRequestedPayload struct {
	TicketID   uuid.UUID `json:"ticket_id"`
	Reason     string    `json:"reason"`
	Severity   string    `json:"severity"`
	PlaybookID int       `json:"playbook_id,omitempty"`
	StepIndex  int       `json:"step_index,omitempty"`
}

// ApprovalResolvedPayload is the payload for ApprovalGranted and
// ApprovalRejected events.
type ApprovalResolvedPayload struct {
	TicketID  uuid.UUID `json:"ticket_id"`
	DecidedBy string    `json:"decided_by,omitempty"`
	Comment   string    `json:"comment,omitempty"`
}

// FeedbackCapturedPayload is the payload for FeedbackCaptured events.
type FeedbackCapturedPayload struct {
	Outcome       string `json:"outcome"`
	ResolutionMs  int64  `json:"resolution_ms,omitempty"`
	StepsExecuted int    `json:"steps_executed,omitempty"`
}

// ExceptionEscalatedPayload is the payload for ExceptionEscalated events.
type ExceptionEscalatedPayload struct {
	Reason     string `json:"reason"`
	ReasonCode string `json:"reason_code"`
	FromStage  string `json:"from_stage,omitempty"`
}

// TransitionRejectedPayload is the payload for TransitionRejected events.
type TransitionRejectedPayload struct {
	MessageEventType string `json:"message_event_type"`
	CurrentStage     string `json:"current_stage"`
	ReasonCode       string `json:"reason_code"` // always OUT_OF_ORDER_EVENT
}
