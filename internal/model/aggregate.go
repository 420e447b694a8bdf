package model

import "time"

// Stage is the pipeline stage an exception is currently in.
type Stage string

const (
	StageIntake           Stage = "INTAKE"
	StageTriage           Stage = "TRIAGE"
	StagePolicy           Stage = "POLICY"
	StagePlaybook         Stage = "PLAYBOOK"
	StageResolution       Stage = "RESOLUTION"
	StageFeedback         Stage = "FEEDBACK"
	StageAwaitingApproval Stage = "AWAITING_APPROVAL"
	StageCompleted        Stage = "COMPLETED"
	StageEscalated        Stage = "ESCALATED"
	StageFailed           Stage = "FAILED"
)

// Terminal reports whether no further transitions are accepted from s.
func (s Stage) Terminal() bool {
	switch s {
	case StageCompleted, StageEscalated, StageFailed:
		return true
	}
	return false
}

// Status is the coarse-grained lifecycle status of an exception.
type Status string

const (
	StatusOpen      Status = "OPEN"
	StatusResolved  Status = "RESOLVED"
	StatusEscalated Status = "ESCALATED"
)

// Resolution qualifies how a RESOLVED exception was closed.
const (
	ResolutionCompleted     = "COMPLETED"
	ResolutionRejected      = "REJECTED"
	ResolutionNonActionable = "NON_ACTIONABLE"
)

// MessageExceptionRaised is the broker-level event type that opens a new
// exception and triggers the Intake stage. It is never persisted to the
// event log; Intake persists ExceptionNormalized instead.
const MessageExceptionRaised EventType = "ExceptionRaised"

// MessageExceptionClosed is the terminal notification published when an
// exception resolves or terminates. Like MessageExceptionRaised it is a
// broker-level type only, and it goes out on the notifications stream,
// not the pipeline. Escalations reuse EventExceptionEscalated as their
// notification type.
const MessageExceptionClosed EventType = "ExceptionClosed"

// ExceptionAggregate is the reconstructed state of one exception.
// It is a projection over the event log, never stored directly.
type ExceptionAggregate struct {
	TenantID         string  `json:"tenant_id"`
	ExceptionID      string  `json:"exception_id"`
	ExceptionType    string  `json:"exception_type"`
	Severity         string  `json:"severity,omitempty"`
	CurrentStage     Stage   `json:"current_stage"`
	CurrentPlaybook  *int    `json:"current_playbook_id,omitempty"`
	CurrentStepIndex *int    `json:"current_step_index,omitempty"`
	Status           Status  `json:"status"`
	Resolution       string  `json:"resolution,omitempty"`
	Reason           string  `json:"reason,omitempty"`
	StepsExecuted    int     `json:"steps_executed"`
	Confidence       float64 `json:"confidence,omitempty"`

	// PendingTicketID is set while the exception waits on an approval
	// ticket. Decision messages naming any other ticket are stale.
	PendingTicketID string `json:"pending_ticket_id,omitempty"`

	// Version equals the number of applied events. An append must pass it
	// as expected_version; the store rejects stale writers.
	Version int64 `json:"version"`

	FirstEventAt time.Time `json:"first_event_at,omitempty"`
	LastEventAt  time.Time `json:"last_event_at,omitempty"`
}

// FoldFrom extends a previously folded aggregate with newer events. The
// events must start at agg.Version+1 in sequence order; FoldFrom does not
// check.
func FoldFrom(agg ExceptionAggregate, events []DomainEvent) ExceptionAggregate {
	for i := range events {
		agg.apply(events[i])
	}
	return agg
}

// Fold rebuilds an aggregate by left-folding events in sequence order.
// Events must be ordered by SequenceNo; Fold does not sort.
func Fold(tenantID, exceptionID string, events []DomainEvent) ExceptionAggregate {
	agg := ExceptionAggregate{
		TenantID:     tenantID,
		ExceptionID:  exceptionID,
		CurrentStage: StageIntake,
		Status:       StatusOpen,
	}
	for i := range events {
		agg.apply(events[i])
	}
	return agg
}

func (a *ExceptionAggregate) apply(e DomainEvent) {
	a.Version++
	a.LastEventAt = e.CreatedAt
	if a.FirstEventAt.IsZero() {
		a.FirstEventAt = e.CreatedAt
	}

	switch e.EventType {
	case EventExceptionNormalized:
		a.ExceptionType, _ = e.Payload["exception_type"].(string)
		a.CurrentStage = StageTriage
		a.Status = StatusOpen

	case EventTriageCompleted:
		if c, ok := e.Payload["confidence"].(float64); ok {
			a.Confidence = c
		}
		a.CurrentStage = StagePolicy

	case EventPolicyEvaluationCompleted:
		a.Severity, _ = e.Payload["severity"].(string)
		if c, ok := e.Payload["confidence"].(float64); ok {
			a.Confidence = c
		}
		if actionable, ok := e.Payload["actionable"].(bool); ok && !actionable {
			a.CurrentStage = StageCompleted
			a.Status = StatusResolved
			a.Resolution = ResolutionNonActionable
			a.Reason, _ = e.Payload["reason"].(string)
		} else {
			a.CurrentStage = StagePlaybook
		}

	case EventPlaybookMatched:
		if id, ok := asInt(e.Payload["playbook_id"]); ok {
			a.CurrentPlaybook = &id
		}
		zero := 0
		a.CurrentStepIndex = &zero
		a.CurrentStage = StageResolution

	case EventStepExecutionRequested:
		if idx, ok := asInt(e.Payload["step_index"]); ok {
			a.CurrentStepIndex = &idx
		}
		a.CurrentStage = StageResolution

	case EventPlaybookStepCompleted:
		if outcome, _ := e.Payload["outcome"].(string); outcome == "succeeded" {
			a.StepsExecuted++
			if a.CurrentStepIndex != nil {
				next := *a.CurrentStepIndex + 1
				a.CurrentStepIndex = &next
			}
		}

	case EventPlaybookCompleted:
		a.CurrentStage = StageFeedback

	case EventApprovalRequested:
		a.CurrentStage = StageAwaitingApproval
		a.PendingTicketID, _ = e.Payload["ticket_id"].(string)

	case EventApprovalGranted:
		a.CurrentStage = StageResolution
		a.PendingTicketID = ""

	case EventApprovalRejected:
		a.CurrentStage = StageCompleted
		a.Status = StatusResolved
		a.Resolution = ResolutionRejected
		a.PendingTicketID = ""
		if comment, _ := e.Payload["comment"].(string); comment != "" {
			a.Reason = comment
		} else {
			a.Reason = "approval rejected"
		}

	case EventFeedbackCaptured:
		a.CurrentStage = StageCompleted
		a.Status = StatusResolved
		if a.Resolution == "" {
			a.Resolution = ResolutionCompleted
		}

	case EventExceptionEscalated:
		a.CurrentStage = StageEscalated
		a.Status = StatusEscalated
		a.Reason, _ = e.Payload["reason"].(string)

	case EventToolExecutionRequested, EventToolExecutionRunning,
		EventToolExecutionSucceeded, EventToolExecutionFailed,
		EventTransitionRejected:
		// Audit-only events. They count toward the version but do not
		// move the state machine.
	}
}

// asInt tolerates the two numeric shapes JSON payloads round-trip through.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	}
	return 0, false
}
