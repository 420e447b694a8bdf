package model

// ActionKind is the closed set of next actions a stage agent can select.
type ActionKind string

const (
	ActionAdvance   ActionKind = "ADVANCE"
	ActionSuspend   ActionKind = "SUSPEND_FOR_APPROVAL"
	ActionTerminate ActionKind = "TERMINATE"
	ActionEscalate  ActionKind = "ESCALATE"
)

// StageDecision is the outcome of one stage agent invocation. EmitEvents
// are appended atomically; the action tells the orchestrator what to do
// after the append succeeds.
type StageDecision struct {
	EmitEvents []PendingEvent
	Action     ActionKind

	// NextStage is set for ActionAdvance.
	NextStage Stage

	// TerminalStatus and Resolution are set for ActionTerminate.
	TerminalStatus Status
	Resolution     string

	// Reason and ReasonCode are set for ActionEscalate and ActionTerminate.
	Reason     string
	ReasonCode string

	// Approval describes the ticket to open for ActionSuspend.
	Approval *ApprovalRequest
}

// PendingEvent is a domain event a stage agent wants appended. Sequence
// numbers and message attribution are assigned by the orchestrator at
// append time.
type PendingEvent struct {
	EventType EventType
	Payload   map[string]any
}

// ApprovalRequest carries what the approval gate needs to open a ticket.
type ApprovalRequest struct {
	Reason     string
	Severity   string
	PlaybookID int
	StepIndex  int
}

// Advance builds a decision that moves the pipeline to the next stage.
func Advance(next Stage, events ...PendingEvent) StageDecision {
	return StageDecision{EmitEvents: events, Action: ActionAdvance, NextStage: next}
}

// Suspend builds a decision that parks the pipeline behind an approval ticket.
func Suspend(req ApprovalRequest, events ...PendingEvent) StageDecision {
	return StageDecision{EmitEvents: events, Action: ActionSuspend, Approval: &req}
}

// Terminate builds a decision that closes the exception without escalation.
func Terminate(status Status, resolution, reason string, events ...PendingEvent) StageDecision {
	return StageDecision{
		EmitEvents:     events,
		Action:         ActionTerminate,
		TerminalStatus: status,
		Resolution:     resolution,
		Reason:         reason,
	}
}

// Escalate builds a decision that hands the exception to a human operator.
func Escalate(reasonCode, reason string, events ...PendingEvent) StageDecision {
	return StageDecision{
		EmitEvents: events,
		Action:     ActionEscalate,
		Reason:     reason,
		ReasonCode: reasonCode,
	}
}
