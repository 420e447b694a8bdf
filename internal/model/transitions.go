package model

// triggers maps each inbound message event type to the stages it may
// legally arrive in. An empty entry means the event type never triggers
// a stage dispatch (audit-only types). Terminal stages accept nothing.
var triggers = map[EventType][]Stage{
	MessageExceptionRaised:         {StageIntake},
	EventExceptionNormalized:       {StageTriage},
	EventTriageCompleted:           {StagePolicy},
	EventPolicyEvaluationCompleted: {StagePlaybook},
	EventPlaybookMatched:           {StageResolution},
	EventStepExecutionRequested:    {StageResolution},
	EventPlaybookCompleted:         {StageFeedback},
	EventApprovalGranted:           {StageAwaitingApproval},
	EventApprovalRejected:          {StageAwaitingApproval},
}

// targetStage maps each inbound message event type to the stage agent
// that handles it. The orchestrator dispatches to the target stage, not
// the aggregate's current one.
var targetStage = map[EventType]Stage{
	MessageExceptionRaised:         StageIntake,
	EventExceptionNormalized:       StageTriage,
	EventTriageCompleted:           StagePolicy,
	EventPolicyEvaluationCompleted: StagePlaybook,
	EventPlaybookMatched:           StageResolution,
	EventStepExecutionRequested:    StageResolution,
	EventApprovalGranted:           StageResolution,
	EventApprovalRejected:          StageResolution,
	EventPlaybookCompleted:         StageFeedback,
}

// LegalTransition reports whether an inbound message of type et may be
// processed while the aggregate sits in stage current. Redelivered or
// reordered messages that name an already-passed stage are illegal and
// must be dropped, not retried.
func LegalTransition(current Stage, et EventType) bool {
	if current.Terminal() {
		return false
	}
	for _, s := range triggers[et] {
		if s == current {
			return true
		}
	}
	return false
}

// TargetStage returns the stage agent responsible for handling an inbound
// message of type et. ok is false for event types that never trigger a
// dispatch.
func TargetStage(et EventType) (Stage, bool) {
	s, ok := targetStage[et]
	return s, ok
}
