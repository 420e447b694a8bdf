package stage

import (
	"context"
	"fmt"

	"github.com/resolvd-ai/resolvd/internal/model"
)

// PolicyAgent resolves severity and decides whether the exception is
// actionable and whether resolution needs a human approval.
//
// Severity precedence: tenant override exact match, then domain pack
// rule, then domain pack default.
type PolicyAgent struct{}

func NewPolicyAgent() *PolicyAgent { return &PolicyAgent{} }

func (a *PolicyAgent) Stage() model.Stage { return model.StagePolicy }

func (a *PolicyAgent) Process(_ context.Context, agg model.ExceptionAggregate, snap *model.ConfigSnapshot, in Input) (model.StageDecision, error) {
	classification, _ := in.Payload["classification"].(string)
	confidence := agg.Confidence
	if c, ok := in.Payload["confidence"].(float64); ok {
		confidence = c
	}

	severity, source := snap.ResolveSeverity(agg.ExceptionType)
	approvalRequired := snap.RequiresApproval(severity, confidence)

	if classification == "UNCLASSIFIED" {
		reason := fmt.Sprintf("exception type %q is outside the active pack taxonomy", agg.ExceptionType)
		evaluated := model.PendingEvent{
			EventType: model.EventPolicyEvaluationCompleted,
			Payload: payloadMap(model.PolicyEvaluationCompletedPayload{
				Severity:       severity,
				SeveritySource: source,
				Confidence:     confidence,
				Actionable:     false,
				Reason:         reason,
			}),
		}
		return model.Terminate(model.StatusResolved, model.ResolutionNonActionable, reason, evaluated), nil
	}

	evaluated := model.PendingEvent{
		EventType: model.EventPolicyEvaluationCompleted,
		Payload: payloadMap(model.PolicyEvaluationCompletedPayload{
			Severity:         severity,
			SeveritySource:   source,
			Confidence:       confidence,
			ApprovalRequired: approvalRequired,
			Actionable:       true,
		}),
	}
	return model.Advance(model.StagePlaybook, evaluated), nil
}
