package stage

import (
	"context"
	"fmt"

	"github.com/resolvd-ai/resolvd/internal/model"
)

// PlaybookAgent matches an actionable exception to a remediation
// playbook and, when the policy evaluation demanded it, parks the
// exception behind an approval ticket before any step runs.
type PlaybookAgent struct{}

func NewPlaybookAgent() *PlaybookAgent { return &PlaybookAgent{} }

func (a *PlaybookAgent) Stage() model.Stage { return model.StagePlaybook }

func (a *PlaybookAgent) Process(_ context.Context, agg model.ExceptionAggregate, snap *model.ConfigSnapshot, in Input) (model.StageDecision, error) {
	pb, ok := snap.MatchPlaybook(agg.ExceptionType)
	if !ok {
		reason := fmt.Sprintf("no playbook matches exception type %q", agg.ExceptionType)
		return model.Escalate("NO_PLAYBOOK", reason), nil
	}

	matched := model.PendingEvent{
		EventType: model.EventPlaybookMatched,
		Payload: payloadMap(model.PlaybookMatchedPayload{
			PlaybookID: pb.ID,
			Name:       pb.Name,
			StepCount:  len(pb.Steps),
		}),
	}

	if required, _ := in.Payload["approval_required"].(bool); required {
		return model.Suspend(model.ApprovalRequest{
			Reason:     fmt.Sprintf("severity %s requires human approval before playbook %q runs", agg.Severity, pb.Name),
			Severity:   agg.Severity,
			PlaybookID: pb.ID,
		}, matched), nil
	}

	return model.Advance(model.StageResolution, matched), nil
}
