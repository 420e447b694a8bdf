package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/resolvd-ai/resolvd/internal/model"
	"github.com/resolvd-ai/resolvd/internal/toolexec"
)

// ToolRunner executes one tool invocation attempt set. Satisfied by
// *toolexec.Engine.
type ToolRunner interface {
	Execute(ctx context.Context, req toolexec.ExecRequest, def model.ToolDefinition) (model.ToolExecutionRecord, []model.PendingEvent, error)
}

// ResolutionAgent walks the matched playbook's steps. It is the only
// agent allowed side effects, and only through the tool engine. Step
// mode comes from tenant policy: auto-execute severities chain steps
// through the broker, everything else gates each step behind its own
// approval ticket.
type ResolutionAgent struct {
	runner ToolRunner
	logger *slog.Logger
}

func NewResolutionAgent(runner ToolRunner, logger *slog.Logger) *ResolutionAgent {
	return &ResolutionAgent{runner: runner, logger: logger}
}

func (a *ResolutionAgent) Stage() model.Stage { return model.StageResolution }

func (a *ResolutionAgent) Process(ctx context.Context, agg model.ExceptionAggregate, snap *model.ConfigSnapshot, in Input) (model.StageDecision, error) {
	if in.EventType == model.EventApprovalRejected {
		rejected := model.PendingEvent{EventType: model.EventApprovalRejected, Payload: in.Payload}
		return model.Terminate(model.StatusResolved, model.ResolutionRejected, "approval rejected", rejected), nil
	}

	// A grant arrives as a fresh external fact; it enters the log here.
	var lead []model.PendingEvent
	if in.EventType == model.EventApprovalGranted {
		lead = append(lead, model.PendingEvent{EventType: model.EventApprovalGranted, Payload: in.Payload})
	}

	if agg.CurrentPlaybook == nil {
		return model.Escalate("NO_PLAYBOOK", "resolution dispatched without a matched playbook", lead...), nil
	}
	pb, ok := snap.Playbook(*agg.CurrentPlaybook)
	if !ok {
		reason := fmt.Sprintf("playbook %d is missing from the active pack", *agg.CurrentPlaybook)
		return model.Escalate("NO_PLAYBOOK", reason, lead...), nil
	}

	idx := 0
	if agg.CurrentStepIndex != nil {
		idx = *agg.CurrentStepIndex
	}
	if idx >= len(pb.Steps) {
		return a.completePlaybook(agg, pb, lead), nil
	}

	auto := snap.AutoExecute(agg.Severity)

	// In manual mode every step needs its own grant. The grant that
	// brought us here covers the current step only.
	if !auto && in.EventType != model.EventApprovalGranted {
		step := pb.Steps[idx]
		return model.Suspend(model.ApprovalRequest{
			Reason:     fmt.Sprintf("step %d (%s) of playbook %q awaits manual approval", idx, step.Name, pb.Name),
			Severity:   agg.Severity,
			PlaybookID: pb.ID,
			StepIndex:  idx,
		}, lead...), nil
	}

	return a.runStep(ctx, agg, snap, pb, idx, auto, in, lead)
}

func (a *ResolutionAgent) runStep(ctx context.Context, agg model.ExceptionAggregate, snap *model.ConfigSnapshot, pb model.Playbook, idx int, auto bool, in Input, events []model.PendingEvent) (model.StageDecision, error) {
	step := pb.Steps[idx]
	mode := "manual"
	if auto {
		mode = "auto"
	}

	// A StepExecutionRequested message was already appended by the
	// dispatch that published it; every other entry path records one now.
	if in.EventType != model.EventStepExecutionRequested {
		events = append(events, model.PendingEvent{
			EventType: model.EventStepExecutionRequested,
			Payload: payloadMap(model.StepExecutionRequestedPayload{
				PlaybookID: pb.ID,
				StepIndex:  idx,
				ToolID:     step.ToolID,
				Mode:       mode,
			}),
		})
	}

	if step.ToolID == "" {
		// Informational step, nothing to invoke.
		events = append(events, stepCompleted(pb.ID, idx, "", "succeeded", ""))
		return a.afterStep(agg, pb, idx, auto, events), nil
	}

	def, ok := snap.Tool(step.ToolID)
	if !ok {
		reason := fmt.Sprintf("step %d of playbook %q names undefined tool %q", idx, pb.Name, step.ToolID)
		events = append(events, stepCompleted(pb.ID, idx, "", "failed", reason))
		return a.afterFailedStep(agg, pb, idx, auto, step, "TOOL_NOT_ALLOWED", reason, events), nil
	}
	def.AllowListed = snap.ToolAllowed(step.ToolID)

	rec, audit, err := a.runner.Execute(ctx, toolexec.ExecRequest{
		TenantID:    agg.TenantID,
		ExceptionID: agg.ExceptionID,
		ToolID:      step.ToolID,
		Args:        step.Args,
	}, def)
	events = append(events, audit...)

	if err == nil {
		events = append(events, stepCompleted(pb.ID, idx, rec.ExecutionID.String(), "succeeded", ""))
		return a.afterStep(agg, pb, idx, auto, events), nil
	}

	code, classified := classifyToolError(err)
	if !classified {
		// Infrastructure failure before any attempt was recorded; let the
		// broker redeliver the message.
		return model.StageDecision{}, fmt.Errorf("stage: resolution step %d of playbook %d: %w", idx, pb.ID, err)
	}

	a.logger.Warn("stage: playbook step failed",
		"tenant_id", agg.TenantID,
		"exception_id", agg.ExceptionID,
		"playbook_id", pb.ID,
		"step_index", idx,
		"tool_id", step.ToolID,
		"reason_code", code,
	)
	events = append(events, stepCompleted(pb.ID, idx, rec.ExecutionID.String(), "failed", err.Error()))
	return a.afterFailedStep(agg, pb, idx, auto, step, code, err.Error(), events), nil
}

// afterStep routes to the next step, or closes the playbook when the
// finished step was the last one.
func (a *ResolutionAgent) afterStep(agg model.ExceptionAggregate, pb model.Playbook, idx int, auto bool, events []model.PendingEvent) model.StageDecision {
	next := idx + 1
	if next >= len(pb.Steps) {
		return a.completePlaybook(agg, pb, events)
	}

	if auto {
		events = append(events, model.PendingEvent{
			EventType: model.EventStepExecutionRequested,
			Payload: payloadMap(model.StepExecutionRequestedPayload{
				PlaybookID: pb.ID,
				StepIndex:  next,
				ToolID:     pb.Steps[next].ToolID,
				Mode:       "auto",
			}),
		})
		return model.Advance(model.StageResolution, events...)
	}

	return model.Suspend(model.ApprovalRequest{
		Reason:     fmt.Sprintf("step %d (%s) of playbook %q awaits manual approval", next, pb.Steps[next].Name, pb.Name),
		Severity:   agg.Severity,
		PlaybookID: pb.ID,
		StepIndex:  next,
	}, events...)
}

func (a *ResolutionAgent) afterFailedStep(agg model.ExceptionAggregate, pb model.Playbook, idx int, auto bool, step model.PlaybookStep, code, reason string, events []model.PendingEvent) model.StageDecision {
	if step.OnError == "continue" {
		return a.afterStep(agg, pb, idx, auto, events)
	}
	return model.Escalate(code, reason, events...)
}

func (a *ResolutionAgent) completePlaybook(agg model.ExceptionAggregate, pb model.Playbook, events []model.PendingEvent) model.StageDecision {
	events = append(events, model.PendingEvent{
		EventType: model.EventPlaybookCompleted,
		Payload: map[string]any{
			"playbook_id": pb.ID,
			"step_count":  len(pb.Steps),
		},
	})
	return model.Advance(model.StageFeedback, events...)
}

func stepCompleted(playbookID, stepIndex int, executionID, outcome, errMsg string) model.PendingEvent {
	return model.PendingEvent{
		EventType: model.EventPlaybookStepCompleted,
		Payload: payloadMap(model.PlaybookStepCompletedPayload{
			PlaybookID:  playbookID,
			StepIndex:   stepIndex,
			ExecutionID: executionID,
			Outcome:     outcome,
			Error:       errMsg,
		}),
	}
}

func classifyToolError(err error) (code string, ok bool) {
	switch {
	case errors.Is(err, toolexec.ErrNotAllowed):
		return "TOOL_NOT_ALLOWED", true
	case errors.Is(err, toolexec.ErrSchemaInvalid):
		return "TOOL_SCHEMA_INVALID", true
	case errors.Is(err, toolexec.ErrToolTimeout):
		return "TOOL_TIMEOUT", true
	case errors.Is(err, toolexec.ErrCircuitOpen), errors.Is(err, toolexec.ErrToolUnavailable):
		return "TOOL_UNAVAILABLE", true
	}
	return "", false
}
