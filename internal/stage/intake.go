package stage

import (
	"context"
	"log/slog"

	"github.com/resolvd-ai/resolvd/internal/model"
)

// IntakeAgent normalizes a raw ExceptionRaised message into the first
// persisted event of the exception's log.
type IntakeAgent struct {
	logger *slog.Logger
}

func NewIntakeAgent(logger *slog.Logger) *IntakeAgent {
	return &IntakeAgent{logger: logger}
}

func (a *IntakeAgent) Stage() model.Stage { return model.StageIntake }

func (a *IntakeAgent) Process(_ context.Context, agg model.ExceptionAggregate, snap *model.ConfigSnapshot, in Input) (model.StageDecision, error) {
	excType, _ := in.Payload["exception_type"].(string)
	if excType == "" {
		excType = "UNKNOWN"
	}
	source, _ := in.Payload["source"].(string)
	summary, _ := in.Payload["summary"].(string)
	attrs, _ := in.Payload["attributes"].(map[string]any)

	if !knownExceptionType(snap, excType) {
		a.logger.Warn("stage: intake saw exception type outside the pack taxonomy",
			"tenant_id", agg.TenantID,
			"exception_id", agg.ExceptionID,
			"exception_type", excType,
		)
	}

	normalized := model.PendingEvent{
		EventType: model.EventExceptionNormalized,
		Payload: payloadMap(model.ExceptionNormalizedPayload{
			ExceptionType: excType,
			Source:        source,
			RawSummary:    summary,
			Attributes:    attrs,
		}),
	}
	return model.Advance(model.StageTriage, normalized), nil
}

func knownExceptionType(snap *model.ConfigSnapshot, excType string) bool {
	for _, t := range snap.Pack.ExceptionTypes {
		if t == excType {
			return true
		}
	}
	return false
}
