package stage

import (
	"context"

	"github.com/resolvd-ai/resolvd/internal/model"
)

// FeedbackAgent closes a successfully remediated exception and captures
// the outcome signal the learning loop consumes.
type FeedbackAgent struct{}

func NewFeedbackAgent() *FeedbackAgent { return &FeedbackAgent{} }

func (a *FeedbackAgent) Stage() model.Stage { return model.StageFeedback }

func (a *FeedbackAgent) Process(_ context.Context, agg model.ExceptionAggregate, _ *model.ConfigSnapshot, _ Input) (model.StageDecision, error) {
	var resolutionMs int64
	if !agg.FirstEventAt.IsZero() && !agg.LastEventAt.IsZero() {
		resolutionMs = agg.LastEventAt.Sub(agg.FirstEventAt).Milliseconds()
	}

	captured := model.PendingEvent{
		EventType: model.EventFeedbackCaptured,
		Payload: payloadMap(model.FeedbackCapturedPayload{
			Outcome:       "resolved",
			ResolutionMs:  resolutionMs,
			StepsExecuted: agg.StepsExecuted,
		}),
	}
	return model.Terminate(model.StatusResolved, model.ResolutionCompleted, "", captured), nil
}
