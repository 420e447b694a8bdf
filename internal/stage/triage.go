package stage

import (
	"context"
	"log/slog"

	"github.com/resolvd-ai/resolvd/internal/model"
)

// SimilarCase is one prior exception returned by a similarity search.
type SimilarCase struct {
	ExceptionID string
	Score       float64
}

// Searcher is the triage agent's optional read-only collaborator. It
// looks up prior similar exceptions to raise classification confidence.
type Searcher interface {
	SimilarExceptions(ctx context.Context, tenantID, exceptionType, summary string) ([]SimilarCase, error)
}

// NoopSearcher is used when no similarity backend is configured.
type NoopSearcher struct{}

func (NoopSearcher) SimilarExceptions(context.Context, string, string, string) ([]SimilarCase, error) {
	return nil, nil
}

// TriageAgent classifies a normalized exception against the pack
// taxonomy and scores its confidence.
type TriageAgent struct {
	searcher Searcher
	logger   *slog.Logger
}

func NewTriageAgent(searcher Searcher, logger *slog.Logger) *TriageAgent {
	if searcher == nil {
		searcher = NoopSearcher{}
	}
	return &TriageAgent{searcher: searcher, logger: logger}
}

func (a *TriageAgent) Stage() model.Stage { return model.StageTriage }

func (a *TriageAgent) Process(ctx context.Context, agg model.ExceptionAggregate, snap *model.ConfigSnapshot, in Input) (model.StageDecision, error) {
	summary, _ := in.Payload["raw_summary"].(string)

	classification := agg.ExceptionType
	confidence := 0.6
	if !knownExceptionType(snap, agg.ExceptionType) {
		classification = "UNCLASSIFIED"
		confidence = 0.3
	}

	// The searcher is best effort. A failing backend degrades confidence
	// scoring, it does not stall the pipeline.
	similar, err := a.searcher.SimilarExceptions(ctx, agg.TenantID, agg.ExceptionType, summary)
	if err != nil {
		a.logger.Warn("stage: similarity search failed",
			"tenant_id", agg.TenantID,
			"exception_id", agg.ExceptionID,
			"error", err,
		)
		similar = nil
	}
	if classification != "UNCLASSIFIED" {
		boost := 0.1 * float64(len(similar))
		if boost > 0.3 {
			boost = 0.3
		}
		confidence += boost
	}

	completed := model.PendingEvent{
		EventType: model.EventTriageCompleted,
		Payload: payloadMap(model.TriageCompletedPayload{
			Classification: classification,
			Confidence:     confidence,
			SimilarCount:   len(similar),
		}),
	}
	return model.Advance(model.StagePolicy, completed), nil
}
