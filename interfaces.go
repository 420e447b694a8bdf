package resolvd

import "context"

// Searcher looks up prior similar exceptions during triage. When provided
// via WithSearcher it replaces the default no-op backend; classification
// confidence rises with the number of strong matches. Failures degrade
// confidence scoring, they do not stall the pipeline.
type Searcher interface {
	SimilarExceptions(ctx context.Context, tenantID, exceptionType, summary string) ([]SimilarCase, error)
}
