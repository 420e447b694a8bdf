package resolvd

// SimilarCase is a prior exception surfaced by a similarity backend.
// It is a standalone struct with no internal imports — safe to use from
// outside the module.
type SimilarCase struct {
	ExceptionID string
	Score       float64
}
