package model

import "fmt"

// StageSummary is the common interface over per-stage result schemas.
// Each stage produces a distinct, closed record type rather than an
// untyped bag of fields; GateFailure returns a non-empty description
// when the stage's structured result fails its gate.
type StageSummary interface {
	Stage() StageName
	GateFailure() string
}

// ReviewResult is the review_guard stage output: the findings it
// produced plus the decision engine's verdict over them.
type ReviewResult struct {
	Findings   []Finding        `json:"findings"`
	Evaluation EvaluationResult `json:"evaluation"`
}

func (ReviewResult) Stage() StageName { return StageReviewGuard }

// GateFailure fails the review gate when the evaluation blocked.
func (r ReviewResult) GateFailure() string {
	if r.Evaluation.Blocked {
		return fmt.Sprintf("review_guard: %s", r.Evaluation.BlockingReason)
	}
	return ""
}

// TestResult is the test_engine stage output. Test generation carries
// signal (counts, coverage) but no gate of its own.
type TestResult struct {
	Findings        []Finding `json:"findings"`
	GeneratedTests  int       `json:"generated_tests"`
	CoveragePercent float64   `json:"coverage_percent"`
}

func (TestResult) Stage() StageName    { return StageTestEngine }
func (TestResult) GateFailure() string { return "" }

// DocResult is the doc_sync stage output.
type DocResult struct {
	Findings         []Finding `json:"findings"`
	Drift            bool      `json:"drift"`
	MissingEndpoints []string  `json:"missing_endpoints"`
}

func (DocResult) Stage() StageName { return StageDocSync }

// GateFailure fails the doc gate only for drift with missing endpoints.
// Drift without missing endpoints is a warning signal, not a gate.
func (d DocResult) GateFailure() string {
	if d.Drift && len(d.MissingEndpoints) > 0 {
		return fmt.Sprintf("doc_sync: drift with %d missing endpoints", len(d.MissingEndpoints))
	}
	return ""
}
