// Package run sequences the gating stages of a pipeline run,
// aggregates their outcomes into one conclusion, and publishes every
// status change through the outbox.
package run

import (
	"context"

	"github.com/mergegate/mergegate/internal/model"
)

// Input is everything a run needs. Stage runners read from it; absent
// inputs cause the stages that require them to be skipped.
type Input struct {
	OrgID       string
	Repository  string
	Branch      string
	TriggerType string

	// Diff is the change diff; required by the review stage.
	Diff []byte

	// Files maps path to content for the changed files; required by
	// the test stage.
	Files map[string][]byte

	// DocContent is the documentation to check for drift; required by
	// the doc stage.
	DocContent []byte

	// Disabled turns stages off by configuration.
	Disabled map[model.StageName]bool
}

// StageRunner is one gating stage. Runners are external collaborators:
// the orchestrator knows nothing about their internals. A returned
// error is a stage failure — it is recorded and the run continues with
// the next stage.
type StageRunner interface {
	Name() model.StageName
	Run(ctx context.Context, in *Input) (model.StageSummary, error)
}

// hasRequiredInput reports whether the stage's input is present.
func hasRequiredInput(name model.StageName, in *Input) bool {
	switch name {
	case model.StageReviewGuard:
		return in.Diff != nil
	case model.StageTestEngine:
		return len(in.Files) > 0
	case model.StageDocSync:
		return in.DocContent != nil
	default:
		return false
	}
}

// findingsOf extracts the findings from a stage summary.
func findingsOf(sum model.StageSummary) []model.Finding {
	switch s := sum.(type) {
	case model.ReviewResult:
		return s.Findings
	case model.TestResult:
		return s.Findings
	case model.DocResult:
		return s.Findings
	default:
		return nil
	}
}
