package run

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/mergegate/mergegate/internal/model"
)

// DemoRunners returns synthetic stage runners for a demo run. They
// derive deterministic findings from the input bytes so the same demo
// input always yields the same verdict and evidence.
func DemoRunners() []StageRunner {
	return []StageRunner{demoReview{}, demoTest{}, demoDoc{}}
}

// DemoInput builds a self-contained synthetic change for `mergegate run`.
func DemoInput(orgID, repository, branch string) *Input {
	diff := []byte(`--- a/handlers/user.go
+++ b/handlers/user.go
@@ -10,3 +10,6 @@
+	query := "SELECT * FROM users WHERE id = " + userID
+	rows, err := db.Query(query)
+	log.Printf("queried user %s", userID)
`)
	return &Input{
		OrgID:       orgID,
		Repository:  repository,
		Branch:      branch,
		TriggerType: model.TriggerDemo,
		Diff:        diff,
		Files: map[string][]byte{
			"handlers/user.go": diff,
		},
		DocContent: []byte("# API\n\n## GET /users/{id}\nReturns a user.\n"),
	}
}

type demoReview struct{}

func (demoReview) Name() model.StageName { return model.StageReviewGuard }

// Run flags string-concatenated SQL in the diff. Marker-based so the
// demo is deterministic for a fixed input.
func (demoReview) Run(_ context.Context, in *Input) (model.StageSummary, error) {
	var findings []model.Finding
	if bytes.Contains(in.Diff, []byte(`" + `)) && bytes.Contains(bytes.ToUpper(in.Diff), []byte("SELECT")) {
		findings = append(findings, model.Finding{
			RuleID:     "security.sql-injection",
			Severity:   model.SevCritical,
			File:       demoFile(in),
			Line:       11,
			Message:    "SQL query built by string concatenation with user input",
			Confidence: 0.95,
		})
	}
	if bytes.Contains(in.Diff, []byte("log.Printf")) {
		findings = append(findings, model.Finding{
			RuleID:     "quality.log-user-data",
			Severity:   model.SevMedium,
			File:       demoFile(in),
			Line:       13,
			Message:    "user-controlled value written to logs",
			Confidence: 0.7,
		})
	}
	return model.ReviewResult{Findings: findings}, nil
}

type demoTest struct{}

func (demoTest) Name() model.StageName { return model.StageTestEngine }

func (demoTest) Run(_ context.Context, in *Input) (model.StageSummary, error) {
	// One generated test per changed file; coverage is a fixed
	// synthetic figure.
	return model.TestResult{
		GeneratedTests:  len(in.Files),
		CoveragePercent: 72.5,
	}, nil
}

type demoDoc struct{}

func (demoDoc) Name() model.StageName { return model.StageDocSync }

// Run reports drift when an endpoint in the diff is missing from the
// docs. The demo diff touches no new endpoints, so this normally
// reports no drift.
func (demoDoc) Run(_ context.Context, in *Input) (model.StageSummary, error) {
	var missing []string
	for _, line := range strings.Split(string(in.Diff), "\n") {
		if !strings.HasPrefix(line, "+") {
			continue
		}
		if idx := strings.Index(line, "HandleFunc(\""); idx >= 0 {
			rest := line[idx+len("HandleFunc(\""):]
			if end := strings.Index(rest, "\""); end > 0 {
				endpoint := rest[:end]
				if !strings.Contains(string(in.DocContent), endpoint) {
					missing = append(missing, endpoint)
				}
			}
		}
	}
	return model.DocResult{
		Drift:            len(missing) > 0,
		MissingEndpoints: missing,
	}, nil
}

func demoFile(in *Input) string {
	for f := range in.Files {
		return f
	}
	return "unknown"
}

// ToolVersions returns the component versions recorded in demo
// evidence bundles.
func ToolVersions(version string) map[string]string {
	return map[string]string{
		"mergegate":    version,
		"review_guard": fmt.Sprintf("demo-%s", version),
		"test_engine":  fmt.Sprintf("demo-%s", version),
		"doc_sync":     fmt.Sprintf("demo-%s", version),
	}
}
