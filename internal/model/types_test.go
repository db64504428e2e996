package model

import (
	"testing"
	"time"
)

func TestParseSeverity(t *testing.T) {
	cases := []struct {
		in      string
		want    Severity
		wantErr bool
	}{
		{"critical", SevCritical, false},
		{"HIGH", SevHigh, false},
		{"Medium", SevMedium, false},
		{"low", SevLow, false},
		{"catastrophic", "", true},
		{"", "", true},
	}
	for _, tc := range cases {
		got, err := ParseSeverity(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseSeverity(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("ParseSeverity(%q): expected %s, got %s (%v)", tc.in, tc.want, got, err)
		}
	}
}

func TestParseActionFailClosed(t *testing.T) {
	for _, ok := range []string{"block", "warn", "allow"} {
		if _, err := ParseAction(ok); err != nil {
			t.Errorf("ParseAction(%q): unexpected error %v", ok, err)
		}
	}
	for _, bad := range []string{"", "deny", "BLOCK"} {
		if _, err := ParseAction(bad); err == nil {
			t.Errorf("ParseAction(%q): expected error", bad)
		}
	}
}

func TestSeverityRankOrdering(t *testing.T) {
	if !(SeverityRank[SevCritical] > SeverityRank[SevHigh] &&
		SeverityRank[SevHigh] > SeverityRank[SevMedium] &&
		SeverityRank[SevMedium] > SeverityRank[SevLow]) {
		t.Error("expected strict critical > high > medium > low ordering")
	}
}

func TestNewRunStartsPending(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := NewRun("run-1", "org-1", "repo-1", "main", TriggerPullRequest, now)

	if r.Status != RunRunning || r.Terminal() {
		t.Errorf("expected new run running and non-terminal, got %s", r.Status)
	}
	for _, name := range StageOrder() {
		if st := r.Stage(name); st.Status != StagePending {
			t.Errorf("stage %s: expected pending, got %s", name, st.Status)
		}
	}

	r.Status = RunCompleted
	if !r.Terminal() {
		t.Error("expected completed run to be terminal")
	}
}

func TestGateFailureSemantics(t *testing.T) {
	blocked := ReviewResult{Evaluation: EvaluationResult{Blocked: true, BlockingReason: "blocked by 1 finding(s)"}}
	if blocked.GateFailure() == "" {
		t.Error("expected blocked review to fail its gate")
	}
	if (ReviewResult{}).GateFailure() != "" {
		t.Error("expected clean review to pass its gate")
	}

	if (TestResult{Findings: []Finding{{RuleID: "x"}}}).GateFailure() != "" {
		t.Error("expected test stage to carry no gate")
	}

	if (DocResult{Drift: true}).GateFailure() != "" {
		t.Error("expected drift without missing endpoints to pass the gate")
	}
	if (DocResult{Drift: true, MissingEndpoints: []string{"/x"}}).GateFailure() == "" {
		t.Error("expected drift with missing endpoints to fail the gate")
	}
}
