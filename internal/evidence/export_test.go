package evidence

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/mergegate/mergegate/internal/model"
	"github.com/mergegate/mergegate/internal/policy"
)

func TestProduceHashesOnlyPresentInputs(t *testing.T) {
	b := Produce(Params{
		RunID: "run-1",
		Stage: model.StageReviewGuard,
		Input: Input{Diff: []byte("diff content")},
		Now:   time.Now(),
	})

	if _, ok := b.InputHashes["diff"]; !ok {
		t.Error("expected diff hash")
	}
	if _, ok := b.InputHashes["file_list"]; ok {
		t.Error("expected no file_list hash without files")
	}
	if _, ok := b.InputHashes["document"]; ok {
		t.Error("expected no document hash without content")
	}
	if !strings.HasPrefix(b.InputHashes["diff"], "blake3:") {
		t.Errorf("expected blake3: prefix, got %s", b.InputHashes["diff"])
	}
}

func TestFileListHashOrderIndependent(t *testing.T) {
	now := time.Now()
	a := Produce(Params{RunID: "r", Stage: model.StageTestEngine,
		Input: Input{Files: []string{"b.go", "a.go", "c.go"}}, Now: now})
	b := Produce(Params{RunID: "r", Stage: model.StageTestEngine,
		Input: Input{Files: []string{"c.go", "b.go", "a.go"}}, Now: now})

	if a.InputHashes["file_list"] != b.InputHashes["file_list"] {
		t.Error("expected file list hash to be independent of input order")
	}
}

func TestDomainSeparation(t *testing.T) {
	data := []byte("same bytes")
	if HashDiff(data) == HashDocument(data) {
		t.Error("expected diff and document domains to hash differently")
	}
	if HashDiff(data) == HashFileList(data) {
		t.Error("expected diff and file list domains to hash differently")
	}
}

func TestExportDeterministic(t *testing.T) {
	b := &Bundle{
		ID:    "b-1",
		RunID: "run-1",
		Stage: model.StageReviewGuard,
		InputHashes: map[string]string{
			"diff": "blake3:aa", "document": "blake3:bb", "file_list": "blake3:cc",
		},
		Evaluation: model.EvaluationResult{
			Blocked:        true,
			BlockingReason: "blocked by 1 finding(s): security.sql-injection (critical) at db.go",
			Score:          80,
			RulesFired:     []string{"security.sql-injection"},
		},
		PolicyChecksum: "sha256:abc",
		ToolVersions:   map[string]string{"mergegate": "0.3.0", "analyzer": "1.2.0"},
		TimingsMS:      map[string]int64{"review_guard": 120},
		CreatedAt:      "2025-06-01T12:00:00.000Z",
	}

	first, err := Export(b, nil)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := Export(b, nil)
		if err != nil {
			t.Fatalf("export: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatal("expected byte-identical export for identical bundle")
		}
	}

	out := string(first)
	for _, want := range []string{
		`"format_version": 1`,
		`"bundle_id": "b-1"`,
		`"deterministic_score": 80`,
		`"blocked": true`,
		`"created_at": "2025-06-01T12:00:00.000Z"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected export to contain %s", want)
		}
	}
}

func TestExportRejectsChecksumDrift(t *testing.T) {
	b := &Bundle{ID: "b-1", RunID: "run-1", Stage: model.StageReviewGuard,
		PolicyChecksum: "sha256:old"}

	ep, err := policy.Merge("org-1", "", &policy.Policy{Version: "2.0.0", Scope: policy.ScopeOrg}, nil)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}

	if _, err := Export(b, ep); err == nil {
		t.Error("expected export to fail when resolved policy checksum differs")
	}
}

func TestExportCarriesPolicyVersions(t *testing.T) {
	ep, err := policy.Merge("org-1", "repo-1",
		&policy.Policy{Version: "1.0.0", Scope: policy.ScopeOrg},
		&policy.Policy{Version: "1.1.0", Scope: policy.ScopeRepo})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	b := &Bundle{ID: "b-1", RunID: "run-1", Stage: model.StageReviewGuard,
		PolicyChecksum: ep.Checksum}

	out, err := Export(b, ep)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(string(out), `"policy_org_version": "1.0.0"`) {
		t.Error("expected org version in export")
	}
	if !strings.Contains(string(out), `"policy_repo_version": "1.1.0"`) {
		t.Error("expected repo version in export")
	}
}
