package run

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mergegate/mergegate/internal/evidence"
	"github.com/mergegate/mergegate/internal/model"
	"github.com/mergegate/mergegate/internal/outbox"
	"github.com/mergegate/mergegate/internal/policy"
	"github.com/mergegate/mergegate/internal/store"
	"github.com/mergegate/mergegate/internal/waiver"
)

// fixedRunner returns a canned summary or error.
type fixedRunner struct {
	name model.StageName
	sum  model.StageSummary
	err  error
}

func (r fixedRunner) Name() model.StageName { return r.name }

func (r fixedRunner) Run(_ context.Context, _ *Input) (model.StageSummary, error) {
	return r.sum, r.err
}

// captureNotifier records every delivered notification.
type captureNotifier struct {
	mu       sync.Mutex
	payloads []outbox.Notification
}

func (c *captureNotifier) Deliver(_ context.Context, payload []byte) error {
	var n outbox.Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, n)
	return nil
}

type testEnv struct {
	orch      *Orchestrator
	store     *store.Store
	outbox    *outbox.Outbox
	notifier  *captureNotifier
	chainPath string
}

func newTestEnv(t *testing.T, runners ...StageRunner) *testEnv {
	t.Helper()

	s, err := store.Open(store.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	orgPol := &policy.Policy{Version: "1.0.0", Scope: policy.ScopeOrg, Rules: []policy.Rule{
		{ID: "security.*", Actions: map[model.Severity]model.RuleAction{
			model.SevCritical: model.ActionBlock,
			model.SevHigh:     model.ActionBlock,
		}},
		{ID: "quality.*", Actions: map[model.Severity]model.RuleAction{
			model.SevMedium: model.ActionWarn,
		}},
	}}
	if err := s.PutPolicy(context.Background(), "org-1", "", orgPol, time.Now()); err != nil {
		t.Fatalf("seed policy: %v", err)
	}

	chainPath := filepath.Join(t.TempDir(), "evidence.jsonl")
	chain, err := evidence.Open(chainPath)
	if err != nil {
		t.Fatalf("open chain: %v", err)
	}
	t.Cleanup(func() { chain.Close() })

	notifier := &captureNotifier{}
	ob, err := outbox.New(outbox.Config{Store: s, Notifier: notifier})
	if err != nil {
		t.Fatalf("new outbox: %v", err)
	}

	orch, err := New(Config{
		Store:        s,
		Chain:        chain,
		Outbox:       ob,
		Runners:      runners,
		ToolVersions: map[string]string{"mergegate": "test"},
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}

	return &testEnv{orch: orch, store: s, outbox: ob, notifier: notifier, chainPath: chainPath}
}

func fullInput() *Input {
	return &Input{
		OrgID:       "org-1",
		Repository:  "repo-1",
		Branch:      "main",
		TriggerType: model.TriggerPullRequest,
		Diff:        []byte("--- a/x.go\n+++ b/x.go\n"),
		Files:       map[string][]byte{"x.go": []byte("package x\n")},
		DocContent:  []byte("# API\n"),
	}
}

func cleanRunners() []StageRunner {
	return []StageRunner{
		fixedRunner{name: model.StageReviewGuard, sum: model.ReviewResult{}},
		fixedRunner{name: model.StageTestEngine, sum: model.TestResult{GeneratedTests: 3, CoveragePercent: 81.0}},
		fixedRunner{name: model.StageDocSync, sum: model.DocResult{}},
	}
}

func TestCleanRunSucceeds(t *testing.T) {
	env := newTestEnv(t, cleanRunners()...)

	r, err := env.orch.Execute(context.Background(), fullInput())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if r.Status != model.RunCompleted || r.Conclusion != model.ConclusionSuccess {
		t.Errorf("expected completed/success, got %s/%s", r.Status, r.Conclusion)
	}
	if !r.GatesPassed || len(r.GatesFailed) != 0 {
		t.Errorf("expected all gates passed, got %v", r.GatesFailed)
	}
	for _, name := range model.StageOrder() {
		if st := r.Stage(name); st.Status != model.StageSucceeded {
			t.Errorf("stage %s: expected succeeded, got %s", name, st.Status)
		}
	}

	stored, err := env.store.GetRun(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if stored == nil || !stored.Terminal() {
		t.Errorf("expected run persisted terminally, got %+v", stored)
	}
}

func TestStageFailureIsolated(t *testing.T) {
	env := newTestEnv(t,
		fixedRunner{name: model.StageReviewGuard, err: errors.New("analyzer crashed")},
		fixedRunner{name: model.StageTestEngine, sum: model.TestResult{GeneratedTests: 1}},
		fixedRunner{name: model.StageDocSync, sum: model.DocResult{}},
	)

	r, err := env.orch.Execute(context.Background(), fullInput())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if st := r.Stage(model.StageReviewGuard); st.Status != model.StageFailed || st.Error != "analyzer crashed" {
		t.Errorf("expected review failed with error, got %s %q", st.Status, st.Error)
	}
	// The remaining stages still ran.
	if st := r.Stage(model.StageTestEngine); st.Status != model.StageSucceeded {
		t.Errorf("expected test stage to still run, got %s", st.Status)
	}
	if st := r.Stage(model.StageDocSync); st.Status != model.StageSucceeded {
		t.Errorf("expected doc stage to still run, got %s", st.Status)
	}

	if r.Status != model.RunFailed || r.Conclusion != model.ConclusionFailure {
		t.Errorf("expected failed/failure, got %s/%s", r.Status, r.Conclusion)
	}
	if len(r.GatesFailed) != 1 || r.GatesFailed[0] != "review_guard: stage error: analyzer crashed" {
		t.Errorf("unexpected failed gates: %v", r.GatesFailed)
	}
}

func TestBlockingFindingFailsGate(t *testing.T) {
	env := newTestEnv(t,
		fixedRunner{name: model.StageReviewGuard, sum: model.ReviewResult{Findings: []model.Finding{{
			RuleID:     "security.sql-injection",
			Severity:   model.SevCritical,
			File:       "db.go",
			Confidence: 0.95,
		}}}},
		fixedRunner{name: model.StageTestEngine, sum: model.TestResult{}},
		fixedRunner{name: model.StageDocSync, sum: model.DocResult{}},
	)

	r, err := env.orch.Execute(context.Background(), fullInput())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if r.Conclusion != model.ConclusionFailure {
		t.Errorf("expected failure, got %s", r.Conclusion)
	}
	if len(r.GatesFailed) != 1 || !strings.HasPrefix(r.GatesFailed[0], "review_guard: blocked by") {
		t.Errorf("unexpected failed gates: %v", r.GatesFailed)
	}

	// The verdict travels in the persisted stage summary.
	var rr model.ReviewResult
	if err := json.Unmarshal(r.Stage(model.StageReviewGuard).Summary, &rr); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if !rr.Evaluation.Blocked || rr.Evaluation.Score != 80 {
		t.Errorf("expected blocked with score 80, got %+v", rr.Evaluation)
	}
}

func TestWarnOnlyRunIsPartialSuccess(t *testing.T) {
	env := newTestEnv(t,
		fixedRunner{name: model.StageReviewGuard, sum: model.ReviewResult{Findings: []model.Finding{{
			RuleID:     "quality.log-user-data",
			Severity:   model.SevMedium,
			File:       "log.go",
			Confidence: 0.7,
		}}}},
		fixedRunner{name: model.StageTestEngine, sum: model.TestResult{}},
		fixedRunner{name: model.StageDocSync, sum: model.DocResult{}},
	)

	r, err := env.orch.Execute(context.Background(), fullInput())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if r.Status != model.RunCompleted || r.Conclusion != model.ConclusionPartialSuccess {
		t.Errorf("expected completed/partial_success, got %s/%s", r.Status, r.Conclusion)
	}
	if !r.GatesPassed {
		t.Errorf("expected gates passed for warn-only run, got %v", r.GatesFailed)
	}
}

func TestSkippedReviewIsPartialSuccess(t *testing.T) {
	env := newTestEnv(t, cleanRunners()...)

	in := fullInput()
	in.Diff = nil // review has nothing to analyze

	r, err := env.orch.Execute(context.Background(), in)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if st := r.Stage(model.StageReviewGuard); st.Status != model.StageSkipped {
		t.Errorf("expected review skipped, got %s", st.Status)
	}
	if r.Conclusion != model.ConclusionPartialSuccess {
		t.Errorf("expected partial_success without a review verdict, got %s", r.Conclusion)
	}
}

func TestDisabledStageSkippedCleanly(t *testing.T) {
	env := newTestEnv(t, cleanRunners()...)

	in := fullInput()
	in.Disabled = map[model.StageName]bool{model.StageTestEngine: true}

	r, err := env.orch.Execute(context.Background(), in)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if st := r.Stage(model.StageTestEngine); st.Status != model.StageSkipped {
		t.Errorf("expected test stage skipped, got %s", st.Status)
	}
	// Only a missing review verdict makes runs inconclusive.
	if r.Conclusion != model.ConclusionSuccess {
		t.Errorf("expected success with test stage disabled, got %s", r.Conclusion)
	}
}

func TestDocDriftWithMissingEndpointsFailsGate(t *testing.T) {
	env := newTestEnv(t,
		fixedRunner{name: model.StageReviewGuard, sum: model.ReviewResult{}},
		fixedRunner{name: model.StageTestEngine, sum: model.TestResult{}},
		fixedRunner{name: model.StageDocSync, sum: model.DocResult{
			Drift:            true,
			MissingEndpoints: []string{"/users/{id}/avatar"},
		}},
	)

	r, err := env.orch.Execute(context.Background(), fullInput())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if r.Conclusion != model.ConclusionFailure {
		t.Errorf("expected failure for undocumented endpoints, got %s", r.Conclusion)
	}
	if len(r.GatesFailed) != 1 || !strings.HasPrefix(r.GatesFailed[0], "doc_sync:") {
		t.Errorf("unexpected failed gates: %v", r.GatesFailed)
	}
}

func TestDocDriftWithoutMissingEndpointsIsPartial(t *testing.T) {
	env := newTestEnv(t,
		fixedRunner{name: model.StageReviewGuard, sum: model.ReviewResult{}},
		fixedRunner{name: model.StageTestEngine, sum: model.TestResult{}},
		fixedRunner{name: model.StageDocSync, sum: model.DocResult{Drift: true}},
	)

	r, err := env.orch.Execute(context.Background(), fullInput())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if r.Conclusion != model.ConclusionPartialSuccess {
		t.Errorf("expected partial_success for drift-only signal, got %s", r.Conclusion)
	}
	if !r.GatesPassed {
		t.Errorf("expected gates passed, got %v", r.GatesFailed)
	}
}

func TestMissingPolicyFailsRun(t *testing.T) {
	env := newTestEnv(t, cleanRunners()...)

	in := fullInput()
	in.OrgID = "org-without-policy"

	r, err := env.orch.Execute(context.Background(), in)
	if err == nil {
		t.Fatal("expected missing policy to be an error")
	}
	if r.Status != model.RunFailed || r.Conclusion != model.ConclusionFailure {
		t.Errorf("expected failed/failure, got %s/%s", r.Status, r.Conclusion)
	}
	if len(r.GatesFailed) != 1 || !strings.HasPrefix(r.GatesFailed[0], "policy:") {
		t.Errorf("expected policy gate failure, got %v", r.GatesFailed)
	}
	// No stage may have run against a missing policy.
	for _, name := range model.StageOrder() {
		if st := r.Stage(name); st.Status != model.StagePending {
			t.Errorf("stage %s: expected pending, got %s", name, st.Status)
		}
	}
}

func TestWaiverSuppressesBlock(t *testing.T) {
	env := newTestEnv(t,
		fixedRunner{name: model.StageReviewGuard, sum: model.ReviewResult{Findings: []model.Finding{{
			RuleID:     "security.sql-injection",
			Severity:   model.SevCritical,
			File:       "legacy/db.go",
			Confidence: 0.95,
		}}}},
		fixedRunner{name: model.StageTestEngine, sum: model.TestResult{}},
		fixedRunner{name: model.StageDocSync, sum: model.DocResult{}},
	)

	if err := env.store.PutWaiver(context.Background(), &waiver.Waiver{
		ID:         "w-1",
		OrgID:      "org-1",
		RepoID:     "repo-1",
		RuleID:     "security.sql-injection",
		Scope:      waiver.ScopePath,
		ScopeValue: "legacy/**",
		Reason:     "migration tracked in MG-104",
		ApprovedBy: "security-team",
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		t.Fatalf("put waiver: %v", err)
	}

	r, err := env.orch.Execute(context.Background(), fullInput())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if r.Conclusion != model.ConclusionSuccess {
		t.Errorf("expected waived finding to yield success, got %s", r.Conclusion)
	}

	var rr model.ReviewResult
	if err := json.Unmarshal(r.Stage(model.StageReviewGuard).Summary, &rr); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if len(rr.Evaluation.WaivedFindings) != 1 {
		t.Errorf("expected 1 waived finding in evaluation, got %d", len(rr.Evaluation.WaivedFindings))
	}
	if rr.Evaluation.Blocked {
		t.Error("expected waived run not blocked")
	}
}

func TestEvidenceRecordedPerStage(t *testing.T) {
	env := newTestEnv(t, cleanRunners()...)

	r, err := env.orch.Execute(context.Background(), fullInput())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	result := evidence.Verify(env.chainPath)
	if !result.Valid {
		t.Fatalf("expected valid chain: %s", result.Error)
	}
	if result.Lines != 3 {
		t.Fatalf("expected one bundle per stage, got %d lines", result.Lines)
	}

	entries, err := evidence.ReadAll(env.chainPath)
	if err != nil {
		t.Fatalf("read chain: %v", err)
	}
	wantHash := map[model.StageName]string{
		model.StageReviewGuard: "diff",
		model.StageTestEngine:  "file_list",
		model.StageDocSync:     "document",
	}
	for i, name := range model.StageOrder() {
		b := entries[i].Bundle
		if b == nil || b.Stage != name || b.RunID != r.ID {
			t.Fatalf("entry %d: expected bundle for stage %s of run %s, got %+v", i, name, r.ID, b)
		}
		if _, ok := b.InputHashes[wantHash[name]]; !ok {
			t.Errorf("stage %s: expected %s input hash, got %v", name, wantHash[name], b.InputHashes)
		}
		if b.PolicyChecksum == "" {
			t.Errorf("stage %s: expected policy checksum on bundle", name)
		}
	}
}

func TestEveryTransitionNotified(t *testing.T) {
	env := newTestEnv(t, cleanRunners()...)

	r, err := env.orch.Execute(context.Background(), fullInput())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if _, err := env.outbox.ProcessPending(context.Background(), 100); err != nil {
		t.Fatalf("process pending: %v", err)
	}

	// 3 stages x (running + succeeded) plus the terminal run notice.
	if len(env.notifier.payloads) != 7 {
		t.Fatalf("expected 7 notifications, got %d", len(env.notifier.payloads))
	}

	tokens := make(map[string]bool)
	var terminal *outbox.Notification
	for i := range env.notifier.payloads {
		n := &env.notifier.payloads[i]
		if n.RunID != r.ID {
			t.Errorf("notification for wrong run: %s", n.RunID)
		}
		if n.IdempotencyToken == "" {
			t.Error("expected every notification to carry an idempotency token")
		}
		tokens[n.IdempotencyToken] = true
		if n.Stage == "" {
			terminal = n
		}
	}
	if len(tokens) != 7 {
		t.Errorf("expected 7 distinct idempotency tokens, got %d", len(tokens))
	}
	if terminal == nil {
		t.Fatal("expected a terminal run-level notification")
	}
	if terminal.Status != string(model.RunCompleted) || terminal.Conclusion != model.ConclusionSuccess {
		t.Errorf("unexpected terminal notification: %+v", terminal)
	}
}

func TestDemoPipelineBlocksInjectedQuery(t *testing.T) {
	env := newTestEnv(t, DemoRunners()...)

	r, err := env.orch.Execute(context.Background(), DemoInput("org-1", "repo-1", "main"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if r.Conclusion != model.ConclusionFailure {
		t.Errorf("expected demo change to be blocked, got %s", r.Conclusion)
	}

	var rr model.ReviewResult
	if err := json.Unmarshal(r.Stage(model.StageReviewGuard).Summary, &rr); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if !rr.Evaluation.Blocked {
		t.Error("expected demo review blocked")
	}
	if rr.Evaluation.Score != 75 {
		t.Errorf("expected score 75 (critical 20 + medium 5), got %d", rr.Evaluation.Score)
	}
}
