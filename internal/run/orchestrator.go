package run

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/mergegate/mergegate/internal/evidence"
	"github.com/mergegate/mergegate/internal/model"
	"github.com/mergegate/mergegate/internal/outbox"
	"github.com/mergegate/mergegate/internal/policy"
	"github.com/mergegate/mergegate/internal/store"
	"github.com/mergegate/mergegate/internal/waiver"
)

// Config holds the orchestrator dependencies.
type Config struct {
	Store   *store.Store
	Chain   *evidence.Chain
	Outbox  *outbox.Outbox
	Runners []StageRunner
	Logger  *slog.Logger

	// ToolVersions is recorded in every evidence bundle.
	ToolVersions map[string]string

	// Now supplies timestamps; defaults to time.Now.
	Now func() time.Time
}

// Orchestrator executes runs. One run's stages execute sequentially;
// independent runs execute fully in parallel — the only shared state
// is the record store, and only the owning invocation mutates a run's
// row. Once a run starts, stages go to completion or failure; there is
// no mid-stage abort.
type Orchestrator struct {
	store        *store.Store
	chain        *evidence.Chain
	outbox       *outbox.Outbox
	runners      map[model.StageName]StageRunner
	logger       *slog.Logger
	toolVersions map[string]string
	now          func() time.Time
}

// New creates an orchestrator. Store, Chain, and Outbox are required.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil || cfg.Chain == nil || cfg.Outbox == nil {
		return nil, fmt.Errorf("run: Store, Chain, and Outbox are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	runners := make(map[model.StageName]StageRunner, len(cfg.Runners))
	for _, r := range cfg.Runners {
		runners[r.Name()] = r
	}
	return &Orchestrator{
		store:        cfg.Store,
		chain:        cfg.Chain,
		outbox:       cfg.Outbox,
		runners:      runners,
		logger:       logger,
		toolVersions: cfg.ToolVersions,
		now:          now,
	}, nil
}

// Execute runs every non-skipped stage in fixed order, computes the
// aggregate verdict, and persists the run terminally exactly once.
// A single stage's internal failure degrades, never aborts, the run.
//
// A missing effective policy is fatal: it indicates a provisioning bug
// upstream, and the run is marked failed rather than evaluated against
// a default-allow policy.
func (o *Orchestrator) Execute(ctx context.Context, in *Input) (*model.Run, error) {
	now := o.now()
	run := model.NewRun(uuid.NewString(), in.OrgID, in.Repository, in.Branch, in.TriggerType, now)
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	o.logger.Info("run started",
		"run", run.ID,
		"repo", in.Repository,
		"branch", in.Branch,
		"trigger", in.TriggerType,
	)

	ep, err := policy.LoadEffective(ctx, o.store, in.OrgID, in.Repository)
	if err != nil {
		run.Status = model.RunFailed
		run.Conclusion = model.ConclusionFailure
		run.GatesFailed = []string{fmt.Sprintf("policy: %v", err)}
		run.UpdatedAt = o.now()
		if uerr := o.store.UpdateRun(ctx, run); uerr != nil {
			o.logger.Error("run update failed", "run", run.ID, "error", uerr)
		}
		return run, fmt.Errorf("run %s: %w", run.ID, err)
	}

	waiverRows, err := o.store.Waivers(ctx, in.OrgID, in.Repository)
	if err != nil {
		return run, err
	}
	waivers := waiver.NewSet(waiverRows)

	inconclusive := false
	for _, name := range model.StageOrder() {
		o.executeStage(ctx, run, in, name, ep, waivers, &inconclusive)
	}

	o.aggregate(run, inconclusive)
	run.UpdatedAt = o.now()
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return run, err
	}

	o.notify(ctx, run, "", string(run.Status), run.Conclusion, o.gatesDetails(run))

	o.logger.Info("run finished",
		"run", run.ID,
		"status", run.Status,
		"conclusion", run.Conclusion,
		"gates_passed", run.GatesPassed,
	)
	return run, nil
}

// executeStage drives one stage through its lifecycle and records its
// evidence bundle. Runner errors are captured on the stage so the run
// carries on; bookkeeping errors are logged inside persistStage.
func (o *Orchestrator) executeStage(ctx context.Context, run *model.Run, in *Input, name model.StageName, ep *policy.EffectivePolicy, waivers *waiver.Set, inconclusive *bool) {
	st := run.Stage(name)
	runner, ok := o.runners[name]

	if !ok || in.Disabled[name] || !hasRequiredInput(name, in) {
		st.Status = model.StageSkipped
		if name == model.StageReviewGuard {
			// No review verdict means the gates never definitively passed.
			*inconclusive = true
		}
		o.persistStage(ctx, run)
		o.notify(ctx, run, name, string(model.StageSkipped), "", nil)
		return
	}

	started := o.now()
	st.Status = model.StageRunning
	st.StartedAt = &started
	o.persistStage(ctx, run)
	o.notify(ctx, run, name, string(model.StageRunning), "", nil)

	sum, runErr := runner.Run(ctx, in)
	completed := o.now()
	st.CompletedAt = &completed

	if runErr == nil {
		sum, runErr = o.recordEvidence(run, in, name, sum, ep, waivers, started, completed)
	}

	if runErr != nil {
		st.Status = model.StageFailed
		st.Error = runErr.Error()
		o.logger.Warn("stage failed", "run", run.ID, "stage", name, "error", runErr)
		o.persistStage(ctx, run)
		o.notify(ctx, run, name, string(model.StageFailed), "", nil)
		return
	}

	if data, err := json.Marshal(sum); err == nil {
		st.Summary = data
	}
	st.Status = model.StageSucceeded

	switch s := sum.(type) {
	case model.ReviewResult:
		if !s.Evaluation.Blocked && len(s.Evaluation.RulesFired) > 0 {
			*inconclusive = true
		}
	case model.DocResult:
		if s.Drift && len(s.MissingEndpoints) == 0 {
			*inconclusive = true
		}
	}

	o.persistStage(ctx, run)
	o.notify(ctx, run, name, string(model.StageSucceeded), "", st.Summary)
}

// recordEvidence gates the stage's findings through the decision
// engine, fills the review summary with the verdict, and appends the
// stage's evidence bundle to the chain.
func (o *Orchestrator) recordEvidence(run *model.Run, in *Input, name model.StageName, sum model.StageSummary, ep *policy.EffectivePolicy, waivers *waiver.Set, started, completed time.Time) (model.StageSummary, error) {
	eval, err := policy.Evaluate(findingsOf(sum), ep, waivers, in.Branch, completed)
	if err != nil {
		return sum, fmt.Errorf("evaluate findings: %w", err)
	}
	if rr, ok := sum.(model.ReviewResult); ok {
		rr.Evaluation = eval
		sum = rr
	}

	bundle := evidence.Produce(evidence.Params{
		RunID:          run.ID,
		Stage:          name,
		Input:          o.stageInput(name, in),
		Evaluation:     eval,
		PolicyChecksum: ep.Checksum,
		ToolVersions:   o.toolVersions,
		TimingsMS: map[string]int64{
			string(name): completed.Sub(started).Milliseconds(),
		},
		Now: completed,
	})
	if err := o.chain.AppendBundle(bundle); err != nil {
		return sum, fmt.Errorf("append evidence: %w", err)
	}
	return sum, nil
}

// stageInput narrows the run input to what the stage consumed, so
// bundle hashes describe exactly the bytes that produced the decision.
func (o *Orchestrator) stageInput(name model.StageName, in *Input) evidence.Input {
	switch name {
	case model.StageReviewGuard:
		return evidence.Input{Diff: in.Diff}
	case model.StageTestEngine:
		files := make([]string, 0, len(in.Files))
		for f := range in.Files {
			files = append(files, f)
		}
		sort.Strings(files)
		return evidence.Input{Files: files}
	case model.StageDocSync:
		return evidence.Input{Document: in.DocContent}
	default:
		return evidence.Input{}
	}
}

// aggregate computes gates and the terminal conclusion.
//
// A stage that failed counts as a failed gate: its signal is missing,
// so the gate it guards cannot have passed. Conclusion boundaries:
// failure when any stage failed or any gate failed; partial_success
// when everything ran clean but the verdict was not definitive (review
// skipped, warn-level rules fired, or doc drift without missing
// endpoints); success otherwise.
func (o *Orchestrator) aggregate(run *model.Run, inconclusive bool) {
	run.GatesFailed = []string{}
	anyStageFailed := false
	for _, name := range model.StageOrder() {
		st := run.Stage(name)
		switch st.Status {
		case model.StageFailed:
			anyStageFailed = true
			run.GatesFailed = append(run.GatesFailed, fmt.Sprintf("%s: stage error: %s", name, st.Error))
		case model.StageSucceeded:
			if gf := gateFailureOf(name, st.Summary); gf != "" {
				run.GatesFailed = append(run.GatesFailed, gf)
			}
		}
	}
	run.GatesPassed = len(run.GatesFailed) == 0

	switch {
	case anyStageFailed || !run.GatesPassed:
		run.Conclusion = model.ConclusionFailure
		run.Status = model.RunFailed
	case inconclusive:
		run.Conclusion = model.ConclusionPartialSuccess
		run.Status = model.RunCompleted
	default:
		run.Conclusion = model.ConclusionSuccess
		run.Status = model.RunCompleted
	}
}

// gateFailureOf re-materializes the stage summary from its stored JSON
// and asks it whether its gate failed.
func gateFailureOf(name model.StageName, summary []byte) string {
	if len(summary) == 0 {
		return ""
	}
	switch name {
	case model.StageReviewGuard:
		var s model.ReviewResult
		if json.Unmarshal(summary, &s) == nil {
			return s.GateFailure()
		}
	case model.StageTestEngine:
		var s model.TestResult
		if json.Unmarshal(summary, &s) == nil {
			return s.GateFailure()
		}
	case model.StageDocSync:
		var s model.DocResult
		if json.Unmarshal(summary, &s) == nil {
			return s.GateFailure()
		}
	}
	return ""
}

func (o *Orchestrator) persistStage(ctx context.Context, run *model.Run) {
	run.UpdatedAt = o.now()
	if err := o.store.UpdateRun(ctx, run); err != nil {
		o.logger.Error("run update failed", "run", run.ID, "error", err)
	}
}

// notify enqueues one outbox intent for a status change. Enqueue
// failures are logged, not fatal — the run record itself remains the
// source of truth.
func (o *Orchestrator) notify(ctx context.Context, run *model.Run, stage model.StageName, status string, conclusion model.Conclusion, details []byte) {
	n := outbox.Notification{
		RunID:      run.ID,
		Repository: run.Repository,
		Stage:      stage,
		Status:     status,
		Conclusion: conclusion,
		Details:    details,
	}
	if _, err := o.outbox.CreateIntent(ctx, n, 0); err != nil {
		o.logger.Error("intent enqueue failed",
			"run", run.ID,
			"stage", stage,
			"status", status,
			"error", err,
		)
	}
}

func (o *Orchestrator) gatesDetails(run *model.Run) []byte {
	data, err := json.Marshal(struct {
		GatesPassed bool     `json:"gates_passed"`
		GatesFailed []string `json:"gates_failed"`
	}{run.GatesPassed, run.GatesFailed})
	if err != nil {
		return nil
	}
	return data
}
