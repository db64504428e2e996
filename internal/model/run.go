package model

import "time"

// StageName identifies one gating phase of a pipeline run.
type StageName string

const (
	StageReviewGuard StageName = "review_guard"
	StageTestEngine  StageName = "test_engine"
	StageDocSync     StageName = "doc_sync"
)

// StageOrder is the fixed execution order. Stages run sequentially;
// a failure in one never aborts the ones after it.
func StageOrder() []StageName {
	return []StageName{StageReviewGuard, StageTestEngine, StageDocSync}
}

// StageStatus is the lifecycle state of a single stage within a run.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// RunStatus is the lifecycle state of a whole run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Conclusion is the terminal aggregate verdict of a run.
type Conclusion string

const (
	ConclusionSuccess        Conclusion = "success"
	ConclusionFailure        Conclusion = "failure"
	ConclusionPartialSuccess Conclusion = "partial_success"
)

// Trigger types for a run.
const (
	TriggerPullRequest = "pull_request"
	TriggerManual      = "manual"
	TriggerDemo        = "demo"
)

// StageState records the outcome of one stage within a run.
// Summary holds the marshaled stage result (see stage.go); Error holds
// the runner error message when Status is failed.
type StageState struct {
	Status      StageStatus `json:"status"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Summary     []byte      `json:"summary,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// Run is one execution of the gating pipeline for one change.
// Created in running state; mutated stage-by-stage by the orchestrator;
// becomes terminal exactly once.
type Run struct {
	ID          string                     `json:"id"`
	OrgID       string                     `json:"org_id"`
	Repository  string                     `json:"repository"`
	Branch      string                     `json:"branch"`
	TriggerType string                     `json:"trigger_type"`
	Stages      map[StageName]*StageState  `json:"stages"`
	GatesFailed []string                   `json:"gates_failed"`
	GatesPassed bool                       `json:"gates_passed"`
	Status      RunStatus                  `json:"status"`
	Conclusion  Conclusion                 `json:"conclusion,omitempty"`
	CreatedAt   time.Time                  `json:"created_at"`
	UpdatedAt   time.Time                  `json:"updated_at"`
}

// NewRun creates a run in running state with every stage pending.
func NewRun(id, orgID, repository, branch, trigger string, now time.Time) *Run {
	stages := make(map[StageName]*StageState, len(StageOrder()))
	for _, name := range StageOrder() {
		stages[name] = &StageState{Status: StagePending}
	}
	return &Run{
		ID:          id,
		OrgID:       orgID,
		Repository:  repository,
		Branch:      branch,
		TriggerType: trigger,
		Stages:      stages,
		GatesFailed: []string{},
		Status:      RunRunning,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Stage returns the state for the named stage, creating it if absent.
func (r *Run) Stage(name StageName) *StageState {
	st, ok := r.Stages[name]
	if !ok {
		st = &StageState{Status: StagePending}
		r.Stages[name] = st
	}
	return st
}

// Terminal reports whether the run has reached its final status.
func (r *Run) Terminal() bool {
	return r.Status == RunCompleted || r.Status == RunFailed
}
