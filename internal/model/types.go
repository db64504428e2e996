package model

import (
	"fmt"
	"strings"
)

// Severity classifies how serious a finding is.
type Severity string

const (
	SevCritical Severity = "critical"
	SevHigh     Severity = "high"
	SevMedium   Severity = "medium"
	SevLow      Severity = "low"
)

// SeverityRank maps severity to a comparable integer. Higher = worse.
var SeverityRank = map[Severity]int{
	SevLow:      0,
	SevMedium:   1,
	SevHigh:     2,
	SevCritical: 3,
}

// ParseSeverity validates a severity string. Unknown severities are an
// input error, never coerced to a default.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(s))
	if _, ok := SeverityRank[sev]; !ok {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// RuleAction is what a policy rule does when a finding matches.
type RuleAction string

const (
	ActionBlock RuleAction = "block"
	ActionWarn  RuleAction = "warn"
	ActionAllow RuleAction = "allow"
)

// ParseAction validates an action string. Fail-closed: an action the
// evaluator does not recognize is rejected, not silently allowed.
func ParseAction(s string) (RuleAction, error) {
	switch RuleAction(s) {
	case ActionBlock, ActionWarn, ActionAllow:
		return RuleAction(s), nil
	default:
		return "", fmt.Errorf("unknown rule action %q", s)
	}
}

// Finding is one detected issue reported by a stage runner.
// Immutable once created; consumed only by the decision engine.
type Finding struct {
	RuleID       string   `json:"rule_id"`
	Severity     Severity `json:"severity"`
	File         string   `json:"file"`
	Line         int      `json:"line"`
	Column       int      `json:"column,omitempty"`
	Message      string   `json:"message"`
	SuggestedFix string   `json:"suggested_fix,omitempty"`
	Confidence   float64  `json:"confidence"`
}

// Validate rejects malformed findings before evaluation.
func (f Finding) Validate() error {
	if f.RuleID == "" {
		return fmt.Errorf("finding has empty rule_id")
	}
	if _, ok := SeverityRank[f.Severity]; !ok {
		return fmt.Errorf("finding %s: unknown severity %q", f.RuleID, f.Severity)
	}
	if f.Confidence < 0 || f.Confidence > 1 {
		return fmt.Errorf("finding %s: confidence %v out of range [0,1]", f.RuleID, f.Confidence)
	}
	return nil
}

// EvaluationResult is the deterministic output of one decision engine run.
// All fields are a pure function of (findings, effective policy, waivers
// at the evaluation instant).
type EvaluationResult struct {
	Blocked           bool      `json:"blocked"`
	BlockingReason    string    `json:"blocking_reason,omitempty"`
	Score             int       `json:"score"`
	RulesFired        []string  `json:"rules_fired"`
	WaivedFindings    []Finding `json:"waived_findings"`
	NonWaivedFindings []Finding `json:"non_waived_findings"`
}
