package policy

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mergegate/mergegate/internal/model"
)

// WaiverChecker decides whether a finding is exempted at the evaluation
// instant. A nil checker means no waivers.
type WaiverChecker interface {
	IsWaived(f model.Finding, branch string, asOf time.Time) bool
}

// Evaluate runs the decision engine over a finding set.
//
// Evaluation order (must not be changed):
//  1. Input validation — malformed findings are an error, never allow
//  2. Waiver partition — policy-level unwaivable rules override waivers
//  3. Action resolution — exact rule, else wildcard, else allow
//  4. Verdict — blocked iff any non-waived finding resolves to block
//
// The function is pure: no clock reads beyond the asOf instant, no I/O.
// Identical inputs yield byte-for-byte identical results.
func Evaluate(findings []model.Finding, ep *EffectivePolicy, waivers WaiverChecker, branch string, asOf time.Time) (model.EvaluationResult, error) {
	if ep == nil {
		return model.EvaluationResult{}, ErrPolicyNotFound
	}
	for _, f := range findings {
		if err := f.Validate(); err != nil {
			return model.EvaluationResult{}, fmt.Errorf("invalid finding: %w", err)
		}
	}

	result := model.EvaluationResult{
		Score:             100,
		RulesFired:        []string{},
		WaivedFindings:    []model.Finding{},
		NonWaivedFindings: []model.Finding{},
	}

	// Step 2: partition in input order so re-evaluation of unchanged
	// inputs preserves ordering exactly.
	for _, f := range findings {
		if waivers != nil && waivers.IsWaived(f, branch, asOf) && waivable(ep, f) {
			result.WaivedFindings = append(result.WaivedFindings, f)
		} else {
			result.NonWaivedFindings = append(result.NonWaivedFindings, f)
		}
	}

	// Steps 3-4: resolve actions and build the verdict. Score is purely
	// a function of non-waived findings.
	type fired struct {
		finding model.Finding
		action  model.RuleAction
	}
	var blocking, warning []fired
	for _, f := range result.NonWaivedFindings {
		result.Score -= penalty(ep.Weights, f.Severity)
		switch ep.ActionFor(f.RuleID, f.Severity) {
		case model.ActionBlock:
			blocking = append(blocking, fired{f, model.ActionBlock})
		case model.ActionWarn:
			warning = append(warning, fired{f, model.ActionWarn})
		}
	}
	if result.Score < 0 {
		result.Score = 0
	}

	// Stable ordering: severity descending, then rule ID, then file.
	orderFired := func(fs []fired) {
		sort.SliceStable(fs, func(i, j int) bool {
			a, b := fs[i].finding, fs[j].finding
			if model.SeverityRank[a.Severity] != model.SeverityRank[b.Severity] {
				return model.SeverityRank[a.Severity] > model.SeverityRank[b.Severity]
			}
			if a.RuleID != b.RuleID {
				return a.RuleID < b.RuleID
			}
			return a.File < b.File
		})
	}
	orderFired(blocking)
	orderFired(warning)

	if len(blocking) > 0 {
		result.Blocked = true
		parts := make([]string, 0, len(blocking))
		for _, b := range blocking {
			parts = append(parts, fmt.Sprintf("%s (%s) at %s", b.finding.RuleID, b.finding.Severity, b.finding.File))
		}
		result.BlockingReason = fmt.Sprintf("blocked by %d finding(s): %s", len(blocking), strings.Join(parts, "; "))
	}

	seen := make(map[string]bool)
	for _, f := range append(blocking, warning...) {
		if !seen[f.finding.RuleID] {
			seen[f.finding.RuleID] = true
			result.RulesFired = append(result.RulesFired, f.finding.RuleID)
		}
	}

	return result, nil
}

// waivable reports whether policy permits waiving this finding. A rule
// marked unwaivable keeps a critical block in force regardless of any
// matching waiver.
func waivable(ep *EffectivePolicy, f model.Finding) bool {
	if f.Severity != model.SevCritical {
		return true
	}
	r, ok := ep.Resolve(f.RuleID)
	if !ok {
		return true
	}
	return !(r.Unwaivable && r.Actions[model.SevCritical] == model.ActionBlock)
}

func penalty(w Weights, sev model.Severity) int {
	switch sev {
	case model.SevCritical:
		return w.Critical
	case model.SevHigh:
		return w.High
	case model.SevMedium:
		return w.Medium
	case model.SevLow:
		return w.Low
	default:
		return 0
	}
}
