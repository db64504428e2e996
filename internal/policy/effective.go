package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/mergegate/mergegate/internal/model"
)

// ErrPolicyNotFound means the organization has no policy at all. This
// is a provisioning bug upstream — every organization gets a default
// policy at onboarding — and must not be papered over with a
// default-allow policy.
var ErrPolicyNotFound = errors.New("no policy found for organization")

// Source resolves the most recent stored policy per scope. Returning
// (nil, nil) means no policy exists at that scope.
type Source interface {
	OrgPolicy(ctx context.Context, orgID string) (*Policy, error)
	RepoPolicy(ctx context.Context, orgID, repoID string) (*Policy, error)
}

// Weights are the per-severity score penalties. They are configuration
// pinned by scenario tests, not constants to re-derive.
type Weights struct {
	Critical int `yaml:"critical"`
	High     int `yaml:"high"`
	Medium   int `yaml:"medium"`
	Low      int `yaml:"low"`
}

// DefaultWeights returns the calibrated per-severity penalties.
func DefaultWeights() Weights {
	return Weights{Critical: 20, High: 10, Medium: 5, Low: 2}
}

// EffectivePolicy is the org/repo merge used for one evaluation. It is
// immutable after construction and cacheable by its checksum.
type EffectivePolicy struct {
	OrgID       string
	RepoID      string
	OrgVersion  string
	RepoVersion string
	Checksum    string
	Weights     Weights

	// exact maps rule ID to its winning rule; wildcards is ordered
	// longest-prefix-first so resolution is deterministic.
	exact     map[string]Rule
	wildcards []Rule
}

// Merge builds the effective policy from an org policy and an optional
// repo override. Repo rules take precedence per rule identifier.
func Merge(orgID, repoID string, org, repo *Policy) (*EffectivePolicy, error) {
	if org == nil {
		return nil, fmt.Errorf("org %s: %w", orgID, ErrPolicyNotFound)
	}

	merged := &Policy{Version: org.Version, Scope: ScopeOrg}
	byID := make(map[string]int)
	for _, r := range org.Rules {
		byID[r.ID] = len(merged.Rules)
		merged.Rules = append(merged.Rules, r)
	}
	if repo != nil {
		for _, r := range repo.Rules {
			if i, ok := byID[r.ID]; ok {
				merged.Rules[i] = r
			} else {
				byID[r.ID] = len(merged.Rules)
				merged.Rules = append(merged.Rules, r)
			}
		}
	}

	ep := &EffectivePolicy{
		OrgID:      orgID,
		RepoID:     repoID,
		OrgVersion: org.Version,
		Weights:    DefaultWeights(),
		exact:      make(map[string]Rule),
	}
	if repo != nil {
		ep.RepoVersion = repo.Version
	}

	for _, r := range merged.Rules {
		if !r.IsEnabled() {
			continue
		}
		if r.IsWildcard() {
			ep.wildcards = append(ep.wildcards, r)
		} else {
			ep.exact[r.ID] = r
		}
	}
	// Longest prefix wins among wildcards; tie broken by rule ID so
	// resolution never depends on declaration order across scopes.
	sort.SliceStable(ep.wildcards, func(i, j int) bool {
		if len(ep.wildcards[i].ID) != len(ep.wildcards[j].ID) {
			return len(ep.wildcards[i].ID) > len(ep.wildcards[j].ID)
		}
		return ep.wildcards[i].ID < ep.wildcards[j].ID
	})

	ep.Checksum = merged.Checksum()
	return ep, nil
}

// LoadEffective resolves the most recent org and repo policies from the
// source and merges them. Read-only; the result is cacheable for the
// lifetime of its checksum.
func LoadEffective(ctx context.Context, src Source, orgID, repoID string) (*EffectivePolicy, error) {
	org, err := src.OrgPolicy(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("load org policy: %w", err)
	}
	var repo *Policy
	if repoID != "" {
		repo, err = src.RepoPolicy(ctx, orgID, repoID)
		if err != nil {
			return nil, fmt.Errorf("load repo policy: %w", err)
		}
	}
	return Merge(orgID, repoID, org, repo)
}

// Resolve returns the rule governing ruleID, or ok=false when no rule
// applies (default allow). Exact match wins over wildcard.
func (ep *EffectivePolicy) Resolve(ruleID string) (Rule, bool) {
	if r, ok := ep.exact[ruleID]; ok {
		return r, true
	}
	for _, r := range ep.wildcards {
		if r.Matches(ruleID) {
			return r, true
		}
	}
	return Rule{}, false
}

// ActionFor resolves the action for a rule ID at a severity.
// Unlisted rules and unmapped severities default to allow.
func (ep *EffectivePolicy) ActionFor(ruleID string, sev model.Severity) model.RuleAction {
	r, ok := ep.Resolve(ruleID)
	if !ok {
		return model.ActionAllow
	}
	act, ok := r.Actions[sev]
	if !ok {
		return model.ActionAllow
	}
	return act
}
