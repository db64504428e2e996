// Package waiver resolves scoped, time-bounded rule exemptions.
// A waiver never disappears on expiry — it becomes inapplicable but
// remains on record for audit.
package waiver

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/mergegate/mergegate/internal/model"
)

// Scope limits where a waiver applies.
type Scope string

const (
	ScopeRepo   Scope = "repo"
	ScopeBranch Scope = "branch"
	ScopePath   Scope = "path"
)

// Waiver is one exemption for one exact rule identifier. No wildcard
// waivers: the blast radius of an exemption must be explicit.
type Waiver struct {
	ID         string     `json:"id"`
	OrgID      string     `json:"org_id"`
	RepoID     string     `json:"repo_id"`
	RuleID     string     `json:"rule_id"`
	Scope      Scope      `json:"scope"`
	ScopeValue string     `json:"scope_value,omitempty"`
	Reason     string     `json:"reason"`
	ApprovedBy string     `json:"approved_by"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Validate rejects malformed waivers at creation time.
func (w *Waiver) Validate() error {
	if w.RuleID == "" {
		return fmt.Errorf("waiver has empty rule_id")
	}
	if strings.Contains(w.RuleID, "*") {
		return fmt.Errorf("waiver rule_id %q: wildcard waivers are not allowed", w.RuleID)
	}
	if w.Reason == "" {
		return fmt.Errorf("waiver for %s: reason is required", w.RuleID)
	}
	if w.ApprovedBy == "" {
		return fmt.Errorf("waiver for %s: approver is required", w.RuleID)
	}
	switch w.Scope {
	case ScopeRepo:
	case ScopeBranch, ScopePath:
		if w.ScopeValue == "" {
			return fmt.Errorf("waiver for %s: scope %s requires a scope value", w.RuleID, w.Scope)
		}
	default:
		return fmt.Errorf("waiver for %s: unknown scope %q", w.RuleID, w.Scope)
	}
	return nil
}

// Expired reports whether the waiver is inert at the given instant.
func (w *Waiver) Expired(asOf time.Time) bool {
	return w.ExpiresAt != nil && !w.ExpiresAt.After(asOf)
}

// AppliesTo reports whether the waiver suppresses the given finding on
// the given branch at the given instant. Rule match is exact; scope
// must match; the waiver must not be expired.
func (w *Waiver) AppliesTo(f model.Finding, branch string, asOf time.Time) bool {
	if w.RuleID != f.RuleID {
		return false
	}
	if w.Expired(asOf) {
		return false
	}
	switch w.Scope {
	case ScopeRepo:
		return true
	case ScopeBranch:
		return branch == w.ScopeValue
	case ScopePath:
		return matchGlob(w.ScopeValue, f.File)
	default:
		return false
	}
}

// Set holds the active waivers for one (org, repo) pair.
type Set struct {
	waivers []Waiver
}

// NewSet builds a resolver over the given waivers.
func NewSet(waivers []Waiver) *Set {
	return &Set{waivers: waivers}
}

// IsWaived reports whether any one matching, non-expired waiver covers
// the finding. Multiple waivers may exist for a rule; one is enough.
func (s *Set) IsWaived(f model.Finding, branch string, asOf time.Time) bool {
	return s.Match(f, branch, asOf) != nil
}

// Match returns the first waiver that applies, or nil.
func (s *Set) Match(f model.Finding, branch string, asOf time.Time) *Waiver {
	for i := range s.waivers {
		if s.waivers[i].AppliesTo(f, branch, asOf) {
			return &s.waivers[i]
		}
	}
	return nil
}

// matchGlob matches a file path against a glob pattern. Single segments
// use path.Match semantics; "**" matches any number of segments.
// Matching is by forward-slash segments, case-sensitive.
func matchGlob(pattern, file string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(file, "/"))
}

func matchSegments(pat, seg []string) bool {
	for len(pat) > 0 {
		if pat[0] == "**" {
			if len(pat) == 1 {
				return true
			}
			for i := 0; i <= len(seg); i++ {
				if matchSegments(pat[1:], seg[i:]) {
					return true
				}
			}
			return false
		}
		if len(seg) == 0 {
			return false
		}
		ok, err := path.Match(pat[0], seg[0])
		if err != nil || !ok {
			return false
		}
		pat, seg = pat[1:], seg[1:]
	}
	return len(seg) == 0
}
