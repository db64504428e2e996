package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mergegate/mergegate/internal/model"
)

// Policy scopes. Exactly one effective policy exists per (org, repo)
// pair at any evaluation instant; repo rules override org rules.
const (
	ScopeOrg  = "org"
	ScopeRepo = "repo"
)

// Rule maps finding severities to actions for one rule identifier.
// The identifier is either an exact rule ID or a trailing-* wildcard
// ("security.*"). A disabled rule is ignored during resolution.
type Rule struct {
	ID      string                              `yaml:"id" json:"id"`
	Actions map[model.Severity]model.RuleAction `yaml:"actions" json:"actions"`
	Enabled *bool                               `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// Unwaivable pins a critical block: no waiver may lower it.
	// This is policy-level control, not waiver-level.
	Unwaivable bool `yaml:"unwaivable,omitempty" json:"unwaivable,omitempty"`

	Params map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
}

// IsEnabled treats an unset flag as enabled.
func (r Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// IsWildcard reports whether the rule ID is a trailing-* pattern.
func (r Rule) IsWildcard() bool {
	return strings.HasSuffix(r.ID, "*")
}

// Matches reports whether the rule applies to the given rule ID.
// Wildcard match is prefix-based: "security.*" matches "security.xss".
func (r Rule) Matches(ruleID string) bool {
	if r.IsWildcard() {
		return strings.HasPrefix(ruleID, strings.TrimSuffix(r.ID, "*"))
	}
	return r.ID == ruleID
}

// Validate rejects malformed rules at load time rather than silently
// defaulting at evaluation time.
func (r Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule has empty id")
	}
	for sev, act := range r.Actions {
		if _, ok := model.SeverityRank[sev]; !ok {
			return fmt.Errorf("rule %s: unknown severity %q", r.ID, sev)
		}
		if _, err := model.ParseAction(string(act)); err != nil {
			return fmt.Errorf("rule %s: %w", r.ID, err)
		}
	}
	return nil
}

// Policy is an ordered, versioned rule set at one scope.
type Policy struct {
	Version string `yaml:"version" json:"version"`
	Scope   string `yaml:"scope" json:"scope"`
	Rules   []Rule `yaml:"rules" json:"rules"`
}

// Validate checks every rule in the policy.
func (p *Policy) Validate() error {
	if p.Version == "" {
		return fmt.Errorf("policy has empty version")
	}
	if p.Scope != ScopeOrg && p.Scope != ScopeRepo {
		return fmt.Errorf("policy %s: unknown scope %q", p.Version, p.Scope)
	}
	for _, r := range p.Rules {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Checksum returns "sha256:<hex>" of the policy's canonical JSON
// serialization. JSON is used for canonicalization because encoding/json
// guarantees struct field order and sorted map keys, so the same policy
// body always hashes to the same checksum.
func (p *Policy) Checksum() string {
	data, err := json.Marshal(p)
	if err != nil {
		// A Policy is all plain data; marshal cannot fail for valid input.
		panic(fmt.Sprintf("policy checksum: %v", err))
	}
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}

// Parse reads and validates a policy from YAML bytes.
func Parse(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadFile reads and validates a policy from a YAML file.
func LoadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return p, nil
}

// DefaultPolicyYAML returns a commented starter policy for init-policy.
func DefaultPolicyYAML() string {
	return `# mergegate policy configuration
# Generated by: mergegate init-policy
#
# Rules map finding severities to actions. Resolution order per finding:
#   1. Exact rule ID match
#   2. Wildcard rule match (trailing *, longest prefix wins)
#   3. Default: allow
#
# Actions: block | warn | allow
version: "1.0.0"
scope: org
rules:
  - id: "security.*"
    actions:
      critical: block
      high: block
      medium: warn
      low: allow
  - id: "quality.*"
    actions:
      critical: block
      high: warn
      medium: warn
      low: allow
  - id: "style.*"
    actions:
      critical: warn
      high: allow
      medium: allow
      low: allow
`
}
