package evidence

import (
	"encoding/json"
	"fmt"

	"github.com/mergegate/mergegate/internal/policy"
)

// ExportFormatVersion identifies the archival shape. Adding fields is
// safe; renaming or reordering existing fields breaks downstream
// auditors.
const ExportFormatVersion = 1

// ExportRecord is the stable, versioned archival rendering of a bundle
// plus its associated policy identity. Field order is fixed by this
// struct declaration; do not reorder.
type ExportRecord struct {
	FormatVersion      int               `json:"format_version"`
	BundleID           string            `json:"bundle_id"`
	RunID              string            `json:"run_id"`
	Stage              string            `json:"stage"`
	InputHashes        map[string]string `json:"input_hashes"`
	RulesFired         []string          `json:"rules_fired"`
	DeterministicScore int               `json:"deterministic_score"`
	Blocked            bool              `json:"blocked"`
	BlockingReason     string            `json:"blocking_reason,omitempty"`
	Artifacts          map[string]string `json:"artifacts"`
	PolicyChecksum     string            `json:"policy_checksum"`
	PolicyOrgVersion   string            `json:"policy_org_version,omitempty"`
	PolicyRepoVersion  string            `json:"policy_repo_version,omitempty"`
	ToolVersions       map[string]string `json:"tool_versions"`
	TimingsMS          map[string]int64  `json:"timings_ms"`
	CreatedAt          string            `json:"created_at"`
}

// Export renders a bundle into the archival JSON shape. The render is
// deterministic for a given bundle and policy: struct field order is
// fixed, map keys are sorted by encoding/json, and timestamps carry the
// bundle's original fixed-format value.
func Export(b *Bundle, ep *policy.EffectivePolicy) ([]byte, error) {
	if b == nil {
		return nil, fmt.Errorf("evidence: export of nil bundle")
	}
	if ep != nil && ep.Checksum != b.PolicyChecksum {
		return nil, fmt.Errorf("evidence: policy checksum drift: bundle has %s, resolved policy has %s", b.PolicyChecksum, ep.Checksum)
	}

	rec := ExportRecord{
		FormatVersion:      ExportFormatVersion,
		BundleID:           b.ID,
		RunID:              b.RunID,
		Stage:              string(b.Stage),
		InputHashes:        orEmpty(b.InputHashes),
		RulesFired:         b.Evaluation.RulesFired,
		DeterministicScore: b.Evaluation.Score,
		Blocked:            b.Evaluation.Blocked,
		BlockingReason:     b.Evaluation.BlockingReason,
		Artifacts:          orEmpty(b.Artifacts),
		PolicyChecksum:     b.PolicyChecksum,
		ToolVersions:       orEmpty(b.ToolVersions),
		TimingsMS:          orEmptyInt(b.TimingsMS),
		CreatedAt:          b.CreatedAt,
	}
	if rec.RulesFired == nil {
		rec.RulesFired = []string{}
	}
	if ep != nil {
		rec.PolicyOrgVersion = ep.OrgVersion
		rec.PolicyRepoVersion = ep.RepoVersion
	}

	return json.MarshalIndent(rec, "", "  ")
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func orEmptyInt(m map[string]int64) map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return m
}
