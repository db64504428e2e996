// Package evidence produces and stores tamper-evident records of gate
// decisions. Bundles are append-only: created once per stage execution,
// never mutated, exported verbatim for compliance.
package evidence

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mergegate/mergegate/internal/model"
)

// TimestampFormat is the fixed wire format for bundle timestamps.
// Millisecond precision, always UTC, so re-rendering a bundle is
// byte-for-byte identical.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Input describes the raw inputs that produced a decision. Only the
// fields a stage actually consumed are set; absent fields produce no
// input hash.
type Input struct {
	Diff     []byte
	Files    []string
	Document []byte
}

// Bundle is the immutable evidence record of one stage execution.
// It stores the policy checksum rather than the policy body, keeping
// bundles small while letting auditors re-resolve the exact version.
type Bundle struct {
	ID             string                 `json:"id"`
	RunID          string                 `json:"run_id"`
	Stage          model.StageName        `json:"stage"`
	InputHashes    map[string]string      `json:"input_hashes"`
	Evaluation     model.EvaluationResult `json:"evaluation"`
	PolicyChecksum string                 `json:"policy_checksum"`
	ToolVersions   map[string]string      `json:"tool_versions"`
	TimingsMS      map[string]int64       `json:"timings_ms"`
	Artifacts      map[string]string      `json:"artifacts,omitempty"`
	CreatedAt      string                 `json:"created_at"`
}

// Params carries everything Produce needs to assemble a bundle.
type Params struct {
	RunID          string
	Stage          model.StageName
	Input          Input
	Evaluation     model.EvaluationResult
	PolicyChecksum string
	ToolVersions   map[string]string
	TimingsMS      map[string]int64
	Artifacts      map[string]string
	Now            time.Time
}

// Produce assembles an evidence bundle. Content hashes use
// domain-separated BLAKE3; the file list is canonicalized (sorted,
// newline-joined) before hashing so hash equality means set equality.
func Produce(p Params) *Bundle {
	hashes := make(map[string]string)
	if p.Input.Diff != nil {
		hashes["diff"] = HashDiff(p.Input.Diff)
	}
	if len(p.Input.Files) > 0 {
		files := make([]string, len(p.Input.Files))
		copy(files, p.Input.Files)
		sort.Strings(files)
		hashes["file_list"] = HashFileList([]byte(strings.Join(files, "\n")))
	}
	if p.Input.Document != nil {
		hashes["document"] = HashDocument(p.Input.Document)
	}

	return &Bundle{
		ID:             uuid.NewString(),
		RunID:          p.RunID,
		Stage:          p.Stage,
		InputHashes:    hashes,
		Evaluation:     p.Evaluation,
		PolicyChecksum: p.PolicyChecksum,
		ToolVersions:   p.ToolVersions,
		TimingsMS:      p.TimingsMS,
		Artifacts:      p.Artifacts,
		CreatedAt:      p.Now.UTC().Format(TimestampFormat),
	}
}
