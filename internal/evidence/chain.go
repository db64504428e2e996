package evidence

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// GenesisHash is the prev_hash for the first entry in a new chain.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// EntryKind tags what an entry records. Evidence bundles share the
// chain with waiver lifecycle events, because waiver creation and
// deletion are themselves audited actions.
type EntryKind string

const (
	KindEvidence      EntryKind = "evidence"
	KindWaiverCreated EntryKind = "waiver_created"
	KindWaiverDeleted EntryKind = "waiver_deleted"
)

// WaiverEvent records a waiver lifecycle action on the chain.
type WaiverEvent struct {
	WaiverID string `json:"waiver_id"`
	RuleID   string `json:"rule_id"`
	Actor    string `json:"actor"`
	Reason   string `json:"reason,omitempty"`
}

// Entry is one line in the hash-chained JSONL evidence log. All fields
// are structs (no map[string]any at the top level) so json.Marshal
// field order is deterministic and hashing is reproducible.
type Entry struct {
	Timestamp string       `json:"ts"`
	Kind      EntryKind    `json:"kind"`
	Bundle    *Bundle      `json:"bundle,omitempty"`
	Waiver    *WaiverEvent `json:"waiver,omitempty"`
	PrevHash  string       `json:"prev_hash"`
}

// Chain is an append-only JSONL evidence log with SHA-256 hash
// chaining. Each entry's prev_hash is the hash of the previous entry's
// JSON line, forming a tamper-evident chain.
type Chain struct {
	path     string
	file     *os.File
	prevHash string
	mu       sync.Mutex
}

// Open opens (or creates) an evidence chain file for appending.
// If the file already exists, it reads the last line to recover the
// chain tail.
func Open(path string) (*Chain, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("evidence: create directory: %w", err)
	}

	prevHash := GenesisHash

	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("evidence: read existing chain: %w", err)
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		var lastLine []byte
		for scanner.Scan() {
			lastLine = make([]byte, len(scanner.Bytes()))
			copy(lastLine, scanner.Bytes())
		}
		f.Close()
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("evidence: scan existing chain: %w", err)
		}
		if len(lastLine) > 0 {
			prevHash = HashLine(lastLine)
		}
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("evidence: open file: %w", err)
	}

	return &Chain{
		path:     path,
		file:     file,
		prevHash: prevHash,
	}, nil
}

// AppendBundle appends an evidence bundle to the chain.
func (c *Chain) AppendBundle(b *Bundle) error {
	return c.append(Entry{Kind: KindEvidence, Bundle: b})
}

// AppendWaiverEvent appends a waiver lifecycle event to the chain.
func (c *Chain) AppendWaiverEvent(kind EntryKind, ev WaiverEvent) error {
	return c.append(Entry{Kind: kind, Waiver: &ev})
}

func (c *Chain) append(entry Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(TimestampFormat)
	}
	entry.PrevHash = c.prevHash

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("evidence: marshal entry: %w", err)
	}

	if _, err := c.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("evidence: write entry: %w", err)
	}

	if err := c.file.Sync(); err != nil {
		return fmt.Errorf("evidence: sync: %w", err)
	}

	c.prevHash = HashLine(line)
	return nil
}

// Close flushes and closes the underlying file.
func (c *Chain) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.file.Close()
}

// HashLine returns "sha256:<hex>" of the given bytes.
func HashLine(line []byte) string {
	h := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(h[:])
}
