package run

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mergegate/mergegate/internal/model"
)

// intakeDebounce absorbs bursts of file events before processing.
const intakeDebounce = 200 * time.Millisecond

// Request is the JSON shape CI drops into the intake directory to
// trigger a run.
type Request struct {
	OrgID       string                      `json:"org_id"`
	Repository  string                      `json:"repository"`
	Branch      string                      `json:"branch"`
	TriggerType string                      `json:"trigger_type"`
	Diff        string                      `json:"diff,omitempty"`
	Files       map[string]string           `json:"files,omitempty"`
	DocContent  string                      `json:"doc_content,omitempty"`
	Disabled    []model.StageName           `json:"disabled_stages,omitempty"`
}

// Input converts the request into orchestrator input.
func (r *Request) Input() *Input {
	in := &Input{
		OrgID:       r.OrgID,
		Repository:  r.Repository,
		Branch:      r.Branch,
		TriggerType: r.TriggerType,
		Disabled:    make(map[model.StageName]bool, len(r.Disabled)),
	}
	if in.TriggerType == "" {
		in.TriggerType = model.TriggerManual
	}
	if r.Diff != "" {
		in.Diff = []byte(r.Diff)
	}
	if len(r.Files) > 0 {
		in.Files = make(map[string][]byte, len(r.Files))
		for path, content := range r.Files {
			in.Files[path] = []byte(content)
		}
	}
	if r.DocContent != "" {
		in.DocContent = []byte(r.DocContent)
	}
	for _, s := range r.Disabled {
		in.Disabled[s] = true
	}
	return in
}

// Intake watches a directory for run request files and executes each
// through the orchestrator. Processed files move to done/, rejected
// ones to failed/, so the directory doubles as a visible queue.
type Intake struct {
	dir    string
	orch   *Orchestrator
	logger *slog.Logger
}

// NewIntake creates an intake over the given directory, creating it
// and its done/failed subdirectories.
func NewIntake(dir string, orch *Orchestrator, logger *slog.Logger) (*Intake, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	for _, d := range []string{dir, filepath.Join(dir, "done"), filepath.Join(dir, "failed")} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return nil, fmt.Errorf("intake: create %s: %w", d, err)
		}
	}
	return &Intake{dir: dir, orch: orch, logger: logger}, nil
}

// Run processes requests already present, then watches for new ones.
// Blocks until ctx is cancelled.
func (iw *Intake) Run(ctx context.Context) error {
	if err := iw.scanExisting(ctx); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("intake: create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(iw.dir); err != nil {
		return fmt.Errorf("intake: watch %s: %w", iw.dir, err)
	}

	// Single debounce timer, reset on each event; pending paths flush
	// together when it fires.
	pending := make(map[string]bool)
	debounce := time.NewTimer(intakeDebounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-debounce.C:
			for path := range pending {
				iw.handle(ctx, path)
			}
			pending = make(map[string]bool)

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isRequestFile(event.Name) {
				continue
			}
			pending[event.Name] = true
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(intakeDebounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			iw.logger.Error("intake watcher error", "error", err)
		}
	}
}

// scanExisting handles requests that arrived while no worker was up.
func (iw *Intake) scanExisting(ctx context.Context) error {
	entries, err := os.ReadDir(iw.dir)
	if err != nil {
		return fmt.Errorf("intake: scan %s: %w", iw.dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(iw.dir, e.Name())
		if isRequestFile(path) {
			iw.handle(ctx, path)
		}
	}
	return nil
}

// handle executes one request file through the orchestrator.
func (iw *Intake) handle(ctx context.Context, path string) {
	// Reject symlinks before reading: a symlinked request could point
	// the intake at arbitrary files on the host.
	fi, err := os.Lstat(path)
	if err != nil {
		iw.logger.Warn("intake stat failed", "path", path, "error", err)
		return
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		iw.logger.Warn("intake rejected symlink", "path", path)
		iw.move(path, "failed")
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		iw.logger.Warn("intake read failed", "path", path, "error", err)
		return
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		iw.logger.Warn("intake invalid request", "path", path, "error", err)
		iw.move(path, "failed")
		return
	}
	if req.OrgID == "" || req.Repository == "" {
		iw.logger.Warn("intake incomplete request", "path", path)
		iw.move(path, "failed")
		return
	}

	r, err := iw.orch.Execute(ctx, req.Input())
	if err != nil {
		iw.logger.Error("intake run failed", "path", path, "error", err)
		iw.move(path, "failed")
		return
	}

	iw.logger.Info("intake run executed",
		"path", path,
		"run", r.ID,
		"conclusion", r.Conclusion,
	)
	iw.move(path, "done")
}

func (iw *Intake) move(path, sub string) {
	dest := filepath.Join(iw.dir, sub, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		iw.logger.Warn("intake move failed", "path", path, "error", err)
	}
}

// isRequestFile returns true for .json files, ignoring .tmp partial
// writes.
func isRequestFile(path string) bool {
	name := filepath.Base(path)
	return strings.HasSuffix(name, ".json") && !strings.HasSuffix(name, ".tmp")
}
