// Package rollback implements the Rollback Tracker: one pre/post file
// snapshot per (step, path), unified-diff generation between them, and
// rollback_step/rollback_all/export_patches operations.
//
// The on-disk persistence shape — one JSON record per key, written via a
// mutex-guarded flush, reloaded on startup — is grounded on
// vinayprograms-agent's internal/checkpoint/checkpoint.go Store, whose
// SavePre/SavePost/flush/Load this package's CapturePre/CapturePost/flush/
// Load directly mirror, retargeted from free-form checkpoint payloads to
// file-content snapshots.
package rollback

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/corvidrun/corvid/internal/coretypes"
)

// snapshot is the pre/post capture for one (step, path) pair.
type snapshot struct {
	StepID       string    `json:"stepId"`
	Path         string    `json:"path"`
	Before       string    `json:"before"`
	BeforeExists bool      `json:"beforeExists"`
	After        string    `json:"after"`
	Captured     bool      `json:"captured"` // pre-snapshot taken
	Finalized    bool      `json:"finalized"` // post-snapshot taken
	Timestamp    time.Time `json:"timestamp"`
}

// Tracker owns every snapshot captured during a run and persists them
// under dir, one JSON file per key, so rollback survives a process restart.
type Tracker struct {
	dir  string
	mu   sync.RWMutex
	snap map[string]*snapshot // key: stepID + "\x00" + path
	// order preserves capture order so RollbackAll can undo most-recent-first.
	order []string
}

// NewTracker creates a Tracker persisting under dir.
func NewTracker(dir string) (*Tracker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("rollback: creating %s: %w", dir, err)
	}
	return &Tracker{dir: dir, snap: map[string]*snapshot{}}, nil
}

func key(stepID, path string) string { return stepID + "\x00" + path }

// CapturePre records a path's current content as the step's "before"
// state. Per invariant, only the first capture for a given (step, path)
// sticks — a retried step that captures pre twice does not overwrite its
// original baseline.
func (t *Tracker) CapturePre(stepID, path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key(stepID, path)
	if _, exists := t.snap[k]; exists {
		return nil
	}

	content, existed, err := readIfExists(path)
	if err != nil {
		return fmt.Errorf("rollback: reading pre-state of %s: %w", path, err)
	}

	s := &snapshot{StepID: stepID, Path: path, Before: content, BeforeExists: existed, Timestamp: time.Now().UTC()}
	s.Captured = true
	t.snap[k] = s
	t.order = append(t.order, k)
	return t.flush(k)
}

// CapturePost records a path's content after the step ran.
func (t *Tracker) CapturePost(stepID, path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key(stepID, path)
	s, ok := t.snap[k]
	if !ok {
		s = &snapshot{StepID: stepID, Path: path, Timestamp: time.Now().UTC()}
		t.snap[k] = s
		t.order = append(t.order, k)
	}

	content, _, err := readIfExists(path)
	if err != nil {
		return fmt.Errorf("rollback: reading post-state of %s: %w", path, err)
	}
	s.After = content
	s.Finalized = true
	return t.flush(k)
}

// Diff returns the unified diff between a snapshot's before/after content.
func (t *Tracker) Diff(stepID, path string) (*coretypes.DiffEntry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.snap[key(stepID, path)]
	if !ok {
		return nil, fmt.Errorf("rollback: no snapshot for step %q path %q", stepID, path)
	}

	patch := unifiedDiff("a/"+path, "b/"+path, s.Before, s.After)
	return &coretypes.DiffEntry{
		Path: path, Before: s.Before, After: s.After, Patch: patch,
		StepID: stepID, Timestamp: s.Timestamp,
	}, nil
}

// DiffsForStep returns one DiffEntry per (stepID, path) pair that
// received both a pre- and a post-capture, in capture order. A step that
// never mutated a tracked file returns an empty slice.
func (t *Tracker) DiffsForStep(stepID string) []*coretypes.DiffEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var diffs []*coretypes.DiffEntry
	for _, k := range t.order {
		s := t.snap[k]
		if s == nil || s.StepID != stepID || !s.Finalized {
			continue
		}
		patch := unifiedDiff("a/"+s.Path, "b/"+s.Path, s.Before, s.After)
		diffs = append(diffs, &coretypes.DiffEntry{
			Path: s.Path, Before: s.Before, After: s.After, Patch: patch,
			StepID: s.StepID, Timestamp: s.Timestamp,
		})
	}
	return diffs
}

// RollbackStep restores every path captured for stepID to its pre-state.
func (t *Tracker) RollbackStep(stepID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var firstErr error
	for _, k := range t.order {
		s := t.snap[k]
		if s == nil || s.StepID != stepID {
			continue
		}
		if err := restore(s); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RollbackAll restores every captured path, most-recently-captured first,
// so later steps' writes are undone before earlier steps'.
func (t *Tracker) RollbackAll() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var firstErr error
	for i := len(t.order) - 1; i >= 0; i-- {
		s := t.snap[t.order[i]]
		if s == nil {
			continue
		}
		if err := restore(s); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func restore(s *snapshot) error {
	if !s.Captured {
		return nil
	}
	if !s.BeforeExists {
		if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("rollback: removing %s: %w", s.Path, err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return fmt.Errorf("rollback: preparing directory for %s: %w", s.Path, err)
	}
	if err := os.WriteFile(s.Path, []byte(s.Before), 0o644); err != nil {
		return fmt.Errorf("rollback: restoring %s: %w", s.Path, err)
	}
	return nil
}

// ExportPatchesText returns the concatenation of every captured
// (step, path) pair's unified patch, delimited by a blank line, per
// spec.md §4.3's export_patches() contract. A tracker with no finalized
// captures returns an empty string.
func (t *Tracker) ExportPatchesText() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var patches []string
	for _, k := range t.order {
		s := t.snap[k]
		if s == nil || !s.Finalized {
			continue
		}
		patch := unifiedDiff("a/"+s.Path, "b/"+s.Path, s.Before, s.After)
		if patch == "" {
			continue
		}
		patches = append(patches, patch)
	}
	return strings.Join(patches, "\n")
}

// ExportPatches writes one .patch file per captured (step, path) pair
// with a non-empty diff into dir. This is additive to ExportPatchesText:
// spec.md §4.3 only defines the string-returning form, but a per-file
// patch set is useful for `agent rollback export`-style CLI tooling that
// wants one reviewable file per change rather than one blob.
func (t *Tracker) ExportPatches(dir string) ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("rollback: creating export dir: %w", err)
	}

	var written []string
	for _, k := range t.order {
		s := t.snap[k]
		if s == nil || !s.Finalized {
			continue
		}
		patch := unifiedDiff("a/"+s.Path, "b/"+s.Path, s.Before, s.After)
		if patch == "" {
			continue
		}
		name := sanitizeFilename(s.StepID) + "__" + sanitizeFilename(s.Path) + ".patch"
		full := filepath.Join(dir, name)
		if err := os.WriteFile(full, []byte(patch), 0o644); err != nil {
			return written, fmt.Errorf("rollback: writing %s: %w", full, err)
		}
		written = append(written, full)
	}
	return written, nil
}

func sanitizeFilename(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func readIfExists(path string) (content string, existed bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return string(data), true, nil
}

// flush persists one snapshot's current state to disk.
func (t *Tracker) flush(k string) error {
	s := t.snap[k]
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(t.dir, sanitizeFilename(k)+".json"), data, 0o644)
}

// Load reloads every persisted snapshot from dir, restoring the capture
// order by file modification time.
func (t *Tracker) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries, err := os.ReadDir(t.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(t.dir, entry.Name()))
		if err != nil {
			continue
		}
		var s snapshot
		if err := json.Unmarshal(data, &s); err != nil {
			continue
		}
		k := key(s.StepID, s.Path)
		t.snap[k] = &s
		t.order = append(t.order, k)
	}
	return nil
}
