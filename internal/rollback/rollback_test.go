package rollback

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCapturePre_FirstCaptureSticksOnRetry(t *testing.T) {
	dir := t.TempDir()
	tracker, err := NewTracker(filepath.Join(dir, ".rollback"))
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}

	path := filepath.Join(dir, "file.txt")
	if err := os.WriteFile(path, []byte("original"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := tracker.CapturePre("step-1", path); err != nil {
		t.Fatalf("CapturePre (first): %v", err)
	}
	// Simulate the step retrying after already mutating the file; the
	// baseline captured above must not be overwritten.
	if err := os.WriteFile(path, []byte("mutated-before-retry"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := tracker.CapturePre("step-1", path); err != nil {
		t.Fatalf("CapturePre (retry): %v", err)
	}

	if err := tracker.CapturePost("step-1", path); err != nil {
		t.Fatalf("CapturePost: %v", err)
	}

	diff, err := tracker.Diff("step-1", path)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if diff.Before != "original" {
		t.Fatalf("expected baseline to remain %q, got %q", "original", diff.Before)
	}
}

func TestCapturePre_RecordsAbsenceForNewFile(t *testing.T) {
	dir := t.TempDir()
	tracker, err := NewTracker(filepath.Join(dir, ".rollback"))
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}

	path := filepath.Join(dir, "new.txt")
	if err := tracker.CapturePre("step-1", path); err != nil {
		t.Fatalf("CapturePre: %v", err)
	}
	if err := os.WriteFile(path, []byte("created by step"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := tracker.CapturePost("step-1", path); err != nil {
		t.Fatalf("CapturePost: %v", err)
	}

	if err := tracker.RollbackStep("step-1"); err != nil {
		t.Fatalf("RollbackStep: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected rollback of a newly-created file to remove it, stat err = %v", err)
	}
}

func TestDiff_UnifiedPatchRoundTripsBeforeToAfter(t *testing.T) {
	dir := t.TempDir()
	tracker, err := NewTracker(filepath.Join(dir, ".rollback"))
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}

	path := filepath.Join(dir, "file.txt")
	before := "line one\nline two\nline three\n"
	after := "line one\nline TWO\nline three\nline four\n"

	if err := os.WriteFile(path, []byte(before), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := tracker.CapturePre("step-1", path); err != nil {
		t.Fatalf("CapturePre: %v", err)
	}
	if err := os.WriteFile(path, []byte(after), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := tracker.CapturePost("step-1", path); err != nil {
		t.Fatalf("CapturePost: %v", err)
	}

	diff, err := tracker.Diff("step-1", path)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if diff.Before != before || diff.After != after {
		t.Fatalf("diff entry content mismatch")
	}
	if !strings.Contains(diff.Patch, "-line two") || !strings.Contains(diff.Patch, "+line TWO") {
		t.Fatalf("expected unified patch to show the changed line, got:\n%s", diff.Patch)
	}
	if !strings.Contains(diff.Patch, "+line four") {
		t.Fatalf("expected unified patch to show the appended line, got:\n%s", diff.Patch)
	}
}

func TestRollbackAll_RestoresMostRecentlyCapturedFirst(t *testing.T) {
	dir := t.TempDir()
	tracker, err := NewTracker(filepath.Join(dir, ".rollback"))
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}

	pathA := filepath.Join(dir, "a.txt")
	pathB := filepath.Join(dir, "b.txt")
	if err := os.WriteFile(pathA, []byte("a-original"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(pathB, []byte("b-original"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := tracker.CapturePre("step-1", pathA); err != nil {
		t.Fatalf("CapturePre a: %v", err)
	}
	if err := os.WriteFile(pathA, []byte("a-mutated"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := tracker.CapturePost("step-1", pathA); err != nil {
		t.Fatalf("CapturePost a: %v", err)
	}

	if err := tracker.CapturePre("step-2", pathB); err != nil {
		t.Fatalf("CapturePre b: %v", err)
	}
	if err := os.WriteFile(pathB, []byte("b-mutated"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := tracker.CapturePost("step-2", pathB); err != nil {
		t.Fatalf("CapturePost b: %v", err)
	}

	if err := tracker.RollbackAll(); err != nil {
		t.Fatalf("RollbackAll: %v", err)
	}

	gotA, err := os.ReadFile(pathA)
	if err != nil || string(gotA) != "a-original" {
		t.Fatalf("expected a.txt restored to original, got %q err=%v", gotA, err)
	}
	gotB, err := os.ReadFile(pathB)
	if err != nil || string(gotB) != "b-original" {
		t.Fatalf("expected b.txt restored to original, got %q err=%v", gotB, err)
	}
}

func TestExportPatches_SkipsUnchangedAndUnfinalizedSnapshots(t *testing.T) {
	dir := t.TempDir()
	tracker, err := NewTracker(filepath.Join(dir, ".rollback"))
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}

	unchanged := filepath.Join(dir, "unchanged.txt")
	changed := filepath.Join(dir, "changed.txt")
	if err := os.WriteFile(unchanged, []byte("same"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(changed, []byte("before"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := tracker.CapturePre("step-1", unchanged); err != nil {
		t.Fatalf("CapturePre unchanged: %v", err)
	}
	if err := tracker.CapturePost("step-1", unchanged); err != nil {
		t.Fatalf("CapturePost unchanged: %v", err)
	}

	if err := tracker.CapturePre("step-1", changed); err != nil {
		t.Fatalf("CapturePre changed: %v", err)
	}
	if err := os.WriteFile(changed, []byte("after"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := tracker.CapturePost("step-1", changed); err != nil {
		t.Fatalf("CapturePost changed: %v", err)
	}

	// step-2's path never gets a post-capture; ExportPatches must skip it.
	if err := tracker.CapturePre("step-2", filepath.Join(dir, "untouched.txt")); err != nil {
		t.Fatalf("CapturePre step-2: %v", err)
	}

	exportDir := filepath.Join(dir, "patches")
	written, err := tracker.ExportPatches(exportDir)
	if err != nil {
		t.Fatalf("ExportPatches: %v", err)
	}
	if len(written) != 1 {
		t.Fatalf("expected exactly one patch file, got %d: %v", len(written), written)
	}
	if !strings.Contains(written[0], "changed.txt") {
		t.Fatalf("expected the exported patch to be for changed.txt, got %s", written[0])
	}
}

func TestExportPatchesText_ConcatenatesFinalizedPatches(t *testing.T) {
	dir := t.TempDir()
	tracker, err := NewTracker(filepath.Join(dir, ".rollback"))
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}

	pathA := filepath.Join(dir, "a.txt")
	pathB := filepath.Join(dir, "b.txt")
	if err := os.WriteFile(pathA, []byte("a-before\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(pathB, []byte("b-before\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := tracker.CapturePre("step-1", pathA); err != nil {
		t.Fatalf("CapturePre a: %v", err)
	}
	if err := os.WriteFile(pathA, []byte("a-after\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := tracker.CapturePost("step-1", pathA); err != nil {
		t.Fatalf("CapturePost a: %v", err)
	}

	if err := tracker.CapturePre("step-2", pathB); err != nil {
		t.Fatalf("CapturePre b: %v", err)
	}
	if err := os.WriteFile(pathB, []byte("b-after\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := tracker.CapturePost("step-2", pathB); err != nil {
		t.Fatalf("CapturePost b: %v", err)
	}

	// step-3's path never gets a post-capture; it must not appear in the text.
	if err := tracker.CapturePre("step-3", filepath.Join(dir, "untouched.txt")); err != nil {
		t.Fatalf("CapturePre step-3: %v", err)
	}

	text := tracker.ExportPatchesText()
	if !strings.Contains(text, "a-before") || !strings.Contains(text, "a-after") {
		t.Fatalf("expected a.txt's patch in the exported text, got:\n%s", text)
	}
	if !strings.Contains(text, "b-before") || !strings.Contains(text, "b-after") {
		t.Fatalf("expected b.txt's patch in the exported text, got:\n%s", text)
	}
	if strings.Contains(text, "untouched.txt") {
		t.Fatalf("expected the unfinalized step-3 capture to be excluded, got:\n%s", text)
	}
}

func TestExportPatchesText_EmptyWhenNothingFinalized(t *testing.T) {
	dir := t.TempDir()
	tracker, err := NewTracker(filepath.Join(dir, ".rollback"))
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	if text := tracker.ExportPatchesText(); text != "" {
		t.Fatalf("expected empty text with no finalized captures, got %q", text)
	}
}

func TestLoad_ReloadsSnapshotsFromDisk(t *testing.T) {
	dir := t.TempDir()
	snapDir := filepath.Join(dir, ".rollback")
	tracker, err := NewTracker(snapDir)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}

	path := filepath.Join(dir, "file.txt")
	if err := os.WriteFile(path, []byte("original"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := tracker.CapturePre("step-1", path); err != nil {
		t.Fatalf("CapturePre: %v", err)
	}
	if err := os.WriteFile(path, []byte("mutated"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := tracker.CapturePost("step-1", path); err != nil {
		t.Fatalf("CapturePost: %v", err)
	}

	reloaded, err := NewTracker(snapDir)
	if err != nil {
		t.Fatalf("NewTracker (reload): %v", err)
	}
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := reloaded.RollbackStep("step-1"); err != nil {
		t.Fatalf("RollbackStep after reload: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil || string(got) != "original" {
		t.Fatalf("expected reloaded tracker to restore original content, got %q err=%v", got, err)
	}
}
