package skillreg

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/corvidrun/corvid/internal/coretypes"
)

func writeSkill(t *testing.T, root, name string, m coretypes.SkillManifest) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, m.Entrypoint), []byte("# prompt"), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestLoad_ValidManifest(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "deploy-app", coretypes.SkillManifest{
		Name: "deploy-app", Version: "1.0.0", Entrypoint: "prompt.md", Lifecycle: coretypes.LifecycleDraft,
	})

	m, err := Load(filepath.Join(dir, "deploy-app"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Name != "deploy-app" || m.Version != "1.0.0" {
		t.Fatalf("unexpected manifest: %+v", m)
	}
}

func TestLoad_RejectsBadVersion(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "broken", coretypes.SkillManifest{
		Name: "broken", Version: "v1", Entrypoint: "prompt.md",
	})

	_, err := Load(filepath.Join(dir, "broken"))
	if err == nil {
		t.Fatal("expected validation error for non-semver version")
	}
	ce, ok := coretypes.AsCoreError(err)
	if !ok || ce.Kind != coretypes.ErrSkillManifestInvalid {
		t.Fatalf("expected ErrSkillManifestInvalid, got %v", err)
	}
}

func TestLoad_RejectsMissingEntrypoint(t *testing.T) {
	dir := t.TempDir()
	skillDir := filepath.Join(dir, "no-entry")
	os.MkdirAll(skillDir, 0o755)
	data, _ := json.Marshal(coretypes.SkillManifest{Name: "no-entry", Version: "1.0.0", Entrypoint: "missing.md"})
	os.WriteFile(filepath.Join(skillDir, "manifest.json"), data, 0o644)

	if _, err := Load(skillDir); err == nil {
		t.Fatal("expected error for missing entrypoint file")
	}
}

func TestDiscover_SkipsInvalidSkills(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "good-skill", coretypes.SkillManifest{Name: "good-skill", Version: "1.0.0", Entrypoint: "prompt.md"})
	writeSkill(t, dir, "bad-skill", coretypes.SkillManifest{Name: "bad-skill", Version: "not-semver", Entrypoint: "prompt.md"})

	r := New([]string{dir}, nil)
	if err := r.Discover(); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	if _, ok := r.Get("good-skill"); !ok {
		t.Fatal("expected good-skill to be discovered")
	}
	if _, ok := r.Get("bad-skill"); ok {
		t.Fatal("expected bad-skill to be skipped")
	}
}

func TestTransition_ValidAndInvalidEdges(t *testing.T) {
	r := New(nil, nil)
	r.Register(&coretypes.SkillManifest{Name: "s", Lifecycle: coretypes.LifecycleDraft})

	if err := r.Transition("s", coretypes.LifecycleApproved); err != nil {
		t.Fatalf("draft->approved should succeed: %v", err)
	}
	if err := r.Transition("s", coretypes.LifecycleDraft); err == nil {
		t.Fatal("approved->draft should be rejected")
	}
	if err := r.Transition("s", coretypes.LifecycleDeprecated); err != nil {
		t.Fatalf("approved->deprecated should succeed: %v", err)
	}
	if err := r.Transition("s", coretypes.LifecycleApproved); err != nil {
		t.Fatalf("deprecated->approved (re-approval) should succeed: %v", err)
	}
}

func TestAllowsTool(t *testing.T) {
	m := &coretypes.SkillManifest{ToolAllowlist: []string{"fs.read", "fs.write"}}
	if !m.AllowsTool("fs.read") {
		t.Fatal("expected fs.read to be allowed")
	}
	if m.AllowsTool("cmd.run") {
		t.Fatal("expected cmd.run to be disallowed")
	}
}
