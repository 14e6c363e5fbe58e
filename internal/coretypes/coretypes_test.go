package coretypes

import "testing"

func TestPermission_ParentResolvesFilesystemSubcategories(t *testing.T) {
	parent, ok := PermFilesystemRead.Parent()
	if !ok || parent != PermFilesystem {
		t.Fatalf("expected filesystem.read to fall back to filesystem, got %q ok=%v", parent, ok)
	}
	parent, ok = PermFilesystemWrite.Parent()
	if !ok || parent != PermFilesystem {
		t.Fatalf("expected filesystem.write to fall back to filesystem, got %q ok=%v", parent, ok)
	}
	if _, ok := PermExec.Parent(); ok {
		t.Fatalf("expected exec to have no parent category")
	}
}

func TestApprovalKey_DistinguishesToolAndPermission(t *testing.T) {
	a := ApprovalKey("write_file", PermFilesystemWrite)
	b := ApprovalKey("write_file", PermFilesystemRead)
	c := ApprovalKey("delete_file", PermFilesystemWrite)
	if a == b || a == c || b == c {
		t.Fatalf("expected distinct (tool,permission) pairs to produce distinct keys: %q %q %q", a, b, c)
	}
}

func TestSkillManifest_AllowsToolChecksAllowlistMembership(t *testing.T) {
	m := &SkillManifest{ToolAllowlist: []string{"read_file", "write_file"}}
	if !m.AllowsTool("read_file") {
		t.Fatalf("expected read_file to be allowed")
	}
	if m.AllowsTool("run_command") {
		t.Fatalf("expected run_command to be rejected, it is absent from the allowlist")
	}
}

func TestCoreError_AsCoreErrorUnwrapsMatchingErrors(t *testing.T) {
	err := NewError(ErrTimeout, "step exceeded its deadline")
	ce, ok := AsCoreError(err)
	if !ok || ce.Kind != ErrTimeout {
		t.Fatalf("expected AsCoreError to recover the CoreError, got %+v ok=%v", ce, ok)
	}
	if _, ok := AsCoreError(nil); ok {
		t.Fatalf("expected a nil error to not match")
	}
}
