package planrunner

import (
	"path/filepath"
	"testing"

	"github.com/corvidrun/corvid/internal/coretypes"
	"github.com/corvidrun/corvid/internal/execengine"
	"github.com/corvidrun/corvid/internal/policy"
	"github.com/corvidrun/corvid/internal/rollback"
	"github.com/corvidrun/corvid/internal/skillreg"
	"github.com/corvidrun/corvid/internal/skillrunner"
	"github.com/corvidrun/corvid/internal/tool"
)

func newTestEngine(t *testing.T, dir string) (*execengine.Engine, *rollback.Tracker) {
	t.Helper()
	pol := policy.New(coretypes.PolicyConfig{DefaultApproval: coretypes.ActionAllow}, nil)
	reg := tool.NewRegistry(pol, nil)
	skills := skillreg.New(nil, nil)
	runner := skillrunner.New(reg, nil)
	tracker, err := rollback.NewTracker(filepath.Join(dir, ".rollback"))
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	return execengine.New(reg, skills, runner, tracker, nil, nil), tracker
}

func newTestContext(workDir string) *coretypes.ExecutionContext {
	return &coretypes.ExecutionContext{
		WorkDir:  workDir,
		Approved: map[string]bool{},
		Config: &coretypes.ConfigSnapshot{
			Tools: coretypes.ToolsConfig{Enabled: []string{"*"}, TimeoutMS: 5000},
		},
	}
}

func TestParsePlan_ValidAndInvalid(t *testing.T) {
	valid := []byte(`
name: deploy
steps:
  - id: a
    tool: fs.write
    args:
      path: /tmp/a.txt
      content: hi
  - id: b
    tool: cmd.run
    args:
      command: echo hi
    dependsOn: [a]
`)
	plan, err := ParsePlan(valid)
	if err != nil {
		t.Fatalf("ParsePlan: %v", err)
	}
	if plan.Name != "deploy" || len(plan.Steps) != 2 {
		t.Fatalf("unexpected plan: %+v", plan)
	}

	invalid := []byte(`
name: broken
steps:
  - id: a
    tool: fs.write
    skill: extra
  - id: a
    tool: cmd.run
    dependsOn: [nope]
`)
	_, err = ParsePlan(invalid)
	if err == nil {
		t.Fatal("expected validation error")
	}
	ce, ok := coretypes.AsCoreError(err)
	if !ok || ce.Kind != coretypes.ErrPlanParseError {
		t.Fatalf("expected ErrPlanParseError, got %v", err)
	}
}

func TestRun_SequentialSuccess(t *testing.T) {
	dir := t.TempDir()
	engine, tracker := newTestEngine(t, dir)
	runner := New(engine, tracker, nil)

	path := filepath.Join(dir, "out.txt")
	plan := &coretypes.Plan{
		Name: "seq",
		Steps: []coretypes.Step{
			{ID: "write", Tool: "fs.write", Args: map[string]any{"path": path, "content": "x"}},
			{ID: "check", Tool: "fs.read", Args: map[string]any{"path": path}, DependsOn: []string{"write"}},
		},
	}

	run, _ := runner.Run(newTestContext(dir), plan, "run-1", "manual")
	if run.Status != coretypes.RunCompleted {
		t.Fatalf("expected completed, got %s", run.Status)
	}
	if run.Summary.StepsCompleted != 2 {
		t.Fatalf("expected 2 completed steps, got %d", run.Summary.StepsCompleted)
	}
}

func TestRun_UnmetDependencySkipped(t *testing.T) {
	dir := t.TempDir()
	engine, tracker := newTestEngine(t, dir)
	runner := New(engine, tracker, nil)

	plan := &coretypes.Plan{
		Name: "dep-fail",
		Steps: []coretypes.Step{
			{ID: "broken", Tool: "does.not.exist", OnFailure: coretypes.OnFailureSkip},
			{ID: "downstream", Tool: "cmd.run", Args: map[string]any{"command": "echo hi"}, DependsOn: []string{"broken"}},
		},
	}

	run, _ := runner.Run(newTestContext(dir), plan, "run-2", "manual")
	if run.Steps["broken"].Status != coretypes.StepSkipped {
		t.Fatalf("expected 'broken' step skipped (onFailure=skip maps to never completing), got %s", run.Steps["broken"].Status)
	}
	if run.Steps["downstream"].Status != coretypes.StepSkipped {
		t.Fatalf("expected downstream skipped due to unmet dependency, got %s", run.Steps["downstream"].Status)
	}
}

func TestRun_AbortStopsRemainingSteps(t *testing.T) {
	dir := t.TempDir()
	engine, tracker := newTestEngine(t, dir)
	runner := New(engine, tracker, nil)

	plan := &coretypes.Plan{
		Name: "abort",
		Steps: []coretypes.Step{
			{ID: "boom", Tool: "does.not.exist", OnFailure: coretypes.OnFailureAbort},
			{ID: "never-runs", Tool: "cmd.run", Args: map[string]any{"command": "echo hi"}},
		},
	}

	run, _ := runner.Run(newTestContext(dir), plan, "run-3", "manual")
	if run.Status != coretypes.RunFailed {
		t.Fatalf("expected run failed, got %s", run.Status)
	}
	if run.Steps["never-runs"].Status != coretypes.StepSkipped {
		t.Fatalf("expected never-runs skipped after abort, got %s", run.Steps["never-runs"].Status)
	}
}

func TestRun_AccumulatesDiffsFromRollbackTracker(t *testing.T) {
	dir := t.TempDir()
	engine, tracker := newTestEngine(t, dir)
	runner := New(engine, tracker, nil)

	path := filepath.Join(dir, "out.txt")
	plan := &coretypes.Plan{
		Name: "diffed",
		Steps: []coretypes.Step{
			{ID: "write", Tool: "fs.write", Args: map[string]any{"path": path, "content": "hi"}},
		},
	}

	run, diffs := runner.Run(newTestContext(dir), plan, "run-4", "manual")
	if run.Status != coretypes.RunCompleted {
		t.Fatalf("expected completed, got %s", run.Status)
	}
	if len(diffs) != 1 {
		t.Fatalf("expected exactly one diff entry, got %d: %+v", len(diffs), diffs)
	}
	if diffs[0].StepID != "write" || diffs[0].Before != "" || diffs[0].After != "hi" {
		t.Fatalf(`expected a "write" step diff from "" to "hi", got %+v`, diffs[0])
	}
}
