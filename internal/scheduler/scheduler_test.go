package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/corvidrun/corvid/internal/auditlog"
	"github.com/corvidrun/corvid/internal/coretypes"
	"github.com/corvidrun/corvid/internal/execengine"
	"github.com/corvidrun/corvid/internal/planrunner"
	"github.com/corvidrun/corvid/internal/policy"
	"github.com/corvidrun/corvid/internal/rollback"
	"github.com/corvidrun/corvid/internal/skillreg"
	"github.com/corvidrun/corvid/internal/skillrunner"
	"github.com/corvidrun/corvid/internal/tool"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	dir := t.TempDir()

	pol := policy.New(coretypes.PolicyConfig{DefaultApproval: coretypes.ActionAllow}, nil)
	reg := tool.NewRegistry(pol, nil)
	skills := skillreg.New(nil, nil)
	runner := skillrunner.New(reg, nil)
	tracker, err := rollback.NewTracker(filepath.Join(dir, ".rollback"))
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	engine := execengine.New(reg, skills, runner, tracker, nil, nil)
	planRunner := planrunner.New(engine, tracker, nil)

	log, err := auditlog.New(filepath.Join(dir, "runs"), nil)
	if err != nil {
		t.Fatalf("auditlog.New: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	sched, err := New(Options{
		Runner:   planRunner,
		AuditLog: log,
		NewContext: func(runID string) *coretypes.ExecutionContext {
			return &coretypes.ExecutionContext{
				RunID:    runID,
				WorkDir:  dir,
				Approved: map[string]bool{},
				Config: &coretypes.ConfigSnapshot{
					Tools: coretypes.ToolsConfig{Enabled: []string{"*"}, TimeoutMS: 5000},
				},
			}
		},
		StatePath:       filepath.Join(dir, "scheduler.db"),
		DebounceDefault: 20 * time.Millisecond,
		ProposalHorizon: time.Hour,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { sched.Stop(context.Background()) })
	return sched
}

func TestGlobToRegexp_DoubleStarMatchesNestedPaths(t *testing.T) {
	cases := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"**/*.go", "internal/scheduler/scheduler.go", true},
		{"**/*.go", "scheduler.go", true},
		{"*.go", "internal/scheduler.go", false},
		{"internal/**", "internal/a/b/c.txt", true},
		{"internal/*.go", "internal/a/b.go", false},
	}
	for _, tc := range cases {
		got := matchGlob(tc.pattern, tc.path)
		if got != tc.want {
			t.Errorf("matchGlob(%q, %q) = %v, want %v", tc.pattern, tc.path, got, tc.want)
		}
	}
}

func TestRegisterPlan_CronFiresAndRecordsLastFired(t *testing.T) {
	sched := newTestScheduler(t)

	plan := &coretypes.Plan{
		Name: "heartbeat",
		Mode: coretypes.PlanModeExecute,
		Steps: []coretypes.Step{
			{ID: "noop", Tool: "fs.write", Args: map[string]any{"path": filepath.Join(t.TempDir(), "out.txt"), "content": "x"}},
		},
		Trigger: coretypes.Trigger{Type: coretypes.TriggerCron, Cron: "* * * * *"},
	}

	if before := sched.LastFired(plan.Name); !before.IsZero() {
		t.Fatalf("expected zero LastFired before any firing, got %v", before)
	}

	sched.fireLocked(plan, "test")

	after := sched.LastFired(plan.Name)
	if after.IsZero() {
		t.Fatalf("expected LastFired to be recorded after firing")
	}
}

func TestRegisterPlan_ProposeModeSavesDraftWithoutExecuting(t *testing.T) {
	sched := newTestScheduler(t)

	marker := filepath.Join(t.TempDir(), "should-not-exist.txt")
	plan := &coretypes.Plan{
		Name: "draft-only",
		Mode: coretypes.PlanModePropose,
		Steps: []coretypes.Step{
			{ID: "write", Tool: "fs.write", Args: map[string]any{"path": marker, "content": "x"}},
		},
	}

	sched.fireLocked(plan, "manual")

	if _, err := os.Stat(marker); err == nil {
		t.Fatalf("expected proposed plan not to execute its steps, but %s was written", marker)
	}

	ids, err := sched.auditLog.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected one draft run recorded, got %d", len(ids))
	}
}

func TestFireLocked_SkipsOverlappingFiringOfSamePlan(t *testing.T) {
	sched := newTestScheduler(t)
	plan := &coretypes.Plan{Name: "serialized", Mode: coretypes.PlanModePropose}

	sched.locksMu.Lock()
	lock := &sync.Mutex{}
	sched.locks[plan.Name] = lock
	sched.locksMu.Unlock()

	// Hold the plan's serialization lock as if a firing were already in
	// flight; a concurrent fireLocked must observe TryLock failing and
	// return immediately rather than blocking on the held lock.
	lock.Lock()
	done := make(chan struct{})
	go func() {
		sched.fireLocked(plan, "manual")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fireLocked blocked instead of skipping an overlapping firing")
	}
	lock.Unlock()
}
