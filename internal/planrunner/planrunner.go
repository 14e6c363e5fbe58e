// Package planrunner implements the Plan Runner: parsing a declarative
// `*.plan.yaml` file into a coretypes.Plan, and the per-step state
// machine (pending -> running -> completed|failed|skipped|retrying) that
// drives it to a finalized PlanRun.
//
// The "iterate steps in plan-file order, skip on unmet dependency,
// consult onFailure on a failed step" algorithm is grounded on
// vinayprograms-agent/internal/executor/executor.go's Run (walk
// e.workflow.Steps in order, dispatch each, stop the whole run on the
// first unrecovered error) — generalized here from that file's implicit
// "abort on first error" into spec.md §4.6's explicit retry/skip/abort
// per-step policy and dependency-skip rule.
package planrunner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/corvidrun/corvid/internal/coretypes"
	"github.com/corvidrun/corvid/internal/execengine"
	"github.com/corvidrun/corvid/internal/logging"
	"github.com/corvidrun/corvid/internal/rollback"
	"gopkg.in/yaml.v3"
)

// Runner drives Plans to completion against an Execution Engine.
type Runner struct {
	engine  *execengine.Engine
	tracker *rollback.Tracker
	log     *logging.Logger
}

// New builds a Runner. tracker should be the same *rollback.Tracker handed
// to the Execution Engine, so the Runner can read back the diffs the
// Engine captured around each step's filesystem-mutating tool call; it may
// be nil if rollback tracking is disabled, in which case every run's diffs
// slice is empty.
func New(engine *execengine.Engine, tracker *rollback.Tracker, log *logging.Logger) *Runner {
	if log == nil {
		log = logging.New()
	}
	return &Runner{engine: engine, tracker: tracker, log: log.WithComponent("planrunner")}
}

// ParsePlan decodes and validates a `*.plan.yaml` file's contents.
// Violations accumulate rather than returning on the first one, matching
// spec.md §7's "InvalidInput ... human readable list of violations".
func ParsePlan(data []byte) (*coretypes.Plan, error) {
	var plan coretypes.Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, coretypes.NewError(coretypes.ErrPlanParseError, fmt.Sprintf("decoding plan: %v", err))
	}

	if violations := Validate(&plan); len(violations) > 0 {
		return nil, coretypes.NewError(coretypes.ErrPlanParseError, fmt.Sprintf("plan %q failed validation", plan.Name), violations...)
	}
	return &plan, nil
}

// Validate checks a plan's structural invariants: unique step ids,
// exactly one of tool/skill per step, and dependency ids that resolve to
// a step actually present in the plan.
func Validate(plan *coretypes.Plan) []string {
	var violations []string

	if plan.Name == "" {
		violations = append(violations, "name is required")
	}
	if len(plan.Steps) == 0 {
		violations = append(violations, "at least one step is required")
	}

	seen := map[string]bool{}
	for _, step := range plan.Steps {
		if step.ID == "" {
			violations = append(violations, "every step requires an id")
			continue
		}
		if seen[step.ID] {
			violations = append(violations, fmt.Sprintf("duplicate step id %q", step.ID))
		}
		seen[step.ID] = true

		if (step.Tool == "") == (step.Skill == "") {
			violations = append(violations, fmt.Sprintf("step %q must declare exactly one of tool or skill", step.ID))
		}
		if step.OnFailure != "" {
			switch step.OnFailure {
			case coretypes.OnFailureRetry, coretypes.OnFailureSkip, coretypes.OnFailureAbort:
			default:
				violations = append(violations, fmt.Sprintf("step %q has invalid onFailure %q", step.ID, step.OnFailure))
			}
		}
		if step.RiskLevel != "" {
			switch step.RiskLevel {
			case coretypes.RiskLow, coretypes.RiskMedium, coretypes.RiskHigh:
			default:
				violations = append(violations, fmt.Sprintf("step %q has invalid riskLevel %q", step.ID, step.RiskLevel))
			}
		}
	}
	for _, step := range plan.Steps {
		for _, dep := range step.DependsOn {
			if !seen[dep] {
				violations = append(violations, fmt.Sprintf("step %q depends on unknown step %q", step.ID, dep))
			}
		}
	}

	return violations
}

// LoadedPlan pairs a parsed Plan with the file it was loaded from, so the
// Scheduler can report which file a cron or filesystem trigger fired from.
type LoadedPlan struct {
	Plan *coretypes.Plan
	Path string
}

// LoadPlans parses every `*.plan.yaml`/`*.plan.yml` file directly under
// dir, per spec.md §6's "plans/ directory with *.plan.yaml or *.plan.yml
// files". A single malformed plan file is reported but does not prevent
// the rest of the directory from loading, matching ParsePlan's own
// accumulate-violations-don't-abort posture.
func LoadPlans(dir string) ([]LoadedPlan, []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, []error{fmt.Errorf("planrunner: reading %s: %w", dir, err)}
	}

	var plans []LoadedPlan
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".plan.yaml") && !strings.HasSuffix(name, ".plan.yml") {
			continue
		}
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("planrunner: reading %s: %w", path, err))
			continue
		}
		plan, err := ParsePlan(data)
		if err != nil {
			errs = append(errs, fmt.Errorf("planrunner: parsing %s: %w", path, err))
			continue
		}
		plans = append(plans, LoadedPlan{Plan: plan, Path: path})
	}
	return plans, errs
}

// Run drives plan through the Plan Runner state machine to completion,
// per spec.md §4.6's algorithm, and returns the diffs the Rollback
// Tracker captured around each step's filesystem-mutating tool call, per
// spec.md §3's "a run's on-disk record is a complete reconstruction of
// its events, steps, and diffs."
func (r *Runner) Run(execCtx *coretypes.ExecutionContext, plan *coretypes.Plan, runID string, trigger string) (*coretypes.PlanRun, []*coretypes.DiffEntry) {
	run := &coretypes.PlanRun{
		RunID:     runID,
		PlanName:  plan.Name,
		Status:    coretypes.RunRunning,
		Steps:     map[string]*coretypes.StepRun{},
		StartedAt: time.Now().UTC(),
		Trigger:   trigger,
	}

	execCtx.RunID = runID
	applyPlanPolicy(execCtx, plan.Policy)

	r.publish(execCtx, coretypes.EventRunStart, map[string]any{"plan": plan.Name, "runId": runID})

	for _, step := range plan.Steps {
		run.Steps[step.ID] = &coretypes.StepRun{ID: step.ID, Status: coretypes.StepPending}
	}

	var diffs []*coretypes.DiffEntry

	aborted := false
	for _, step := range plan.Steps {
		stepRun := run.Steps[step.ID]

		if unmet := unmetDependencies(step, run); len(unmet) > 0 {
			stepRun.Status = coretypes.StepSkipped
			stepRun.Error = fmt.Sprintf("unmet dependencies: %s", strings.Join(unmet, ", "))
			continue
		}

		if aborted {
			stepRun.Status = coretypes.StepSkipped
			stepRun.Error = "run aborted before this step executed"
			continue
		}

		result := r.engine.ExecuteStep(execCtx, step)
		run.Steps[step.ID] = result

		if r.tracker != nil {
			if stepDiffs := r.tracker.DiffsForStep(step.ID); len(stepDiffs) > 0 {
				diffs = append(diffs, stepDiffs...)
				for _, d := range stepDiffs {
					r.publish(execCtx, coretypes.EventDiffGenerated, map[string]any{"step": step.ID, "path": d.Path})
				}
			}
		}

		if result.Status == coretypes.StepFailed && step.OnFailure != coretypes.OnFailureSkip {
			aborted = true
		}
	}

	run.EndedAt = time.Now().UTC()
	run.Summary = summarize(run)

	if aborted {
		run.Status = coretypes.RunFailed
	} else if run.Summary.StepsFailed > 0 {
		run.Status = coretypes.RunFailed
	} else {
		run.Status = coretypes.RunCompleted
	}

	r.publish(execCtx, coretypes.EventRunComplete, map[string]any{"plan": plan.Name, "runId": runID, "status": string(run.Status)})
	return run, diffs
}

// unmetDependencies returns the dependency ids of step that are not yet
// in state StepCompleted.
func unmetDependencies(step coretypes.Step, run *coretypes.PlanRun) []string {
	var unmet []string
	for _, dep := range step.DependsOn {
		depRun, ok := run.Steps[dep]
		if !ok || depRun.Status != coretypes.StepCompleted {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

// applyPlanPolicy overlays the plan's embedded policy block onto the
// execution context: a pre_approve plan runs autonomously (no per-step
// confirmation prompts), and any plan-declared allowlists extend the
// run's effective scope on top of the global configuration.
func applyPlanPolicy(execCtx *coretypes.ExecutionContext, pp coretypes.PlanPolicy) {
	if pp.Approvals == coretypes.ApprovalPreApprove {
		execCtx.Autonomous = true
	}
	if execCtx.Config == nil || (len(pp.FilesystemAllowlist) == 0 && len(pp.CommandAllowlist) == 0) {
		return
	}

	cfg := *execCtx.Config
	cfg.Policy.FilesystemAllowlist = append(append([]string{}, execCtx.Config.Policy.FilesystemAllowlist...), pp.FilesystemAllowlist...)
	cfg.Policy.CommandAllowlist = append(append([]string{}, execCtx.Config.Policy.CommandAllowlist...), pp.CommandAllowlist...)
	execCtx.Config = &cfg
}

func summarize(run *coretypes.PlanRun) *coretypes.RunSummary {
	summary := &coretypes.RunSummary{DurationMS: run.EndedAt.Sub(run.StartedAt).Milliseconds()}
	for _, s := range run.Steps {
		switch s.Status {
		case coretypes.StepCompleted:
			summary.StepsCompleted++
		case coretypes.StepFailed:
			summary.StepsFailed++
		case coretypes.StepSkipped:
			summary.StepsSkipped++
		}
		if s.VerificationPassed != nil {
			if *s.VerificationPassed {
				summary.VerificationsPass++
			} else {
				summary.VerificationsFail++
			}
		}
	}
	return summary
}

func (r *Runner) publish(execCtx *coretypes.ExecutionContext, kind coretypes.AuditEventKind, payload map[string]any) {
	if execCtx == nil || execCtx.Bus == nil {
		return
	}
	execCtx.Bus.Publish(coretypes.AuditEvent{Kind: kind, Timestamp: time.Now().UTC(), Payload: payload})
}
