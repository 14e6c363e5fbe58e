// Package execengine implements the Execution Engine: running a single
// Plan step (tool call or skill invocation) with rollback-tracker
// snapshotting, verification against its declared checks, and the
// retry/skip/abort failure policy.
//
// The capture-before/capture-after/verify/retry shape is grounded on
// vinayprograms-agent/internal/executor/executor.go's executeRunStep and
// converge.go's iteration loop: a step runs, its output is inspected, and
// on failure the engine either tries again (bounded), moves on, or stops
// the run — generalizing converge.go's "repeat until converged or limit
// reached" loop from convergence-by-repeated-LLM-call into spec.md §4's
// retry/skip/abort policy over a single step execution.
package execengine

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/corvidrun/corvid/internal/coretypes"
	"github.com/corvidrun/corvid/internal/logging"
	"github.com/corvidrun/corvid/internal/metrics"
	"github.com/corvidrun/corvid/internal/model"
	"github.com/corvidrun/corvid/internal/rollback"
	"github.com/corvidrun/corvid/internal/skillreg"
	"github.com/corvidrun/corvid/internal/skillrunner"
	"github.com/corvidrun/corvid/internal/tool"
	"github.com/corvidrun/corvid/internal/tracing"
)

// Engine executes individual Plan steps against the Tool Registry and
// Skill Runner, tracking file mutations for rollback.
type Engine struct {
	registry    *tool.Registry
	skills      *skillreg.Registry
	skillRunner *skillrunner.Runner
	tracker     *rollback.Tracker
	provider    model.Provider
	log         *logging.Logger
	tracer      oteltrace.Tracer
	metrics     *metrics.Recorder
}

// New builds an Engine. provider may be nil if no step in the plan
// invokes a prompt-driven skill. Tracing and metrics are opt-in via
// SetTracer/SetMetrics — an Engine built with neither behaves exactly as
// spec.md describes, with no third-party side effects.
func New(reg *tool.Registry, skills *skillreg.Registry, runner *skillrunner.Runner, tracker *rollback.Tracker, provider model.Provider, log *logging.Logger) *Engine {
	if log == nil {
		log = logging.New()
	}
	return &Engine{registry: reg, skills: skills, skillRunner: runner, tracker: tracker, provider: provider, log: log.WithComponent("execengine"), tracer: tracing.Noop()}
}

// SetTracer installs an OpenTelemetry tracer that receives one span per
// step execution, per SPEC_FULL.md §2's ambient tracing stack.
func (e *Engine) SetTracer(tracer oteltrace.Tracer) { e.tracer = tracer }

// SetMetrics installs a Prometheus recorder observing step outcomes.
func (e *Engine) SetMetrics(rec *metrics.Recorder) { e.metrics = rec }

// ExecuteStep runs one step to completion, including its failure policy's
// retry loop, and returns the finalized run record. ExecuteStep itself
// never returns an error for a step that failed on its own terms — that
// is recorded in StepRun.Status/Error; an error return means the engine
// could not proceed at all (e.g. an abort policy exhausted retries).
func (e *Engine) ExecuteStep(execCtx *coretypes.ExecutionContext, step coretypes.Step) *coretypes.StepRun {
	spanCtx, span := e.tracer.Start(contextFor(execCtx), "execengine.step",
		oteltrace.WithAttributes(stepAttrs(step)...))
	defer span.End()
	_ = spanCtx

	run := e.executeStep(execCtx, step)

	kind := "tool"
	if step.Skill != "" {
		kind = "skill"
	}
	if e.metrics != nil {
		e.metrics.ObserveStep(run, kind)
	}
	if run.Status == coretypes.StepFailed {
		span.RecordError(fmt.Errorf("%s", run.Error))
	}
	return run
}

func (e *Engine) executeStep(execCtx *coretypes.ExecutionContext, step coretypes.Step) *coretypes.StepRun {
	run := &coretypes.StepRun{ID: step.ID, Status: coretypes.StepRunning}
	start := time.Now()

	execCtx.StepID = step.ID
	execCtx.StepRiskLevel = step.RiskLevel
	e.publish(execCtx, coretypes.EventStepStart, map[string]any{"step": step.ID})

	maxAttempts := 1
	if step.OnFailure == coretypes.OnFailureRetry && step.Retries > 0 {
		maxAttempts = step.Retries + 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		run.Attempts = attempt
		if attempt > 1 {
			run.Status = coretypes.StepRetrying
		}

		e.capturePreState(step)
		output, err := e.runOnce(execCtx, step)
		e.capturePostState(step)

		if err != nil {
			run.Error = err.Error()
			if ce, ok := coretypes.AsCoreError(err); ok {
				run.ErrorKind = ce.Kind
			}
			if attempt < maxAttempts {
				e.log.Warn("step attempt failed, retrying", map[string]any{"step": step.ID, "attempt": attempt, "error": err.Error()})
				continue
			}
			run.Status = coretypes.StepFailed
			run.DurationMS = time.Since(start).Milliseconds()
			e.publish(execCtx, coretypes.EventStepFailed, map[string]any{"step": step.ID, "error": run.Error})
			return e.applyFailurePolicy(step, run)
		}

		run.Output = output

		passed, detail := e.verify(execCtx, step, output)
		run.VerificationPassed = &passed
		run.VerificationDetail = detail

		if passed {
			run.Status = coretypes.StepCompleted
			run.DurationMS = time.Since(start).Milliseconds()
			e.publish(execCtx, coretypes.EventStepComplete, map[string]any{"step": step.ID})
			return run
		}

		run.Error = detail
		run.ErrorKind = coretypes.ErrVerificationFailed
		if attempt < maxAttempts {
			e.log.Warn("step verification failed, retrying", map[string]any{"step": step.ID, "attempt": attempt, "detail": detail})
			continue
		}
		run.Status = coretypes.StepFailed
		run.DurationMS = time.Since(start).Milliseconds()
		e.publish(execCtx, coretypes.EventStepFailed, map[string]any{"step": step.ID, "error": detail})
		return e.applyFailurePolicy(step, run)
	}

	run.Status = coretypes.StepFailed
	run.DurationMS = time.Since(start).Milliseconds()
	return run
}

// applyFailurePolicy turns a failed, exhausted-retries step into its
// final recorded status per the step's declared onFailure policy. Retry
// is handled inline in ExecuteStep's loop; this only resolves skip vs.
// abort once retries (if any) are spent.
func (e *Engine) applyFailurePolicy(step coretypes.Step, run *coretypes.StepRun) *coretypes.StepRun {
	if step.OnFailure == coretypes.OnFailureSkip {
		run.Status = coretypes.StepSkipped
	}
	return run
}

// runOnce dispatches a step to either the Tool Registry or the Skill
// Runner, depending on which the step declares.
func (e *Engine) runOnce(execCtx *coretypes.ExecutionContext, step coretypes.Step) (any, error) {
	switch {
	case step.Tool != "":
		res, err := e.registry.Dispatch(execCtx, step.Tool, step.Args)
		if err != nil {
			return nil, err
		}
		if !res.Success {
			return res.Output, coretypes.NewError(res.ErrorKind, res.Error)
		}
		return res.Output, nil

	case step.Skill != "":
		manifest, ok := e.skills.Get(step.Skill)
		if !ok {
			return nil, coretypes.NewError(coretypes.ErrSkillNotFound, fmt.Sprintf("no skill registered as %q", step.Skill))
		}
		result, err := e.runSkill(execCtx, manifest, step.Args)
		if err != nil {
			return nil, err
		}
		if !result.Success {
			return result.Output, coretypes.NewError(result.ErrorKind, result.Error)
		}
		return result.Output, nil

	default:
		return nil, coretypes.NewError(coretypes.ErrInvalidInput, fmt.Sprintf("step %q declares neither a tool nor a skill", step.ID))
	}
}

func (e *Engine) runSkill(execCtx *coretypes.ExecutionContext, manifest *coretypes.SkillManifest, args map[string]any) (*coretypes.SkillRunResult, error) {
	if manifest.InputSchema != nil {
		// Skill input validation reuses the same schema surface tools do;
		// dispatch-time validation happens inside RunPrompt/RunWorkflow's
		// own tool calls, so no separate gate is needed here.
	}
	prompt := fmt.Sprintf("Execute skill %q with the given inputs.", manifest.Name)
	return e.skillRunner.RunPrompt(execCtx, manifest, prompt, args, e.provider)
}

// verify runs every declared check and requires all to pass.
func (e *Engine) verify(execCtx *coretypes.ExecutionContext, step coretypes.Step, output any) (bool, string) {
	if len(step.Verify) == 0 {
		return true, ""
	}

	for _, check := range step.Verify {
		if check.FileExists != "" {
			if _, err := os.Stat(check.FileExists); err != nil {
				return false, fmt.Sprintf("expected file %q to exist: %v", check.FileExists, err)
			}
		}

		if check.Command != "" {
			res, err := e.registry.Dispatch(execCtx, "cmd.run", map[string]any{"command": check.Command})
			if err != nil {
				return false, fmt.Sprintf("verification command %q failed: %v", check.Command, err)
			}
			exec, ok := res.Output.(*tool.ExecResult)
			if !ok {
				return false, fmt.Sprintf("verification command %q produced no result", check.Command)
			}
			if check.ExitCode != nil && exec.ExitCode != *check.ExitCode {
				return false, fmt.Sprintf("verification command %q exited %d, expected %d", check.Command, exec.ExitCode, *check.ExitCode)
			}
			if check.Contains != "" && !strings.Contains(exec.Stdout, check.Contains) {
				return false, fmt.Sprintf("verification command %q output did not contain %q", check.Command, check.Contains)
			}
		} else if check.Contains != "" {
			if !strings.Contains(fmt.Sprintf("%v", output), check.Contains) {
				return false, fmt.Sprintf("step output did not contain %q", check.Contains)
			}
		}
	}
	return true, ""
}

// capturePreState snapshots the path a filesystem-mutating step is about
// to touch, per spec.md's Rollback Tracker integration.
func (e *Engine) capturePreState(step coretypes.Step) {
	if e.tracker == nil {
		return
	}
	if path, ok := filePath(step); ok {
		if err := e.tracker.CapturePre(step.ID, path); err != nil {
			e.log.Warn("rollback pre-capture failed", map[string]any{"step": step.ID, "path": path, "error": err.Error()})
		}
	}
}

func (e *Engine) capturePostState(step coretypes.Step) {
	if e.tracker == nil {
		return
	}
	if path, ok := filePath(step); ok {
		if err := e.tracker.CapturePost(step.ID, path); err != nil {
			e.log.Warn("rollback post-capture failed", map[string]any{"step": step.ID, "path": path, "error": err.Error()})
		}
	}
}

// filePath returns the path a step's rollback capture should snapshot,
// per spec.md §4.5 step (4): any tool whose name begins with "fs." and
// whose arguments contain a "path" is captured, not just fs.write/fs.edit.
func filePath(step coretypes.Step) (string, bool) {
	if !strings.HasPrefix(step.Tool, "fs.") {
		return "", false
	}
	if p, ok := step.Args["path"].(string); ok && p != "" {
		return p, true
	}
	return "", false
}

// contextFor derives a background context for span creation; the core's
// synchronous dispatch path has no context.Context of its own to thread
// through (spec.md's ExecutionContext predates this addendum), so tracing
// starts a fresh root span per step rather than forcing a signature change
// across every already-stable component.
func contextFor(_ *coretypes.ExecutionContext) context.Context { return context.Background() }

func stepAttrs(step coretypes.Step) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String("step.id", step.ID)}
	if step.Tool != "" {
		attrs = append(attrs, attribute.String("step.tool", step.Tool))
	}
	if step.Skill != "" {
		attrs = append(attrs, attribute.String("step.skill", step.Skill))
	}
	return attrs
}

func (e *Engine) publish(execCtx *coretypes.ExecutionContext, kind coretypes.AuditEventKind, payload map[string]any) {
	if execCtx == nil || execCtx.Bus == nil {
		return
	}
	execCtx.Bus.Publish(coretypes.AuditEvent{Kind: kind, Timestamp: time.Now().UTC(), Payload: payload})
}
