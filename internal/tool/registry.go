// Package tool implements the Tool Registry: built-in tool definitions,
// dispatch (schema validation, policy evaluation, execution), and the
// catalogue served to the Skill Runner and to any model-facing listing.
//
// Grounded on vinayprograms-agent's src/internal/tools/registry.go: a
// Registry holding name -> Tool, built-ins registered in one place, and a
// Definitions() catalogue filtered by what's currently enabled. Dispatch
// keeps that repo's (allowed bool, reason string) policy-check idiom but
// adds first-class schema validation and the allow/deny/confirm decision
// the deterministic Policy Engine computes from a tool's permissions.
package tool

import (
	"fmt"
	"time"

	"github.com/corvidrun/corvid/internal/coretypes"
	"github.com/corvidrun/corvid/internal/logging"
	"github.com/corvidrun/corvid/internal/metrics"
	"github.com/corvidrun/corvid/internal/policy"
	"github.com/corvidrun/corvid/internal/schema"
)

// Registry holds every registered ToolDefinition and dispatches calls
// against it, gated by the policy Engine and declared resource limits.
type Registry struct {
	tools   map[string]*coretypes.ToolDefinition
	policy  *policy.Engine
	log     *logging.Logger
	metrics *metrics.Recorder
}

// SetMetrics installs a Prometheus recorder observing tool-call and
// approval outcomes. Optional; a Registry built without one dispatches
// exactly as spec.md describes.
func (r *Registry) SetMetrics(rec *metrics.Recorder) { r.metrics = rec }

// NewRegistry builds a Registry pre-populated with the built-in tool set.
func NewRegistry(pol *policy.Engine, log *logging.Logger) *Registry {
	if log == nil {
		log = logging.New()
	}
	r := &Registry{
		tools:  map[string]*coretypes.ToolDefinition{},
		policy: pol,
		log:    log.WithComponent("tool"),
	}
	for _, def := range builtinTools(pol) {
		r.Register(def)
	}
	return r
}

// Register adds or replaces a tool definition.
func (r *Registry) Register(def *coretypes.ToolDefinition) {
	r.tools[def.Name] = def
}

// Get returns a tool definition by name.
func (r *Registry) Get(name string) (*coretypes.ToolDefinition, bool) {
	def, ok := r.tools[name]
	return def, ok
}

// Definitions returns the catalogue of tools enabled by the given list.
// A single "*" entry enables every registered tool.
func (r *Registry) Definitions(enabled []string) []*coretypes.ToolDefinition {
	all := enabledAll(enabled)
	var defs []*coretypes.ToolDefinition
	for _, def := range r.tools {
		if all || contains(enabled, def.Name) {
			defs = append(defs, def)
		}
	}
	return defs
}

func enabledAll(enabled []string) bool {
	for _, e := range enabled {
		if e == "*" {
			return true
		}
	}
	return false
}

func contains(list []string, name string) bool {
	for _, v := range list {
		if v == name {
			return true
		}
	}
	return false
}

// Dispatch validates input, evaluates policy, and executes a tool. The
// returned error is non-nil only for dispatch-level failures (tool not
// found/disabled/not allowed, schema violations); a tool that runs and
// fails on its own terms reports that failure inside Result instead.
func (r *Registry) Dispatch(ctx *coretypes.ExecutionContext, name string, input map[string]any) (*coretypes.Result, error) {
	def, ok := r.Get(name)
	if !ok {
		return nil, coretypes.NewError(coretypes.ErrToolNotFound, fmt.Sprintf("no tool registered as %q", name))
	}

	if ctx.Config != nil && !enabledAll(ctx.Config.Tools.Enabled) && !contains(ctx.Config.Tools.Enabled, name) {
		return nil, coretypes.NewError(coretypes.ErrToolDisabled, fmt.Sprintf("tool %q is disabled by configuration", name))
	}

	if def.InputSchema != nil {
		compiled, err := schema.Compile(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("tool: compiling schema for %q: %w", name, err)
		}
		if violations := compiled.Validate(input); len(violations) > 0 {
			return nil, coretypes.NewError(coretypes.ErrInvalidInput, fmt.Sprintf("input for %q failed validation", name), violations...)
		}
	}

	risk := riskForPermissions(def.Permissions)
	if ctx.StepRiskLevel != "" {
		risk = ctx.StepRiskLevel
	}
	action := &coretypes.ActionDescriptor{
		ToolName:    def.Name,
		Operation:   "execute",
		Description: def.Description,
		Permissions: def.Permissions,
		Arguments:   input,
		Risk:        risk,
	}

	decision := r.policy.Check(action)
	switch decision.Action {
	case coretypes.ActionDeny:
		r.publish(ctx, coretypes.EventPermissionDenied, map[string]any{"tool": name, "reason": decision.Reason})
		return nil, coretypes.NewError(coretypes.ErrPermissionDenied, decision.Reason)
	case coretypes.ActionConfirm:
		perms := def.Permissions
		if len(perms) == 0 {
			perms = []coretypes.Permission{""}
		}
		for _, perm := range perms {
			granted := r.policy.RequestApproval(ctx, action, perm)
			if r.metrics != nil {
				r.metrics.ObserveApproval(granted)
			}
			if !granted {
				r.publish(ctx, coretypes.EventApprovalDenied, map[string]any{"tool": name, "permission": perm})
				return nil, coretypes.NewError(coretypes.ErrApprovalDenied, fmt.Sprintf("approval denied for %q", name))
			}
		}
		r.publish(ctx, coretypes.EventApprovalGranted, map[string]any{"tool": name})
	}

	r.publish(ctx, coretypes.EventToolCall, map[string]any{"tool": name, "args": input})

	timeout := def.Timeout
	if timeout == 0 && ctx.Config != nil {
		timeout = time.Duration(ctx.Config.Tools.TimeoutMS) * time.Millisecond
	}

	start := time.Now()
	result, err := runWithTimeout(ctx, def.Operation, input, timeout)
	if result != nil {
		result.ElapsedMS = time.Since(start).Milliseconds()
	}

	success := err == nil && result != nil && result.Success
	r.publish(ctx, coretypes.EventToolResult, map[string]any{"tool": name, "success": success})
	if r.metrics != nil {
		r.metrics.ObserveToolCall(name, success)
	}
	return result, err
}

func (r *Registry) publish(ctx *coretypes.ExecutionContext, kind coretypes.AuditEventKind, payload map[string]any) {
	if ctx.Bus == nil {
		return
	}
	ctx.Bus.Publish(coretypes.AuditEvent{Kind: kind, Timestamp: time.Now().UTC(), Payload: payload})
}

func riskForPermissions(perms []coretypes.Permission) coretypes.RiskLevel {
	for _, p := range perms {
		switch p {
		case coretypes.PermExec, coretypes.PermFilesystemWrite, coretypes.PermSecrets:
			return coretypes.RiskHigh
		}
	}
	if len(perms) > 0 {
		return coretypes.RiskMedium
	}
	return coretypes.RiskLow
}

func runWithTimeout(ctx *coretypes.ExecutionContext, op coretypes.ToolOperation, input map[string]any, timeout time.Duration) (*coretypes.Result, error) {
	if timeout <= 0 {
		return op(ctx, input)
	}

	type outcome struct {
		res *coretypes.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := op(ctx, input)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-time.After(timeout):
		return nil, coretypes.NewError(coretypes.ErrTimeout, fmt.Sprintf("tool exceeded %s timeout", timeout))
	}
}
