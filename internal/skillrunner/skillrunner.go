// Package skillrunner implements the Skill Runner: the agentic tool-use
// loop that drives a prompt-driven Skill through a language model, and
// the workflow-driven variant that instead calls a supplied entrypoint
// function.
//
// The bounded iteration loop (seed messages -> call model -> dispatch any
// tool calls -> feed results back -> repeat until no tool calls or the
// iteration bound is hit) is grounded on vinayprograms-agent's
// internal/executor/subagent.go subAgentExecutePhase: same message-log
// shape, same "no tool calls = done" termination, same per-call tracking
// of tools used. The allow-list check ahead of dispatch is grounded on
// that file's depth-limiting filter (it excludes spawn_agent/spawn_agents
// from a sub-agent's tool catalogue); here the filter is the skill
// manifest's own ToolAllowlist instead of a hardcoded exclusion set.
package skillrunner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/corvidrun/corvid/internal/coretypes"
	"github.com/corvidrun/corvid/internal/logging"
	"github.com/corvidrun/corvid/internal/model"
	"github.com/corvidrun/corvid/internal/tool"
	"github.com/corvidrun/corvid/internal/tracing"
)

// MaxIterations is the hard bound on the agentic loop's turns, per
// spec.md §4.4 step 4 ("bounded loop, hard limit, default 20").
const MaxIterations = 20

// ToolExecutor is the function handed to a workflow-driven skill's
// entrypoint; it enforces the same allow-list check the prompt-driven
// branch applies before routing through the Tool Registry.
type ToolExecutor func(name string, args map[string]any) (*coretypes.Result, error)

// WorkflowFunc is a workflow-driven skill's entrypoint signature.
type WorkflowFunc func(inputs map[string]any, exec ToolExecutor, ctx *coretypes.ExecutionContext) (string, error)

// Runner executes Skills against a Tool Registry.
type Runner struct {
	registry *tool.Registry
	log      *logging.Logger
	tracer   oteltrace.Tracer
}

// New builds a Runner dispatching tool calls through reg.
func New(reg *tool.Registry, log *logging.Logger) *Runner {
	if log == nil {
		log = logging.New()
	}
	return &Runner{registry: reg, log: log.WithComponent("skillrunner"), tracer: tracing.Noop()}
}

// SetTracer installs an OpenTelemetry tracer that receives one span per
// agentic-loop iteration, per spec.md §9's "Agentic loop control flow"
// design note and SPEC_FULL.md §2's ambient tracing stack.
func (r *Runner) SetTracer(tracer oteltrace.Tracer) { r.tracer = tracer }

// RunPrompt executes a prompt-driven skill: template the prompt, seed a
// message log, and loop the model against the tool catalogue until it
// stops requesting tools or the iteration bound is hit.
func (r *Runner) RunPrompt(execCtx *coretypes.ExecutionContext, manifest *coretypes.SkillManifest, promptTemplate string, input map[string]any, provider model.Provider) (*coretypes.SkillRunResult, error) {
	start := time.Now()
	result := &coretypes.SkillRunResult{}

	systemPrompt := templatePrompt(promptTemplate, input)
	messages := []model.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: serializeInputs(input)},
	}

	toolDefs := r.catalogueFor(manifest)
	r.publish(execCtx, coretypes.EventSkillLoaded, map[string]any{"skill": manifest.Name, "version": manifest.Version})

	ctx := context.Background()
	for i := 0; i < MaxIterations; i++ {
		iterCtx, span := r.tracer.Start(ctx, "skillrunner.iteration",
			oteltrace.WithAttributes(attribute.String("skill", manifest.Name), attribute.Int("iteration", i)))
		resp, err := provider.Chat(iterCtx, model.ChatRequest{Messages: messages, Tools: toolDefs})
		span.End()
		if err != nil {
			result.Success = false
			result.Error = err.Error()
			result.ErrorKind = coretypes.ErrRunAborted
			result.DurationMS = time.Since(start).Milliseconds()
			return result, nil
		}

		if !resp.HasToolCalls() {
			result.Success = true
			result.Output = resp.Content
			break
		}

		messages = append(messages, model.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})

		for _, call := range resp.ToolCalls {
			msg, record := r.dispatchCall(execCtx, manifest, call)
			messages = append(messages, msg)
			result.ToolCalls = append(result.ToolCalls, record)
		}

		if i == MaxIterations-1 {
			result.Success = false
			result.Output = resp.Content
			result.Error = fmt.Sprintf("skill runner exceeded %d-iteration bound", MaxIterations)
		}
	}

	result.DurationMS = time.Since(start).Milliseconds()

	if len(manifest.Validators) > 0 {
		ok := r.runValidators(execCtx, manifest)
		result.ValidatorsRan = manifest.Validators
		result.ValidatorsOK = ok
		if !ok && result.Success {
			result.Success = false
			result.Error = "one or more declared validators failed"
			result.ErrorKind = coretypes.ErrValidatorFailed
		}
	} else {
		result.ValidatorsOK = true
	}

	if manifest.DriftCheck && result.Success {
		result.DriftVerdict = r.driftCheck(ctx, provider, manifest, input, result.Output)
	}

	return result, nil
}

// RunWorkflow executes a workflow-driven skill by calling its entrypoint
// directly with a ToolExecutor bound to the same allow-list enforcement.
func (r *Runner) RunWorkflow(execCtx *coretypes.ExecutionContext, manifest *coretypes.SkillManifest, input map[string]any, fn WorkflowFunc) (*coretypes.SkillRunResult, error) {
	start := time.Now()
	result := &coretypes.SkillRunResult{}

	r.publish(execCtx, coretypes.EventSkillLoaded, map[string]any{"skill": manifest.Name, "version": manifest.Version})

	executor := func(name string, args map[string]any) (*coretypes.Result, error) {
		if err := r.checkAllowed(manifest, name); err != nil {
			return nil, err
		}
		callStart := time.Now()
		res, err := r.registry.Dispatch(execCtx, name, args)
		record := coretypes.ToolCallRecord{Name: name, Input: args, Duration: time.Since(callStart).Milliseconds()}
		if err != nil {
			record.Success = false
			record.Error = err.Error()
		} else {
			record.Success = res.Success
			record.Output = res.Output
			record.Error = res.Error
		}
		result.ToolCalls = append(result.ToolCalls, record)
		return res, err
	}

	output, err := fn(input, executor, execCtx)
	result.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		result.Success = false
		result.Error = err.Error()
		return result, nil
	}

	result.Success = true
	result.Output = output

	if len(manifest.Validators) > 0 {
		ok := r.runValidators(execCtx, manifest)
		result.ValidatorsRan = manifest.Validators
		result.ValidatorsOK = ok
		if !ok {
			result.Success = false
			result.Error = "one or more declared validators failed"
			result.ErrorKind = coretypes.ErrValidatorFailed
		}
	} else {
		result.ValidatorsOK = true
	}

	return result, nil
}

// dispatchCall resolves and invokes one tool call, returning the
// tool-result message to append to the log and the record to keep for
// the SkillRunResult.
func (r *Runner) dispatchCall(execCtx *coretypes.ExecutionContext, manifest *coretypes.SkillManifest, call model.ToolCall) (model.Message, coretypes.ToolCallRecord) {
	record := coretypes.ToolCallRecord{Name: call.Name, Input: call.Arguments}

	if err := r.checkAllowed(manifest, call.Name); err != nil {
		record.Success = false
		record.Error = err.Error()
		return errorToolMessage(call, err), record
	}

	start := time.Now()
	res, err := r.registry.Dispatch(execCtx, call.Name, call.Arguments)
	record.Duration = time.Since(start).Milliseconds()

	r.publish(execCtx, coretypes.EventToolCall, map[string]any{"tool": call.Name, "skill": manifest.Name})

	if err != nil {
		record.Success = false
		record.Error = err.Error()
		return errorToolMessage(call, err), record
	}

	record.Success = res.Success
	record.Output = res.Output
	record.Error = res.Error

	return model.Message{
		Role:       "tool",
		Content:    fmt.Sprintf("%v", res.Output),
		ToolCallID: call.ID,
		ToolName:   call.Name,
	}, record
}

// checkAllowed resolves spec.md §9's "Open question — skill allow-list
// enforcement": unknown tool name -> ErrToolNotFound; a tool the registry
// knows but the skill's manifest does not allow -> ErrToolNotAllowed.
// Applied uniformly to both the prompt-driven and workflow-driven
// branches, resolving the source's inconsistency between them.
func (r *Runner) checkAllowed(manifest *coretypes.SkillManifest, name string) error {
	if _, ok := r.registry.Get(name); !ok {
		return coretypes.NewError(coretypes.ErrToolNotFound, fmt.Sprintf("no tool registered as %q", name))
	}
	if !manifest.AllowsTool(name) {
		return coretypes.NewError(coretypes.ErrToolNotAllowed, fmt.Sprintf("tool %q is not in skill %q's allow-list", name, manifest.Name))
	}
	return nil
}

func errorToolMessage(call model.ToolCall, err error) model.Message {
	return model.Message{
		Role:       "tool",
		Content:    fmt.Sprintf(`{"error": %q}`, err.Error()),
		ToolCallID: call.ID,
		ToolName:   call.Name,
	}
}

// catalogueFor builds the model-facing tool catalogue as the intersection
// of the skill's allow-list and the Tool Registry, per spec.md §4.4 step 2.
func (r *Runner) catalogueFor(manifest *coretypes.SkillManifest) []model.ToolDefinition {
	var defs []model.ToolDefinition
	for _, name := range manifest.ToolAllowlist {
		def, ok := r.registry.Get(name)
		if !ok {
			continue
		}
		var params map[string]any
		if def.InputSchema != nil {
			params = toJSONSchema(def.InputSchema)
		}
		defs = append(defs, model.ToolDefinition{Name: def.Name, Description: def.Description, Parameters: params})
	}
	return defs
}

// toJSONSchema avoids importing internal/schema's kaptinlin-backed
// compiler here — the model catalogue only needs the raw AST-to-map
// serialization, not a compiled validator.
func toJSONSchema(node *coretypes.SchemaNode) map[string]any {
	if node == nil {
		return map[string]any{"type": "object"}
	}
	out := map[string]any{}
	switch node.Kind {
	case coretypes.SchemaObject:
		out["type"] = "object"
		props := map[string]any{}
		for name, child := range node.Properties {
			props[name] = toJSONSchema(child)
		}
		out["properties"] = props
		if len(node.Required) > 0 {
			out["required"] = node.Required
		}
	case coretypes.SchemaString:
		out["type"] = "string"
	case coretypes.SchemaNumber:
		out["type"] = "number"
	case coretypes.SchemaBoolean:
		out["type"] = "boolean"
	case coretypes.SchemaArray:
		out["type"] = "array"
		out["items"] = toJSONSchema(node.Items)
	case coretypes.SchemaEnum:
		out["enum"] = node.Values
	}
	if node.Description != "" {
		out["description"] = node.Description
	}
	return out
}

// templatePrompt replaces every {{key}} occurrence with the stringified
// input value, per spec.md §4.4 step 1.
func templatePrompt(tpl string, input map[string]any) string {
	out := tpl
	for k, v := range input {
		out = strings.ReplaceAll(out, "{{"+k+"}}", fmt.Sprintf("%v", v))
	}
	return out
}

func serializeInputs(input map[string]any) string {
	var sb strings.Builder
	sb.WriteString("Inputs:\n")
	for k, v := range input {
		fmt.Fprintf(&sb, "- %s: %v\n", k, v)
	}
	return sb.String()
}

// runValidators runs every declared validator command and requires all
// to exit 0 for the skill to be considered successful, per spec.md §4.4
// step 5.
func (r *Runner) runValidators(execCtx *coretypes.ExecutionContext, manifest *coretypes.SkillManifest) bool {
	for _, v := range manifest.Validators {
		res, err := r.registry.Dispatch(execCtx, "cmd.run", map[string]any{"command": v})
		if err != nil || res == nil || !res.Success {
			r.log.Warn("skill validator failed", map[string]any{"skill": manifest.Name, "validator": v})
			return false
		}
		if exec, ok := res.Output.(*tool.ExecResult); ok && exec.ExitCode != 0 {
			r.log.Warn("skill validator exited non-zero", map[string]any{"skill": manifest.Name, "validator": v, "exitCode": exec.ExitCode})
			return false
		}
	}
	return true
}

// driftCheck asks the model whether it stayed within the scope it
// committed to, per SPEC_FULL.md §4.4's supervised-verification addendum.
// A model error or malformed verdict is treated as "continue" — drift
// checking is an advisory signal, never a hard gate, per spec.
func (r *Runner) driftCheck(ctx context.Context, provider model.Provider, manifest *coretypes.SkillManifest, input map[string]any, output string) string {
	question := fmt.Sprintf(
		"You just completed skill %q with inputs %v and produced:\n%s\n\nDid you accomplish what you committed to and stay in scope? Answer with exactly one word: continue or flag.",
		manifest.Name, input, output,
	)
	resp, err := provider.Chat(ctx, model.ChatRequest{Messages: []model.Message{{Role: "user", Content: question}}})
	if err != nil {
		return "continue"
	}
	verdict := strings.ToLower(strings.TrimSpace(resp.Content))
	if strings.Contains(verdict, "flag") {
		return "flag"
	}
	return "continue"
}

func (r *Runner) publish(execCtx *coretypes.ExecutionContext, kind coretypes.AuditEventKind, payload map[string]any) {
	if execCtx == nil || execCtx.Bus == nil {
		return
	}
	execCtx.Bus.Publish(coretypes.AuditEvent{Kind: kind, Timestamp: time.Now().UTC(), Payload: payload})
}
