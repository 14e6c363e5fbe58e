package skillrunner

import (
	"testing"

	"github.com/corvidrun/corvid/internal/coretypes"
	"github.com/corvidrun/corvid/internal/model"
	"github.com/corvidrun/corvid/internal/policy"
	"github.com/corvidrun/corvid/internal/tool"
)

func newTestRegistry() *tool.Registry {
	pol := policy.New(coretypes.PolicyConfig{DefaultApproval: coretypes.ActionAllow}, nil)
	return tool.NewRegistry(pol, nil)
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

func TestRunPrompt_HappyPathNoTools(t *testing.T) {
	reg := newTestRegistry()
	runner := New(reg, nil)
	manifest := &coretypes.SkillManifest{Name: "greeter", Version: "1.0.0"}
	provider := &model.StaticProvider{Responses: []model.ChatResponse{
		{Content: "hello there", FinishReason: "stop"},
	}}

	res, err := runner.RunPrompt(newTestContext(t.TempDir()), manifest, "Greet {{name}}", map[string]any{"name": "Ada"}, provider)
	if err != nil {
		t.Fatalf("RunPrompt: %v", err)
	}
	if !res.Success || res.Output != "hello there" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRunPrompt_DispatchesAllowedTool(t *testing.T) {
	dir := t.TempDir()
	reg := newTestRegistry()
	runner := New(reg, nil)
	manifest := &coretypes.SkillManifest{Name: "writer", Version: "1.0.0", ToolAllowlist: []string{"fs.write"}}
	provider := &model.StaticProvider{Responses: []model.ChatResponse{
		{ToolCalls: []model.ToolCall{{ID: "1", Name: "fs.write", Arguments: map[string]any{"path": "out.txt", "content": "hi"}}}},
		{Content: "done", FinishReason: "stop"},
	}}

	res, err := runner.RunPrompt(newTestContext(dir), manifest, "write a file", nil, provider)
	if err != nil {
		t.Fatalf("RunPrompt: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if len(res.ToolCalls) != 1 || !res.ToolCalls[0].Success {
		t.Fatalf("expected one successful tool call, got %+v", res.ToolCalls)
	}
}

func TestRunPrompt_UnallowedToolSynthesizesError(t *testing.T) {
	dir := t.TempDir()
	reg := newTestRegistry()
	runner := New(reg, nil)
	manifest := &coretypes.SkillManifest{Name: "reader-only", Version: "1.0.0", ToolAllowlist: []string{"fs.read"}}
	provider := &model.StaticProvider{Responses: []model.ChatResponse{
		{ToolCalls: []model.ToolCall{{ID: "1", Name: "fs.write", Arguments: map[string]any{"path": "out.txt", "content": "hi"}}}},
		{Content: "gave up", FinishReason: "stop"},
	}}

	res, err := runner.RunPrompt(newTestContext(dir), manifest, "try to write", nil, provider)
	if err != nil {
		t.Fatalf("RunPrompt: %v", err)
	}
	if len(res.ToolCalls) != 1 || res.ToolCalls[0].Success {
		t.Fatalf("expected the disallowed call to fail, got %+v", res.ToolCalls)
	}
}

func TestRunPrompt_UnknownToolIsToolNotFound(t *testing.T) {
	dir := t.TempDir()
	reg := newTestRegistry()
	runner := New(reg, nil)
	manifest := &coretypes.SkillManifest{Name: "s", Version: "1.0.0", ToolAllowlist: []string{"fs.read"}}
	provider := &model.StaticProvider{Responses: []model.ChatResponse{
		{ToolCalls: []model.ToolCall{{ID: "1", Name: "does.not.exist", Arguments: map[string]any{}}}},
		{Content: "done", FinishReason: "stop"},
	}}

	res, err := runner.RunPrompt(newTestContext(dir), manifest, "p", nil, provider)
	if err != nil {
		t.Fatalf("RunPrompt: %v", err)
	}
	if len(res.ToolCalls) != 1 {
		t.Fatalf("expected one call record, got %+v", res.ToolCalls)
	}
	if res.ToolCalls[0].Error == "" {
		t.Fatal("expected an error recorded for the unknown tool")
	}
}

func TestRunPrompt_TerminatesAtIterationBound(t *testing.T) {
	dir := t.TempDir()
	reg := newTestRegistry()
	runner := New(reg, nil)
	manifest := &coretypes.SkillManifest{Name: "looper", Version: "1.0.0", ToolAllowlist: []string{"fs.read"}}

	var responses []model.ChatResponse
	for i := 0; i < MaxIterations+5; i++ {
		responses = append(responses, model.ChatResponse{
			ToolCalls: []model.ToolCall{{ID: "x", Name: "fs.read", Arguments: map[string]any{"path": "nope.txt"}}},
		})
	}
	provider := &model.StaticProvider{Responses: responses}

	res, err := runner.RunPrompt(newTestContext(dir), manifest, "loop forever", nil, provider)
	if err != nil {
		t.Fatalf("RunPrompt: %v", err)
	}
	if res.Success {
		t.Fatal("expected the loop to fail once the iteration bound is exceeded")
	}
	if len(res.ToolCalls) != MaxIterations {
		t.Fatalf("expected exactly %d tool calls, got %d", MaxIterations, len(res.ToolCalls))
	}
}

func TestRunWorkflow_EnforcesAllowlist(t *testing.T) {
	dir := t.TempDir()
	reg := newTestRegistry()
	runner := New(reg, nil)
	manifest := &coretypes.SkillManifest{Name: "wf", Version: "1.0.0", ToolAllowlist: []string{"fs.write"}}

	fn := func(inputs map[string]any, exec ToolExecutor, ctx *coretypes.ExecutionContext) (string, error) {
		if _, err := exec("cmd.run", map[string]any{"command": "echo hi"}); err == nil {
			t.Fatal("expected disallowed tool to error")
		}
		if _, err := exec("fs.write", map[string]any{"path": "a.txt", "content": "x"}); err != nil {
			return "", err
		}
		return "wrote file", nil
	}

	res, err := runner.RunWorkflow(newTestContext(dir), manifest, nil, fn)
	if err != nil {
		t.Fatalf("RunWorkflow: %v", err)
	}
	if !res.Success || res.Output != "wrote file" {
		t.Fatalf("unexpected result: %+v", res)
	}
}
