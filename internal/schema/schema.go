// Package schema turns the first-class SchemaNode AST (coretypes.SchemaNode)
// into the two things spec.md's design notes ask for: a validator and a
// model-facing serializer. Validation is delegated to kaptinlin/jsonschema
// rather than hand-rolled reflection — the AST is compiled to a plain JSON
// Schema document once, cached, and checked on every call.
package schema

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonschema"

	"github.com/corvidrun/corvid/internal/coretypes"
)

// Compiled wraps a compiled jsonschema.Schema alongside the AST it came from.
type Compiled struct {
	node   *coretypes.SchemaNode
	schema *jsonschema.Schema
}

var (
	compiler    = jsonschema.NewCompiler()
	compileOnce sync.Map // *coretypes.SchemaNode -> *Compiled
)

// Compile converts a SchemaNode AST into a compiled validator. Compilation
// is memoized per node pointer since Tool/Skill schemas are immutable and
// shared across every call.
func Compile(node *coretypes.SchemaNode) (*Compiled, error) {
	if node == nil {
		return &Compiled{node: node}, nil
	}
	if cached, ok := compileOnce.Load(node); ok {
		return cached.(*Compiled), nil
	}

	doc := ToJSONSchema(node)
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("schema: marshal AST: %w", err)
	}

	sch, err := compiler.Compile(raw)
	if err != nil {
		return nil, fmt.Errorf("schema: compile: %w", err)
	}

	c := &Compiled{node: node, schema: sch}
	compileOnce.Store(node, c)
	return c, nil
}

// Validate checks input against the compiled schema and returns a
// human-readable list of violations (empty slice means valid).
func (c *Compiled) Validate(input map[string]any) []string {
	if c.schema == nil {
		return nil
	}
	result := c.schema.Validate(input)
	if result.IsValid() {
		return nil
	}
	var violations []string
	for field, e := range result.Errors {
		violations = append(violations, fmt.Sprintf("%s: %s", field, e.Message))
	}
	if len(violations) == 0 {
		violations = append(violations, "input does not match schema")
	}
	return violations
}

// ToJSONSchema serializes a SchemaNode AST into a plain JSON-Schema-shaped
// map, suitable both for kaptinlin/jsonschema compilation and for
// presenting a tool's input shape to a language model as part of its tool
// catalogue.
func ToJSONSchema(node *coretypes.SchemaNode) map[string]any {
	if node == nil {
		return map[string]any{"type": "object"}
	}

	out := map[string]any{}
	if node.Description != "" {
		out["description"] = node.Description
	}
	if node.Default != nil {
		out["default"] = node.Default
	}

	switch node.Kind {
	case coretypes.SchemaObject:
		out["type"] = "object"
		props := map[string]any{}
		for name, child := range node.Properties {
			props[name] = ToJSONSchema(child)
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
		out["items"] = ToJSONSchema(node.Items)
	case coretypes.SchemaEnum:
		out["enum"] = node.Values
	default:
		out["type"] = "object"
	}
	return out
}
