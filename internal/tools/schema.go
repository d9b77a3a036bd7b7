package tools

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

// Param is one top-level parameter of a tool's input schema.
type Param struct {
	Name        string
	Type        string
	Required    bool
	Description string
}

// Schema is a tool's input schema in two forms: the raw JSON object sent to
// the model and a resolved validator used before dispatch.
type Schema struct {
	Raw    map[string]any
	Params []Param

	resolved *jsonschema.Resolved
}

// CompileSchema parses and resolves a JSON schema object. The input map is
// not mutated.
func CompileSchema(raw map[string]any) (*Schema, error) {
	if raw == nil {
		raw = map[string]any{"type": "object"}
	}
	if t, ok := raw["type"]; ok && t != "object" {
		return nil, fmt.Errorf("input schema type must be object, got %v", t)
	}

	// Resolution must not depend on remote identifiers or draft markers.
	clean := maps.Clone(raw)
	delete(clean, "$schema")
	delete(clean, "$id")
	delete(clean, "id")

	data, err := json.Marshal(clean)
	if err != nil {
		return nil, fmt.Errorf("marshal input schema: %w", err)
	}
	var js jsonschema.Schema
	if err := json.Unmarshal(data, &js); err != nil {
		return nil, fmt.Errorf("parse input schema: %w", err)
	}
	resolved, err := js.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve input schema: %w", err)
	}

	return &Schema{Raw: raw, Params: paramsOf(raw), resolved: resolved}, nil
}

// Validate checks arguments against the schema.
func (s *Schema) Validate(args map[string]any) error {
	if s == nil || s.resolved == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := s.resolved.Validate(args); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

// Signature renders the parameter list, e.g. "a: number, b?: string".
func (s *Schema) Signature() string {
	if s == nil {
		return ""
	}
	parts := make([]string, len(s.Params))
	for i, p := range s.Params {
		name := p.Name
		if !p.Required {
			name += "?"
		}
		if p.Type != "" {
			name += ": " + p.Type
		}
		parts[i] = name
	}
	return strings.Join(parts, ", ")
}

func paramsOf(raw map[string]any) []Param {
	props, _ := raw["properties"].(map[string]any)
	required := map[string]bool{}
	switch req := raw["required"].(type) {
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				required[s] = true
			}
		}
	case []string:
		for _, s := range req {
			required[s] = true
		}
	}

	names := slices.Sorted(maps.Keys(props))
	params := make([]Param, 0, len(names))
	for _, name := range names {
		p := Param{Name: name, Required: required[name]}
		if prop, ok := props[name].(map[string]any); ok {
			p.Type = typeName(prop["type"])
			p.Description, _ = prop["description"].(string)
		}
		params = append(params, p)
	}
	return params
}

func typeName(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		names := make([]string, 0, len(t))
		for _, n := range t {
			if s, ok := n.(string); ok {
				names = append(names, s)
			}
		}
		return strings.Join(names, "|")
	default:
		return ""
	}
}
