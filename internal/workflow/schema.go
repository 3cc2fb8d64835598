package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mozaiks/core/pkg/runtime"
)

// Validator holds one compiled JSON Schema per structured-output model
// declared in a bundle, resolved (including inheritance) at load time.
type Validator struct {
	schemas map[string]*jsonschema.Schema
	raw     map[string]json.RawMessage
}

// CompileValidator builds a Validator for every model in bundle,
// flattening `inherits` into the child's effective field list before
// compiling, per spec §4.5's structured-output type system.
func CompileValidator(bundle *runtime.Bundle) (*Validator, error) {
	models := make(map[string]runtime.ModelDef, len(bundle.StructuredOutputs))
	for _, m := range bundle.StructuredOutputs {
		models[m.Name] = m
	}

	compiler := jsonschema.NewCompiler()
	v := &Validator{
		schemas: make(map[string]*jsonschema.Schema, len(models)),
		raw:     make(map[string]json.RawMessage, len(models)),
	}

	for name := range models {
		fields, err := resolveFields(name, models, map[string]bool{})
		if err != nil {
			return nil, err
		}
		doc := fieldsToJSONSchema(fields, models)
		resourceName := "mem://models/" + name + ".json"
		raw, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("workflow: marshal schema for %q: %w", name, err)
		}
		var parsed any
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, fmt.Errorf("workflow: reparse schema for %q: %w", name, err)
		}
		if err := compiler.AddResource(resourceName, parsed); err != nil {
			return nil, fmt.Errorf("workflow: register schema for %q: %w", name, err)
		}
		schema, err := compiler.Compile(resourceName)
		if err != nil {
			return nil, fmt.Errorf("workflow: compile schema for %q: %w", name, err)
		}
		v.schemas[name] = schema
		v.raw[name] = raw
	}
	return v, nil
}

// RawSchema returns model's JSON Schema document, for callers (the LLM
// client layer) that need to pass it to a provider's schema-constrained
// decoding mode rather than validate against it directly.
func (v *Validator) RawSchema(model string) (json.RawMessage, bool) {
	raw, ok := v.raw[model]
	return raw, ok
}

// Validate checks data (already unmarshalled into a generic
// map[string]any / []any / scalar tree) against model's compiled
// schema.
func (v *Validator) Validate(model string, data any) error {
	schema, ok := v.schemas[model]
	if !ok {
		return fmt.Errorf("workflow: no compiled schema for model %q", model)
	}
	return schema.Validate(data)
}

// resolveFields walks the inherits chain, child fields overriding a
// parent field of the same name, and returns the fully flattened field
// list for model `name`.
func resolveFields(name string, models map[string]runtime.ModelDef, seen map[string]bool) ([]runtime.FieldDef, error) {
	if seen[name] {
		return nil, fmt.Errorf("workflow: circular inheritance at %q", name)
	}
	seen[name] = true

	m, ok := models[name]
	if !ok {
		return nil, fmt.Errorf("workflow: unknown model %q", name)
	}

	var parentFields []runtime.FieldDef
	if m.Inherits != "" {
		var err error
		parentFields, err = resolveFields(m.Inherits, models, seen)
		if err != nil {
			return nil, err
		}
	}

	byName := make(map[string]runtime.FieldDef, len(parentFields)+len(m.Fields))
	var order []string
	for _, f := range parentFields {
		if _, exists := byName[f.Name]; !exists {
			order = append(order, f.Name)
		}
		byName[f.Name] = f
	}
	for _, f := range m.Fields {
		if _, exists := byName[f.Name]; !exists {
			order = append(order, f.Name)
		}
		byName[f.Name] = f
	}

	out := make([]runtime.FieldDef, 0, len(order))
	for _, n := range order {
		out = append(out, byName[n])
	}
	return out, nil
}

func fieldsToJSONSchema(fields []runtime.FieldDef, models map[string]runtime.ModelDef) map[string]any {
	props := make(map[string]any, len(fields))
	var required []string
	for _, f := range fields {
		props[f.Name] = fieldToJSONSchema(f, models)
		if !f.Optional {
			required = append(required, f.Name)
		}
	}
	doc := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}

func fieldToJSONSchema(f runtime.FieldDef, models map[string]runtime.ModelDef) map[string]any {
	switch f.Kind {
	case runtime.FieldString:
		return map[string]any{"type": "string"}
	case runtime.FieldInt:
		return map[string]any{"type": "integer"}
	case runtime.FieldFloat:
		return map[string]any{"type": "number"}
	case runtime.FieldBool:
		return map[string]any{"type": "boolean"}
	case runtime.FieldEnum:
		values := make([]any, len(f.Enum))
		for i, e := range f.Enum {
			values[i] = e
		}
		return map[string]any{"type": "string", "enum": values}
	case runtime.FieldList:
		return map[string]any{"type": "array", "items": fieldToJSONSchema(*f.Of, models)}
	case runtime.FieldDict:
		return map[string]any{"type": "object", "additionalProperties": fieldToJSONSchema(*f.Of, models)}
	case runtime.FieldUnion:
		alts := make([]any, len(f.Union))
		for i, alt := range f.Union {
			alts[i] = fieldToJSONSchema(alt, models)
		}
		return map[string]any{"anyOf": alts}
	case runtime.FieldNested:
		nestedFields, err := resolveFields(f.Model, models, map[string]bool{})
		if err != nil {
			return map[string]any{"type": "object"}
		}
		return fieldsToJSONSchema(nestedFields, models)
	default:
		return map[string]any{}
	}
}
