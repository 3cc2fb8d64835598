package workflow

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mozaiks/core/pkg/runtime"
)

func bundleWithModels(models ...runtime.ModelDef) *runtime.Bundle {
	return &runtime.Bundle{
		Name:              "b",
		Agents:            []runtime.AgentDefinition{{Name: "a1"}},
		StructuredOutputs: models,
	}
}

func TestCompileValidatorAcceptsMatchingDocument(t *testing.T) {
	b := bundleWithModels(runtime.ModelDef{
		Name: "TriageResult",
		Fields: []runtime.FieldDef{
			{Name: "severity", Kind: runtime.FieldEnum, Enum: []string{"low", "medium", "high"}},
			{Name: "summary", Kind: runtime.FieldString},
			{Name: "tags", Kind: runtime.FieldList, Of: &runtime.FieldDef{Kind: runtime.FieldString}},
		},
	})
	v, err := CompileValidator(b)
	require.NoError(t, err)

	err = v.Validate("TriageResult", map[string]any{
		"severity": "high",
		"summary":  "customer is locked out",
		"tags":     []any{"urgent", "auth"},
	})
	require.NoError(t, err)
}

func TestCompileValidatorRejectsUnknownEnumValue(t *testing.T) {
	b := bundleWithModels(runtime.ModelDef{
		Name: "TriageResult",
		Fields: []runtime.FieldDef{
			{Name: "severity", Kind: runtime.FieldEnum, Enum: []string{"low", "medium", "high"}},
		},
	})
	v, err := CompileValidator(b)
	require.NoError(t, err)

	err = v.Validate("TriageResult", map[string]any{"severity": "critical"})
	require.Error(t, err)
}

func TestCompileValidatorRejectsMissingRequiredField(t *testing.T) {
	b := bundleWithModels(runtime.ModelDef{
		Name:   "Basic",
		Fields: []runtime.FieldDef{{Name: "id", Kind: runtime.FieldString}},
	})
	v, err := CompileValidator(b)
	require.NoError(t, err)

	require.Error(t, v.Validate("Basic", map[string]any{}))
}

func TestCompileValidatorAllowsMissingOptionalField(t *testing.T) {
	b := bundleWithModels(runtime.ModelDef{
		Name: "Basic",
		Fields: []runtime.FieldDef{
			{Name: "id", Kind: runtime.FieldString},
			{Name: "note", Kind: runtime.FieldString, Optional: true},
		},
	})
	v, err := CompileValidator(b)
	require.NoError(t, err)

	require.NoError(t, v.Validate("Basic", map[string]any{"id": "x"}))
}

func TestCompileValidatorFlattensInheritance(t *testing.T) {
	b := bundleWithModels(
		runtime.ModelDef{Name: "Base", Fields: []runtime.FieldDef{{Name: "id", Kind: runtime.FieldString}}},
		runtime.ModelDef{Name: "Child", Inherits: "Base", Fields: []runtime.FieldDef{{Name: "extra", Kind: runtime.FieldInt}}},
	)
	v, err := CompileValidator(b)
	require.NoError(t, err)

	require.NoError(t, v.Validate("Child", map[string]any{"id": "x", "extra": float64(3)}))
	require.Error(t, v.Validate("Child", map[string]any{"extra": float64(3)}))
}

func TestCompileValidatorResolvesNestedModel(t *testing.T) {
	b := bundleWithModels(
		runtime.ModelDef{Name: "Address", Fields: []runtime.FieldDef{{Name: "city", Kind: runtime.FieldString}}},
		runtime.ModelDef{Name: "Customer", Fields: []runtime.FieldDef{
			{Name: "address", Kind: runtime.FieldNested, Model: "Address"},
		}},
	)
	v, err := CompileValidator(b)
	require.NoError(t, err)

	require.NoError(t, v.Validate("Customer", map[string]any{"address": map[string]any{"city": "nyc"}}))
	require.Error(t, v.Validate("Customer", map[string]any{"address": map[string]any{}}))
}
