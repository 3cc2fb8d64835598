package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const validBundleYAML = `
name: support_triage
initial_agent: triage
max_turns: 10
agents:
  - name: triage
    system_prompt_template: "You triage support tickets."
    llm_profile:
      provider: openai
      model: gpt-4o
      temperature: 0.2
    structured_output: TriageResult
tools:
  - name: escalate
    target: triage
    kind: agent_tool
structured_outputs:
  - name: TriageResult
    fields:
      - name: severity
        kind: enum
        enum: [low, medium, high]
      - name: summary
        kind: string
`

func TestLoadParsesValidBundle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bundle.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validBundleYAML), 0o644))

	bundle, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "support_triage", bundle.Name)
	require.Equal(t, 10, bundle.MaxTurns)
	require.Len(t, bundle.Agents, 1)
}

func TestParseDefaultsMaxTurns(t *testing.T) {
	bundle, err := Parse([]byte(`
name: minimal
agents:
  - name: only
    system_prompt_template: "hi"
    llm_profile:
      provider: openai
      model: gpt-4o
`))
	require.NoError(t, err)
	require.Equal(t, 50, bundle.MaxTurns)
}

func TestParseRejectsInvalidYAML(t *testing.T) {
	_, err := Parse([]byte("not: [valid"))
	require.Error(t, err)
}

func TestLoadPropagatesValidationErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bundle.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: broken
initial_agent: ghost
agents:
  - name: real
    system_prompt_template: "hi"
    llm_profile:
      provider: openai
      model: gpt-4o
`), 0o644))

	_, err := Load(path)
	require.ErrorContains(t, err, "initial_agent")
}
