package agentbind

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// PromptEngine renders an agent's system_prompt_template against the
// run's context_variables (app_id, user_id, chat_id, workflow_name,
// plus whatever the bundle's own handoff conditions have accumulated).
type PromptEngine struct {
	funcs template.FuncMap
}

// NewPromptEngine builds a PromptEngine with the function set
// available to every system prompt template.
func NewPromptEngine() *PromptEngine {
	titleCase := cases.Title(language.Und)
	return &PromptEngine{funcs: template.FuncMap{
		"upper": strings.ToUpper,
		"lower": strings.ToLower,
		"title": titleCase.String,
		"trim":  strings.TrimSpace,
		"join":  strings.Join,
		"default": func(def, value any) any {
			if value == nil {
				return def
			}
			if s, ok := value.(string); ok && s == "" {
				return def
			}
			return value
		},
		"now": func() string { return time.Now().UTC().Format(time.RFC3339) },
	}}
}

// Process substitutes vars into tmplStr using Go text/template syntax.
// An empty template renders to an empty prompt rather than erroring,
// since a lifecycle-only agent may have nothing to say up front.
func (e *PromptEngine) Process(tmplStr string, vars map[string]any) (string, error) {
	if tmplStr == "" {
		return "", nil
	}
	t, err := template.New("system_prompt").Funcs(e.funcs).Parse(tmplStr)
	if err != nil {
		return "", fmt.Errorf("agentbind: parse system prompt template: %w", err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("agentbind: render system prompt template: %w", err)
	}
	return buf.String(), nil
}
