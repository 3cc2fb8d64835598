package runtime

// ToolKind enumerates the three tool shapes a workflow bundle can declare.
type ToolKind string

const (
	ToolKindAgent     ToolKind = "agent_tool"
	ToolKindUI        ToolKind = "ui_tool"
	ToolKindLifecycle ToolKind = "lifecycle_tool"
)

// UIDisplayMode controls how a UI tool renders on the client.
type UIDisplayMode string

const (
	UIModeInline   UIDisplayMode = "inline"
	UIModeArtifact UIDisplayMode = "artifact"
)

// LifecycleTrigger enumerates the points a lifecycle hook can bind to.
type LifecycleTrigger string

const (
	TriggerBeforeChat  LifecycleTrigger = "before_chat"
	TriggerAfterChat   LifecycleTrigger = "after_chat"
	TriggerBeforeAgent LifecycleTrigger = "before_agent"
	TriggerAfterAgent  LifecycleTrigger = "after_agent"
)

// AgentDefinition declares one agent within a workflow bundle.
type AgentDefinition struct {
	Name                 string         `yaml:"name" json:"name"`
	SystemPromptTemplate string         `yaml:"system_prompt_template" json:"system_prompt_template"`
	LLMProfile           LLMProfile     `yaml:"llm_profile" json:"llm_profile"`
	StructuredOutput     string         `yaml:"structured_output,omitempty" json:"structured_output,omitempty"`
	AutoToolMode         bool           `yaml:"auto_tool_mode" json:"auto_tool_mode"`
}

// LLMProfile names the model configuration used to drive an agent.
type LLMProfile struct {
	Provider    string  `yaml:"provider" json:"provider"`
	Model       string  `yaml:"model" json:"model"`
	Temperature float64 `yaml:"temperature" json:"temperature"`
}

// ToolUI describes the client rendering hint for a UI tool.
type ToolUI struct {
	Component string        `yaml:"component" json:"component"`
	Mode      UIDisplayMode `yaml:"mode" json:"mode"`
}

// ToolDefinition declares one tool within a workflow bundle.
type ToolDefinition struct {
	Name       string           `yaml:"name" json:"name"`
	Target     string           `yaml:"target" json:"target"` // agent name, or "*"
	Kind       ToolKind         `yaml:"kind" json:"kind"`
	AutoInvoke bool             `yaml:"auto_invoke" json:"auto_invoke"`
	UI         *ToolUI          `yaml:"ui,omitempty" json:"ui,omitempty"`
	Trigger    LifecycleTrigger `yaml:"trigger,omitempty" json:"trigger,omitempty"`
}

// HandoffRule is a directed edge between two agents, optionally gated
// by a condition expression evaluated against context_variables.
type HandoffRule struct {
	From      string `yaml:"from" json:"from"`
	To        string `yaml:"to" json:"to"`
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`
}

// GraphInjectionRule declares an optional hook that queries or mutates
// an external graph store around a turn. The bundle loader parses these
// rules; no component in this module evaluates them or calls a graph
// store.
type GraphInjectionRule struct {
	Name      string `yaml:"name" json:"name"`
	Kind      string `yaml:"kind" json:"kind"` // pre_turn_query | post_event_mutation
	Query     string `yaml:"query,omitempty" json:"query,omitempty"`
	InjectAs  string `yaml:"inject_as,omitempty" json:"inject_as,omitempty"`
}

// Bundle is a fully loaded and validated workflow bundle.
type Bundle struct {
	Name                string               `yaml:"name" json:"name"`
	Agents              []AgentDefinition    `yaml:"agents" json:"agents"`
	Tools               []ToolDefinition     `yaml:"tools" json:"tools"`
	Handoffs            []HandoffRule        `yaml:"handoffs" json:"handoffs"`
	StructuredOutputs    []ModelDef          `yaml:"structured_outputs" json:"structured_outputs"`
	GraphInjectionRules []GraphInjectionRule `yaml:"graph_injection_rules,omitempty" json:"graph_injection_rules,omitempty"`
	InitialAgent        string               `yaml:"initial_agent,omitempty" json:"initial_agent,omitempty"`
	MaxTurns            int                  `yaml:"max_turns,omitempty" json:"max_turns,omitempty"`
}

// ModelDef declares one structured-output schema, compiled into a
// Validator at bundle-load time (internal/workflow).
type ModelDef struct {
	Name     string      `yaml:"name" json:"name"`
	Inherits string      `yaml:"inherits,omitempty" json:"inherits,omitempty"`
	Fields   []FieldDef  `yaml:"fields" json:"fields"`
}

// FieldKind enumerates the scalar/compound kinds a structured-output
// field can take, per spec §4.5's type system.
type FieldKind string

const (
	FieldString  FieldKind = "string"
	FieldInt     FieldKind = "int"
	FieldFloat   FieldKind = "float"
	FieldBool    FieldKind = "bool"
	FieldEnum    FieldKind = "enum"
	FieldList    FieldKind = "list"
	FieldDict    FieldKind = "dict"
	FieldUnion   FieldKind = "union"
	FieldNested  FieldKind = "nested"
)

// FieldDef declares one field of a structured-output model.
type FieldDef struct {
	Name     string      `yaml:"name" json:"name"`
	Kind     FieldKind   `yaml:"kind" json:"kind"`
	Optional bool        `yaml:"optional,omitempty" json:"optional,omitempty"`
	Enum     []string    `yaml:"enum,omitempty" json:"enum,omitempty"`
	Of       *FieldDef   `yaml:"of,omitempty" json:"of,omitempty"`       // element type for list/dict
	Union    []FieldDef  `yaml:"union,omitempty" json:"union,omitempty"` // alternatives for union
	Model    string      `yaml:"model,omitempty" json:"model,omitempty"` // referenced model name for nested
}
