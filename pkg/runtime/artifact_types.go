package runtime

// ArtifactType enumerates the core-owned artifact primitives that can
// be transported inside chat.tool_call / state events.
type ArtifactType string

const (
	ArtifactMarkdown  ArtifactType = "core.markdown"
	ArtifactCard      ArtifactType = "core.card"
	ArtifactList      ArtifactType = "core.list"
	ArtifactTable     ArtifactType = "core.table"
	ArtifactForm      ArtifactType = "core.form"
	ArtifactComposite ArtifactType = "core.composite"
)

// ActionScope controls whether an artifact action applies to the whole
// artifact or to one row within it.
type ActionScope string

const (
	ScopeArtifact ActionScope = "artifact"
	ScopeRow      ActionScope = "row"
)

// ActionSchema describes one client-actionable button/affordance on an
// artifact, per spec §6.5.
type ActionSchema struct {
	Label      string         `json:"label"`
	Icon       string         `json:"icon,omitempty"`
	Tool       string         `json:"tool"`
	Params     map[string]any `json:"params,omitempty"`
	Scope      ActionScope    `json:"scope"`
	Style      string         `json:"style,omitempty"`
	Confirm    bool           `json:"confirm,omitempty"`
	Optimistic bool           `json:"optimistic,omitempty"`
}

// ArtifactUpdateMode selects whether a stateless action replaces the
// whole artifact state or applies an RFC-6902 patch.
type ArtifactUpdateMode string

const (
	UpdateReplace ArtifactUpdateMode = "replace"
	UpdatePatch   ArtifactUpdateMode = "patch"
)

// ArtifactUpdate is the payload of an artifact.action.completed event.
type ArtifactUpdate struct {
	Mode    ArtifactUpdateMode `json:"mode"`
	Payload any                `json:"payload"`
}
