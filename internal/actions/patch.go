// Package actions implements the stateless action executor (C11):
// tool invocation triggered directly by an artifact.action message,
// outside any agent turn, with RFC-6902 patch application against the
// caller's artifact state.
package actions

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/mozaiks/core/pkg/runtime"
)

// ApplyJSONPatch applies an RFC-6902 patch document to state and
// returns the resulting map. state may be nil, treated as an empty
// object.
func ApplyJSONPatch(state map[string]any, ops []runtime.JSONPatchOp) (map[string]any, error) {
	if state == nil {
		state = map[string]any{}
	}
	original, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("actions: marshal artifact state: %w", err)
	}
	opsJSON, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("actions: marshal patch ops: %w", err)
	}
	patch, err := jsonpatch.DecodePatch(opsJSON)
	if err != nil {
		return nil, fmt.Errorf("actions: decode json patch: %w", err)
	}
	patched, err := patch.Apply(original)
	if err != nil {
		return nil, fmt.Errorf("actions: apply json patch: %w", err)
	}
	var result map[string]any
	if err := json.Unmarshal(patched, &result); err != nil {
		return nil, fmt.Errorf("actions: unmarshal patched state: %w", err)
	}
	return result, nil
}
