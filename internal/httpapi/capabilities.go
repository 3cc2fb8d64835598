package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/mozaiks/core/internal/identity"
	"github.com/mozaiks/core/internal/orchestrator"
	"github.com/mozaiks/core/pkg/runtime"
)

func (s *Server) handleAICapabilities(w http.ResponseWriter, r *http.Request) {
	id, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, identity.ErrMissing)
		return
	}
	type capabilityView struct {
		ID          string `json:"id"`
		DisplayName string `json:"display_name"`
		Enabled     bool   `json:"enabled"`
		Allowed     bool   `json:"allowed"`
	}
	out := make([]capabilityView, 0, len(s.Capabilities))
	for capID, desc := range s.Capabilities {
		allowed := s.Entitlements.Has(r.Context(), id.AppID, id.UserID, "cap.capability."+capID)
		out = append(out, capabilityView{ID: capID, DisplayName: desc.DisplayName, Enabled: desc.Enabled, Allowed: allowed})
	}

	plan := s.Manifests.Get(id.AppID).Plan
	writeJSON(w, http.StatusOK, map[string]any{"capabilities": out, "plan": plan})
}

type launchRequest struct {
	CapabilityID string `json:"capability_id"`
}

func (s *Server) handleAILaunch(w http.ResponseWriter, r *http.Request) {
	id, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, identity.ErrMissing)
		return
	}

	var req launchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Detail: "malformed JSON body", ErrorCode: "VALIDATION", StatusCode: http.StatusBadRequest})
		return
	}
	desc, ok := s.Capabilities[req.CapabilityID]
	if !ok || !desc.Enabled {
		writeJSON(w, http.StatusNotFound, errorBody{Detail: "unknown capability", ErrorCode: "NOT_FOUND", StatusCode: http.StatusNotFound})
		return
	}
	if err := s.Entitlements.RequireCapability(r.Context(), id.AppID, id.UserID, "cap.capability."+req.CapabilityID); err != nil {
		writeError(w, err)
		return
	}

	rc, _, err := s.startRun(r.Context(), orchestrator.StartRequest{
		AppID:        id.AppID,
		WorkflowName: desc.WorkflowName,
		UserID:       id.UserID,
		ForceNew:     true,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	token, err := s.Minter.Mint(runtime.ExecutionTokenClaims{
		Subject:      id.UserID,
		AppID:        id.AppID,
		ChatID:       rc.RunID,
		CapabilityID: req.CapabilityID,
		WorkflowID:   desc.WorkflowName,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"chat_id":      rc.RunID,
		"launch_token": token,
		"expires_in":   s.Config.Token.ExpireMinutes * 60,
		"runtime": map[string]any{
			"websocket_url": wsURL(desc.WorkflowName, id.AppID, rc.RunID, id.UserID),
		},
	})
}
