package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mozaiks/core/internal/identity"
	"github.com/mozaiks/core/internal/orchestrator"
	"github.com/mozaiks/core/internal/sessions"
	"github.com/mozaiks/core/pkg/runtime"
)

// startRun runs the orchestrator's start protocol and, when it minted
// a fresh run rather than reusing one, persists the session record —
// Orchestrator.Start's contract leaves that persistence to the caller.
func (s *Server) startRun(ctx context.Context, req orchestrator.StartRequest) (*orchestrator.RunContext, bool, error) {
	rc, reused, err := s.Orchestrator.Start(ctx, req)
	if err != nil {
		return nil, false, err
	}
	if !reused {
		session := &runtime.Session{
			ChatID:          rc.RunID,
			AppID:           rc.AppID,
			UserID:          rc.UserID,
			WorkflowName:    rc.WorkflowName,
			Status:          runtime.StatusInProgress,
			CacheSeed:       rc.CacheSeed,
			ClientRequestID: rc.ClientRequestID,
		}
		if err := s.Store.CreateSession(ctx, session); err != nil {
			return nil, false, err
		}
	}
	return rc, reused, nil
}

func wsURL(workflowName, appID, chatID, userID string) string {
	return fmt.Sprintf("/ws/%s/%s/%s/%s", workflowName, appID, chatID, userID)
}

type chatStartRequest struct {
	UserID            string `json:"user_id"`
	ClientRequestID   string `json:"client_request_id,omitempty"`
	ForceNew          bool   `json:"force_new,omitempty"`
	RequiredMinTokens int64  `json:"required_min_tokens,omitempty"`
}

func (s *Server) handleChatStart(w http.ResponseWriter, r *http.Request) {
	id, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, identity.ErrMissing)
		return
	}
	appID := r.PathValue("app_id")
	workflowName := r.PathValue("workflow_name")
	if err := s.Entitlements.RequireSameTenant(r.Context(), id.AppID, appID, "chat"); err != nil {
		writeError(w, err)
		return
	}

	var body chatStartRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Detail: "malformed JSON body", ErrorCode: "VALIDATION", StatusCode: http.StatusBadRequest})
			return
		}
	}
	userID := body.UserID
	if userID == "" {
		userID = id.UserID
	}

	rc, reused, err := s.startRun(r.Context(), orchestrator.StartRequest{
		AppID:             appID,
		WorkflowName:      workflowName,
		UserID:            userID,
		ClientRequestID:   body.ClientRequestID,
		ForceNew:          body.ForceNew,
		RequiredMinTokens: body.RequiredMinTokens,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"chat_id":       rc.RunID,
		"websocket_url": wsURL(workflowName, appID, rc.RunID, userID),
		"cache_seed":    rc.CacheSeed,
		"reused":        reused,
	})
}

func (s *Server) handleChatMeta(w http.ResponseWriter, r *http.Request) {
	id, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, identity.ErrMissing)
		return
	}
	appID := r.PathValue("app_id")
	workflowName := r.PathValue("workflow_name")
	chatID := r.PathValue("chat_id")
	if err := s.Entitlements.RequireSameTenant(r.Context(), id.AppID, appID, "chat"); err != nil {
		writeError(w, err)
		return
	}

	session, err := s.Store.GetSession(r.Context(), appID, chatID)
	if err != nil {
		writeError(w, err)
		return
	}
	if session.WorkflowName != workflowName {
		writeError(w, sessions.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleSessionsList(w http.ResponseWriter, r *http.Request) {
	id, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, identity.ErrMissing)
		return
	}
	appID := r.PathValue("app_id")
	userID := r.PathValue("user_id")
	if err := s.Entitlements.RequireSameTenant(r.Context(), id.AppID, appID, "chat"); err != nil {
		writeError(w, err)
		return
	}

	list, err := s.Store.ListSessions(r.Context(), appID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": list})
}

func (s *Server) handleWorkflowsAvailable(w http.ResponseWriter, r *http.Request) {
	id, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, identity.ErrMissing)
		return
	}
	appID := r.PathValue("app_id")
	if err := s.Entitlements.RequireSameTenant(r.Context(), id.AppID, appID, "workflow"); err != nil {
		writeError(w, err)
		return
	}

	names, err := s.Workflows.List(appID)
	if err != nil {
		writeError(w, err)
		return
	}

	type workflowView struct {
		ID             string `json:"id"`
		Available      bool   `json:"available"`
		LockedReason   string `json:"locked_reason,omitempty"`
	}
	out := make([]workflowView, 0, len(names))
	for _, name := range names {
		allowed := s.Entitlements.Has(r.Context(), appID, id.UserID, "cap.workflow."+name)
		view := workflowView{ID: name, Available: allowed}
		if !allowed {
			view.LockedReason = "not entitled"
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": out})
}
