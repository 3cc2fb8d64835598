package httpapi

import (
	"net/http"

	"github.com/mozaiks/core/internal/identity"
)

func (s *Server) handleNavigation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Static.Navigation)
}

func (s *Server) handleAppConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Static.AppConfig)
}

func (s *Server) handleThemeConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Static.ThemeConfig)
}

func (s *Server) handleArtifactCached(w http.ResponseWriter, r *http.Request) {
	id, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, identity.ErrMissing)
		return
	}
	artifactID := r.PathValue("artifact_id")
	appID := r.URL.Query().Get("app_id")
	chatID := r.URL.Query().Get("chat_id")
	if appID == "" {
		appID = id.AppID
	}
	if err := s.Entitlements.RequireSameTenant(r.Context(), id.AppID, appID, "artifact"); err != nil {
		writeError(w, err)
		return
	}

	artifact, err := s.Store.GetArtifact(r.Context(), appID, chatID, artifactID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}
