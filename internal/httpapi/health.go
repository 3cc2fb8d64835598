package httpapi

import "net/http"

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "healthy",
		"app_id":        s.Config.AppID,
		"app_tier":      s.Config.AppTier,
		"plugins_loaded": len(s.Registry.List()),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.Resolver == nil || s.Orchestrator == nil || s.Store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"reason": "core dependencies not wired",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"app_id":          s.Config.AppID,
		"app_tier":        s.Config.AppTier,
		"runtime_version": "1.0.0",
		"agui_enabled":    s.Config.AGUIEnabled,
		"started_at":      s.startedAt,
	})
}
