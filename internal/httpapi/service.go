package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/mozaiks/core/pkg/runtime"
)

// handleSubscriptionSync accepts the platform's push notification that
// a tenant's subscription changed; the manifest sync endpoint below
// carries the actual entitlement payload, so this handler only logs
// the event for now — there is no separate subscription record kept
// by the runtime.
func (s *Server) handleSubscriptionSync(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Detail: "malformed JSON body", ErrorCode: "VALIDATION", StatusCode: http.StatusBadRequest})
			return
		}
	}
	if s.Logger != nil {
		s.Logger.Info("subscription sync received", "app_id", body["app_id"])
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "accepted"})
}

func (s *Server) handleEntitlementSync(w http.ResponseWriter, r *http.Request) {
	appID := r.PathValue("app_id")

	var manifest runtime.Manifest
	if err := json.NewDecoder(r.Body).Decode(&manifest); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Detail: "malformed JSON body", ErrorCode: "VALIDATION", StatusCode: http.StatusBadRequest})
		return
	}
	if manifest.AppID == "" {
		manifest.AppID = appID
	} else if manifest.AppID != appID {
		writeJSON(w, http.StatusBadRequest, errorBody{Detail: "manifest app_id does not match path", ErrorCode: "VALIDATION", StatusCode: http.StatusBadRequest})
		return
	}
	manifest.Source = runtime.SourcePlatform

	if err := s.Manifests.Sync(r.Context(), &manifest); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "synced", "app_id": appID})
}
