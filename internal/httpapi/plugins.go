package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/mozaiks/core/internal/identity"
)

func (s *Server) handlePluginsList(w http.ResponseWriter, r *http.Request) {
	descriptors := s.Registry.List()
	out := make([]map[string]any, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, map[string]any{
			"name":         d.Name,
			"display_name": d.DisplayName,
			"version":      d.Version,
			"enabled":      d.Enabled,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleExecutePlugin(w http.ResponseWriter, r *http.Request) {
	id, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, identity.ErrMissing)
		return
	}
	name := r.PathValue("plugin")

	var body map[string]any
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Detail: "malformed JSON body", ErrorCode: "VALIDATION", StatusCode: http.StatusBadRequest})
			return
		}
	}

	resp, err := s.Dispatcher.Execute(r.Context(), name, id, body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
