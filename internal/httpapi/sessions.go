package httpapi

import (
	"net/http"

	"github.com/voicegate/voicegate/internal/tenant"
)

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request, _ tenant.Tenant) {
	status, err := s.streams.Status(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

// handleSessionStop is an idempotent no-op for unknown or finished sessions.
func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request, _ tenant.Tenant) {
	s.streams.Stop(r.PathValue("id"))
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
