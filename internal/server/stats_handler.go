package server

import "net/http"

// handleStats implements GET /api/stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.prober.Snapshot())
}
