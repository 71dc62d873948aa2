package server

import (
	"net/http"
	"time"
)

// handleHealth reports liveness and a few load figures.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"serverEpoch":    s.router.ServerEpoch(),
		"uptime":         time.Since(s.startedAt).Round(time.Second).String(),
		"connections":    s.router.Connections(),
		"runningQueries": s.queries.Running(),
	})
}
