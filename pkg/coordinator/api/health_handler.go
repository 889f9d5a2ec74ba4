package api

import (
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
)

// handleHealth is the shallow liveness probe: if the process can answer
// HTTP at all, it is up. /health/detailed carries the real verdict.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx, cancel := withTimeout(r, 10*time.Second)
	defer cancel()

	result, status := s.cfg.Health.Detailed(ctx)
	writeJSON(w, status, result)
}
