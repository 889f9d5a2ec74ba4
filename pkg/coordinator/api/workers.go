package api

import (
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/fastnear/near-outlayer-sub001/pkg/coordinator/registry"
)

type heartbeatRequest struct {
	WorkerID                string  `json:"worker_id"`
	WorkerName              string  `json:"worker_name"`
	Status                  string  `json:"status"`
	CurrentTaskID           string  `json:"current_task_id,omitempty"`
	EventMonitorBlockHeight *int64  `json:"event_monitor_block_height,omitempty"`
}

// handleWorkerHeartbeat wraps registry.Heartbeat, grounded on
// original_source/coordinator/src/handlers/workers.rs's heartbeat upsert.
func (s *Server) handleWorkerHeartbeat(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "worker_id is required")
		return
	}
	status := registry.Status(req.Status)
	if status == "" {
		status = registry.StatusOnline
	}

	s.cfg.Registry.Heartbeat(registry.HeartbeatInput{
		WorkerID:                req.WorkerID,
		WorkerName:              req.WorkerName,
		Status:                  status,
		CurrentTaskID:           req.CurrentTaskID,
		EventMonitorBlockHeight: req.EventMonitorBlockHeight,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type taskCompletionRequest struct {
	WorkerID string `json:"worker_id"`
	Success  bool   `json:"success"`
}

func (s *Server) handleWorkerTaskCompletion(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req taskCompletionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.cfg.Registry.NotifyTaskCompletion(req.WorkerID, req.Success)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleWorkerDelete is the admin cleanup endpoint for decommissioned
// workers; requires a signed request (spec §4.7 keyed routes).
func (s *Server) handleWorkerDelete(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	workerID := ps.ByName("worker_id")
	if !s.cfg.Registry.Delete(workerID) {
		writeError(w, http.StatusNotFound, "no such worker")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}
