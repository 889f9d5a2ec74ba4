package api

import (
	"errors"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/fastnear/near-outlayer-sub001/pkg/chain"
	"github.com/fastnear/near-outlayer-sub001/pkg/coordinator/store"
)

type claimJobRequest struct {
	WorkerID  string `json:"worker_id"`
	RequestID uint64 `json:"request_id"`
	DataIDHex string `json:"data_id"`
	Checksum  string `json:"wasm_checksum"`
}

type claimJobResponse struct {
	Jobs []chain.Job `json:"jobs"`
}

// handleJobsClaim wraps store.Claim, consulting the artifact cache inside
// the same critical section the store owns so "no compile job when the
// checksum is already cached" is decided atomically with job creation
// (spec §4.2, §4.3 step 1).
func (s *Server) handleJobsClaim(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req claimJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.WorkerID == "" || req.Checksum == "" {
		writeError(w, http.StatusBadRequest, "worker_id and wasm_checksum are required")
		return
	}

	result, err := s.cfg.Store.Claim(req.WorkerID, req.RequestID, req.DataIDHex, req.Checksum, s.cfg.Cache)
	if errors.Is(err, store.ErrNoRows) {
		writeJSON(w, http.StatusOK, claimJobResponse{Jobs: nil})
		return
	}
	if err != nil {
		s.log.Error("job claim failed", "err", err, "request_id", req.RequestID)
		writeError(w, http.StatusInternalServerError, "claim failed")
		return
	}
	writeJSON(w, http.StatusOK, claimJobResponse{Jobs: result.Jobs})
}

type completeJobRequest struct {
	JobID          string          `json:"job_id"`
	Status         chain.JobStatus `json:"status"`
	Outcome        string          `json:"outcome"`
	TimeMs         uint64          `json:"time_ms"`
	Instructions   uint64          `json:"instructions"`
	Cost           string          `json:"cost"`
}

// handleJobsComplete wraps store.Complete, appending the execution_history
// row spec §4.2 requires alongside the terminal job-status transition.
func (s *Server) handleJobsComplete(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req completeJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.JobID == "" {
		writeError(w, http.StatusBadRequest, "job_id is required")
		return
	}

	job, err := s.cfg.Store.GetJob(req.JobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "no such job")
		return
	}

	hist := store.HistoryEntry{
		RequestID:    job.RequestID,
		JobID:        job.JobID,
		Outcome:      req.Outcome,
		TimeMs:       req.TimeMs,
		Instructions: req.Instructions,
		Cost:         req.Cost,
	}
	if err := s.cfg.Store.Complete(req.JobID, req.Status, hist); err != nil {
		s.log.Error("job complete failed", "err", err, "job_id", req.JobID)
		writeError(w, http.StatusInternalServerError, "complete failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
