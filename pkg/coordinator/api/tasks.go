package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"

	"github.com/fastnear/near-outlayer-sub001/pkg/chain"
	"github.com/fastnear/near-outlayer-sub001/pkg/coordinator/queue"
)

// pollResponse is returned to a worker's GET /tasks/poll, either with a task
// or with Task nil (omitted from the JSON) to signal a timed-out poll
// (spec §4.7).
type pollResponse struct {
	Task *queue.Task `json:"task,omitempty"`
}

const defaultPollTimeout = 60 * time.Second

// handleTasksPoll implements the worker long-poll endpoint: it blocks for up
// to ?timeout_secs (clipped to queue.MaxPollTimeout) waiting for a task,
// spec §4.7.
func (s *Server) handleTasksPoll(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	timeout := defaultPollTimeout
	if raw := r.URL.Query().Get("timeout_secs"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			timeout = time.Duration(secs) * time.Second
		}
	}

	task, ok, err := s.cfg.Queue.Pop(timeout)
	if err != nil {
		s.log.Error("tasks poll failed", "err", err)
		writeError(w, http.StatusInternalServerError, "poll failed")
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, pollResponse{})
		return
	}
	writeJSON(w, http.StatusOK, pollResponse{Task: &task})
}

// createTaskRequest is pushed by the event ingestor when a chain event
// resolves to a compile task that needs doing (spec §4.1).
type createTaskRequest struct {
	BlockHeight uint64              `json:"block_height"`
	RequestID   uint64              `json:"request_id"`
	DataIDHex   string              `json:"data_id"`
	Source      chain.SourceRef     `json:"source"`
	Limits      chain.ResourceLimits `json:"limits"`
	Format      chain.ResponseFormat `json:"response_format"`
	InputData   []byte              `json:"input_data,omitempty"`
	SecretsRef  *chain.SecretsRef   `json:"secrets_ref,omitempty"`
}

type createTaskResponse struct {
	Enqueued bool   `json:"enqueued"`
	TaskID   string `json:"task_id,omitempty"`
}

// handleTasksCreate implements idempotent task creation, deduped by
// (block_height, request_id) inside the queue itself (spec §4.1).
func (s *Server) handleTasksCreate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DataIDHex == "" || req.Source.Repo == "" {
		writeError(w, http.StatusBadRequest, "data_id and source.repo are required")
		return
	}

	task := queue.Task{
		TaskID:     uuid.NewString(),
		RequestID:  req.RequestID,
		DataIDHex:  req.DataIDHex,
		Source:     req.Source,
		Limits:     req.Limits,
		Format:     req.Format,
		InputData:  req.InputData,
		SecretsRef: req.SecretsRef,
		CreatedAt:  time.Now().Unix(),
	}
	enqueued, err := s.cfg.Queue.Push(req.BlockHeight, task)
	if err != nil {
		s.log.Error("task create failed", "err", err, "request_id", req.RequestID)
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	resp := createTaskResponse{Enqueued: enqueued}
	if enqueued {
		resp.TaskID = task.TaskID
	}
	writeJSON(w, http.StatusOK, resp)
}

// failTaskRequest is pushed by the event ingestor when a request's source
// reference fails normalization before any job could be claimed for it
// (spec §4.1 "failures of normalization are published as immediate
// fail_task against the request").
type failTaskRequest struct {
	RequestID uint64 `json:"request_id"`
	Reason    string `json:"reason"`
}

// handleTasksFail records a request as failed without ever creating a job
// row, since normalization runs before claim() and there is nothing to
// claim (spec §4.7).
func (s *Server) handleTasksFail(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req failTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RequestID == 0 || req.Reason == "" {
		writeError(w, http.StatusBadRequest, "request_id and reason are required")
		return
	}
	if err := s.cfg.Store.RecordIngestFailure(req.RequestID, req.Reason); err != nil {
		s.log.Error("task fail failed", "err", err, "request_id", req.RequestID)
		writeError(w, http.StatusInternalServerError, "recording failure failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"recorded": true})
}
