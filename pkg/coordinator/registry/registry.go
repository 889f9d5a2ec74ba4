// Package registry tracks worker liveness: heartbeats, current task,
// event-monitor progress, and TEE attestation freshness (spec §6
// "worker_status" external interface). It is the in-process
// health.SnapshotSource the /health/detailed handler reads, replacing the
// Postgres worker_status table original_source/coordinator/src/handlers/workers.rs
// upserts into — the coordinator here has no deployed Postgres (spec §1),
// so liveness is tracked in memory and lost on restart, which is acceptable
// since workers re-heartbeat within seconds of the coordinator coming back.
package registry

import (
	"sync"
	"time"

	"github.com/fastnear/near-outlayer-sub001/pkg/coordinator/health"
)

// Status mirrors workers.rs's WorkerStatusEnum.
type Status string

const (
	StatusOnline  Status = "online"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

type workerRecord struct {
	workerID                string
	workerName              string
	status                  Status
	currentTaskID           string
	lastHeartbeat           time.Time
	eventMonitorBlockHeight *int64
	eventMonitorUpdatedAt   time.Time
	lastAttestationAt       time.Time
	tasksCompleted          uint64
	tasksFailed             uint64
}

type Registry struct {
	mu      sync.RWMutex
	workers map[string]*workerRecord
	nowFn   func() time.Time
}

func New() *Registry {
	return &Registry{workers: make(map[string]*workerRecord), nowFn: time.Now}
}

// HeartbeatInput carries the fields workers.rs's heartbeat handler upserts.
type HeartbeatInput struct {
	WorkerID                string
	WorkerName              string
	Status                  Status
	CurrentTaskID           string
	EventMonitorBlockHeight *int64
}

// Heartbeat upserts a worker record, only advancing event_monitor_updated_at
// when a new block height is actually reported, matching the
// COALESCE/CASE logic in workers.rs's heartbeat SQL.
func (r *Registry) Heartbeat(in HeartbeatInput) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.nowFn()

	w, ok := r.workers[in.WorkerID]
	if !ok {
		w = &workerRecord{workerID: in.WorkerID}
		r.workers[in.WorkerID] = w
	}
	w.workerName = in.WorkerName
	w.status = in.Status
	w.currentTaskID = in.CurrentTaskID
	w.lastHeartbeat = now
	if in.EventMonitorBlockHeight != nil {
		w.eventMonitorBlockHeight = in.EventMonitorBlockHeight
		w.eventMonitorUpdatedAt = now
	}
}

// RecordAttestation marks a fresh TEE attestation for a worker, read by the
// tee_attestation health check.
func (r *Registry) RecordAttestation(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[workerID]; ok {
		w.lastAttestationAt = r.nowFn()
	}
}

// NotifyTaskCompletion updates completed/failed counters and clears the
// worker back to online, mirroring notify_task_completion.
func (r *Registry) NotifyTaskCompletion(workerID string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return
	}
	if success {
		w.tasksCompleted++
	} else {
		w.tasksFailed++
	}
	w.status = StatusOnline
	w.currentTaskID = ""
}

// Delete removes a worker record; used by the admin cleanup endpoint.
func (r *Registry) Delete(workerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workers[workerID]; !ok {
		return false
	}
	delete(r.workers, workerID)
	return true
}

// Snapshots implements health.SnapshotSource.
func (r *Registry) Snapshots() []health.WorkerSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]health.WorkerSnapshot, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, health.WorkerSnapshot{
			WorkerID:                w.workerID,
			WorkerName:              w.workerName,
			Status:                  string(w.status),
			LastHeartbeat:           w.lastHeartbeat,
			EventMonitorBlockHeight: w.eventMonitorBlockHeight,
			EventMonitorUpdatedAt:   w.eventMonitorUpdatedAt,
			LastAttestationAt:       w.lastAttestationAt,
		})
	}
	return out
}
