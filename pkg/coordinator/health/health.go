// Package health serves the coordinator's /health and /health/detailed
// endpoints (spec §6 external interfaces). Detailed health reads the
// "monitoring snapshots" row each worker last wrote for itself — checks
// run independently and combine into an overall healthy/degraded/unhealthy
// verdict the same way
// original_source/coordinator/src/handlers/health.rs's health_detailed does,
// adapted from Postgres+Redis+sqlx onto this coordinator's embedded
// store and in-process checks (spec §1 keeps Postgres/Redis as deployed
// services out of scope; the health schema and handler logic are not).
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/fastnear/near-outlayer-sub001/internal/xlog"
)

const (
	workerHeartbeatWarning   = 120 * time.Second
	eventMonitorWarning      = 300 * time.Second
	eventMonitorBlocksLagMax = 100
	teeAttestationWarning    = time.Hour
)

// ServiceCheck is a single dependency probe result.
type ServiceCheck struct {
	Status    string `json:"status"`
	LatencyMs *int64 `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// WorkerSnapshot is the row each worker heartbeats into the monitoring
// snapshot table (spec §6); health reads it, nothing else writes to it from
// this package.
type WorkerSnapshot struct {
	WorkerID                string
	WorkerName              string
	Status                  string // "online" | "busy" | "offline"
	LastHeartbeat           time.Time
	EventMonitorBlockHeight *int64
	EventMonitorUpdatedAt   time.Time
	LastAttestationAt       time.Time
}

type WorkersCheck struct {
	Status  string         `json:"status"`
	Active  int            `json:"active"`
	Total   int            `json:"total"`
	Details []WorkerDetail `json:"details"`
}

type WorkerDetail struct {
	WorkerID             string `json:"worker_id"`
	WorkerName           string `json:"worker_name"`
	Status               string `json:"status"`
	LastHeartbeatSecsAgo int64  `json:"last_heartbeat_secs_ago"`
}

type EventMonitorCheck struct {
	Status        string                     `json:"status"`
	ChainTipBlock *int64                     `json:"chain_tip_block,omitempty"`
	Workers       []EventMonitorWorkerDetail `json:"workers"`
}

type EventMonitorWorkerDetail struct {
	WorkerID          string `json:"worker_id"`
	CurrentBlock      *int64 `json:"current_block,omitempty"`
	BlocksBehind      *int64 `json:"blocks_behind,omitempty"`
	LastUpdateSecsAgo *int64 `json:"last_update_secs_ago,omitempty"`
}

type TeeAttestationCheck struct {
	Status  string            `json:"status"`
	Workers []TeeWorkerDetail `json:"workers"`
}

type TeeWorkerDetail struct {
	WorkerName             string `json:"worker_name"`
	LastAttestationSecsAgo *int64 `json:"last_attestation_secs_ago,omitempty"`
}

type DetailedHealth struct {
	Status    string       `json:"status"`
	Timestamp int64        `json:"timestamp"`
	Checks    HealthChecks `json:"checks"`
}

type HealthChecks struct {
	Store          ServiceCheck        `json:"store"`
	Keystore       ServiceCheck        `json:"keystore"`
	Workers        WorkersCheck        `json:"workers"`
	EventMonitor   EventMonitorCheck   `json:"event_monitor"`
	TeeAttestation TeeAttestationCheck `json:"tee_attestation"`
}

// SnapshotSource is implemented by whatever keeps worker heartbeats; the
// coordinator's main wiring backs this with an in-memory map updated by the
// worker registration/heartbeat handlers.
type SnapshotSource interface {
	Snapshots() []WorkerSnapshot
}

// StorePinger is the subset of *store.Store used for the liveness probe.
type StorePinger interface {
	Ping() error
}

// KeystoreChecker probes the keystore's own /health over HTTP.
type KeystoreChecker interface {
	CheckHealth(ctx context.Context) error
}

// ChainTipFetcher returns the current NEAR block height, best-effort.
type ChainTipFetcher interface {
	LatestBlockHeight(ctx context.Context) (uint64, error)
}

type Checker struct {
	store    StorePinger
	keystore KeystoreChecker
	chain    ChainTipFetcher
	workers  SnapshotSource
	log      *xlog.Logger
	nowFn    func() time.Time
}

func NewChecker(store StorePinger, keystore KeystoreChecker, chain ChainTipFetcher, workers SnapshotSource) *Checker {
	return &Checker{store: store, keystore: keystore, chain: chain, workers: workers, log: xlog.New("health"), nowFn: time.Now}
}

// Detailed runs every check and folds them into one verdict, mirroring
// health_detailed's unhealthy/degraded/healthy tri-state and its HTTP status
// mapping (503 only for "unhealthy"; "degraded" still returns 200, spec §6).
func (c *Checker) Detailed(ctx context.Context) (DetailedHealth, int) {
	var wg sync.WaitGroup
	var storeCheck, keystoreCheck ServiceCheck
	var workersCheck WorkersCheck
	var eventCheck EventMonitorCheck
	var teeCheck TeeAttestationCheck

	wg.Add(4)
	go func() { defer wg.Done(); storeCheck = c.checkStore() }()
	go func() { defer wg.Done(); keystoreCheck = c.checkKeystore(ctx) }()
	go func() { defer wg.Done(); workersCheck = c.checkWorkers() }()
	go func() {
		defer wg.Done()
		snaps := c.workers.Snapshots()
		eventCheck = c.checkEventMonitor(ctx, snaps)
		teeCheck = c.checkTeeAttestation(snaps)
	}()
	wg.Wait()

	unhealthy := storeCheck.Status == "error" || workersCheck.Status == "critical" || workersCheck.Status == "error"
	degraded := keystoreCheck.Status == "error" ||
		workersCheck.Status == "warning" ||
		eventCheck.Status == "warning" || eventCheck.Status == "error" || eventCheck.Status == "critical" ||
		teeCheck.Status == "warning" || teeCheck.Status == "error"

	status := "healthy"
	httpStatus := http.StatusOK
	switch {
	case unhealthy:
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	case degraded:
		status = "degraded"
	}

	return DetailedHealth{
		Status:    status,
		Timestamp: c.nowFn().Unix(),
		Checks: HealthChecks{
			Store:          storeCheck,
			Keystore:       keystoreCheck,
			Workers:        workersCheck,
			EventMonitor:   eventCheck,
			TeeAttestation: teeCheck,
		},
	}, httpStatus
}

func (c *Checker) checkStore() ServiceCheck {
	start := time.Now()
	if err := c.store.Ping(); err != nil {
		c.log.Error("health: store ping failed", "err", err)
		return ServiceCheck{Status: "error", Error: "store unavailable"}
	}
	ms := time.Since(start).Milliseconds()
	return ServiceCheck{Status: "ok", LatencyMs: &ms}
}

func (c *Checker) checkKeystore(ctx context.Context) ServiceCheck {
	if c.keystore == nil {
		return ServiceCheck{Status: "skipped", Error: "keystore not configured"}
	}
	start := time.Now()
	if err := c.keystore.CheckHealth(ctx); err != nil {
		c.log.Warn("health: keystore check failed", "err", err)
		return ServiceCheck{Status: "error", Error: "keystore unreachable"}
	}
	ms := time.Since(start).Milliseconds()
	return ServiceCheck{Status: "ok", LatencyMs: &ms}
}

func (c *Checker) checkWorkers() WorkersCheck {
	snaps := c.workers.Snapshots()
	now := c.nowFn()
	var details []WorkerDetail
	active, hasStale := 0, false
	for _, s := range snaps {
		secsAgo := int64(now.Sub(s.LastHeartbeat).Seconds())
		isLive := s.Status == "online" || s.Status == "busy"
		if isLive && time.Duration(secsAgo)*time.Second < workerHeartbeatWarning {
			active++
		} else if isLive {
			hasStale = true
		}
		details = append(details, WorkerDetail{
			WorkerID: s.WorkerID, WorkerName: s.WorkerName, Status: s.Status, LastHeartbeatSecsAgo: secsAgo,
		})
	}
	status := "ok"
	if active == 0 {
		status = "critical"
	} else if hasStale {
		status = "warning"
	}
	return WorkersCheck{Status: status, Active: active, Total: len(snaps), Details: details}
}

func (c *Checker) checkEventMonitor(ctx context.Context, snaps []WorkerSnapshot) EventMonitorCheck {
	var chainTip *int64
	if c.chain != nil {
		if h, err := c.chain.LatestBlockHeight(ctx); err == nil {
			v := int64(h)
			chainTip = &v
		} else {
			c.log.Warn("health: failed to fetch chain tip", "err", err)
		}
	}

	now := c.nowFn()
	var monitors []WorkerSnapshot
	for _, s := range snaps {
		live := s.Status == "online" || s.Status == "busy"
		if live && now.Sub(s.LastHeartbeat) < 5*time.Minute && s.EventMonitorBlockHeight != nil {
			monitors = append(monitors, s)
		}
	}

	if len(monitors) == 0 {
		return EventMonitorCheck{Status: "unknown", ChainTipBlock: chainTip}
	}

	hasStale, hasLag := false, false
	var workers []EventMonitorWorkerDetail
	for _, m := range monitors {
		secsAgo := int64(now.Sub(m.EventMonitorUpdatedAt).Seconds())
		if time.Duration(secsAgo)*time.Second >= eventMonitorWarning {
			hasStale = true
		}
		var blocksBehind *int64
		if chainTip != nil && m.EventMonitorBlockHeight != nil {
			behind := *chainTip - *m.EventMonitorBlockHeight
			if behind < 0 {
				behind = 0
			}
			blocksBehind = &behind
			if behind > eventMonitorBlocksLagMax {
				hasLag = true
			}
		}
		workers = append(workers, EventMonitorWorkerDetail{
			WorkerID: m.WorkerID, CurrentBlock: m.EventMonitorBlockHeight,
			BlocksBehind: blocksBehind, LastUpdateSecsAgo: &secsAgo,
		})
	}

	status := "ok"
	if hasStale || hasLag {
		status = "warning"
	}
	return EventMonitorCheck{Status: status, ChainTipBlock: chainTip, Workers: workers}
}

func (c *Checker) checkTeeAttestation(snaps []WorkerSnapshot) TeeAttestationCheck {
	now := c.nowFn()
	hasStale := false
	var details []TeeWorkerDetail
	for _, s := range snaps {
		live := s.Status == "online" || s.Status == "busy"
		if !live || now.Sub(s.LastHeartbeat) >= 5*time.Minute || s.LastAttestationAt.IsZero() {
			continue
		}
		secsAgo := int64(now.Sub(s.LastAttestationAt).Seconds())
		if time.Duration(secsAgo)*time.Second >= teeAttestationWarning {
			hasStale = true
		}
		details = append(details, TeeWorkerDetail{WorkerName: s.WorkerName, LastAttestationSecsAgo: &secsAgo})
	}
	status := "ok"
	if hasStale {
		status = "warning"
	}
	return TeeAttestationCheck{Status: status, Workers: details}
}
