// Package ingestor is the Event Ingestor (spec §2, §4.1): it tails
// finalized blocks from a chain data source, decodes the NEP-297
// EVENT_JSON: envelope (pkg/chain), normalizes every execution_requested
// event's source reference, dedups by (block_height, request_id), and
// pushes an idempotent Compile task to the coordinator's queue. A
// normalization failure is published immediately as a fail_task against the
// request rather than silently dropped.
//
// It runs embedded inside the worker process (spec §4.9 "current chain tip
// observed by the embedded ingestor"), matching
// original_source/worker/src/main.rs's event_monitor wiring: a
// tokio::spawn'd EventMonitor built from (event_api_client, neardata_url,
// fastnear_url, contract_id, start_block, scan_interval) and gated by
// config.enable_event_monitor. The monitor's own Rust source
// (worker/src/event_monitor.rs, config.rs, near_client.rs) was filtered out
// of the retrieval pack (_INDEX.md records 2 files filtered out), so this
// package is grounded on that wiring plus spec.md §4.1's prose and the
// already-built pkg/chain (envelope/event decoding) and pkg/sourceref
// (canonicalization) this repo gives the worker orchestrator too.
package ingestor

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fastnear/near-outlayer-sub001/internal/xlog"
	"github.com/fastnear/near-outlayer-sub001/pkg/chain"
	"github.com/fastnear/near-outlayer-sub001/pkg/sourceref"
)

// Block is one finalized block's worth of log lines emitted by the watched
// contract, already filtered to that contract's receipts by the BlockSource.
type Block struct {
	Height uint64
	Logs   []string
}

// BlockSource fetches finalized-block data for a single contract account.
// The concrete implementation talks to a NEAR block-data HTTP API (see
// HTTPBlockSource); tests substitute a fake.
type BlockSource interface {
	// LatestHeight returns the most recent finalized block height the
	// source has observed.
	LatestHeight(ctx context.Context) (uint64, error)
	// FetchBlock returns contractID's logs from block height. ok is false
	// if that block hasn't been produced or indexed yet — a normal,
	// non-error condition at the chain tip.
	FetchBlock(ctx context.Context, height uint64, contractID string) (Block, bool, error)
}

// TaskPublisher is the subset of the coordinator's worker-facing API the
// ingestor drives; implemented by *pkg/workerapi.Client.
type TaskPublisher interface {
	CreateTask(ctx context.Context, blockHeight, requestID uint64, dataIDHex string, source chain.SourceRef, limits chain.ResourceLimits, format chain.ResponseFormat, inputData []byte, secretsRef *chain.SecretsRef) (bool, error)
	FailTask(ctx context.Context, requestID uint64, reason string) error
}

// Config wires an Ingestor's dependencies and tunables.
type Config struct {
	Source     BlockSource
	Tasks      TaskPublisher
	ContractID string

	// StartHeight seeds the watermark the first time the ingestor runs
	// against WatermarkPath; ignored once a watermark file exists.
	StartHeight uint64

	ScanInterval     time.Duration
	MaxBlocksPerScan uint64

	// WatermarkPath persists the last-processed block height across
	// restarts (spec §4.1 "resumable from a persisted watermark"). Empty
	// disables persistence (watermark lives in memory only).
	WatermarkPath string

	// SeenCacheSize bounds the in-memory (block_height,request_id) dedup
	// set consulted before every CreateTask/FailTask call, guarding against
	// re-processing the same event twice inside one scan after a partial
	// failure mid-block. The coordinator's queue dedups authoritatively
	// across restarts; this is a same-process fast path only.
	SeenCacheSize int

	Log *xlog.Logger
}

// Ingestor drives the poll-decode-dedup-publish loop described above.
type Ingestor struct {
	cfg  Config
	log  *xlog.Logger
	wm   *watermark
	seen *lru.Cache[string, struct{}]
	tip  *tipTracker
}

// New builds an Ingestor. The watermark file (if WatermarkPath is set) is
// read synchronously so a restart resumes from exactly where it left off.
func New(cfg Config) (*Ingestor, error) {
	if cfg.Source == nil || cfg.Tasks == nil {
		return nil, fmt.Errorf("ingestor: Source and Tasks are required")
	}
	if cfg.ContractID == "" {
		return nil, fmt.Errorf("ingestor: ContractID is required")
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 5 * time.Second
	}
	if cfg.MaxBlocksPerScan == 0 {
		cfg.MaxBlocksPerScan = 200
	}
	if cfg.SeenCacheSize <= 0 {
		cfg.SeenCacheSize = 4096
	}
	if cfg.Log == nil {
		cfg.Log = xlog.New("ingestor")
	}

	wm, err := openWatermark(cfg.WatermarkPath, cfg.StartHeight)
	if err != nil {
		return nil, err
	}
	seen, err := lru.New[string, struct{}](cfg.SeenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("ingestor: building dedup cache: %w", err)
	}
	return &Ingestor{cfg: cfg, log: cfg.Log, wm: wm, seen: seen, tip: &tipTracker{}}, nil
}

// Run scans on cfg.ScanInterval until ctx is cancelled. A scan error is
// logged and retried on the next tick rather than terminating the loop —
// an ingestor hiccup must never take the worker's compile/execute path down
// with it (spec §9 "never share mutable state in-process").
func (ing *Ingestor) Run(ctx context.Context) error {
	ticker := time.NewTicker(ing.cfg.ScanInterval)
	defer ticker.Stop()

	if err := ing.scanOnce(ctx); err != nil {
		ing.log.Warn("ingestor: initial scan failed", "err", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := ing.scanOnce(ctx); err != nil {
				ing.log.Warn("ingestor: scan failed", "err", err)
			}
		}
	}
}

// ChainTip reports the most recently observed finalized block height, for
// the worker orchestrator's heartbeat (spec §4.9). Nil means no successful
// scan has completed yet.
func (ing *Ingestor) ChainTip() *int64 {
	return ing.tip.get()
}

func (ing *Ingestor) scanOnce(ctx context.Context) error {
	latest, err := ing.cfg.Source.LatestHeight(ctx)
	if err != nil {
		return fmt.Errorf("ingestor: fetching chain tip: %w", err)
	}
	ing.tip.set(latest)

	from := ing.wm.Height() + 1
	to := latest
	if to >= from && to-from+1 > ing.cfg.MaxBlocksPerScan {
		to = from + ing.cfg.MaxBlocksPerScan - 1
	}

	for h := from; h <= to; h++ {
		block, ok, err := ing.cfg.Source.FetchBlock(ctx, h, ing.cfg.ContractID)
		if err != nil {
			return fmt.Errorf("ingestor: fetching block %d: %w", h, err)
		}
		if !ok {
			// chain tip moved ahead of what the data source has actually
			// indexed; stop here and pick up the rest on the next tick.
			return nil
		}
		ing.processBlock(ctx, block)
		if err := ing.wm.Save(h); err != nil {
			ing.log.Warn("ingestor: persisting watermark failed", "height", h, "err", err)
		}
	}
	return nil
}

func (ing *Ingestor) processBlock(ctx context.Context, block Block) {
	for _, line := range block.Logs {
		env, err := chain.ParseEnvelope(line)
		if err != nil {
			continue // not every contract log line is a NEP-297 event
		}
		if env.Event != "execution_requested" {
			continue
		}
		data, err := chain.DecodeExecutionRequested(env)
		if err != nil {
			ing.log.Warn("ingestor: malformed execution_requested event, skipping", "block_height", block.Height, "err", err)
			continue
		}
		ing.handleExecutionRequested(ctx, block.Height, data)
	}
}

func (ing *Ingestor) handleExecutionRequested(ctx context.Context, blockHeight uint64, data *chain.ExecutionRequestedData) {
	requestID, err := parseRequestID(data.RequestID)
	if err != nil {
		ing.log.Warn("ingestor: malformed request_id, skipping", "block_height", blockHeight, "request_id", data.RequestID, "err", err)
		return
	}

	dedupKey := fmt.Sprintf("%d:%d", blockHeight, requestID)
	if _, ok := ing.seen.Get(dedupKey); ok {
		return
	}
	ing.seen.Add(dedupKey, struct{}{})

	if _, err := sourceref.Canonicalize(data.CodeSource, nil); err != nil {
		ing.failTask(ctx, requestID, fmt.Sprintf("source normalization failed: %s", err))
		return
	}

	inputData, err := base64.StdEncoding.DecodeString(data.InputData)
	if err != nil {
		ing.failTask(ctx, requestID, "malformed base64 input_data")
		return
	}

	enqueued, err := ing.cfg.Tasks.CreateTask(ctx, blockHeight, requestID, data.DataIDHex, data.CodeSource, data.ResourceLimits, data.ResponseFormat, inputData, data.SecretsRef)
	if err != nil {
		ing.log.Warn("ingestor: creating task failed", "block_height", blockHeight, "request_id", requestID, "err", err)
		return
	}
	if enqueued {
		ing.log.Info("ingested execution_requested", "block_height", blockHeight, "request_id", requestID)
	}
}

func (ing *Ingestor) failTask(ctx context.Context, requestID uint64, reason string) {
	if err := ing.cfg.Tasks.FailTask(ctx, requestID, reason); err != nil {
		ing.log.Warn("ingestor: publishing fail_task failed", "request_id", requestID, "reason", reason, "err", err)
	}
}

func parseRequestID(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}
