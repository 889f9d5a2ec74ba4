// Package orchestrator drives a single worker process's poll/claim/build/
// run/report cycle, grounded on original_source/worker/src/main.rs's
// worker_iteration (poll a task, dispatch on its kind, submit the result,
// sleep briefly on an empty poll or back off on error) adapted to this
// repo's coordinator: a polled task may require both a Compile job and an
// Execute job (chain.Job's JobType), rather than the original's two
// separate Task variants, since this coordinator's Claim always returns
// whichever of the two jobs still need doing for a request (spec §4.2).
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/fastnear/near-outlayer-sub001/internal/xlog"
	"github.com/fastnear/near-outlayer-sub001/pkg/chain"
	"github.com/fastnear/near-outlayer-sub001/pkg/coordinator/queue"
	"github.com/fastnear/near-outlayer-sub001/pkg/sourceref"
	"github.com/fastnear/near-outlayer-sub001/pkg/worker/compiler"
	"github.com/fastnear/near-outlayer-sub001/pkg/worker/executor"
	"github.com/fastnear/near-outlayer-sub001/pkg/worker/wasmcache"
	"github.com/fastnear/near-outlayer-sub001/pkg/workerapi"
)

// SecretsResolver turns a contract's secrets_ref into the decrypted env
// vars a run should see. The concrete implementation lives outside this
// package (it needs a live TEE session against the keystore, established
// at worker startup, separate from any single execution) — see DESIGN.md
// for why this is an interface seam rather than a built client.
type SecretsResolver interface {
	Resolve(ctx context.Context, ref *chain.SecretsRef) (map[string]string, error)
}

// Config wires an Orchestrator's dependencies and tunables.
type Config struct {
	API        *workerapi.Client
	Cache      *wasmcache.Cache
	Compiler   *compiler.Compiler
	Executor   *executor.Executor
	Secrets    SecretsResolver // nil disables secrets_ref resolution
	WorkerID   string
	WorkerName string

	PollTimeout       time.Duration
	HeartbeatInterval time.Duration
	CompileLockTTL    time.Duration

	// ChainTip returns the current chain tip observed by the embedded event
	// ingestor, reported on every heartbeat (spec §4.9). Nil disables the
	// event-monitor height entirely, e.g. when the ingestor isn't enabled on
	// this worker.
	ChainTip func() *int64

	Log *xlog.Logger
}

type Orchestrator struct {
	cfg Config
	log *xlog.Logger
}

func New(cfg Config) *Orchestrator {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 60 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.CompileLockTTL <= 0 {
		cfg.CompileLockTTL = 5 * time.Minute
	}
	if cfg.Log == nil {
		cfg.Log = xlog.New("orchestrator")
	}
	return &Orchestrator{cfg: cfg, log: cfg.Log}
}

// Run drives the worker loop until ctx is cancelled, matching main.rs's
// top-level loop: an idle poll (no task available) sleeps 1s before
// retrying, a hard iteration error sleeps 5s to avoid a tight error loop,
// and a processed task is followed immediately by the next poll.
func (o *Orchestrator) Run(ctx context.Context) error {
	go o.heartbeatLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		processed, err := o.iteration(ctx)
		if err != nil {
			o.log.Info("worker iteration failed", "err", err)
			if !sleepCtx(ctx, 5*time.Second) {
				return nil
			}
			continue
		}
		if !processed {
			if !sleepCtx(ctx, time.Second) {
				return nil
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// iteration performs one poll-claim-build-run-report cycle, returning
// processed=true if a task was polled, regardless of whether the jobs it
// produced actually ended up running (a lost claim race still counts as a
// handled poll, per main.rs's Ok(true)/Ok(false) distinction).
func (o *Orchestrator) iteration(ctx context.Context) (bool, error) {
	task, err := o.cfg.API.PollTask(ctx, o.cfg.PollTimeout)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	o.log.Info("received task", "task_id", task.TaskID, "request_id", task.RequestID)

	if err := o.handleTask(ctx, task); err != nil {
		o.log.Info("task handling failed", "task_id", task.TaskID, "err", err)
	}
	return true, nil
}

func (o *Orchestrator) handleTask(ctx context.Context, task *queue.Task) error {
	canonical, err := sourceref.Canonicalize(task.Source, nil)
	if err != nil {
		return err
	}
	checksum := canonical.Fingerprint()

	jobs, err := o.cfg.API.ClaimJob(ctx, o.cfg.WorkerID, task.RequestID, task.DataIDHex, checksum)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		o.log.Info("lost claim race, another worker owns this request", "request_id", task.RequestID)
		return nil
	}

	var wasmBytes []byte
	for _, job := range jobs {
		switch job.JobType {
		case chain.JobCompile:
			wasmBytes, err = o.runCompile(ctx, job, canonical, checksum)
			if err != nil {
				o.failJob(ctx, job, err)
				return err
			}
		case chain.JobExecute:
			if wasmBytes == nil {
				wasmBytes, err = o.fetchWasm(ctx, checksum)
				if err != nil {
					o.failJob(ctx, job, err)
					return err
				}
			}
			o.runExecute(ctx, job, task, canonical.BuildTarget, wasmBytes)
		}
	}
	return nil
}

// runCompile performs spec §4.3's compile sub-step: acquire the dedup
// lock for this checksum, compile, cache, upload, and complete the job —
// or, if another worker already holds the lock, wait for that worker's
// upload to land instead of compiling twice.
func (o *Orchestrator) runCompile(ctx context.Context, job chain.Job, canonical sourceref.Canonical, checksum string) ([]byte, error) {
	lockKey := "compile:" + checksum
	err := o.cfg.API.AcquireLock(ctx, lockKey, o.cfg.WorkerID, o.cfg.CompileLockTTL)
	if errors.Is(err, workerapi.ErrLockHeld) {
		wasmBytes, waitErr := o.waitForArtifact(ctx, checksum)
		if waitErr != nil {
			return nil, waitErr
		}
		if err := o.cfg.API.CompleteJob(ctx, job.JobID, chain.JobCompleted, "compiled by another worker", 0, 0, ""); err != nil {
			o.log.Info("completing compile job after remote compile failed", "err", err)
		}
		return wasmBytes, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		if releaseErr := o.cfg.API.ReleaseLock(ctx, lockKey, o.cfg.WorkerID); releaseErr != nil {
			o.log.Info("releasing compile lock failed", "err", releaseErr)
		}
	}()

	result, err := o.cfg.Compiler.Compile(ctx, canonical.Repo, canonical.Commit, canonical.BuildTarget)
	if err != nil {
		return nil, err
	}

	if err := o.cfg.Cache.Put(checksum, result.Wasm); err != nil {
		o.log.Info("caching compiled wasm failed", "err", err)
	}
	if err := o.cfg.API.UploadWasm(ctx, checksum, canonical.Repo, canonical.Commit, canonical.BuildTarget, result.Wasm); err != nil {
		return nil, err
	}
	if err := o.cfg.API.CompleteJob(ctx, job.JobID, chain.JobCompleted, "compiled", result.CompileTimeMs, 0, ""); err != nil {
		return nil, err
	}
	return result.Wasm, nil
}

// waitForArtifact polls the coordinator for a checksum another worker is
// compiling, matching spec §4.3's dedup-by-lock intent: whoever lost the
// race waits rather than recompiling.
func (o *Orchestrator) waitForArtifact(ctx context.Context, checksum string) ([]byte, error) {
	const pollInterval = 2 * time.Second
	deadline := time.Now().Add(o.cfg.CompileLockTTL)
	for time.Now().Before(deadline) {
		if exists, err := o.cfg.API.WasmExists(ctx, checksum); err == nil && exists {
			return o.fetchWasm(ctx, checksum)
		}
		if !sleepCtx(ctx, pollInterval) {
			return nil, ctx.Err()
		}
	}
	return nil, errors.New("orchestrator: timed out waiting for another worker's compile to finish")
}

func (o *Orchestrator) fetchWasm(ctx context.Context, checksum string) ([]byte, error) {
	if b, ok := o.cfg.Cache.Get(checksum); ok {
		return b, nil
	}
	b, err := o.cfg.API.DownloadWasm(ctx, checksum)
	if err != nil {
		return nil, err
	}
	if err := o.cfg.Cache.Put(checksum, b); err != nil {
		o.log.Info("caching downloaded wasm failed", "err", err)
	}
	return b, nil
}

// runExecute performs spec §4.9's execute sub-step: resolve secrets (if
// any), run the module under its resource limits, and report the outcome.
// Execution errors are reported as a failed job, not returned to the
// caller — a guest that errors is a normal, expected result, not an
// orchestrator-level failure.
func (o *Orchestrator) runExecute(ctx context.Context, job chain.Job, task *queue.Task, buildTarget string, wasmBytes []byte) {
	var envVars map[string]string
	if task.SecretsRef != nil && o.cfg.Secrets != nil {
		resolved, err := o.cfg.Secrets.Resolve(ctx, task.SecretsRef)
		if err != nil {
			o.log.Info("resolving secrets_ref failed, running with default env", "err", err)
		} else {
			envVars = resolved
		}
	}

	result, err := o.cfg.Executor.Execute(buildTarget, wasmBytes, task.InputData, task.Limits, envVars, task.Format)
	if err != nil {
		o.failJob(ctx, job, err)
		return
	}

	status := chain.JobCompleted
	outcome := "success"
	if !result.Success {
		status = chain.JobFailed
		outcome = result.Error
	}
	if err := o.cfg.API.CompleteJob(ctx, job.JobID, status, outcome, result.TimeMs, result.Instructions, ""); err != nil {
		o.log.Info("completing execute job failed", "err", err)
	}
	if err := o.cfg.API.NotifyTaskCompletion(ctx, o.cfg.WorkerID, result.Success); err != nil {
		o.log.Info("notifying task completion failed", "err", err)
	}
}

func (o *Orchestrator) failJob(ctx context.Context, job chain.Job, cause error) {
	if err := o.cfg.API.CompleteJob(ctx, job.JobID, chain.JobFailed, cause.Error(), 0, 0, ""); err != nil {
		o.log.Info("reporting job failure to coordinator failed", "err", err, "job_id", job.JobID)
	}
	if err := o.cfg.API.NotifyTaskCompletion(ctx, o.cfg.WorkerID, false); err != nil {
		o.log.Info("notifying task completion failed", "err", err)
	}
}

func (o *Orchestrator) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var chainTip *int64
			if o.cfg.ChainTip != nil {
				chainTip = o.cfg.ChainTip()
			}
			if err := o.cfg.API.Heartbeat(ctx, o.cfg.WorkerID, o.cfg.WorkerName, "online", "", chainTip); err != nil {
				o.log.Info("heartbeat failed", "err", err)
			}
		}
	}
}
