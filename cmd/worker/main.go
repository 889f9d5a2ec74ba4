// Command worker runs a single NEAR OutLayer worker process: it long-polls
// the coordinator for tasks, compiles guest repositories inside Docker when
// no cached artifact exists, executes the resulting WASM under wasmtime,
// and reports results back (spec §4.9). Grounded on
// original_source/worker/src/main.rs's top-level wiring.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/fastnear/near-outlayer-sub001/internal/config"
	"github.com/fastnear/near-outlayer-sub001/internal/xlog"
	"github.com/fastnear/near-outlayer-sub001/pkg/ingestor"
	"github.com/fastnear/near-outlayer-sub001/pkg/worker/compiler"
	"github.com/fastnear/near-outlayer-sub001/pkg/worker/executor"
	"github.com/fastnear/near-outlayer-sub001/pkg/worker/orchestrator"
	"github.com/fastnear/near-outlayer-sub001/pkg/worker/wasmcache"
	"github.com/fastnear/near-outlayer-sub001/pkg/workerapi"
)

var log = xlog.New("worker")

func main() {
	app := &cli.App{
		Name:  "worker",
		Usage: "NEAR OutLayer worker process",
		Action: func(*cli.Context) error {
			return run()
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Crit("exiting", "err", err)
	}
}

func run() error {
	if _, err := maxprocs.Set(maxprocs.Logger(func(string, ...any) {})); err != nil {
		log.Warn("failed to set GOMAXPROCS", "err", err)
	}

	cfg, err := config.LoadWorker()
	if err != nil {
		return err
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()
		log.Info("generated worker id", "worker_id", cfg.WorkerID)
	}

	cache, err := wasmcache.Open(cfg.WasmCacheDir, cfg.WasmCacheMaxMB<<20)
	if err != nil {
		return err
	}

	comp, err := compiler.New(cfg.BuildDockerImage, cfg.CompileMemoryMB, cfg.CompileCPUs)
	if err != nil {
		return err
	}

	exec := executor.New(os.Getenv("WORKER_PRINT_STDERR") == "true")

	// the HTTP client timeout must outlive the long-poll window itself,
	// since /tasks/poll blocks server-side for up to cfg.PollTimeout.
	api := workerapi.New(cfg.CoordinatorURL, cfg.APIToken, cfg.PollTimeout+30*time.Second)

	var ing *ingestor.Ingestor
	var chainTip func() *int64
	if cfg.EnableEventMonitor {
		ing, err = ingestor.New(ingestor.Config{
			Source:        ingestor.NewHTTPBlockSource(cfg.NeardataAPIURL, cfg.FastnearAPIURL),
			Tasks:         api,
			ContractID:    cfg.ContractID,
			StartHeight:   cfg.StartBlockHeight,
			ScanInterval:  cfg.ScanInterval,
			WatermarkPath: cfg.WatermarkPath,
			Log:           log.With("subsystem", "ingestor"),
		})
		if err != nil {
			return err
		}
		chainTip = ing.ChainTip
	}

	orch := orchestrator.New(orchestrator.Config{
		API:        api,
		Cache:      cache,
		Compiler:   comp,
		Executor:   exec,
		WorkerID:   cfg.WorkerID,
		WorkerName: cfg.WorkerID,

		PollTimeout: cfg.PollTimeout,
		ChainTip:    chainTip,
		Log:         log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		log.Info("worker starting", "worker_id", cfg.WorkerID, "coordinator", cfg.CoordinatorURL)
		if err := orch.Run(ctx); err != nil {
			errCh <- err
		}
	}()

	if ing != nil {
		go func() {
			log.Info("event ingestor starting", "contract_id", cfg.ContractID, "start_height", cfg.StartBlockHeight)
			if err := ing.Run(ctx); err != nil {
				log.Warn("event ingestor stopped", "err", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case <-sigCh:
		log.Info("shutting down")
		cancel()
		return nil
	}
}
