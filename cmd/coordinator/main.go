// Command coordinator runs the NEAR OutLayer coordinator: task queue,
// job/claim ledger, artifact cache, worker registry, health aggregation and
// the admin/grant-key HTTP surface described in spec §4.7.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/fastnear/near-outlayer-sub001/internal/config"
	"github.com/fastnear/near-outlayer-sub001/internal/xlog"
	"github.com/fastnear/near-outlayer-sub001/pkg/coordinator/api"
	"github.com/fastnear/near-outlayer-sub001/pkg/coordinator/cache"
	"github.com/fastnear/near-outlayer-sub001/pkg/coordinator/grantkeys"
	"github.com/fastnear/near-outlayer-sub001/pkg/coordinator/health"
	"github.com/fastnear/near-outlayer-sub001/pkg/coordinator/queue"
	"github.com/fastnear/near-outlayer-sub001/pkg/coordinator/registry"
	"github.com/fastnear/near-outlayer-sub001/pkg/coordinator/store"
	"github.com/fastnear/near-outlayer-sub001/pkg/nearrpc"
)

var log = xlog.New("coordinator")

func main() {
	app := &cli.App{
		Name:  "coordinator",
		Usage: "NEAR OutLayer coordinator service",
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

	cfg, err := config.LoadCoordinator()
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.StoreDir)
	if err != nil {
		return err
	}
	defer st.Close()

	q, err := queue.Open(cfg.QueueDir)
	if err != nil {
		return err
	}
	defer q.Close()

	cacheMaxBytes := int64(4096) << 20
	ch, err := cache.Open(cfg.CacheDir, cacheMaxBytes)
	if err != nil {
		return err
	}
	defer ch.Close()

	gk, err := grantkeys.Open(cfg.GrantKeysDir)
	if err != nil {
		return err
	}
	defer gk.Close()

	reg := registry.New()

	var chainTip health.ChainTipFetcher
	if url := os.Getenv("NEAR_RPC_URL"); url != "" {
		chainTip = nearrpc.NewClient(url)
	}
	var keystoreChecker health.KeystoreChecker
	if cfg.KeystoreBaseURL != "" {
		keystoreChecker = &keystoreHealthClient{baseURL: cfg.KeystoreBaseURL, client: &http.Client{Timeout: 5 * time.Second}}
	}
	checker := health.NewChecker(st, keystoreChecker, chainTip, reg)

	stopEviction := make(chan struct{})
	go ch.RunEvictionLoop(stopEviction, 5*time.Minute)
	defer close(stopEviction)

	srv := api.NewServer(api.Config{
		Store:             st,
		Queue:             q,
		Cache:             ch,
		Registry:          reg,
		GrantKeys:         gk,
		Health:            checker,
		KeystoreBaseURL:   cfg.KeystoreBaseURL,
		KeystoreAuthToken: cfg.KeystoreToken,
		IPLimitPerMin:     uint32(cfg.IPLimitPerMin),
		Log:               log,
	})

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("coordinator listening", "addr", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		log.Info("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(ctx)
}

// keystoreHealthClient implements health.KeystoreChecker by hitting the
// keystore's own liveness endpoint.
type keystoreHealthClient struct {
	baseURL string
	client  *http.Client
}

func (k *keystoreHealthClient) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := k.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.New("keystore health check returned non-200")
	}
	return nil
}
