// Command keystore runs the TEE-held secret keystore described in spec
// §4.8: deterministic per-repo Ed25519 keypair derivation, ChaCha20-Poly1305
// secret decryption gated by access conditions, and a VRF. Grounded on
// original_source/keystore-worker/src/main.rs's startup sequence: load or
// generate a master secret, optionally start a background TEE registration
// that later swaps in an MPC-derived one (see DESIGN.md's "Open decision:
// TEE DAO registration / MPC CKD" for what that background path does and
// doesn't implement here).
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
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
	"github.com/fastnear/near-outlayer-sub001/pkg/keystore"
	"github.com/fastnear/near-outlayer-sub001/pkg/keystore/api"
	"github.com/fastnear/near-outlayer-sub001/pkg/nearrpc"
)

var log = xlog.New("keystore")

func main() {
	app := &cli.App{
		Name:  "keystore",
		Usage: "NEAR OutLayer TEE keystore service",
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

	cfg, err := config.LoadKeystore()
	if err != nil {
		return err
	}

	var checker *nearrpc.Client
	if cfg.NearRPCURL != "" {
		checker = nearrpc.NewClient(cfg.NearRPCURL)
		log.Info("NEAR RPC client initialized (read-only)")
	} else {
		log.Warn("NEAR_RPC_URL not set; access-key and balance checks disabled")
	}

	initial, ready, err := initializeKeystore(cfg)
	if err != nil {
		return err
	}

	apiCfg := api.Config{SessionTTL: cfg.SessionTTL, Log: log}
	if checker != nil {
		apiCfg.Checker = checker
		apiCfg.BalanceSource = checker
	}
	srv := api.NewServer(initial, ready, apiCfg)

	if cfg.UseTEERegistration {
		log.Warn("TEE registration mode: serving with a temporary keystore; " +
			"DAO approval and MPC key retrieval are not implemented (see DESIGN.md), " +
			"srv.ReplaceKeystore is the hook a future implementation would call")
	}

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: withLiveness(srv.Handler()),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("keystore listening", "addr", cfg.ListenAddr, "ready", srv.Ready())
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

// initializeKeystore mirrors initialize_keystore in
// original_source/keystore-worker/src/main.rs: load KEYSTORE_MASTER_SECRET
// if set, otherwise generate a fresh one and warn the operator to persist
// it. ready is false only when TEE registration mode leaves the initial
// keystore temporary.
func initializeKeystore(cfg *config.Keystore) (*keystore.Keystore, bool, error) {
	if cfg.UseTEERegistration {
		ks, err := keystore.Generate()
		return ks, false, err
	}
	if cfg.MasterSecretHex != "" {
		ks, err := keystore.FromMasterSecretHex(cfg.MasterSecretHex)
		if err != nil {
			return nil, false, err
		}
		log.Info("keystore loaded from KEYSTORE_MASTER_SECRET")
		return ks, true, nil
	}

	ks, err := keystore.Generate()
	if err != nil {
		return nil, false, err
	}
	masterHex := ks.MasterSecretHex()
	hash := sha256.Sum256([]byte(masterHex))
	log.Warn("KEYSTORE_MASTER_SECRET not set; generated a new master secret",
		"master_secret_sha256", hex.EncodeToString(hash[:]))
	log.Warn("save KEYSTORE_MASTER_SECRET to persist this keystore across restarts; " +
		"a restart without it invalidates every secret encrypted under this key")
	return ks, true, nil
}

func withLiveness(next http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/", next)
	return mux
}
