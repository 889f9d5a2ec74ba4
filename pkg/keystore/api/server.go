package api

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/fastnear/near-outlayer-sub001/internal/xlog"
	"github.com/fastnear/near-outlayer-sub001/pkg/keystore"
	"github.com/fastnear/near-outlayer-sub001/pkg/teeauth"
)

// sessionHeader carries the id returned by /register-tee on every
// subsequent session-gated request.
const sessionHeader = "X-TEE-Session"

// Config wires a Server's dependencies.
type Config struct {
	// Checker verifies that a worker's public key is actually registered as
	// an access key on its operator account before a session is granted.
	// Nil disables the check (development only).
	Checker teeauth.AccessKeyChecker

	// BalanceSource backs NearBalance/FtBalance/NftOwned access conditions.
	// Nil causes those conditions to deny rather than panic.
	BalanceSource keystore.BalanceSource

	SessionTTL time.Duration
	Log        *xlog.Logger
}

// Server exposes the keystore's HTTP API. It holds a swappable *keystore.Keystore
// pointer so a temporary keystore (generated at boot) can be replaced once
// TEE registration completes, per spec.md §4.8's "until ready, the API
// rejects all decryption requests" rule.
type Server struct {
	cfg      Config
	log      *xlog.Logger
	sessions *sessionStore

	ks    atomic.Pointer[keystore.Keystore]
	ready atomic.Bool
}

// NewServer builds a Server around an initial keystore. ready controls
// whether session-gated endpoints serve requests immediately (false for TEE
// registration mode, true otherwise).
func NewServer(initial *keystore.Keystore, ready bool, cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = xlog.New("keystore-api")
	}
	s := &Server{
		cfg:      cfg,
		log:      cfg.Log,
		sessions: newSessionStore(cfg.SessionTTL),
	}
	s.ks.Store(initial)
	s.ready.Store(ready)
	return s
}

// ReplaceKeystore swaps in the real, MPC-derived keystore once TEE
// registration succeeds and marks the server ready to serve requests.
func (s *Server) ReplaceKeystore(ks *keystore.Keystore) {
	s.ks.Store(ks)
	s.ready.Store(true)
}

// Ready reports whether the server will currently serve session-gated
// requests.
func (s *Server) Ready() bool {
	return s.ready.Load()
}

func (s *Server) keystore() *keystore.Keystore {
	return s.ks.Load()
}

// Handler builds the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := httprouter.New()

	r.GET("/pubkey", s.handlePubkey)
	r.GET("/vrf/pubkey", s.handleVRFPubkey)
	r.POST("/tee-challenge", s.handleTEEChallenge)
	r.POST("/register-tee", s.handleRegisterTEE)
	r.POST("/vrf/generate", s.handleVRFGenerate)
	r.POST("/secrets/decrypt", s.handleSecretsDecrypt)

	return r
}
