// Package api wires the coordinator's HTTP surface (spec §4.7): task
// dispatch, job claim/complete, the artifact cache, advisory locks, worker
// liveness, health, admin grant-key management, and a thin proxy to the
// keystore service. Routing uses github.com/julienschmidt/httprouter, CORS
// uses github.com/rs/cors, and every route passes through the middleware
// chain in pkg/coordinator/middleware, applied in the order spec §4.7 lists:
// tracing, per-IP rate limit, throttle, idempotency, signature auth.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"github.com/fastnear/near-outlayer-sub001/internal/xlog"
	"github.com/fastnear/near-outlayer-sub001/pkg/coordinator/cache"
	"github.com/fastnear/near-outlayer-sub001/pkg/coordinator/grantkeys"
	"github.com/fastnear/near-outlayer-sub001/pkg/coordinator/health"
	"github.com/fastnear/near-outlayer-sub001/pkg/coordinator/middleware"
	"github.com/fastnear/near-outlayer-sub001/pkg/coordinator/queue"
	"github.com/fastnear/near-outlayer-sub001/pkg/coordinator/registry"
	"github.com/fastnear/near-outlayer-sub001/pkg/coordinator/store"
)

// Config carries the server's external collaborators, all optional except
// Store, Queue and Cache; an empty KeystoreBaseURL leaves the keystore proxy
// unconfigured rather than erroring.
type Config struct {
	Store     *store.Store
	Queue     *queue.Queue
	Cache     *cache.Cache
	Registry  *registry.Registry
	GrantKeys *grantkeys.Store
	Health    *health.Checker

	Accounts middleware.AccountRegistry // nil disables signature auth entirely

	KeystoreBaseURL   string
	KeystoreAuthToken string

	AnonProfile  middleware.RateLimitProfile
	KeyedProfile middleware.RateLimitProfile
	IPLimitPerMin uint32

	Log *xlog.Logger
}

type Server struct {
	cfg           Config
	log           *xlog.Logger
	keystoreProxy *keystoreProxy
	throttle      *middleware.ThrottleManager
	ipLimiter     *middleware.IPRateLimiter
	idemStore     middleware.IdempotencyStore
}

func NewServer(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = xlog.New("coordinator-api")
	}
	if cfg.AnonProfile == (middleware.RateLimitProfile{}) {
		cfg.AnonProfile = middleware.DefaultAnonProfile
	}
	if cfg.KeyedProfile == (middleware.RateLimitProfile{}) {
		cfg.KeyedProfile = middleware.DefaultKeyedProfile
	}
	if cfg.IPLimitPerMin == 0 {
		cfg.IPLimitPerMin = 120
	}
	var idemStore middleware.IdempotencyStore
	if cfg.Store != nil {
		idemStore = middleware.NewCachedIdempotencyStore(cfg.Store, 0)
	}
	return &Server{
		cfg:           cfg,
		log:           cfg.Log,
		keystoreProxy: newKeystoreProxy(cfg.KeystoreBaseURL, cfg.KeystoreAuthToken),
		throttle:      middleware.NewThrottleManager(cfg.AnonProfile, cfg.KeyedProfile),
		ipLimiter:     middleware.NewIPRateLimiter(cfg.IPLimitPerMin),
		idemStore:     idemStore,
	}
}

// Handler builds the full routed, middleware-wrapped http.Handler.
func (s *Server) Handler() http.Handler {
	r := httprouter.New()

	r.Handler(http.MethodGet, "/tasks/poll", s.route(s.handleTasksPoll, authOptional))
	r.Handler(http.MethodPost, "/tasks/create", s.route(s.handleTasksCreate, authRequired))
	r.Handler(http.MethodPost, "/tasks/fail", s.route(s.handleTasksFail, authRequired))

	r.Handler(http.MethodPost, "/jobs/claim", s.route(s.handleJobsClaim, authOptional))
	r.Handler(http.MethodPost, "/jobs/complete", s.route(s.handleJobsComplete, authOptional))

	r.Handler(http.MethodGet, "/wasm/:checksum", s.route(s.handleWasmDownload, authOptional))
	r.Handler(http.MethodGet, "/wasm/exists/:checksum", s.route(s.handleWasmExists, authOptional))
	r.Handler(http.MethodPost, "/wasm/upload", s.route(s.handleWasmUpload, authOptional))

	r.Handler(http.MethodPost, "/locks/acquire", s.route(s.handleLockAcquire, authOptional))
	r.Handler(http.MethodDelete, "/locks/release/:key", s.route(s.handleLockRelease, authOptional))

	r.Handler(http.MethodPost, "/workers/heartbeat", s.route(s.handleWorkerHeartbeat, authOptional))
	r.Handler(http.MethodPost, "/workers/task-completion", s.route(s.handleWorkerTaskCompletion, authOptional))
	r.Handler(http.MethodDelete, "/workers/:worker_id", s.route(s.handleWorkerDelete, authRequired))

	r.Handler(http.MethodGet, "/health", s.route(s.handleHealth, authOptional))
	r.Handler(http.MethodGet, "/health/detailed", s.route(s.handleHealthDetailed, authOptional))

	r.Handler(http.MethodPost, "/keystore/tee-challenge", s.route(s.handleTeeChallenge, authOptional))
	r.Handler(http.MethodPost, "/keystore/register-tee", s.route(s.handleRegisterTee, authOptional))
	r.Handler(http.MethodGet, "/keystore/pubkey", s.route(s.handleKeystorePubkey, authOptional))

	r.Handler(http.MethodPost, "/admin/grant-keys", s.route(s.handleGrantKeyCreate, authRequired))
	r.Handler(http.MethodGet, "/admin/grant-keys/:owner", s.route(s.handleGrantKeyList, authRequired))
	r.Handler(http.MethodDelete, "/admin/grant-keys/:owner/:nonce", s.route(s.handleGrantKeyDelete, authRequired))

	handler := s.ipLimiter.IPRateLimit(http.Handler(r))
	handler = middleware.Tracing(s.log)(handler)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type", "Idempotency-Key", "X-Near-Account", "X-Near-Signature", "X-Near-Timestamp", "Authorization"},
	})
	return c.Handler(handler)
}

// authLevel distinguishes routes that must carry a valid NEAR signature from
// those open to anonymous polling; it decides only whether SignatureAuth runs
// for a route, while the throttle's anon/keyed profile is chosen per request
// from the credentials it carries.
type authLevel int

const (
	authOptional authLevel = iota
	authRequired
)

// route assembles the per-route middleware chain: throttle (profile chosen
// by presence of credentials) wraps idempotency wraps signature auth (when
// required and an account registry is configured) wraps the handler.
func (s *Server) route(h httprouter.Handle, level authLevel) http.Handler {
	inner := http.Handler(wrapParams(h))

	if level == authRequired && s.cfg.Accounts != nil {
		inner = middleware.SignatureAuth(s.cfg.Accounts)(inner)
	}
	if s.idemStore != nil {
		inner = middleware.Idempotency(s.idemStore, middleware.DefaultIdempotencyTTL)(inner)
	}
	return s.throttle.Throttle(inner)
}

func wrapParams(h httprouter.Handle) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ps := httprouter.ParamsFromContext(r.Context())
		h(w, r, ps)
	})
}

func withTimeout(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), d)
}
