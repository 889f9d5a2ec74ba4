// Package middleware implements the Coordinator API middleware stack named
// in spec §4.7, applied in order: tracing -> per-IP rate limit -> throttle
// (token bucket per route+auth level) -> idempotency -> signature auth ->
// handler. This file implements the throttle stage, ported from
// original_source/coordinator/src/middleware/throttle.rs's
// TokenBucket/ThrottleManager design onto golang.org/x/time/rate.
package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimitProfile mirrors throttle.rs's RateLimitProfile: requests/sec,
// burst capacity, and a concurrency ceiling.
type RateLimitProfile struct {
	RPS        float64
	Burst      int
	Concurrent int
}

var (
	DefaultAnonProfile  = RateLimitProfile{RPS: 5, Burst: 10, Concurrent: 4}
	DefaultKeyedProfile = RateLimitProfile{RPS: 20, Burst: 40, Concurrent: 8}
)

// tokenBucket pairs a rate.Limiter with a concurrency semaphore, exactly the
// "token + concurrency" combination throttle.rs's check_rate_limit checks.
type tokenBucket struct {
	limiter  *rate.Limiter
	profile  RateLimitProfile
	mu       sync.Mutex
	inFlight int
}

func newTokenBucket(p RateLimitProfile) *tokenBucket {
	return &tokenBucket{limiter: rate.NewLimiter(rate.Limit(p.RPS), p.Burst), profile: p}
}

func (b *tokenBucket) tryAcquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inFlight >= b.profile.Concurrent {
		return fmt.Errorf("concurrency limit reached (%d/%d)", b.inFlight, b.profile.Concurrent)
	}
	if !b.limiter.Allow() {
		return fmt.Errorf("rate limit exceeded (%.0frps)", b.profile.RPS)
	}
	b.inFlight++
	return nil
}

func (b *tokenBucket) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inFlight > 0 {
		b.inFlight--
	}
}

// ThrottleManager owns one bucket per (route, auth level) pair, created
// lazily, matching ThrottleManager::get_bucket.
type ThrottleManager struct {
	anon  RateLimitProfile
	keyed RateLimitProfile

	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

func NewThrottleManager(anon, keyed RateLimitProfile) *ThrottleManager {
	return &ThrottleManager{anon: anon, keyed: keyed, buckets: make(map[string]*tokenBucket)}
}

func (m *ThrottleManager) bucket(route string, keyed bool) *tokenBucket {
	level := "anon"
	profile := m.anon
	if keyed {
		level = "keyed"
		profile = m.keyed
	}
	key := route + ":" + level

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.buckets[key]; ok {
		return b
	}
	b := newTokenBucket(profile)
	m.buckets[key] = b
	return b
}

// hasAPIKey mirrors throttle.rs's detection: a bearer Authorization header
// or an api_key/apikey query parameter.
func hasAPIKey(r *http.Request) bool {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return true
	}
	q := r.URL.RawQuery
	return strings.Contains(q, "api_key=") || strings.Contains(q, "apikey=")
}

// Throttle wraps next with the token-bucket + concurrency check, returning
// 429 with Retry-After on rejection (spec §7 "Capacity" -> 429 with
// Retry-After; spec §8 property 8: keyed requests get a strictly higher
// budget than anonymous).
func (m *ThrottleManager) Throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keyed := hasAPIKey(r)
		b := m.bucket(r.URL.Path, keyed)

		if err := b.tryAcquire(); err != nil {
			limit := "5"
			if keyed {
				limit = "20"
			}
			w.Header().Set("Retry-After", "5")
			w.Header().Set("X-RateLimit-Limit", limit)
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded: ` + err.Error() + `"}`))
			return
		}
		defer b.release()
		next.ServeHTTP(w, r)
	})
}

// bucketStateForTest exposes internal state for table-driven tests without
// widening the public API surface.
func (m *ThrottleManager) bucketStateForTest(route string, keyed bool) (rps float64, inFlight int) {
	b := m.bucket(route, keyed)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.profile.RPS, b.inFlight
}
