// IP-based rate limiting, ported from
// original_source/coordinator/src/middleware/ip_rate_limit.rs: a fixed
// per-minute request budget per client IP ("per-IP rate limit on public
// endpoints", spec §4.7); the coordinator server applies it to every route.
package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// IPRateLimiter tracks a (count, window_start) pair per IP and resets the
// window every 60s, matching ip_rate_limit.rs exactly rather than adopting
// a token-bucket here — the original's fixed-window choice is deliberate
// for this route class.
type IPRateLimiter struct {
	mu          sync.Mutex
	counters    map[string]*ipWindow
	limitPerMin uint32
}

type ipWindow struct {
	count       uint32
	windowStart time.Time
}

func NewIPRateLimiter(limitPerMinute uint32) *IPRateLimiter {
	return &IPRateLimiter{counters: make(map[string]*ipWindow), limitPerMin: limitPerMinute}
}

// Check mirrors IpRateLimiter::check, including the lazy cleanup that only
// triggers once the map grows past 1000 entries.
func (l *IPRateLimiter) Check(ip string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()

	if len(l.counters) > 1000 {
		for k, w := range l.counters {
			if now.Sub(w.windowStart) >= 120*time.Second {
				delete(l.counters, k)
			}
		}
	}

	w, ok := l.counters[ip]
	if !ok {
		w = &ipWindow{windowStart: now}
		l.counters[ip] = w
	}
	if now.Sub(w.windowStart) >= time.Minute {
		w.count = 0
		w.windowStart = now
	}

	if w.count >= l.limitPerMin {
		return fmt.Errorf("rate limit exceeded: %d requests/minute allowed, try again later", l.limitPerMin)
	}
	w.count++
	return nil
}

// clientIP mirrors get_client_ip: X-Forwarded-For, then X-Real-Ip, then the
// connection's remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	if real := r.Header.Get("X-Real-Ip"); real != "" {
		return strings.TrimSpace(real)
	}
	if host, _, err := splitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return "unknown"
}

func splitHostPort(addr string) (string, string, error) {
	i := strings.LastIndexByte(addr, ':')
	if i < 0 {
		return addr, "", nil
	}
	return addr[:i], addr[i+1:], nil
}

// IPRateLimit wraps next, rejecting with 429 once the per-IP budget is
// exhausted.
func (l *IPRateLimiter) IPRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := l.Check(clientIP(r)); err != nil {
			http.Error(w, err.Error(), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
