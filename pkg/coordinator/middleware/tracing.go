package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/fastnear/near-outlayer-sub001/internal/xlog"
)

type requestIDKey struct{}

// Tracing assigns a request id (reusing an inbound X-Request-Id if present)
// and logs method, path, status, and latency at Info level, the outermost
// stage of the middleware chain named in spec §4.7.
func Tracing(log *xlog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := r.Header.Get("X-Request-Id")
			if reqID == "" {
				reqID = uuid.NewString()
			}
			w.Header().Set("X-Request-Id", reqID)

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			log.Info("request",
				"request_id", reqID,
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"elapsed", xlog.Elapsed(start),
			)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
