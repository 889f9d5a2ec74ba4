// Idempotency-Key middleware, ported from
// original_source/coordinator/src/middleware/idempotency.rs onto the
// coordinator's LevelDB-backed store (pkg/coordinator/store) instead of the
// original's in-process HashMap, so cached responses survive a coordinator
// restart. Protocol is unchanged: a client sends Idempotency-Key: <uuid>;
// a replayed request within the TTL gets the first response back verbatim
// plus X-Idempotency-Replay: true.
package middleware

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/fastnear/near-outlayer-sub001/pkg/coordinator/store"
)

const DefaultIdempotencyTTL = 10 * time.Minute

// IdempotencyStore is the subset of *store.Store the middleware needs.
type IdempotencyStore interface {
	IdempotencyGet(key string, ttl time.Duration) (store.IdempotencyEntry, bool)
	IdempotencyPut(key string, status int, body []byte) error
}

// Idempotency wraps next: requests without the header pass through
// untouched; requests with it either replay a cached response or run
// normally and cache the result.
func Idempotency(idemStore IdempotencyStore, ttl time.Duration) func(http.Handler) http.Handler {
	if ttl == 0 {
		ttl = DefaultIdempotencyTTL
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			if entry, ok := idemStore.IdempotencyGet(key, ttl); ok {
				w.Header().Set("X-Idempotency-Replay", "true")
				w.WriteHeader(entry.Status)
				_, _ = w.Write(entry.Body)
				return
			}

			rec := &recordingWriter{ResponseWriter: w, status: http.StatusOK, buf: &bytes.Buffer{}}
			next.ServeHTTP(rec, r)

			_ = idemStore.IdempotencyPut(key, rec.status, rec.buf.Bytes())
		})
	}
}

// recordingWriter buffers the response body so it can be cached after the
// handler returns, mirroring the original's read-response-then-re-emit step.
type recordingWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	buf         *bytes.Buffer
}

func (rw *recordingWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.wroteHeader = true
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *recordingWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	rw.buf.Write(b)
	return rw.ResponseWriter.Write(b)
}

var _ io.Writer = (*recordingWriter)(nil)
