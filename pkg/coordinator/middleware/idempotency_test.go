package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastnear/near-outlayer-sub001/pkg/coordinator/store"
)

type fakeIdemStore struct {
	entries map[string]store.IdempotencyEntry
}

func newFakeIdemStore() *fakeIdemStore {
	return &fakeIdemStore{entries: make(map[string]store.IdempotencyEntry)}
}

func (f *fakeIdemStore) IdempotencyGet(key string, _ time.Duration) (store.IdempotencyEntry, bool) {
	e, ok := f.entries[key]
	return e, ok
}

func (f *fakeIdemStore) IdempotencyPut(key string, status int, body []byte) error {
	f.entries[key] = store.IdempotencyEntry{Status: status, Body: body, RecordedAt: time.Now().Unix()}
	return nil
}

func TestIdempotency_FirstRequestRunsHandler(t *testing.T) {
	s := newFakeIdemStore()
	calls := 0
	handler := Idempotency(s, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	}))

	r := httptest.NewRequest("POST", "/jobs/claim", nil)
	r.Header.Set("Idempotency-Key", "key-1")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	assert.Equal(t, 1, calls)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestIdempotency_ReplayReturnsCachedResponse(t *testing.T) {
	s := newFakeIdemStore()
	calls := 0
	handler := Idempotency(s, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	}))

	r := httptest.NewRequest("POST", "/jobs/claim", nil)
	r.Header.Set("Idempotency-Key", "key-2")
	handler.ServeHTTP(httptest.NewRecorder(), r)

	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, r)

	assert.Equal(t, 1, calls)
	assert.Equal(t, "true", w2.Header().Get("X-Idempotency-Replay"))
	assert.Equal(t, http.StatusCreated, w2.Code)
	assert.Equal(t, "created", w2.Body.String())
}

func TestIdempotency_NoHeaderAlwaysRuns(t *testing.T) {
	s := newFakeIdemStore()
	calls := 0
	handler := Idempotency(s, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest("POST", "/jobs/claim", nil)
	handler.ServeHTTP(httptest.NewRecorder(), r)
	handler.ServeHTTP(httptest.NewRecorder(), r)

	require.Equal(t, 2, calls)
}
