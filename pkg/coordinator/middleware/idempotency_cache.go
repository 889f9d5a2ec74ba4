package middleware

import (
	"encoding/json"
	"time"

	"github.com/VictoriaMetrics/fastcache"

	"github.com/fastnear/near-outlayer-sub001/pkg/coordinator/store"
)

// CachedIdempotencyStore fronts an IdempotencyStore with an in-process
// fastcache.Cache, so a replayed request within the TTL is served without a
// LevelDB read. Entries still go through Put on the inner store, so a
// restarted coordinator keeps working from the durable copy; fastcache is
// purely a hot-path shortcut, never the only copy.
type CachedIdempotencyStore struct {
	inner IdempotencyStore
	hot   *fastcache.Cache
}

// NewCachedIdempotencyStore wraps inner with a maxBytes-bounded fastcache.
// maxBytes <= 0 picks a modest default sized for a handful of in-flight
// retries, not a long-term archive (the durable store already is that).
func NewCachedIdempotencyStore(inner IdempotencyStore, maxBytes int) *CachedIdempotencyStore {
	if maxBytes <= 0 {
		maxBytes = 8 * 1024 * 1024
	}
	return &CachedIdempotencyStore{
		inner: inner,
		hot:   fastcache.New(maxBytes),
	}
}

func (c *CachedIdempotencyStore) IdempotencyGet(key string, ttl time.Duration) (store.IdempotencyEntry, bool) {
	if raw, ok := c.hot.HasGet(nil, []byte(key)); ok {
		var e store.IdempotencyEntry
		if err := json.Unmarshal(raw, &e); err == nil {
			if time.Now().Unix()-e.RecordedAt <= int64(ttl.Seconds()) {
				return e, true
			}
			c.hot.Del([]byte(key))
		}
	}
	entry, ok := c.inner.IdempotencyGet(key, ttl)
	if ok {
		if raw, err := json.Marshal(entry); err == nil {
			c.hot.Set([]byte(key), raw)
		}
	}
	return entry, ok
}

func (c *CachedIdempotencyStore) IdempotencyPut(key string, status int, body []byte) error {
	if err := c.inner.IdempotencyPut(key, status, body); err != nil {
		return err
	}
	entry := store.IdempotencyEntry{Status: status, Body: body, RecordedAt: time.Now().Unix()}
	if raw, err := json.Marshal(entry); err == nil {
		c.hot.Set([]byte(key), raw)
	}
	return nil
}

var _ IdempotencyStore = (*CachedIdempotencyStore)(nil)
