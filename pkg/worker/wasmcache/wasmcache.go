// Package wasmcache is the worker's local LRU cache of compiled WASM
// modules, avoiding a re-download from the coordinator's artifact cache for
// a checksum the worker has already fetched (spec §4.9). Grounded on
// original_source/worker/src/wasm_cache.rs: one file per checksum on disk,
// content hash re-verified on every read, size-bounded LRU eviction. Uses
// github.com/hashicorp/golang-lru/v2 for recency tracking instead of
// hand-rolling the original's HashMap+Instant bookkeeping — the library
// already carries eviction-order plumbing as a declared dependency of this
// module; byte-size-bounded eviction (the library only counts entries) is
// layered on top via RemoveOldest.
package wasmcache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fastnear/near-outlayer-sub001/internal/xlog"
)

type entry struct {
	path string
	size int64
}

// Cache is a disk-backed, size-bounded, content-verified cache of compiled
// WASM bytes keyed by lowercase hex SHA-256 checksum.
type Cache struct {
	dir         string
	maxBytes    int64
	log         *xlog.Logger
	mu          sync.Mutex
	order       *lru.Cache[string, entry]
	totalBytes  int64
}

// Open creates dir if needed and loads any WASM files already present,
// re-verifying each one's hash against its filename before trusting it.
func Open(dir string, maxBytes int64) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wasmcache: creating %s: %w", dir, err)
	}
	c := &Cache{
		dir:      dir,
		maxBytes: maxBytes,
		log:      xlog.New("wasm-cache"),
	}
	order, err := lru.NewWithEvict[string, entry](math.MaxInt-1, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("wasmcache: building lru: %w", err)
	}
	c.order = order
	c.loadExisting()
	return c, nil
}

func (c *Cache) onEvict(checksum string, e entry) {
	c.totalBytes -= e.size
	if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
		c.log.Warn("wasm cache: failed removing evicted file", "checksum", checksum, "err", err)
	}
}

func (c *Cache) pathFor(checksum string) string {
	return filepath.Join(c.dir, checksum+".wasm")
}

func (c *Cache) loadExisting() {
	dirEntries, err := os.ReadDir(c.dir)
	if err != nil {
		c.log.Warn("wasm cache: failed reading cache dir", "err", err)
		return
	}
	for _, de := range dirEntries {
		if de.IsDir() || filepath.Ext(de.Name()) != ".wasm" {
			continue
		}
		checksum := de.Name()[:len(de.Name())-len(".wasm")]
		path := filepath.Join(c.dir, de.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if hashOf(data) != checksum {
			c.log.Warn("wasm cache: discarding file with mismatched hash on load", "checksum", checksum)
			_ = os.Remove(path)
			continue
		}
		c.order.Add(checksum, entry{path: path, size: int64(len(data))})
		c.totalBytes += int64(len(data))
	}
	c.evictToFit()
	if n := c.order.Len(); n > 0 {
		c.log.Info("wasm cache loaded", "entries", n, "bytes", c.totalBytes)
	}
}

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Get returns the cached bytes for checksum, re-verifying the hash before
// returning them; a mismatch is treated as a miss and the entry is dropped.
func (c *Cache) Get(checksum string) ([]byte, bool) {
	c.mu.Lock()
	e, ok := c.order.Get(checksum)
	c.mu.Unlock()
	if !ok {
		return nil, false
	}

	data, err := os.ReadFile(e.path)
	if err != nil {
		c.mu.Lock()
		c.order.Remove(checksum)
		c.mu.Unlock()
		return nil, false
	}
	if hashOf(data) != checksum {
		c.log.Warn("wasm cache: integrity check failed, evicting", "checksum", checksum)
		c.mu.Lock()
		c.order.Remove(checksum)
		c.mu.Unlock()
		return nil, false
	}
	return data, true
}

// Put stores data under checksum, verifying the hash matches before
// writing. A single file larger than the cache's max size is not cached but
// not an error either — the caller still has the bytes in hand.
func (c *Cache) Put(checksum string, data []byte) error {
	if hashOf(data) != checksum {
		return fmt.Errorf("wasmcache: hash mismatch for %s", checksum)
	}
	size := int64(len(data))
	if size > c.maxBytes {
		c.log.Warn("wasm cache: artifact exceeds cache capacity, not caching", "checksum", checksum, "size", size)
		return nil
	}

	path := c.pathFor(checksum)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("wasmcache: writing %s: %w", path, err)
	}

	c.mu.Lock()
	if old, ok := c.order.Peek(checksum); ok {
		c.totalBytes -= old.size
	}
	c.order.Add(checksum, entry{path: path, size: size})
	c.totalBytes += size
	c.evictToFit()
	c.mu.Unlock()
	return nil
}

// evictToFit drops the least-recently-used entries until total bytes is
// within budget; callers must hold c.mu.
func (c *Cache) evictToFit() {
	for c.totalBytes > c.maxBytes {
		if _, _, ok := c.order.RemoveOldest(); !ok {
			return
		}
	}
}

// Stats reports entry count and current/max byte usage.
func (c *Cache) Stats() (entries int, bytes int64, maxBytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len(), c.totalBytes, c.maxBytes
}
