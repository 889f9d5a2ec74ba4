// Package cache implements the coordinator-side Artifact Cache (spec §4.4):
// a content-addressed store of compiled WASM keyed by lowercase hex SHA-256,
// atomic upload (write-temp-then-rename), LRU eviction by total bytes, and
// integrity verification on read.
package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"

	"github.com/fastnear/near-outlayer-sub001/internal/xlog"
)

var (
	ErrNotFound       = errors.New("cache: artifact not found")
	ErrChecksumMismatch = errors.New("cache: uploaded bytes do not match checksum")
)

// Metadata is the cached-artifact row described in spec §3.
type Metadata struct {
	Checksum       string `json:"checksum"`
	Repo           string `json:"repo"`
	Commit         string `json:"commit"`
	BuildTarget    string `json:"build_target"`
	Size           int64  `json:"size"`
	CreatedAt      int64  `json:"created_at"`
	LastAccessedAt int64  `json:"last_accessed_at"`
	AccessCount    int64  `json:"access_count"`
}

// Cache is the server-side content-addressed artifact store.
type Cache struct {
	dir    string
	meta   *leveldb.DB
	maxCap int64
	mu     sync.Mutex // guards metadata read-modify-write (access stats, eviction)
	log    *xlog.Logger
	nowFn  func() time.Time
}

func Open(dir string, maxCapBytes int64) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: creating %s: %w", dir, err)
	}
	meta, err := leveldb.OpenFile(filepath.Join(dir, "meta.ldb"), nil)
	if err != nil {
		return nil, fmt.Errorf("cache: opening metadata db: %w", err)
	}
	return &Cache{
		dir:    dir,
		meta:   meta,
		maxCap: maxCapBytes,
		log:    xlog.New("artifact-cache"),
		nowFn:  time.Now,
	}, nil
}

func (c *Cache) Close() error { return c.meta.Close() }

func (c *Cache) path(checksum string) string {
	return filepath.Join(c.dir, checksum+".wasm")
}

// Has reports whether checksum is cached, without updating access stats; it
// is the ArtifactLookup the claim ledger consults (spec §4.2).
func (c *Cache) Has(checksum string) bool {
	_, err := c.meta.Get([]byte(checksum), nil)
	return err == nil
}

// Upload stores bytes under checksum atomically (write temp, then rename),
// refusing uploads whose content hash disagrees with the submitted checksum
// (spec §4.4 "cache refuses files whose hash disagrees with the submitted
// checksum").
func (c *Cache) Upload(checksum, repo, commit, buildTarget string, data []byte) error {
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != checksum {
		return ErrChecksumMismatch
	}

	tmp, err := os.CreateTemp(c.dir, "upload-*.tmp")
	if err != nil {
		return fmt.Errorf("cache: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("cache: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, c.path(checksum)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("cache: renaming into place: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.nowFn().Unix()
	md := Metadata{
		Checksum: checksum, Repo: repo, Commit: commit, BuildTarget: buildTarget,
		Size: int64(len(data)), CreatedAt: now, LastAccessedAt: now, AccessCount: 0,
	}
	if err := c.putMeta(md); err != nil {
		return err
	}
	c.evictLocked()
	return nil
}

// Get reads bytes for checksum, recomputing and verifying the hash against
// the filename before returning. A tampered file is evicted and treated as a
// miss (spec §4.4, §8 property 6).
func (c *Cache) Get(checksum string) ([]byte, error) {
	data, err := os.ReadFile(c.path(checksum))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cache: reading %s: %w", checksum, err)
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != checksum {
		c.log.Warn("cache integrity mismatch, evicting", "checksum", checksum)
		c.evictOne(checksum)
		return nil, ErrNotFound
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	md, err := c.getMeta(checksum)
	if err == nil {
		md.LastAccessedAt = c.nowFn().Unix()
		md.AccessCount++
		_ = c.putMeta(md)
	}
	return data, nil
}

func (c *Cache) getMeta(checksum string) (Metadata, error) {
	b, err := c.meta.Get([]byte(checksum), nil)
	if err != nil {
		return Metadata{}, err
	}
	var md Metadata
	return md, json.Unmarshal(b, &md)
}

func (c *Cache) putMeta(md Metadata) error {
	b, err := json.Marshal(md)
	if err != nil {
		return err
	}
	return c.meta.Put([]byte(md.Checksum), b, nil)
}

func (c *Cache) evictOne(checksum string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	os.Remove(c.path(checksum))
	_ = c.meta.Delete([]byte(checksum), nil)
}

// evictLocked runs the LRU eviction loop described in spec §4.4: while
// Σ size > cap, remove oldest by last_accessed_at. Caller must hold c.mu.
func (c *Cache) evictLocked() {
	all, total := c.listAllLocked()
	if total <= c.maxCap {
		return
	}
	sort.Slice(all, func(i, j int) bool { return all[i].LastAccessedAt < all[j].LastAccessedAt })
	for _, md := range all {
		if total <= c.maxCap {
			break
		}
		os.Remove(c.path(md.Checksum))
		_ = c.meta.Delete([]byte(md.Checksum), nil)
		total -= md.Size
	}
}

func (c *Cache) listAllLocked() ([]Metadata, int64) {
	iter := c.meta.NewIterator(nil, nil)
	defer iter.Release()
	var all []Metadata
	var total int64
	for iter.Next() {
		var md Metadata
		if json.Unmarshal(iter.Value(), &md) == nil {
			all = append(all, md)
			total += md.Size
		}
	}
	return all, total
}

// RunEvictionLoop runs the background LRU-eviction loop spec §4.4 names,
// ticking at the given interval until stop is closed.
func (c *Cache) RunEvictionLoop(stop <-chan struct{}, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			c.mu.Lock()
			c.evictLocked()
			c.mu.Unlock()
		}
	}
}

// Reader serves an artifact for the /wasm/:checksum download handler: it
// loads the whole artifact through Get (which validates the checksum) and
// wraps the bytes in a reader.
func (c *Cache) Reader(checksum string) (io.ReadCloser, int64, error) {
	data, err := c.Get(checksum)
	if err != nil {
		return nil, 0, err
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}
