// Package store implements the coordinator's Work Queue & Claim Ledger
// (spec §4.2): a transactional registry of jobs, an append-only execution
// history, distributed locks with TTL, and an idempotency cache. It is
// backed by github.com/syndtr/goleveldb, an embedded, ordered, crash-safe KV
// store — the same role the teacher gives LevelDB/Pebble as the
// coordinator's system-of-record ahead of the deployed Postgres the spec
// names as an external collaborator (spec §1 "Postgres and Redis ... as
// deployed services" are out of scope; the storage engine behind that API
// is not).
//
// LevelDB gives us atomic batched writes but no cross-call serializable
// transactions, so the linearizability spec §4.2/§5 requires for claim() is
// provided by an in-process mutex scoped to one claim call — matching spec
// §5's "all row mutation happens inside a transaction whose scope equals one
// API call" for the embedded, single-coordinator-process deployment this
// package targets.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/fastnear/near-outlayer-sub001/pkg/chain"
)

var (
	// ErrNoRows is returned by Claim when another worker already owns the
	// request's jobs; the caller is expected to return an empty job set
	// (spec §4.2 "Uniqueness violation ... return empty jobs set").
	ErrNoRows = errors.New("store: no claimable rows for this request")
	// ErrLockHeld is returned by AcquireLock on contention.
	ErrLockHeld = errors.New("store: lock is held by another holder")
)

type Store struct {
	db       *leveldb.DB
	claimMu  sync.Mutex
	lockMu   sync.Mutex
	nowFn    func() time.Time
}

func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("store: opening leveldb at %s: %w", path, err)
	}
	return &Store{db: db, nowFn: time.Now}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the underlying LevelDB handle is still usable, for the
// coordinator's liveness health check (spec §6).
func (s *Store) Ping() error {
	_, err := s.db.Get([]byte("__ping__"), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil
	}
	return err
}

func jobKey(jobID string) []byte         { return []byte("job:" + jobID) }
func jobIndexKey(requestID uint64, jt chain.JobType) []byte {
	return []byte(fmt.Sprintf("jobidx:%d:%s", requestID, jt))
}
func historyKey(requestID uint64, jobID string) []byte {
	return []byte(fmt.Sprintf("history:%d:%s", requestID, jobID))
}
func lockKey(key string) []byte        { return []byte("lock:" + key) }
func idempotencyKey(key string) []byte { return []byte("idem:" + key) }

// ClaimResult mirrors spec §4.2's claim() return: the jobs created (which may
// be empty if another worker got there first); it carries no pricing
// snapshot.
type ClaimResult struct {
	Jobs []chain.Job
}

// ArtifactLookup is implemented by the artifact cache so Claim can decide,
// inside its critical section, whether a Compile job is needed.
type ArtifactLookup interface {
	Has(checksum string) bool
}

// Claim implements spec §4.2's claim(worker_id, request_id, data_id, source):
// inside one critical section it checks whether any row exists for
// (request_id, *); if none, it looks the caller-supplied wasm_checksum up
// in cache; if absent inserts Compile(in_progress);
// then always inserts Execute(in_progress). Returns ErrNoRows if a row
// already exists for this request (spec: "another worker is handling it").
func (s *Store) Claim(workerID string, requestID uint64, dataIDHex string, checksum string, cache ArtifactLookup) (ClaimResult, error) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	if s.anyRowExists(requestID) {
		return ClaimResult{}, ErrNoRows
	}

	now := s.nowFn().Unix()
	var jobs []chain.Job
	batch := new(leveldb.Batch)

	if !cache.Has(checksum) {
		compileJob := chain.Job{
			JobID:        uuid.NewString(),
			RequestID:    requestID,
			DataIDHex:    dataIDHex,
			JobType:      chain.JobCompile,
			WorkerID:     workerID,
			Status:       chain.JobInProgress,
			WasmChecksum: checksum,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		s.putJob(batch, compileJob)
		jobs = append(jobs, compileJob)
	}

	executeJob := chain.Job{
		JobID:        uuid.NewString(),
		RequestID:    requestID,
		DataIDHex:    dataIDHex,
		JobType:      chain.JobExecute,
		WorkerID:     workerID,
		Status:       chain.JobInProgress,
		WasmChecksum: checksum,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.putJob(batch, executeJob)
	jobs = append(jobs, executeJob)

	if err := s.db.Write(batch, nil); err != nil {
		return ClaimResult{}, fmt.Errorf("store: writing claim batch: %w", err)
	}
	return ClaimResult{Jobs: jobs}, nil
}

func (s *Store) anyRowExists(requestID uint64) bool {
	for _, jt := range []chain.JobType{chain.JobCompile, chain.JobExecute} {
		if _, err := s.db.Get(jobIndexKey(requestID, jt), nil); err == nil {
			return true
		}
	}
	return false
}

func (s *Store) putJob(batch *leveldb.Batch, j chain.Job) {
	b, _ := json.Marshal(j)
	batch.Put(jobKey(j.JobID), b)
	batch.Put(jobIndexKey(j.RequestID, j.JobType), []byte(j.JobID))
}

func (s *Store) GetJob(jobID string) (chain.Job, error) {
	b, err := s.db.Get(jobKey(jobID), nil)
	if err != nil {
		return chain.Job{}, fmt.Errorf("store: job %s: %w", jobID, err)
	}
	var j chain.Job
	if err := json.Unmarshal(b, &j); err != nil {
		return chain.Job{}, err
	}
	return j, nil
}

// HistoryEntry is one append-only row written by Complete, per spec §4.2
// ("writes execution_history with time/instructions/cost").
type HistoryEntry struct {
	RequestID    uint64 `json:"request_id"`
	JobID        string `json:"job_id"`
	Outcome      string `json:"outcome"`
	TimeMs       uint64 `json:"time_ms"`
	Instructions uint64 `json:"instructions"`
	Cost         string `json:"cost"`
	RecordedAt   int64  `json:"recorded_at"`
}

// Complete implements spec §4.2's complete(job_id, outcome): moves the row to
// completed|failed and appends an execution_history entry. The ledger is
// append-only; this never rewrites a prior history row.
func (s *Store) Complete(jobID string, status chain.JobStatus, hist HistoryEntry) error {
	if status != chain.JobCompleted && status != chain.JobFailed {
		return fmt.Errorf("store: complete: invalid terminal status %q", status)
	}
	j, err := s.GetJob(jobID)
	if err != nil {
		return err
	}
	j.Status = status
	j.UpdatedAt = s.nowFn().Unix()
	hist.RecordedAt = j.UpdatedAt

	batch := new(leveldb.Batch)
	jb, _ := json.Marshal(j)
	batch.Put(jobKey(jobID), jb)
	hb, _ := json.Marshal(hist)
	batch.Put(historyKey(j.RequestID, jobID), hb)
	return s.db.Write(batch, nil)
}

// History returns every execution_history row for a request, in storage
// (not necessarily chronological across requests, per spec §5) order.
func (s *Store) History(requestID uint64) ([]HistoryEntry, error) {
	prefix := []byte(fmt.Sprintf("history:%d:", requestID))
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	var out []HistoryEntry
	for iter.Next() {
		var h HistoryEntry
		if err := json.Unmarshal(iter.Value(), &h); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, iter.Error()
}

// --- Distributed locks (spec §4.2 acquire_lock/release_lock) ---

type lockRecord struct {
	Holder    string `json:"holder"`
	ExpiresAt int64  `json:"expires_at"`
}

// AcquireLock implements spec's TTL advisory lock, used to dedupe
// compilation of identical fingerprints across workers (§4.3 step 2).
func (s *Store) AcquireLock(key, holder string, ttl time.Duration) error {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	now := s.nowFn()
	existingBytes, err := s.db.Get(lockKey(key), nil)
	if err == nil {
		var existing lockRecord
		if jsonErr := json.Unmarshal(existingBytes, &existing); jsonErr == nil {
			if existing.Holder != holder && existing.ExpiresAt > now.UnixNano() {
				return ErrLockHeld
			}
		}
	}
	rec := lockRecord{Holder: holder, ExpiresAt: now.Add(ttl).UnixNano()}
	b, _ := json.Marshal(rec)
	return s.db.Put(lockKey(key), b, nil)
}

// ReleaseLock removes a lock only if held by the given holder, or if it has
// already expired (expiry allows another holder to proceed, per spec §5).
func (s *Store) ReleaseLock(key, holder string) error {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	b, err := s.db.Get(lockKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var rec lockRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return err
	}
	if rec.Holder != holder && rec.ExpiresAt > s.nowFn().UnixNano() {
		return fmt.Errorf("store: lock %q is held by a different holder", key)
	}
	return s.db.Delete(lockKey(key), nil)
}

// --- Idempotency cache (spec §4.2) ---

// IdempotencyEntry is the cached (status, body, timestamp) tuple keyed by the
// Idempotency-Key header.
type IdempotencyEntry struct {
	Status    int    `json:"status"`
	Body      []byte `json:"body"`
	RecordedAt int64 `json:"recorded_at"`
}

// IdempotencyGet returns the cached entry if present and not older than ttl.
func (s *Store) IdempotencyGet(key string, ttl time.Duration) (IdempotencyEntry, bool) {
	b, err := s.db.Get(idempotencyKey(key), nil)
	if err != nil {
		return IdempotencyEntry{}, false
	}
	var e IdempotencyEntry
	if err := json.Unmarshal(b, &e); err != nil {
		return IdempotencyEntry{}, false
	}
	if s.nowFn().Unix()-e.RecordedAt > int64(ttl.Seconds()) {
		return IdempotencyEntry{}, false
	}
	return e, true
}

func (s *Store) IdempotencyPut(key string, status int, body []byte) error {
	e := IdempotencyEntry{Status: status, Body: body, RecordedAt: s.nowFn().Unix()}
	b, _ := json.Marshal(e)
	return s.db.Put(idempotencyKey(key), b, nil)
}

// RecordIngestFailure appends an execution_history row for a request that
// never reached claim() at all — the ingestor rejected it during source
// normalization (spec §4.1 "failures of normalization are published as
// immediate fail_task against the request"). No job_id exists yet, so this
// writes directly to the same append-only ledger Complete uses, keyed by a
// synthetic id rather than a job row.
func (s *Store) RecordIngestFailure(requestID uint64, reason string) error {
	now := s.nowFn()
	hist := HistoryEntry{
		RequestID:  requestID,
		Outcome:    reason,
		RecordedAt: now.Unix(),
	}
	jobID := fmt.Sprintf("ingest-fail-%d", now.UnixNano())
	b, _ := json.Marshal(hist)
	return s.db.Put(historyKey(requestID, jobID), b, nil)
}
