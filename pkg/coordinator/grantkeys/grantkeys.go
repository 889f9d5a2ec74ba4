// Package grantkeys implements the admin-issued, non-withdrawable payment
// keys described in original_source/coordinator/src/handlers/grant_keys.rs:
// an operator mints a key scoped to an owner, an allowlist of project ids,
// and a per-call spending cap; the raw key is returned exactly once and only
// its SHA-256 hash is ever persisted. Balances are tracked the same
// saturating way as pkg/pricing, since "available" must never go negative
// even if spent+reserved races ahead of initial_balance under concurrent
// settlement.
package grantkeys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var ErrNotFound = errors.New("grantkeys: no such grant key")

// Record is one payment_keys row with is_grant=true from the original schema.
type Record struct {
	Owner          string   `json:"owner"`
	Nonce          uint64   `json:"nonce"`
	KeyHash        string   `json:"key_hash"` // hex SHA-256 of the raw key; raw key itself is never stored
	InitialBalance string   `json:"initial_balance"` // decimal yoctoNEAR, big.Int string
	Spent          string   `json:"spent"`
	Reserved       string   `json:"reserved"`
	ProjectIDs     []string `json:"project_ids"`
	MaxPerCall     string   `json:"max_per_call"`
	Note           string   `json:"note"`
	CreatedAt      int64    `json:"created_at"`
	DeletedAt      int64    `json:"deleted_at,omitempty"`
}

// Info is the public view returned by List, mirroring GrantKeyInfo — it never
// includes KeyHash.
type Info struct {
	Owner          string   `json:"owner"`
	Nonce          uint64   `json:"nonce"`
	InitialBalance string   `json:"initial_balance"`
	Spent          string   `json:"spent"`
	Reserved       string   `json:"reserved"`
	Available      string   `json:"available"`
	ProjectIDs     []string `json:"project_ids"`
	MaxPerCall     string   `json:"max_per_call"`
	Note           string   `json:"note"`
	CreatedAt      int64    `json:"created_at"`
}

// Store persists grant key records in the coordinator's embedded LevelDB,
// keyed by owner so the next nonce for an owner can be found by prefix scan
// (original_source finds MAX(nonce) WHERE owner = $1).
type Store struct {
	db    *leveldb.DB
	mu    sync.Mutex
	nowFn func() time.Time
}

func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("grantkeys: opening leveldb at %s: %w", path, err)
	}
	return &Store{db: db, nowFn: time.Now}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func recordKey(owner string, nonce uint64) []byte {
	return []byte(fmt.Sprintf("grant:%s:%020d", owner, nonce))
}

func ownerPrefix(owner string) []byte {
	return []byte(fmt.Sprintf("grant:%s:", owner))
}

// CreateInput mirrors CreateGrantKeyRequest.
type CreateInput struct {
	Owner          string
	InitialBalance string
	ProjectIDs     []string
	MaxPerCall     string
	Note           string
}

// CreateResult mirrors CreateGrantKeyResponse, carrying the raw key that will
// never be retrievable again.
type CreateResult struct {
	Owner          string
	Nonce          uint64
	RawKey         string
	InitialBalance string
	ProjectIDs     []string
	MaxPerCall     string
}

// Create mints a new grant key: a random 32-byte value hex-encoded to 64
// characters, stored only as its SHA-256 hash, at the next nonce for owner.
func (s *Store) Create(in CreateInput) (CreateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nonce, err := s.nextNonceLocked(in.Owner)
	if err != nil {
		return CreateResult{}, err
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return CreateResult{}, fmt.Errorf("grantkeys: generating key: %w", err)
	}
	rawHex := hex.EncodeToString(raw)
	sum := sha256.Sum256([]byte(rawHex))

	rec := Record{
		Owner:          in.Owner,
		Nonce:          nonce,
		KeyHash:        hex.EncodeToString(sum[:]),
		InitialBalance: in.InitialBalance,
		Spent:          "0",
		Reserved:       "0",
		ProjectIDs:     in.ProjectIDs,
		MaxPerCall:     in.MaxPerCall,
		Note:           in.Note,
		CreatedAt:      s.nowFn().Unix(),
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return CreateResult{}, err
	}
	if err := s.db.Put(recordKey(in.Owner, nonce), b, nil); err != nil {
		return CreateResult{}, err
	}

	return CreateResult{
		Owner:          in.Owner,
		Nonce:          nonce,
		RawKey:         rawHex,
		InitialBalance: in.InitialBalance,
		ProjectIDs:     in.ProjectIDs,
		MaxPerCall:     in.MaxPerCall,
	}, nil
}

func (s *Store) nextNonceLocked(owner string) (uint64, error) {
	iter := s.db.NewIterator(util.BytesPrefix(ownerPrefix(owner)), nil)
	defer iter.Release()
	var max uint64
	found := false
	for iter.Next() {
		var rec Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return 0, err
		}
		if !found || rec.Nonce > max {
			max = rec.Nonce
			found = true
		}
	}
	if err := iter.Error(); err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	return max + 1, nil
}

// ListByOwner returns every non-deleted grant key for owner, with available
// balance computed by saturating subtraction, newest nonce first.
func (s *Store) ListByOwner(owner string) ([]Info, error) {
	iter := s.db.NewIterator(util.BytesPrefix(ownerPrefix(owner)), nil)
	defer iter.Release()
	var out []Info
	for iter.Next() {
		var rec Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, err
		}
		if rec.DeletedAt != 0 {
			continue
		}
		out = append(out, toInfo(rec))
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nonce > out[j].Nonce })
	return out, nil
}

func toInfo(rec Record) Info {
	initial := bigFromDecimal(rec.InitialBalance)
	spent := bigFromDecimal(rec.Spent)
	reserved := bigFromDecimal(rec.Reserved)
	available := saturatingSub(saturatingSub(initial, spent), reserved)
	return Info{
		Owner:          rec.Owner,
		Nonce:          rec.Nonce,
		InitialBalance: rec.InitialBalance,
		Spent:          rec.Spent,
		Reserved:       rec.Reserved,
		Available:      available.String(),
		ProjectIDs:     rec.ProjectIDs,
		MaxPerCall:     rec.MaxPerCall,
		Note:           rec.Note,
		CreatedAt:      rec.CreatedAt,
	}
}

func bigFromDecimal(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return big.NewInt(0)
	}
	return v
}

// saturatingSub mirrors pkg/pricing's clamped subtraction; duplicated rather
// than imported so this package has no dependency on the contract fee
// schedule types, only on plain decimal strings.
func saturatingSub(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return big.NewInt(0)
	}
	return new(big.Int).Sub(a, b)
}

// Delete soft-deletes a grant key: it stays in storage with DeletedAt set so
// history/audit queries still see it, but ListByOwner skips it.
func (s *Store) Delete(owner string, nonce uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.db.Get(recordKey(owner, nonce), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return err
	}
	if rec.DeletedAt != 0 {
		return ErrNotFound
	}
	rec.DeletedAt = s.nowFn().Unix()
	nb, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Put(recordKey(owner, nonce), nb, nil)
}
