// Package api exposes the keystore's HTTP surface: unauthenticated pubkey
// reads, a TEE challenge/response session handshake, and session-gated
// secret decryption / VRF generation. Grounded on
// original_source/keystore-worker/src/main.rs's AppState/api::create_router
// wiring (api.rs itself was not present in the retrieval pack, so the route
// shapes below follow the session model spec.md §4.8 describes directly).
package api

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

const defaultSessionTTL = 15 * time.Minute

// session is a worker's authenticated connection to the keystore, created
// after a successful challenge/response handshake and an on-chain access-key
// check.
type session struct {
	id        string
	accountID string
	pubKeyHex string
	expiresAt time.Time
}

type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]session
	ttl      time.Duration
	nowFn    func() time.Time
}

func newSessionStore(ttl time.Duration) *sessionStore {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &sessionStore{
		sessions: make(map[string]session),
		ttl:      ttl,
		nowFn:    time.Now,
	}
}

func (s *sessionStore) create(accountID, pubKeyHex string) (session, error) {
	idBytes := make([]byte, 16)
	if _, err := rand.Read(idBytes); err != nil {
		return session{}, fmt.Errorf("api: generating session id: %w", err)
	}
	sess := session{
		id:        hex.EncodeToString(idBytes),
		accountID: accountID,
		pubKeyHex: pubKeyHex,
		expiresAt: s.nowFn().Add(s.ttl),
	}

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	return sess, nil
}

// lookup returns the session and whether it's present and unexpired. An
// expired session is evicted as a side effect.
func (s *sessionStore) lookup(id string) (session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return session{}, false
	}
	if s.nowFn().After(sess.expiresAt) {
		delete(s.sessions, id)
		return session{}, false
	}
	return sess, true
}

func (s *sessionStore) revoke(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	return true
}
