package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/fastnear/near-outlayer-sub001/pkg/keystore"
	"github.com/fastnear/near-outlayer-sub001/pkg/teeauth"
)

// accessKeyRetryDelays bounds the retry-for-finality-lag window spec.md
// §4.8 calls for when checking a freshly-registered access key on chain.
var accessKeyRetryDelays = []time.Duration{0, 500 * time.Millisecond, 2 * time.Second}

// pubkeyResponse is shared by /pubkey and /vrf/pubkey.
type pubkeyResponse struct {
	PublicKeyHex    string `json:"public_key_hex"`
	PublicKeyBase58 string `json:"public_key_base58"`
}

// handlePubkey returns the derived public key for a seed, so a caller can
// encrypt a secret client-side without ever touching this process. seed
// grammar is "<repo>:<owner>[:<branch>]" and is not itself secret.
func (s *Server) handlePubkey(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	seed := r.URL.Query().Get("seed")
	if seed == "" {
		writeError(w, http.StatusBadRequest, "seed query parameter required")
		return
	}
	ks := s.keystore()
	hexKey, err := ks.PublicKeyHex(seed)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	b58Key, err := ks.PublicKeyBase58(seed)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pubkeyResponse{PublicKeyHex: hexKey, PublicKeyBase58: b58Key})
}

// handleVRFPubkey returns the stable VRF public key, unauthenticated — any
// third party must be able to verify a VRF proof against it.
func (s *Server) handleVRFPubkey(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ks := s.keystore()
	hexKey, err := ks.VRFPublicKeyHex()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	b58Key, err := ks.PublicKeyBase58("vrf-key")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pubkeyResponse{PublicKeyHex: hexKey, PublicKeyBase58: b58Key})
}

type challengeResponse struct {
	Challenge string `json:"challenge"`
}

func (s *Server) handleTEEChallenge(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	challenge, err := teeauth.GenerateChallenge()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, challengeResponse{Challenge: challenge})
}

type registerTEERequest struct {
	AccountID string `json:"account_id"`
	PublicKey string `json:"public_key"`
	Challenge string `json:"challenge"`
	Signature string `json:"signature"`
}

type registerTEEResponse struct {
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleRegisterTEE completes the challenge/response handshake: verify the
// signature, confirm the public key is actually a registered access key for
// AccountID (retrying briefly to ride out finality lag on a just-added key),
// and mint a session.
func (s *Server) handleRegisterTEE(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req registerTEERequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AccountID == "" || req.PublicKey == "" || req.Challenge == "" || req.Signature == "" {
		writeError(w, http.StatusBadRequest, "account_id, public_key, challenge and signature are required")
		return
	}

	if err := teeauth.VerifySignature(req.PublicKey, req.Challenge, req.Signature); err != nil {
		writeError(w, http.StatusUnauthorized, "signature verification failed")
		return
	}

	if s.cfg.Checker != nil {
		nearKey, err := teeauth.ToNearKeyFormat(req.PublicKey)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if !s.accessKeyRegistered(r.Context(), req.AccountID, nearKey) {
			writeError(w, http.StatusUnauthorized, "public key is not a registered access key for account_id")
			return
		}
	}

	sess, err := s.sessions.create(req.AccountID, req.PublicKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, registerTEEResponse{SessionID: sess.id, ExpiresAt: sess.expiresAt})
}

// accessKeyRegistered retries the on-chain access-key lookup across
// accessKeyRetryDelays, since a key registered moments ago may not yet be
// visible at the RPC node's current finalized height.
func (s *Server) accessKeyRegistered(ctx context.Context, accountID, nearKey string) bool {
	for i, delay := range accessKeyRetryDelays {
		if i > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return false
			}
		}
		ok, err := s.cfg.Checker.HasAccessKey(ctx, accountID, nearKey)
		if err == nil && ok {
			return true
		}
	}
	return false
}

// authenticate resolves the caller's session from the X-TEE-Session header,
// rejecting the request if the server isn't ready or the session is
// missing/expired.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (session, bool) {
	if !s.ready.Load() {
		writeError(w, http.StatusServiceUnavailable, "keystore not yet ready (TEE registration pending)")
		return session{}, false
	}
	id := r.Header.Get(sessionHeader)
	if id == "" {
		writeError(w, http.StatusUnauthorized, sessionHeader+" header required")
		return session{}, false
	}
	sess, ok := s.sessions.lookup(id)
	if !ok {
		writeError(w, http.StatusUnauthorized, "session not found or expired")
		return session{}, false
	}
	return sess, true
}

type vrfGenerateRequest struct {
	// Context disambiguates this VRF call from others made by the same
	// account, e.g. a request id or round number. Combined with the
	// session's verified account id to build alpha, so a caller can never
	// forge a VRF output attributed to an account it hasn't authenticated
	// as.
	Context string `json:"context"`
}

type vrfGenerateResponse struct {
	OutputHex    string `json:"output_hex"`
	SignatureHex string `json:"signature_hex"`
}

func (s *Server) handleVRFGenerate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	sess, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req vrfGenerateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	alpha := sha256.Sum256([]byte(sess.accountID + ":" + req.Context))
	outputHex, sigHex, err := s.keystore().VRFGenerate(alpha[:])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, vrfGenerateResponse{OutputHex: outputHex, SignatureHex: sigHex})
}

type secretsDecryptRequest struct {
	Seed         string                    `json:"seed"`
	EncryptedHex string                    `json:"encrypted_hex"`
	Condition    *keystore.AccessCondition `json:"condition"`
}

type secretsDecryptResponse struct {
	Plaintext string `json:"plaintext"`
}

// handleSecretsDecrypt evaluates the access condition against the
// authenticated session's account before decrypting, so a worker can only
// pull a secret it was actually granted.
func (s *Server) handleSecretsDecrypt(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	sess, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req secretsDecryptRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Seed == "" || req.EncryptedHex == "" {
		writeError(w, http.StatusBadRequest, "seed and encrypted_hex are required")
		return
	}

	if req.Condition != nil {
		allowed, err := req.Condition.Validate(r.Context(), sess.accountID, s.cfg.BalanceSource)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !allowed {
			writeError(w, http.StatusForbidden, "access condition denied")
			return
		}
	}

	encrypted, err := hex.DecodeString(req.EncryptedHex)
	if err != nil {
		writeError(w, http.StatusBadRequest, "encrypted_hex is not valid hex")
		return
	}
	plaintext, err := s.keystore().Decrypt(req.Seed, encrypted)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, secretsDecryptResponse{Plaintext: string(plaintext)})
}
