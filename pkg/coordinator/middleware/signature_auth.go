// NEAR-signed request authentication, ported from
// original_source/coordinator/src/auth_near.rs. A caller signs
// "method|path|sha256(body)|timestamp" with an ed25519 key registered under
// its account id and sends the result as three headers; the coordinator
// re-derives the message and verifies. Replay protection comes from a ±5
// minute timestamp window (spec §4.7 "signature auth where applicable").
package middleware

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mr-tron/base58"
)

const maxClockSkew = 5 * time.Minute

type accountKey struct{}

// AccountFromContext returns the verified account id a downstream handler
// can trust, set by SignatureAuth on success.
func AccountFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(accountKey{}).(string)
	return v, ok
}

// AccountRegistry resolves a registered account id to its base58 ed25519
// public key, mirroring NearAuthRegistry::get_pubkey.
type AccountRegistry interface {
	PublicKey(accountID string) (base58PubKey string, ok bool)
}

// StaticRegistry is an AccountRegistry backed by a fixed map, the Go
// equivalent of NearAuthRegistry::new(accounts).
type StaticRegistry map[string]string

func (r StaticRegistry) PublicKey(accountID string) (string, bool) {
	k, ok := r[accountID]
	return k, ok
}

// VerifySignature reimplements verify_near_signature: validates the
// timestamp window, looks up the account's public key, recomputes the
// signed message, and checks the ed25519 signature.
func VerifySignature(registry AccountRegistry, method, path string, body []byte, accountID, signatureB58, timestampStr string, now time.Time) error {
	ts, err := strconv.ParseInt(timestampStr, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp format")
	}
	diff := now.Unix() - ts
	if diff < 0 {
		diff = -diff
	}
	if time.Duration(diff)*time.Second > maxClockSkew {
		return fmt.Errorf("timestamp too old/new (diff: %ds, max: %ds)", diff, int64(maxClockSkew.Seconds()))
	}

	pubKeyB58, ok := registry.PublicKey(accountID)
	if !ok {
		return fmt.Errorf("account %q not registered", accountID)
	}
	pubKeyBytes, err := base58.Decode(pubKeyB58)
	if err != nil {
		return fmt.Errorf("invalid base58 public key: %w", err)
	}
	if len(pubKeyBytes) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid ed25519 public key length")
	}

	bodyHash := sha256.Sum256(body)
	message := fmt.Sprintf("%s|%s|%s|%s", method, path, hex.EncodeToString(bodyHash[:]), timestampStr)

	sigBytes, err := base58.Decode(signatureB58)
	if err != nil {
		return fmt.Errorf("invalid base58 signature: %w", err)
	}
	if len(sigBytes) != ed25519.SignatureSize {
		return fmt.Errorf("invalid ed25519 signature length")
	}

	if !ed25519.Verify(ed25519.PublicKey(pubKeyBytes), []byte(message), sigBytes) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

// SignatureAuth wraps next, requiring X-Near-Account, X-Near-Signature, and
// X-Near-Timestamp headers and rejecting with 401 on any verification
// failure.
func SignatureAuth(registry AccountRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accountID := r.Header.Get("X-Near-Account")
			signature := r.Header.Get("X-Near-Signature")
			timestamp := r.Header.Get("X-Near-Timestamp")
			if accountID == "" || signature == "" || timestamp == "" {
				http.Error(w, "missing NEAR-signed auth headers", http.StatusUnauthorized)
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, "failed to read request body", http.StatusBadRequest)
				return
			}
			r.Body.Close()
			r.Body = io.NopCloser(strings.NewReader(string(body)))

			if err := VerifySignature(registry, r.Method, r.URL.Path, body, accountID, signature, timestamp, time.Now()); err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), accountKey{}, accountID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
