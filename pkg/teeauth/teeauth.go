// Package teeauth implements the challenge-response protocol the
// coordinator and keystore share to verify that a caller holds the private
// key behind a TEE-attested public key, grounded directly on
// original_source/tee-auth/src/lib.rs. The flow: the server hands out a
// random challenge, the worker signs it with its TEE key, the server checks
// the signature and then (separately, via a NEAR RPC client) that the key
// is actually registered as an access key on the register contract.
package teeauth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// GenerateChallenge returns a random 32-byte challenge, hex-encoded.
func GenerateChallenge() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("teeauth: generating challenge: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// VerifySignature checks an Ed25519 signature over the raw bytes of a
// hex-encoded challenge. publicKey may be "ed25519:<base58>" (NEAR's
// conventional format) or 64 raw hex characters.
func VerifySignature(publicKey, challengeHex, signatureHex string) error {
	pub, err := ParsePublicKey(publicKey)
	if err != nil {
		return err
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return fmt.Errorf("teeauth: invalid signature hex: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("teeauth: expected %d-byte signature, got %d", ed25519.SignatureSize, len(sig))
	}
	challenge, err := hex.DecodeString(challengeHex)
	if err != nil {
		return fmt.Errorf("teeauth: invalid challenge hex: %w", err)
	}
	if !ed25519.Verify(pub, challenge, sig) {
		return fmt.Errorf("teeauth: signature verification failed")
	}
	return nil
}

// ParsePublicKey accepts "ed25519:<base58>" or 64 raw hex characters and
// returns the 32 raw public key bytes.
func ParsePublicKey(publicKey string) (ed25519.PublicKey, error) {
	var raw []byte
	var err error
	if b58, ok := strings.CutPrefix(publicKey, "ed25519:"); ok {
		raw, err = base58.Decode(b58)
		if err != nil {
			return nil, fmt.Errorf("teeauth: invalid base58 public key: %w", err)
		}
	} else if len(publicKey) == 64 {
		raw, err = hex.DecodeString(publicKey)
		if err != nil {
			return nil, fmt.Errorf("teeauth: invalid hex public key: %w", err)
		}
	} else {
		return nil, fmt.Errorf("teeauth: unrecognized public key format (want 'ed25519:...' or 64 hex chars): %s", publicKey)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("teeauth: expected %d-byte public key, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// ToNearKeyFormat normalizes a public key (hex or already-prefixed base58)
// into the "ed25519:<base58>" form the NEAR RPC expects.
func ToNearKeyFormat(publicKey string) (string, error) {
	if strings.HasPrefix(publicKey, "ed25519:") {
		return publicKey, nil
	}
	raw, err := hex.DecodeString(publicKey)
	if err != nil {
		return "", fmt.Errorf("teeauth: invalid hex public key: %w", err)
	}
	return "ed25519:" + base58.Encode(raw), nil
}

// AccessKeyChecker queries whether a public key is registered as an access
// key on a NEAR account, implemented by pkg/nearrpc against the real RPC.
type AccessKeyChecker interface {
	HasAccessKey(ctx context.Context, accountID, nearFormattedKey string) (bool, error)
}
