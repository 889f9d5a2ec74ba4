// Package keystore implements the TEE-held secret store (spec §4.8, §4.10
// "Keystore"): deterministic per-(repo,owner[,branch]) Ed25519 keypair
// derivation from a single master secret, ChaCha20-Poly1305 secret
// encryption, and a verifiable-random-function built on Ed25519's
// deterministic signature. None of this ever needs the private key to leave
// process memory — it is grounded directly on
// original_source/keystore-worker/src/crypto.rs's Keystore type, carried
// into Go almost operation-for-operation since the original's design is
// already TEE-portable and has no Rust-specific shape to shed.
package keystore

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/chacha20poly1305"
)

// maxEncryptedSize bounds ciphertext accepted by Decrypt, matching crypto.rs.
const maxEncryptedSize = 10 << 20

const vrfSeed = "vrf-key"

// Keystore holds a single master secret and a cache of keypairs it has
// already derived, keyed by seed. It is safe for concurrent use.
type Keystore struct {
	masterSecret [32]byte

	mu    sync.RWMutex
	cache map[string]ed25519.PrivateKey
}

// Generate creates a keystore with a fresh, random master secret.
func Generate() (*Keystore, error) {
	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return nil, fmt.Errorf("keystore: generating master secret: %w", err)
	}
	return &Keystore{masterSecret: secret, cache: make(map[string]ed25519.PrivateKey)}, nil
}

// FromMasterSecretHex loads a keystore from a previously persisted,
// hex-encoded 32-byte master secret.
func FromMasterSecretHex(hexSecret string) (*Keystore, error) {
	b, err := hex.DecodeString(hexSecret)
	if err != nil {
		return nil, fmt.Errorf("keystore: invalid hex master secret: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("keystore: master secret must be 32 bytes, got %d", len(b))
	}
	var secret [32]byte
	copy(secret[:], b)
	return &Keystore{masterSecret: secret, cache: make(map[string]ed25519.PrivateKey)}, nil
}

// MasterSecretHex exports the master secret for sealed-storage backup; the
// caller is responsible for never logging or transmitting the result
// unencrypted.
func (k *Keystore) MasterSecretHex() string {
	return hex.EncodeToString(k.masterSecret[:])
}

// DeriveKeypair derives a deterministic Ed25519 keypair for seed using
// HMAC-SHA256(master_secret, seed) as the 32-byte private key seed. The same
// seed always yields the same keypair; results are cached.
func (k *Keystore) DeriveKeypair(seed string) (ed25519.PrivateKey, error) {
	k.mu.RLock()
	if priv, ok := k.cache[seed]; ok {
		k.mu.RUnlock()
		return priv, nil
	}
	k.mu.RUnlock()

	mac := hmac.New(sha256.New, k.masterSecret[:])
	mac.Write([]byte(seed))
	derived := mac.Sum(nil)

	priv := ed25519.NewKeyFromSeed(derived[:ed25519.SeedSize])

	k.mu.Lock()
	k.cache[seed] = priv
	k.mu.Unlock()
	return priv, nil
}

func (k *Keystore) publicKey(seed string) (ed25519.PublicKey, error) {
	priv, err := k.DeriveKeypair(seed)
	if err != nil {
		return nil, err
	}
	return priv.Public().(ed25519.PublicKey), nil
}

// PublicKeyHex returns the hex-encoded public key for seed.
func (k *Keystore) PublicKeyHex(seed string) (string, error) {
	pub, err := k.publicKey(seed)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(pub), nil
}

// PublicKeyBase58 returns the NEAR-conventional base58 encoding of the
// public key for seed.
func (k *Keystore) PublicKeyBase58(seed string) (string, error) {
	pub, err := k.publicKey(seed)
	if err != nil {
		return "", err
	}
	return base58.Encode(pub), nil
}

// Encrypt seals plaintext for seed with ChaCha20-Poly1305, using the derived
// public key as the symmetric key. Output layout is [nonce(12) |
// ciphertext | tag(16)].
func (k *Keystore) Encrypt(seed string, plaintext []byte) ([]byte, error) {
	if len(plaintext) > maxEncryptedSize {
		return nil, fmt.Errorf("keystore: plaintext too large: %d bytes", len(plaintext))
	}
	pub, err := k.publicKey(seed)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(pub)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext produced by Encrypt for the same seed, rejecting
// tampered or too-short input.
func (k *Keystore) Decrypt(seed string, encrypted []byte) ([]byte, error) {
	if len(encrypted) > maxEncryptedSize {
		return nil, fmt.Errorf("keystore: encrypted data too large: %d bytes", len(encrypted))
	}
	if len(encrypted) < chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("keystore: encrypted data too short: %d bytes", len(encrypted))
	}
	pub, err := k.publicKey(seed)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(pub)
	if err != nil {
		return nil, err
	}
	nonce, ciphertext := encrypted[:chacha20poly1305.NonceSize], encrypted[chacha20poly1305.NonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("keystore: decryption failed (data tampered or wrong key): %w", err)
	}
	return plaintext, nil
}

// Sign produces an Ed25519 signature over message using seed's derived key.
func (k *Keystore) Sign(seed string, message []byte) ([]byte, error) {
	priv, err := k.DeriveKeypair(seed)
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(priv, message), nil
}

// Verify checks an Ed25519 signature over message against seed's derived
// public key.
func (k *Keystore) Verify(seed string, message, signature []byte) error {
	pub, err := k.publicKey(seed)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, message, signature) {
		return fmt.Errorf("keystore: signature verification failed")
	}
	return nil
}

// VRFGenerate computes a verifiable random output for alpha, using the fixed
// "vrf-key" seed: proof is a deterministic Ed25519 signature of alpha,
// output is SHA-256(proof). Anyone holding the VRF public key can verify the
// proof with a plain Ed25519 check — no VRF-specific verifier needed.
func (k *Keystore) VRFGenerate(alpha []byte) (outputHex, signatureHex string, err error) {
	priv, err := k.DeriveKeypair(vrfSeed)
	if err != nil {
		return "", "", err
	}
	sig := ed25519.Sign(priv, alpha)
	sum := sha256.Sum256(sig)
	return hex.EncodeToString(sum[:]), hex.EncodeToString(sig), nil
}

// VRFPublicKeyHex returns the stable VRF public key, the same across every
// keystore sharing this master secret, suitable for on-chain registration.
func (k *Keystore) VRFPublicKeyHex() (string, error) {
	return k.PublicKeyHex(vrfSeed)
}
