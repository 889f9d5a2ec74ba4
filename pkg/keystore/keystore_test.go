package keystore

import (
	"crypto/ed25519"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublicKeyHex_Is32BytesHex(t *testing.T) {
	k, err := Generate()
	require.NoError(t, err)
	pk, err := k.PublicKeyHex("test-seed")
	require.NoError(t, err)
	assert.Len(t, pk, 64)
}

func TestDeriveKeypair_DeterministicPerSeed(t *testing.T) {
	k, err := Generate()
	require.NoError(t, err)
	pk1, err := k.PublicKeyHex("github.com/alice/project:alice.near")
	require.NoError(t, err)
	pk2, err := k.PublicKeyHex("github.com/alice/project:alice.near")
	require.NoError(t, err)
	assert.Equal(t, pk1, pk2)
}

func TestDeriveKeypair_DifferentSeedsDifferentKeys(t *testing.T) {
	k, err := Generate()
	require.NoError(t, err)
	alice, err := k.PublicKeyHex("github.com/alice/project:alice.near")
	require.NoError(t, err)
	bob, err := k.PublicKeyHex("github.com/alice/project:bob.near")
	require.NoError(t, err)
	assert.NotEqual(t, alice, bob)
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	k, err := Generate()
	require.NoError(t, err)
	seed := "github.com/alice/project:alice.near"
	plaintext := []byte("my secret API key: sk-1234567890")

	ciphertext, err := k.Encrypt(seed, plaintext)
	require.NoError(t, err)

	decrypted, err := k.Decrypt(seed, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestDecrypt_TamperedCiphertextFails(t *testing.T) {
	k, err := Generate()
	require.NoError(t, err)
	seed := "alice.near"
	ciphertext, err := k.Encrypt(seed, []byte("secret"))
	require.NoError(t, err)
	ciphertext[len(ciphertext)-1] ^= 0xFF

	_, err = k.Decrypt(seed, ciphertext)
	assert.Error(t, err)
}

func TestSignVerify(t *testing.T) {
	k, err := Generate()
	require.NoError(t, err)
	seed := "alice.near"
	msg := []byte("hello world")
	sig, err := k.Sign(seed, msg)
	require.NoError(t, err)
	assert.NoError(t, k.Verify(seed, msg, sig))
}

func TestVRFGenerate_DeterministicPerAlpha(t *testing.T) {
	k, err := Generate()
	require.NoError(t, err)
	alpha := []byte("vrf:42:my-seed")

	out1, sig1, err := k.VRFGenerate(alpha)
	require.NoError(t, err)
	out2, sig2, err := k.VRFGenerate(alpha)
	require.NoError(t, err)
	assert.Equal(t, out1, out2)
	assert.Equal(t, sig1, sig2)
}

func TestVRFGenerate_DifferentAlphaDifferentOutput(t *testing.T) {
	k, err := Generate()
	require.NoError(t, err)
	outA, _, err := k.VRFGenerate([]byte("vrf:1:seed-a"))
	require.NoError(t, err)
	outB, _, err := k.VRFGenerate([]byte("vrf:1:seed-b"))
	require.NoError(t, err)
	assert.NotEqual(t, outA, outB)
}

func TestVRFPublicKeyHex_StableAndVerifiable(t *testing.T) {
	k, err := Generate()
	require.NoError(t, err)
	pk1, err := k.VRFPublicKeyHex()
	require.NoError(t, err)
	pk2, err := k.VRFPublicKeyHex()
	require.NoError(t, err)
	assert.Equal(t, pk1, pk2)
	assert.Len(t, pk1, 64)

	alpha := []byte("vrf:7:verify")
	_, sigHex, err := k.VRFGenerate(alpha)
	require.NoError(t, err)
	pub, err := hex.DecodeString(pk1)
	require.NoError(t, err)
	sig, err := hex.DecodeString(sigHex)
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(ed25519.PublicKey(pub), alpha, sig))
}

func TestFromMasterSecretHex_RoundTripsSameDerivation(t *testing.T) {
	k1, err := Generate()
	require.NoError(t, err)
	secretHex := k1.MasterSecretHex()

	k2, err := FromMasterSecretHex(secretHex)
	require.NoError(t, err)

	seed := "github.com/test/repo:test.near"
	pk1, err := k1.PublicKeyHex(seed)
	require.NoError(t, err)
	pk2, err := k2.PublicKeyHex(seed)
	require.NoError(t, err)
	assert.Equal(t, pk1, pk2)
}
