package teeauth

import (
	"crypto/ed25519"
	"encoding/hex"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateChallenge_IsRandomAnd64Chars(t *testing.T) {
	c1, err := GenerateChallenge()
	require.NoError(t, err)
	c2, err := GenerateChallenge()
	require.NoError(t, err)
	assert.Len(t, c1, 64)
	assert.NotEqual(t, c1, c2)
}

func TestVerifySignature_ValidHex(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	pubHex := hex.EncodeToString(pub)

	challenge, err := GenerateChallenge()
	require.NoError(t, err)
	challengeBytes, _ := hex.DecodeString(challenge)
	sig := ed25519.Sign(priv, challengeBytes)

	assert.NoError(t, VerifySignature(pubHex, challenge, hex.EncodeToString(sig)))
}

func TestVerifySignature_ValidEd25519PrefixFormat(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	pubB58 := "ed25519:" + base58.Encode(pub)

	challenge, _ := GenerateChallenge()
	challengeBytes, _ := hex.DecodeString(challenge)
	sig := ed25519.Sign(priv, challengeBytes)

	assert.NoError(t, VerifySignature(pubB58, challenge, hex.EncodeToString(sig)))
}

func TestVerifySignature_WrongSignatureFails(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	challenge, _ := GenerateChallenge()
	badSig := hex.EncodeToString(make([]byte, 64))

	assert.Error(t, VerifySignature(hex.EncodeToString(pub), challenge, badSig))
}

func TestVerifySignature_WrongKeyFails(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	otherPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	challenge, _ := GenerateChallenge()
	challengeBytes, _ := hex.DecodeString(challenge)
	sig := ed25519.Sign(priv, challengeBytes)

	assert.Error(t, VerifySignature(hex.EncodeToString(otherPub), challenge, hex.EncodeToString(sig)))
}

func TestParsePublicKey_HexAndBase58Agree(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	pubHex := hex.EncodeToString(pub)
	pubB58 := "ed25519:" + base58.Encode(pub)

	fromHex, err := ParsePublicKey(pubHex)
	require.NoError(t, err)
	fromB58, err := ParsePublicKey(pubB58)
	require.NoError(t, err)
	assert.Equal(t, []byte(fromHex), []byte(fromB58))
}

func TestToNearKeyFormat_ConvertsHexToPrefixedBase58(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	near, err := ToNearKeyFormat(hex.EncodeToString(pub))
	require.NoError(t, err)
	assert.Equal(t, "ed25519:"+base58.Encode(pub), near)

	idempotent, err := ToNearKeyFormat(near)
	require.NoError(t, err)
	assert.Equal(t, near, idempotent)
}
