package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastnear/near-outlayer-sub001/pkg/keystore"
	"github.com/fastnear/near-outlayer-sub001/pkg/teeauth"
)

type stubChecker struct {
	allow bool
	err   error
}

func (c stubChecker) HasAccessKey(ctx context.Context, accountID, nearFormattedKey string) (bool, error) {
	return c.allow, c.err
}

type stubBalances struct{ near *big.Int }

func (s stubBalances) NearBalance(ctx context.Context, accountID string) (*big.Int, error) {
	return s.near, nil
}
func (s stubBalances) FtBalance(ctx context.Context, contract, accountID string) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (s stubBalances) NftOwned(ctx context.Context, contract, accountID, tokenID string) (bool, error) {
	return false, nil
}

func newTestServer(t *testing.T, checker teeauth.AccessKeyChecker) (*Server, *keystore.Keystore) {
	t.Helper()
	ks, err := keystore.Generate()
	require.NoError(t, err)
	srv := NewServer(ks, true, Config{Checker: checker, BalanceSource: stubBalances{near: big.NewInt(5000)}})
	return srv, ks
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPubkey_ReturnsDerivedKeyForSeed(t *testing.T) {
	srv, ks := newTestServer(t, nil)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodGet, "/pubkey?seed=github.com/acme/widget:alice.near", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp pubkeyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	want, err := ks.PublicKeyHex("github.com/acme/widget:alice.near")
	require.NoError(t, err)
	assert.Equal(t, want, resp.PublicKeyHex)
}

func TestPubkey_MissingSeedIsBadRequest(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/pubkey", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVRFPubkey_StableAcrossCalls(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()
	rec1 := doJSON(t, h, http.MethodGet, "/vrf/pubkey", nil, nil)
	rec2 := doJSON(t, h, http.MethodGet, "/vrf/pubkey", nil, nil)
	assert.Equal(t, rec1.Body.String(), rec2.Body.String())
}

func registerSession(t *testing.T, srv *Server, accountID string) (string, ed25519.PrivateKey) {
	t.Helper()
	h := srv.Handler()

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	rec := doJSON(t, h, http.MethodPost, "/tee-challenge", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var chal challengeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &chal))

	challengeBytes, err := hex.DecodeString(chal.Challenge)
	require.NoError(t, err)
	sig := ed25519.Sign(priv, challengeBytes)

	rec = doJSON(t, h, http.MethodPost, "/register-tee", registerTEERequest{
		AccountID: accountID,
		PublicKey: hex.EncodeToString(pub),
		Challenge: chal.Challenge,
		Signature: hex.EncodeToString(sig),
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var reg registerTEEResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reg))
	return reg.SessionID, priv
}

func TestRegisterTEE_ValidSignatureGrantsSession(t *testing.T) {
	srv, _ := newTestServer(t, stubChecker{allow: true})
	sessionID, _ := registerSession(t, srv, "worker-operator.near")
	assert.NotEmpty(t, sessionID)
}

func TestRegisterTEE_UnregisteredAccessKeyRejected(t *testing.T) {
	srv, _ := newTestServer(t, stubChecker{allow: false})
	h := srv.Handler()

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	rec := doJSON(t, h, http.MethodPost, "/tee-challenge", nil, nil)
	var chal challengeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &chal))
	challengeBytes, _ := hex.DecodeString(chal.Challenge)
	sig := ed25519.Sign(priv, challengeBytes)

	rec = doJSON(t, h, http.MethodPost, "/register-tee", registerTEERequest{
		AccountID: "nobody.near",
		PublicKey: hex.EncodeToString(pub),
		Challenge: chal.Challenge,
		Signature: hex.EncodeToString(sig),
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegisterTEE_WrongSignatureRejected(t *testing.T) {
	srv, _ := newTestServer(t, stubChecker{allow: true})
	h := srv.Handler()

	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	rec := doJSON(t, h, http.MethodPost, "/tee-challenge", nil, nil)
	var chal challengeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &chal))

	rec = doJSON(t, h, http.MethodPost, "/register-tee", registerTEERequest{
		AccountID: "worker.near",
		PublicKey: hex.EncodeToString(pub),
		Challenge: chal.Challenge,
		Signature: hex.EncodeToString(make([]byte, ed25519.SignatureSize)),
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestVRFGenerate_RequiresSession(t *testing.T) {
	srv, _ := newTestServer(t, stubChecker{allow: true})
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/vrf/generate", vrfGenerateRequest{Context: "round-1"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestVRFGenerate_WithSessionSucceedsAndIsDeterministic(t *testing.T) {
	srv, _ := newTestServer(t, stubChecker{allow: true})
	sessionID, _ := registerSession(t, srv, "alice.near")
	h := srv.Handler()

	rec1 := doJSON(t, h, http.MethodPost, "/vrf/generate", vrfGenerateRequest{Context: "round-1"},
		map[string]string{sessionHeader: sessionID})
	require.Equal(t, http.StatusOK, rec1.Code)
	rec2 := doJSON(t, h, http.MethodPost, "/vrf/generate", vrfGenerateRequest{Context: "round-1"},
		map[string]string{sessionHeader: sessionID})
	require.Equal(t, http.StatusOK, rec2.Code)
	assert.Equal(t, rec1.Body.String(), rec2.Body.String())
}

func TestSecretsDecrypt_RoundTripWithAllowAllCondition(t *testing.T) {
	srv, ks := newTestServer(t, stubChecker{allow: true})
	sessionID, _ := registerSession(t, srv, "alice.near")

	encrypted, err := ks.Encrypt("github.com/acme/widget:alice.near", []byte("super-secret"))
	require.NoError(t, err)

	allowAll := keystore.AccessCondition{Kind: keystore.KindAllowAll}
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/secrets/decrypt", secretsDecryptRequest{
		Seed:         "github.com/acme/widget:alice.near",
		EncryptedHex: hex.EncodeToString(encrypted),
		Condition:    &allowAll,
	}, map[string]string{sessionHeader: sessionID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp secretsDecryptResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "super-secret", resp.Plaintext)
}

func TestSecretsDecrypt_WhitelistConditionDeniesOtherAccount(t *testing.T) {
	srv, ks := newTestServer(t, stubChecker{allow: true})
	sessionID, _ := registerSession(t, srv, "mallory.near")

	encrypted, err := ks.Encrypt("github.com/acme/widget:alice.near", []byte("super-secret"))
	require.NoError(t, err)

	whitelist := keystore.AccessCondition{Kind: keystore.KindWhitelist, Accounts: []string{"alice.near"}}
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/secrets/decrypt", secretsDecryptRequest{
		Seed:         "github.com/acme/widget:alice.near",
		EncryptedHex: hex.EncodeToString(encrypted),
		Condition:    &whitelist,
	}, map[string]string{sessionHeader: sessionID})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSecretsDecrypt_NotReadyReturns503(t *testing.T) {
	ks, err := keystore.Generate()
	require.NoError(t, err)
	srv := NewServer(ks, false, Config{})
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/secrets/decrypt", secretsDecryptRequest{
		Seed:         "x:y",
		EncryptedHex: "00",
	}, map[string]string{sessionHeader: "whatever"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReplaceKeystore_MarksReadyAndSwapsKeys(t *testing.T) {
	ks1, err := keystore.Generate()
	require.NoError(t, err)
	srv := NewServer(ks1, false, Config{})
	assert.False(t, srv.Ready())

	ks2, err := keystore.Generate()
	require.NoError(t, err)
	srv.ReplaceKeystore(ks2)
	assert.True(t, srv.Ready())

	want, err := ks2.PublicKeyHex("seed")
	require.NoError(t, err)
	got, err := srv.keystore().PublicKeyHex("seed")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

var errRPCUnavailable = errors.New("rpc unavailable")

func TestAccessKeyRegistered_RetriesThenSucceeds(t *testing.T) {
	calls := 0
	checker := checkerFunc(func(ctx context.Context, accountID, nearFormattedKey string) (bool, error) {
		calls++
		if calls < 2 {
			return false, errRPCUnavailable
		}
		return true, nil
	})
	srv, _ := newTestServer(t, checker)
	ok := srv.accessKeyRegistered(context.Background(), "alice.near", "ed25519:abc")
	assert.True(t, ok)
	assert.GreaterOrEqual(t, calls, 2)
}

type checkerFunc func(ctx context.Context, accountID, nearFormattedKey string) (bool, error)

func (f checkerFunc) HasAccessKey(ctx context.Context, accountID, nearFormattedKey string) (bool, error) {
	return f(ctx, accountID, nearFormattedKey)
}
