package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastnear/near-outlayer-sub001/pkg/coordinator/cache"
	"github.com/fastnear/near-outlayer-sub001/pkg/coordinator/grantkeys"
	"github.com/fastnear/near-outlayer-sub001/pkg/coordinator/health"
	"github.com/fastnear/near-outlayer-sub001/pkg/coordinator/queue"
	"github.com/fastnear/near-outlayer-sub001/pkg/coordinator/registry"
	"github.com/fastnear/near-outlayer-sub001/pkg/coordinator/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "store.ldb"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.ldb"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	ca, err := cache.Open(filepath.Join(t.TempDir(), "cache"), 1<<30)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ca.Close() })

	gk, err := grantkeys.Open(filepath.Join(t.TempDir(), "grantkeys.ldb"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = gk.Close() })

	reg := registry.New()
	hc := health.NewChecker(st, nil, nil, reg)

	return NewServer(Config{
		Store:     st,
		Queue:     q,
		Cache:     ca,
		Registry:  reg,
		GrantKeys: gk,
		Health:    hc,
	})
}

func TestHealth_ReturnsOK(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTasksCreateThenPoll(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(map[string]any{
		"block_height": 10,
		"request_id":   42,
		"data_id":      "abc123",
		"source":       map[string]string{"repo": "near/outlayer-demo", "commit": "deadbeef", "build_target": "default"},
	})
	req := httptest.NewRequest(http.MethodPost, "/tasks/create", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var created createTaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.True(t, created.Enqueued)

	pollReq := httptest.NewRequest(http.MethodGet, "/tasks/poll?timeout_secs=1", nil)
	pollRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(pollRec, pollReq)
	require.Equal(t, http.StatusOK, pollRec.Code)

	var polled pollResponse
	require.NoError(t, json.Unmarshal(pollRec.Body.Bytes(), &polled))
	require.NotNil(t, polled.Task)
	assert.Equal(t, uint64(42), polled.Task.RequestID)
}

func TestWasmUploadDownloadExists(t *testing.T) {
	s := newTestServer(t)
	data := []byte("fake wasm bytes")
	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("checksum", checksum))
	require.NoError(t, mw.WriteField("repo_url", "near/outlayer-demo"))
	require.NoError(t, mw.WriteField("commit_hash", "deadbeef"))
	fw, err := mw.CreateFormFile("wasm_file", "out.wasm")
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	uploadReq := httptest.NewRequest(http.MethodPost, "/wasm/upload", &buf)
	uploadReq.Header.Set("Content-Type", mw.FormDataContentType())
	uploadRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(uploadRec, uploadReq)
	require.Equal(t, http.StatusOK, uploadRec.Code)

	existsReq := httptest.NewRequest(http.MethodGet, "/wasm/exists/"+checksum, nil)
	existsRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(existsRec, existsReq)
	require.Equal(t, http.StatusOK, existsRec.Code)
	assert.Contains(t, existsRec.Body.String(), `"exists":true`)

	downloadReq := httptest.NewRequest(http.MethodGet, "/wasm/"+checksum, nil)
	downloadRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(downloadRec, downloadReq)
	require.Equal(t, http.StatusOK, downloadRec.Code)
	assert.Equal(t, data, downloadRec.Body.Bytes())
}

func TestJobsClaimThenComplete(t *testing.T) {
	s := newTestServer(t)
	claimBody, _ := json.Marshal(claimJobRequest{WorkerID: "w1", RequestID: 7, DataIDHex: "abc", Checksum: "deadbeef"})
	claimReq := httptest.NewRequest(http.MethodPost, "/jobs/claim", bytes.NewReader(claimBody))
	claimRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(claimRec, claimReq)
	require.Equal(t, http.StatusOK, claimRec.Code)

	var claimed claimJobResponse
	require.NoError(t, json.Unmarshal(claimRec.Body.Bytes(), &claimed))
	require.NotEmpty(t, claimed.Jobs)

	completeBody, _ := json.Marshal(completeJobRequest{
		JobID: claimed.Jobs[0].JobID, Status: "completed", Outcome: "ok", TimeMs: 5, Instructions: 100, Cost: "1000",
	})
	completeReq := httptest.NewRequest(http.MethodPost, "/jobs/complete", bytes.NewReader(completeBody))
	completeRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(completeRec, completeReq)
	assert.Equal(t, http.StatusOK, completeRec.Code)
}

func TestGrantKeyCreateListDelete(t *testing.T) {
	s := newTestServer(t)
	createBody, _ := json.Marshal(createGrantKeyRequest{
		Owner: "alice.near", InitialBalance: "1000000", ProjectIDs: []string{"proj-a"}, MaxPerCall: "1000",
	})
	createReq := httptest.NewRequest(http.MethodPost, "/admin/grant-keys", bytes.NewReader(createBody))
	createRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(createRec, createReq)
	require.Equal(t, http.StatusOK, createRec.Code)

	listReq := httptest.NewRequest(http.MethodGet, "/admin/grant-keys/alice.near", nil)
	listRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(listRec, listReq)
	require.Equal(t, http.StatusOK, listRec.Code)
	assert.Contains(t, listRec.Body.String(), "alice.near")

	deleteReq := httptest.NewRequest(http.MethodDelete, "/admin/grant-keys/alice.near/0", nil)
	deleteRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(deleteRec, deleteReq)
	assert.Equal(t, http.StatusOK, deleteRec.Code)
}
