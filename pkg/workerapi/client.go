// Package workerapi is the worker's HTTP client to the coordinator: task
// long-poll, job claim/complete, the artifact cache, advisory locks, and
// liveness heartbeats (spec §4.7, §4.9). Grounded on
// original_source/worker/src/api_client.rs's ApiClient for client
// construction and error-handling idiom (timeout-aware poll, typed
// not-found errors, multipart upload), targeting this module's own
// coordinator routes and JSON field names rather than that file's
// (older, differently-shaped) endpoint list.
package workerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/fastnear/near-outlayer-sub001/pkg/chain"
	"github.com/fastnear/near-outlayer-sub001/pkg/coordinator/queue"
)

// ErrNotFound is returned by DownloadWasm when the coordinator has no
// artifact under the requested checksum.
var ErrNotFound = errors.New("workerapi: artifact not found")

// ErrLockHeld is returned by AcquireLock when another holder already owns
// the key.
var ErrLockHeld = errors.New("workerapi: lock held by another holder")

// Client talks to a single coordinator instance on behalf of one worker
// process. It carries no retry logic of its own; the orchestrator loop owns
// backoff between polls (spec §4.9).
type Client struct {
	baseURL    string
	apiToken   string
	httpClient *http.Client
}

// New builds a Client. apiToken, if non-empty, is sent as a bearer token on
// every request. The coordinator's poll/claim/complete/wasm/lock/worker
// routes do not require it; /tasks/create and /tasks/fail require a
// NEAR-signed request when the coordinator has an account registry
// configured, and this client sends no NEAR signature headers.
func New(baseURL, apiToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		apiToken:   apiToken,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, reqBody, respBody any) (*http.Response, error) {
	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("workerapi: %s %s: %w", method, path, err)
	}
	if respBody != nil {
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return resp, fmt.Errorf("workerapi: decoding %s response: %w", path, err)
		}
	}
	return resp, nil
}

// PollTask long-polls for the next compile task, blocking up to timeout
// (clipped server-side to queue.MaxPollTimeout). A nil Task with no error
// means the poll simply timed out; the caller should poll again.
func (c *Client) PollTask(ctx context.Context, timeout time.Duration) (*queue.Task, error) {
	secs := int(timeout / time.Second)
	if secs <= 0 {
		secs = 60
	}
	path := "/tasks/poll?timeout_secs=" + strconv.Itoa(secs)

	var resp struct {
		Task *queue.Task `json:"task,omitempty"`
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("workerapi: poll task: %w", err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("workerapi: poll task: unexpected status %d", httpResp.StatusCode)
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("workerapi: decoding poll response: %w", err)
	}
	return resp.Task, nil
}

// ClaimJob claims the job row(s) for a resolved compile task, handing the
// compile/execute split the coordinator's store owns (spec §4.2). An empty
// slice with a nil error means another worker already claimed this request;
// a cached artifact still yields an Execute job.
func (c *Client) ClaimJob(ctx context.Context, workerID string, requestID uint64, dataIDHex, checksum string) ([]chain.Job, error) {
	req := struct {
		WorkerID  string `json:"worker_id"`
		RequestID uint64 `json:"request_id"`
		DataIDHex string `json:"data_id"`
		Checksum  string `json:"wasm_checksum"`
	}{workerID, requestID, dataIDHex, checksum}

	var resp struct {
		Jobs []chain.Job `json:"jobs"`
	}
	httpResp, err := c.doJSON(ctx, http.MethodPost, "/jobs/claim", req, &resp)
	if err != nil {
		return nil, err
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("workerapi: claim job: unexpected status %d", httpResp.StatusCode)
	}
	return resp.Jobs, nil
}

// CompleteJob reports a job's terminal outcome (spec §4.2).
func (c *Client) CompleteJob(ctx context.Context, jobID string, status chain.JobStatus, outcome string, timeMs, instructions uint64, cost string) error {
	req := struct {
		JobID        string          `json:"job_id"`
		Status       chain.JobStatus `json:"status"`
		Outcome      string          `json:"outcome"`
		TimeMs       uint64          `json:"time_ms"`
		Instructions uint64          `json:"instructions"`
		Cost         string          `json:"cost"`
	}{jobID, status, outcome, timeMs, instructions, cost}

	httpResp, err := c.doJSON(ctx, http.MethodPost, "/jobs/complete", req, nil)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("workerapi: complete job: %w", ErrNotFound)
	}
	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("workerapi: complete job: unexpected status %d", httpResp.StatusCode)
	}
	return nil
}

// WasmExists checks the artifact cache for checksum without downloading it
// (spec §4.4, compiler's cache-first lookup).
func (c *Client) WasmExists(ctx context.Context, checksum string) (bool, error) {
	var resp struct {
		Exists bool `json:"exists"`
	}
	httpResp, err := c.doJSON(ctx, http.MethodGet, "/wasm/exists/"+url.PathEscape(checksum), nil, &resp)
	if err != nil {
		return false, err
	}
	if httpResp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("workerapi: wasm exists: unexpected status %d", httpResp.StatusCode)
	}
	return resp.Exists, nil
}

// DownloadWasm fetches a cached artifact's bytes, returning ErrNotFound if
// the coordinator has no such checksum.
func (c *Client) DownloadWasm(ctx context.Context, checksum string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/wasm/"+url.PathEscape(checksum), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("workerapi: download wasm: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("workerapi: download wasm: unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// UploadWasm publishes a freshly compiled artifact to the cache, mirroring
// original_source/worker/src/api_client.rs's upload_wasm multipart shape.
func (c *Client) UploadWasm(ctx context.Context, checksum, repoURL, commitHash, buildTarget string, wasm []byte) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for field, value := range map[string]string{
		"checksum":     checksum,
		"repo_url":     repoURL,
		"commit_hash":  commitHash,
		"build_target": buildTarget,
	} {
		if err := mw.WriteField(field, value); err != nil {
			return fmt.Errorf("workerapi: building upload form: %w", err)
		}
	}
	part, err := mw.CreateFormFile("wasm_file", checksum+".wasm")
	if err != nil {
		return fmt.Errorf("workerapi: building upload form: %w", err)
	}
	if _, err := part.Write(wasm); err != nil {
		return fmt.Errorf("workerapi: building upload form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("workerapi: building upload form: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/wasm/upload", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("workerapi: upload wasm: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("workerapi: upload wasm: unexpected status %d: %s", resp.StatusCode, string(b))
	}
	return nil
}

// AcquireLock takes out an advisory build lock so two workers don't compile
// the same source fingerprint concurrently (spec §4.3 step 2).
func (c *Client) AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) error {
	req := struct {
		Key     string `json:"key"`
		Holder  string `json:"holder"`
		TTLSecs int64  `json:"ttl_secs,omitempty"`
	}{key, holder, int64(ttl / time.Second)}

	httpResp, err := c.doJSON(ctx, http.MethodPost, "/locks/acquire", req, nil)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode == http.StatusConflict {
		return ErrLockHeld
	}
	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("workerapi: acquire lock: unexpected status %d", httpResp.StatusCode)
	}
	return nil
}

// ReleaseLock gives up a lock previously acquired with the same holder.
func (c *Client) ReleaseLock(ctx context.Context, key, holder string) error {
	path := "/locks/release/" + url.PathEscape(key) + "?holder=" + url.QueryEscape(holder)
	req, err := c.newRequest(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("workerapi: release lock: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("workerapi: release lock: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// CreateTask pushes a decoded execution_requested event to the coordinator's
// task queue, deduped by (blockHeight, requestID) on the coordinator side
// (spec §4.1). It is called only by the embedded event ingestor, never by
// the regular poll/claim/execute loop. enqueued is false if the coordinator
// had already seen this (blockHeight, requestID) pair.
func (c *Client) CreateTask(ctx context.Context, blockHeight, requestID uint64, dataIDHex string, source chain.SourceRef, limits chain.ResourceLimits, format chain.ResponseFormat, inputData []byte, secretsRef *chain.SecretsRef) (bool, error) {
	req := struct {
		BlockHeight uint64               `json:"block_height"`
		RequestID   uint64               `json:"request_id"`
		DataIDHex   string               `json:"data_id"`
		Source      chain.SourceRef      `json:"source"`
		Limits      chain.ResourceLimits `json:"limits"`
		Format      chain.ResponseFormat `json:"response_format"`
		InputData   []byte               `json:"input_data,omitempty"`
		SecretsRef  *chain.SecretsRef    `json:"secrets_ref,omitempty"`
	}{blockHeight, requestID, dataIDHex, source, limits, format, inputData, secretsRef}

	var resp struct {
		Enqueued bool   `json:"enqueued"`
		TaskID   string `json:"task_id,omitempty"`
	}
	httpResp, err := c.doJSON(ctx, http.MethodPost, "/tasks/create", req, &resp)
	if err != nil {
		return false, err
	}
	if httpResp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("workerapi: create task: unexpected status %d", httpResp.StatusCode)
	}
	return resp.Enqueued, nil
}

// FailTask reports a request the ingestor could not normalize, before any
// job was ever claimed for it (spec §4.1, §4.7).
func (c *Client) FailTask(ctx context.Context, requestID uint64, reason string) error {
	req := struct {
		RequestID uint64 `json:"request_id"`
		Reason    string `json:"reason"`
	}{requestID, reason}

	httpResp, err := c.doJSON(ctx, http.MethodPost, "/tasks/fail", req, nil)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("workerapi: fail task: unexpected status %d", httpResp.StatusCode)
	}
	return nil
}

// Heartbeat reports liveness and current activity to the coordinator's
// worker registry (spec §4.9).
func (c *Client) Heartbeat(ctx context.Context, workerID, workerName, status, currentTaskID string, eventMonitorBlockHeight *int64) error {
	req := struct {
		WorkerID                string `json:"worker_id"`
		WorkerName              string `json:"worker_name"`
		Status                  string `json:"status"`
		CurrentTaskID           string `json:"current_task_id,omitempty"`
		EventMonitorBlockHeight *int64 `json:"event_monitor_block_height,omitempty"`
	}{workerID, workerName, status, currentTaskID, eventMonitorBlockHeight}

	httpResp, err := c.doJSON(ctx, http.MethodPost, "/workers/heartbeat", req, nil)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("workerapi: heartbeat: unexpected status %d", httpResp.StatusCode)
	}
	return nil
}

// NotifyTaskCompletion tells the registry a worker finished (or failed) its
// current task, letting it update availability ahead of the next heartbeat.
func (c *Client) NotifyTaskCompletion(ctx context.Context, workerID string, success bool) error {
	req := struct {
		WorkerID string `json:"worker_id"`
		Success  bool   `json:"success"`
	}{workerID, success}

	httpResp, err := c.doJSON(ctx, http.MethodPost, "/workers/task-completion", req, nil)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("workerapi: notify task completion: unexpected status %d", httpResp.StatusCode)
	}
	return nil
}
