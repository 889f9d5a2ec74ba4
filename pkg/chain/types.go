// Package chain defines the contract-boundary types the core honors: the
// ExecutionRequest mirrored from chain events, the response the worker sends
// back through the contract's promise-resume entry, and the resource/limits
// vocabulary shared by both. See spec.md §3 and §6, and
// original_source/contract/src/types.rs for the shape this was distilled
// from.
package chain

import "math/big"

// ResponseFormat is the declared parsing discipline for stdout, fixed for
// the lifetime of a request (spec §3 invariant c).
type ResponseFormat string

const (
	ResponseBytes ResponseFormat = "Bytes"
	ResponseText  ResponseFormat = "Text"
	ResponseJson  ResponseFormat = "Json"
)

// SourceRef is the pre-canonicalization shape as carried by the chain event;
// see pkg/sourceref for canonicalization.
type SourceRef struct {
	Repo        string `json:"repo"`
	Commit      string `json:"commit"`
	BuildTarget string `json:"build_target"`
	BuildPath   string `json:"build_path,omitempty"`
}

// ResourceLimits are always validated against system hard caps before use;
// see pkg/pricing for the hard-cap constants and estimate_cost.
type ResourceLimits struct {
	MaxInstructions     uint64 `json:"max_instructions"`
	MaxMemoryMB         uint64 `json:"max_memory_mb"`
	MaxExecutionSeconds uint64 `json:"max_execution_seconds"`
}

// SecretsRef names a keystore-held secret profile by owner; Profile is the
// logical profile name and Owner is the account that registered it.
type SecretsRef struct {
	Profile string `json:"profile"`
	Owner   string `json:"owner"`
}

// ExecutionRequest is the off-chain mirror of the contract's stored request,
// created by the ingestor on execution_requested (spec §3).
type ExecutionRequest struct {
	RequestID   uint64          `json:"request_id"`
	DataID      [32]byte        `json:"-"`
	DataIDHex   string          `json:"data_id"`
	SenderID    string          `json:"sender_id"`
	PayerID     string          `json:"payer_id"`
	Source      SourceRef       `json:"source"`
	Limits      ResourceLimits  `json:"limits"`
	Payment     *big.Int        `json:"-"`
	PaymentStr  string          `json:"payment"`
	Format      ResponseFormat  `json:"response_format"`
	InputData   []byte          `json:"input_data"`
	SecretsRef  *SecretsRef     `json:"secrets_ref,omitempty"`
	Timestamp   uint64          `json:"timestamp"`
}

// RequestStatus enumerates the mutually-exclusive lifecycle states named in
// spec §3 invariant (d): a request is pending, resolved, or emergency
// cancelled — never simultaneously.
type RequestStatus string

const (
	StatusPending            RequestStatus = "pending"
	StatusResolved           RequestStatus = "resolved"
	StatusEmergencyCancelled RequestStatus = "emergency_cancelled"
)

// ResourcesUsed is reported back to the contract's resume entry; the
// contract computes cost/refund from these raw numbers (spec §4.10, §9 open
// question on payment flow — the core only reports metrics).
type ResourcesUsed struct {
	Instructions  uint64 `json:"instructions"`
	TimeMs        uint64 `json:"time_ms"`
	CompileTimeMs *uint64 `json:"compile_time_ms,omitempty"`
}

// ExecutionResponse targets the contract's promise-resume entry keyed by
// DataID (spec §6 "Contract resume call").
type ExecutionResponse struct {
	DataIDHex        string        `json:"data_id"`
	Success          bool          `json:"success"`
	Output           []byte        `json:"output,omitempty"`
	Error            string        `json:"error,omitempty"`
	ResourcesUsed    ResourcesUsed `json:"resources_used"`
	CompilationNote  string        `json:"compilation_note,omitempty"`
}

// JobType distinguishes the two job rows a claim can create (spec §3).
type JobType string

const (
	JobCompile JobType = "Compile"
	JobExecute JobType = "Execute"
)

// JobStatus is the coordinator-owned lifecycle of a single job row.
type JobStatus string

const (
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Job is the coordinator-owned row described in spec §3; exactly one
// non-terminal row exists per (RequestID, JobType).
type Job struct {
	JobID           string    `json:"job_id"`
	RequestID       uint64    `json:"request_id"`
	DataIDHex       string    `json:"data_id"`
	JobType         JobType   `json:"job_type"`
	WorkerID        string    `json:"worker_id,omitempty"`
	Status          JobStatus `json:"status"`
	WasmChecksum    string    `json:"wasm_checksum,omitempty"`
	TransactionHash string    `json:"transaction_hash,omitempty"`
	CreatedAt       int64     `json:"created_at"`
	UpdatedAt       int64     `json:"updated_at"`
}
