package chain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// EventPrefix is the NEP-297 log-line prefix (spec §6 "Chain event
// envelope"). Reference: https://github.com/near/NEPs/blob/master/neps/nep-0297.md
const EventPrefix = "EVENT_JSON:"

var (
	ErrMissingPrefix  = errors.New("chain: event log missing EVENT_JSON: prefix")
	ErrEmptyField     = errors.New("chain: event has an empty required field")
	ErrMultipleEvents = errors.New("chain: multiple JSON values in one event log line")
)

// Envelope is the NEP-297-compatible event envelope. Data is left as raw
// JSON; callers decode it according to Event once they know which event this
// is.
type Envelope struct {
	Standard string          `json:"standard"`
	Version  string          `json:"version"`
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// ParseEnvelope decodes a single chain log line into an Envelope, enforcing
// every rule named in spec §4.1 and §8 property 2:
//   - the EVENT_JSON: prefix must be present
//   - exactly one JSON value must follow (pretty-printed JSON is accepted;
//     a second concatenated JSON value is rejected)
//   - standard, version and event must all be present and non-empty
//   - data is optional
func ParseEnvelope(log string) (*Envelope, error) {
	if !strings.HasPrefix(log, EventPrefix) {
		return nil, ErrMissingPrefix
	}
	rest := strings.TrimSpace(strings.TrimPrefix(log, EventPrefix))

	dec := json.NewDecoder(strings.NewReader(rest))
	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("chain: invalid JSON in event log: %w", err)
	}
	// A lone decoder call accepts a pretty-printed single value but leaves a
	// second concatenated value undetected; reject it explicitly so
	// "EVENT_JSON:{...}{...}" fails per spec rather than silently keeping
	// the first object.
	if dec.More() {
		return nil, ErrMultipleEvents
	}

	if env.Standard == "" || env.Version == "" || env.Event == "" {
		return nil, fmt.Errorf("%w: standard=%q version=%q event=%q", ErrEmptyField, env.Standard, env.Version, env.Event)
	}
	return &env, nil
}

// ExecutionRequestedData is the payload of an execution_requested event as
// referenced in spec §6. request_id, payment and timestamp travel as strings
// at the JSON boundary (u64/u128-as-string), matching NEAR's JSON-RPC
// convention; the resource_limits fields are plain JSON numbers.
type ExecutionRequestedData struct {
	RequestID      string         `json:"request_id"`
	DataIDHex      string         `json:"data_id"`
	SenderID       string         `json:"sender_id"`
	PayerID        string         `json:"payer_id,omitempty"`
	CodeSource     SourceRef      `json:"code_source"`
	ResourceLimits ResourceLimits `json:"resource_limits"`
	ResponseFormat ResponseFormat `json:"response_format,omitempty"`
	InputData      string         `json:"input_data,omitempty"` // base64
	SecretsRef     *SecretsRef    `json:"secrets_ref,omitempty"`
	Payment        string         `json:"payment"`
	Timestamp      string         `json:"timestamp,omitempty"`
}

// DecodeExecutionRequested decodes Envelope.Data as an execution_requested
// payload. Callers must first check Envelope.Event == "execution_requested".
func DecodeExecutionRequested(env *Envelope) (*ExecutionRequestedData, error) {
	if env.Event != "execution_requested" {
		return nil, fmt.Errorf("chain: expected execution_requested event, got %q", env.Event)
	}
	if len(env.Data) == 0 {
		return nil, fmt.Errorf("chain: execution_requested event missing data")
	}
	var d ExecutionRequestedData
	if err := json.Unmarshal(env.Data, &d); err != nil {
		return nil, fmt.Errorf("chain: decoding execution_requested data: %w", err)
	}
	if d.RequestID == "" || d.DataIDHex == "" || d.SenderID == "" || d.Payment == "" {
		return nil, fmt.Errorf("%w: execution_requested missing request_id/data_id/sender_id/payment", ErrEmptyField)
	}
	return &d, nil
}
