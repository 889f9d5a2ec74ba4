package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvelope_Valid(t *testing.T) {
	log := `EVENT_JSON:{"standard":"outlayer","version":"1.0.0","event":"execution_requested","data":{"request_id":"123"}}`
	env, err := ParseEnvelope(log)
	require.NoError(t, err)
	assert.Equal(t, "outlayer", env.Standard)
	assert.Equal(t, "1.0.0", env.Version)
	assert.Equal(t, "execution_requested", env.Event)
	assert.NotEmpty(t, env.Data)
}

func TestParseEnvelope_NoDataField(t *testing.T) {
	log := `EVENT_JSON:{"standard":"outlayer","version":"1.0.0","event":"xyz_triggered"}`
	env, err := ParseEnvelope(log)
	require.NoError(t, err)
	assert.Empty(t, env.Data)
}

func TestParseEnvelope_Whitespace(t *testing.T) {
	log := `EVENT_JSON:  {"standard":"outlayer","version":"1.0.0","event":"test"}  `
	env, err := ParseEnvelope(log)
	require.NoError(t, err)
	assert.Equal(t, "test", env.Event)
}

func TestParseEnvelope_Rejections(t *testing.T) {
	cases := map[string]string{
		"missing prefix":  `{"standard":"outlayer","version":"1.0.0","event":"x"}`,
		"invalid json":     `EVENT_JSON:{not json}`,
		"empty standard":   `EVENT_JSON:{"standard":"","version":"1.0.0","event":"x"}`,
		"empty version":    `EVENT_JSON:{"standard":"outlayer","version":"","event":"x"}`,
		"empty event":      `EVENT_JSON:{"standard":"outlayer","version":"1.0.0","event":""}`,
		"multiple objects": `EVENT_JSON:{"standard":"outlayer","version":"1.0.0","event":"x"}{"standard":"outlayer","version":"1.0.0","event":"y"}`,
	}
	for name, log := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseEnvelope(log)
			assert.Error(t, err)
		})
	}
}

func TestDecodeExecutionRequested(t *testing.T) {
	log := `EVENT_JSON:{"standard":"outlayer","version":"1.0.0","event":"execution_requested","data":{"request_id":"123","data_id":"deadbeef","sender_id":"alice.near","code_source":{"repo":"https://github.com/a/b","commit":"abc","build_target":"wasm32-wasip1"},"resource_limits":{"max_instructions":1000000,"max_memory_mb":128,"max_execution_seconds":60},"payment":"100000000000000000000000"}}`
	env, err := ParseEnvelope(log)
	require.NoError(t, err)
	data, err := DecodeExecutionRequested(env)
	require.NoError(t, err)
	assert.Equal(t, "123", data.RequestID)
	assert.Equal(t, "deadbeef", data.DataIDHex)
	assert.Equal(t, "alice.near", data.SenderID)
	assert.Equal(t, "https://github.com/a/b", data.CodeSource.Repo)
}

func TestDecodeExecutionRequested_MissingDataID(t *testing.T) {
	log := `EVENT_JSON:{"standard":"outlayer","version":"1.0.0","event":"execution_requested","data":{"request_id":"123","sender_id":"alice.near","payment":"1"}}`
	env, err := ParseEnvelope(log)
	require.NoError(t, err)
	_, err = DecodeExecutionRequested(env)
	assert.ErrorIs(t, err, ErrEmptyField)
}
