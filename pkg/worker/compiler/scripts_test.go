package compiler

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScriptFor_KnownTargets(t *testing.T) {
	for _, target := range []string{"wasm32-wasip1", "wasm32-wasi", "wasm32-wasip2"} {
		script, err := scriptFor(target)
		require.NoError(t, err, target)
		assert.Contains(t, script, "git clone")
		assert.Contains(t, script, "/workspace/output/output.wasm")
	}
}

func TestScriptFor_P1TargetsUseWasmOpt(t *testing.T) {
	script, err := scriptFor("wasm32-wasip1")
	require.NoError(t, err)
	assert.Contains(t, script, "wasm-opt")
}

func TestScriptFor_P2TargetUsesWasmTools(t *testing.T) {
	script, err := scriptFor("wasm32-wasip2")
	require.NoError(t, err)
	assert.Contains(t, script, "wasm-tools")
	assert.False(t, strings.Contains(script, "wasm-opt"))
}

func TestScriptFor_RejectsUnsupportedTarget(t *testing.T) {
	_, err := scriptFor("wasm32-unknown-unknown")
	assert.Error(t, err)
}

func TestTailOf_PrefersStderr(t *testing.T) {
	assert.Equal(t, "boom", tailOf("boom", "ignored"))
	assert.Equal(t, "fallback", tailOf("", "fallback"))
}

func TestTailOf_BoundsLength(t *testing.T) {
	long := strings.Repeat("x", 10000)
	out := tailOf(long, "")
	assert.LessOrEqual(t, len(out), 4000)
}
