package executor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bytecodealliance/wasmtime-go/v27"

	"github.com/fastnear/near-outlayer-sub001/internal/xlog"
	"github.com/fastnear/near-outlayer-sub001/pkg/chain"
)

// Result is one execution's outcome, ready to be folded into a
// chain.ExecutionResponse by the orchestrator.
type Result struct {
	Success      bool
	Output       []byte
	Error        string
	Instructions uint64
	TimeMs       uint64
}

// Executor runs a single WASI P1 module per call. It holds no persistent
// wasmtime state between calls — every execution gets its own Engine and
// Store, matching original_source's per-request construction (there is no
// cross-execution cache of compiled modules to keep determinism simple).
type Executor struct {
	printStderr bool
	log         *xlog.Logger
}

func New(printStderr bool) *Executor {
	return &Executor{printStderr: printStderr, log: xlog.New("executor")}
}

// Execute runs wasmBytes against inputData (delivered over WASI stdin),
// enforcing limits via fuel metering and an epoch wall-clock deadline, and
// formats the captured stdout according to format (spec §3 invariant c).
//
// buildTarget selects the runtime: only wasm32-wasip1/wasm32-wasi modules
// are supported by this package (see DESIGN.md for why wasm32-wasip2
// components aren't); an unrecognized or P2 target is a hard error, not a
// silent fallback, since silently executing the wrong ABI would produce
// nonsense output rather than a clear failure.
func (e *Executor) Execute(buildTarget string, wasmBytes, inputData []byte, limits chain.ResourceLimits, envVars map[string]string, format chain.ResponseFormat) (Result, error) {
	switch buildTarget {
	case "wasm32-wasip1", "wasm32-wasi":
	case "wasm32-wasip2":
		return Result{}, fmt.Errorf("executor: wasm32-wasip2 components are not supported by this runtime (see DESIGN.md)")
	default:
		return Result{}, fmt.Errorf("executor: unsupported build target %q", buildTarget)
	}

	start := time.Now()
	output, consumed, err := e.runWasip1(wasmBytes, inputData, limits, envVars)
	elapsedMs := uint64(time.Since(start).Milliseconds())

	if err != nil {
		e.log.Info("wasm execution failed", "err", err)
		return Result{Success: false, Error: err.Error(), TimeMs: elapsedMs}, nil
	}

	formatted, err := formatOutput(format, output)
	if err != nil {
		return Result{Success: false, Error: err.Error(), Instructions: consumed, TimeMs: elapsedMs}, nil
	}

	e.log.Info("wasm execution succeeded", "elapsed_ms", elapsedMs, "instructions", consumed)
	return Result{Success: true, Output: formatted, Instructions: consumed, TimeMs: elapsedMs}, nil
}

// runWasip1 mirrors executor/wasi_p1.rs's execute(): build a deterministic
// engine, wire WASI P1 into a linker, pipe inputData in over stdin, run
// _start under a fuel budget and an epoch deadline, and return stdout.
func (e *Executor) runWasip1(wasmBytes, inputData []byte, limits chain.ResourceLimits, envVars map[string]string) ([]byte, uint64, error) {
	engine := engineWithLimits()

	module, err := wasmtime.NewModule(engine, wasmBytes)
	if err != nil {
		return nil, 0, fmt.Errorf("not a valid WASI Preview 1 module: %w", err)
	}

	linker := wasmtime.NewLinker(engine)
	if err := linker.DefineWasi(); err != nil {
		return nil, 0, fmt.Errorf("wiring WASI into linker: %w", err)
	}

	workDir, err := os.MkdirTemp("", "near-outlayer-exec-*")
	if err != nil {
		return nil, 0, fmt.Errorf("creating scratch dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	stdinPath := filepath.Join(workDir, "stdin")
	stdoutPath := filepath.Join(workDir, "stdout")
	stderrPath := filepath.Join(workDir, "stderr")
	if err := os.WriteFile(stdinPath, inputData, 0o600); err != nil {
		return nil, 0, fmt.Errorf("writing stdin: %w", err)
	}

	wasiCfg := wasmtime.NewWasiConfig()
	if err := wasiCfg.SetStdinFile(stdinPath); err != nil {
		return nil, 0, fmt.Errorf("setting stdin: %w", err)
	}
	if err := wasiCfg.SetStdoutFile(stdoutPath); err != nil {
		return nil, 0, fmt.Errorf("setting stdout: %w", err)
	}
	if err := wasiCfg.SetStderrFile(stderrPath); err != nil {
		return nil, 0, fmt.Errorf("setting stderr: %w", err)
	}
	for k, v := range resolveEnv(envVars) {
		wasiCfg.SetEnv([]string{k}, []string{v})
	}

	store := wasmtime.NewStore(engine)
	store.SetWasi(wasiCfg)
	if err := store.AddFuel(fuelForInstructions(limits.MaxInstructions)); err != nil {
		return nil, 0, fmt.Errorf("adding fuel: %w", err)
	}
	store.SetEpochDeadline(1)

	maxWall := time.Duration(limits.MaxExecutionSeconds) * time.Second
	stopDeadline := attachDeadline(engine, maxWall)
	defer stopDeadline()

	instance, err := linker.Instantiate(store, module)
	if err != nil {
		return nil, 0, fmt.Errorf("instantiating module: %w", err)
	}

	start := instance.GetExport(store, "_start")
	if start == nil || start.Func() == nil {
		return nil, 0, fmt.Errorf("_start export not found (expected a WASI binary target, not a cdylib)")
	}

	_, callErr := start.Func().Call(store)

	var consumed uint64
	if fuelUsed, ok := store.FuelConsumed(); ok {
		consumed = fuelUsed
	}

	if callErr != nil {
		stderrContents, _ := os.ReadFile(stderrPath)
		return nil, consumed, executionError(callErr, stderrContents, inputData)
	}

	if e.printStderr {
		if stderrContents, _ := os.ReadFile(stderrPath); len(stderrContents) > 0 {
			e.log.Info("wasm stderr", "output", string(stderrContents))
		}
	}

	output, err := os.ReadFile(stdoutPath)
	if err != nil {
		return nil, consumed, fmt.Errorf("reading captured stdout: %w", err)
	}
	return output, consumed, nil
}

// executionError mirrors wasi_p1::execute's exit-status branch: prefer the
// guest's own stderr message over wasmtime's generic trap text, falling
// back to an input preview when there's nothing on stderr to show.
func executionError(callErr error, stderrContents, inputData []byte) error {
	msg := callErr.Error()
	if !strings.Contains(msg, "exit status") && !strings.Contains(msg, "Exited") {
		return fmt.Errorf("wasm execution failed: %w", callErr)
	}
	if len(stderrContents) > 0 {
		return fmt.Errorf("%s", strings.TrimSpace(string(stderrContents)))
	}
	preview := string(inputData)
	if len(preview) > 200 {
		preview = preview[:200] + "..."
	}
	return fmt.Errorf("wasm program exited with error status, no stderr output; input received: %s; original error: %w", preview, callErr)
}

// formatOutput enforces the response format the contract declared, per
// spec §3 invariant (c): Bytes passes through untouched, Text requires
// valid UTF-8, Json requires the bytes parse as a JSON value (but both are
// carried onward as bytes — the contract side decides how to decode them).
func formatOutput(format chain.ResponseFormat, output []byte) ([]byte, error) {
	switch format {
	case chain.ResponseBytes:
		return output, nil
	case chain.ResponseText:
		if !utf8.Valid(output) {
			return nil, fmt.Errorf("output is not valid UTF-8 text")
		}
		return output, nil
	case chain.ResponseJson:
		var v any
		if err := json.Unmarshal(output, &v); err != nil {
			return nil, fmt.Errorf("failed to parse output as JSON: %w", err)
		}
		return output, nil
	default:
		return nil, fmt.Errorf("unknown response format %q", format)
	}
}
