// Package executor runs compiled WASM under wasmtime with the dual
// fuel+epoch resource governance spec §4.9/§9 requires: fuel meters
// instructions so a guest can't outrun its max_instructions budget, and an
// epoch deadline stops a guest that burns wall-clock time without
// consuming fuel (idle syscalls, busy-looping on a blocking read). Grounded
// on original_source/worker/src/executor/{wasmtime_cfg,wasi_env,wasi_p1}.rs,
// using github.com/bytecodealliance/wasmtime-go/v27, already a require of
// this module.
package executor

import (
	"time"

	"github.com/bytecodealliance/wasmtime-go/v27"
)

// epochTick is how often the deadline goroutine increments the engine's
// epoch counter; matches original_source's 5ms tick.
const epochTick = 5 * time.Millisecond

// engineWithLimits builds a wasmtime Engine configured the way
// wasmtime_cfg::engine_with_limits does: fuel consumption on, epoch
// interruption on, threads off (no non-deterministic scheduling), 64-bit
// memory off, multi-memory on (WASI P2 needs it even though this package
// rejects P2 targets, see executor.go), debug info off.
func engineWithLimits() *wasmtime.Engine {
	cfg := wasmtime.NewConfig()
	cfg.SetConsumeFuel(true)
	cfg.SetEpochInterruption(true)
	cfg.SetWasmThreads(false)
	cfg.SetWasmMultiMemory(true)
	cfg.SetWasmMemory64(false)
	cfg.SetDebugInfo(false)
	return wasmtime.NewEngineWithConfig(cfg)
}

// attachDeadline spawns a goroutine that increments engine's epoch every
// epochTick until maxWall elapses or stop is closed, giving the Store a
// hard wall-clock cutoff that fuel metering alone cannot provide (a guest
// idling in a blocking syscall still burns wall time, not fuel).
func attachDeadline(engine *wasmtime.Engine, maxWall time.Duration) (stop func()) {
	done := make(chan struct{})
	go func() {
		deadline := time.Now().Add(maxWall)
		ticker := time.NewTicker(epochTick)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case now := <-ticker.C:
				engine.IncrementEpoch()
				if now.After(deadline) {
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

// fuelForInstructions is a 1:1 mapping from the contract's max_instructions
// to wasmtime fuel units, matching original_source's current calibration
// (pending real workload profiling there too).
func fuelForInstructions(maxInstructions uint64) uint64 {
	return maxInstructions
}
