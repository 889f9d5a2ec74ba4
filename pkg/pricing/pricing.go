// Package pricing implements the on-chain boundary math of spec §4.10,
// ported from original_source/contract/src/math.rs's checked/saturating
// arithmetic style into Go's math/big, since Go has no native u128. The core
// never itself performs settlement — the contract does — but it must
// estimate cost to validate ExecutionRequest.payment (spec §3 invariant b)
// and may report it for operator visibility.
package pricing

import (
	"fmt"
	"math/big"
)

// Rates are the fee-schedule parameters named in spec §4.10. All are
// expressed in the contract's smallest monetary unit (yoctoNEAR).
type Rates struct {
	BaseFee           *big.Int // base_fee
	PerMillionInstFee *big.Int // per_M_inst_fee, charged per 1_000_000 instructions
	PerMsFee          *big.Int // per_ms_fee
	PerCompileMsFee   *big.Int // per_compile_ms_fee, optional (may be nil/zero)
}

// maxU128 bounds every checked add/mul the way a real u128 would; values
// above it are a fatal overflow per spec §4.10 ("Overflow ... is a fatal
// error condition").
var maxU128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// checkedAdd mirrors math.rs's checked_add: error (not silent wraparound) on
// overflow past the u128 ceiling.
func checkedAdd(a, b *big.Int) (*big.Int, error) {
	sum := new(big.Int).Add(a, b)
	if sum.Cmp(maxU128) > 0 {
		return nil, fmt.Errorf("pricing: arithmetic overflow: %s + %s", a, b)
	}
	return sum, nil
}

func checkedMul(a, b *big.Int) (*big.Int, error) {
	prod := new(big.Int).Mul(a, b)
	if prod.Cmp(maxU128) > 0 {
		return nil, fmt.Errorf("pricing: arithmetic overflow: %s * %s", a, b)
	}
	return prod, nil
}

// saturatingSub mirrors math.rs's compute_refund: a - b, clamped to zero
// rather than erroring, matching spec §4.10's "refund =
// saturating_sub(payment, cost)".
func saturatingSub(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return big.NewInt(0)
	}
	return new(big.Int).Sub(a, b)
}

func zeroIfNil(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}

// ComputeCost implements spec §4.10:
//
//	cost = base_fee + instructions·per_M_inst_fee/1_000_000 + time_ms·per_ms_fee + compile_ms·per_compile_ms_fee?
func ComputeCost(r Rates, instructions uint64, timeMs uint64, compileMs *uint64) (*big.Int, error) {
	instCost, err := checkedMul(big.NewInt(0).SetUint64(instructions), zeroIfNil(r.PerMillionInstFee))
	if err != nil {
		return nil, err
	}
	instCost = instCost.Div(instCost, big.NewInt(1_000_000))

	timeCost, err := checkedMul(big.NewInt(0).SetUint64(timeMs), zeroIfNil(r.PerMsFee))
	if err != nil {
		return nil, err
	}

	cost, err := checkedAdd(zeroIfNil(r.BaseFee), instCost)
	if err != nil {
		return nil, err
	}
	cost, err = checkedAdd(cost, timeCost)
	if err != nil {
		return nil, err
	}

	if compileMs != nil && r.PerCompileMsFee != nil {
		compileCost, err := checkedMul(big.NewInt(0).SetUint64(*compileMs), r.PerCompileMsFee)
		if err != nil {
			return nil, err
		}
		cost, err = checkedAdd(cost, compileCost)
		if err != nil {
			return nil, err
		}
	}
	return cost, nil
}

// ComputeRefund implements refund = saturating_sub(payment, cost).
func ComputeRefund(payment, cost *big.Int) *big.Int {
	return saturatingSub(payment, cost)
}

// EstimateCost implements spec §4.10's estimate formula, used to validate
// ExecutionRequest.payment ≥ estimate_cost(limits) (spec §3 invariant b):
//
//	estimate = base_fee + max_instructions·per_inst + max_execution_seconds·1000·per_ms_fee
func EstimateCost(r Rates, maxInstructions uint64, maxExecutionSeconds uint64) (*big.Int, error) {
	maxTimeMs := maxExecutionSeconds * 1000
	return ComputeCost(r, maxInstructions, maxTimeMs, nil)
}

// ValidatePayment enforces spec §3 invariant (b): payment ≥ estimate_cost(limits).
func ValidatePayment(r Rates, payment *big.Int, maxInstructions, maxExecutionSeconds uint64) error {
	estimate, err := EstimateCost(r, maxInstructions, maxExecutionSeconds)
	if err != nil {
		return err
	}
	if payment.Cmp(estimate) < 0 {
		return fmt.Errorf("pricing: payment %s is below estimated cost %s", payment, estimate)
	}
	return nil
}
