package pricing

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bigFrom(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad number: " + s)
	}
	return n
}

func TestComputeCost(t *testing.T) {
	r := Rates{
		BaseFee:           big.NewInt(1_000_000),
		PerMillionInstFee: big.NewInt(10_000_000), // 10 per instruction, scaled by /1e6 below
		PerMsFee:          big.NewInt(1000),
	}
	// instructions=10_000_000 -> instCost = 10_000_000 * 10_000_000 / 1_000_000 = 100_000_000
	cost, err := ComputeCost(r, 10_000_000, 1000, nil)
	require.NoError(t, err)
	assert.Equal(t, bigFrom("102000000"), cost)
}

func TestComputeRefund_Saturates(t *testing.T) {
	assert.Equal(t, big.NewInt(400), ComputeRefund(big.NewInt(1000), big.NewInt(600)))
	assert.Equal(t, big.NewInt(0), ComputeRefund(big.NewInt(600), big.NewInt(1000)))
}

func TestEstimateCost(t *testing.T) {
	r := Rates{
		BaseFee:           big.NewInt(1_000_000),
		PerMillionInstFee: big.NewInt(10_000_000),
		PerMsFee:          big.NewInt(1000),
	}
	est, err := EstimateCost(r, 10_000_000, 60)
	require.NoError(t, err)
	assert.Equal(t, bigFrom("161000000"), est)
}

func TestComputeCost_OverflowDetected(t *testing.T) {
	huge := new(big.Int).Lsh(big.NewInt(1), 127)
	r := Rates{BaseFee: huge, PerMillionInstFee: huge, PerMsFee: huge}
	_, err := ComputeCost(r, ^uint64(0), ^uint64(0), nil)
	assert.Error(t, err)
}

func TestValidatePayment(t *testing.T) {
	r := Rates{BaseFee: big.NewInt(100), PerMillionInstFee: big.NewInt(0), PerMsFee: big.NewInt(0)}
	require.NoError(t, ValidatePayment(r, big.NewInt(100), 0, 0))
	require.Error(t, ValidatePayment(r, big.NewInt(99), 0, 0))
}
