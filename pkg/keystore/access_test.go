package keystore

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_AllowAll(t *testing.T) {
	c := AccessCondition{Kind: KindAllowAll}
	ok, err := c.Validate(context.Background(), "anyone.near", nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestValidate_Whitelist(t *testing.T) {
	c := AccessCondition{Kind: KindWhitelist, Accounts: []string{"alice.near", "bob.near"}}
	ok, _ := c.Validate(context.Background(), "alice.near", nil)
	assert.True(t, ok)
	ok, _ = c.Validate(context.Background(), "mallory.near", nil)
	assert.False(t, ok)
}

func TestValidate_AccountPattern(t *testing.T) {
	c := AccessCondition{Kind: KindAccountPattern, Pattern: `.*\.gov\.near`}
	ok, _ := c.Validate(context.Background(), "treasury.gov.near", nil)
	assert.True(t, ok)
	ok, _ = c.Validate(context.Background(), "alice.near", nil)
	assert.False(t, ok)
}

func TestValidate_InvalidPatternDeniesRatherThanErrors(t *testing.T) {
	c := AccessCondition{Kind: KindAccountPattern, Pattern: "[invalid"}
	ok, err := c.Validate(context.Background(), "alice.near", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidate_LogicAnd(t *testing.T) {
	c := AccessCondition{
		Kind:     KindLogic,
		Operator: LogicAnd,
		Conditions: []AccessCondition{
			{Kind: KindAccountPattern, Pattern: `.*\.near`},
			{Kind: KindWhitelist, Accounts: []string{"alice.near"}},
		},
	}
	ok, _ := c.Validate(context.Background(), "alice.near", nil)
	assert.True(t, ok)
	ok, _ = c.Validate(context.Background(), "bob.near", nil)
	assert.False(t, ok)
}

func TestValidate_LogicOr(t *testing.T) {
	c := AccessCondition{
		Kind:     KindLogic,
		Operator: LogicOr,
		Conditions: []AccessCondition{
			{Kind: KindWhitelist, Accounts: []string{"bob.near"}},
			{Kind: KindAccountPattern, Pattern: `alice\..*`},
		},
	}
	ok, _ := c.Validate(context.Background(), "alice.near", nil)
	assert.True(t, ok)
}

func TestValidate_Not(t *testing.T) {
	inner := AccessCondition{Kind: KindWhitelist, Accounts: []string{"blocked.near"}}
	c := AccessCondition{Kind: KindNot, Condition: &inner}
	ok, _ := c.Validate(context.Background(), "alice.near", nil)
	assert.True(t, ok)
	ok, _ = c.Validate(context.Background(), "blocked.near", nil)
	assert.False(t, ok)
}

type stubBalances struct {
	near *big.Int
}

func (s stubBalances) NearBalance(ctx context.Context, accountID string) (*big.Int, error) {
	return s.near, nil
}
func (s stubBalances) FtBalance(ctx context.Context, contract, accountID string) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (s stubBalances) NftOwned(ctx context.Context, contract, accountID, tokenID string) (bool, error) {
	return false, nil
}

func TestValidate_NearBalanceGte(t *testing.T) {
	c := AccessCondition{Kind: KindNearBalance, Compare: CmpGte, Value: "1000"}
	ok, err := c.Validate(context.Background(), "alice.near", stubBalances{near: big.NewInt(2000)})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Validate(context.Background(), "alice.near", stubBalances{near: big.NewInt(500)})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidate_NearBalanceWithoutSourceDeniesRatherThanPanics(t *testing.T) {
	c := AccessCondition{Kind: KindNearBalance, Compare: CmpGte, Value: "1000"}
	ok, err := c.Validate(context.Background(), "alice.near", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidate_DepthLimitRejectsDeeplyNestedConditions(t *testing.T) {
	c := AccessCondition{Kind: KindAllowAll}
	for i := 0; i < maxConditionDepth+5; i++ {
		c = AccessCondition{Kind: KindNot, Condition: &c}
	}
	_, err := c.Validate(context.Background(), "alice.near", nil)
	assert.Error(t, err)
}
