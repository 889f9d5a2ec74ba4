package keystore

import (
	"context"
	"fmt"
	"math/big"
	"regexp"
)

// LogicOperator combines nested AccessConditions, grounded on
// original_source/keystore-worker/src/types.rs's LogicOperator.
type LogicOperator string

const (
	LogicAnd LogicOperator = "And"
	LogicOr  LogicOperator = "Or"
)

// ComparisonOperator compares a balance against a threshold.
type ComparisonOperator string

const (
	CmpGte ComparisonOperator = "Gte"
	CmpLte ComparisonOperator = "Lte"
	CmpGt  ComparisonOperator = "Gt"
	CmpLt  ComparisonOperator = "Lt"
	CmpEq  ComparisonOperator = "Eq"
	CmpNe  ComparisonOperator = "Ne"
)

// maxConditionDepth bounds recursive AccessCondition evaluation so a
// maliciously nested Logic/Not tree cannot exhaust the stack.
const maxConditionDepth = 16

// BalanceSource is consulted for conditions that need on-chain state; a nil
// BalanceSource causes any condition that needs it to fail closed rather
// than panic.
type BalanceSource interface {
	NearBalance(ctx context.Context, accountID string) (*big.Int, error)
	FtBalance(ctx context.Context, contract, accountID string) (*big.Int, error)
	NftOwned(ctx context.Context, contract, accountID string, tokenID string) (bool, error)
}

// AccessCondition is the recursive sum type naming who may invoke a secret,
// mirroring types.rs's AccessCondition enum. Exactly one field group is
// meaningful per Kind.
type AccessCondition struct {
	Kind Kind `json:"kind"`

	Operator   LogicOperator      `json:"operator,omitempty"`
	Conditions []AccessCondition  `json:"conditions,omitempty"`
	Condition  *AccessCondition   `json:"condition,omitempty"`
	Accounts   []string           `json:"accounts,omitempty"`
	Pattern    string             `json:"pattern,omitempty"`
	Compare    ComparisonOperator `json:"compare,omitempty"`
	Value      string             `json:"value,omitempty"`
	Contract   string             `json:"contract,omitempty"`
	TokenID    string             `json:"token_id,omitempty"`
}

type Kind string

const (
	KindLogic          Kind = "Logic"
	KindNot            Kind = "Not"
	KindAllowAll       Kind = "AllowAll"
	KindWhitelist      Kind = "Whitelist"
	KindAccountPattern Kind = "AccountPattern"
	KindNearBalance    Kind = "NearBalance"
	KindFtBalance      Kind = "FtBalance"
	KindNftOwned       Kind = "NftOwned"
)

// Validate evaluates the condition tree against caller, fail-closed: any
// error, missing BalanceSource, invalid regex, or depth overrun denies
// access rather than granting it.
func (c AccessCondition) Validate(ctx context.Context, caller string, balances BalanceSource) (bool, error) {
	return c.validate(ctx, caller, balances, 0)
}

func (c AccessCondition) validate(ctx context.Context, caller string, balances BalanceSource, depth int) (bool, error) {
	if depth > maxConditionDepth {
		return false, fmt.Errorf("keystore: access condition nesting exceeds depth %d", maxConditionDepth)
	}

	switch c.Kind {
	case KindAllowAll:
		return true, nil

	case KindWhitelist:
		for _, acc := range c.Accounts {
			if acc == caller {
				return true, nil
			}
		}
		return false, nil

	case KindAccountPattern:
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			// Invalid regex denies access rather than erroring the caller out,
			// matching types.rs's fail-safe behavior.
			return false, nil
		}
		return re.MatchString(caller), nil

	case KindLogic:
		switch c.Operator {
		case LogicAnd:
			for _, sub := range c.Conditions {
				ok, err := sub.validate(ctx, caller, balances, depth+1)
				if err != nil {
					return false, err
				}
				if !ok {
					return false, nil
				}
			}
			return true, nil
		case LogicOr:
			for _, sub := range c.Conditions {
				ok, err := sub.validate(ctx, caller, balances, depth+1)
				if err != nil {
					return false, err
				}
				if ok {
					return true, nil
				}
			}
			return false, nil
		default:
			return false, fmt.Errorf("keystore: unknown logic operator %q", c.Operator)
		}

	case KindNot:
		if c.Condition == nil {
			return false, fmt.Errorf("keystore: Not condition missing inner condition")
		}
		ok, err := c.Condition.validate(ctx, caller, balances, depth+1)
		if err != nil {
			return false, err
		}
		return !ok, nil

	case KindNearBalance:
		if balances == nil {
			return false, nil
		}
		required, ok := new(big.Int).SetString(c.Value, 10)
		if !ok {
			return false, fmt.Errorf("keystore: invalid balance value %q", c.Value)
		}
		actual, err := balances.NearBalance(ctx, caller)
		if err != nil {
			return false, err
		}
		return compare(actual, c.Compare, required), nil

	case KindFtBalance:
		if balances == nil {
			return false, nil
		}
		required, ok := new(big.Int).SetString(c.Value, 10)
		if !ok {
			return false, fmt.Errorf("keystore: invalid balance value %q", c.Value)
		}
		actual, err := balances.FtBalance(ctx, c.Contract, caller)
		if err != nil {
			return false, err
		}
		return compare(actual, c.Compare, required), nil

	case KindNftOwned:
		if balances == nil {
			return false, nil
		}
		return balances.NftOwned(ctx, c.Contract, caller, c.TokenID)

	default:
		return false, fmt.Errorf("keystore: unknown access condition kind %q", c.Kind)
	}
}

func compare(actual *big.Int, op ComparisonOperator, required *big.Int) bool {
	cmp := actual.Cmp(required)
	switch op {
	case CmpGte:
		return cmp >= 0
	case CmpLte:
		return cmp <= 0
	case CmpGt:
		return cmp > 0
	case CmpLt:
		return cmp < 0
	case CmpEq:
		return cmp == 0
	case CmpNe:
		return cmp != 0
	default:
		return false
	}
}
