package compliance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anchorledger/custody-core/core"
)

// Tier codes and their default caps, used when the registry contract
// reports a tier without explicit caps. Tier 4 is uncapped.
var defaultTierCaps = map[int]core.Tier{
	1: {Code: 1, DailyCap: 1_000_000, MonthlyCap: 10_000_000, EnhancedVerifyAbove: 500_000},
	2: {Code: 2, DailyCap: 10_000_000, MonthlyCap: 100_000_000, EnhancedVerifyAbove: 5_000_000},
	3: {Code: 3, DailyCap: 100_000_000, MonthlyCap: 1_000_000_000, EnhancedVerifyAbove: 0},
	4: {Code: 4},
}

// FallbackTier is the minimal tier granted when the registry is
// unreachable and strict mode is off.
func FallbackTier() core.Tier {
	return defaultTierCaps[1]
}

// TierForCode returns the default caps for a tier code.
func TierForCode(code int) (core.Tier, bool) {
	tier, ok := defaultTierCaps[code]
	return tier, ok
}

// accountStatus is the registry contract's response shape.
type accountStatus struct {
	Tier                int    `json:"tier"`
	Blacklisted         bool   `json:"blacklisted"`
	DailyCap            uint64 `json:"daily_cap"`
	MonthlyCap          uint64 `json:"monthly_cap"`
	EnhancedVerifyAbove uint64 `json:"enhanced_verify_above"`
}

// ChainTierRegistry reads tier assignments from the on-chain compliance
// registry contract.
type ChainTierRegistry struct {
	chain      core.ChainClient
	contractID string
}

func NewChainTierRegistry(chain core.ChainClient, contractID string) (*ChainTierRegistry, error) {
	if chain == nil {
		return nil, core.NewError(core.ErrorKindMisconfigured, "compliance: chain client is required")
	}
	if strings.TrimSpace(contractID) == "" {
		return nil, core.NewError(core.ErrorKindMisconfigured, "compliance: registry contract id is required")
	}
	return &ChainTierRegistry{chain: chain, contractID: strings.TrimSpace(contractID)}, nil
}

func (r *ChainTierRegistry) TierFor(ctx context.Context, principal string) (core.Tier, error) {
	if r == nil || r.chain == nil {
		return core.Tier{}, core.NewError(core.ErrorKindMisconfigured, "compliance: tier registry is not configured")
	}
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return core.Tier{}, core.NewError(core.ErrorKindParametersInvalid, "compliance: principal is required")
	}

	result, err := r.chain.Simulate(ctx, core.InvokeRequest{
		ContractID: r.contractID,
		Function:   "get_account_status",
		Args:       []any{principal},
	})
	if err != nil {
		return core.Tier{}, core.WrapError(core.ErrorKindRegistryUnavailable, err, "compliance: registry lookup failed")
	}
	if !result.OK {
		if result.ErrKind == core.ErrorKindContractNotFound {
			return core.Tier{}, core.NewError(
				core.ErrorKindDeniedByRegistry,
				fmt.Sprintf("compliance: principal %s is not registered", principal),
			)
		}
		return core.Tier{}, core.NewError(
			core.ErrorKindRegistryUnavailable,
			fmt.Sprintf("compliance: registry lookup failed: %s", result.ErrMessage),
		)
	}

	var status accountStatus
	if err := json.Unmarshal(result.ReturnValue, &status); err != nil {
		return core.Tier{}, core.WrapError(core.ErrorKindInvalidResponse, err, "compliance: decode account status")
	}
	if status.Blacklisted {
		return core.Tier{}, core.NewError(
			core.ErrorKindBlacklisted,
			fmt.Sprintf("compliance: principal %s is blacklisted", principal),
		).WithMetadata(map[string]any{"principal": principal})
	}

	tier := core.Tier{
		Code:                status.Tier,
		DailyCap:            status.DailyCap,
		MonthlyCap:          status.MonthlyCap,
		EnhancedVerifyAbove: status.EnhancedVerifyAbove,
	}
	if tier.Code <= 0 {
		return core.Tier{}, core.NewError(
			core.ErrorKindDeniedByRegistry,
			fmt.Sprintf("compliance: principal %s has no tier assignment", principal),
		)
	}
	// Contract responses may carry the tier code only; fill caps from the
	// defaults table.
	if tier.DailyCap == 0 && tier.MonthlyCap == 0 {
		if defaults, ok := defaultTierCaps[tier.Code]; ok {
			defaults.Code = tier.Code
			if tier.EnhancedVerifyAbove > 0 {
				defaults.EnhancedVerifyAbove = tier.EnhancedVerifyAbove
			}
			return defaults, nil
		}
	}
	return tier, nil
}

// MinTier merges two tier views, lower tier wins. Caps take the stricter
// value field by field, with zero treated as uncapped.
func MinTier(a, b core.Tier) core.Tier {
	merged := a
	if b.Code < merged.Code {
		merged.Code = b.Code
	}
	merged.DailyCap = minCap(a.DailyCap, b.DailyCap)
	merged.MonthlyCap = minCap(a.MonthlyCap, b.MonthlyCap)
	merged.EnhancedVerifyAbove = minCap(a.EnhancedVerifyAbove, b.EnhancedVerifyAbove)
	return merged
}

func minCap(a, b uint64) uint64 {
	if a == 0 {
		return b
	}
	if b == 0 {
		return a
	}
	if a < b {
		return a
	}
	return b
}

var _ core.TierRegistry = (*ChainTierRegistry)(nil)
