package vault

import (
	"fmt"
	"math/big"
	"strings"
)

// UsdDecimals is the fixed decimal precision used for every USD-denominated
// figure held by the vault. One dollar is 10^18 base units, matching the
// native currency precision so mixed-asset arithmetic stays integer-only.
const UsdDecimals = 18

// NativeAsset is the reserved symbol for the chain's native currency. It is
// never entered into the token registry; the engine resolves its price feed
// from the round parameters instead.
const NativeAsset = "NATIVE"

var oneUsd = new(big.Int).Exp(big.NewInt(10), big.NewInt(UsdDecimals), nil)

// DepositKind distinguishes the three contribution paths supported by the
// ledger.
type DepositKind uint8

const (
	// DepositNative marks a native-currency contribution.
	DepositNative DepositKind = iota
	// DepositToken marks a contribution in a registered fungible token.
	DepositToken
	// DepositOTC marks an administrator-recorded off-chain contribution.
	// OTC entries are value-only: they never carry a redeemable raw amount.
	DepositOTC
)

// Valid reports whether the kind is within the supported range.
func (k DepositKind) Valid() bool {
	switch k {
	case DepositNative, DepositToken, DepositOTC:
		return true
	default:
		return false
	}
}

// Deposit is one element of a contributor's ordered contribution sequence.
// The sequence is replayable for revaluation and cleared wholesale on full
// refund.
type Deposit struct {
	Kind DepositKind
	// Asset holds the registered token symbol for DepositToken entries,
	// NativeAsset for native deposits and the empty string for OTC entries.
	Asset string
	// RawAmount is the asset quantity received, in the asset's base units.
	// Always zero for OTC entries.
	RawAmount *big.Int
	// USDValue is the USD figure captured when the deposit was accepted,
	// at UsdDecimals precision.
	USDValue *big.Int
	// ReceiptID is set for OTC entries only and identifies the entry for
	// administrative reversal.
	ReceiptID string
	// AcceptedAt is the unix timestamp at which the deposit was recorded.
	AcceptedAt int64
}

// Clone returns a deep copy so callers can mutate the result without
// affecting ledger state.
func (d *Deposit) Clone() *Deposit {
	if d == nil {
		return nil
	}
	clone := *d
	if d.RawAmount != nil {
		clone.RawAmount = new(big.Int).Set(d.RawAmount)
	} else {
		clone.RawAmount = big.NewInt(0)
	}
	if d.USDValue != nil {
		clone.USDValue = new(big.Int).Set(d.USDValue)
	} else {
		clone.USDValue = big.NewInt(0)
	}
	return &clone
}

// Contributor is one row of the append-only contributor table.
type Contributor struct {
	Addr [20]byte
	// Index is the contributor's position in the table, assigned at the
	// first accepted deposit and stable thereafter.
	Index uint32
	// TierDivisor is the divisor applied to the contributor's balance at
	// finalization. It is bound to the globally active tier at the first
	// deposit and fixed while the cached balance is nonzero.
	TierDivisor uint32
	// BalanceUSD is the cached total USD value of the deposit sequence.
	BalanceUSD *big.Int
	// CachedAt is the unix timestamp of the last cache write.
	CachedAt int64
	// Refunded marks a contributor who exited through a full refund. The
	// flag is cleared again by the next accepted deposit.
	Refunded bool
}

// Clone returns a deep copy of the contributor row.
func (c *Contributor) Clone() *Contributor {
	if c == nil {
		return nil
	}
	clone := *c
	if c.BalanceUSD != nil {
		clone.BalanceUSD = new(big.Int).Set(c.BalanceUSD)
	} else {
		clone.BalanceUSD = big.NewInt(0)
	}
	return &clone
}

// TokenConfig describes one accepted fungible asset. Removal disables the
// entry rather than deleting it so recorded deposits stay attributable.
type TokenConfig struct {
	Symbol      string
	PriceFeedID string
	Decimals    uint8
	Enabled     bool
}

// Allocation is one contributor's row of the finalized share distribution.
type Allocation struct {
	Addr        [20]byte
	Index       uint32
	BalanceUSD  *big.Int
	AdjustedUSD *big.Int
	Shares      *big.Int
}

// AllocationSnapshot is produced exactly once at finalization and is
// immutable afterwards.
type AllocationSnapshot struct {
	ID               [32]byte
	TotalAdjustedUSD *big.Int
	TotalShares      *big.Int
	FinalizedAt      int64
	Allocations      []Allocation
}

// NormalizeAsset canonicalises a token symbol, rejecting empty input and the
// reserved native marker.
func NormalizeAsset(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" {
		return "", fmt.Errorf("vault: asset symbol required")
	}
	if trimmed == NativeAsset {
		return "", fmt.Errorf("vault: %s is implicitly accepted and cannot be registered", NativeAsset)
	}
	return trimmed, nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
