package vault

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// defaultRefreshInterval is the minimum gap between opportunistic aggregate
// refreshes piggybacked on deposits.
const defaultRefreshInterval = int64(3600)

// Params carries the round configuration consumed by the engine. Values are
// normalised once at construction; the engine treats the struct as
// read-only except through the dedicated administrative setters.
type Params struct {
	// GoalUSD is the USD-denominated funding goal at UsdDecimals precision.
	GoalUSD *big.Int
	// Deadline is the unix timestamp after which deposits are rejected and
	// refunds open (if the goal was never reached).
	Deadline int64
	// WhitelistCapUSD, when positive, restricts deposits to whitelisted
	// contributors up to this per-contributor total. Mutually exclusive
	// with PublicCapUSD: whitelist rounds and public rounds are distinct
	// phases, the gates are never combined.
	WhitelistCapUSD *big.Int
	// PublicCapUSD, when positive and no whitelist cap is set, bounds any
	// contributor's total.
	PublicCapUSD *big.Int
	// MinDepositUSD is the smallest accepted USD value per deposit.
	MinDepositUSD *big.Int
	// TierDivisor is the divisor bound to contributors entering under the
	// currently active tier.
	TierDivisor uint32
	// NativePriceFeedID prices native-currency deposits. Native currency
	// never enters the token registry.
	NativePriceFeedID string
	// NativeDecimals is the base-unit precision of the native currency.
	NativeDecimals uint8
	// MaxPriceAgeSeconds bounds oracle staleness.
	MaxPriceAgeSeconds int64
	// MaxConfidenceBps bounds the oracle confidence-interval ratio.
	MaxConfidenceBps uint64
	// RefreshIntervalSeconds is the opportunistic revaluation interval.
	RefreshIntervalSeconds int64
}

// Normalise applies defaults and canonical forms to the parameters.
func (p Params) Normalise() Params {
	out := p
	out.GoalUSD = cloneBigInt(p.GoalUSD)
	out.WhitelistCapUSD = cloneBigInt(p.WhitelistCapUSD)
	out.PublicCapUSD = cloneBigInt(p.PublicCapUSD)
	out.MinDepositUSD = cloneBigInt(p.MinDepositUSD)
	out.NativePriceFeedID = strings.TrimSpace(p.NativePriceFeedID)
	if out.TierDivisor == 0 {
		out.TierDivisor = 1
	}
	if out.NativeDecimals == 0 {
		out.NativeDecimals = 18
	}
	if out.MaxPriceAgeSeconds <= 0 {
		out.MaxPriceAgeSeconds = 60
	}
	if out.MaxConfidenceBps == 0 {
		out.MaxConfidenceBps = 200
	}
	if out.RefreshIntervalSeconds <= 0 {
		out.RefreshIntervalSeconds = defaultRefreshInterval
	}
	return out
}

// Validate rejects parameter sets the engine cannot operate under.
func (p Params) Validate() error {
	if p.GoalUSD == nil || p.GoalUSD.Sign() <= 0 {
		return fmt.Errorf("vault: funding goal must be positive")
	}
	if p.Deadline <= 0 {
		return fmt.Errorf("vault: deadline required")
	}
	if p.NativePriceFeedID == "" {
		return fmt.Errorf("vault: native price feed id required")
	}
	if p.WhitelistCapUSD.Sign() > 0 && p.PublicCapUSD.Sign() > 0 {
		return fmt.Errorf("vault: whitelist and public caps are mutually exclusive")
	}
	return nil
}

// MaxPriceAge returns the staleness bound as a duration.
func (p Params) MaxPriceAge() time.Duration {
	return time.Duration(p.MaxPriceAgeSeconds) * time.Second
}
