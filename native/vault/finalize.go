package vault

import (
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// FixedShareSupply is the total share count distributed across contributors
// at finalization.
var FixedShareSupply = big.NewInt(100_000_000)

// ShareRegistry is the boundary to the equity-issuance collaborator. The
// engine only needs minting, per-position metadata and supply queries.
type ShareRegistry interface {
	Mint(recipient [20]byte, positionID uint32, shares *big.Int) error
	SetPositionMetadata(positionID uint32, descriptor string) error
	TotalShares() (*big.Int, error)
	SharesOf(positionID uint32) (*big.Int, error)
}

// Clone returns a deep copy of the snapshot.
func (s *AllocationSnapshot) Clone() *AllocationSnapshot {
	if s == nil {
		return nil
	}
	clone := &AllocationSnapshot{
		ID:               s.ID,
		TotalAdjustedUSD: cloneBigInt(s.TotalAdjustedUSD),
		TotalShares:      cloneBigInt(s.TotalShares),
		FinalizedAt:      s.FinalizedAt,
		Allocations:      make([]Allocation, 0, len(s.Allocations)),
	}
	for _, alloc := range s.Allocations {
		clone.Allocations = append(clone.Allocations, Allocation{
			Addr:        alloc.Addr,
			Index:       alloc.Index,
			BalanceUSD:  cloneBigInt(alloc.BalanceUSD),
			AdjustedUSD: cloneBigInt(alloc.AdjustedUSD),
			Shares:      cloneBigInt(alloc.Shares),
		})
	}
	return clone
}

// Finalize computes the tier-adjusted proportional allocation, mints shares
// through the registry collaborator and locks the ledger. The owner may
// finalize any time after the goal is reached; an admin only after both the
// goal is reached and the deadline has passed, as a fallback against an
// unresponsive owner. The transition is one-way: there is no un-finalize.
func (e *Engine) Finalize(caller [20]byte, registry ShareRegistry) (*AllocationSnapshot, error) {
	if err := e.lock.acquire(); err != nil {
		return nil, err
	}
	defer e.lock.release()
	if e.finalized {
		return nil, ErrAlreadyFinalized
	}
	if registry == nil {
		return nil, fmt.Errorf("vault: share registry required")
	}
	now := e.now()
	switch {
	case e.access.holds(caller, RoleOwner):
		if !e.goalReached {
			return nil, ErrGoalNotReached
		}
	case e.access.holds(caller, RoleAdmin):
		if !e.goalReached {
			return nil, ErrGoalNotReached
		}
		if now <= e.params.Deadline {
			return nil, ErrDeadlineNotPassed
		}
	default:
		return nil, ErrUnauthorized
	}

	// One last full revaluation, then caches become ground truth forever.
	if e.revaluationEnabled {
		e.ledger.RefreshAll(e.repriceFunc(), now)
		e.revaluationEnabled = false
		e.emit(newRevaluationDisabledEvent())
	}

	totalAdjusted := big.NewInt(0)
	if err := e.ledger.EachContributor(func(c *Contributor) error {
		if c.BalanceUSD.Sign() == 0 {
			return nil
		}
		adjusted := new(big.Int).Quo(c.BalanceUSD, big.NewInt(int64(c.TierDivisor)))
		totalAdjusted.Add(totalAdjusted, adjusted)
		return nil
	}); err != nil {
		return nil, err
	}
	if totalAdjusted.Sign() <= 0 {
		return nil, ErrNoValidContributions
	}

	snapshot := &AllocationSnapshot{
		TotalAdjustedUSD: totalAdjusted,
		TotalShares:      big.NewInt(0),
		FinalizedAt:      now,
	}
	if err := e.ledger.EachContributor(func(c *Contributor) error {
		if c.BalanceUSD.Sign() == 0 {
			return nil
		}
		adjusted := new(big.Int).Quo(c.BalanceUSD, big.NewInt(int64(c.TierDivisor)))
		shares := new(big.Int).Mul(adjusted, FixedShareSupply)
		shares.Quo(shares, totalAdjusted)
		snapshot.Allocations = append(snapshot.Allocations, Allocation{
			Addr:        c.Addr,
			Index:       c.Index,
			BalanceUSD:  cloneBigInt(c.BalanceUSD),
			AdjustedUSD: adjusted,
			Shares:      shares,
		})
		snapshot.TotalShares.Add(snapshot.TotalShares, shares)
		return nil
	}); err != nil {
		return nil, err
	}
	snapshot.ID = snapshotID(snapshot)

	// The terminal flag flips before the registry is touched so a reentrant
	// callback observes a finalized engine.
	e.finalized = true
	e.revaluationEnabled = false
	e.snapshot = snapshot

	for _, alloc := range snapshot.Allocations {
		if alloc.Shares.Sign() == 0 {
			continue
		}
		if err := registry.Mint(alloc.Addr, alloc.Index, alloc.Shares); err != nil {
			return nil, fmt.Errorf("vault: share mint failed for position %d: %w", alloc.Index, err)
		}
		descriptor := fmt.Sprintf("position %d: %s USD adjusted, %s shares", alloc.Index, alloc.AdjustedUSD, alloc.Shares)
		if err := registry.SetPositionMetadata(alloc.Index, descriptor); err != nil {
			return nil, fmt.Errorf("vault: position metadata failed for %d: %w", alloc.Index, err)
		}
	}
	e.emit(newFinalizedEvent(snapshot))
	return snapshot.Clone(), nil
}

// snapshotID derives a deterministic identifier over the allocation rows.
func snapshotID(s *AllocationSnapshot) [32]byte {
	payload := make([]byte, 0, len(s.Allocations)*64)
	payload = append(payload, s.TotalAdjustedUSD.Bytes()...)
	for _, alloc := range s.Allocations {
		payload = append(payload, alloc.Addr[:]...)
		payload = append(payload, alloc.AdjustedUSD.Bytes()...)
		payload = append(payload, alloc.Shares.Bytes()...)
	}
	return [32]byte(ethcrypto.Keccak256Hash(payload))
}
