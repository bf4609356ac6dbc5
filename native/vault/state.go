package vault

import (
	"fmt"
	"math/big"
)

// DepositState is the persistence form of a deposit. Timestamps are unsigned
// for RLP compatibility.
type DepositState struct {
	Kind       uint8
	Asset      string
	RawAmount  *big.Int
	USDValue   *big.Int
	ReceiptID  string
	AcceptedAt uint64
}

// ContributorState is the persistence form of one contributor row plus its
// deposit sequence.
type ContributorState struct {
	Addr        [20]byte
	Index       uint32
	TierDivisor uint32
	BalanceUSD  *big.Int
	CachedAt    uint64
	Refunded    bool
	Whitelisted bool
	Deposits    []DepositState
}

// LedgerState is the exported snapshot of the full ledger, suitable for RLP
// encoding and operator backup.
type LedgerState struct {
	Contributors []ContributorState
	// Whitelist holds whitelisted addresses without a contributor row yet.
	Whitelist   [][20]byte
	Aggregate   *big.Int
	LastRefresh uint64
}

// State exports the ledger.
func (l *Ledger) State() *LedgerState {
	if l == nil {
		return nil
	}
	state := &LedgerState{Aggregate: cloneBigInt(l.aggregate)}
	if l.lastRefresh > 0 {
		state.LastRefresh = uint64(l.lastRefresh)
	}
	for _, c := range l.contributors {
		row := ContributorState{
			Addr:        c.Addr,
			Index:       c.Index,
			TierDivisor: c.TierDivisor,
			BalanceUSD:  cloneBigInt(c.BalanceUSD),
			Refunded:    c.Refunded,
			Whitelisted: l.whitelist[c.Addr],
		}
		if c.CachedAt > 0 {
			row.CachedAt = uint64(c.CachedAt)
		}
		for _, dep := range l.deposits[c.Addr] {
			stored := DepositState{
				Kind:      uint8(dep.Kind),
				Asset:     dep.Asset,
				RawAmount: cloneBigInt(dep.RawAmount),
				USDValue:  cloneBigInt(dep.USDValue),
				ReceiptID: dep.ReceiptID,
			}
			if dep.AcceptedAt > 0 {
				stored.AcceptedAt = uint64(dep.AcceptedAt)
			}
			row.Deposits = append(row.Deposits, stored)
		}
		state.Contributors = append(state.Contributors, row)
	}
	for addr := range l.whitelist {
		if _, ok := l.byAddr[addr]; ok {
			continue
		}
		state.Whitelist = append(state.Whitelist, addr)
	}
	return state
}

// LedgerFromState rebuilds a ledger from a persisted snapshot, validating
// table ordering and the OTC value-only invariant.
func LedgerFromState(state *LedgerState) (*Ledger, error) {
	if state == nil {
		return nil, fmt.Errorf("vault: nil ledger state")
	}
	l := NewLedger()
	for i, row := range state.Contributors {
		if int(row.Index) != i {
			return nil, fmt.Errorf("vault: contributor table out of order at %d", i)
		}
		c := &Contributor{
			Addr:        row.Addr,
			Index:       row.Index,
			TierDivisor: row.TierDivisor,
			BalanceUSD:  cloneBigInt(row.BalanceUSD),
			CachedAt:    int64(row.CachedAt),
			Refunded:    row.Refunded,
		}
		if c.TierDivisor == 0 {
			c.TierDivisor = 1
		}
		l.contributors = append(l.contributors, c)
		l.byAddr[row.Addr] = c
		if row.Whitelisted {
			l.whitelist[row.Addr] = true
		}
		for _, stored := range row.Deposits {
			kind := DepositKind(stored.Kind)
			if !kind.Valid() {
				return nil, fmt.Errorf("vault: invalid deposit kind %d", stored.Kind)
			}
			if kind == DepositOTC && stored.RawAmount != nil && stored.RawAmount.Sign() != 0 {
				return nil, fmt.Errorf("vault: OTC entry with raw amount in snapshot")
			}
			l.deposits[row.Addr] = append(l.deposits[row.Addr], &Deposit{
				Kind:       kind,
				Asset:      stored.Asset,
				RawAmount:  cloneBigInt(stored.RawAmount),
				USDValue:   cloneBigInt(stored.USDValue),
				ReceiptID:  stored.ReceiptID,
				AcceptedAt: int64(stored.AcceptedAt),
			})
		}
	}
	for _, addr := range state.Whitelist {
		l.whitelist[addr] = true
	}
	l.aggregate = cloneBigInt(state.Aggregate)
	l.lastRefresh = int64(state.LastRefresh)
	return l, nil
}
