package vault

import (
	"bytes"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
)

// RepriceFunc resolves the current USD value of a single deposit during live
// revaluation. The boolean reports whether a live price was obtained; when
// false the caller keeps the deposit's originally cached value.
type RepriceFunc func(dep *Deposit) (*big.Int, bool)

// Ledger is the per-contributor record of every deposit, the append-only
// contributor table and the running USD aggregate. All mutation flows through
// the Apply*/Refresh methods; the aggregate is never written directly by
// callers, which is what keeps the cache invariant enforceable in one place.
type Ledger struct {
	contributors []*Contributor
	byAddr       map[[20]byte]*Contributor
	deposits     map[[20]byte][]*Deposit
	whitelist    map[[20]byte]bool
	aggregate    *big.Int
	lastRefresh  int64
}

// NewLedger constructs an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		byAddr:    make(map[[20]byte]*Contributor),
		deposits:  make(map[[20]byte][]*Deposit),
		whitelist: make(map[[20]byte]bool),
		aggregate: big.NewInt(0),
	}
}

// Contributor returns a copy of the contributor row.
func (l *Ledger) Contributor(addr [20]byte) (*Contributor, bool) {
	if l == nil {
		return nil, false
	}
	c, ok := l.byAddr[addr]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// ContributorCount reports the length of the contributor table, refunded
// rows included.
func (l *Ledger) ContributorCount() int {
	if l == nil {
		return 0
	}
	return len(l.contributors)
}

// Deposits returns a copy of the contributor's ordered deposit sequence.
func (l *Ledger) Deposits(addr [20]byte) []*Deposit {
	if l == nil {
		return nil
	}
	seq := l.deposits[addr]
	out := make([]*Deposit, 0, len(seq))
	for _, dep := range seq {
		out = append(out, dep.Clone())
	}
	return out
}

// Aggregate returns the cached USD total across all contributors.
func (l *Ledger) Aggregate() *big.Int {
	if l == nil {
		return big.NewInt(0)
	}
	return cloneBigInt(l.aggregate)
}

// LastRefresh returns the unix timestamp of the last full revaluation pass.
func (l *Ledger) LastRefresh() int64 {
	if l == nil {
		return 0
	}
	return l.lastRefresh
}

// SetWhitelisted flips whitelist membership for the address. Membership may
// be granted before the first deposit.
func (l *Ledger) SetWhitelisted(addr [20]byte, member bool) {
	if l == nil {
		return
	}
	if member {
		l.whitelist[addr] = true
		return
	}
	delete(l.whitelist, addr)
}

// Whitelisted reports whitelist membership.
func (l *Ledger) Whitelisted(addr [20]byte) bool {
	if l == nil {
		return false
	}
	return l.whitelist[addr]
}

// WhitelistMembers returns the current whitelist as a slice of addresses.
func (l *Ledger) WhitelistMembers() [][20]byte {
	if l == nil {
		return nil
	}
	out := make([][20]byte, 0, len(l.whitelist))
	for addr := range l.whitelist {
		out = append(out, addr)
	}
	return out
}

// register binds the address into the contributor table at the next index
// with the supplied tier divisor. Existing rows are returned as-is.
func (l *Ledger) register(addr [20]byte, tierDivisor uint32) *Contributor {
	if c, ok := l.byAddr[addr]; ok {
		return c
	}
	c := &Contributor{
		Addr:        addr,
		Index:       uint32(len(l.contributors)),
		TierDivisor: tierDivisor,
		BalanceUSD:  big.NewInt(0),
	}
	l.contributors = append(l.contributors, c)
	l.byAddr[addr] = c
	return c
}

// ApplyDeposit appends the deposit to the contributor's sequence, creating
// the contributor row on first contact, and adds the USD value to both the
// cached balance and the aggregate. A standing refunded flag is cleared:
// re-entry after a full refund resets the terminal state.
func (l *Ledger) ApplyDeposit(addr [20]byte, tierDivisor uint32, dep *Deposit, now int64) (*Contributor, error) {
	if l == nil {
		return nil, fmt.Errorf("vault: ledger not initialised")
	}
	if dep == nil || !dep.Kind.Valid() {
		return nil, fmt.Errorf("vault: invalid deposit record")
	}
	if dep.Kind == DepositOTC && dep.RawAmount != nil && dep.RawAmount.Sign() != 0 {
		return nil, fmt.Errorf("vault: OTC deposits are value-only")
	}
	c := l.register(addr, tierDivisor)
	if c.BalanceUSD.Sign() == 0 {
		// A zero balance means either first contact or a fully refunded
		// contributor re-entering; both re-bind the tier.
		c.TierDivisor = tierDivisor
	}
	stored := dep.Clone()
	stored.AcceptedAt = now
	l.deposits[addr] = append(l.deposits[addr], stored)
	c.BalanceUSD = new(big.Int).Add(c.BalanceUSD, stored.USDValue)
	c.CachedAt = now
	c.Refunded = false
	l.aggregate = new(big.Int).Add(l.aggregate, stored.USDValue)
	return c.Clone(), nil
}

// ApplyRefund zeroes the contributor's cached balance, decrements the
// aggregate by the supplied due figure (floored at zero), clears the deposit
// sequence and sets the refunded flag. The cleared sequence is returned so
// the engine can return the non-OTC assets after state is settled.
func (l *Ledger) ApplyRefund(addr [20]byte, due *big.Int, now int64) ([]*Deposit, error) {
	if l == nil {
		return nil, fmt.Errorf("vault: ledger not initialised")
	}
	c, ok := l.byAddr[addr]
	if !ok {
		return nil, errUnknownContributor
	}
	amount := cloneBigInt(due)
	if amount.Sign() <= 0 {
		return nil, ErrNothingToRefund
	}
	if c.Refunded {
		return nil, ErrAlreadyRefunded
	}
	cleared := l.deposits[addr]
	delete(l.deposits, addr)
	c.BalanceUSD = big.NewInt(0)
	c.CachedAt = now
	c.Refunded = true
	next := new(big.Int).Sub(l.aggregate, amount)
	if next.Sign() < 0 {
		next = big.NewInt(0)
	}
	l.aggregate = next
	return cleared, nil
}

// ApplyOTC appends a value-only entry for the contributor.
func (l *Ledger) ApplyOTC(addr [20]byte, tierDivisor uint32, usdValue *big.Int, receiptID string, now int64) (*Contributor, error) {
	dep := &Deposit{
		Kind:      DepositOTC,
		RawAmount: big.NewInt(0),
		USDValue:  cloneBigInt(usdValue),
		ReceiptID: receiptID,
	}
	return l.ApplyDeposit(addr, tierDivisor, dep, now)
}

// ReverseOTC removes the OTC entry with the supplied receipt id, deducting
// its value from the contributor's cache and the aggregate.
func (l *Ledger) ReverseOTC(receiptID string, now int64) (*Contributor, *Deposit, error) {
	if l == nil {
		return nil, nil, fmt.Errorf("vault: ledger not initialised")
	}
	for addr, seq := range l.deposits {
		for i, dep := range seq {
			if dep.Kind != DepositOTC || dep.ReceiptID != receiptID {
				continue
			}
			c := l.byAddr[addr]
			l.deposits[addr] = append(seq[:i], seq[i+1:]...)
			c.BalanceUSD = new(big.Int).Sub(c.BalanceUSD, dep.USDValue)
			if c.BalanceUSD.Sign() < 0 {
				c.BalanceUSD = big.NewInt(0)
			}
			c.CachedAt = now
			next := new(big.Int).Sub(l.aggregate, dep.USDValue)
			if next.Sign() < 0 {
				next = big.NewInt(0)
			}
			l.aggregate = next
			return c.Clone(), dep.Clone(), nil
		}
	}
	return nil, nil, errUnknownReceipt
}

// LiveValue replays the contributor's deposit sequence through the reprice
// callback. Entries the callback declines (OTC, disabled assets, oracle
// failures) keep their originally cached USD value: a frozen carry-forward,
// not a live figure.
func (l *Ledger) LiveValue(addr [20]byte, reprice RepriceFunc) *big.Int {
	if l == nil {
		return big.NewInt(0)
	}
	total := big.NewInt(0)
	for _, dep := range l.deposits[addr] {
		value := dep.USDValue
		if reprice != nil {
			if live, ok := reprice(dep); ok {
				value = live
			}
		}
		total.Add(total, value)
	}
	return total
}

// RefreshAll recomputes every non-refunded contributor's live value,
// overwrites their cache and rebuilds the aggregate from the fresh sums.
// Immediately after a call the refresh-consistency invariant holds: the
// aggregate equals the sum of live values over non-refunded contributors.
func (l *Ledger) RefreshAll(reprice RepriceFunc, now int64) *big.Int {
	if l == nil {
		return big.NewInt(0)
	}
	total := big.NewInt(0)
	for _, c := range l.contributors {
		if c.Refunded {
			continue
		}
		live := l.LiveValue(c.Addr, reprice)
		c.BalanceUSD = live
		c.CachedAt = now
		total.Add(total, live)
	}
	l.aggregate = new(big.Int).Set(total)
	l.lastRefresh = now
	return cloneBigInt(total)
}

// EachContributor invokes fn for every row of the contributor table in index
// order, passing a copy. Iteration stops on the first error.
func (l *Ledger) EachContributor(fn func(*Contributor) error) error {
	if l == nil || fn == nil {
		return nil
	}
	for _, c := range l.contributors {
		if err := fn(c.Clone()); err != nil {
			return err
		}
	}
	return nil
}

// ExportCSV renders the contributor table deterministically for off-chain
// reconciliation. Columns follow table index order.
func (l *Ledger) ExportCSV() ([]byte, error) {
	if l == nil {
		return nil, fmt.Errorf("vault: ledger not initialised")
	}
	buf := &bytes.Buffer{}
	writer := csv.NewWriter(buf)
	header := []string{"index", "address", "tierDivisor", "balanceUsd", "cachedAt", "refunded", "whitelisted", "deposits"}
	if err := writer.Write(header); err != nil {
		return nil, err
	}
	for _, c := range l.contributors {
		row := []string{
			strconv.FormatUint(uint64(c.Index), 10),
			hex.EncodeToString(c.Addr[:]),
			strconv.FormatUint(uint64(c.TierDivisor), 10),
			c.BalanceUSD.String(),
			strconv.FormatInt(c.CachedAt, 10),
			strconv.FormatBool(c.Refunded),
			strconv.FormatBool(l.whitelist[c.Addr]),
			strconv.Itoa(len(l.deposits[c.Addr])),
		}
		if err := writer.Write(row); err != nil {
			return nil, err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
