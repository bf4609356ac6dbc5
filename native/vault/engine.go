package vault

import (
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/beradigm/bao-contracts/core/events"
)

// Bank is the boundary to the asset-custody collaborator. Deposited assets
// are already in the vault's custody when the engine is invoked; the bank is
// only asked to move assets out (overflow refunds, full refunds, sweeps).
type Bank interface {
	Transfer(asset string, to [20]byte, amount *big.Int) error
	BalanceOf(asset string) (*big.Int, error)
}

// Engine is the state machine governing deposit acceptance, cap enforcement,
// goal clamping, OTC recording, refunds, dynamic revaluation and
// finalization. Every mutating entry point is wrapped by the reentrancy
// guard and orders state mutation before external asset movement.
type Engine struct {
	params   Params
	ledger   *Ledger
	registry *TokenRegistry
	oracle   *OracleAdapter
	bank     Bank
	emitter  events.Emitter
	access   *accessList
	lock     callLock
	nowFn    func() int64

	goalReached        bool
	finalized          bool
	revaluationEnabled bool
	snapshot           *AllocationSnapshot
}

// NewEngine constructs an engine owned by the supplied address. Dynamic
// revaluation starts enabled and stays so until finalization or an explicit
// administrative disable.
func NewEngine(owner [20]byte, params Params) (*Engine, error) {
	normalised := params.Normalise()
	if err := normalised.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		params:             normalised,
		ledger:             NewLedger(),
		registry:           NewTokenRegistry(),
		emitter:            events.NoopEmitter{},
		access:             newAccessList(owner),
		nowFn:              func() int64 { return time.Now().Unix() },
		revaluationEnabled: true,
	}, nil
}

// SetBank configures the asset-custody collaborator.
func (e *Engine) SetBank(bank Bank) { e.bank = bank }

// SetOracle configures the price oracle adapter.
func (e *Engine) SetOracle(oracle *OracleAdapter) { e.oracle = oracle }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(rec *events.Record) {
	if e == nil || e.emitter == nil || rec == nil {
		return
	}
	e.emitter.Emit(vaultEvent{rec: rec})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// GrantAdmin adds a protocol-admin identity. Owner only.
func (e *Engine) GrantAdmin(caller, admin [20]byte) error {
	if err := e.access.requireRole(caller, RoleOwner); err != nil {
		return err
	}
	e.access.grantAdmin(admin)
	return nil
}

// RevokeAdmin removes a protocol-admin identity. Owner only.
func (e *Engine) RevokeAdmin(caller, admin [20]byte) error {
	if err := e.access.requireRole(caller, RoleOwner); err != nil {
		return err
	}
	e.access.revokeAdmin(admin)
	return nil
}

// DepositNative records a native-currency contribution from the sender.
func (e *Engine) DepositNative(from [20]byte, amount *big.Int) error {
	if err := e.lock.acquire(); err != nil {
		return err
	}
	defer e.lock.release()
	return e.deposit(from, DepositNative, NativeAsset, e.params.NativeDecimals, e.params.NativePriceFeedID, amount)
}

// DepositToken records a contribution in a registered fungible token.
func (e *Engine) DepositToken(from [20]byte, symbol string, amount *big.Int) error {
	if err := e.lock.acquire(); err != nil {
		return err
	}
	defer e.lock.release()
	canonical, err := NormalizeAsset(symbol)
	if err != nil {
		return err
	}
	cfg, ok := e.registry.Config(canonical)
	if !ok || !cfg.Enabled {
		return fmt.Errorf("%w: %s", ErrAssetNotAccepted, canonical)
	}
	return e.deposit(from, DepositToken, canonical, cfg.Decimals, cfg.PriceFeedID, amount)
}

// deposit runs the acceptance protocol shared by native and token paths.
func (e *Engine) deposit(from [20]byte, kind DepositKind, asset string, decimals uint8, feedID string, amount *big.Int) error {
	now := e.now()
	if e.finalized || e.goalReached {
		return ErrGoalAlreadyReached
	}
	if now > e.params.Deadline {
		return ErrDeadlinePassed
	}
	raw := cloneBigInt(amount)
	if raw.Sign() <= 0 {
		return ErrZeroDeposit
	}
	if e.oracle == nil {
		return errNilOracle
	}
	rate, err := e.oracle.UsdRate(feedID, e.params.MaxPriceAge(), e.params.MaxConfidenceBps)
	if err != nil {
		return err
	}
	if rate.Sign() == 0 {
		return fmt.Errorf("%w: no usable price for %s", ErrAssetNotAccepted, asset)
	}
	scale := decimalScale(decimals)
	usdValue := new(big.Int).Mul(raw, rate)
	usdValue.Quo(usdValue, scale)
	if usdValue.Sign() <= 0 {
		return ErrZeroDeposit
	}
	if e.params.MinDepositUSD.Sign() > 0 && usdValue.Cmp(e.params.MinDepositUSD) < 0 {
		return ErrBelowMinimum
	}

	current := e.currentContribution(from)
	if err := e.checkCaps(from, current, usdValue); err != nil {
		return err
	}
	// Tier validation runs before the clamp's refund transfer: once an
	// asset has moved there is no rollback, so every validation that can
	// still fail must come first.
	if err := e.checkTier(from); err != nil {
		return err
	}

	// Amortised full revaluation: at most once per refresh interval, and
	// only while revaluation is still enabled.
	if e.revaluationEnabled && now-e.ledger.LastRefresh() > e.params.RefreshIntervalSeconds {
		e.refreshAll(now)
		if e.goalReached {
			return ErrGoalAlreadyReached
		}
	}

	aggregate := e.ledger.Aggregate()
	gap := new(big.Int).Sub(e.params.GoalUSD, aggregate)
	if gap.Sign() <= 0 {
		return ErrGoalAlreadyReached
	}
	eventType := EventTypeDeposit
	if usdValue.Cmp(gap) > 0 {
		// Goal clamp: truncate the deposit to exactly close the gap and
		// return the unconsumed raw remainder at the same rate. A failed
		// remainder transfer aborts the whole deposit before any state
		// commit.
		clampedRaw := new(big.Int).Mul(gap, scale)
		clampedRaw.Quo(clampedRaw, rate)
		remainder := new(big.Int).Sub(raw, clampedRaw)
		if remainder.Sign() > 0 {
			if e.bank == nil {
				return errNilBank
			}
			if err := e.bank.Transfer(asset, from, remainder); err != nil {
				return fmt.Errorf("vault: overflow refund failed: %w", err)
			}
		}
		raw = clampedRaw
		usdValue = gap
		eventType = EventTypeDepositClamped
	}

	dep := &Deposit{Kind: kind, Asset: asset, RawAmount: raw, USDValue: usdValue}
	contributor, err := e.ledger.ApplyDeposit(from, e.params.TierDivisor, dep, now)
	if err != nil {
		return err
	}
	e.emit(newDepositEvent(eventType, from, dep, contributor.BalanceUSD))
	e.latchGoal()
	return nil
}

// RecordOTC appends an administrator-recorded, value-only contribution. The
// per-contributor cap gates are deliberately skipped: administrators are
// trusted to size OTC deals, which is a documented accepted risk rather than
// an oversight. Goal clamping and latching still apply, with no refund leg
// since there is no on-chain asset to return.
func (e *Engine) RecordOTC(caller, contributor [20]byte, usdValue *big.Int) (string, error) {
	if err := e.lock.acquire(); err != nil {
		return "", err
	}
	defer e.lock.release()
	if err := e.access.requireRole(caller, RoleOwner, RoleAdmin); err != nil {
		return "", err
	}
	now := e.now()
	if e.finalized || e.goalReached {
		return "", ErrGoalAlreadyReached
	}
	if now > e.params.Deadline {
		return "", ErrDeadlinePassed
	}
	value := cloneBigInt(usdValue)
	if value.Sign() <= 0 {
		return "", ErrZeroDeposit
	}
	gap := new(big.Int).Sub(e.params.GoalUSD, e.ledger.Aggregate())
	if gap.Sign() <= 0 {
		return "", ErrGoalAlreadyReached
	}
	if value.Cmp(gap) > 0 {
		value = gap
	}
	if err := e.checkTier(contributor); err != nil {
		return "", err
	}
	receiptID := uuid.NewString()
	row, err := e.ledger.ApplyOTC(contributor, e.params.TierDivisor, value, receiptID, now)
	if err != nil {
		return "", err
	}
	e.emit(newDepositEvent(EventTypeOTCRecorded, contributor, &Deposit{Kind: DepositOTC, USDValue: value, ReceiptID: receiptID}, row.BalanceUSD))
	e.latchGoal()
	return receiptID, nil
}

// ReverseOTC removes a previously recorded OTC entry. Reversal does not
// lower a goal latch already set; only the administrative SetGoalReached
// override can.
func (e *Engine) ReverseOTC(caller [20]byte, receiptID string) error {
	if err := e.lock.acquire(); err != nil {
		return err
	}
	defer e.lock.release()
	if err := e.access.requireRole(caller, RoleOwner, RoleAdmin); err != nil {
		return err
	}
	if e.finalized {
		return ErrAlreadyFinalized
	}
	row, dep, err := e.ledger.ReverseOTC(receiptID, e.now())
	if err != nil {
		return err
	}
	e.emit(newDepositEvent(EventTypeOTCReversed, row.Addr, dep, row.BalanceUSD))
	return nil
}

// Refund returns the caller's full contribution. Available only when the
// goal was never reached and the deadline has passed. State settles before
// any asset moves; OTC entries are silently skipped since they carry nothing
// returnable. The refunded flag is terminal only until the contributor's
// next accepted deposit.
func (e *Engine) Refund(caller [20]byte) error {
	if err := e.lock.acquire(); err != nil {
		return err
	}
	defer e.lock.release()
	now := e.now()
	if e.goalReached || e.finalized {
		return ErrGoalAlreadyReached
	}
	if now <= e.params.Deadline {
		return ErrDeadlineNotPassed
	}
	c, ok := e.ledger.Contributor(caller)
	if !ok {
		return errUnknownContributor
	}
	due := cloneBigInt(c.BalanceUSD)
	if e.revaluationEnabled {
		due = e.ledger.LiveValue(caller, e.repriceFunc())
	}
	cleared, err := e.ledger.ApplyRefund(caller, due, now)
	if err != nil {
		return err
	}
	returned := 0
	for _, dep := range cleared {
		if dep.Kind == DepositOTC {
			continue
		}
		if dep.RawAmount == nil || dep.RawAmount.Sign() <= 0 {
			continue
		}
		if e.bank == nil {
			return errNilBank
		}
		if err := e.bank.Transfer(dep.Asset, caller, dep.RawAmount); err != nil {
			return fmt.Errorf("vault: refund transfer failed for %s: %w", dep.Asset, err)
		}
		returned++
	}
	e.emit(newRefundEvent(caller, due, returned))
	return nil
}

// LiveUSDValue reports the contributor's live USD figure: a full re-pricing
// of their deposit sequence while revaluation is enabled, the cached balance
// afterwards.
func (e *Engine) LiveUSDValue(addr [20]byte) *big.Int {
	if e == nil {
		return big.NewInt(0)
	}
	if !e.revaluationEnabled {
		c, ok := e.ledger.Contributor(addr)
		if !ok {
			return big.NewInt(0)
		}
		return c.BalanceUSD
	}
	return e.ledger.LiveValue(addr, e.repriceFunc())
}

// RefreshAggregate recomputes every contributor's live value, rewrites the
// caches and the aggregate, and raises the goal latch if the fresh total
// crosses the threshold. This is the only path that can grow the raised
// amount purely from price movement. Callable by anyone.
func (e *Engine) RefreshAggregate() (*big.Int, error) {
	if err := e.lock.acquire(); err != nil {
		return nil, err
	}
	defer e.lock.release()
	if e.finalized {
		return nil, ErrAlreadyFinalized
	}
	if !e.revaluationEnabled {
		return e.ledger.Aggregate(), nil
	}
	total := e.refreshAll(e.now())
	return total, nil
}

func (e *Engine) refreshAll(now int64) *big.Int {
	total := e.ledger.RefreshAll(e.repriceFunc(), now)
	e.emit(newRevaluationEvent(total, now))
	e.latchGoal()
	return total
}

// repriceFunc resolves current USD values per deposit during revaluation.
// OTC entries and deposits in since-disabled assets keep their cached value,
// as does any entry whose oracle read fails: per-item graceful degradation
// instead of aborting the whole scan.
func (e *Engine) repriceFunc() RepriceFunc {
	return func(dep *Deposit) (*big.Int, bool) {
		if dep == nil || dep.Kind == DepositOTC {
			return nil, false
		}
		var feedID string
		var decimals uint8
		switch dep.Kind {
		case DepositNative:
			feedID = e.params.NativePriceFeedID
			decimals = e.params.NativeDecimals
		case DepositToken:
			cfg, ok := e.registry.Config(dep.Asset)
			if !ok || !cfg.Enabled {
				return nil, false
			}
			feedID = cfg.PriceFeedID
			decimals = cfg.Decimals
		default:
			return nil, false
		}
		rate, err := e.oracle.UsdRate(feedID, e.params.MaxPriceAge(), e.params.MaxConfidenceBps)
		if err != nil || rate.Sign() == 0 {
			return nil, false
		}
		live := new(big.Int).Mul(dep.RawAmount, rate)
		live.Quo(live, decimalScale(decimals))
		return live, true
	}
}

func (e *Engine) currentContribution(addr [20]byte) *big.Int {
	if e.revaluationEnabled {
		return e.ledger.LiveValue(addr, e.repriceFunc())
	}
	c, ok := e.ledger.Contributor(addr)
	if !ok {
		return big.NewInt(0)
	}
	return c.BalanceUSD
}

func (e *Engine) checkCaps(addr [20]byte, current, usdValue *big.Int) error {
	next := new(big.Int).Add(current, usdValue)
	if e.params.WhitelistCapUSD.Sign() > 0 {
		if !e.ledger.Whitelisted(addr) {
			return ErrNotWhitelisted
		}
		if next.Cmp(e.params.WhitelistCapUSD) > 0 {
			return ErrCapExceeded
		}
		return nil
	}
	if e.params.PublicCapUSD.Sign() > 0 && next.Cmp(e.params.PublicCapUSD) > 0 {
		return ErrCapExceeded
	}
	return nil
}

// checkTier rejects a contribution across two different tiers. A contributor
// whose balance has returned to zero (full refund) re-binds to the active
// tier on the next deposit.
func (e *Engine) checkTier(addr [20]byte) error {
	c, ok := e.ledger.Contributor(addr)
	if !ok {
		return nil
	}
	if c.BalanceUSD.Sign() > 0 && c.TierDivisor != e.params.TierDivisor {
		return ErrTierMismatch
	}
	return nil
}

// latchGoal raises the one-way goal latch once the aggregate meets the goal.
func (e *Engine) latchGoal() {
	if e.goalReached {
		return
	}
	if e.ledger.Aggregate().Cmp(e.params.GoalUSD) >= 0 {
		e.goalReached = true
		e.emit(newGoalReachedEvent(e.ledger.Aggregate(), e.params.GoalUSD))
	}
}

// AddToken enables an asset for contribution. Owner or admin.
func (e *Engine) AddToken(caller [20]byte, symbol, priceFeedID string, decimals uint8) error {
	if err := e.access.requireRole(caller, RoleOwner, RoleAdmin); err != nil {
		return err
	}
	if e.finalized {
		return ErrAlreadyFinalized
	}
	if err := e.registry.AddToken(symbol, priceFeedID, decimals); err != nil {
		return err
	}
	e.emit(newTokenEvent(EventTypeTokenAdded, symbol, priceFeedID))
	return nil
}

// RemoveToken disables an asset. Existing deposits keep their cached value.
func (e *Engine) RemoveToken(caller [20]byte, symbol string) error {
	if err := e.access.requireRole(caller, RoleOwner, RoleAdmin); err != nil {
		return err
	}
	if e.finalized {
		return ErrAlreadyFinalized
	}
	if err := e.registry.RemoveToken(symbol); err != nil {
		return err
	}
	e.emit(newTokenEvent(EventTypeTokenRemoved, symbol, ""))
	return nil
}

// SetWhitelisted flips whitelist membership for an address.
func (e *Engine) SetWhitelisted(caller, addr [20]byte, member bool) error {
	if err := e.access.requireRole(caller, RoleOwner, RoleAdmin); err != nil {
		return err
	}
	e.ledger.SetWhitelisted(addr, member)
	return nil
}

// SetWhitelistCap configures the whitelist-phase cap. Setting a positive cap
// clears the public cap; the two gates never combine.
func (e *Engine) SetWhitelistCap(caller [20]byte, cap *big.Int) error {
	if err := e.access.requireRole(caller, RoleOwner, RoleAdmin); err != nil {
		return err
	}
	e.params.WhitelistCapUSD = cloneBigInt(cap)
	if e.params.WhitelistCapUSD.Sign() > 0 {
		e.params.PublicCapUSD = big.NewInt(0)
	}
	return nil
}

// SetPublicCap configures the public-phase cap, clearing the whitelist cap.
func (e *Engine) SetPublicCap(caller [20]byte, cap *big.Int) error {
	if err := e.access.requireRole(caller, RoleOwner, RoleAdmin); err != nil {
		return err
	}
	e.params.PublicCapUSD = cloneBigInt(cap)
	if e.params.PublicCapUSD.Sign() > 0 {
		e.params.WhitelistCapUSD = big.NewInt(0)
	}
	return nil
}

// SetMinimumDeposit configures the smallest accepted USD value per deposit.
func (e *Engine) SetMinimumDeposit(caller [20]byte, minimum *big.Int) error {
	if err := e.access.requireRole(caller, RoleOwner, RoleAdmin); err != nil {
		return err
	}
	e.params.MinDepositUSD = cloneBigInt(minimum)
	return nil
}

// SetTierDivisor changes the tier applied to contributors entering from now
// on. Rejected after finalization.
func (e *Engine) SetTierDivisor(caller [20]byte, divisor uint32) error {
	if err := e.access.requireRole(caller, RoleOwner, RoleAdmin); err != nil {
		return err
	}
	if e.finalized {
		return ErrAlreadyFinalized
	}
	if divisor == 0 {
		return fmt.Errorf("vault: tier divisor must be positive")
	}
	e.params.TierDivisor = divisor
	return nil
}

// ExtendDeadline pushes the deadline out. Only before the goal is reached,
// and never backwards.
func (e *Engine) ExtendDeadline(caller [20]byte, deadline int64) error {
	if err := e.access.requireRole(caller, RoleOwner, RoleAdmin); err != nil {
		return err
	}
	if e.goalReached || e.finalized {
		return ErrGoalAlreadyReached
	}
	if deadline <= e.params.Deadline {
		return fmt.Errorf("vault: deadline can only move forward")
	}
	e.params.Deadline = deadline
	e.emit(newDeadlineExtendedEvent(deadline))
	return nil
}

// DisableDynamicRevaluation permanently freezes all caches as ground truth.
func (e *Engine) DisableDynamicRevaluation(caller [20]byte) error {
	if err := e.access.requireRole(caller, RoleOwner, RoleAdmin); err != nil {
		return err
	}
	if e.revaluationEnabled {
		e.revaluationEnabled = false
		e.emit(newRevaluationDisabledEvent())
	}
	return nil
}

// SetGoalReached is the administrative override for the goal latch.
func (e *Engine) SetGoalReached(caller [20]byte, reached bool) error {
	if err := e.access.requireRole(caller, RoleOwner, RoleAdmin); err != nil {
		return err
	}
	if e.finalized {
		return ErrAlreadyFinalized
	}
	if reached && !e.goalReached {
		e.goalReached = true
		e.emit(newGoalReachedEvent(e.ledger.Aggregate(), e.params.GoalUSD))
		return nil
	}
	e.goalReached = reached
	return nil
}

// EmergencySweep moves all currently registered assets plus native currency
// to the recovery address. Owner only, and only before finalization.
func (e *Engine) EmergencySweep(caller, recovery [20]byte) error {
	if err := e.lock.acquire(); err != nil {
		return err
	}
	defer e.lock.release()
	if err := e.access.requireRole(caller, RoleOwner); err != nil {
		return err
	}
	if e.finalized {
		return ErrAlreadyFinalized
	}
	if e.bank == nil {
		return errNilBank
	}
	assets := append(e.registry.ActiveTokens(), NativeAsset)
	swept := 0
	for _, asset := range assets {
		balance, err := e.bank.BalanceOf(asset)
		if err != nil {
			return fmt.Errorf("vault: sweep balance lookup failed for %s: %w", asset, err)
		}
		if balance == nil || balance.Sign() <= 0 {
			continue
		}
		if err := e.bank.Transfer(asset, recovery, balance); err != nil {
			return fmt.Errorf("vault: sweep transfer failed for %s: %w", asset, err)
		}
		swept++
	}
	e.emit(newSweepEvent(recovery, swept))
	return nil
}

// PushPriceUpdate forwards fresher oracle payloads ahead of a read.
func (e *Engine) PushPriceUpdate(caller [20]byte, updates [][]byte) (*big.Int, error) {
	if err := e.access.requireRole(caller, RoleOwner, RoleAdmin); err != nil {
		return nil, err
	}
	if e.oracle == nil {
		return nil, errNilOracle
	}
	return e.oracle.PushUpdate(updates)
}

// Observable state surface.

// Aggregate returns the cached USD total raised.
func (e *Engine) Aggregate() *big.Int { return e.ledger.Aggregate() }

// GoalReached reports the goal latch.
func (e *Engine) GoalReached() bool { return e.goalReached }

// Finalized reports whether the round has been finalized.
func (e *Engine) Finalized() bool { return e.finalized }

// RevaluationEnabled reports whether dynamic revaluation is still active.
func (e *Engine) RevaluationEnabled() bool { return e.revaluationEnabled }

// Deadline returns the current contribution deadline.
func (e *Engine) Deadline() int64 { return e.params.Deadline }

// Goal returns the USD funding goal.
func (e *Engine) Goal() *big.Int { return cloneBigInt(e.params.GoalUSD) }

// ContributorOf returns the contributor row for the address.
func (e *Engine) ContributorOf(addr [20]byte) (*Contributor, bool) {
	return e.ledger.Contributor(addr)
}

// DepositsOf returns the contributor's recorded deposit sequence.
func (e *Engine) DepositsOf(addr [20]byte) []*Deposit { return e.ledger.Deposits(addr) }

// ActiveTokens lists the currently enabled assets.
func (e *Engine) ActiveTokens() []string { return e.registry.ActiveTokens() }

// WhitelistMembers lists current whitelist membership.
func (e *Engine) WhitelistMembers() [][20]byte { return e.ledger.WhitelistMembers() }

// Snapshot returns the finalized allocation snapshot, if any.
func (e *Engine) Snapshot() *AllocationSnapshot {
	if e == nil || e.snapshot == nil {
		return nil
	}
	return e.snapshot.Clone()
}

// ExportLedgerCSV renders the contributor table for reconciliation.
func (e *Engine) ExportLedgerCSV() ([]byte, error) { return e.ledger.ExportCSV() }

// LedgerState exports the ledger for snapshot persistence.
func (e *Engine) LedgerState() *LedgerState { return e.ledger.State() }

// RestoreLedger replaces the ledger from a persisted snapshot. Rejected once
// contributions have been recorded or the round is finalized.
func (e *Engine) RestoreLedger(state *LedgerState) error {
	if e.finalized {
		return ErrAlreadyFinalized
	}
	if e.ledger.ContributorCount() > 0 {
		return fmt.Errorf("vault: ledger not empty")
	}
	restored, err := LedgerFromState(state)
	if err != nil {
		return err
	}
	e.ledger = restored
	e.latchGoal()
	return nil
}

func decimalScale(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}
