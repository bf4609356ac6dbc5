package vault

import (
	"errors"
	"fmt"
	"math/big"
	"testing"
)

const nativeFeed = "native-usd"

func addr(last byte) [20]byte {
	var out [20]byte
	out[19] = last
	return out
}

func usd(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), oneUsd)
}

func units(n int64, decimals uint8) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), decimalScale(decimals))
}

type bankTransfer struct {
	asset  string
	to     [20]byte
	amount *big.Int
}

type mockBank struct {
	holdings  map[string]*big.Int
	transfers []bankTransfer
	failAsset string
}

func newMockBank() *mockBank {
	return &mockBank{holdings: make(map[string]*big.Int)}
}

func (b *mockBank) Transfer(asset string, to [20]byte, amount *big.Int) error {
	if asset == b.failAsset {
		return fmt.Errorf("transfer rejected for %s", asset)
	}
	b.transfers = append(b.transfers, bankTransfer{asset: asset, to: to, amount: new(big.Int).Set(amount)})
	return nil
}

func (b *mockBank) BalanceOf(asset string) (*big.Int, error) {
	if bal, ok := b.holdings[asset]; ok {
		return new(big.Int).Set(bal), nil
	}
	return big.NewInt(0), nil
}

func (b *mockBank) lastTransfer() *bankTransfer {
	if len(b.transfers) == 0 {
		return nil
	}
	return &b.transfers[len(b.transfers)-1]
}

type testVault struct {
	engine *Engine
	source *ManualPriceSource
	bank   *mockBank
	owner  [20]byte
	admin  [20]byte
	now    int64
}

func newTestVault(t *testing.T, goal int64) *testVault {
	t.Helper()
	tv := &testVault{owner: addr(0xEE), admin: addr(0xAD), now: 100}
	engine, err := NewEngine(tv.owner, Params{
		GoalUSD:            usd(goal),
		Deadline:           10_000,
		NativePriceFeedID:  nativeFeed,
		MaxPriceAgeSeconds: 300,
		MaxConfidenceBps:   500,
	})
	if err != nil {
		t.Fatalf("engine construction failed: %v", err)
	}
	tv.engine = engine
	tv.source = NewManualPriceSource()
	tv.source.SetNowFunc(func() int64 { return tv.now })
	tv.bank = newMockBank()
	engine.SetOracle(NewOracleAdapter(tv.source))
	engine.SetBank(tv.bank)
	engine.SetNowFunc(func() int64 { return tv.now })
	if err := engine.GrantAdmin(tv.owner, tv.admin); err != nil {
		t.Fatalf("grant admin failed: %v", err)
	}
	tv.setPrice(nativeFeed, 1)
	return tv
}

// setPrice publishes a whole-dollar price for the feed at the current clock.
func (tv *testVault) setPrice(feed string, dollars int64) {
	tv.source.Set(feed, PriceData{Mantissa: dollars * 100_000_000, Exponent: -8, PublishTime: tv.now})
}

func (tv *testVault) addToken(t *testing.T, symbol, feed string, decimals uint8, dollars int64) {
	t.Helper()
	tv.setPrice(feed, dollars)
	if err := tv.engine.AddToken(tv.owner, symbol, feed, decimals); err != nil {
		t.Fatalf("add token %s failed: %v", symbol, err)
	}
}

func TestDepositNativeRecordsUsdValue(t *testing.T) {
	tv := newTestVault(t, 250_000)
	tv.setPrice(nativeFeed, 2)
	alice := addr(0x01)

	if err := tv.engine.DepositNative(alice, units(60, 18)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	c, ok := tv.engine.ContributorOf(alice)
	if !ok {
		t.Fatalf("contributor row missing")
	}
	if c.Index != 0 {
		t.Fatalf("index = %d, want 0", c.Index)
	}
	if c.BalanceUSD.Cmp(usd(120)) != 0 {
		t.Fatalf("balance = %s, want %s", c.BalanceUSD, usd(120))
	}
	if tv.engine.Aggregate().Cmp(usd(120)) != 0 {
		t.Fatalf("aggregate = %s, want %s", tv.engine.Aggregate(), usd(120))
	}
	deposits := tv.engine.DepositsOf(alice)
	if len(deposits) != 1 || deposits[0].Kind != DepositNative {
		t.Fatalf("unexpected deposit sequence: %+v", deposits)
	}
}

func TestDepositStatePreconditions(t *testing.T) {
	tv := newTestVault(t, 1000)
	alice := addr(0x01)

	if err := tv.engine.DepositNative(alice, big.NewInt(0)); !errors.Is(err, ErrZeroDeposit) {
		t.Fatalf("zero deposit: %v", err)
	}
	if err := tv.engine.DepositToken(alice, "TOKA", units(1, 6)); !errors.Is(err, ErrAssetNotAccepted) {
		t.Fatalf("unregistered token: %v", err)
	}
	if err := tv.engine.SetGoalReached(tv.owner, true); err != nil {
		t.Fatalf("force goal: %v", err)
	}
	if err := tv.engine.DepositNative(alice, units(1, 18)); !errors.Is(err, ErrGoalAlreadyReached) {
		t.Fatalf("deposit after goal: %v", err)
	}
	if err := tv.engine.SetGoalReached(tv.owner, false); err != nil {
		t.Fatalf("clear goal: %v", err)
	}
	tv.now = 20_000
	tv.setPrice(nativeFeed, 1)
	if err := tv.engine.DepositNative(alice, units(1, 18)); !errors.Is(err, ErrDeadlinePassed) {
		t.Fatalf("deposit after deadline: %v", err)
	}
}

func TestDepositMinimumSize(t *testing.T) {
	tv := newTestVault(t, 1000)
	if err := tv.engine.SetMinimumDeposit(tv.owner, usd(50)); err != nil {
		t.Fatalf("set minimum: %v", err)
	}
	alice := addr(0x01)
	if err := tv.engine.DepositNative(alice, units(49, 18)); !errors.Is(err, ErrBelowMinimum) {
		t.Fatalf("below minimum: %v", err)
	}
	if err := tv.engine.DepositNative(alice, units(50, 18)); err != nil {
		t.Fatalf("at minimum rejected: %v", err)
	}
}

func TestWhitelistCapGate(t *testing.T) {
	tv := newTestVault(t, 250_000)
	if err := tv.engine.SetWhitelistCap(tv.owner, usd(1000)); err != nil {
		t.Fatalf("set cap: %v", err)
	}
	alice := addr(0x01)
	if err := tv.engine.DepositNative(alice, units(100, 18)); !errors.Is(err, ErrNotWhitelisted) {
		t.Fatalf("non-member deposit: %v", err)
	}
	if err := tv.engine.SetWhitelisted(tv.owner, alice, true); err != nil {
		t.Fatalf("whitelist: %v", err)
	}
	if err := tv.engine.DepositNative(alice, units(900, 18)); err != nil {
		t.Fatalf("member deposit failed: %v", err)
	}
	if err := tv.engine.DepositNative(alice, units(101, 18)); !errors.Is(err, ErrCapExceeded) {
		t.Fatalf("over cap: %v", err)
	}
	// Exactly filling the cap is allowed.
	if err := tv.engine.DepositNative(alice, units(100, 18)); err != nil {
		t.Fatalf("deposit to exact cap failed: %v", err)
	}
}

func TestPublicCapGate(t *testing.T) {
	tv := newTestVault(t, 250_000)
	if err := tv.engine.SetPublicCap(tv.owner, usd(500)); err != nil {
		t.Fatalf("set cap: %v", err)
	}
	alice := addr(0x01)
	if err := tv.engine.DepositNative(alice, units(501, 18)); !errors.Is(err, ErrCapExceeded) {
		t.Fatalf("over public cap: %v", err)
	}
	if err := tv.engine.DepositNative(alice, units(500, 18)); err != nil {
		t.Fatalf("deposit at public cap failed: %v", err)
	}
}

func TestTierImmutableAfterFirstDeposit(t *testing.T) {
	tv := newTestVault(t, 250_000)
	alice := addr(0x01)
	if err := tv.engine.DepositNative(alice, units(100, 18)); err != nil {
		t.Fatalf("first deposit failed: %v", err)
	}
	if err := tv.engine.SetTierDivisor(tv.owner, 2); err != nil {
		t.Fatalf("set tier: %v", err)
	}
	if err := tv.engine.DepositNative(alice, units(100, 18)); !errors.Is(err, ErrTierMismatch) {
		t.Fatalf("cross-tier deposit: %v", err)
	}
	// A fresh contributor binds to the new tier.
	bob := addr(0x02)
	if err := tv.engine.DepositNative(bob, units(100, 18)); err != nil {
		t.Fatalf("new-tier deposit failed: %v", err)
	}
	c, _ := tv.engine.ContributorOf(bob)
	if c.TierDivisor != 2 {
		t.Fatalf("bob tier = %d, want 2", c.TierDivisor)
	}
}

func TestGoalExactBoundaryAcceptedInFull(t *testing.T) {
	tv := newTestVault(t, 1000)
	alice := addr(0x01)
	if err := tv.engine.DepositNative(alice, units(1000, 18)); err != nil {
		t.Fatalf("exact-goal deposit failed: %v", err)
	}
	if len(tv.bank.transfers) != 0 {
		t.Fatalf("exact-goal deposit must not trigger a remainder refund")
	}
	if !tv.engine.GoalReached() {
		t.Fatalf("goal latch not raised")
	}
	if tv.engine.Aggregate().Cmp(usd(1000)) != 0 {
		t.Fatalf("aggregate = %s, want %s", tv.engine.Aggregate(), usd(1000))
	}
}

func TestGoalClampRefundsRemainder(t *testing.T) {
	tv := newTestVault(t, 1000)
	alice := addr(0x01)
	if err := tv.engine.DepositNative(alice, units(990, 18)); err != nil {
		t.Fatalf("seed deposit failed: %v", err)
	}
	// One cent over the remaining gap: 10.01 against a 10 USD gap.
	over := new(big.Int).Add(units(10, 18), new(big.Int).Div(oneUsd, big.NewInt(100)))
	if err := tv.engine.DepositNative(alice, over); err != nil {
		t.Fatalf("clamped deposit failed: %v", err)
	}
	if tv.engine.Aggregate().Cmp(usd(1000)) != 0 {
		t.Fatalf("aggregate = %s, want exactly the goal", tv.engine.Aggregate())
	}
	if !tv.engine.GoalReached() {
		t.Fatalf("goal latch not raised")
	}
	refund := tv.bank.lastTransfer()
	if refund == nil || refund.to != alice {
		t.Fatalf("remainder not refunded to sender")
	}
	cent := new(big.Int).Div(oneUsd, big.NewInt(100))
	if refund.amount.Cmp(cent) != 0 {
		t.Fatalf("remainder = %s, want %s", refund.amount, cent)
	}
}

func TestClampRefundFailureAbortsDeposit(t *testing.T) {
	tv := newTestVault(t, 1000)
	alice := addr(0x01)
	if err := tv.engine.DepositNative(alice, units(990, 18)); err != nil {
		t.Fatalf("seed deposit failed: %v", err)
	}
	tv.bank.failAsset = NativeAsset
	if err := tv.engine.DepositNative(alice, units(20, 18)); err == nil {
		t.Fatalf("expected hard abort when remainder refund fails")
	}
	if tv.engine.Aggregate().Cmp(usd(990)) != 0 {
		t.Fatalf("aggregate mutated despite abort: %s", tv.engine.Aggregate())
	}
	if tv.engine.GoalReached() {
		t.Fatalf("goal latched despite abort")
	}
	if got := len(tv.engine.DepositsOf(alice)); got != 1 {
		t.Fatalf("deposit sequence length = %d, want 1", got)
	}
}

func TestRefundRoundTrip(t *testing.T) {
	tv := newTestVault(t, 250_000)
	tv.addToken(t, "TOKA", "toka-usd", 6, 2)
	alice := addr(0x01)
	if err := tv.engine.DepositNative(alice, units(100, 18)); err != nil {
		t.Fatalf("native deposit failed: %v", err)
	}
	if err := tv.engine.DepositToken(alice, "TOKA", units(50, 6)); err != nil {
		t.Fatalf("token deposit failed: %v", err)
	}
	if _, err := tv.engine.RecordOTC(tv.admin, alice, usd(25)); err != nil {
		t.Fatalf("otc record failed: %v", err)
	}

	if err := tv.engine.Refund(alice); !errors.Is(err, ErrDeadlineNotPassed) {
		t.Fatalf("refund before deadline: %v", err)
	}
	tv.now = 20_000
	tv.setPrice(nativeFeed, 1)
	tv.setPrice("toka-usd", 2)
	if err := tv.engine.Refund(alice); err != nil {
		t.Fatalf("refund failed: %v", err)
	}

	c, _ := tv.engine.ContributorOf(alice)
	if c.BalanceUSD.Sign() != 0 {
		t.Fatalf("balance after refund = %s, want 0", c.BalanceUSD)
	}
	if !c.Refunded {
		t.Fatalf("refunded flag not set")
	}
	if got := len(tv.engine.DepositsOf(alice)); got != 0 {
		t.Fatalf("deposit records remain after refund: %d", got)
	}
	if tv.engine.Aggregate().Sign() != 0 {
		t.Fatalf("aggregate after refund = %s, want 0", tv.engine.Aggregate())
	}
	// Two asset returns; the OTC entry is silently skipped.
	if len(tv.bank.transfers) != 2 {
		t.Fatalf("transfers = %d, want 2", len(tv.bank.transfers))
	}
	if err := tv.engine.Refund(alice); !errors.Is(err, ErrNothingToRefund) {
		t.Fatalf("double refund: %v", err)
	}

	// Re-entry after a deadline extension creates fresh records and clears
	// the terminal flag.
	if err := tv.engine.ExtendDeadline(tv.owner, 30_000); err != nil {
		t.Fatalf("extend deadline: %v", err)
	}
	if err := tv.engine.DepositNative(alice, units(10, 18)); err != nil {
		t.Fatalf("re-deposit failed: %v", err)
	}
	c, _ = tv.engine.ContributorOf(alice)
	if c.Refunded {
		t.Fatalf("refunded flag not cleared by re-deposit")
	}
	if c.BalanceUSD.Cmp(usd(10)) != 0 {
		t.Fatalf("re-deposit balance = %s, want %s", c.BalanceUSD, usd(10))
	}
	if got := len(tv.engine.DepositsOf(alice)); got != 1 {
		t.Fatalf("fresh deposit records = %d, want 1", got)
	}
}

func TestRefreshAggregateIdempotent(t *testing.T) {
	tv := newTestVault(t, 250_000)
	alice := addr(0x01)
	if err := tv.engine.DepositNative(alice, units(500, 18)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	first, err := tv.engine.RefreshAggregate()
	if err != nil {
		t.Fatalf("first refresh failed: %v", err)
	}
	second, err := tv.engine.RefreshAggregate()
	if err != nil {
		t.Fatalf("second refresh failed: %v", err)
	}
	if first.Cmp(second) != 0 {
		t.Fatalf("refresh not idempotent: %s vs %s", first, second)
	}
}

func TestRefreshAggregateTracksPriceMovement(t *testing.T) {
	tv := newTestVault(t, 1000)
	alice := addr(0x01)
	bob := addr(0x02)
	if err := tv.engine.DepositNative(alice, units(300, 18)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if err := tv.engine.DepositNative(bob, units(300, 18)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	// Price doubles: a refresh alone crosses the goal with no new assets.
	tv.setPrice(nativeFeed, 2)
	total, err := tv.engine.RefreshAggregate()
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if total.Cmp(usd(1200)) != 0 {
		t.Fatalf("aggregate = %s, want %s", total, usd(1200))
	}
	if !tv.engine.GoalReached() {
		t.Fatalf("goal latch not raised by revaluation")
	}
	// Invariant: aggregate equals the sum of live values after refresh.
	sum := new(big.Int).Add(tv.engine.LiveUSDValue(alice), tv.engine.LiveUSDValue(bob))
	if sum.Cmp(tv.engine.Aggregate()) != 0 {
		t.Fatalf("live sum %s != aggregate %s", sum, tv.engine.Aggregate())
	}
}

func TestRevaluationFreezesDisabledAssetsAndOTC(t *testing.T) {
	tv := newTestVault(t, 250_000)
	tv.addToken(t, "TOKA", "toka-usd", 6, 2)
	alice := addr(0x01)
	if err := tv.engine.DepositToken(alice, "TOKA", units(50, 6)); err != nil {
		t.Fatalf("token deposit failed: %v", err)
	}
	if _, err := tv.engine.RecordOTC(tv.admin, alice, usd(40)); err != nil {
		t.Fatalf("otc failed: %v", err)
	}
	if err := tv.engine.RemoveToken(tv.owner, "TOKA"); err != nil {
		t.Fatalf("remove token failed: %v", err)
	}
	// Price would now value the tokens at 200 USD, but the asset is
	// disabled, so the cached 100 USD carries forward; OTC stays frozen.
	tv.setPrice("toka-usd", 4)
	live := tv.engine.LiveUSDValue(alice)
	if live.Cmp(usd(140)) != 0 {
		t.Fatalf("live value = %s, want %s", live, usd(140))
	}
}

func TestRevaluationFallsBackPerItemOnOracleFailure(t *testing.T) {
	tv := newTestVault(t, 250_000)
	tv.addToken(t, "TOKA", "toka-usd", 6, 2)
	alice := addr(0x01)
	if err := tv.engine.DepositNative(alice, units(100, 18)); err != nil {
		t.Fatalf("native deposit failed: %v", err)
	}
	if err := tv.engine.DepositToken(alice, "TOKA", units(50, 6)); err != nil {
		t.Fatalf("token deposit failed: %v", err)
	}
	// The token feed goes stale; the native leg reprices, the token leg
	// keeps its cached value instead of aborting the whole computation.
	tv.now = 2000
	tv.setPrice(nativeFeed, 3)
	live := tv.engine.LiveUSDValue(alice)
	if live.Cmp(usd(400)) != 0 {
		t.Fatalf("live value = %s, want %s", live, usd(400))
	}
}

func TestOtcSkipsCapValidation(t *testing.T) {
	tv := newTestVault(t, 250_000)
	if err := tv.engine.SetWhitelistCap(tv.owner, usd(1000)); err != nil {
		t.Fatalf("set cap: %v", err)
	}
	alice := addr(0x01)
	if err := tv.engine.SetWhitelisted(tv.owner, alice, true); err != nil {
		t.Fatalf("whitelist: %v", err)
	}
	if err := tv.engine.DepositNative(alice, units(100, 18)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	// The OTC path does not re-check the cap; 100 + 900 = exactly 1000.
	if _, err := tv.engine.RecordOTC(tv.admin, alice, usd(900)); err != nil {
		t.Fatalf("otc at cap boundary must not fail: %v", err)
	}
	c, _ := tv.engine.ContributorOf(alice)
	if c.BalanceUSD.Cmp(usd(1000)) != 0 {
		t.Fatalf("balance = %s, want %s", c.BalanceUSD, usd(1000))
	}
}

func TestOtcClampAndReverse(t *testing.T) {
	tv := newTestVault(t, 1000)
	alice := addr(0x01)
	if err := tv.engine.DepositNative(alice, units(900, 18)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	// Recorded at the clamped value only; there is no refund leg.
	receipt, err := tv.engine.RecordOTC(tv.admin, alice, usd(500))
	if err != nil {
		t.Fatalf("otc failed: %v", err)
	}
	if tv.engine.Aggregate().Cmp(usd(1000)) != 0 {
		t.Fatalf("aggregate = %s, want goal", tv.engine.Aggregate())
	}
	if !tv.engine.GoalReached() {
		t.Fatalf("goal latch not raised by otc")
	}
	if err := tv.engine.ReverseOTC(tv.admin, receipt); err != nil {
		t.Fatalf("reverse failed: %v", err)
	}
	if tv.engine.Aggregate().Cmp(usd(900)) != 0 {
		t.Fatalf("aggregate after reversal = %s, want %s", tv.engine.Aggregate(), usd(900))
	}
	// Reversal does not lower the latch; only the admin override can.
	if !tv.engine.GoalReached() {
		t.Fatalf("goal latch lowered by reversal")
	}
	if err := tv.engine.ReverseOTC(tv.admin, receipt); err == nil {
		t.Fatalf("double reversal must fail")
	}
}

func TestAuthorizationSurface(t *testing.T) {
	tv := newTestVault(t, 1000)
	mallory := addr(0x66)
	if _, err := tv.engine.RecordOTC(mallory, mallory, usd(10)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("otc by outsider: %v", err)
	}
	if err := tv.engine.AddToken(mallory, "TOKA", "feed", 6); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("add token by outsider: %v", err)
	}
	if err := tv.engine.SetGoalReached(mallory, true); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("force goal by outsider: %v", err)
	}
	if err := tv.engine.EmergencySweep(mallory, mallory); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("sweep by outsider: %v", err)
	}
	if err := tv.engine.GrantAdmin(tv.admin, mallory); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("admin must not grant admin: %v", err)
	}
}

type reentrantBank struct {
	*mockBank
	engine *Engine
	caught error
}

func (b *reentrantBank) Transfer(asset string, to [20]byte, amount *big.Int) error {
	// A hostile recipient tries to call back into the engine mid-transfer.
	b.caught = b.engine.DepositNative(to, big.NewInt(1))
	return b.mockBank.Transfer(asset, to, amount)
}

func TestReentrantCallRejected(t *testing.T) {
	tv := newTestVault(t, 250_000)
	rb := &reentrantBank{mockBank: tv.bank, engine: tv.engine}
	tv.engine.SetBank(rb)
	alice := addr(0x01)
	if err := tv.engine.DepositNative(alice, units(100, 18)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	tv.now = 20_000
	tv.setPrice(nativeFeed, 1)
	if err := tv.engine.Refund(alice); err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	if !errors.Is(rb.caught, ErrReentrantCall) {
		t.Fatalf("reentrant deposit = %v, want ErrReentrantCall", rb.caught)
	}
}

func TestEmergencySweep(t *testing.T) {
	tv := newTestVault(t, 250_000)
	tv.addToken(t, "TOKA", "toka-usd", 6, 1)
	tv.bank.holdings[NativeAsset] = units(5, 18)
	tv.bank.holdings["TOKA"] = units(7, 6)
	recovery := addr(0x99)
	if err := tv.engine.EmergencySweep(tv.owner, recovery); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if len(tv.bank.transfers) != 2 {
		t.Fatalf("swept transfers = %d, want 2", len(tv.bank.transfers))
	}
	for _, tr := range tv.bank.transfers {
		if tr.to != recovery {
			t.Fatalf("sweep sent to %x, want recovery address", tr.to)
		}
	}
}

func TestExtendDeadlineOnlyBeforeGoal(t *testing.T) {
	tv := newTestVault(t, 1000)
	if err := tv.engine.ExtendDeadline(tv.owner, 5_000); err != nil {
		t.Fatalf("extend failed: %v", err)
	}
	if err := tv.engine.ExtendDeadline(tv.owner, 4_000); err == nil {
		t.Fatalf("deadline moved backwards")
	}
	if err := tv.engine.SetGoalReached(tv.owner, true); err != nil {
		t.Fatalf("force goal: %v", err)
	}
	if err := tv.engine.ExtendDeadline(tv.owner, 50_000); !errors.Is(err, ErrGoalAlreadyReached) {
		t.Fatalf("extend after goal: %v", err)
	}
}
