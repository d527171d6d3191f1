package escrow

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/hakimelghazi/escrow-core/internal/asset"
	"github.com/hakimelghazi/escrow-core/internal/identity"
)

var testFeeAsset = asset.Deterministic("XRD", true)

// fakeClock is an injectable ledger clock for validity-window tests.
type fakeClock struct{ now int64 }

func (c *fakeClock) Now() int64 { return c.now }

func newTestService(t *testing.T) (*Service, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: 1000}
	return New(testFeeAsset, WithClock(clock.Now)), clock
}

func badge(local string) identity.Badge {
	return identity.Badge{Asset: "badges", Local: local}
}

func verified(t *testing.T, local string) identity.Verified {
	t.Helper()
	v, err := identity.Verify(badge(local))
	if err != nil {
		t.Fatalf("verify %s: %v", local, err)
	}
	return v
}

func fundPool(t *testing.T, s *Service, owner identity.Badge, tp asset.Type, amount int64) {
	t.Helper()
	b, err := asset.NewFungibleBucket(tp, decimal.NewFromInt(amount))
	if err != nil {
		t.Fatalf("bucket: %v", err)
	}
	if _, err := s.Deposit(owner, b, nil, false); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func TestDepositAndReadBalance(t *testing.T) {
	s, _ := newTestService(t)
	alice := badge("alice")

	fundPool(t, s, alice, testFeeAsset, 100)
	fundPool(t, s, alice, testFeeAsset, 50)

	if got := s.ReadBalance(alice, testFeeAsset); !got.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("balance = %s, want 150", got)
	}
	// ReadBalance never errors; unknown pools and assets read as zero.
	if got := s.ReadBalance(badge("nobody"), testFeeAsset); !got.IsZero() {
		t.Fatalf("unknown pool balance = %s, want 0", got)
	}
	gem := asset.Deterministic("GEM", false)
	if got := s.ReadBalance(alice, gem); !got.IsZero() {
		t.Fatalf("unknown asset balance = %s, want 0", got)
	}
}

func TestWithdrawOwnPool(t *testing.T) {
	s, _ := newTestService(t)
	alice := verified(t, "alice")
	fundPool(t, s, alice.Badge(), testFeeAsset, 100)

	out, err := s.Withdraw(alice, testFeeAsset, asset.FungibleQuantity(decimal.NewFromInt(30)))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if !out.Total().Equal(decimal.NewFromInt(30)) {
		t.Fatalf("withdrew %s, want 30", out.Total())
	}
	if got := s.ReadBalance(alice.Badge(), testFeeAsset); !got.Equal(decimal.NewFromInt(70)) {
		t.Fatalf("balance after withdraw = %s, want 70", got)
	}
}

func TestWithdrawErrors(t *testing.T) {
	s, _ := newTestService(t)
	alice := verified(t, "alice")
	fundPool(t, s, alice.Badge(), testFeeAsset, 10)

	if _, err := s.Withdraw(verified(t, "bob"), testFeeAsset, asset.FungibleQuantity(decimal.NewFromInt(1))); !IsCode(err, CodePoolNotFound) {
		t.Fatalf("expected pool-not-found, got %v", err)
	}
	if _, err := s.Withdraw(alice, testFeeAsset, asset.FungibleQuantity(decimal.NewFromInt(11))); !IsCode(err, CodeInsufficientFunds) {
		t.Fatalf("expected insufficient-funds, got %v", err)
	}
	if _, err := s.Withdraw(alice, testFeeAsset, asset.FungibleQuantity(decimal.NewFromInt(-1))); !IsCode(err, CodeNegativeAmount) {
		t.Fatalf("expected negative-amount, got %v", err)
	}
	// Failed withdraws leave the balance alone.
	if got := s.ReadBalance(alice.Badge(), testFeeAsset); !got.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("balance after failed withdraws = %s, want 10", got)
	}
}

func TestOneOffAllowanceDestroyedOnUse(t *testing.T) {
	s, _ := newTestService(t)
	alice := verified(t, "alice")
	fundPool(t, s, alice.Badge(), testFeeAsset, 500)

	max := asset.FungibleQuantity(decimal.NewFromInt(100))
	a, err := s.MintAllowance(alice, nil, 0, OneOffLifeCycle(), testFeeAsset, &max)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	out, survivor, err := s.WithdrawWithAllowance(a.ID, asset.FungibleQuantity(decimal.NewFromInt(100)))
	if err != nil {
		t.Fatalf("withdraw with allowance: %v", err)
	}
	if !out.Total().Equal(decimal.NewFromInt(100)) {
		t.Fatalf("withdrew %s, want 100", out.Total())
	}
	if survivor != nil {
		t.Fatalf("one-off allowance must be destroyed after use")
	}
	if _, _, err := s.WithdrawWithAllowance(a.ID, asset.FungibleQuantity(decimal.NewFromInt(1))); !IsCode(err, CodeAllowanceNotFound) {
		t.Fatalf("expected allowance-not-found after destruction, got %v", err)
	}
}

func TestOneOffAllowanceRejectsExcess(t *testing.T) {
	s, _ := newTestService(t)
	alice := verified(t, "alice")
	fundPool(t, s, alice.Badge(), testFeeAsset, 500)

	max := asset.FungibleQuantity(decimal.NewFromInt(100))
	a, err := s.MintAllowance(alice, nil, 0, OneOffLifeCycle(), testFeeAsset, &max)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, _, err := s.WithdrawWithAllowance(a.ID, asset.FungibleQuantity(decimal.NewFromInt(101))); !IsCode(err, CodeInsufficientAllowance) {
		t.Fatalf("expected insufficient-allowance, got %v", err)
	}
	// The failed attempt must not have spent the allowance.
	if _, found, _ := s.Allowance(a.ID); !found {
		t.Fatalf("allowance should survive a failed consume")
	}
	if got := s.ReadBalance(alice.Badge(), testFeeAsset); !got.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("balance after failed consume = %s, want 500", got)
	}
}

func TestAccumulatingAllowanceDecrements(t *testing.T) {
	s, _ := newTestService(t)
	alice := verified(t, "alice")
	fundPool(t, s, alice.Badge(), testFeeAsset, 500)

	max := asset.FungibleQuantity(decimal.NewFromInt(100))
	a, err := s.MintAllowance(alice, nil, 0, AccumulatingLifeCycle(), testFeeAsset, &max)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	_, survivor, err := s.WithdrawWithAllowance(a.ID, asset.FungibleQuantity(decimal.NewFromInt(40)))
	if err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if survivor == nil {
		t.Fatalf("allowance with remainder must survive")
	}
	if limit := survivor.Limit(); limit == nil || !limit.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("remaining limit = %v, want 60", limit)
	}

	// Draining exactly to zero destroys it.
	_, survivor, err = s.WithdrawWithAllowance(a.ID, asset.FungibleQuantity(decimal.NewFromInt(60)))
	if err != nil {
		t.Fatalf("second consume: %v", err)
	}
	if survivor != nil {
		t.Fatalf("fully drained accumulating allowance must be destroyed")
	}
}

func TestUnlimitedAccumulatingSpentBySingleUse(t *testing.T) {
	s, _ := newTestService(t)
	alice := verified(t, "alice")
	fundPool(t, s, alice.Badge(), testFeeAsset, 500)

	a, err := s.MintAllowance(alice, nil, 0, AccumulatingLifeCycle(), testFeeAsset, nil)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if limit, err := s.AllowanceLimit(a.ID); err != nil || limit != nil {
		t.Fatalf("unlimited allowance limit = %v, %v; want nil", limit, err)
	}
	_, survivor, err := s.WithdrawWithAllowance(a.ID, asset.FungibleQuantity(decimal.NewFromInt(450)))
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if survivor != nil {
		t.Fatalf("unlimited accumulating allowance is spent by its single use")
	}
}

func TestRepeatingAllowanceMinDelay(t *testing.T) {
	s, clock := newTestService(t)
	alice := verified(t, "alice")
	fundPool(t, s, alice.Badge(), testFeeAsset, 1000)

	delay := int64(500)
	max := asset.FungibleQuantity(decimal.NewFromInt(100))
	a, err := s.MintAllowance(alice, nil, 0, RepeatingLifeCycle(&delay), testFeeAsset, &max)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	_, survivor, err := s.WithdrawWithAllowance(a.ID, asset.FungibleQuantity(decimal.NewFromInt(100)))
	if err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if survivor == nil {
		t.Fatalf("repeating allowance must survive")
	}
	// The per-use cap does not shrink.
	if limit := survivor.Limit(); limit == nil || !limit.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("repeating cap = %v, want 100", limit)
	}

	// Too soon: the delay gates the next use.
	clock.now += 499
	if _, _, err := s.WithdrawWithAllowance(a.ID, asset.FungibleQuantity(decimal.NewFromInt(100))); !IsCode(err, CodeNotYetValid) {
		t.Fatalf("expected not-yet-valid before delay elapses, got %v", err)
	}
	clock.now++
	if _, _, err := s.WithdrawWithAllowance(a.ID, asset.FungibleQuantity(decimal.NewFromInt(100))); err != nil {
		t.Fatalf("consume after delay: %v", err)
	}
}

func TestAllowanceValidityWindow(t *testing.T) {
	s, clock := newTestService(t)
	alice := verified(t, "alice")
	fundPool(t, s, alice.Badge(), testFeeAsset, 100)

	until := int64(2000)
	a, err := s.MintAllowance(alice, &until, 1500, OneOffLifeCycle(), testFeeAsset, nil)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	q := asset.FungibleQuantity(decimal.NewFromInt(1))
	if _, _, err := s.WithdrawWithAllowance(a.ID, q); !IsCode(err, CodeNotYetValid) {
		t.Fatalf("expected not-yet-valid at t=1000, got %v", err)
	}
	// Outside the window the limit reads as zero.
	if limit, _ := s.AllowanceLimit(a.ID); limit == nil || !limit.IsZero() {
		t.Fatalf("limit outside window = %v, want 0", limit)
	}

	clock.now = 2001
	if _, _, err := s.WithdrawWithAllowance(a.ID, q); !IsCode(err, CodeNoLongerValid) {
		t.Fatalf("expected no-longer-valid at t=2001, got %v", err)
	}

	clock.now = 2000 // bounds are inclusive
	if _, _, err := s.WithdrawWithAllowance(a.ID, q); err != nil {
		t.Fatalf("consume at window edge: %v", err)
	}
}

func TestNonFungibleAllowanceNamedIDsPreApproved(t *testing.T) {
	s, _ := newTestService(t)
	alice := verified(t, "alice")
	gem := asset.Deterministic("GEM", false)

	funds, err := asset.NewNonFungibleBucket(gem, asset.NewIDSet("a", "b", "c", "d"))
	if err != nil {
		t.Fatalf("bucket: %v", err)
	}
	if _, err := s.Deposit(alice.Badge(), funds, nil, false); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// Named ids a,b plus one arbitrary extra.
	max := asset.NonFungibleQuantity(asset.NewIDSet("a", "b"), asset.Uint64(1))
	a, err := s.MintAllowance(alice, nil, 0, AccumulatingLifeCycle(), gem, &max)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	// Asking for a named id already in the set does not consume the
	// arbitrary count.
	_, survivor, err := s.WithdrawWithAllowance(a.ID, asset.NonFungibleQuantity(asset.NewIDSet("a"), nil))
	if err != nil {
		t.Fatalf("consume named id: %v", err)
	}
	if survivor == nil || !survivor.Remaining.IDs.Contains("b") || *survivor.Remaining.Count != 1 {
		t.Fatalf("unexpected remainder: %+v", survivor)
	}

	// An id outside the set counts against the arbitrary bound.
	_, survivor, err = s.WithdrawWithAllowance(a.ID, asset.NonFungibleQuantity(asset.NewIDSet("c"), nil))
	if err != nil {
		t.Fatalf("consume outside set: %v", err)
	}
	if survivor == nil || *survivor.Remaining.Count != 0 || !survivor.Remaining.IDs.Contains("b") {
		t.Fatalf("unexpected remainder: %+v", survivor)
	}

	// Only the named id b is left; an arbitrary ask exceeds the bound.
	if _, _, err := s.WithdrawWithAllowance(a.ID, asset.NonFungibleQuantity(nil, asset.Uint64(1))); !IsCode(err, CodeInsufficientInstances) {
		t.Fatalf("expected insufficient-instances, got %v", err)
	}
	_, survivor, err = s.WithdrawWithAllowance(a.ID, asset.NonFungibleQuantity(asset.NewIDSet("b"), nil))
	if err != nil {
		t.Fatalf("consume last named id: %v", err)
	}
	if survivor != nil {
		t.Fatalf("drained non-fungible allowance must be destroyed")
	}
}

func TestTrustedDepositorGetsAllowance(t *testing.T) {
	s, _ := newTestService(t)
	alice := verified(t, "alice")
	bob := verified(t, "bob")

	fundPool(t, s, alice.Badge(), testFeeAsset, 1)
	if err := s.AddTrustedBadge(alice, bob.Badge()); err != nil {
		t.Fatalf("trust: %v", err)
	}

	b, _ := asset.NewFungibleBucket(testFeeAsset, decimal.NewFromInt(200))
	a, err := s.Deposit(alice.Badge(), b, &bob, false)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if a == nil {
		t.Fatalf("trusted depositor should get an allowance back")
	}
	if a.LifeCycle.Kind != Accumulating {
		t.Fatalf("auto-minted allowance kind = %d, want Accumulating", a.LifeCycle.Kind)
	}
	if limit := a.Limit(); limit == nil || !limit.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("auto-minted limit = %v, want 200", limit)
	}

	// The allowance actually works.
	if _, _, err := s.WithdrawWithAllowance(a.ID, asset.FungibleQuantity(decimal.NewFromInt(200))); err != nil {
		t.Fatalf("consume auto-minted allowance: %v", err)
	}
}

func TestUntrustedDepositor(t *testing.T) {
	s, _ := newTestService(t)
	alice := badge("alice")
	mallory := verified(t, "mallory")

	// Without requireAllowance the deposit goes through, silently
	// unrewarded.
	b, _ := asset.NewFungibleBucket(testFeeAsset, decimal.NewFromInt(10))
	a, err := s.Deposit(alice, b, &mallory, false)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if a != nil {
		t.Fatalf("untrusted depositor must not get an allowance")
	}
	if got := s.ReadBalance(alice, testFeeAsset); !got.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("balance = %s, want 10", got)
	}

	// With requireAllowance the whole call fails and nothing moves.
	b2, _ := asset.NewFungibleBucket(testFeeAsset, decimal.NewFromInt(10))
	if _, err := s.Deposit(alice, b2, &mallory, true); !IsCode(err, CodeUntrustedRequestor) {
		t.Fatalf("expected untrusted-requestor, got %v", err)
	}
	if got := s.ReadBalance(alice, testFeeAsset); !got.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("failed deposit must not move funds, balance = %s", got)
	}
}

func TestTrustedAssetGrantsAllowance(t *testing.T) {
	s, _ := newTestService(t)
	alice := verified(t, "alice")
	carol := verified(t, "carol")
	badgeType := asset.Type{ID: "badges", Symbol: "badges", Fungible: false}

	if err := s.AddTrustedAsset(alice, badgeType); err != nil {
		t.Fatalf("trust asset: %v", err)
	}
	b, _ := asset.NewFungibleBucket(testFeeAsset, decimal.NewFromInt(5))
	a, err := s.Deposit(alice.Badge(), b, &carol, true)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if a == nil {
		t.Fatalf("trusted-asset depositor should get an allowance")
	}

	// Distrust flips the entry rather than deleting it.
	if err := s.RemoveTrustedAsset(alice, badgeType); err != nil {
		t.Fatalf("distrust: %v", err)
	}
	trusted, err := s.IsAssetTrusted(alice.Badge(), badgeType)
	if err != nil || trusted {
		t.Fatalf("asset still trusted after removal: %v %v", trusted, err)
	}
}

func TestReduceAllowanceToAmount(t *testing.T) {
	s, _ := newTestService(t)
	alice := verified(t, "alice")

	max := asset.FungibleQuantity(decimal.NewFromInt(100))
	a, err := s.MintAllowance(alice, nil, 0, AccumulatingLifeCycle(), testFeeAsset, &max)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	if err := s.ReduceAllowanceToAmount(a.ID, decimal.NewFromInt(120)); !IsCode(err, CodeIncreaseNotAllowed) {
		t.Fatalf("expected increase-not-allowed, got %v", err)
	}
	if err := s.ReduceAllowanceToAmount(a.ID, decimal.NewFromInt(-1)); !IsCode(err, CodeNegativeAmount) {
		t.Fatalf("expected negative-amount, got %v", err)
	}
	if err := s.ReduceAllowanceToAmount(a.ID, decimal.NewFromInt(40)); err != nil {
		t.Fatalf("reduce: %v", err)
	}
	got, _, err := s.Allowance(a.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if limit := got.Limit(); limit == nil || !limit.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("limit after reduce = %v, want 40", limit)
	}

	// Unlimited allowances have no bound to shrink.
	u, err := s.MintAllowance(alice, nil, 0, AccumulatingLifeCycle(), testFeeAsset, nil)
	if err != nil {
		t.Fatalf("mint unlimited: %v", err)
	}
	if err := s.ReduceAllowanceToAmount(u.ID, decimal.NewFromInt(10)); !IsCode(err, CodeReduceUnbounded) {
		t.Fatalf("expected reduce-unbounded, got %v", err)
	}
}

func TestReduceNonFungibleAllowance(t *testing.T) {
	s, _ := newTestService(t)
	alice := verified(t, "alice")
	gem := asset.Deterministic("GEM", false)

	max := asset.NonFungibleQuantity(asset.NewIDSet("a", "b"), asset.Uint64(5))
	a, err := s.MintAllowance(alice, nil, 0, AccumulatingLifeCycle(), gem, &max)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	if err := s.ReduceAllowanceToAmount(a.ID, decimal.NewFromFloat(2.5)); !IsCode(err, CodeNotWholeNumber) {
		t.Fatalf("expected not-whole-number, got %v", err)
	}
	if err := s.ReduceAllowanceToAmount(a.ID, decimal.NewFromInt(5)); !IsCode(err, CodeIncreaseAboveCount) {
		t.Fatalf("expected strict decrease enforcement, got %v", err)
	}
	if err := s.ReduceAllowanceToAmount(a.ID, decimal.NewFromInt(2)); err != nil {
		t.Fatalf("reduce count: %v", err)
	}

	// The named-id set shrinks through its own operation; unknown ids
	// are ignored.
	if err := s.ReduceAllowanceByIDs(a.ID, asset.NewIDSet("b", "nope")); err != nil {
		t.Fatalf("reduce ids: %v", err)
	}
	got, _, err := s.Allowance(a.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !got.Remaining.IDs.Contains("a") || got.Remaining.IDs.Contains("b") || *got.Remaining.Count != 2 {
		t.Fatalf("unexpected remainder: %+v", got.Remaining)
	}

	// Method mismatch on a fungible allowance.
	fmax := asset.FungibleQuantity(decimal.NewFromInt(10))
	f, err := s.MintAllowance(alice, nil, 0, AccumulatingLifeCycle(), testFeeAsset, &fmax)
	if err != nil {
		t.Fatalf("mint fungible: %v", err)
	}
	if err := s.ReduceAllowanceByIDs(f.ID, asset.NewIDSet("a")); !IsCode(err, CodeWrongReduceMethod) {
		t.Fatalf("expected wrong-reduce-method, got %v", err)
	}
}

func TestSubsidizeAndSettle(t *testing.T) {
	s, _ := newTestService(t)
	alice := verified(t, "alice")
	fundPool(t, s, alice.Badge(), testFeeAsset, 100)

	if err := s.Subsidize(alice, decimal.NewFromInt(10)); err != nil {
		t.Fatalf("subsidize: %v", err)
	}
	if err := s.SubsidizeContingent(alice, decimal.NewFromInt(5)); err != nil {
		t.Fatalf("subsidize contingent: %v", err)
	}
	if got := s.FeesLocked(); !got.Equal(decimal.NewFromInt(15)) {
		t.Fatalf("fees locked = %s, want 15", got)
	}
	if got := s.ReadBalance(alice.Badge(), testFeeAsset); !got.Equal(decimal.NewFromInt(85)) {
		t.Fatalf("balance = %s, want 85", got)
	}

	// On failure the contingent part returns to the pool.
	if err := s.SettleFees(false); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if got := s.ReadBalance(alice.Badge(), testFeeAsset); !got.Equal(decimal.NewFromInt(90)) {
		t.Fatalf("balance after rollback = %s, want 90", got)
	}
	if got := s.FeesLocked(); !got.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("fees locked after rollback = %s, want 10", got)
	}
}

func TestSubsidizeWithAllowanceRequiresFeeAsset(t *testing.T) {
	s, _ := newTestService(t)
	alice := verified(t, "alice")
	gem := asset.Deterministic("GEM", false)

	funds, _ := asset.NewNonFungibleBucket(gem, asset.NewIDSet("a"))
	if _, err := s.Deposit(alice.Badge(), funds, nil, false); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	a, err := s.MintAllowance(alice, nil, 0, OneOffLifeCycle(), gem, nil)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := s.SubsidizeWithAllowance(a.ID, decimal.NewFromInt(1)); !IsCode(err, CodeNotFeeAsset) {
		t.Fatalf("expected not-fee-asset, got %v", err)
	}

	fundPool(t, s, alice.Badge(), testFeeAsset, 50)
	fa, err := s.MintAllowance(alice, nil, 0, OneOffLifeCycle(), testFeeAsset, nil)
	if err != nil {
		t.Fatalf("mint fee allowance: %v", err)
	}
	if _, err := s.SubsidizeWithAllowance(fa.ID, decimal.NewFromInt(20)); err != nil {
		t.Fatalf("subsidize with allowance: %v", err)
	}
	if got := s.FeesLocked(); !got.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("fees locked = %s, want 20", got)
	}
}

func TestAllowanceScopeBinding(t *testing.T) {
	s, _ := newTestService(t)
	other := New(testFeeAsset)
	alice := verified(t, "alice")
	fundPool(t, s, alice.Badge(), testFeeAsset, 100)
	fundPool(t, other, alice.Badge(), testFeeAsset, 100)

	a, err := other.MintAllowance(alice, nil, 0, OneOffLifeCycle(), testFeeAsset, nil)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	// An allowance minted by another escrow instance is useless here.
	if _, _, err := s.WithdrawWithAllowance(a.ID, asset.FungibleQuantity(decimal.NewFromInt(1))); !IsCode(err, CodeAllowanceNotFound) {
		t.Fatalf("expected allowance-not-found, got %v", err)
	}
}

func TestConsumeRejectsUnknownLifeCycle(t *testing.T) {
	a := &Allowance{
		ID:        "a",
		Pool:      PoolRef{Service: "svc"},
		LifeCycle: LifeCycle{Kind: LifeCycleKind(99)},
		ForAsset:  testFeeAsset,
	}
	_, err := a.consume("svc", asset.FungibleQuantity(decimal.NewFromInt(1)), 0)
	if err == nil {
		t.Fatalf("expected error for unknown life cycle")
	}
	// A corrupted record is an internal failure, not a coded
	// precondition.
	if IsCode(err, CodeQuantityMismatch) {
		t.Fatalf("unknown life cycle must not reuse a precondition code: %v", err)
	}
}

func TestAllowanceReadIsACopy(t *testing.T) {
	s, _ := newTestService(t)
	alice := verified(t, "alice")

	max := asset.FungibleQuantity(decimal.NewFromInt(100))
	a, err := s.MintAllowance(alice, nil, 0, AccumulatingLifeCycle(), testFeeAsset, &max)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	got, _, err := s.Allowance(a.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	got.Remaining.Amount = decimal.NewFromInt(999)

	again, _, err := s.Allowance(a.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !again.Remaining.Amount.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("stored allowance mutated through a read copy")
	}
}
