// Package escrow implements delegated, quantity-bounded custody:
// owners deposit assets into named pools and hand out bearer
// allowances that let other parties withdraw bounded amounts, without
// ever exposing direct vault access.
package escrow

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hakimelghazi/escrow-core/internal/asset"
	"github.com/hakimelghazi/escrow-core/internal/identity"
)

// NowFunc supplies the current ledger time in unix seconds. The clock
// is coarse; validity windows are data, not execution deadlines.
type NowFunc func() int64

// Service is the escrow façade. All pool and allowance state is
// reached through it; operations are validate-then-apply so a failed
// precondition leaves no partial state behind.
type Service struct {
	id       string
	feeAsset asset.Type
	store    Store
	now      NowFunc
	log      zerolog.Logger

	feeVault   *asset.Bucket
	contingent []contingentFee
}

// contingentFee is a fee reservation that is only spent if the current
// operation ultimately succeeds.
type contingentFee struct {
	owner identity.Badge
	funds *asset.Bucket
}

type Option func(*Service)

func WithStore(store Store) Option {
	return func(s *Service) { s.store = store }
}

func WithClock(now NowFunc) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// New creates an escrow service instance. feeAsset is the native asset
// transaction fees are paid in.
func New(feeAsset asset.Type, opts ...Option) *Service {
	s := &Service{
		id:       uuid.NewString(),
		feeAsset: feeAsset,
		store:    NewMemStore(),
		now:      func() int64 { return time.Now().Unix() },
		log:      zerolog.Nop(),
		feeVault: asset.NewBucket(feeAsset),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) ID() string           { return s.id }
func (s *Service) FeeAsset() asset.Type { return s.feeAsset }

// Deposit puts funds into owner's pool, creating the pool and the
// asset container as needed. Anyone may deposit into any pool.
//
// If requestor is non-nil and its identity or asset type is in the
// pool's trust registry, an Accumulating allowance sized exactly to
// the deposit is minted back to the depositor. An untrusted requestor
// still gets the deposit through unless requireAllowance is set, in
// which case the whole call fails.
func (s *Service) Deposit(owner identity.Badge, funds *asset.Bucket, requestor *identity.Verified, requireAllowance bool) (*Allowance, error) {
	pool, err := s.getOrAddPool(owner)
	if err != nil {
		return nil, err
	}

	var allowance *Allowance
	if requestor != nil {
		badge := requestor.Badge()
		if pool.isBadgeTrusted(badge) || pool.isAssetTrusted(badge.Asset) {
			q := depositQuantity(funds)
			allowance = s.newAllowance(pool, nil, 0, AccumulatingLifeCycle(), funds.Type, &q)
		} else if requireAllowance {
			return nil, codedErr(CodeUntrustedRequestor, "only trusted can request allowance")
		}
	}

	total := funds.Total()
	if err := pool.ensureVault(funds.Type).Put(funds); err != nil {
		return nil, codedErr(CodeQuantityMismatch, "depositing: %v", err)
	}
	if err := s.store.PutPool(pool); err != nil {
		return nil, err
	}
	if allowance != nil {
		if err := s.store.PutAllowance(allowance); err != nil {
			return nil, err
		}
		allowance = allowance.clone()
	}
	s.log.Debug().
		Str("owner", owner.String()).
		Str("asset", funds.Type.Symbol).
		Str("amount", total.String()).
		Bool("allowance", allowance != nil).
		Msg("deposit")
	return allowance, nil
}

// depositQuantity sizes an auto-minted allowance to the deposit:
// the exact amount for fungibles, the exact instance set (no arbitrary
// count) for non-fungibles.
func depositQuantity(funds *asset.Bucket) asset.Quantity {
	if funds.Type.Fungible {
		return asset.FungibleQuantity(funds.Amount)
	}
	return asset.NonFungibleQuantity(funds.IDs.Clone(), nil)
}

// ReadBalance returns the stored amount of t in owner's pool. A
// missing pool or container reads as zero, never as an error.
func (s *Service) ReadBalance(owner identity.Badge, t asset.Type) decimal.Decimal {
	pool, found, err := s.store.Pool(owner)
	if err != nil || !found {
		return decimal.Zero
	}
	vault, ok := pool.vault(t)
	if !ok {
		return decimal.Zero
	}
	return vault.Total()
}

// Withdraw takes q of asset t out of the caller's own pool.
func (s *Service) Withdraw(owner identity.Verified, t asset.Type, q asset.Quantity) (*asset.Bucket, error) {
	if err := checkQuantity(t, q); err != nil {
		return nil, err
	}
	pool, vault, err := s.poolVault(owner.Badge(), t)
	if err != nil {
		return nil, err
	}
	out, err := vault.TakeQuantity(q)
	if err != nil {
		return nil, takeErr(err)
	}
	if err := s.store.PutPool(pool); err != nil {
		return nil, err
	}
	s.log.Debug().
		Str("owner", owner.Badge().String()).
		Str("asset", t.Symbol).
		Str("amount", out.Total().String()).
		Msg("withdraw")
	return out, nil
}

// WithdrawAll drains the caller's container for asset t.
func (s *Service) WithdrawAll(owner identity.Verified, t asset.Type) (*asset.Bucket, error) {
	pool, vault, err := s.poolVault(owner.Badge(), t)
	if err != nil {
		return nil, err
	}
	out := vault.TakeAll()
	if err := s.store.PutPool(pool); err != nil {
		return nil, err
	}
	return out, nil
}

// WithdrawWithAllowance withdraws q from the pool the allowance is
// bound to, on the authority of the allowance alone. It returns the
// withdrawn assets and the surviving allowance, or nil if this use
// spent it.
func (s *Service) WithdrawWithAllowance(allowanceID string, q asset.Quantity) (*asset.Bucket, *Allowance, error) {
	a, err := s.loadAllowance(allowanceID)
	if err != nil {
		return nil, nil, err
	}
	if err := checkQuantity(a.ForAsset, q); err != nil {
		return nil, nil, err
	}
	pool, found, err := s.store.Pool(a.Pool.Owner)
	if err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, nil, codedErr(CodePoolNotFound, "pool not found for %s", a.Pool.Owner)
	}
	if a.Scope != pool.AllowanceScope {
		return nil, nil, codedErr(CodeWrongPool, "allowance is not for this pool")
	}

	next := a.clone()
	destroyed, err := next.consume(s.id, q, s.now())
	if err != nil {
		return nil, nil, err
	}
	vault, ok := pool.vault(a.ForAsset)
	if !ok {
		return nil, nil, codedErr(CodeStoreNotFound, "pool has no %s", a.ForAsset.Symbol)
	}
	out, err := vault.TakeQuantity(q)
	if err != nil {
		return nil, nil, takeErr(err)
	}

	// Nothing persisted until here, so any failure above was free of
	// side effects.
	if err := s.store.PutPool(pool); err != nil {
		return nil, nil, err
	}
	if destroyed {
		if err := s.store.DeleteAllowance(a.ID); err != nil {
			return nil, nil, err
		}
		s.log.Debug().Str("allowance", a.ID).Msg("allowance spent and destroyed")
		return out, nil, nil
	}
	if err := s.store.PutAllowance(next); err != nil {
		return nil, nil, err
	}
	return out, next.clone(), nil
}

// Subsidize reserves amount of the fee asset from the caller's pool to
// pay the current operation's transaction fee.
func (s *Service) Subsidize(owner identity.Verified, amount decimal.Decimal) error {
	return s.subsidize(owner, amount, false)
}

// SubsidizeContingent reserves a fee that is only spent if the current
// operation ultimately succeeds; see SettleFees.
func (s *Service) SubsidizeContingent(owner identity.Verified, amount decimal.Decimal) error {
	return s.subsidize(owner, amount, true)
}

func (s *Service) subsidize(owner identity.Verified, amount decimal.Decimal, contingent bool) error {
	if amount.IsNegative() {
		return codedErr(CodeNegativeAmount, "fee amount cannot be negative")
	}
	pool, vault, err := s.poolVault(owner.Badge(), s.feeAsset)
	if err != nil {
		return err
	}
	taken, err := vault.Take(amount)
	if err != nil {
		return takeErr(err)
	}
	if err := s.store.PutPool(pool); err != nil {
		return err
	}
	if contingent {
		s.contingent = append(s.contingent, contingentFee{owner: owner.Badge(), funds: taken})
		return nil
	}
	return s.feeVault.Put(taken)
}

// SubsidizeWithAllowance reserves a fee on the authority of a fee
// asset allowance. An Accumulating allowance is reduced by the full
// amount requested, whatever the fee actually comes to.
func (s *Service) SubsidizeWithAllowance(allowanceID string, amount decimal.Decimal) (*Allowance, error) {
	a, err := s.loadAllowance(allowanceID)
	if err != nil {
		return nil, err
	}
	if a.ForAsset.ID != s.feeAsset.ID {
		return nil, codedErr(CodeNotFeeAsset, "only %s can be used for subsidy", s.feeAsset.Symbol)
	}
	out, survivor, err := s.WithdrawWithAllowance(allowanceID, asset.FungibleQuantity(amount))
	if err != nil {
		return nil, err
	}
	if err := s.feeVault.Put(out); err != nil {
		return nil, err
	}
	return survivor, nil
}

// SettleFees finishes the current operation's fee accounting:
// contingent reservations are spent on success and returned to their
// pools on failure.
func (s *Service) SettleFees(success bool) error {
	pending := s.contingent
	s.contingent = nil
	for _, cf := range pending {
		if success {
			if err := s.feeVault.Put(cf.funds); err != nil {
				return err
			}
			continue
		}
		if _, err := s.Deposit(cf.owner, cf.funds, nil, false); err != nil {
			return err
		}
	}
	return nil
}

// FeesLocked reports the fee asset currently reserved, including
// contingent reservations awaiting settlement.
func (s *Service) FeesLocked() decimal.Decimal {
	total := s.feeVault.Total()
	for _, cf := range s.contingent {
		total = total.Add(cf.funds.Total())
	}
	return total
}

// MintAllowance issues a new allowance against the caller's pool,
// creating the pool if it does not exist yet.
func (s *Service) MintAllowance(owner identity.Verified, validUntil *int64, validFrom int64, lc LifeCycle, forAsset asset.Type, maxQuantity *asset.Quantity) (*Allowance, error) {
	if maxQuantity != nil {
		if err := checkQuantity(forAsset, *maxQuantity); err != nil {
			return nil, err
		}
	}
	pool, err := s.getOrAddPool(owner.Badge())
	if err != nil {
		return nil, err
	}
	a := s.newAllowance(pool, validUntil, validFrom, lc, forAsset, maxQuantity)
	if err := s.store.PutPool(pool); err != nil {
		return nil, err
	}
	if err := s.store.PutAllowance(a); err != nil {
		return nil, err
	}
	s.log.Debug().
		Str("owner", owner.Badge().String()).
		Str("allowance", a.ID).
		Str("asset", forAsset.Symbol).
		Msg("allowance minted")
	return a.clone(), nil
}

// ReduceAllowanceToAmount lets the holder shrink the numeric bound of
// their allowance; never grow it. On a non-fungible allowance only the
// arbitrary count shrinks, the named-id set is untouched. Reducing an
// unbounded dimension fails, there is nothing bounded to shrink.
func (s *Service) ReduceAllowanceToAmount(allowanceID string, newMax decimal.Decimal) error {
	if newMax.IsNegative() {
		return codedErr(CodeNegativeAmount, "allowance can't be negative")
	}
	a, err := s.loadAllowance(allowanceID)
	if err != nil {
		return err
	}
	if a.Remaining == nil {
		return codedErr(CodeReduceUnbounded, "allowance has no bound to reduce")
	}
	if a.Remaining.Fungible {
		if a.Remaining.Amount.LessThan(newMax) {
			return codedErr(CodeIncreaseNotAllowed, "allowance increase not allowed")
		}
		a.Remaining.Amount = newMax
		return s.store.PutAllowance(a)
	}
	if a.Remaining.Count == nil {
		return codedErr(CodeReduceUnbounded, "allowance increase not allowed")
	}
	if !newMax.Equal(newMax.Truncate(0)) {
		return codedErr(CodeNotWholeNumber, "new_max must be a whole number")
	}
	if !newMax.LessThan(decimal.NewFromUint64(*a.Remaining.Count)) {
		return codedErr(CodeIncreaseAboveCount, "allowance increase not allowed")
	}
	n := uint64(newMax.IntPart())
	a.Remaining.Count = &n
	return s.store.PutAllowance(a)
}

// ReduceAllowanceByIDs lets the holder drop named instance ids from a
// non-fungible allowance. Ids not present are ignored. The arbitrary
// count component is untouched.
func (s *Service) ReduceAllowanceByIDs(allowanceID string, toRemove asset.IDSet) error {
	a, err := s.loadAllowance(allowanceID)
	if err != nil {
		return err
	}
	if a.Remaining == nil {
		return codedErr(CodeNoRemainingToReduce, "no instance ids to remove from")
	}
	if a.Remaining.Fungible {
		return codedErr(CodeWrongReduceMethod, "use ReduceAllowanceToAmount for a fungible allowance")
	}
	if a.Remaining.IDs == nil {
		return codedErr(CodeNoIDSetToReduce, "no instance ids to remove from")
	}
	a.Remaining.IDs = a.Remaining.IDs.Difference(toRemove)
	return s.store.PutAllowance(a)
}

// Allowance returns a read-only copy of the allowance, if it exists.
func (s *Service) Allowance(id string) (*Allowance, bool, error) {
	a, found, err := s.store.Allowance(id)
	if err != nil || !found {
		return nil, false, err
	}
	return a.clone(), true, nil
}

// AllowanceLimit is the total the allowance can currently release:
// nil for unlimited, zero when the allowance is missing or outside its
// validity window. Used by callers sizing a withdrawal before they
// commit to it.
func (s *Service) AllowanceLimit(id string) (*decimal.Decimal, error) {
	a, found, err := s.store.Allowance(id)
	if err != nil {
		return nil, err
	}
	if !found || !a.ValidAt(s.now()) {
		zero := decimal.Zero
		return &zero, nil
	}
	return a.Limit(), nil
}

// Trust registry operations. All mutators are owner-gated and create
// the pool on first use; distrust flips the entry to false rather than
// deleting it.

func (s *Service) AddTrustedBadge(owner identity.Verified, b identity.Badge) error {
	return s.setBadgeTrust(owner, b, true)
}

func (s *Service) RemoveTrustedBadge(owner identity.Verified, b identity.Badge) error {
	return s.setBadgeTrust(owner, b, false)
}

func (s *Service) setBadgeTrust(owner identity.Verified, b identity.Badge, trusted bool) error {
	pool, err := s.getOrAddPool(owner.Badge())
	if err != nil {
		return err
	}
	pool.TrustedBadges[b.String()] = trusted
	return s.store.PutPool(pool)
}

func (s *Service) AddTrustedAsset(owner identity.Verified, t asset.Type) error {
	return s.setAssetTrust(owner, t, true)
}

func (s *Service) RemoveTrustedAsset(owner identity.Verified, t asset.Type) error {
	return s.setAssetTrust(owner, t, false)
}

func (s *Service) setAssetTrust(owner identity.Verified, t asset.Type, trusted bool) error {
	pool, err := s.getOrAddPool(owner.Badge())
	if err != nil {
		return err
	}
	pool.TrustedAssets[t.ID] = trusted
	return s.store.PutPool(pool)
}

func (s *Service) IsBadgeTrusted(owner, candidate identity.Badge) (bool, error) {
	pool, found, err := s.store.Pool(owner)
	if err != nil || !found {
		return false, err
	}
	return pool.isBadgeTrusted(candidate), nil
}

func (s *Service) IsAssetTrusted(owner identity.Badge, t asset.Type) (bool, error) {
	pool, found, err := s.store.Pool(owner)
	if err != nil || !found {
		return false, err
	}
	return pool.isAssetTrusted(t.ID), nil
}

// internal helpers

func (s *Service) getOrAddPool(owner identity.Badge) (*Pool, error) {
	pool, found, err := s.store.Pool(owner)
	if err != nil {
		return nil, err
	}
	if !found {
		pool = newPool(owner)
		s.log.Debug().Str("owner", owner.String()).Msg("pool created")
	}
	return pool, nil
}

func (s *Service) poolVault(owner identity.Badge, t asset.Type) (*Pool, *asset.Bucket, error) {
	pool, found, err := s.store.Pool(owner)
	if err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, nil, codedErr(CodePoolNotFound, "pool not found for %s", owner)
	}
	vault, ok := pool.vault(t)
	if !ok {
		return nil, nil, codedErr(CodeStoreNotFound, "pool has no %s", t.Symbol)
	}
	return pool, vault, nil
}

func (s *Service) loadAllowance(id string) (*Allowance, error) {
	a, found, err := s.store.Allowance(id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, codedErr(CodeAllowanceNotFound, "allowance %s not found", id)
	}
	return a, nil
}

func (s *Service) newAllowance(pool *Pool, validUntil *int64, validFrom int64, lc LifeCycle, forAsset asset.Type, maxQuantity *asset.Quantity) *Allowance {
	var remaining *asset.Quantity
	if maxQuantity != nil {
		remaining = maxQuantity.Clone()
	}
	return &Allowance{
		ID:         uuid.NewString(),
		Pool:       PoolRef{Service: s.id, Owner: pool.Owner},
		Scope:      pool.AllowanceScope,
		ValidFrom:  validFrom,
		ValidUntil: validUntil,
		LifeCycle:  lc,
		ForAsset:   forAsset,
		Remaining:  remaining,
	}
}

// checkQuantity maps the asset package's caller-contract errors onto
// their escrow codes.
func checkQuantity(t asset.Type, q asset.Quantity) error {
	switch err := asset.CheckQuantity(t, q); {
	case err == nil:
		return nil
	case errors.Is(err, asset.ErrNegativeAmount):
		return codedErr(CodeNegativeAmount, "cannot ask for negative amounts")
	default:
		return codedErr(CodeQuantityMismatch, "%v for %s", err, t.Symbol)
	}
}

func takeErr(err error) error {
	switch {
	case errors.Is(err, asset.ErrInsufficient):
		return codedErr(CodeInsufficientFunds, "%v", err)
	case errors.Is(err, asset.ErrNotWhole):
		return codedErr(CodeNotWholeNumber, "%v", err)
	case errors.Is(err, asset.ErrNegativeAmount):
		return codedErr(CodeNegativeAmount, "%v", err)
	default:
		return err
	}
}
