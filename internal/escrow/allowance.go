package escrow

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/hakimelghazi/escrow-core/internal/asset"
	"github.com/hakimelghazi/escrow-core/internal/identity"
)

type LifeCycleKind int

const (
	// OneOff allowances are destroyed after their first use.
	OneOff LifeCycleKind = iota
	// Accumulating allowances shrink with each use and are destroyed
	// when their remaining quantity reaches exactly zero.
	Accumulating
	// Repeating allowances survive any number of uses. An optional
	// minimum delay gates how soon the next use may happen.
	Repeating
)

// LifeCycle is the consumption policy of an allowance.
type LifeCycle struct {
	Kind     LifeCycleKind `json:"kind"`
	MinDelay *int64        `json:"min_delay,omitempty"` // seconds, Repeating only
}

func OneOffLifeCycle() LifeCycle       { return LifeCycle{Kind: OneOff} }
func AccumulatingLifeCycle() LifeCycle { return LifeCycle{Kind: Accumulating} }

func RepeatingLifeCycle(minDelay *int64) LifeCycle {
	return LifeCycle{Kind: Repeating, MinDelay: minDelay}
}

// PoolRef names the pool an allowance draws from: the escrow service
// instance plus the pool owner's badge.
type PoolRef struct {
	Service string         `json:"service"`
	Owner   identity.Badge `json:"owner"`
}

// Allowance is a bearer permission to withdraw a bounded quantity from
// a pool. Whoever holds it may consume it; only the escrow service
// mutates its accounting fields.
type Allowance struct {
	ID   string  `json:"id"`
	Pool PoolRef `json:"pool"`

	// Scope ties the allowance to its pool's permission-token type.
	Scope string `json:"scope"`

	ValidFrom  int64     `json:"valid_from"`            // unix seconds, inclusive
	ValidUntil *int64    `json:"valid_until,omitempty"` // unix seconds, inclusive
	LifeCycle  LifeCycle `json:"life_cycle"`

	ForAsset asset.Type `json:"for_asset"`

	// Remaining bounds what may still be taken; nil means unlimited.
	// For Repeating allowances it is a per-use cap and never shrinks.
	Remaining *asset.Quantity `json:"remaining,omitempty"`
}

func (a *Allowance) clone() *Allowance {
	out := *a
	if a.ValidUntil != nil {
		v := *a.ValidUntil
		out.ValidUntil = &v
	}
	if a.LifeCycle.MinDelay != nil {
		d := *a.LifeCycle.MinDelay
		out.LifeCycle.MinDelay = &d
	}
	if a.Remaining != nil {
		out.Remaining = a.Remaining.Clone()
	}
	return &out
}

// ValidAt reports whether the allowance's validity window contains t.
func (a *Allowance) ValidAt(t int64) bool {
	if t < a.ValidFrom {
		return false
	}
	return a.ValidUntil == nil || t <= *a.ValidUntil
}

// Limit is the total the allowance may still release, or nil for
// unlimited.
func (a *Allowance) Limit() *decimal.Decimal {
	if a.Remaining == nil {
		return nil
	}
	total := a.Remaining.Total()
	return &total
}

// consume authorizes taking req from the allowance at time now, on
// behalf of the escrow service identified by serviceID. On success it
// updates the allowance's accounting and reports whether the allowance
// is now spent and must be destroyed. It performs no asset movement.
func (a *Allowance) consume(serviceID string, req asset.Quantity, now int64) (destroyed bool, err error) {
	if a.Pool.Service != serviceID {
		return false, codedErr(CodeWrongPool, "allowance is not for this escrow")
	}
	if now < a.ValidFrom {
		return false, codedErr(CodeNotYetValid, "allowance not yet valid")
	}
	if a.ValidUntil != nil && now > *a.ValidUntil {
		return false, codedErr(CodeNoLongerValid, "allowance no longer valid")
	}

	reqIDs, reqAmount := req.Split()

	// How much of the request counts against the numeric bound. Ids
	// already named in the allowance's own set are pre-approved and
	// don't consume it.
	var preApproved int
	if a.Remaining != nil && !a.Remaining.Fungible {
		preApproved = reqIDs.IntersectionSize(a.Remaining.IDs)
	}
	counted := reqAmount.Add(decimal.NewFromInt(int64(len(reqIDs) - preApproved)))

	if a.Remaining != nil {
		if a.Remaining.Fungible {
			if a.Remaining.Amount.LessThan(reqAmount.Add(decimal.NewFromInt(int64(len(reqIDs))))) {
				return false, codedErr(CodeInsufficientAllowance, "insufficient allowance")
			}
		} else {
			var bound decimal.Decimal
			if a.Remaining.Count != nil {
				bound = decimal.NewFromUint64(*a.Remaining.Count)
			}
			if bound.LessThan(counted) {
				return false, codedErr(CodeInsufficientInstances, "insufficient allowance")
			}
		}
	}

	switch a.LifeCycle.Kind {
	case OneOff:
		return true, nil

	case Accumulating:
		if a.Remaining == nil {
			// Nothing to decrement; an unlimited Accumulating
			// allowance is spent by its single use.
			return true, nil
		}
		if a.Remaining.Fungible {
			rest := a.Remaining.Amount.Sub(req.Total())
			if rest.IsZero() {
				return true, nil
			}
			a.Remaining.Amount = rest
			return false, nil
		}
		rest := a.Remaining.Clone()
		if len(reqIDs) > 0 {
			rest.IDs = rest.IDs.Difference(reqIDs)
		}
		if counted.IsPositive() {
			left := decimal.NewFromUint64(0)
			if rest.Count != nil {
				left = decimal.NewFromUint64(*rest.Count)
			}
			n := uint64(left.Sub(counted).IntPart())
			rest.Count = &n
		}
		if (rest.Count == nil || *rest.Count == 0) && len(rest.IDs) == 0 {
			return true, nil
		}
		a.Remaining = rest
		return false, nil

	case Repeating:
		if a.LifeCycle.MinDelay != nil {
			// Gates the next use, not this one.
			a.ValidFrom = now + *a.LifeCycle.MinDelay
		}
		return false, nil
	}
	return false, fmt.Errorf("unknown life cycle %d", a.LifeCycle.Kind)
}
