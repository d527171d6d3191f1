package asset

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Bucket holds assets of a single type. It serves both as the
// per-asset container inside a pool and as the in-flight holder of
// assets between operations. Every Take moves value out, never copies
// it, so the sum over all buckets of a type is conserved.
type Bucket struct {
	Type   Type            `json:"type"`
	Amount decimal.Decimal `json:"amount"`
	IDs    IDSet           `json:"ids,omitempty"`
}

func NewBucket(t Type) *Bucket {
	b := &Bucket{Type: t}
	if !t.Fungible {
		b.IDs = NewIDSet()
	}
	return b
}

func NewFungibleBucket(t Type, amount decimal.Decimal) (*Bucket, error) {
	if !t.Fungible {
		return nil, ErrNotFungible
	}
	if amount.IsNegative() {
		return nil, ErrNegativeAmount
	}
	return &Bucket{Type: t, Amount: amount}, nil
}

func NewNonFungibleBucket(t Type, ids IDSet) (*Bucket, error) {
	if t.Fungible {
		return nil, fmt.Errorf("%s: %w", t.Symbol, ErrTypeMismatch)
	}
	return &Bucket{Type: t, IDs: ids.Clone()}, nil
}

// Total is the stored amount: balance for fungibles, instance count
// for non-fungibles.
func (b *Bucket) Total() decimal.Decimal {
	if b.Type.Fungible {
		return b.Amount
	}
	return decimal.NewFromInt(int64(len(b.IDs)))
}

func (b *Bucket) IsEmpty() bool {
	return b.Total().IsZero()
}

// Put moves the whole content of other into b. Both buckets must hold
// the same asset type.
func (b *Bucket) Put(other *Bucket) error {
	if other.Type.ID != b.Type.ID {
		return ErrTypeMismatch
	}
	if b.Type.Fungible {
		b.Amount = b.Amount.Add(other.Amount)
		other.Amount = decimal.Zero
		return nil
	}
	for id := range other.IDs {
		b.IDs[id] = struct{}{}
	}
	other.IDs = NewIDSet()
	return nil
}

// Take removes amount units into a new bucket. For non-fungible types
// the amount must be whole and arbitrary instances are picked in
// deterministic (sorted) order.
func (b *Bucket) Take(amount decimal.Decimal) (*Bucket, error) {
	if amount.IsNegative() {
		return nil, ErrNegativeAmount
	}
	if b.Type.Fungible {
		if b.Amount.LessThan(amount) {
			return nil, ErrInsufficient
		}
		b.Amount = b.Amount.Sub(amount)
		return &Bucket{Type: b.Type, Amount: amount}, nil
	}
	if !amount.Equal(amount.Truncate(0)) {
		return nil, ErrNotWhole
	}
	n := int(amount.IntPart())
	if n > len(b.IDs) {
		return nil, ErrInsufficient
	}
	out := NewBucket(b.Type)
	for _, id := range b.IDs.Sorted()[:n] {
		delete(b.IDs, id)
		out.IDs[id] = struct{}{}
	}
	return out, nil
}

// TakeIDs removes exactly the named instances into a new bucket.
func (b *Bucket) TakeIDs(ids IDSet) (*Bucket, error) {
	if b.Type.Fungible {
		return nil, ErrNotFungible
	}
	for id := range ids {
		if !b.IDs.Contains(id) {
			return nil, fmt.Errorf("instance %s: %w", id, ErrInsufficient)
		}
	}
	out := NewBucket(b.Type)
	for id := range ids {
		delete(b.IDs, id)
		out.IDs[id] = struct{}{}
	}
	return out, nil
}

// TakeAll drains the bucket into a new one.
func (b *Bucket) TakeAll() *Bucket {
	out := &Bucket{Type: b.Type, Amount: b.Amount, IDs: b.IDs}
	b.Amount = decimal.Zero
	if !b.Type.Fungible {
		b.IDs = NewIDSet()
	}
	return out
}

// TakeQuantity removes the assets described by q. Named ids are taken
// first, then the arbitrary amount from whatever remains, so that a
// named id cannot be consumed twice.
func (b *Bucket) TakeQuantity(q Quantity) (*Bucket, error) {
	if err := CheckQuantity(b.Type, q); err != nil {
		return nil, err
	}
	ids, amount := q.Split()
	out := NewBucket(b.Type)
	if len(ids) > 0 {
		named, err := b.TakeIDs(ids)
		if err != nil {
			return nil, err
		}
		if err := out.Put(named); err != nil {
			return nil, err
		}
	}
	if amount.IsPositive() {
		rest, err := b.Take(amount)
		if err != nil {
			// Roll the named ids back, the take is all or nothing.
			_ = b.Put(out)
			return nil, err
		}
		if err := out.Put(rest); err != nil {
			return nil, err
		}
	}
	return out, nil
}
