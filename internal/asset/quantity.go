package asset

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Quantity describes how much of an asset to move. A fungible quantity
// is an exact amount. A non-fungible quantity can name specific
// instance ids and/or ask for a number of arbitrarily chosen extra
// instances; the two are additive, a named id is never also counted
// toward the arbitrary count.
type Quantity struct {
	Fungible bool            `json:"fungible"`
	Amount   decimal.Decimal `json:"amount"`
	IDs      IDSet           `json:"ids,omitempty"`
	Count    *uint64         `json:"count,omitempty"`
}

func FungibleQuantity(amount decimal.Decimal) Quantity {
	return Quantity{Fungible: true, Amount: amount}
}

func NonFungibleQuantity(ids IDSet, count *uint64) Quantity {
	return Quantity{Fungible: false, IDs: ids, Count: count}
}

// Uint64 is a convenience for building optional count fields.
func Uint64(v uint64) *uint64 { return &v }

// Total is the number of asset units this quantity stands for.
func (q Quantity) Total() decimal.Decimal {
	if q.Fungible {
		return q.Amount
	}
	n := uint64(len(q.IDs))
	if q.Count != nil {
		n += *q.Count
	}
	return decimal.NewFromUint64(n)
}

func (q Quantity) IsZero() bool {
	return q.Total().IsZero()
}

// Split decomposes the quantity into the named ids and the arbitrary
// amount to take from a container. Callers take the named ids first,
// while they are still known to be present, then the arbitrary amount
// from whatever remains.
func (q Quantity) Split() (IDSet, decimal.Decimal) {
	if q.Fungible {
		return nil, q.Amount
	}
	var amount decimal.Decimal
	if q.Count != nil {
		amount = decimal.NewFromUint64(*q.Count)
	}
	return q.IDs, amount
}

// Clone returns a deep copy of the quantity.
func (q Quantity) Clone() *Quantity {
	out := q
	if q.IDs != nil {
		out.IDs = q.IDs.Clone()
	}
	if q.Count != nil {
		c := *q.Count
		out.Count = &c
	}
	return &out
}

var (
	ErrQuantityTag    = errors.New("quantity tag does not match asset fungibility")
	ErrNegativeAmount = errors.New("quantity amount cannot be negative")
)

// CheckQuantity verifies that a (asset type, quantity) pair makes
// sense: the tag must match the type's fungibility and fungible
// amounts must be non-negative. A violation is a caller-contract
// error, not something to recover from.
func CheckQuantity(t Type, q Quantity) error {
	if t.Fungible != q.Fungible {
		return ErrQuantityTag
	}
	if q.Fungible && q.Amount.IsNegative() {
		return ErrNegativeAmount
	}
	return nil
}
