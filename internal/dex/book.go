package dex

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/hakimelghazi/escrow-core/internal/asset"
	"github.com/hakimelghazi/escrow-core/internal/escrow"
	"github.com/hakimelghazi/escrow-core/internal/identity"
)

// Offering is one resting order: the maker, where their proceeds go,
// and the funds backing the offer. Funding is either a directly
// escrowed bucket or a bearer allowance against an escrow pool.
type Offering struct {
	Maker identity.Badge

	// Payout, when set, routes the maker's proceeds into their pool on
	// that escrow service; otherwise they land in the book's own
	// per-maker payout store.
	Payout *escrow.Service

	// Direct funding.
	Direct *asset.Bucket

	// Allowance funding.
	Escrow      *escrow.Service
	AllowanceID string
}

func (o *Offering) escrowed() bool { return o.Direct == nil }

// level is one price point. The book holds exactly one offering per
// price; there are no order ids and no cancellation.
type level struct {
	price decimal.Decimal
	off   *Offering
}

// book keeps levels sorted by ascending price.
type book struct {
	levels []*level
}

func (b *book) insert(price decimal.Decimal, off *Offering) error {
	i := sort.Search(len(b.levels), func(i int) bool {
		return !b.levels[i].price.LessThan(price)
	})
	if i < len(b.levels) && b.levels[i].price.Equal(price) {
		// Overwriting would orphan the resting offer's funds.
		return escrow.NewError(codePriceTaken, "price point %s already has an offering", price)
	}
	b.levels = append(b.levels, nil)
	copy(b.levels[i+1:], b.levels[i:])
	b.levels[i] = &level{price: price, off: off}
	return nil
}

func (b *book) remove(price decimal.Decimal) *Offering {
	for i, lvl := range b.levels {
		if lvl.price.Equal(price) {
			b.levels = append(b.levels[:i], b.levels[i+1:]...)
			return lvl.off
		}
	}
	return nil
}

// ascending returns the levels cheapest first, descending the reverse.
// Callers must not mutate the book while iterating; removals are
// collected and applied after the walk.
func (b *book) ascending() []*level {
	return b.levels
}

func (b *book) descending() []*level {
	out := make([]*level, len(b.levels))
	for i, lvl := range b.levels {
		out[len(b.levels)-1-i] = lvl
	}
	return out
}

func (b *book) Len() int { return len(b.levels) }
