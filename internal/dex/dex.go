// Package dex is a minimal continuous double-auction market over the
// escrow service: one resting offer per price point, funded either
// with directly escrowed assets or with a bearer allowance, matched by
// a greedy single-pass walk from the best price outward.
package dex

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hakimelghazi/escrow-core/internal/asset"
	"github.com/hakimelghazi/escrow-core/internal/escrow"
	"github.com/hakimelghazi/escrow-core/internal/identity"
)

// Error codes for rejected order preconditions, continuing the escrow
// range.
const (
	codeWrongPaymentAsset = 2100
	codeWrongSaleAsset    = 2101
	codePriceNotPositive  = 2102
	codePriceTaken        = 2103
	codeAllowanceUnknown  = 2104
	codeAllowanceAsset    = 2105
	codeNeedTraderBadge   = 2106
)

// Fill is one matched step of a market order, priced at the resting
// offer's original price.
type Fill struct {
	Maker    identity.Badge  `json:"maker"`
	Taker    identity.Badge  `json:"taker"` // zero badge for anonymous takers
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"` // traded asset units
	Escrowed bool            `json:"escrowed"` // maker side was allowance funded
	At       time.Time       `json:"at"`
}

// Dex trades one fungible market asset against one fungible cash
// asset. Bids hold cash and want the market asset; asks hold the
// market asset and want cash.
type Dex struct {
	market asset.Type
	cash   asset.Type

	bids book
	asks book

	// Proceeds for makers without a payout pool, keyed by maker badge.
	payoutCash   map[string]*asset.Bucket
	payoutMarket map[string]*asset.Bucket

	// Emptied direct-funding buckets are parked here rather than
	// disposed inline.
	garbage []*asset.Bucket

	log zerolog.Logger
}

type Option func(*Dex)

func WithLogger(log zerolog.Logger) Option {
	return func(d *Dex) { d.log = log }
}

func New(market, cash asset.Type, opts ...Option) (*Dex, error) {
	if !market.Fungible || !cash.Fungible {
		return nil, escrow.NewError(codeWrongSaleAsset, "market and cash assets must be fungible")
	}
	d := &Dex{
		market:       market,
		cash:         cash,
		payoutCash:   make(map[string]*asset.Bucket),
		payoutMarket: make(map[string]*asset.Bucket),
		log:          zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *Dex) Market() asset.Type { return d.market }
func (d *Dex) Cash() asset.Type   { return d.cash }

// LimitBuyDirect rests a buy at price, funded with cash held by the
// book itself.
func (d *Dex) LimitBuyDirect(trader identity.Badge, price decimal.Decimal, payout *escrow.Service, payment *asset.Bucket) error {
	if payment.Type.ID != d.cash.ID {
		return escrow.NewError(codeWrongPaymentAsset, "only %s payment allowed for buy", d.cash.Symbol)
	}
	return d.rest(&d.bids, trader, price, payout, &Offering{Direct: payment.TakeAll()})
}

// LimitSellDirect rests a sell at price, funded with the market asset
// held by the book itself.
func (d *Dex) LimitSellDirect(trader identity.Badge, price decimal.Decimal, payout *escrow.Service, forSale *asset.Bucket) error {
	if forSale.Type.ID != d.market.ID {
		return escrow.NewError(codeWrongSaleAsset, "only %s can be sold", d.market.Symbol)
	}
	return d.rest(&d.asks, trader, price, payout, &Offering{Direct: forSale.TakeAll()})
}

// LimitBuyWithEscrow rests a buy funded by a cash allowance.
func (d *Dex) LimitBuyWithEscrow(trader identity.Badge, price decimal.Decimal, payout *escrow.Service, esc *escrow.Service, allowanceID string) error {
	if err := d.checkAllowance(esc, allowanceID, d.cash); err != nil {
		return err
	}
	return d.rest(&d.bids, trader, price, payout, &Offering{Escrow: esc, AllowanceID: allowanceID})
}

// LimitSellWithEscrow rests a sell funded by a market asset allowance.
func (d *Dex) LimitSellWithEscrow(trader identity.Badge, price decimal.Decimal, payout *escrow.Service, esc *escrow.Service, allowanceID string) error {
	if err := d.checkAllowance(esc, allowanceID, d.market); err != nil {
		return err
	}
	return d.rest(&d.asks, trader, price, payout, &Offering{Escrow: esc, AllowanceID: allowanceID})
}

func (d *Dex) checkAllowance(esc *escrow.Service, allowanceID string, want asset.Type) error {
	a, found, err := esc.Allowance(allowanceID)
	if err != nil {
		return err
	}
	if !found {
		return escrow.NewError(codeAllowanceUnknown, "allowance %s not found", allowanceID)
	}
	if a.ForAsset.ID != want.ID {
		return escrow.NewError(codeAllowanceAsset, "allowance is for %s, need %s", a.ForAsset.Symbol, want.Symbol)
	}
	return nil
}

func (d *Dex) rest(side *book, trader identity.Badge, price decimal.Decimal, payout *escrow.Service, off *Offering) error {
	if !price.IsPositive() {
		return escrow.NewError(codePriceNotPositive, "price must be positive")
	}
	off.Maker = trader
	off.Payout = payout
	if err := side.insert(price, off); err != nil {
		return err
	}
	d.log.Debug().
		Str("maker", trader.String()).
		Str("price", price.String()).
		Bool("escrowed", off.escrowed()).
		Msg("offer rested")
	return nil
}

// MarketBuy spends the cash in payment against the ask book, cheapest
// offer first, until payment is exhausted or the book ends. It returns
// the purchased market asset (nil if it was routed to the taker's
// payout pool), the unspent remainder of payment, and the fills.
//
// Less liquidity than requested is not an error; the order simply
// fills for what was there.
func (d *Dex) MarketBuy(taker *identity.Badge, payout *escrow.Service, payment *asset.Bucket) (*asset.Bucket, *asset.Bucket, []Fill, error) {
	if payment.Type.ID != d.cash.ID {
		return nil, nil, nil, escrow.NewError(codeWrongPaymentAsset, "can only pay with %s", d.cash.Symbol)
	}
	if payout != nil && taker == nil {
		return nil, nil, nil, escrow.NewError(codeNeedTraderBadge, "payout pool needs a trader badge")
	}
	purchased := asset.NewBucket(d.market)

	fills, err := d.walk(&d.asks, false, payment, purchased, taker)
	if err != nil {
		return nil, nil, nil, err
	}
	out, err := d.routeReturn(taker, payout, purchased)
	if err != nil {
		return nil, nil, nil, err
	}
	return out, payment, fills, nil
}

// MarketSell sells the market asset in selling against the bid book,
// highest bid first. Returns the cash obtained (nil if routed to a
// payout pool), the unsold remainder, and the fills.
func (d *Dex) MarketSell(taker *identity.Badge, payout *escrow.Service, selling *asset.Bucket) (*asset.Bucket, *asset.Bucket, []Fill, error) {
	if selling.Type.ID != d.market.ID {
		return nil, nil, nil, escrow.NewError(codeWrongSaleAsset, "can only sell %s", d.market.Symbol)
	}
	if payout != nil && taker == nil {
		return nil, nil, nil, escrow.NewError(codeNeedTraderBadge, "payout pool needs a trader badge")
	}
	purchased := asset.NewBucket(d.cash)

	fills, err := d.walk(&d.bids, true, selling, purchased, taker)
	if err != nil {
		return nil, nil, nil, err
	}
	out, err := d.routeReturn(taker, payout, purchased)
	if err != nil {
		return nil, nil, nil, err
	}
	return out, selling, fills, nil
}

// walk greedily fills incoming against side. For a buy (selling ==
// false) incoming is cash and offers hold the market asset; for a sell
// it is the reverse. The walk is single pass, a filled offering is
// never revisited.
func (d *Dex) walk(side *book, selling bool, incoming, purchased *asset.Bucket, taker *identity.Badge) ([]Fill, error) {
	var fills []Fill
	var toRemove []decimal.Decimal

	payouts := make([]struct {
		off   *Offering
		funds *asset.Bucket
	}, 0)

	levels := side.ascending()
	if selling {
		levels = side.descending()
	}

	for _, lvl := range levels {
		price := lvl.price
		off := lvl.off

		// How much of the offer the remaining incoming funds can buy.
		wanted := incoming.Amount.Div(price)
		if selling {
			wanted = incoming.Amount.Mul(price)
		}
		if wanted.IsZero() {
			break
		}

		var got *asset.Bucket
		removed := false
		switch {
		case !off.escrowed():
			take := decimal.Min(wanted, off.Direct.Total())
			var err error
			if got, err = off.Direct.Take(take); err != nil {
				return nil, err
			}
			if off.Direct.IsEmpty() {
				removed = true
			}
		default:
			var err error
			if got, removed, err = d.takeFromEscrow(off, wanted); err != nil {
				return nil, err
			}
		}
		// A dead offering leaves the book even when nothing was drawn
		// from it, or its price point would be blocked forever.
		if removed {
			toRemove = append(toRemove, price)
		}
		if got == nil || got.IsEmpty() {
			continue
		}

		// Price the fill at the offer's original price point.
		cost := got.Total().Mul(price)
		qty := got.Total()
		if selling {
			cost = got.Total().Div(price)
			qty = cost
		}
		cost = decimal.Min(cost, incoming.Amount)
		makerFunds, err := incoming.Take(cost)
		if err != nil {
			return nil, err
		}
		if err := purchased.Put(got); err != nil {
			return nil, err
		}
		payouts = append(payouts, struct {
			off   *Offering
			funds *asset.Bucket
		}{off, makerFunds})

		fill := Fill{Maker: off.Maker, Price: price, Quantity: qty, Escrowed: off.escrowed(), At: time.Now().UTC()}
		if taker != nil {
			fill.Taker = *taker
		}
		fills = append(fills, fill)
	}

	for _, price := range toRemove {
		if off := side.remove(price); off != nil && off.Direct != nil {
			d.garbage = append(d.garbage, off.Direct)
		}
	}
	for _, p := range payouts {
		if err := d.payMaker(p.off, p.funds); err != nil {
			return nil, err
		}
	}
	return fills, nil
}

// takeFromEscrow draws up to wanted from an allowance-backed offering.
// The cap is the lesser of the allowance's remaining limit and the
// pool's live balance, both read at match time. removed reports that
// the allowance came back destroyed and the offering must leave the
// book.
func (d *Dex) takeFromEscrow(off *Offering, wanted decimal.Decimal) (got *asset.Bucket, removed bool, err error) {
	a, found, err := off.Escrow.Allowance(off.AllowanceID)
	if err != nil {
		return nil, false, err
	}
	if !found {
		// Consumed to destruction outside the book.
		return nil, true, nil
	}
	limit, err := off.Escrow.AllowanceLimit(off.AllowanceID)
	if err != nil {
		return nil, false, err
	}
	avail := off.Escrow.ReadBalance(a.Pool.Owner, a.ForAsset)
	if limit != nil {
		avail = decimal.Min(avail, *limit)
	}
	take := decimal.Min(wanted, avail)
	if !take.IsPositive() {
		return nil, false, nil
	}
	out, survivor, err := off.Escrow.WithdrawWithAllowance(off.AllowanceID, asset.FungibleQuantity(take))
	if err != nil {
		// The caps were read live, so any failure here is unexpected
		// and aborts the whole order.
		return nil, false, err
	}
	return out, survivor == nil, nil
}

func (d *Dex) payMaker(off *Offering, funds *asset.Bucket) error {
	if off.Payout != nil {
		_, err := off.Payout.Deposit(off.Maker, funds, nil, false)
		return err
	}
	store := d.payoutCash
	if funds.Type.ID == d.market.ID {
		store = d.payoutMarket
	}
	key := off.Maker.String()
	if _, ok := store[key]; !ok {
		store[key] = asset.NewBucket(funds.Type)
	}
	return store[key].Put(funds)
}

// routeReturn hands the taker their side of the trade: into their
// payout pool when one was given, directly otherwise.
func (d *Dex) routeReturn(taker *identity.Badge, payout *escrow.Service, funds *asset.Bucket) (*asset.Bucket, error) {
	if payout == nil {
		return funds, nil
	}
	if taker == nil {
		return nil, escrow.NewError(codeNeedTraderBadge, "payout pool needs a trader badge")
	}
	if _, err := payout.Deposit(*taker, funds, nil, false); err != nil {
		return nil, err
	}
	return nil, nil
}

// CollectPayout drains the parked proceeds of maker for asset t.
func (d *Dex) CollectPayout(maker identity.Verified, t asset.Type) *asset.Bucket {
	store := d.payoutCash
	if t.ID == d.market.ID {
		store = d.payoutMarket
	}
	b, ok := store[maker.Badge().String()]
	if !ok {
		return asset.NewBucket(t)
	}
	return b.TakeAll()
}

// BestBid and BestAsk expose the current top of book, for quoting.
func (d *Dex) BestBid() (decimal.Decimal, bool) {
	if d.bids.Len() == 0 {
		return decimal.Zero, false
	}
	lvls := d.bids.descending()
	return lvls[0].price, true
}

func (d *Dex) BestAsk() (decimal.Decimal, bool) {
	if d.asks.Len() == 0 {
		return decimal.Zero, false
	}
	return d.asks.ascending()[0].price, true
}
