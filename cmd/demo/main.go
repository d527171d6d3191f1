// Demo run: an in-memory escrow service and market, one maker selling
// through an allowance, one taker buying at market.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hakimelghazi/escrow-core/internal/asset"
	"github.com/hakimelghazi/escrow-core/internal/dex"
	"github.com/hakimelghazi/escrow-core/internal/escrow"
	"github.com/hakimelghazi/escrow-core/internal/identity"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.DebugLevel)

	xrd := asset.NewFungible("XRD")
	meme := asset.NewFungible("MEME")

	esc := escrow.New(xrd, escrow.WithLogger(log))
	market, err := dex.New(meme, xrd, dex.WithLogger(log))
	if err != nil {
		log.Fatal().Err(err).Msg("creating market")
	}

	badges := asset.NewNonFungible("trader badge")
	maker := identity.Badge{Asset: badges.ID, Local: string(asset.NewInstanceID())}
	taker := identity.Badge{Asset: badges.ID, Local: string(asset.NewInstanceID())}

	// Maker funds their pool with MEME and mints an allowance the
	// book will sell through.
	memeFunds, _ := asset.NewFungibleBucket(meme, decimal.NewFromInt(1000))
	if _, err := esc.Deposit(maker, memeFunds, nil, false); err != nil {
		log.Fatal().Err(err).Msg("maker deposit")
	}
	makerID, err := identity.Verify(maker)
	if err != nil {
		log.Fatal().Err(err).Msg("verify maker")
	}
	allowance, err := esc.MintAllowance(
		makerID, nil, 0, escrow.AccumulatingLifeCycle(), meme,
		quantityOf(decimal.NewFromInt(1000)))
	if err != nil {
		log.Fatal().Err(err).Msg("mint allowance")
	}

	if err := market.LimitSellWithEscrow(maker, decimal.NewFromInt(100), esc, esc, allowance.ID); err != nil {
		log.Fatal().Err(err).Msg("limit sell")
	}

	// Taker pays XRD at market.
	payment, _ := asset.NewFungibleBucket(xrd, decimal.NewFromInt(25_000))
	purchased, change, fills, err := market.MarketBuy(&taker, nil, payment)
	if err != nil {
		log.Fatal().Err(err).Msg("market buy")
	}

	for _, f := range fills {
		fmt.Printf("fill: %s MEME @ %s XRD (maker %s)\n", f.Quantity, f.Price, f.Maker)
	}
	fmt.Printf("purchased %s MEME, %s XRD returned unspent\n", purchased.Total(), change.Total())
	fmt.Printf("maker pool now holds %s MEME and %s XRD\n",
		esc.ReadBalance(maker, meme), esc.ReadBalance(maker, xrd))
}

func quantityOf(amount decimal.Decimal) *asset.Quantity {
	q := asset.FungibleQuantity(amount)
	return &q
}
