package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hakimelghazi/escrow-core/internal/asset"
	"github.com/hakimelghazi/escrow-core/internal/config"
	"github.com/hakimelghazi/escrow-core/internal/dex"
	"github.com/hakimelghazi/escrow-core/internal/escrow"
	"github.com/hakimelghazi/escrow-core/internal/identity"
	"github.com/hakimelghazi/escrow-core/internal/journal"
	"github.com/hakimelghazi/escrow-core/internal/quote"
)

type server struct {
	esc     *escrow.Service
	dex     *dex.Dex
	quotes  *quote.Cache
	journal journal.Journal
	assets  map[string]asset.Type
	market  string
	log     zerolog.Logger
}

func main() {
	cfgPath := flag.String("config", "escrow.yaml", "path to config file")
	flag.Parse()

	boot := zerolog.New(os.Stderr)
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		boot.Fatal().Err(err).Msg("loading config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	store, err := escrow.NewBoltStore(cfg.BoltPath)
	if err != nil {
		log.Fatal().Err(err).Msg("opening state store")
	}
	defer store.Close()

	feeAsset := asset.Deterministic(cfg.FeeSymbol, true)
	marketAsset := asset.Deterministic(cfg.MarketSymbol, true)

	esc := escrow.New(feeAsset, escrow.WithStore(store), escrow.WithLogger(log))
	market, err := dex.New(marketAsset, feeAsset, dex.WithLogger(log))
	if err != nil {
		log.Fatal().Err(err).Msg("creating market")
	}

	var jnl journal.Journal = journal.Nop{}
	if cfg.DatabaseURL != "" {
		pg, err := journal.NewPG(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("connecting fill journal")
		}
		jnl = pg
	}
	defer jnl.Close()

	s := &server{
		esc:     esc,
		dex:     market,
		quotes:  quote.NewCache(),
		journal: jnl,
		assets: map[string]asset.Type{
			feeAsset.ID:    feeAsset,
			marketAsset.ID: marketAsset,
		},
		market: cfg.MarketSymbol + "-" + cfg.FeeSymbol,
		log:    log,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(3 * time.Second))

	r.Post("/assets", s.createAsset)
	r.Get("/assets", s.listAssets)
	r.Post("/pools/{owner}/deposits", s.deposit)
	r.Get("/pools/{owner}/balances/{asset}", s.balance)
	r.Post("/pools/{owner}/withdrawals", s.withdraw)
	r.Post("/pools/{owner}/allowances", s.mintAllowance)
	r.Post("/pools/{owner}/trusted-badges", s.setTrustedBadge)
	r.Post("/pools/{owner}/trusted-assets", s.setTrustedAsset)
	r.Post("/allowances/{id}/reduce-amount", s.reduceAmount)
	r.Post("/allowances/{id}/reduce-ids", s.reduceIDs)
	r.Post("/orders", s.placeOrder)
	r.Get("/quote", s.quote)

	log.Info().Str("listen", cfg.Listen).Str("market", s.market).Msg("listening")
	if err := http.ListenAndServe(cfg.Listen, r); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func (s *server) writeProblem(w http.ResponseWriter, r *http.Request, status int, title string, err error) {
	reqID := middleware.GetReqID(r.Context())
	body := map[string]any{
		"title":      title,
		"status":     status,
		"detail":     err.Error(),
		"instance":   r.URL.Path,
		"request_id": reqID,
	}
	var coded *escrow.Error
	if errors.As(err, &coded) {
		body["code"] = coded.Code
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.Header().Set("X-Request-ID", reqID)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", middleware.GetReqID(r.Context()))
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps rejected preconditions to HTTP statuses by error
// code class.
func (s *server) statusFor(err error) int {
	var coded *escrow.Error
	if !errors.As(err, &coded) {
		return http.StatusInternalServerError
	}
	switch coded.Code {
	case escrow.CodePoolNotFound, escrow.CodeStoreNotFound, escrow.CodeAllowanceNotFound:
		return http.StatusNotFound
	case escrow.CodeUntrustedRequestor, escrow.CodeNotYetValid, escrow.CodeNoLongerValid,
		escrow.CodeInsufficientAllowance, escrow.CodeInsufficientInstances, escrow.CodeWrongPool:
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

func (s *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.writeProblem(w, r, s.statusFor(err), "operation rejected", err)
}

func (s *server) ownerParam(r *http.Request) (identity.Badge, error) {
	return identity.ParseBadge(chi.URLParam(r, "owner"))
}

func (s *server) assetParam(id string) (asset.Type, bool) {
	t, ok := s.assets[id]
	return t, ok
}

type createAssetRequest struct {
	Symbol   string `json:"symbol"`
	Fungible bool   `json:"fungible"`
}

func (s *server) createAsset(w http.ResponseWriter, r *http.Request) {
	var req createAssetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeProblem(w, r, http.StatusBadRequest, "invalid_json", err)
		return
	}
	var t asset.Type
	if req.Fungible {
		t = asset.NewFungible(req.Symbol)
	} else {
		t = asset.NewNonFungible(req.Symbol)
	}
	s.assets[t.ID] = t
	s.writeJSON(w, r, http.StatusCreated, t)
}

func (s *server) listAssets(w http.ResponseWriter, r *http.Request) {
	out := make([]asset.Type, 0, len(s.assets))
	for _, t := range s.assets {
		out = append(out, t)
	}
	s.writeJSON(w, r, http.StatusOK, out)
}

type depositRequest struct {
	AssetID          string             `json:"asset_id"`
	Amount           decimal.Decimal    `json:"amount"`
	IDs              []asset.InstanceID `json:"ids"`
	Requestor        string             `json:"requestor"` // badge string, optional
	RequireAllowance bool               `json:"require_allowance"`
}

// deposit materializes a bucket and puts it into the pool. Outside a
// ledger the server is the custody boundary, so deposits arrive as
// amounts rather than containers.
func (s *server) deposit(w http.ResponseWriter, r *http.Request) {
	owner, err := s.ownerParam(r)
	if err != nil {
		s.writeProblem(w, r, http.StatusBadRequest, "invalid_badge", err)
		return
	}
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeProblem(w, r, http.StatusBadRequest, "invalid_json", err)
		return
	}
	t, ok := s.assetParam(req.AssetID)
	if !ok {
		s.writeProblem(w, r, http.StatusNotFound, "unknown_asset", errors.New(req.AssetID))
		return
	}
	funds, err := materialize(t, req.Amount, req.IDs)
	if err != nil {
		s.writeProblem(w, r, http.StatusBadRequest, "invalid_funds", err)
		return
	}
	var requestor *identity.Verified
	if req.Requestor != "" {
		badge, err := identity.ParseBadge(req.Requestor)
		if err != nil {
			s.writeProblem(w, r, http.StatusBadRequest, "invalid_badge", err)
			return
		}
		v, err := identity.Verify(badge)
		if err != nil {
			s.writeProblem(w, r, http.StatusBadRequest, "invalid_badge", err)
			return
		}
		requestor = &v
	}
	allowance, err := s.esc.Deposit(owner, funds, requestor, req.RequireAllowance)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusCreated, map[string]any{"allowance": allowance})
}

func materialize(t asset.Type, amount decimal.Decimal, ids []asset.InstanceID) (*asset.Bucket, error) {
	if t.Fungible {
		return asset.NewFungibleBucket(t, amount)
	}
	return asset.NewNonFungibleBucket(t, asset.NewIDSet(ids...))
}

func (s *server) balance(w http.ResponseWriter, r *http.Request) {
	owner, err := s.ownerParam(r)
	if err != nil {
		s.writeProblem(w, r, http.StatusBadRequest, "invalid_badge", err)
		return
	}
	t, ok := s.assetParam(chi.URLParam(r, "asset"))
	if !ok {
		s.writeProblem(w, r, http.StatusNotFound, "unknown_asset", errors.New("unknown asset"))
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]any{"amount": s.esc.ReadBalance(owner, t)})
}

type withdrawRequest struct {
	AssetID string             `json:"asset_id"`
	Amount  decimal.Decimal    `json:"amount"`
	IDs     []asset.InstanceID `json:"ids"`
	Count   *uint64            `json:"count"`
	All     bool               `json:"all"`
}

func (s *server) withdraw(w http.ResponseWriter, r *http.Request) {
	_, verified, ok := s.verifiedOwner(w, r)
	if !ok {
		return
	}
	var req withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeProblem(w, r, http.StatusBadRequest, "invalid_json", err)
		return
	}
	t, ok := s.assetParam(req.AssetID)
	if !ok {
		s.writeProblem(w, r, http.StatusNotFound, "unknown_asset", errors.New(req.AssetID))
		return
	}
	var out *asset.Bucket
	var err error
	if req.All {
		out, err = s.esc.WithdrawAll(verified, t)
	} else {
		out, err = s.esc.Withdraw(verified, t, requestQuantity(t, req.Amount, req.IDs, req.Count))
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, out)
}

func requestQuantity(t asset.Type, amount decimal.Decimal, ids []asset.InstanceID, count *uint64) asset.Quantity {
	if t.Fungible {
		return asset.FungibleQuantity(amount)
	}
	return asset.NonFungibleQuantity(asset.NewIDSet(ids...), count)
}

func (s *server) verifiedOwner(w http.ResponseWriter, r *http.Request) (identity.Badge, identity.Verified, bool) {
	owner, err := s.ownerParam(r)
	if err != nil {
		s.writeProblem(w, r, http.StatusBadRequest, "invalid_badge", err)
		return identity.Badge{}, identity.Verified{}, false
	}
	v, err := identity.Verify(owner)
	if err != nil {
		s.writeProblem(w, r, http.StatusBadRequest, "invalid_badge", err)
		return identity.Badge{}, identity.Verified{}, false
	}
	return owner, v, true
}

type mintAllowanceRequest struct {
	AssetID    string             `json:"asset_id"`
	ValidFrom  int64              `json:"valid_from"`
	ValidUntil *int64             `json:"valid_until"`
	LifeCycle  string             `json:"life_cycle"` // one_off | accumulating | repeating
	MinDelay   *int64             `json:"min_delay"`
	Unlimited  bool               `json:"unlimited"`
	MaxAmount  decimal.Decimal    `json:"max_amount"`
	MaxIDs     []asset.InstanceID `json:"max_ids"`
	MaxCount   *uint64            `json:"max_count"`
}

func (s *server) mintAllowance(w http.ResponseWriter, r *http.Request) {
	_, verified, ok := s.verifiedOwner(w, r)
	if !ok {
		return
	}
	var req mintAllowanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeProblem(w, r, http.StatusBadRequest, "invalid_json", err)
		return
	}
	t, ok := s.assetParam(req.AssetID)
	if !ok {
		s.writeProblem(w, r, http.StatusNotFound, "unknown_asset", errors.New(req.AssetID))
		return
	}
	var lc escrow.LifeCycle
	switch req.LifeCycle {
	case "one_off":
		lc = escrow.OneOffLifeCycle()
	case "accumulating":
		lc = escrow.AccumulatingLifeCycle()
	case "repeating":
		lc = escrow.RepeatingLifeCycle(req.MinDelay)
	default:
		s.writeProblem(w, r, http.StatusBadRequest, "invalid_life_cycle", errors.New(req.LifeCycle))
		return
	}
	var maxQ *asset.Quantity
	if !req.Unlimited {
		q := requestQuantity(t, req.MaxAmount, req.MaxIDs, req.MaxCount)
		maxQ = &q
	}
	a, err := s.esc.MintAllowance(verified, req.ValidUntil, req.ValidFrom, lc, t, maxQ)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusCreated, a)
}

type trustBadgeRequest struct {
	Badge   string `json:"badge"`
	Trusted bool   `json:"trusted"`
}

func (s *server) setTrustedBadge(w http.ResponseWriter, r *http.Request) {
	_, verified, ok := s.verifiedOwner(w, r)
	if !ok {
		return
	}
	var req trustBadgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeProblem(w, r, http.StatusBadRequest, "invalid_json", err)
		return
	}
	badge, err := identity.ParseBadge(req.Badge)
	if err != nil {
		s.writeProblem(w, r, http.StatusBadRequest, "invalid_badge", err)
		return
	}
	if req.Trusted {
		err = s.esc.AddTrustedBadge(verified, badge)
	} else {
		err = s.esc.RemoveTrustedBadge(verified, badge)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type trustAssetRequest struct {
	AssetID string `json:"asset_id"`
	Trusted bool   `json:"trusted"`
}

func (s *server) setTrustedAsset(w http.ResponseWriter, r *http.Request) {
	_, verified, ok := s.verifiedOwner(w, r)
	if !ok {
		return
	}
	var req trustAssetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeProblem(w, r, http.StatusBadRequest, "invalid_json", err)
		return
	}
	t, ok := s.assetParam(req.AssetID)
	if !ok {
		s.writeProblem(w, r, http.StatusNotFound, "unknown_asset", errors.New(req.AssetID))
		return
	}
	var err error
	if req.Trusted {
		err = s.esc.AddTrustedAsset(verified, t)
	} else {
		err = s.esc.RemoveTrustedAsset(verified, t)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) reduceAmount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NewMax decimal.Decimal `json:"new_max"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeProblem(w, r, http.StatusBadRequest, "invalid_json", err)
		return
	}
	if err := s.esc.ReduceAllowanceToAmount(chi.URLParam(r, "id"), req.NewMax); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) reduceIDs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []asset.InstanceID `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeProblem(w, r, http.StatusBadRequest, "invalid_json", err)
		return
	}
	if err := s.esc.ReduceAllowanceByIDs(chi.URLParam(r, "id"), asset.NewIDSet(req.IDs...)); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type orderRequest struct {
	Side        string          `json:"side"` // BUY | SELL
	Kind        string          `json:"kind"` // limit | market
	Trader      string          `json:"trader"`
	Price       decimal.Decimal `json:"price"`
	Amount      decimal.Decimal `json:"amount"`
	AllowanceID string          `json:"allowance_id"` // escrow-funded limit order
	Payout      bool            `json:"payout"`       // route proceeds to the trader's pool
}

// placeOrder funds orders out of the trader's own pool and, for market
// orders, returns both legs there, so assets never leave custody over
// HTTP.
func (s *server) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeProblem(w, r, http.StatusBadRequest, "invalid_json", err)
		return
	}
	trader, err := identity.ParseBadge(req.Trader)
	if err != nil {
		s.writeProblem(w, r, http.StatusBadRequest, "invalid_badge", err)
		return
	}
	verified, err := identity.Verify(trader)
	if err != nil {
		s.writeProblem(w, r, http.StatusBadRequest, "invalid_badge", err)
		return
	}
	var payout *escrow.Service
	if req.Payout {
		payout = s.esc
	}

	buy := req.Side == "BUY"
	if !buy && req.Side != "SELL" {
		s.writeProblem(w, r, http.StatusBadRequest, "invalid_side", errors.New(req.Side))
		return
	}

	switch req.Kind {
	case "limit":
		if err := s.placeLimit(buy, verified, req, payout); err != nil {
			s.fail(w, r, err)
			return
		}
		s.writeJSON(w, r, http.StatusCreated, map[string]any{"resting": true})

	case "market":
		fills, err := s.placeMarket(r.Context(), buy, trader, verified, req)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.writeJSON(w, r, http.StatusOK, map[string]any{"fills": fills})

	default:
		s.writeProblem(w, r, http.StatusBadRequest, "invalid_kind", errors.New(req.Kind))
	}
}

func (s *server) placeLimit(buy bool, trader identity.Verified, req orderRequest, payout *escrow.Service) error {
	badge := trader.Badge()
	if req.AllowanceID != "" {
		if buy {
			return s.dex.LimitBuyWithEscrow(badge, req.Price, payout, s.esc, req.AllowanceID)
		}
		return s.dex.LimitSellWithEscrow(badge, req.Price, payout, s.esc, req.AllowanceID)
	}
	funding := s.dex.Market()
	if buy {
		funding = s.dex.Cash()
	}
	funds, err := s.esc.Withdraw(trader, funding, asset.FungibleQuantity(req.Amount))
	if err != nil {
		return err
	}
	if buy {
		return s.dex.LimitBuyDirect(badge, req.Price, payout, funds)
	}
	return s.dex.LimitSellDirect(badge, req.Price, payout, funds)
}

func (s *server) placeMarket(ctx context.Context, buy bool, trader identity.Badge, verified identity.Verified, req orderRequest) ([]dex.Fill, error) {
	funding := s.dex.Market()
	if buy {
		funding = s.dex.Cash()
	}
	funds, err := s.esc.Withdraw(verified, funding, asset.FungibleQuantity(req.Amount))
	if err != nil {
		return nil, err
	}
	var purchased, change *asset.Bucket
	var fills []dex.Fill
	if buy {
		purchased, change, fills, err = s.dex.MarketBuy(&trader, nil, funds)
	} else {
		purchased, change, fills, err = s.dex.MarketSell(&trader, nil, funds)
	}
	if err != nil {
		// Put the unspent funds back before reporting the failure.
		if !funds.IsEmpty() {
			if _, depErr := s.esc.Deposit(trader, funds, nil, false); depErr != nil {
				s.log.Error().Err(depErr).Msg("restoring funds after failed order")
			}
		}
		return nil, err
	}
	// Both legs go back into the trader's custody.
	for _, b := range []*asset.Bucket{purchased, change} {
		if b != nil && !b.IsEmpty() {
			if _, err := s.esc.Deposit(trader, b, nil, false); err != nil {
				return nil, err
			}
		}
	}
	for _, f := range fills {
		s.quotes.Set(s.market, f.Price, f.At)
	}
	if err := s.journal.RecordFills(ctx, s.market, fills); err != nil {
		s.log.Error().Err(err).Msg("journaling fills")
	}
	return fills, nil
}

func (s *server) quote(w http.ResponseWriter, r *http.Request) {
	q, ok := s.quotes.Get(s.market)
	if !ok {
		s.writeProblem(w, r, http.StatusNotFound, "no_trades_yet", errors.New(s.market))
		return
	}
	s.writeJSON(w, r, http.StatusOK, q)
}
