// Package api provides the HTTP handlers for running liquidations and
// querying prices, positions, the liquidation ledger and reward boosts.
//
// Amounts cross the wire as shopspring/decimal strings in whole tokens and
// are converted to 18-decimal fixed point at the boundary.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/cdp-engine/internal/boost"
	"github.com/atmx/cdp-engine/internal/fixedpoint"
	"github.com/atmx/cdp-engine/internal/liquidation"
	"github.com/atmx/cdp-engine/internal/metrics"
	"github.com/atmx/cdp-engine/internal/model"
	"github.com/atmx/cdp-engine/internal/oracle"
	"github.com/atmx/cdp-engine/internal/pool"
	"github.com/atmx/cdp-engine/internal/store"
	"github.com/atmx/cdp-engine/internal/troves"
)

// Deps are the components the handlers operate on.
type Deps struct {
	Engine    *liquidation.Engine
	Arbiter   *oracle.Arbiter
	Positions *troves.Manager
	Pool      *pool.StabilityPool
	Boost     *boost.Calculator
	Store     store.Store
	// Weights is set when lock weights are held in memory rather than read
	// from the vote locker; it enables POST /boost/weights.
	Weights WeightSetter
}

// WeightSetter records finalized lock weights. *boost.MemoryRegistry
// satisfies it.
type WeightSetter interface {
	SetWeight(account string, epoch, weight uint64)
}

// Service handles engine operations. State-changing handlers are serialized
// by mu so that seeding positions or deposits never interleaves with a
// liquidation (single-instance).
type Service struct {
	Deps
	mu sync.Mutex
}

// NewService creates a new API service.
func NewService(deps Deps) *Service {
	return &Service{Deps: deps}
}

// Routes mounts every handler under r.
func (s *Service) Routes(r chi.Router) {
	r.Post("/liquidate/batch", s.LiquidateBatch)
	r.Post("/liquidate/sweep", s.LiquidateSweep)
	r.Post("/liquidate/{positionID}", s.LiquidateOne)

	r.Get("/price", s.GetPrice)
	r.Get("/system", s.GetSystem)

	r.Post("/positions", s.OpenPosition)
	r.Get("/positions/{positionID}", s.GetPosition)
	r.Get("/positions/{positionID}/liquidations", s.GetPositionLiquidations)

	r.Post("/pool/deposits", s.Deposit)
	r.Get("/pool/deposits/{depositor}", s.GetDeposit)

	r.Get("/liquidations", s.ListLiquidations)
	r.Get("/liquidations/{liquidationID}", s.GetLiquidation)

	r.Get("/boost/{account}", s.GetBoost)
	r.Post("/boost/{account}/claim", s.ClaimBoost)
	r.Post("/boost/parameters", s.SetBoostParameters)
	if s.Weights != nil {
		r.Post("/boost/weights", s.SetLockWeight)
	}
}

// --- Request/Response types ---

// LiquidateRequest is the JSON body for the liquidation endpoints. Only the
// fields relevant to the endpoint are read.
type LiquidateRequest struct {
	Liquidator string           `json:"liquidator"`
	Positions  []string         `json:"positions,omitempty"` // batch
	N          uint64           `json:"n,omitempty"`         // sweep
	MaxICR     *decimal.Decimal `json:"max_icr,omitempty"`   // sweep; nil = no ceiling
}

// OpenPositionRequest is the JSON body for POST /positions.
type OpenPositionRequest struct {
	ID   string          `json:"id"`
	Coll decimal.Decimal `json:"coll"`
	Debt decimal.Decimal `json:"debt"`
}

// WeightRequest is the JSON body for POST /boost/weights.
type WeightRequest struct {
	Account string `json:"account"`
	Epoch   uint64 `json:"epoch"`
	Weight  uint64 `json:"weight"`
}

// DepositRequest is the JSON body for POST /pool/deposits.
type DepositRequest struct {
	Depositor string          `json:"depositor"`
	Amount    decimal.Decimal `json:"amount"`
}

// ClaimRequest is the JSON body for POST /boost/{account}/claim.
type ClaimRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Previous  decimal.Decimal `json:"previous"`
	Emissions decimal.Decimal `json:"emissions"`
}

// PriceResponse is returned from GET /price.
type PriceResponse struct {
	Price              decimal.Decimal `json:"price"`
	Status             string          `json:"status"`
	LastPrimaryRoundID decimal.Decimal `json:"last_primary_round_id"`
}

// BoostResponse is returned from the boost endpoints.
type BoostResponse struct {
	Account       string          `json:"account"`
	Epoch         uint64          `json:"epoch"`
	BoostedAmount decimal.Decimal `json:"boosted_amount"`
	MaxBoosted    *decimal.Decimal `json:"max_boosted,omitempty"`
	Boosted       *decimal.Decimal `json:"boosted,omitempty"`
	Params        boost.Params    `json:"params"`
}

// DepositResponse is returned from the pool endpoints.
type DepositResponse struct {
	Depositor      string          `json:"depositor"`
	Deposit        decimal.Decimal `json:"deposit"`
	CollateralGain decimal.Decimal `json:"collateral_gain"`
}

// --- Liquidation handlers ---

// LiquidateOne handles POST /api/v1/liquidate/{positionID}
func (s *Service) LiquidateOne(w http.ResponseWriter, r *http.Request) {
	positionID := chi.URLParam(r, "positionID")
	req, ok := decodeLiquidate(w, r, true)
	if !ok {
		return
	}
	s.liquidate(w, r, "one", func() (*liquidation.Result, error) {
		return s.Engine.LiquidateOne(r.Context(), req.Liquidator, positionID)
	})
}

// LiquidateBatch handles POST /api/v1/liquidate/batch
func (s *Service) LiquidateBatch(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeLiquidate(w, r, false)
	if !ok {
		return
	}
	s.liquidate(w, r, "batch", func() (*liquidation.Result, error) {
		return s.Engine.LiquidateBatch(r.Context(), req.Liquidator, req.Positions)
	})
}

// LiquidateSweep handles POST /api/v1/liquidate/sweep
// Liquidates up to n positions starting from the lowest ratio.
func (s *Service) LiquidateSweep(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeLiquidate(w, r, false)
	if !ok {
		return
	}
	var maxICR *uint256.Int
	if req.MaxICR != nil {
		v, err := fixedpoint.FromDecimal(*req.MaxICR)
		if err != nil {
			writeError(w, "invalid max_icr", http.StatusBadRequest)
			return
		}
		maxICR = v
	}
	s.liquidate(w, r, "sweep", func() (*liquidation.Result, error) {
		return s.Engine.LiquidateN(r.Context(), req.Liquidator, req.N, maxICR)
	})
}

func decodeLiquidate(w http.ResponseWriter, r *http.Request, optional bool) (LiquidateRequest, bool) {
	var req LiquidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !(optional && errors.Is(err, io.EOF)) {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return req, false
	}
	if req.Liquidator == "" {
		req.Liquidator = "anonymous"
	}
	return req, true
}

// liquidate runs one engine call and appends the committed batch to the
// ledger.
func (s *Service) liquidate(w http.ResponseWriter, r *http.Request, kind string, call func() (*liquidation.Result, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	res, err := call()
	metrics.LiquidationLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.LiquidationRejections.WithLabelValues(rejectionReason(err)).Inc()
		writeErr(w, err)
		return
	}

	rec := res.Record()
	if err := s.Store.InsertLiquidation(r.Context(), rec); err != nil {
		// The engine state is already committed; report the batch anyway.
		slog.Error("failed to record liquidation", "id", rec.ID, "err", err)
	}

	writeJSON(w, http.StatusOK, rec)
}

// --- Price and system handlers ---

// GetPrice handles GET /api/v1/price
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	price, err := s.Arbiter.FetchPrice(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	st := s.Arbiter.State()
	writeJSON(w, http.StatusOK, PriceResponse{
		Price:              fixedpoint.ToDecimal(price),
		Status:             st.Status.String(),
		LastPrimaryRoundID: roundID(st.LastPrimaryRoundID),
	})
}

// GetSystem handles GET /api/v1/system
func (s *Service) GetSystem(w http.ResponseWriter, r *http.Request) {
	state, err := s.Engine.SystemState(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	state.OracleStatus = s.Arbiter.State().Status.String()
	writeJSON(w, http.StatusOK, state)
}

// --- Position handlers ---

// OpenPosition handles POST /api/v1/positions
func (s *Service) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		writeError(w, "id is required", http.StatusBadRequest)
		return
	}
	coll, err1 := fixedpoint.FromDecimal(req.Coll)
	debt, err2 := fixedpoint.FromDecimal(req.Debt)
	if err1 != nil || err2 != nil {
		writeError(w, "coll and debt must be non-negative", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.Positions.Open(ctx, req.ID, coll, debt); err != nil {
		writeErr(w, err)
		return
	}
	price, err := s.Arbiter.FetchPrice(ctx)
	if err != nil {
		writeErr(w, err)
		return
	}
	pos, err := s.Positions.Position(ctx, req.ID, price)
	if err != nil {
		writeErr(w, err)
		return
	}

	slog.Info("position opened",
		"id", req.ID,
		"coll", req.Coll.String(),
		"debt", req.Debt.String(),
	)
	writeJSON(w, http.StatusCreated, pos)
}

// GetPosition handles GET /api/v1/positions/{positionID}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	positionID := chi.URLParam(r, "positionID")
	ctx := r.Context()

	price, err := s.Arbiter.FetchPrice(ctx)
	if err != nil {
		writeErr(w, err)
		return
	}
	pos, err := s.Positions.Position(ctx, positionID, price)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// GetPositionLiquidations handles GET /api/v1/positions/{positionID}/liquidations
func (s *Service) GetPositionLiquidations(w http.ResponseWriter, r *http.Request) {
	positionID := chi.URLParam(r, "positionID")

	recs, err := s.Store.ListLiquidationsByPosition(r.Context(), positionID)
	if err != nil {
		writeError(w, "failed to load liquidations", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []model.LiquidationRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// --- Pool handlers ---

// Deposit handles POST /api/v1/pool/deposits
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Depositor == "" {
		writeError(w, "depositor is required", http.StatusBadRequest)
		return
	}
	amount, err := fixedpoint.FromDecimal(req.Amount)
	if err != nil {
		writeError(w, "amount must be non-negative", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.Pool.Deposit(ctx, req.Depositor, amount); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.depositView(req.Depositor))
}

// GetDeposit handles GET /api/v1/pool/deposits/{depositor}
func (s *Service) GetDeposit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.depositView(chi.URLParam(r, "depositor")))
}

func (s *Service) depositView(depositor string) DepositResponse {
	return DepositResponse{
		Depositor:      depositor,
		Deposit:        fixedpoint.ToDecimal(s.Pool.DepositOf(depositor)),
		CollateralGain: fixedpoint.ToDecimal(s.Pool.CollateralGain(s.Engine.Params().CollateralKind, depositor)),
	}
}

// --- Ledger handlers ---

// ListLiquidations handles GET /api/v1/liquidations?limit=N
func (s *Service) ListLiquidations(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	recs, err := s.Store.ListLiquidations(r.Context(), limit)
	if err != nil {
		writeError(w, "failed to list liquidations", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []model.LiquidationRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// GetLiquidation handles GET /api/v1/liquidations/{liquidationID}
func (s *Service) GetLiquidation(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Store.GetLiquidation(r.Context(), chi.URLParam(r, "liquidationID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// --- Boost handlers ---

// GetBoost handles GET /api/v1/boost/{account}?amount=&previous=&emissions=
// Read-only: nothing is cached and staged parameters are not applied.
func (s *Service) GetBoost(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	q := r.URL.Query()
	amount, err1 := queryAmount(q.Get("amount"))
	previous, err2 := queryAmount(q.Get("previous"))
	emissions, err3 := queryAmount(q.Get("emissions"))
	if err := errors.Join(err1, err2, err3); err != nil {
		writeError(w, "amount, previous and emissions must be non-negative decimals", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	boosted, err := s.Boost.GetBoostedAmount(ctx, account, amount, previous, emissions)
	if err != nil {
		writeErr(w, err)
		return
	}
	maxBoosted, claimable, err := s.Boost.GetClaimableWithBoost(ctx, account, previous, emissions)
	if err != nil {
		writeErr(w, err)
		return
	}
	metrics.BoostQueries.WithLabelValues("view").Inc()

	maxDec, claimDec := fixedpoint.ToDecimal(maxBoosted), fixedpoint.ToDecimal(claimable)
	writeJSON(w, http.StatusOK, BoostResponse{
		Account:       account,
		Epoch:         s.Boost.Epoch(),
		BoostedAmount: fixedpoint.ToDecimal(boosted),
		MaxBoosted:    &maxDec,
		Boosted:       &claimDec,
		Params:        s.Boost.Params(),
	})
}

// ClaimBoost handles POST /api/v1/boost/{account}/claim
// Settles a claim through the write variant.
func (s *Service) ClaimBoost(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	amount, err1 := fixedpoint.FromDecimal(req.Amount)
	previous, err2 := fixedpoint.FromDecimal(req.Previous)
	emissions, err3 := fixedpoint.FromDecimal(req.Emissions)
	if err := errors.Join(err1, err2, err3); err != nil {
		writeError(w, "amount, previous and emissions must be non-negative", http.StatusBadRequest)
		return
	}
	if amount.IsZero() {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	boosted, err := s.Boost.GetBoostedAmountWrite(r.Context(), account, amount, previous, emissions)
	if err != nil {
		writeErr(w, err)
		return
	}
	metrics.BoostQueries.WithLabelValues("write").Inc()

	slog.Info("boost claim settled",
		"account", account,
		"amount", req.Amount.String(),
		"boosted", fixedpoint.ToDecimal(boosted).String(),
	)
	writeJSON(w, http.StatusOK, BoostResponse{
		Account:       account,
		Epoch:         s.Boost.Epoch(),
		BoostedAmount: fixedpoint.ToDecimal(boosted),
		Params:        s.Boost.Params(),
	})
}

// SetBoostParameters handles POST /api/v1/boost/parameters
// The update is staged and takes effect from the next epoch.
func (s *Service) SetBoostParameters(w http.ResponseWriter, r *http.Request) {
	var req boost.Params
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.Boost.SetBoostParameters(req); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"effective_epoch": s.Boost.Epoch() + 1,
		"params":          req,
	})
}

// SetLockWeight handles POST /api/v1/boost/weights
// A share already cached by a settled claim is not recomputed.
func (s *Service) SetLockWeight(w http.ResponseWriter, r *http.Request) {
	var req WeightRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Account == "" {
		writeError(w, "account is required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.Weights.SetWeight(req.Account, req.Epoch, req.Weight)
	slog.Info("lock weight set", "account", req.Account, "epoch", req.Epoch, "weight", req.Weight)
	writeJSON(w, http.StatusOK, req)
}

// --- Helpers ---

// roundID renders a uint80 aggregator round id.
func roundID(id *big.Int) decimal.Decimal {
	if id == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(id, 0)
}

func queryAmount(v string) (*uint256.Int, error) {
	if v == "" {
		return fixedpoint.Zero(), nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return nil, err
	}
	return fixedpoint.FromDecimal(d)
}

// statusFor maps domain errors to HTTP status codes: input errors are 400,
// missing records 404, state conflicts 409, everything else 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, liquidation.ErrEmptyCandidateList),
		errors.Is(err, liquidation.ErrZeroCount),
		errors.Is(err, boost.ErrInvalidParameters),
		errors.Is(err, boost.ErrInvalidAccount),
		errors.Is(err, fixedpoint.ErrDivisionByZero),
		errors.Is(err, troves.ErrInvalidAmount),
		errors.Is(err, pool.ErrZeroAmount):
		return http.StatusBadRequest
	case errors.Is(err, troves.ErrNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, liquidation.ErrPositionNotActive),
		errors.Is(err, liquidation.ErrNothingToLiquidate),
		errors.Is(err, liquidation.ErrNoStakesLeft),
		errors.Is(err, troves.ErrExists),
		errors.Is(err, oracle.ErrNotInitialized):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, liquidation.ErrNothingToLiquidate):
		return "nothing_to_liquidate"
	case errors.Is(err, liquidation.ErrPositionNotActive):
		return "not_active"
	case statusFor(err) == http.StatusBadRequest:
		return "invalid_input"
	default:
		return "error"
	}
}

// writeErr writes err with the status it maps to. Internal errors are not
// echoed to the client.
func writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
