// Package api provides the operator HTTP surface of the risk engine: queue
// and breaker inspection, policy overrides, manual cycles and venue stress
// tests.
//
// All monetary values use shopspring/decimal and are encoded as strings.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/atmx/risk-engine/internal/cascade"
	"github.com/atmx/risk-engine/internal/config"
	"github.com/atmx/risk-engine/internal/engine"
	"github.com/atmx/risk-engine/internal/market"
	"github.com/atmx/risk-engine/internal/model"
	"github.com/atmx/risk-engine/internal/risk"
	"github.com/atmx/risk-engine/internal/store"
)

// venueParam is the URL spelling of the venue-wide breaker scope.
const venueParam = "venue"

const (
	defaultOrderLimit = 50
	maxOrderLimit     = 500
)

// Handler serves the operator API.
type Handler struct {
	engine  *engine.Engine
	store   store.Store
	limiter *rate.Limiter
}

// NewHandler creates a handler. Manual cycles are throttled to
// cyclesPerMinute with a burst of one.
func NewHandler(eng *engine.Engine, st store.Store, cyclesPerMinute int) *Handler {
	if cyclesPerMinute < 1 {
		cyclesPerMinute = 1
	}
	return &Handler{
		engine:  eng,
		store:   st,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cyclesPerMinute)), 1),
	}
}

// Routes mounts the API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/markets/{marketID}/state", h.GetState)
	r.Get("/markets/{marketID}/queue", h.GetQueue)
	r.Get("/markets/{marketID}/orders", h.ListOrders)
	r.Get("/markets/{marketID}/policy", h.GetPolicy)
	r.Put("/markets/{marketID}/policy", h.PutPolicy)
	r.Delete("/markets/{marketID}/policy", h.DeletePolicy)

	r.Put("/positions", h.SubmitPositions)
	r.Put("/owners/{ownerID}", h.PutOwner)

	r.Post("/cycles", h.RunCycle)
	r.Post("/venue/stress", h.StressVenue)

	r.Get("/breaker", h.ListHalts)
	r.Post("/breaker/{scope}/halt", h.Halt)
	r.Post("/breaker/{scope}/resume", h.Resume)
}

// --- Request/Response types ---

// PolicyResponse is a market's effective policy.
type PolicyResponse struct {
	MarketID   string        `json:"market_id"`
	Overridden bool          `json:"overridden"`
	Policy     config.Policy `json:"policy"`
}

// CycleRequest is the JSON body for POST /cycles. Cycle 0 runs the cycle
// after the last one.
type CycleRequest struct {
	Cycle  int64                      `json:"cycle"`
	Prices map[string]decimal.Decimal `json:"prices"`
}

// CycleResponse carries the cycle report. Error lists per-market trips and
// failures; the rest of the cycle still ran.
type CycleResponse struct {
	Report engine.Report `json:"report"`
	Error  string        `json:"error,omitempty"`
}

// StressRequest is the JSON body for POST /venue/stress.
type StressRequest struct {
	Reference string `json:"reference"`
	ShockBps  int64  `json:"shock_bps"` // 0 → venue default
	Trip      bool   `json:"trip"`      // halt the venue if over threshold
}

// --- Market handlers ---

// GetState handles GET /api/v1/markets/{marketID}/state
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.TradingState(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, "failed to load trading state", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetQueue handles GET /api/v1/markets/{marketID}/queue
func (h *Handler) GetQueue(w http.ResponseWriter, r *http.Request) {
	view, err := h.engine.Queue(chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, err.Error(), http.StatusNotFound)
		return
	}
	if view.Positions == nil {
		view.Positions = []model.AtRiskPosition{}
	}
	writeJSON(w, http.StatusOK, view)
}

// ListOrders handles GET /api/v1/markets/{marketID}/orders?limit=N
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	limit := defaultOrderLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxOrderLimit)
	}

	orders, err := h.store.ListOrders(r.Context(), chi.URLParam(r, "marketID"), limit)
	if err != nil {
		writeError(w, "failed to list orders", http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []model.LiquidationOrder{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetPolicy handles GET /api/v1/markets/{marketID}/policy
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.policy(chi.URLParam(r, "marketID")))
}

// PutPolicy handles PUT /api/v1/markets/{marketID}/policy
// The override applies from the market's next cycle.
func (h *Handler) PutPolicy(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	if _, err := market.Parse(marketID); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var p config.Policy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.engine.Registry().SetOverride(marketID, p); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	slog.Info("policy override set", "market", marketID)
	writeJSON(w, http.StatusOK, h.policy(marketID))
}

// DeletePolicy handles DELETE /api/v1/markets/{marketID}/policy
func (h *Handler) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	h.engine.Registry().ClearOverride(marketID)
	slog.Info("policy override cleared", "market", marketID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) policy(marketID string) PolicyResponse {
	reg := h.engine.Registry()
	overridden := false
	for _, id := range reg.Overridden() {
		if id == marketID {
			overridden = true
			break
		}
	}
	return PolicyResponse{MarketID: marketID, Overridden: overridden, Policy: reg.Policy(marketID)}
}

// --- Position management ---

// SubmitPositions handles PUT /api/v1/positions
func (h *Handler) SubmitPositions(w http.ResponseWriter, r *http.Request) {
	var positions []model.Position
	if err := json.NewDecoder(r.Body).Decode(&positions); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	err := h.engine.SubmitPositions(r.Context(), positions)
	switch {
	case errors.Is(err, risk.ErrInputInvalid):
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, cascade.ErrCircuitBreakerTripped):
		writeError(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		writeError(w, "failed to save positions", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"saved": len(positions)})
}

// PutOwner handles PUT /api/v1/owners/{ownerID}
func (h *Handler) PutOwner(w http.ResponseWriter, r *http.Request) {
	var p model.OwnerProfile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	p.OwnerID = chi.URLParam(r, "ownerID")
	if !p.StakingTier.Valid() {
		writeError(w, "staking_tier out of range", http.StatusBadRequest)
		return
	}
	if p.BootstrapPriority < 0 {
		writeError(w, "bootstrap_priority must be non-negative", http.StatusBadRequest)
		return
	}

	if err := h.store.SaveOwnerProfile(r.Context(), p); err != nil {
		writeError(w, "failed to save owner profile", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- Cycles and stress ---

// RunCycle handles POST /api/v1/cycles
// Runs one liquidation cycle at the given prices, outside the price feed.
func (h *Handler) RunCycle(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow() {
		writeError(w, "manual cycle rate exceeded", http.StatusTooManyRequests)
		return
	}

	var req CycleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Cycle < 0 {
		writeError(w, "cycle must be non-negative", http.StatusBadRequest)
		return
	}
	if req.Cycle == 0 {
		req.Cycle = h.engine.LastCycle() + 1
	}

	rep, err := h.engine.RunCycle(r.Context(), req.Cycle, req.Prices)
	if errors.Is(err, engine.ErrStaleCycle) {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil && rep.Cycle == 0 {
		slog.Error("manual cycle failed", "cycle", req.Cycle, "err", err)
		writeError(w, "cycle failed", http.StatusInternalServerError)
		return
	}

	resp := CycleResponse{Report: rep}
	if err != nil {
		resp.Error = err.Error()
	}
	slog.Info("manual cycle run", "cycle", req.Cycle, "markets", len(rep.Markets), "err", resp.Error)
	writeJSON(w, http.StatusOK, resp)
}

// StressVenue handles POST /api/v1/venue/stress
func (h *Handler) StressVenue(w http.ResponseWriter, r *http.Request) {
	var req StressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ShockBps == 0 {
		req.ShockBps = h.engine.Registry().Defaults().Cascade.StressShockBps
	}
	if req.ShockBps < 0 || req.ShockBps >= model.BpsScale {
		writeError(w, "shock_bps must be within (0, 10000)", http.StatusBadRequest)
		return
	}

	rep, err := h.engine.StressVenue(r.Context(), req.Reference, req.ShockBps, req.Trip)
	switch {
	case errors.Is(err, engine.ErrUnknownMarket):
		writeError(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// --- Breaker ---

// ListHalts handles GET /api/v1/breaker
func (h *Handler) ListHalts(w http.ResponseWriter, r *http.Request) {
	states := h.engine.Breaker().States()
	if states == nil {
		states = []model.ScopeState{}
	}
	writeJSON(w, http.StatusOK, states)
}

// Halt handles POST /api/v1/breaker/{scope}/halt
func (h *Handler) Halt(w http.ResponseWriter, r *http.Request) {
	scope, ok := parseScope(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Halt(r.Context(), scope))
}

// Resume handles POST /api/v1/breaker/{scope}/resume
func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	scope, ok := parseScope(w, r)
	if !ok {
		return
	}
	res, resumed := h.engine.Resume(r.Context(), scope)
	if !resumed {
		writeError(w, "scope is not halted", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// parseScope maps the {scope} URL parameter to a breaker scope.
func parseScope(w http.ResponseWriter, r *http.Request) (string, bool) {
	scope := chi.URLParam(r, "scope")
	if scope == venueParam {
		return model.VenueScope, true
	}
	if _, err := market.Parse(scope); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return "", false
	}
	return scope, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
