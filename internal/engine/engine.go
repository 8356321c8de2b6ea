// Package engine runs the liquidation cycle: score every open position at a
// consistent price snapshot, rank and cap the batch, stage graduated closes,
// check for cascades and either commit the batch or halt the market.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/risk-engine/internal/cascade"
	"github.com/atmx/risk-engine/internal/config"
	"github.com/atmx/risk-engine/internal/correlation"
	"github.com/atmx/risk-engine/internal/events"
	"github.com/atmx/risk-engine/internal/market"
	"github.com/atmx/risk-engine/internal/metrics"
	"github.com/atmx/risk-engine/internal/model"
	"github.com/atmx/risk-engine/internal/queue"
	"github.com/atmx/risk-engine/internal/risk"
	"github.com/atmx/risk-engine/internal/store"
)

var (
	// ErrStaleCycle is returned for a cycle number not after the last one run.
	ErrStaleCycle = errors.New("engine: cycle is not after the last processed cycle")

	// ErrUnknownMarket is returned for a market the engine has never seen.
	ErrUnknownMarket = errors.New("engine: unknown market")
)

// Settler applies one market's batch: the orders and the resulting position
// updates land together or not at all.
type Settler interface {
	Apply(ctx context.Context, marketID string, orders []model.LiquidationOrder, positions []model.Position) error
}

// StoreSettler settles by writing the batch to the store in one transaction.
type StoreSettler struct {
	Store store.Store
}

func (s StoreSettler) Apply(ctx context.Context, marketID string, orders []model.LiquidationOrder, positions []model.Position) error {
	return s.Store.ApplyLiquidations(ctx, marketID, orders, positions)
}

// Options configures an Engine. Only Store is required.
type Options struct {
	Store       store.Store
	Registry    *config.Registry
	Correlation correlation.Model
	Publisher   events.Publisher
	Settler     Settler

	// ScoringWorkers bounds parallel scoring within a market.
	ScoringWorkers int
	// MaxPositionsPerCycle bounds orders per market per cycle; 0 is unbounded.
	MaxPositionsPerCycle int
	// KeeperRewardBudget caps keeper rewards per market per cycle; zero leaves
	// the market's reward pool as the only cap.
	KeeperRewardBudget decimal.Decimal
}

// Engine owns per-market liquidation state and the circuit breaker.
type Engine struct {
	store        store.Store
	registry     *config.Registry
	corr         correlation.Model
	pub          events.Publisher
	settler      Settler
	breaker      *cascade.Breaker
	workers      int
	maxPositions int
	rewardBudget decimal.Decimal

	// cycleMu serializes cycles and operator actions that need a stable cycle.
	cycleMu sync.Mutex

	mu        sync.RWMutex
	markets   map[string]*marketState
	lastCycle int64
}

// New creates an engine.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	reg := opts.Registry
	if reg == nil {
		var err error
		if reg, err = config.NewRegistry(config.DefaultPolicy()); err != nil {
			return nil, err
		}
	}
	corr := opts.Correlation
	if corr == nil {
		m, err := correlation.NewStaticMatrix(decimal.Zero)
		if err != nil {
			return nil, err
		}
		corr = m
	}
	pub := opts.Publisher
	if pub == nil {
		pub = events.Discard{}
	}
	settler := opts.Settler
	if settler == nil {
		settler = StoreSettler{Store: opts.Store}
	}
	workers := opts.ScoringWorkers
	if workers < 1 {
		workers = 1
	}
	return &Engine{
		store:        opts.Store,
		registry:     reg,
		corr:         corr,
		pub:          pub,
		settler:      settler,
		breaker:      cascade.NewBreaker(),
		workers:      workers,
		maxPositions: opts.MaxPositionsPerCycle,
		rewardBudget: opts.KeeperRewardBudget,
		markets:      make(map[string]*marketState),
	}, nil
}

// Breaker exposes the circuit breaker for order-entry checks.
func (e *Engine) Breaker() *cascade.Breaker { return e.breaker }

// Registry returns the policy registry.
func (e *Engine) Registry() *config.Registry { return e.registry }

// LastCycle is the most recent cycle run.
func (e *Engine) LastCycle() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastCycle
}

// Restore reinstalls persisted halts. Call once before the first cycle.
func (e *Engine) Restore(ctx context.Context) error {
	states, err := e.store.ListTradingStates(ctx)
	if err != nil {
		return fmt.Errorf("restore trading states: %w", err)
	}
	e.breaker.Restore(states)
	for _, st := range e.breaker.States() {
		metrics.BreakerHalted.WithLabelValues(st.Scope).Set(1)
		e.mu.Lock()
		if st.Cycle > e.lastCycle {
			e.lastCycle = st.Cycle
		}
		e.mu.Unlock()
		slog.Warn("trading halt restored", "scope", st.Scope, "reason", st.Reason, "cycle", st.Cycle)
	}
	return nil
}

// MarketReport is one market's outcome for a cycle.
type MarketReport struct {
	MarketID   string                   `json:"market_id"`
	Cycle      int64                    `json:"cycle"`
	Skipped    bool                     `json:"skipped,omitempty"`
	Halted     bool                     `json:"halted"`
	Scored     int                      `json:"scored"`
	Orders     []model.LiquidationOrder `json:"orders"`
	Stats      queue.CycleStats         `json:"stats"`
	Analysis   *cascade.Analysis        `json:"analysis,omitempty"`
	Trip       *cascade.Trip            `json:"trip,omitempty"`
	Resolution *cascade.Resolution      `json:"resolution,omitempty"`
}

// VenueReport is the venue-scope outcome for a cycle.
type VenueReport struct {
	Halted     bool                   `json:"halted"`
	Analysis   *cascade.VenueAnalysis `json:"analysis,omitempty"`
	Trip       *cascade.Trip          `json:"trip,omitempty"`
	Resolution *cascade.Resolution    `json:"resolution,omitempty"`
}

// Report is the outcome of one RunCycle.
type Report struct {
	Cycle   int64          `json:"cycle"`
	Markets []MarketReport `json:"markets"`
	Venue   VenueReport    `json:"venue"`
}

// Market returns the named market's report from the cycle.
func (r Report) Market(id string) (MarketReport, bool) {
	for _, m := range r.Markets {
		if m.MarketID == id {
			return m, true
		}
	}
	return MarketReport{}, false
}

// RunCycle processes every known market at the given price snapshot. Markets
// run concurrently; a market without a price is left untouched. The venue
// stress runs before any market settles, so a venue trip discards the whole
// cycle's orders. Per-market failures and trips are joined into the returned
// error and never affect other markets; test with
// errors.Is(err, cascade.ErrCircuitBreakerTripped).
func (e *Engine) RunCycle(ctx context.Context, cycle int64, prices map[string]decimal.Decimal) (Report, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	if err := ctx.Err(); err != nil {
		return Report{}, err
	}
	if last := e.LastCycle(); cycle <= last {
		return Report{}, fmt.Errorf("%w: %d <= %d", ErrStaleCycle, cycle, last)
	}

	ids, err := e.marketIDs(ctx, prices)
	if err != nil {
		return Report{}, err
	}

	inputs := make([]marketInput, len(ids))
	reports := make([]MarketReport, len(ids))
	errs := make([]error, len(ids)+1)
	var load errgroup.Group
	for i, id := range ids {
		price, ok := prices[id]
		inputs[i] = marketInput{price: price, priced: ok}
		if !ok || !price.IsPositive() {
			continue
		}
		i, id := i, id
		load.Go(func() error {
			positions, err := e.store.ListOpenPositions(ctx, id)
			if err != nil {
				errs[i] = fmt.Errorf("market %s: load positions: %w", id, err)
				return nil
			}
			inputs[i].positions = positions
			return nil
		})
	}
	_ = load.Wait()
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}

	var venue VenueReport
	_, venueHalted := e.breaker.Halted(model.VenueScope)
	if !venueHalted {
		venue, errs[len(ids)] = e.venueStress(ctx, cycle, ids, inputs)
	}

	var run errgroup.Group
	for i, id := range ids {
		if errs[i] != nil {
			reports[i] = MarketReport{MarketID: id, Cycle: cycle}
			continue
		}
		i, id := i, id
		run.Go(func() error {
			reports[i], errs[i] = e.runMarket(ctx, cycle, id, inputs[i])
			return nil
		})
	}
	_ = run.Wait()

	if venueHalted {
		venue = e.venueRecovery(ctx, cycle)
	}

	e.mu.Lock()
	e.lastCycle = cycle
	e.mu.Unlock()
	return Report{Cycle: cycle, Markets: reports, Venue: venue}, errors.Join(errs...)
}

// marketInput is one market's share of a cycle: its price, if any, and the
// open positions loaded for it.
type marketInput struct {
	price     decimal.Decimal
	priced    bool
	positions []model.Position
}

// marketIDs is every market with open positions, a price or engine state.
func (e *Engine) marketIDs(ctx context.Context, prices map[string]decimal.Decimal) ([]string, error) {
	stored, err := e.store.ListMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	seen := make(map[string]bool, len(stored)+len(prices))
	for _, id := range stored {
		seen[id] = true
	}
	for id := range prices {
		seen[id] = true
	}
	e.mu.RLock()
	for id := range e.markets {
		seen[id] = true
	}
	e.mu.RUnlock()

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (e *Engine) runMarket(ctx context.Context, cycle int64, id string, in marketInput) (MarketReport, error) {
	ms := e.market(id)
	ms.mu.Lock()
	defer ms.mu.Unlock()

	price := in.price
	rep := MarketReport{MarketID: id, Cycle: cycle}
	if !in.priced {
		rep.Skipped = true
		rep.Halted = e.breaker.IsHalted(id)
		ms.report = rep
		return rep, nil
	}
	if !price.IsPositive() {
		return rep, fmt.Errorf("market %s: %w: price %s", id, risk.ErrInputInvalid, price)
	}

	start := time.Now()
	defer func() {
		metrics.CycleDuration.WithLabelValues(id).Observe(time.Since(start).Seconds())
	}()

	policy := e.registry.Policy(id)
	ms.configure(policy)

	positions := in.positions
	for i := range positions {
		positions[i].MarkPrice = price
	}
	if dropped := ms.exec.Retain(positions); len(dropped) > 0 {
		slog.Info("escalation state dropped",
			"market", id,
			"cycle", cycle,
			"positions", len(dropped),
		)
	}
	reference := ms.price
	if !reference.IsPositive() {
		reference = price
	}
	ms.price = price
	ms.positions = positions
	exposures := cascade.ExposuresFrom(positions)

	if _, halted := e.breaker.Halted(id); halted {
		rep.Halted = true
		if res, ok := e.breaker.CheckRecovery(id, policy.Cascade, exposures, price, cycle); ok {
			rep.Halted = false
			rep.Resolution = &res
			ms.window.Reset()
			e.resolved(ctx, res)
		}
		ms.report = rep
		return rep, nil
	}
	if e.breaker.IsHalted(id) {
		// Venue halt; the venue scope runs its own recovery check.
		rep.Halted = true
		ms.report = rep
		return rep, nil
	}

	// Cascade check on the observed move since the previous cycle.
	det, err := newDetector(id, policy.Cascade)
	if err != nil {
		return rep, fmt.Errorf("market %s: %w", id, err)
	}
	analysis, err := det.Analyze(exposures, reference, price)
	if err != nil {
		return rep, fmt.Errorf("market %s: cascade analysis: %w", id, err)
	}
	rep.Analysis = &analysis
	metrics.CascadeRateBps.WithLabelValues(id).Set(float64(analysis.RateBps))
	if analysis.Tripped {
		return e.tripMarket(ctx, ms, rep, cascade.ReasonCascade, cycle, analysis.AtRiskIDs)
	}

	atRisk, err := e.score(ctx, id, positions)
	if err != nil {
		return rep, fmt.Errorf("market %s: %w", id, err)
	}
	rep.Scored = len(atRisk)
	metrics.AtRiskPositions.WithLabelValues(id).Set(float64(len(atRisk)))

	q := ms.queue
	q.Refresh(cycle, atRisk)
	checkpoint := q.Checkpoint()
	batch := ms.exec.Begin(cycle)
	q.Planner = batch
	defer func() { q.Planner = nil }()

	budget := e.rewardBudget
	if !budget.IsPositive() {
		budget = q.RewardPool
	}
	orders, err := queue.ProcessQueue(q, e.maxPositions, budget)
	if err != nil && !errors.Is(err, queue.ErrCapacityExceeded) {
		q.Rollback(checkpoint)
		return rep, fmt.Errorf("market %s: %w", id, err)
	}
	rep.Stats = q.Last

	c := policy.Cascade
	if len(exposures) >= c.WindowMinTracked && ms.window.RateWithBps(len(orders), len(exposures)) > c.WindowThresholdBps {
		q.Rollback(checkpoint)
		return e.tripMarket(ctx, ms, rep, cascade.ReasonLiquidationRate, cycle, breachedIDs(exposures, price))
	}

	staged := batch.Positions()
	if len(orders) > 0 {
		if err := e.settler.Apply(ctx, id, orders, staged); err != nil {
			q.Rollback(checkpoint)
			return rep, fmt.Errorf("market %s: settle %d orders: %w", id, len(orders), err)
		}
	}
	batch.Commit()
	ms.merge(staged)
	ms.window.Record(len(orders), len(exposures))
	rep.Orders = orders
	ms.report = rep

	e.executed(ctx, id, cycle, &analysis, orders, rep.Stats)
	return rep, nil
}

// score assesses positions in parallel and keeps those scoring above safe.
// Invalid positions are logged and skipped.
func (e *Engine) score(ctx context.Context, marketID string, positions []model.Position) ([]model.AtRiskPosition, error) {
	owners := make([]string, 0, len(positions))
	seen := make(map[string]bool, len(positions))
	for _, p := range positions {
		if !seen[p.OwnerID] {
			seen[p.OwnerID] = true
			owners = append(owners, p.OwnerID)
		}
	}
	profiles, err := e.store.OwnerProfiles(ctx, owners)
	if err != nil {
		return nil, fmt.Errorf("load owner profiles: %w", err)
	}

	scored := make([]*model.AtRiskPosition, len(positions))
	var g errgroup.Group
	g.SetLimit(e.workers)
	for i := range positions {
		i := i
		g.Go(func() error {
			p := positions[i]
			a, err := risk.Assess(p, profiles[p.OwnerID], 0)
			if err != nil {
				slog.Warn("position skipped",
					"market", marketID,
					"position", p.ID,
					"err", err,
				)
				return nil
			}
			if a.RiskScore > risk.ScoreSafe {
				scored[i] = &a
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]model.AtRiskPosition, 0, len(scored))
	for _, a := range scored {
		if a != nil {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (e *Engine) executed(ctx context.Context, marketID string, cycle int64, a *cascade.Analysis, orders []model.LiquidationOrder, stats queue.CycleStats) {
	if stats.Deferred > 0 {
		metrics.DeferredPositions.WithLabelValues(marketID).Add(float64(stats.Deferred))
	}
	evs := make([]events.Event, 0, len(orders)+1)
	if a.SecondWave > 0 {
		evs = append(evs, events.New(events.CascadeDetected, marketID, cycle, a))
	}
	for i := range orders {
		o := &orders[i]
		metrics.LiquidationsTotal.WithLabelValues(marketID, strconv.Itoa(o.Level)).Inc()
		metrics.LiquidationVolume.WithLabelValues(marketID).Add(o.LiquidationValue.InexactFloat64())
		metrics.KeeperRewards.WithLabelValues(marketID).Add(o.KeeperReward.InexactFloat64())
		metrics.InsuranceCollected.WithLabelValues(marketID).Add(o.InsuranceContribution.InexactFloat64())
		evs = append(evs, events.New(events.LiquidationExecuted, marketID, cycle, o))
	}
	if len(orders) > 0 {
		slog.Info("liquidations executed",
			"market", marketID,
			"cycle", cycle,
			"orders", len(orders),
			"deferred", stats.Deferred,
			"used_notional", stats.UsedNotional.String(),
		)
	}
	e.publish(ctx, evs...)
}

func (e *Engine) tripMarket(ctx context.Context, ms *marketState, rep MarketReport, reason cascade.Reason, cycle int64, atRiskIDs []string) (MarketReport, error) {
	t := e.trip(ctx, ms.id, reason, cycle, atRiskIDs, rep.Analysis)
	rep.Halted = true
	rep.Trip = &t
	ms.report = rep
	return rep, fmt.Errorf("%w: market %s (%s) at cycle %d", cascade.ErrCircuitBreakerTripped, ms.id, reason, cycle)
}

// trip halts scope, persists the halt and emits its events. A scope already
// halted keeps its original trip.
func (e *Engine) trip(ctx context.Context, scope string, reason cascade.Reason, cycle int64, atRiskIDs []string, detail any) cascade.Trip {
	t, fresh := e.breaker.Trip(scope, reason, cycle, atRiskIDs)
	if !fresh {
		return t
	}
	metrics.BreakerTrips.WithLabelValues(scope, string(reason)).Inc()
	metrics.BreakerHalted.WithLabelValues(scope).Set(1)
	if err := e.store.SaveTradingState(ctx, t.State()); err != nil {
		slog.Error("persist trading halt failed", "scope", scope, "err", err)
	}

	slog.Warn("circuit breaker tripped",
		"scope", scope,
		"reason", reason,
		"cycle", cycle,
		"at_risk", len(t.AtRiskIDs),
	)
	var evs []events.Event
	if detail != nil && reason != cascade.ReasonManual && reason != cascade.ReasonLiquidationRate {
		evs = append(evs, events.New(events.CascadeDetected, scope, cycle, detail))
	}
	evs = append(evs, events.New(events.BreakerTripped, scope, cycle, t))
	e.publish(ctx, evs...)
	return t
}

func (e *Engine) resolved(ctx context.Context, res cascade.Resolution) {
	metrics.BreakerHalted.WithLabelValues(res.Scope).Set(0)
	if err := e.store.SaveTradingState(ctx, res.ActiveState(time.Now())); err != nil {
		slog.Error("persist trading resume failed", "scope", res.Scope, "err", err)
	}
	slog.Info("circuit breaker resolved",
		"scope", res.Scope,
		"reason", res.Reason,
		"trip_cycle", res.TripCycle,
		"cycle", res.Cycle,
		"recovery_price", res.RecoveryPrice.String(),
		"remaining_at_risk", res.RemainingAtRisk,
	)
	e.publish(ctx, events.New(events.BreakerResolved, res.Scope, res.Cycle, res))
}

// publish never fails a cycle: events are observability, not state.
func (e *Engine) publish(ctx context.Context, evs ...events.Event) {
	if len(evs) == 0 {
		return
	}
	if err := e.pub.Publish(ctx, evs...); err != nil {
		slog.Error("publish events failed", "count", len(evs), "err", err)
	}
}

// newDetector builds a detector, switching outcome markets to LMSR impact.
func newDetector(marketID string, cfg config.CascadeConfig) (*cascade.Detector, error) {
	if m, err := market.Parse(marketID); err == nil {
		cfg.ImpactModel = m.ImpactModel(cfg.ImpactModel)
	}
	return cascade.NewDetector(cfg)
}

func breachedIDs(exposures []cascade.Exposure, price decimal.Decimal) []string {
	var ids []string
	for _, x := range exposures {
		if x.Breached(price) {
			ids = append(ids, x.PositionID)
		}
	}
	return ids
}
