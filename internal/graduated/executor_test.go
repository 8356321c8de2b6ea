package graduated

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/risk-engine/internal/config"
	"github.com/atmx/risk-engine/internal/model"
	"github.com/atmx/risk-engine/internal/queue"
	"github.com/atmx/risk-engine/internal/settlement"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

// position returns a long with entry 100 and liquidation price 45.
func position(size float64) model.Position {
	return model.Position{
		ID:               "pos-1",
		OwnerID:          "alice",
		MarketID:         "BTC-USD-PERP",
		Side:             model.SideLong,
		Size:             d(size),
		EntryPrice:       d(100),
		Leverage:         d(2),
		LiquidationPrice: d(45),
	}
}

func TestCheck_LevelZeroNearLiquidation(t *testing.T) {
	e := NewExecutor(config.DefaultPolicy())
	dec, err := e.CheckLiquidationNeeded(position(10000), d(45.25), 1)
	require.NoError(t, err)

	assert.Equal(t, DecisionLiquidate, dec.Kind)
	assert.Equal(t, 0, dec.Level)
	assert.False(t, dec.Terminal)
	assert.True(t, dec.Amount.Equal(d(1000)), "amount %s", dec.Amount)
}

func TestCheck_HealthyAndClosed(t *testing.T) {
	e := NewExecutor(config.DefaultPolicy())

	dec, err := e.CheckLiquidationNeeded(position(10), d(90), 1)
	require.NoError(t, err)
	assert.Equal(t, DecisionNone, dec.Kind)
	assert.Equal(t, ReasonHealthy, dec.Reason)

	closed := position(10)
	closed.Closed = true
	dec, err = e.CheckLiquidationNeeded(closed, d(40), 1)
	require.NoError(t, err)
	assert.Equal(t, ReasonClosed, dec.Reason)

	_, err = e.Execute(&closed, Decision{Kind: DecisionLiquidate, Amount: d(1)}, d(40), 1)
	assert.True(t, errors.Is(err, ErrPositionHealthy))
}

func TestExecute_TerminalClosesEverything(t *testing.T) {
	e := NewExecutor(config.DefaultPolicy())
	p := position(7.123456789)

	dec, err := e.CheckLiquidationNeeded(p, d(44), 1)
	require.NoError(t, err)
	require.Equal(t, DecisionLiquidate, dec.Kind)
	assert.True(t, dec.Terminal)
	assert.Equal(t, 3, dec.Level)

	order, err := e.Execute(&p, dec, d(44), 1)
	require.NoError(t, err)
	assert.True(t, p.Closed)
	assert.True(t, p.Size.IsZero())
	assert.True(t, order.IsFullClose)
	assert.True(t, order.AmountLiquidated.Equal(d(7.123456789)))
	assert.True(t, order.OwnerPayout.Add(order.KeeperReward).Add(order.InsuranceContribution).Equal(order.LiquidationValue))

	// State is dropped on close.
	_, ok := e.State(p.ID)
	assert.False(t, ok)
}

func TestExecute_GracePeriodBlocksEscalation(t *testing.T) {
	e := NewExecutor(config.DefaultPolicy())
	p := position(10000)

	dec, err := e.CheckLiquidationNeeded(p, d(45.25), 5)
	require.NoError(t, err)
	_, err = e.Execute(&p, dec, d(45.25), 5)
	require.NoError(t, err)
	assert.True(t, p.Size.Equal(d(9000)))

	for cycle := int64(6); cycle < 15; cycle++ {
		dec, err = e.CheckLiquidationNeeded(p, d(45.1), cycle)
		require.NoError(t, err)
		assert.Equal(t, DecisionGracePeriod, dec.Kind, "cycle %d", cycle)
		assert.Equal(t, int64(15), dec.GraceEndsCycle)

		_, err = e.Execute(&p, dec, d(45.1), cycle)
		assert.True(t, errors.Is(err, ErrGracePeriodActive))
	}

	// Even a breached position waits out the grace period.
	dec, err = e.CheckLiquidationNeeded(p, d(40), 14)
	require.NoError(t, err)
	assert.Equal(t, DecisionGracePeriod, dec.Kind)

	dec, err = e.CheckLiquidationNeeded(p, d(45.1), 15)
	require.NoError(t, err)
	assert.Equal(t, DecisionLiquidate, dec.Kind)
	assert.Equal(t, 1, dec.Level)
	assert.True(t, dec.Amount.Equal(d(2250)), "25%% of remaining 9000, got %s", dec.Amount)
}

func TestExecute_LiquidatedBpsMonotonic(t *testing.T) {
	policy := config.DefaultPolicy()
	policy.Liquidation.GracePeriodCycles = 1
	e := NewExecutor(policy)
	p := position(10000)

	// Three partial steps just above liquidation, then a breach.
	prices := []float64{45.01, 45.01, 45.01, 44}
	var last int64
	for i, price := range prices {
		cycle := int64(i + 1)
		dec, err := e.CheckLiquidationNeeded(p, d(price), cycle)
		require.NoError(t, err)
		require.Equal(t, DecisionLiquidate, dec.Kind, "cycle %d", cycle)
		assert.Equal(t, i, dec.Level)
		_, err = e.Execute(&p, dec, d(price), cycle)
		require.NoError(t, err)

		if st, ok := e.State(p.ID); ok {
			assert.GreaterOrEqual(t, st.LiquidatedBps, last)
			assert.LessOrEqual(t, st.LiquidatedBps, model.BpsScale)
			last = st.LiquidatedBps
		}
	}
	assert.Equal(t, int64(6625), last)
	assert.True(t, p.Closed)
	assert.True(t, p.LiquidatedSize.Equal(d(10000)))
	assert.True(t, p.Size.IsZero())
}

func TestExecute_FailureLeavesStateUnchanged(t *testing.T) {
	e := NewExecutor(config.DefaultPolicy())
	p := position(1)
	p.Size = decimal.RequireFromString("1e30")
	before := p

	dec, err := e.CheckLiquidationNeeded(p, d(44), 1)
	require.NoError(t, err)
	_, err = e.Execute(&p, dec, decimal.RequireFromString("1e30"), 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, settlement.ErrOverflow))
	assert.Equal(t, before, p)
	assert.Equal(t, 0, e.Len())
}

func TestBatch_DiscardAndCommit(t *testing.T) {
	e := NewExecutor(config.DefaultPolicy())
	p := position(10000)
	p.MarkPrice = d(45.25)
	ap := &model.AtRiskPosition{Position: p}

	b := e.Begin(1)
	plan, ok := b.Plan(ap)
	require.True(t, ok)
	require.NoError(t, b.Record(ap, plan, plan.Amount))
	require.Equal(t, 1, b.Len())
	assert.True(t, b.Positions()[0].Size.Equal(d(9000)))

	// Dropped batch: the executor never saw the escalation.
	_, ok = e.State(p.ID)
	assert.False(t, ok)

	b = e.Begin(1)
	plan, ok = b.Plan(ap)
	require.True(t, ok)
	require.NoError(t, b.Record(ap, plan, plan.Amount))
	b.Commit()

	st, ok := e.State(p.ID)
	require.True(t, ok)
	assert.Equal(t, 0, st.CurrentLevel)
	assert.Equal(t, int64(1), st.LastEscalationCycle)
	assert.Equal(t, int64(1000), st.LiquidatedBps)
}

func TestBatch_ThrottledStepResumes(t *testing.T) {
	e := NewExecutor(config.DefaultPolicy())
	p := position(10000)
	p.MarkPrice = d(45.25)
	ap := &model.AtRiskPosition{Position: p}

	b := e.Begin(1)
	plan, ok := b.Plan(ap)
	require.True(t, ok)
	require.NoError(t, b.Record(ap, plan, d(400)))
	updated := b.Positions()[0]
	b.Commit()

	st, _ := e.State(p.ID)
	assert.Equal(t, -1, st.CurrentLevel)
	assert.False(t, st.Escalated)
	assert.True(t, st.PendingAmount.Equal(d(600)))

	// Next cycle finishes level 0 without waiting for a grace period.
	dec, err := e.CheckLiquidationNeeded(updated, d(45.25), 2)
	require.NoError(t, err)
	assert.Equal(t, DecisionLiquidate, dec.Kind)
	assert.True(t, dec.Resumed)
	assert.Equal(t, 0, dec.Level)
	assert.True(t, dec.Amount.Equal(d(600)))

	_, err = e.Execute(&updated, dec, d(45.25), 2)
	require.NoError(t, err)
	st, _ = e.State(p.ID)
	assert.Equal(t, 0, st.CurrentLevel)
	assert.Equal(t, int64(2), st.LastEscalationCycle)
	assert.True(t, updated.Size.Equal(d(9000)))
}

func TestBatch_MinimumSizeStillEscalates(t *testing.T) {
	policy := config.DefaultPolicy()
	policy.Liquidation.MinLiquidationSize = d(1)
	policy.Liquidation.MaxLiquidationPerCycleBps = model.BpsScale
	e := NewExecutor(policy)
	q := queue.NewQueue("BTC-USD-PERP", policy.Liquidation)
	p := position(5)
	p.MarkPrice = d(45.25)

	run := func(cycle int64) []model.LiquidationOrder {
		t.Helper()
		q.Refresh(cycle, []model.AtRiskPosition{{Position: p, RiskScore: 99}})
		b := e.Begin(cycle)
		q.Planner = b
		orders, err := queue.ProcessQueue(q, 0, d(1000))
		require.NoError(t, err)
		if staged := b.Positions(); len(staged) == 1 {
			p = staged[0]
		}
		b.Commit()
		return orders
	}

	// Level 0 plans 0.5 contracts; the queue raises it to the 1-contract minimum.
	orders := run(1)
	require.Len(t, orders, 1)
	assert.Equal(t, 0, orders[0].Level)
	assert.True(t, orders[0].AmountLiquidated.Equal(d(1)), "amount %s", orders[0].AmountLiquidated)

	st, ok := e.State(p.ID)
	require.True(t, ok)
	assert.Equal(t, 0, st.CurrentLevel)
	assert.True(t, st.Escalated)
	assert.Equal(t, int64(1), st.LastEscalationCycle)
	assert.True(t, st.PendingAmount.IsZero(), "pending %s", st.PendingAmount)

	for cycle := int64(2); cycle < 11; cycle++ {
		assert.Empty(t, run(cycle), "cycle %d is inside the grace period", cycle)
		st, _ = e.State(p.ID)
		assert.False(t, st.PendingAmount.IsNegative())
		assert.Equal(t, 0, st.CurrentLevel)
	}
	assert.True(t, p.Size.Equal(d(4)))

	orders = run(11)
	require.Len(t, orders, 1)
	assert.Equal(t, 1, orders[0].Level)
	assert.True(t, orders[0].AmountLiquidated.Equal(d(1)), "25%% of 4, got %s", orders[0].AmountLiquidated)
	st, _ = e.State(p.ID)
	assert.Equal(t, 1, st.CurrentLevel)
	assert.Equal(t, int64(11), st.LastEscalationCycle)
}
