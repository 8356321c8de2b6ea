package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/risk-engine/internal/model"
)

// Schema creates the tables the PostgresStore uses. Idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS positions (
	id                TEXT PRIMARY KEY,
	owner_id          TEXT NOT NULL,
	market_id         TEXT NOT NULL,
	side              TEXT NOT NULL,
	size              NUMERIC NOT NULL,
	entry_price       NUMERIC NOT NULL,
	mark_price        NUMERIC NOT NULL,
	leverage          NUMERIC NOT NULL,
	margin            NUMERIC NOT NULL DEFAULT 0,
	liquidation_price NUMERIC NOT NULL DEFAULT 0,
	liquidated_size   NUMERIC NOT NULL DEFAULT 0,
	closed            BOOLEAN NOT NULL DEFAULT FALSE,
	chain_depth       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS positions_open_market ON positions (market_id) WHERE NOT closed;

CREATE TABLE IF NOT EXISTS owner_profiles (
	owner_id           TEXT PRIMARY KEY,
	staking_tier       INTEGER NOT NULL DEFAULT 0,
	bootstrap_priority INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS liquidation_orders (
	id                     TEXT PRIMARY KEY,
	position_id            TEXT NOT NULL REFERENCES positions (id),
	owner_id               TEXT NOT NULL,
	market_id              TEXT NOT NULL,
	level                  INTEGER NOT NULL,
	amount_liquidated      NUMERIC NOT NULL,
	is_full_close          BOOLEAN NOT NULL,
	price                  NUMERIC NOT NULL,
	liquidation_value      NUMERIC NOT NULL,
	keeper_reward          NUMERIC NOT NULL,
	insurance_contribution NUMERIC NOT NULL,
	owner_payout           NUMERIC NOT NULL,
	cycle                  BIGINT NOT NULL,
	created_at             TIMESTAMPTZ NOT NULL,
	CHECK (liquidation_value = owner_payout + keeper_reward + insurance_contribution)
);
CREATE INDEX IF NOT EXISTS liquidation_orders_market ON liquidation_orders (market_id, created_at DESC);

CREATE TABLE IF NOT EXISTS trading_states (
	scope       TEXT PRIMARY KEY,
	state       TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	cycle       BIGINT NOT NULL DEFAULT 0,
	at_risk_ids TEXT[] NOT NULL DEFAULT '{}',
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT market_id FROM positions WHERE NOT closed ORDER BY market_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		markets = append(markets, id)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) ListOpenPositions(ctx context.Context, marketID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, market_id, side,
		        size::TEXT, entry_price::TEXT, mark_price::TEXT, leverage::TEXT,
		        margin::TEXT, liquidation_price::TEXT, liquidated_size::TEXT,
		        closed, chain_depth
		 FROM positions WHERE market_id = $1 AND NOT closed ORDER BY id`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var side string
		var size, entry, mark, lev, margin, liq, liquidated string
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.MarketID, &side,
			&size, &entry, &mark, &lev,
			&margin, &liq, &liquidated,
			&p.Closed, &p.ChainDepth); err != nil {
			return nil, err
		}
		p.Side = model.Side(side)
		p.Size, _ = decimal.NewFromString(size)
		p.EntryPrice, _ = decimal.NewFromString(entry)
		p.MarkPrice, _ = decimal.NewFromString(mark)
		p.Leverage, _ = decimal.NewFromString(lev)
		p.Margin, _ = decimal.NewFromString(margin)
		p.LiquidationPrice, _ = decimal.NewFromString(liq)
		p.LiquidatedSize, _ = decimal.NewFromString(liquidated)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

const upsertPosition = `
INSERT INTO positions (id, owner_id, market_id, side, size, entry_price, mark_price, leverage,
                       margin, liquidation_price, liquidated_size, closed, chain_depth)
VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
        $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12, $13)
ON CONFLICT (id) DO UPDATE SET
	size = EXCLUDED.size,
	entry_price = EXCLUDED.entry_price,
	mark_price = EXCLUDED.mark_price,
	leverage = EXCLUDED.leverage,
	margin = EXCLUDED.margin,
	liquidation_price = EXCLUDED.liquidation_price,
	liquidated_size = EXCLUDED.liquidated_size,
	closed = EXCLUDED.closed,
	chain_depth = EXCLUDED.chain_depth`

func queuePosition(b *pgx.Batch, p model.Position) {
	b.Queue(upsertPosition,
		p.ID, p.OwnerID, p.MarketID, string(p.Side),
		p.Size.String(), p.EntryPrice.String(), p.MarkPrice.String(), p.Leverage.String(),
		p.Margin.String(), p.LiquidationPrice.String(), p.LiquidatedSize.String(),
		p.Closed, p.ChainDepth,
	)
}

func (s *PostgresStore) SavePositions(ctx context.Context, positions []model.Position) error {
	if len(positions) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, p := range positions {
		queuePosition(b, p)
	}
	return s.pool.SendBatch(ctx, b).Close()
}

func (s *PostgresStore) OwnerProfiles(ctx context.Context, ownerIDs []string) (map[string]model.OwnerProfile, error) {
	out := make(map[string]model.OwnerProfile, len(ownerIDs))
	if len(ownerIDs) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT owner_id, staking_tier, bootstrap_priority
		 FROM owner_profiles WHERE owner_id = ANY($1)`, ownerIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p model.OwnerProfile
		var tier int
		if err := rows.Scan(&p.OwnerID, &tier, &p.BootstrapPriority); err != nil {
			return nil, err
		}
		p.StakingTier = model.StakingTier(tier)
		out[p.OwnerID] = p
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveOwnerProfile(ctx context.Context, p model.OwnerProfile) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO owner_profiles (owner_id, staking_tier, bootstrap_priority)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (owner_id) DO UPDATE SET
		 	staking_tier = EXCLUDED.staking_tier,
		 	bootstrap_priority = EXCLUDED.bootstrap_priority`,
		p.OwnerID, int(p.StakingTier), p.BootstrapPriority,
	)
	return err
}

func (s *PostgresStore) ApplyLiquidations(ctx context.Context, marketID string, orders []model.LiquidationOrder, positions []model.Position) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("apply liquidations %s: begin: %w", marketID, err)
	}
	// Rollback after Commit is a no-op.
	defer tx.Rollback(ctx)

	b := &pgx.Batch{}
	for _, p := range positions {
		queuePosition(b, p)
	}
	for _, o := range orders {
		b.Queue(
			`INSERT INTO liquidation_orders (id, position_id, owner_id, market_id, level,
			        amount_liquidated, is_full_close, price, liquidation_value,
			        keeper_reward, insurance_contribution, owner_payout, cycle, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8::NUMERIC, $9::NUMERIC,
			         $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13, $14)`,
			o.ID, o.PositionID, o.OwnerID, o.MarketID, o.Level,
			o.AmountLiquidated.String(), o.IsFullClose, o.Price.String(), o.LiquidationValue.String(),
			o.KeeperReward.String(), o.InsuranceContribution.String(), o.OwnerPayout.String(),
			o.Cycle, o.CreatedAt,
		)
	}
	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("apply liquidations %s: %w", marketID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("apply liquidations %s: commit: %w", marketID, err)
	}
	return nil
}

func (s *PostgresStore) ListOrders(ctx context.Context, marketID string, limit int) ([]model.LiquidationOrder, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, position_id, owner_id, market_id, level,
		        amount_liquidated::TEXT, is_full_close, price::TEXT, liquidation_value::TEXT,
		        keeper_reward::TEXT, insurance_contribution::TEXT, owner_payout::TEXT,
		        cycle, created_at
		 FROM liquidation_orders WHERE market_id = $1
		 ORDER BY created_at DESC LIMIT $2`, marketID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.LiquidationOrder
	for rows.Next() {
		var o model.LiquidationOrder
		var amount, price, value, keeper, insurance, owner string
		if err := rows.Scan(&o.ID, &o.PositionID, &o.OwnerID, &o.MarketID, &o.Level,
			&amount, &o.IsFullClose, &price, &value,
			&keeper, &insurance, &owner,
			&o.Cycle, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.AmountLiquidated, _ = decimal.NewFromString(amount)
		o.Price, _ = decimal.NewFromString(price)
		o.LiquidationValue, _ = decimal.NewFromString(value)
		o.KeeperReward, _ = decimal.NewFromString(keeper)
		o.InsuranceContribution, _ = decimal.NewFromString(insurance)
		o.OwnerPayout, _ = decimal.NewFromString(owner)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) GetTradingState(ctx context.Context, scope string) (model.ScopeState, error) {
	var st model.ScopeState
	var state string
	err := s.pool.QueryRow(ctx,
		`SELECT scope, state, reason, cycle, at_risk_ids, updated_at
		 FROM trading_states WHERE scope = $1`, scope).
		Scan(&st.Scope, &state, &st.Reason, &st.Cycle, &st.AtRiskIDs, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return activeState(scope), nil
	}
	if err != nil {
		return model.ScopeState{}, fmt.Errorf("get trading state %s: %w", scope, err)
	}
	st.State = model.TradingState(state)
	return st, nil
}

func (s *PostgresStore) SaveTradingState(ctx context.Context, st model.ScopeState) error {
	ids := st.AtRiskIDs
	if ids == nil {
		ids = []string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trading_states (scope, state, reason, cycle, at_risk_ids, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (scope) DO UPDATE SET
		 	state = EXCLUDED.state,
		 	reason = EXCLUDED.reason,
		 	cycle = EXCLUDED.cycle,
		 	at_risk_ids = EXCLUDED.at_risk_ids,
		 	updated_at = EXCLUDED.updated_at`,
		st.Scope, string(st.State), st.Reason, st.Cycle, ids, st.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) ListTradingStates(ctx context.Context) ([]model.ScopeState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT scope, state, reason, cycle, at_risk_ids, updated_at
		 FROM trading_states ORDER BY scope`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []model.ScopeState
	for rows.Next() {
		var st model.ScopeState
		var state string
		if err := rows.Scan(&st.Scope, &state, &st.Reason, &st.Cycle, &st.AtRiskIDs, &st.UpdatedAt); err != nil {
			return nil, err
		}
		st.State = model.TradingState(state)
		states = append(states, st)
	}
	return states, rows.Err()
}
