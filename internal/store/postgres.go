package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"okx-reconcile-engine/config"
	"okx-reconcile-engine/internal/model"
)

// Postgres wraps the connection pool backing orders, position_snapshots,
// trades, and journal (§3, §6), grounded on the donor app's
// internal/database/db.go pool configuration.
type Postgres struct {
	Pool *pgxpool.Pool
}

// NewPostgres dials the pool with the donor's pool sizing (25 max / 5 min
// connections, 1h max lifetime, 30m max idle, 1m health check).
func NewPostgres(ctx context.Context, cfg config.PostgresConfig) (*Postgres, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse postgres config: %w", err)
	}
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(dialCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(dialCtx); err != nil {
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}

	return &Postgres{Pool: pool}, nil
}

func (p *Postgres) Close() {
	if p.Pool != nil {
		p.Pool.Close()
	}
}

// RunMigrations creates the orders/position_snapshots/trades/journal tables
// (§3, §6) if absent.
func (p *Postgres) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			oid VARCHAR(64) PRIMARY KEY,
			cloid VARCHAR(128),
			symbol VARCHAR(32) NOT NULL,
			side VARCHAR(4) NOT NULL,
			pos_side VARCHAR(8) NOT NULL,
			ord_type VARCHAR(16) NOT NULL,
			px DECIMAL(24, 10),
			sz DECIMAL(24, 10),
			fill_px DECIMAL(24, 10),
			fill_sz DECIMAL(24, 10),
			state VARCHAR(20) NOT NULL,
			leverage DECIMAL(10, 2),
			margin_mode VARCHAR(16),
			tag VARCHAR(64),
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_cloid ON orders(cloid)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders(symbol)`,

		`CREATE TABLE IF NOT EXISTS position_snapshots (
			pid VARCHAR(64) NOT NULL,
			u_time BIGINT NOT NULL,
			symbol VARCHAR(32) NOT NULL,
			pos_side VARCHAR(8) NOT NULL,
			pos DECIMAL(24, 10) NOT NULL,
			avail_pos DECIMAL(24, 10),
			avg_px DECIMAL(24, 10),
			mark_px DECIMAL(24, 10),
			lever DECIMAL(10, 2),
			margin_mode VARCHAR(16),
			PRIMARY KEY (pid, u_time)
		)`,

		`CREATE TABLE IF NOT EXISTS trades (
			cloid VARCHAR(128) PRIMARY KEY,
			symbol VARCHAR(32) NOT NULL,
			pos_side VARCHAR(8) NOT NULL,
			signal_id VARCHAR(64),
			current_size DECIMAL(24, 10) NOT NULL,
			entry_price DECIMAL(24, 10),
			leverage DECIMAL(10, 2),
			stop_loss_cloid VARCHAR(128),
			take_profit_cloid VARCHAR(128),
			state VARCHAR(16) NOT NULL,
			opened_at TIMESTAMP,
			closed_at TIMESTAMP,
			pid VARCHAR(64)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_pid ON trades(pid)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_state ON trades(state)`,

		`CREATE TABLE IF NOT EXISTS journal (
			id VARCHAR(64) PRIMARY KEY,
			cloid VARCHAR(128),
			signal_id VARCHAR(64),
			symbol VARCHAR(32) NOT NULL,
			pos_side VARCHAR(8),
			action_type VARCHAR(20) NOT NULL,
			source VARCHAR(16),
			oid VARCHAR(64),
			amount DECIMAL(24, 10) NOT NULL,
			ts TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_journal_cloid ON journal(cloid)`,
		`CREATE INDEX IF NOT EXISTS idx_journal_ts ON journal(ts)`,

		`CREATE TABLE IF NOT EXISTS signals (
			id SERIAL PRIMARY KEY,
			symbol VARCHAR(32) NOT NULL,
			signal_type VARCHAR(16) NOT NULL,
			payload JSONB,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, m := range migrations {
		if _, err := p.Pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("store: migration failed: %w", err)
		}
	}
	return nil
}

// OrderStore -----------------------------------------------------------

type pgOrderStore struct{ pool *pgxpool.Pool }

func (p *Postgres) Orders() OrderStore { return pgOrderStore{pool: p.Pool} }

func (s pgOrderStore) Upsert(ctx context.Context, order model.Order) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO orders (oid, cloid, symbol, side, pos_side, ord_type, px, sz, fill_px, fill_sz, state, leverage, margin_mode, tag, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (oid) DO UPDATE SET
			fill_px = EXCLUDED.fill_px,
			fill_sz = EXCLUDED.fill_sz,
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at
		WHERE NOT (
			orders.state IN ('filled','canceled','failed')
			OR (orders.state = 'partially_filled' AND EXCLUDED.state = 'live')
		)`,
		order.OID, nullable(order.CLOID), order.Symbol, order.Side, order.PosSide, order.OrdType,
		order.Px, order.Sz, order.FillPx, order.FillSz, order.State, order.Leverage, order.MarginMode,
		order.Tag, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: upsert order %s: %w", order.OID, err)
	}
	return nil
}

func (s pgOrderStore) GetByOID(ctx context.Context, oid string) (*model.Order, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT oid, COALESCE(cloid,''), symbol, side, pos_side, ord_type, px, sz, fill_px, fill_sz, state, leverage, margin_mode, tag, created_at, updated_at
		FROM orders WHERE oid=$1`, oid)

	var o model.Order
	err := row.Scan(&o.OID, &o.CLOID, &o.Symbol, &o.Side, &o.PosSide, &o.OrdType, &o.Px, &o.Sz, &o.FillPx, &o.FillSz, &o.State, &o.Leverage, &o.MarginMode, &o.Tag, &o.CreatedAt, &o.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: get order %s: %w", oid, err)
	}
	return &o, true, nil
}

// PositionStore ----------------------------------------------------------

type pgPositionStore struct{ pool *pgxpool.Pool }

func (p *Postgres) Positions() PositionStore { return pgPositionStore{pool: p.Pool} }

func (s pgPositionStore) Append(ctx context.Context, snap model.PositionSnapshot) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO position_snapshots (pid, u_time, symbol, pos_side, pos, avail_pos, avg_px, mark_px, lever, margin_mode)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (pid, u_time) DO NOTHING`,
		snap.PID, snap.UTime, snap.Symbol, snap.PosSide, snap.Pos, snap.AvailPos, snap.AvgPx, snap.MarkPx, snap.Lever, snap.MarginMode,
	)
	if err != nil {
		return fmt.Errorf("store: append position snapshot %s: %w", snap.PID, err)
	}
	return nil
}

// TradeStore ---------------------------------------------------------------

type pgTradeStore struct{ pool *pgxpool.Pool }

func (p *Postgres) Trades() TradeStore { return pgTradeStore{pool: p.Pool} }

func (s pgTradeStore) Upsert(ctx context.Context, t model.Trade) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO trades (cloid, symbol, pos_side, signal_id, current_size, entry_price, leverage, stop_loss_cloid, take_profit_cloid, state, opened_at, closed_at, pid)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (cloid) DO UPDATE SET
			current_size = EXCLUDED.current_size,
			entry_price = EXCLUDED.entry_price,
			stop_loss_cloid = EXCLUDED.stop_loss_cloid,
			take_profit_cloid = EXCLUDED.take_profit_cloid,
			state = EXCLUDED.state,
			closed_at = EXCLUDED.closed_at,
			pid = EXCLUDED.pid`,
		t.CLOID, t.Symbol, t.PosSide, nullable(t.SignalID), t.CurrentSize, t.EntryPrice, t.Leverage,
		nullable(t.StopLossCLOID), nullable(t.TakeProfitCLOID), t.State, t.OpenedAt, nullTime(t.ClosedAt), nullable(t.PID),
	)
	if err != nil {
		return fmt.Errorf("store: upsert trade %s: %w", t.CLOID, err)
	}
	return nil
}

func (s pgTradeStore) GetByCLOID(ctx context.Context, cloid string) (*model.Trade, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT cloid, symbol, pos_side, COALESCE(signal_id,''), current_size, entry_price, leverage,
		       COALESCE(stop_loss_cloid,''), COALESCE(take_profit_cloid,''), state, opened_at, closed_at, COALESCE(pid,'')
		FROM trades WHERE cloid=$1`, cloid)

	var t model.Trade
	var closedAt *time.Time
	err := row.Scan(&t.CLOID, &t.Symbol, &t.PosSide, &t.SignalID, &t.CurrentSize, &t.EntryPrice, &t.Leverage,
		&t.StopLossCLOID, &t.TakeProfitCLOID, &t.State, &t.OpenedAt, &closedAt, &t.PID)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: get trade %s: %w", cloid, err)
	}
	if closedAt != nil {
		t.ClosedAt = *closedAt
	}
	return &t, true, nil
}

// JournalStore ---------------------------------------------------------------

type pgJournalStore struct{ pool *pgxpool.Pool }

func (p *Postgres) Journal() JournalStore { return pgJournalStore{pool: p.Pool} }

func (s pgJournalStore) Append(ctx context.Context, a model.TradeAction) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO journal (id, cloid, signal_id, symbol, pos_side, action_type, source, oid, amount, ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		a.ID, nullable(a.CLOID), nullable(a.SignalID), a.Symbol, a.PosSide, a.Type, nullable(string(a.Source)), nullable(a.OID), a.Amount, a.Ts,
	)
	if err != nil {
		return fmt.Errorf("store: append journal row %s: %w", a.ID, err)
	}
	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
