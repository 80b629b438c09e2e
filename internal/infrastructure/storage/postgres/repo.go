package postgres

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"perpengine/internal/application/port"
	"perpengine/internal/domain/model"
)

// Repo Postgres 存储，金额使用 NUMERIC
type Repo struct {
	db *sql.DB
}

func New(dsn string) (*Repo, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	r := &Repo{db: db}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS trades (
  id TEXT PRIMARY KEY,
  context TEXT NOT NULL,
  symbol TEXT NOT NULL,
  side TEXT NOT NULL,
  entry_price NUMERIC NOT NULL,
  exit_price NUMERIC NOT NULL,
  size NUMERIC NOT NULL,
  realized_pnl NUMERIC NOT NULL,
  close_reason TEXT NOT NULL,
  opened_at_ms BIGINT NOT NULL,
  closed_at_ms BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_ctx ON trades(context, closed_at_ms);

CREATE TABLE IF NOT EXISTS orders (
  id TEXT PRIMARY KEY,
  context TEXT NOT NULL,
  symbol TEXT NOT NULL,
  side TEXT NOT NULL,
  size NUMERIC NOT NULL,
  price NUMERIC NOT NULL,
  leverage INTEGER NOT NULL,
  leg TEXT NOT NULL,
  status TEXT NOT NULL,
  exchange_order_id TEXT NOT NULL DEFAULT '',
  error TEXT NOT NULL DEFAULT '',
  created_at_ms BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS position_snapshots (
  id BIGSERIAL PRIMARY KEY,
  context TEXT NOT NULL,
  symbol TEXT NOT NULL,
  side TEXT NOT NULL,
  size NUMERIC NOT NULL,
  entry_price NUMERIC NOT NULL,
  current_price NUMERIC NOT NULL,
  unrealized_pnl NUMERIC NOT NULL,
  leverage INTEGER NOT NULL,
  captured_at_ms BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_position_snapshots ON position_snapshots(context, symbol, captured_at_ms);

CREATE TABLE IF NOT EXISTS equity_points (
  id BIGSERIAL PRIMARY KEY,
  context TEXT NOT NULL,
  ts_ms BIGINT NOT NULL,
  balance NUMERIC NOT NULL,
  position_value NUMERIC NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_equity_ctx_ts ON equity_points(context, ts_ms);

CREATE TABLE IF NOT EXISTS price_history (
  id BIGSERIAL PRIMARY KEY,
  symbol TEXT NOT NULL,
  source TEXT NOT NULL,
  price NUMERIC NOT NULL,
  ts_ms BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_price_history_symbol_ts ON price_history(symbol, ts_ms);
`)
	return err
}

func (r *Repo) SaveTrade(ctx context.Context, t model.Trade) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO trades(id, context, symbol, side, entry_price, exit_price, size, realized_pnl, close_reason, opened_at_ms, closed_at_ms)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT(id) DO NOTHING
	`, t.ID, string(t.Context), t.Symbol, string(t.Side), t.EntryPrice.String(), t.ExitPrice.String(), t.Size.String(),
		t.RealizedPnL.String(), string(t.CloseReason), t.OpenedAt.UnixMilli(), t.ClosedAt.UnixMilli())
	return err
}

func (r *Repo) SaveOrder(ctx context.Context, o model.OrderRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO orders(id, context, symbol, side, size, price, leverage, leg, status, exchange_order_id, error, created_at_ms)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT(id) DO UPDATE SET
		status=EXCLUDED.status, exchange_order_id=EXCLUDED.exchange_order_id, error=EXCLUDED.error
	`, o.ID, string(o.Context), o.Symbol, string(o.Side), o.Size.String(), o.Price.String(), o.Leverage, o.Leg,
		o.Status, o.ExchangeOrderID, o.Error, o.CreatedAt.UnixMilli())
	return err
}

// SavePosition 追加快照历史；零数量行即平仓记录
func (r *Repo) SavePosition(ctx context.Context, s model.PositionSnapshot) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO position_snapshots(context, symbol, side, size, entry_price, current_price, unrealized_pnl, leverage, captured_at_ms)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, string(s.Context), s.Symbol, string(s.Side), s.Size.String(), s.EntryPrice.String(), s.CurrentPrice.String(),
		s.UnrealizedPnL.String(), s.Leverage, s.CapturedAt.UnixMilli())
	return err
}

func (r *Repo) SaveEquityPoint(ctx context.Context, ec model.ExecutionContext, p model.EquityPoint) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO equity_points(context, ts_ms, balance, position_value) VALUES($1, $2, $3, $4)`,
		string(ec), p.Timestamp.UnixMilli(), p.Balance.String(), p.PositionValue.String())
	return err
}

func (r *Repo) SavePrice(ctx context.Context, s model.PriceSnapshot) error {
	if !s.Price.IsPositive() {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO price_history(symbol, source, price, ts_ms) VALUES($1, $2, $3, $4)`,
		model.Coin(s.Symbol), s.Source, s.Price.String(), s.Timestamp.UnixMilli())
	return err
}

func (r *Repo) LoadPrices(ctx context.Context, symbol string, start, end time.Time) ([]model.PriceSnapshot, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT symbol, source, price::TEXT, ts_ms FROM price_history
		WHERE symbol=$1 AND ts_ms BETWEEN $2 AND $3
		ORDER BY ts_ms, id
	`, model.Coin(symbol), start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PriceSnapshot
	for rows.Next() {
		var s model.PriceSnapshot
		var price string
		var ts int64
		if err := rows.Scan(&s.Symbol, &s.Source, &price, &ts); err != nil {
			return nil, err
		}
		if s.Price, err = decimal.NewFromString(price); err != nil {
			return nil, err
		}
		s.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

var (
	_ port.Repository   = (*Repo)(nil)
	_ port.PriceHistory = (*Repo)(nil)
)
