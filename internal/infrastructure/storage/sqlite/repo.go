package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"perpengine/internal/application/port"
	"perpengine/internal/domain/model"
)

// Repo SQLite 存储；金额以 TEXT 保存，时间为毫秒
type Repo struct {
	db *sql.DB
}

func New(path string) (*Repo, error) {
	// ensure directory exists
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	r := &Repo{db: db}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) GetDB() *sql.DB {
	return r.db
}

func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS trades (
  id TEXT PRIMARY KEY,
  context TEXT NOT NULL,
  symbol TEXT NOT NULL,
  side TEXT NOT NULL,
  entry_price TEXT NOT NULL,
  exit_price TEXT NOT NULL,
  size TEXT NOT NULL,
  realized_pnl TEXT NOT NULL,
  close_reason TEXT NOT NULL,
  opened_at_ms INTEGER NOT NULL,
  closed_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_ctx ON trades(context, closed_at_ms);

CREATE TABLE IF NOT EXISTS orders (
  id TEXT PRIMARY KEY,
  context TEXT NOT NULL,
  symbol TEXT NOT NULL,
  side TEXT NOT NULL,
  size TEXT NOT NULL,
  price TEXT NOT NULL,
  leverage INTEGER NOT NULL,
  leg TEXT NOT NULL,
  status TEXT NOT NULL,
  exchange_order_id TEXT NOT NULL DEFAULT '',
  error TEXT NOT NULL DEFAULT '',
  created_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_ctx ON orders(context, created_at_ms);

CREATE TABLE IF NOT EXISTS positions (
  context TEXT NOT NULL,
  symbol TEXT NOT NULL,
  side TEXT NOT NULL,
  size TEXT NOT NULL,
  entry_price TEXT NOT NULL,
  current_price TEXT NOT NULL,
  unrealized_pnl TEXT NOT NULL,
  leverage INTEGER NOT NULL,
  stop_loss TEXT NOT NULL,
  take_profit TEXT NOT NULL,
  opened_at_ms INTEGER NOT NULL,
  captured_at_ms INTEGER NOT NULL,
  UNIQUE(context, symbol)
);

CREATE TABLE IF NOT EXISTS equity_points (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  context TEXT NOT NULL,
  ts_ms INTEGER NOT NULL,
  balance TEXT NOT NULL,
  position_value TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_equity_ctx_ts ON equity_points(context, ts_ms);

CREATE TABLE IF NOT EXISTS prices (
  symbol TEXT PRIMARY KEY,
  source TEXT NOT NULL,
  price TEXT NOT NULL,
  ts_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS price_history (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  symbol TEXT NOT NULL,
  source TEXT NOT NULL,
  price TEXT NOT NULL,
  ts_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_price_history_symbol_ts ON price_history(symbol, ts_ms);
`)
	return err
}

func (r *Repo) SaveTrade(ctx context.Context, t model.Trade) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO trades(id, context, symbol, side, entry_price, exit_price, size, realized_pnl, close_reason, opened_at_ms, closed_at_ms)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, t.ID, string(t.Context), t.Symbol, string(t.Side), t.EntryPrice.String(), t.ExitPrice.String(), t.Size.String(),
		t.RealizedPnL.String(), string(t.CloseReason), t.OpenedAt.UnixMilli(), t.ClosedAt.UnixMilli())
	return err
}

func (r *Repo) SaveOrder(ctx context.Context, o model.OrderRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO orders(id, context, symbol, side, size, price, leverage, leg, status, exchange_order_id, error, created_at_ms)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		status=excluded.status, exchange_order_id=excluded.exchange_order_id, error=excluded.error
	`, o.ID, string(o.Context), o.Symbol, string(o.Side), o.Size.String(), o.Price.String(), o.Leverage, o.Leg,
		o.Status, o.ExchangeOrderID, o.Error, o.CreatedAt.UnixMilli())
	return err
}

// SavePosition 每个上下文+币种保留最新快照；零数量快照删除该行
func (r *Repo) SavePosition(ctx context.Context, s model.PositionSnapshot) error {
	if s.Closed() {
		_, err := r.db.ExecContext(ctx, `DELETE FROM positions WHERE context=? AND symbol=?`, string(s.Context), model.Coin(s.Symbol))
		return err
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO positions(context, symbol, side, size, entry_price, current_price, unrealized_pnl, leverage, stop_loss, take_profit, opened_at_ms, captured_at_ms)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(context, symbol) DO UPDATE SET
		side=excluded.side, size=excluded.size, entry_price=excluded.entry_price, current_price=excluded.current_price,
		unrealized_pnl=excluded.unrealized_pnl, leverage=excluded.leverage, stop_loss=excluded.stop_loss,
		take_profit=excluded.take_profit, opened_at_ms=excluded.opened_at_ms, captured_at_ms=excluded.captured_at_ms
	`, string(s.Context), s.Symbol, string(s.Side), s.Size.String(), s.EntryPrice.String(), s.CurrentPrice.String(),
		s.UnrealizedPnL.String(), s.Leverage, s.StopLoss.String(), s.TakeProfit.String(), s.OpenedAt.UnixMilli(), s.CapturedAt.UnixMilli())
	return err
}

// LoadPositions 指定上下文的未平仓持仓
func (r *Repo) LoadPositions(ctx context.Context, ec model.ExecutionContext) ([]model.PositionSnapshot, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT symbol, side, size, entry_price, current_price, unrealized_pnl, leverage, stop_loss, take_profit, opened_at_ms, captured_at_ms
		FROM positions WHERE context=? ORDER BY symbol
	`, string(ec))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PositionSnapshot
	for rows.Next() {
		var s model.PositionSnapshot
		var side, size, entry, cur, pnl, sl, tp string
		var opened, captured int64
		if err := rows.Scan(&s.Symbol, &side, &size, &entry, &cur, &pnl, &s.Leverage, &sl, &tp, &opened, &captured); err != nil {
			return nil, err
		}
		s.Context, s.Side = ec, model.Side(side)
		for _, f := range []struct {
			dst *decimal.Decimal
			raw string
		}{{&s.Size, size}, {&s.EntryPrice, entry}, {&s.CurrentPrice, cur}, {&s.UnrealizedPnL, pnl}, {&s.StopLoss, sl}, {&s.TakeProfit, tp}} {
			if *f.dst, err = decimal.NewFromString(f.raw); err != nil {
				return nil, fmt.Errorf("position %s/%s: %w", ec, s.Symbol, err)
			}
		}
		s.OpenedAt, s.CapturedAt = time.UnixMilli(opened).UTC(), time.UnixMilli(captured).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Repo) SaveEquityPoint(ctx context.Context, ec model.ExecutionContext, p model.EquityPoint) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO equity_points(context, ts_ms, balance, position_value) VALUES(?, ?, ?, ?)`,
		string(ec), p.Timestamp.UnixMilli(), p.Balance.String(), p.PositionValue.String())
	return err
}

// SavePrice 更新最新价并追加到历史
func (r *Repo) SavePrice(ctx context.Context, s model.PriceSnapshot) error {
	if !s.Price.IsPositive() {
		return nil
	}
	coin := model.Coin(s.Symbol)
	ts := s.Timestamp.UnixMilli()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO prices(symbol, source, price, ts_ms) VALUES(?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
		source=excluded.source, price=excluded.price, ts_ms=excluded.ts_ms
	`, coin, s.Source, s.Price.String(), ts); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO price_history(symbol, source, price, ts_ms) VALUES(?, ?, ?, ?)`,
		coin, s.Source, s.Price.String(), ts); err != nil {
		return err
	}
	return tx.Commit()
}

// LoadPrices 回测回放用的历史价格
func (r *Repo) LoadPrices(ctx context.Context, symbol string, start, end time.Time) ([]model.PriceSnapshot, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT symbol, source, price, ts_ms FROM price_history
		WHERE symbol=? AND ts_ms BETWEEN ? AND ?
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
			return nil, fmt.Errorf("price_history %s@%d: %w", s.Symbol, ts, err)
		}
		s.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// LatestPrice 最近一次记录的价格
func (r *Repo) LatestPrice(ctx context.Context, symbol string) (model.PriceSnapshot, error) {
	var s model.PriceSnapshot
	var price string
	var ts int64
	err := r.db.QueryRowContext(ctx, `SELECT symbol, source, price, ts_ms FROM prices WHERE symbol=?`, model.Coin(symbol)).
		Scan(&s.Symbol, &s.Source, &price, &ts)
	if err != nil {
		return s, err
	}
	s.Price, err = decimal.NewFromString(price)
	s.Timestamp = time.UnixMilli(ts).UTC()
	return s, err
}

// ListTrades 指定上下文的成交，按平仓时间排序
func (r *Repo) ListTrades(ctx context.Context, ec model.ExecutionContext) ([]model.Trade, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, context, symbol, side, entry_price, exit_price, size, realized_pnl, close_reason, opened_at_ms, closed_at_ms
		FROM trades WHERE context=? ORDER BY closed_at_ms, id
	`, string(ec))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Trade
	for rows.Next() {
		var t model.Trade
		var c, side, reason, entry, exit, size, pnl string
		var opened, closed int64
		if err := rows.Scan(&t.ID, &c, &t.Symbol, &side, &entry, &exit, &size, &pnl, &reason, &opened, &closed); err != nil {
			return nil, err
		}
		t.Context, t.Side, t.CloseReason = model.ExecutionContext(c), model.Side(side), model.CloseReason(reason)
		t.EntryPrice, _ = decimal.NewFromString(entry)
		t.ExitPrice, _ = decimal.NewFromString(exit)
		t.Size, _ = decimal.NewFromString(size)
		t.RealizedPnL, _ = decimal.NewFromString(pnl)
		t.OpenedAt, t.ClosedAt = time.UnixMilli(opened).UTC(), time.UnixMilli(closed).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

var (
	_ port.Repository    = (*Repo)(nil)
	_ port.PriceHistory  = (*Repo)(nil)
	_ port.PositionStore = (*Repo)(nil)
)
