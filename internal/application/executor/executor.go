package executor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"perpengine/internal/application/port"
	appsvc "perpengine/internal/application/service"
	"perpengine/internal/domain/model"
	"perpengine/internal/domain/service"
)

// Executor 把风控凭证转成持仓变化
type Executor interface {
	Context() model.ExecutionContext
	Execute(ctx context.Context, approval *service.Approval) (*ExecutionResult, error)
}

// ExecutionResult 一次执行的结果
type ExecutionResult struct {
	Context   model.ExecutionContext
	Position  model.Position
	FillPrice decimal.Decimal
	FillSize  decimal.Decimal
	Closed    []model.Trade // 反向开仓时被平掉的旧仓位
	Legs      []model.LegStatus
}

// PartialFailure 是否有订单腿失败
func (r *ExecutionResult) PartialFailure() bool {
	for _, l := range r.Legs {
		if !l.OK() {
			return true
		}
	}
	return false
}

// Option 执行器公共选项
type Option func(*base)

// WithRepository 订单日志、持仓快照、成交写入 repo
func WithRepository(repo port.Repository) Option {
	return func(b *base) {
		if repo != nil {
			b.orders = appsvc.NewOrderLogService(repo)
			b.positions = appsvc.NewPositionService(repo)
		}
	}
}

// WithClock 注入时钟
func WithClock(now func() time.Time) Option {
	return func(b *base) {
		if now != nil {
			b.now = now
		}
	}
}

// WithOrderIDs 订单日志 ID 生成器
func WithOrderIDs(gen func(time.Time) string) Option {
	return func(b *base) {
		if gen != nil {
			b.ids = gen
		}
	}
}

type base struct {
	ledger    *service.Ledger
	orders    *appsvc.OrderLogService
	positions *appsvc.PositionService
	now       func() time.Time
	ids       func(time.Time) string
}

func newBase(ledger *service.Ledger, opts []Option) base {
	b := base{ledger: ledger, now: time.Now}
	for _, opt := range opts {
		opt(&b)
	}
	if b.ids == nil {
		ctx := ledger.Context()
		var seq atomic.Uint64
		b.ids = func(time.Time) string {
			return fmt.Sprintf("%s-order-%06d", ctx, seq.Add(1))
		}
	}
	return b
}

func (b *base) Context() model.ExecutionContext { return b.ledger.Context() }

// apply 同向加仓、反向先平后开、否则开新仓
func (b *base) apply(intent model.TradeIntent, size, fill decimal.Decimal) (model.Position, []model.Trade, error) {
	existing, ok := b.ledger.Position(intent.Symbol)
	if !ok {
		pos, err := b.ledger.Open(intent.Symbol, intent.Side, size, fill, intent.Leverage, intent.StopLoss, intent.TakeProfit)
		return pos, nil, err
	}
	if existing.Side == intent.Side {
		pos, err := b.ledger.AddToPosition(intent.Symbol, intent.Side, size, fill)
		return pos, nil, err
	}

	closed, err := b.ledger.Close(intent.Symbol, fill, model.CloseReversed)
	if err != nil {
		return model.Position{}, nil, err
	}
	pos, err := b.ledger.Open(intent.Symbol, intent.Side, size, fill, intent.Leverage, intent.StopLoss, intent.TakeProfit)
	return pos, []model.Trade{closed}, err
}

func (b *base) orderRecord(intent model.TradeIntent, leg string, size, price decimal.Decimal) model.OrderRecord {
	at := b.now()
	return model.OrderRecord{
		ID:        b.ids(at),
		Context:   b.ledger.Context(),
		Symbol:    model.Coin(intent.Symbol),
		Side:      intent.Side,
		Size:      size,
		Price:     price,
		Leverage:  intent.Leverage,
		Leg:       leg,
		CreatedAt: at,
	}
}

// persist 持久化失败只记日志，不影响已完成的执行
func (b *base) persist(ctx context.Context, orders []model.OrderRecord, pos *model.Position, trades []model.Trade) {
	if b.orders == nil {
		return
	}
	for _, o := range orders {
		if err := b.orders.Record(ctx, o); err != nil {
			log.Warn().Err(err).Str("order", o.ID).Msg("save order failed")
		}
	}
	for _, t := range trades {
		if err := b.positions.RecordTrade(ctx, t); err != nil {
			log.Warn().Err(err).Str("trade", t.ID).Msg("save trade failed")
		}
		if pos != nil && pos.Symbol == t.Symbol {
			continue
		}
		if _, open := b.ledger.Position(t.Symbol); open {
			continue
		}
		if err := b.positions.MarkClosed(ctx, b.ledger.Context(), t.Symbol, b.now()); err != nil {
			log.Warn().Err(err).Str("symbol", t.Symbol).Msg("mark position closed failed")
		}
	}
	if pos != nil {
		if err := b.positions.Snapshot(ctx, *pos, b.now()); err != nil {
			log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("save position failed")
		}
	}
}
