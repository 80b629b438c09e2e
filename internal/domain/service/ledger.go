package service

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"perpengine/internal/domain/model"
)

// IDGenerator 生成交易记录 ID，t 为事件时间
type IDGenerator func(t time.Time) string

// LedgerOption 账本可选参数
type LedgerOption func(*Ledger)

// WithClock 注入时钟（回测使用 tick 时间）
func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithIDGenerator 注入 ID 生成器
func WithIDGenerator(gen IDGenerator) LedgerOption {
	return func(l *Ledger) {
		if gen != nil {
			l.newID = gen
		}
	}
}

// Ledger 持仓账本：一个执行上下文内每个币种至多一个持仓
// 调用方负责串行化写操作；内部锁只保证读取一致
type Ledger struct {
	mu sync.RWMutex

	context   model.ExecutionContext
	positions map[string]*model.Position
	trades    []model.Trade
	realized  decimal.Decimal

	now   func() time.Time
	newID IDGenerator
}

// NewLedger 创建账本
func NewLedger(ctx model.ExecutionContext, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		context:   ctx,
		positions: make(map[string]*model.Position),
		now:       time.Now,
	}
	var seq atomic.Int64
	l.newID = func(time.Time) string {
		return fmt.Sprintf("%s-%06d", ctx, seq.Add(1))
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Context 账本所属执行上下文
func (l *Ledger) Context() model.ExecutionContext { return l.context }

// Open 开仓，已有持仓时返回 ErrPositionAlreadyOpen
func (l *Ledger) Open(symbol string, side model.Side, size, entry decimal.Decimal, leverage int, stopLoss, takeProfit decimal.Decimal) (model.Position, error) {
	key := model.Coin(symbol)
	if err := validateOpen(key, side, size, entry, leverage, stopLoss, takeProfit); err != nil {
		return model.Position{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.positions[key]; ok {
		return model.Position{}, fmt.Errorf("%w: %s (%s)", model.ErrPositionAlreadyOpen, key, l.context)
	}

	pos := &model.Position{
		Symbol:        key,
		Side:          side,
		Size:          size,
		EntryPrice:    entry,
		CurrentPrice:  entry,
		UnrealizedPnL: decimal.Zero,
		RealizedPnL:   decimal.Zero,
		Leverage:      leverage,
		StopLoss:      stopLoss,
		TakeProfit:    takeProfit,
		OpenedAt:      l.now(),
		Context:       l.context,
	}
	l.positions[key] = pos
	return *pos, nil
}

// Restore 装回持久化的持仓，不产生成交记录；任一持仓无效时全部不装入
func (l *Ledger) Restore(positions []model.Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	restored := make(map[string]*model.Position, len(positions))
	for _, p := range positions {
		key := model.Coin(p.Symbol)
		if err := validateOpen(key, p.Side, p.Size, p.EntryPrice, p.Leverage, p.StopLoss, p.TakeProfit); err != nil {
			return fmt.Errorf("restore %s: %w", key, err)
		}
		if p.Context != "" && p.Context != l.context {
			return fmt.Errorf("%w: %s position for %s restored into %s ledger", model.ErrInvalidArgument, key, p.Context, l.context)
		}
		_, open := l.positions[key]
		_, dup := restored[key]
		if open || dup {
			return fmt.Errorf("%w: %s (%s)", model.ErrPositionAlreadyOpen, key, l.context)
		}

		pos := p
		pos.Symbol, pos.Context = key, l.context
		if !pos.CurrentPrice.IsPositive() {
			pos.CurrentPrice = pos.EntryPrice
		}
		pos.UnrealizedPnL = model.PnL(pos.Side, pos.EntryPrice, pos.CurrentPrice, pos.Size)
		if pos.OpenedAt.IsZero() {
			pos.OpenedAt = l.now()
		}
		restored[key] = &pos
	}
	for key, pos := range restored {
		l.positions[key] = pos
	}
	return nil
}

// AddToPosition 同方向加仓，开仓价按数量加权平均
func (l *Ledger) AddToPosition(symbol string, side model.Side, size, price decimal.Decimal) (model.Position, error) {
	key := model.Coin(symbol)
	if err := requirePositive("size", size); err != nil {
		return model.Position{}, err
	}
	if err := requirePositive("price", price); err != nil {
		return model.Position{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[key]
	if !ok {
		return model.Position{}, fmt.Errorf("%w: %s (%s)", model.ErrNoSuchPosition, key, l.context)
	}
	if pos.Side != side {
		return model.Position{}, fmt.Errorf("%w: cannot add %s to %s position %s", model.ErrInvalidArgument, side, pos.Side, key)
	}

	total := pos.Size.Add(size)
	pos.EntryPrice = pos.EntryPrice.Mul(pos.Size).Add(price.Mul(size)).Div(total)
	pos.Size = total
	pos.UnrealizedPnL = model.PnL(pos.Side, pos.EntryPrice, pos.CurrentPrice, pos.Size)
	return *pos, nil
}

// ReduceOrClose 减仓或平仓
// size >= 持仓量时全部平仓并移除持仓；否则按减少的数量实现盈亏，开仓价不变
func (l *Ledger) ReduceOrClose(symbol string, size, price decimal.Decimal, reason model.CloseReason) (model.Trade, error) {
	key := model.Coin(symbol)
	if err := requirePositive("size", size); err != nil {
		return model.Trade{}, err
	}
	if err := requirePositive("price", price); err != nil {
		return model.Trade{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[key]
	if !ok {
		return model.Trade{}, fmt.Errorf("%w: %s (%s)", model.ErrNoSuchPosition, key, l.context)
	}
	if size.GreaterThanOrEqual(pos.Size) {
		return l.closeLocked(pos, price, reason), nil
	}

	pnl := model.PnL(pos.Side, pos.EntryPrice, price, size)
	pos.Size = pos.Size.Sub(size)
	pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
	pos.CurrentPrice = price
	pos.UnrealizedPnL = model.PnL(pos.Side, pos.EntryPrice, price, pos.Size)

	return l.recordLocked(pos, size, price, pnl, model.CloseReduce), nil
}

// Close 按持仓量全部平仓
func (l *Ledger) Close(symbol string, price decimal.Decimal, reason model.CloseReason) (model.Trade, error) {
	key := model.Coin(symbol)
	if err := requirePositive("price", price); err != nil {
		return model.Trade{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[key]
	if !ok {
		return model.Trade{}, fmt.Errorf("%w: %s (%s)", model.ErrNoSuchPosition, key, l.context)
	}
	return l.closeLocked(pos, price, reason), nil
}

// MarkPrice 更新标记价格与未实现盈亏，并检查止损/止盈
// 触发时按当前价全部平仓并返回对应的 Trade
func (l *Ledger) MarkPrice(symbol string, price decimal.Decimal) (*model.Trade, error) {
	key := model.Coin(symbol)
	if err := requirePositive("price", price); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s (%s)", model.ErrNoSuchPosition, key, l.context)
	}

	pos.CurrentPrice = price
	pos.UnrealizedPnL = model.PnL(pos.Side, pos.EntryPrice, price, pos.Size)

	reason, hit := triggered(pos, price)
	if !hit {
		return nil, nil
	}
	trade := l.closeLocked(pos, price, reason)
	return &trade, nil
}

func triggered(pos *model.Position, price decimal.Decimal) (model.CloseReason, bool) {
	if pos.Side == model.SideLong {
		if pos.HasStopLoss() && price.LessThanOrEqual(pos.StopLoss) {
			return model.CloseStopLoss, true
		}
		if pos.HasTakeProfit() && price.GreaterThanOrEqual(pos.TakeProfit) {
			return model.CloseTakeProfit, true
		}
		return "", false
	}
	if pos.HasStopLoss() && price.GreaterThanOrEqual(pos.StopLoss) {
		return model.CloseStopLoss, true
	}
	if pos.HasTakeProfit() && price.LessThanOrEqual(pos.TakeProfit) {
		return model.CloseTakeProfit, true
	}
	return "", false
}

func (l *Ledger) closeLocked(pos *model.Position, price decimal.Decimal, reason model.CloseReason) model.Trade {
	pnl := model.PnL(pos.Side, pos.EntryPrice, price, pos.Size)
	trade := l.recordLocked(pos, pos.Size, price, pnl, reason)
	delete(l.positions, pos.Symbol)
	return trade
}

func (l *Ledger) recordLocked(pos *model.Position, size, price, pnl decimal.Decimal, reason model.CloseReason) model.Trade {
	closedAt := l.now()
	trade := model.Trade{
		ID:          l.newID(closedAt),
		Symbol:      pos.Symbol,
		Side:        pos.Side,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   price,
		Size:        size,
		RealizedPnL: pnl,
		OpenedAt:    pos.OpenedAt,
		ClosedAt:    closedAt,
		CloseReason: reason,
		Context:     l.context,
	}
	l.trades = append(l.trades, trade)
	l.realized = l.realized.Add(pnl)
	return trade
}

// Position 查询单个持仓
func (l *Ledger) Position(symbol string) (model.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.positions[model.Coin(symbol)]
	if !ok {
		return model.Position{}, false
	}
	return *pos, true
}

// HasOpen 是否有任意持仓
func (l *Ledger) HasOpen() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.positions) > 0
}

// Positions 按币种排序的全部持仓副本
func (l *Ledger) Positions() []model.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Trades 全部交易记录副本（按发生顺序）
func (l *Ledger) Trades() []model.Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.Trade, len(l.trades))
	copy(out, l.trades)
	return out
}

// RealizedPnL 累计已实现盈亏
func (l *Ledger) RealizedPnL() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.realized
}

// UnrealizedPnL 全部持仓未实现盈亏之和
func (l *Ledger) UnrealizedPnL() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	sum := decimal.Zero
	for _, p := range l.positions {
		sum = sum.Add(p.UnrealizedPnL)
	}
	return sum
}

// MarginUsed 全部持仓占用保证金之和
func (l *Ledger) MarginUsed() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	sum := decimal.Zero
	for _, p := range l.positions {
		sum = sum.Add(p.Margin())
	}
	return sum
}

func validateOpen(symbol string, side model.Side, size, entry decimal.Decimal, leverage int, stopLoss, takeProfit decimal.Decimal) error {
	if strings.TrimSpace(symbol) == "" {
		return fmt.Errorf("%w: symbol is empty", model.ErrInvalidArgument)
	}
	if !side.Valid() {
		return fmt.Errorf("%w: side %q", model.ErrInvalidArgument, side)
	}
	if err := requirePositive("size", size); err != nil {
		return err
	}
	if err := requirePositive("entry price", entry); err != nil {
		return err
	}
	if leverage < 1 {
		return fmt.Errorf("%w: leverage must be >= 1, got %d", model.ErrInvalidArgument, leverage)
	}
	if stopLoss.IsNegative() || takeProfit.IsNegative() {
		return fmt.Errorf("%w: stop loss / take profit must be positive", model.ErrInvalidArgument)
	}
	return nil
}

func requirePositive(name string, v decimal.Decimal) error {
	if !v.IsPositive() {
		return fmt.Errorf("%w: %s must be positive, got %s", model.ErrInvalidArgument, name, v)
	}
	return nil
}
