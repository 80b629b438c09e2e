package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PriceSnapshot 某一时刻的价格快照，创建后不可变
type PriceSnapshot struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"ts"`
	Source    string          `json:"source"`
}

// Age 快照相对 now 的年龄
func (p PriceSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(p.Timestamp)
}

// TradeIntent 交易意图，由调用方创建，经 RiskGate -> Executor 消费一次
type TradeIntent struct {
	Symbol     string           `json:"symbol"`
	Side       Side             `json:"side"`
	Size       decimal.Decimal  `json:"size"`
	Price      decimal.Decimal  `json:"price"` // 零值表示市价
	Leverage   int              `json:"leverage"`
	StopLoss   decimal.Decimal  `json:"stop_loss,omitempty"`
	TakeProfit decimal.Decimal  `json:"take_profit,omitempty"`
	Context    ExecutionContext `json:"context"`
}

// IsMarket 是否为市价单
func (t TradeIntent) IsMarket() bool { return t.Price.IsZero() }

// Validate 校验意图中的数值参数
func (t TradeIntent) Validate() error {
	switch {
	case strings.TrimSpace(t.Symbol) == "":
		return fmt.Errorf("%w: symbol is empty", ErrInvalidArgument)
	case !t.Side.Valid():
		return fmt.Errorf("%w: side %q", ErrInvalidArgument, t.Side)
	case !t.Size.IsPositive():
		return fmt.Errorf("%w: size must be positive, got %s", ErrInvalidArgument, t.Size)
	case t.Price.IsNegative():
		return fmt.Errorf("%w: price must be positive, got %s", ErrInvalidArgument, t.Price)
	case t.Leverage < 1:
		return fmt.Errorf("%w: leverage must be >= 1, got %d", ErrInvalidArgument, t.Leverage)
	case t.StopLoss.IsNegative():
		return fmt.Errorf("%w: stop loss must be positive, got %s", ErrInvalidArgument, t.StopLoss)
	case t.TakeProfit.IsNegative():
		return fmt.Errorf("%w: take profit must be positive, got %s", ErrInvalidArgument, t.TakeProfit)
	case !t.Context.Valid():
		return fmt.Errorf("%w: execution context %q", ErrInvalidArgument, t.Context)
	}
	return nil
}

// Position 持仓，仅由 PositionLedger 修改
type Position struct {
	Symbol        string           `json:"symbol"`
	Side          Side             `json:"side"`
	Size          decimal.Decimal  `json:"size"`
	EntryPrice    decimal.Decimal  `json:"entry_price"`
	CurrentPrice  decimal.Decimal  `json:"current_price"`
	UnrealizedPnL decimal.Decimal  `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal  `json:"realized_pnl"`
	Leverage      int              `json:"leverage"`
	StopLoss      decimal.Decimal  `json:"stop_loss,omitempty"`
	TakeProfit    decimal.Decimal  `json:"take_profit,omitempty"`
	OpenedAt      time.Time        `json:"opened_at"`
	Context       ExecutionContext `json:"context"`
}

func (p Position) HasStopLoss() bool   { return p.StopLoss.IsPositive() }
func (p Position) HasTakeProfit() bool { return p.TakeProfit.IsPositive() }

// Notional 名义价值（按当前价）
func (p Position) Notional() decimal.Decimal {
	return p.Size.Mul(p.CurrentPrice)
}

// Margin 按开仓价计算的占用保证金
func (p Position) Margin() decimal.Decimal {
	return RequiredMargin(p.Size, p.EntryPrice, p.Leverage)
}

// PnL 未实现盈亏：多头 (cur-entry)*size，空头取反
func PnL(side Side, entry, current, size decimal.Decimal) decimal.Decimal {
	diff := current.Sub(entry)
	if side == SideShort {
		diff = diff.Neg()
	}
	return diff.Mul(size)
}

// RequiredMargin 初始保证金 = size*price/leverage
func RequiredMargin(size, price decimal.Decimal, leverage int) decimal.Decimal {
	if leverage < 1 {
		leverage = 1
	}
	return size.Mul(price).Div(decimal.NewFromInt(int64(leverage)))
}

// PositionSnapshot 持仓快照，用于持久化
type PositionSnapshot struct {
	Position
	CapturedAt time.Time `json:"captured_at"`
}

// Closed 零数量快照表示该持仓已全部平仓
func (s PositionSnapshot) Closed() bool { return !s.Size.IsPositive() }

// Trade 平仓记录，只追加不修改
type Trade struct {
	ID          string           `json:"id"`
	Symbol      string           `json:"symbol"`
	Side        Side             `json:"side"`
	EntryPrice  decimal.Decimal  `json:"entry_price"`
	ExitPrice   decimal.Decimal  `json:"exit_price"`
	Size        decimal.Decimal  `json:"size"`
	RealizedPnL decimal.Decimal  `json:"realized_pnl"`
	OpenedAt    time.Time        `json:"opened_at"`
	ClosedAt    time.Time        `json:"closed_at"`
	CloseReason CloseReason      `json:"close_reason"`
	Context     ExecutionContext `json:"context"`
}

// AccountState 账户状态（实盘来自交易所，模拟盘/回测为合成值）
type AccountState struct {
	AccountValue decimal.Decimal `json:"account_value"`
	MarginUsed   decimal.Decimal `json:"margin_used"`
	Withdrawable decimal.Decimal `json:"withdrawable"`
}

// MarginUsage 保证金使用率 marginUsed / accountValue
func (a AccountState) MarginUsage() decimal.Decimal {
	if !a.AccountValue.IsPositive() {
		return decimal.Zero
	}
	return a.MarginUsed.Div(a.AccountValue)
}

// RiskLimits 风控参数，只读
type RiskLimits struct {
	MaxLeverage         map[string]int  // coin -> 最大杠杆
	DefaultMaxLeverage  int             // 未配置币种的最大杠杆
	MarginCritical      decimal.Decimal // 硬阈值，默认 0.90
	MarginWarning       decimal.Decimal // 软阈值，默认 0.80
	MaxPositionFraction decimal.Decimal // 单笔保证金占账户价值上限，默认 0.5
}

// DefaultRiskLimits 默认风控参数
func DefaultRiskLimits() RiskLimits {
	return RiskLimits{
		MaxLeverage:         map[string]int{"BTC": 40, "ETH": 25, "SOL": 20},
		DefaultMaxLeverage:  10,
		MarginCritical:      decimal.NewFromFloat(0.90),
		MarginWarning:       decimal.NewFromFloat(0.80),
		MaxPositionFraction: decimal.NewFromFloat(0.5),
	}
}

// LeverageFor 返回币种允许的最大杠杆
func (l RiskLimits) LeverageFor(coin string) int {
	if v, ok := l.MaxLeverage[strings.ToUpper(coin)]; ok && v > 0 {
		return v
	}
	if l.DefaultMaxLeverage > 0 {
		return l.DefaultMaxLeverage
	}
	return 1
}

// OrderRecord 订单日志（交易日志）
type OrderRecord struct {
	ID              string           `json:"id"`
	Context         ExecutionContext `json:"context"`
	Symbol          string           `json:"symbol"`
	Side            Side             `json:"side"`
	Size            decimal.Decimal  `json:"size"`
	Price           decimal.Decimal  `json:"price"`
	Leverage        int              `json:"leverage"`
	Leg             string           `json:"leg"`
	Status          string           `json:"status"`
	ExchangeOrderID string           `json:"exchange_order_id,omitempty"`
	Error           string           `json:"error,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

const (
	OrderStatusFilled    = "filled"
	OrderStatusResting   = "resting"
	OrderStatusSubmitted = "submitted"
	OrderStatusFailed    = "failed"
)
