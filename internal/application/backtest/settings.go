package backtest

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"perpengine/internal/domain/model"
)

// Tick 历史价格序列中的一个点
type Tick struct {
	Timestamp time.Time
	Price     decimal.Decimal
}

// Settings 回测参数
type Settings struct {
	InitialBalance      decimal.Decimal
	Leverage            int
	MaxPositionFraction decimal.Decimal // 每次开仓占余额比例
	TakeProfitPct       decimal.Decimal // 0.05 = 5%
	StopLossPct         decimal.Decimal
	Limits              model.RiskLimits
	Seed                int64 // 交易 ID 的随机种子
}

// DefaultSettings 初始 10000、1 倍杠杆、止盈 5%、止损 2%、仓位 50%
func DefaultSettings() Settings {
	return Settings{
		InitialBalance:      decimal.NewFromInt(10000),
		Leverage:            1,
		MaxPositionFraction: decimal.RequireFromString("0.5"),
		TakeProfitPct:       decimal.RequireFromString("0.05"),
		StopLossPct:         decimal.RequireFromString("0.02"),
		Limits:              model.DefaultRiskLimits(),
		Seed:                1,
	}
}

func (s Settings) validate() error {
	if !s.InitialBalance.IsPositive() {
		return fmt.Errorf("%w: initial balance must be positive", model.ErrInvalidArgument)
	}
	if s.Leverage < 1 {
		return fmt.Errorf("%w: leverage must be >= 1", model.ErrInvalidArgument)
	}
	if !s.MaxPositionFraction.IsPositive() || s.MaxPositionFraction.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: max position fraction must be in (0, 1]", model.ErrInvalidArgument)
	}
	if s.TakeProfitPct.IsNegative() || s.StopLossPct.IsNegative() {
		return fmt.Errorf("%w: tp/sl percentages must not be negative", model.ErrInvalidArgument)
	}
	return nil
}

// Decision 开仓决策；可选字段为零值时使用 Settings 默认
type Decision struct {
	Side       model.Side
	Size       decimal.Decimal
	Leverage   int
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
}

// DecisionSource 空仓时每个 tick 询问一次，返回 nil 表示不交易
type DecisionSource interface {
	Decide(ctx context.Context, symbol string, tick Tick) (*Decision, error)
}

// DecisionFunc 函数形式的 DecisionSource
type DecisionFunc func(ctx context.Context, symbol string, tick Tick) (*Decision, error)

func (f DecisionFunc) Decide(ctx context.Context, symbol string, tick Tick) (*Decision, error) {
	return f(ctx, symbol, tick)
}

// resetter 有状态的决策源在每次 Run 开始时重置
type resetter interface {
	Reset()
}
