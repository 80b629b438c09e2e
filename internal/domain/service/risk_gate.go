package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"perpengine/internal/domain/model"
)

// AccountSource 提供账户状态：实盘来自交易所，模拟盘/回测为合成值
type AccountSource interface {
	AccountState(ctx context.Context) (*model.AccountState, error)
}

// AccountSourceFunc 函数适配器
type AccountSourceFunc func(ctx context.Context) (*model.AccountState, error)

func (f AccountSourceFunc) AccountState(ctx context.Context) (*model.AccountState, error) {
	return f(ctx)
}

// StaticAccount 固定账户状态
func StaticAccount(state model.AccountState) AccountSource {
	return AccountSourceFunc(func(context.Context) (*model.AccountState, error) {
		s := state
		return &s, nil
	})
}

// Evaluation 一次风控评估的上下文，规则之间共享
type Evaluation struct {
	Intent     model.TradeIntent
	Price      decimal.Decimal
	Limits     model.RiskLimits
	Account    *model.AccountState
	AccountErr error

	Notional       decimal.Decimal
	RequiredMargin decimal.Decimal
	MarginUsage    decimal.Decimal
}

// Rule 风控规则，按顺序执行，第一个失败即拒绝
type Rule interface {
	Name() string
	// NeedsAccount 为 true 时在执行前拉取账户状态
	NeedsAccount() bool
	Check(e *Evaluation) error
}

// Approval 风控通过的凭证，执行器只能消费一次
type Approval struct {
	ID             string
	Intent         model.TradeIntent
	Price          decimal.Decimal
	Notional       decimal.Decimal
	RequiredMargin decimal.Decimal
	MarginUsage    decimal.Decimal
	IssuedAt       time.Time

	consumed atomic.Bool
}

// Consume 标记凭证已使用，重复使用返回 ErrApprovalConsumed
func (a *Approval) Consume() error {
	if a == nil {
		return fmt.Errorf("%w: nil approval", model.ErrInvalidArgument)
	}
	if !a.consumed.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", model.ErrApprovalConsumed, a.ID)
	}
	return nil
}

// RiskGate 交易前风控流水线，自身无副作用
type RiskGate struct {
	limits model.RiskLimits
	rules  []Rule
	now    func() time.Time
}

// RiskGateOption 可选参数
type RiskGateOption func(*RiskGate)

// WithRules 替换默认规则序列
func WithRules(rules ...Rule) RiskGateOption {
	return func(g *RiskGate) { g.rules = rules }
}

// WithGateClock 注入时钟
func WithGateClock(now func() time.Time) RiskGateOption {
	return func(g *RiskGate) {
		if now != nil {
			g.now = now
		}
	}
}

// NewRiskGate 创建风控，未设置的阈值使用默认值
func NewRiskGate(limits model.RiskLimits, opts ...RiskGateOption) *RiskGate {
	def := model.DefaultRiskLimits()
	if limits.MaxLeverage == nil {
		limits.MaxLeverage = def.MaxLeverage
	}
	if limits.DefaultMaxLeverage <= 0 {
		limits.DefaultMaxLeverage = def.DefaultMaxLeverage
	}
	if !limits.MarginCritical.IsPositive() {
		limits.MarginCritical = def.MarginCritical
	}
	if !limits.MarginWarning.IsPositive() {
		limits.MarginWarning = def.MarginWarning
	}
	if !limits.MaxPositionFraction.IsPositive() {
		limits.MaxPositionFraction = def.MaxPositionFraction
	}

	g := &RiskGate{
		limits: limits,
		rules:  DefaultRules(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Limits 当前风控参数
func (g *RiskGate) Limits() model.RiskLimits { return g.limits }

// Validate 校验交易意图
// refPrice 为市价单的参考价；限价单使用意图中的价格
func (g *RiskGate) Validate(ctx context.Context, intent model.TradeIntent, refPrice decimal.Decimal, accounts AccountSource) (*Approval, error) {
	if err := intent.Validate(); err != nil {
		return nil, err
	}
	price := intent.Price
	if intent.IsMarket() {
		price = refPrice
	}
	if !price.IsPositive() {
		return nil, fmt.Errorf("%w: no reference price for market intent on %s", model.ErrInvalidArgument, intent.Symbol)
	}

	e := &Evaluation{
		Intent: intent,
		Price:  price,
		Limits: g.limits,
	}
	e.Notional = intent.Size.Mul(price)
	e.RequiredMargin = model.RequiredMargin(intent.Size, price, intent.Leverage)

	fetched := false
	for _, rule := range g.rules {
		if rule.NeedsAccount() && !fetched {
			fetched = true
			e.Account, e.AccountErr = fetchAccount(ctx, accounts)
		}
		if err := rule.Check(e); err != nil {
			return nil, err
		}
	}

	return &Approval{
		ID:             uuid.NewString(),
		Intent:         intent,
		Price:          price,
		Notional:       e.Notional,
		RequiredMargin: e.RequiredMargin,
		MarginUsage:    e.MarginUsage,
		IssuedAt:       g.now(),
	}, nil
}

func fetchAccount(ctx context.Context, accounts AccountSource) (*model.AccountState, error) {
	if accounts == nil {
		return nil, fmt.Errorf("no account source")
	}
	return accounts.AccountState(ctx)
}
