package service

import (
	"fmt"

	"github.com/shopspring/decimal"

	"perpengine/internal/domain/model"
)

// DefaultRules 默认风控顺序：本地检查在远程账户检查之前
func DefaultRules() []Rule {
	return []Rule{
		LeverageRule{},
		AccountPresentRule{},
		MarginUsageRule{},
		PositionSizeRule{},
	}
}

// LeverageRule 杠杆不超过币种上限
type LeverageRule struct{}

func (LeverageRule) Name() string       { return "leverage" }
func (LeverageRule) NeedsAccount() bool { return false }

func (r LeverageRule) Check(e *Evaluation) error {
	coin := model.Coin(e.Intent.Symbol)
	maxLev := e.Limits.LeverageFor(coin)
	if e.Intent.Leverage > maxLev {
		return &model.RiskError{
			Rule:   r.Name(),
			Kind:   model.ErrLeverageExceeded,
			Reason: fmt.Sprintf("requested %dx exceeds %dx max for %s", e.Intent.Leverage, maxLev, coin),
		}
	}
	return nil
}

// AccountPresentRule 账户价值必须存在
type AccountPresentRule struct{}

func (AccountPresentRule) Name() string       { return "account_state" }
func (AccountPresentRule) NeedsAccount() bool { return true }

func (r AccountPresentRule) Check(e *Evaluation) error {
	if e.AccountErr != nil {
		return &model.RiskError{
			Rule:   r.Name(),
			Kind:   model.ErrMarginDataUnavailable,
			Reason: fmt.Sprintf("account state fetch failed: %v", e.AccountErr),
		}
	}
	if e.Account == nil || !e.Account.AccountValue.IsPositive() {
		return &model.RiskError{
			Rule:   r.Name(),
			Kind:   model.ErrMarginDataUnavailable,
			Reason: "account value missing",
		}
	}
	return nil
}

// MarginUsageRule 保证金使用率阈值：>= 硬阈值为 critical，>= 软阈值为 high，均拒绝
type MarginUsageRule struct{}

func (MarginUsageRule) Name() string       { return "margin_usage" }
func (MarginUsageRule) NeedsAccount() bool { return true }

func (r MarginUsageRule) Check(e *Evaluation) error {
	if e.Account == nil {
		return AccountPresentRule{}.Check(e)
	}
	usage := e.Account.MarginUsage()
	e.MarginUsage = usage

	switch {
	case usage.GreaterThanOrEqual(e.Limits.MarginCritical):
		return &model.RiskError{
			Rule:   r.Name(),
			Kind:   model.ErrMarginUsageCritical,
			Reason: fmt.Sprintf("margin usage %s%% at or above hard stop %s%%", pct(usage), pct(e.Limits.MarginCritical)),
		}
	case usage.GreaterThanOrEqual(e.Limits.MarginWarning):
		return &model.RiskError{
			Rule:   r.Name(),
			Kind:   model.ErrMarginUsageHigh,
			Reason: fmt.Sprintf("margin usage %s%% at or above %s%%, reduce exposure first", pct(usage), pct(e.Limits.MarginWarning)),
		}
	}
	return nil
}

// PositionSizeRule 所需初始保证金不超过账户价值的一定比例
type PositionSizeRule struct{}

func (PositionSizeRule) Name() string       { return "position_size" }
func (PositionSizeRule) NeedsAccount() bool { return true }

func (r PositionSizeRule) Check(e *Evaluation) error {
	if e.Account == nil {
		return AccountPresentRule{}.Check(e)
	}
	limit := e.Account.AccountValue.Mul(e.Limits.MaxPositionFraction)
	if e.RequiredMargin.GreaterThan(limit) {
		return &model.RiskError{
			Rule: r.Name(),
			Kind: model.ErrPositionTooLarge,
			Reason: fmt.Sprintf("required margin %s exceeds %s (%s%% of account value %s)",
				e.RequiredMargin.StringFixed(2), limit.StringFixed(2), pct(e.Limits.MaxPositionFraction), e.Account.AccountValue.StringFixed(2)),
		}
	}
	return nil
}

func pct(f decimal.Decimal) string {
	return f.Mul(decimal.NewFromInt(100)).StringFixed(2)
}
