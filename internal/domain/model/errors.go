package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNetwork 网络错误（超时、非 2xx、解析失败），可通过降级链重试
	ErrNetwork = errors.New("network error")
	// ErrSymbolNotFound 交易所不支持该交易对
	ErrSymbolNotFound = errors.New("symbol not found")
	// ErrInvalidArgument 参数非法
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrPriceUnavailable 所有价格源与缓存均不可用
	ErrPriceUnavailable = errors.New("price unavailable")

	ErrPositionAlreadyOpen = errors.New("position already open")
	ErrNoSuchPosition      = errors.New("no such position")

	// ErrRiskLimitExceeded 风控拒绝的总类别
	ErrRiskLimitExceeded     = errors.New("risk limit exceeded")
	ErrLeverageExceeded      = errors.New("leverage exceeded")
	ErrMarginDataUnavailable = errors.New("margin data unavailable")
	ErrMarginUsageHigh       = errors.New("margin usage high")
	ErrMarginUsageCritical   = errors.New("margin usage critical")
	ErrPositionTooLarge      = errors.New("position too large")

	ErrPartialExecution  = errors.New("partial execution failure")
	ErrApprovalConsumed  = errors.New("approval already consumed")
	ErrStreamRunning     = errors.New("price stream already running")
	ErrExchangeRejected  = errors.New("exchange rejected request")
	ErrSignerUnavailable = errors.New("signer unavailable")
	// ErrDuplicateOrder 同一币种已有在途订单，或相同订单刚提交过
	ErrDuplicateOrder = errors.New("duplicate order")
)

// RiskError 风控拒绝，携带具体规则和原因
type RiskError struct {
	Rule   string
	Kind   error
	Reason string
}

func (e *RiskError) Error() string {
	return fmt.Sprintf("risk rejected by %s: %v: %s", e.Rule, e.Kind, e.Reason)
}

// Unwrap 同时匹配具体类型和 ErrRiskLimitExceeded
func (e *RiskError) Unwrap() []error {
	return []error{e.Kind, ErrRiskLimitExceeded}
}

// LegStatus 实盘下单中单条订单腿的结果
type LegStatus struct {
	Leg     string `json:"leg"` // entry / leverage / stop_loss / take_profit
	OrderID string `json:"order_id,omitempty"`
	Status  string `json:"status"`
	Err     error  `json:"-"`
}

// OK 该腿是否成功
func (l LegStatus) OK() bool { return l.Err == nil }

// PartialExecutionError 主单成功但附属触发单失败
type PartialExecutionError struct {
	Symbol string
	Legs   []LegStatus
}

func (e *PartialExecutionError) Error() string {
	var failed []string
	for _, l := range e.Legs {
		if l.Err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", l.Leg, l.Err))
		}
	}
	return fmt.Sprintf("%v for %s: %s", ErrPartialExecution, e.Symbol, strings.Join(failed, "; "))
}

func (e *PartialExecutionError) Unwrap() error { return ErrPartialExecution }
