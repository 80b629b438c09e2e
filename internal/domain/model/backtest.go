package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// EquityPoint 权益曲线上的一个点
type EquityPoint struct {
	Timestamp     time.Time       `json:"ts"`
	Balance       decimal.Decimal `json:"balance"`
	PositionValue decimal.Decimal `json:"position_value"` // 持仓按市值计的未实现盈亏
}

// Equity 余额 + 持仓价值
func (e EquityPoint) Equity() decimal.Decimal {
	return e.Balance.Add(e.PositionValue)
}

// BacktestStats 回测统计
type BacktestStats struct {
	TotalTrades        int             `json:"total_trades"`
	WinningTrades      int             `json:"winning_trades"`
	LosingTrades       int             `json:"losing_trades"`
	WinRate            decimal.Decimal `json:"win_rate"` // 百分比
	AverageWin         decimal.Decimal `json:"avg_win"`
	AverageLoss        decimal.Decimal `json:"avg_loss"`
	TotalPnL           decimal.Decimal `json:"total_pnl"`
	TotalPnLPercent    decimal.Decimal `json:"total_pnl_percent"`
	MaxDrawdown        decimal.Decimal `json:"max_drawdown"`
	MaxDrawdownPercent decimal.Decimal `json:"max_drawdown_percent"`
	SharpeRatio        float64         `json:"sharpe_ratio"`
	RejectedIntents    int             `json:"rejected_intents"`
}

// BacktestResult 回测结果，生成后不再修改
type BacktestResult struct {
	Symbol         string          `json:"symbol"`
	Start          time.Time       `json:"start"`
	End            time.Time       `json:"end"`
	Interval       time.Duration   `json:"interval"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	FinalBalance   decimal.Decimal `json:"final_balance"`
	Trades         []Trade         `json:"trades"`
	EquityCurve    []EquityPoint   `json:"equity_curve"`
	Stats          BacktestStats   `json:"stats"`
}
