package backtest

import (
	"math"

	"github.com/shopspring/decimal"

	"perpengine/internal/domain/model"
)

var hundred = decimal.NewFromInt(100)

// computeStats 从成交列表和权益曲线汇总统计
func computeStats(initial decimal.Decimal, trades []model.Trade, curve []model.EquityPoint) model.BacktestStats {
	var st model.BacktestStats
	st.TotalTrades = len(trades)

	var sumWin, sumLoss, total decimal.Decimal
	for _, t := range trades {
		total = total.Add(t.RealizedPnL)
		switch {
		case t.RealizedPnL.IsPositive():
			st.WinningTrades++
			sumWin = sumWin.Add(t.RealizedPnL)
		case t.RealizedPnL.IsNegative():
			st.LosingTrades++
			sumLoss = sumLoss.Add(t.RealizedPnL)
		}
	}
	st.TotalPnL = total
	st.TotalPnLPercent = total.Div(initial).Mul(hundred).Round(4)
	if st.TotalTrades > 0 {
		st.WinRate = decimal.NewFromInt(int64(st.WinningTrades)).Mul(hundred).Div(decimal.NewFromInt(int64(st.TotalTrades))).Round(4)
	}
	if st.WinningTrades > 0 {
		st.AverageWin = sumWin.Div(decimal.NewFromInt(int64(st.WinningTrades))).Round(8)
	}
	if st.LosingTrades > 0 {
		st.AverageLoss = sumLoss.Div(decimal.NewFromInt(int64(st.LosingTrades))).Round(8)
	}

	st.MaxDrawdown, st.MaxDrawdownPercent = maxDrawdown(initial, curve)
	st.SharpeRatio = sharpe(initial, trades)
	return st
}

// maxDrawdown 峰值从初始余额开始；百分比相对于当时的峰值
func maxDrawdown(initial decimal.Decimal, curve []model.EquityPoint) (decimal.Decimal, decimal.Decimal) {
	peak := initial
	var maxAbs, maxPct decimal.Decimal
	for _, p := range curve {
		eq := p.Equity()
		if eq.GreaterThan(peak) {
			peak = eq
		}
		dd := peak.Sub(eq)
		if dd.GreaterThan(maxAbs) {
			maxAbs = dd
		}
		if peak.IsPositive() {
			if pct := dd.Div(peak).Mul(hundred); pct.GreaterThan(maxPct) {
				maxPct = pct
			}
		}
	}
	return maxAbs, maxPct.Round(4)
}

// sharpe 每笔收益 = pnl / 初始余额；mean / 总体标准差
func sharpe(initial decimal.Decimal, trades []model.Trade) float64 {
	if len(trades) < 2 {
		return 0
	}
	init := initial.InexactFloat64()
	returns := make([]float64, len(trades))
	var sum float64
	for i, t := range trades {
		returns[i] = t.RealizedPnL.InexactFloat64() / init
		sum += returns[i]
	}
	mean := sum / float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	std := math.Sqrt(variance / float64(len(returns)))
	if std < 1e-12 {
		return 0
	}
	return mean / std
}
