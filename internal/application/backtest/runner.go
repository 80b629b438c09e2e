package backtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"perpengine/internal/application/port"
	appsvc "perpengine/internal/application/service"
	"perpengine/internal/domain/model"
	"perpengine/internal/domain/service"
	"perpengine/internal/infrastructure/idgen"
)

// Runner 在历史价格序列上驱动账本和风控
// 同样的序列、参数和决策序列得到完全相同的结果
type Runner struct {
	repo port.Repository
}

// RunnerOption 回测选项
type RunnerOption func(*Runner)

// WithResultRepository 结束后把成交和权益曲线写入 repo
func WithResultRepository(repo port.Repository) RunnerOption {
	return func(r *Runner) { r.repo = repo }
}

func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run 执行一次回测
func (r *Runner) Run(ctx context.Context, symbol string, start, end time.Time, interval time.Duration, settings Settings, series []Tick, decisions DecisionSource) (*model.BacktestResult, error) {
	coin := model.Coin(symbol)
	if coin == "" {
		return nil, fmt.Errorf("%w: symbol is empty", model.ErrInvalidArgument)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("%w: end %s before start %s", model.ErrInvalidArgument, end, start)
	}
	if interval < 0 {
		return nil, fmt.Errorf("%w: negative interval", model.ErrInvalidArgument)
	}
	if err := settings.validate(); err != nil {
		return nil, err
	}
	if rs, ok := decisions.(resetter); ok {
		rs.Reset()
	}

	ticks := make([]Tick, len(series))
	copy(ticks, series)
	sortTicks(ticks)

	var now time.Time
	clock := func() time.Time { return now }
	ids := idgen.NewDeterministic(settings.Seed)
	ledger := service.NewLedger(model.ContextBacktest, service.WithClock(clock), service.WithIDGenerator(ids.At))
	gate := service.NewRiskGate(settings.Limits, service.WithGateClock(clock))

	balance := func() decimal.Decimal { return settings.InitialBalance.Add(ledger.RealizedPnL()) }
	accounts := service.AccountSourceFunc(func(context.Context) (*model.AccountState, error) {
		value := balance().Add(ledger.UnrealizedPnL())
		used := ledger.MarginUsed()
		return &model.AccountState{AccountValue: value, MarginUsed: used, Withdrawable: value.Sub(used)}, nil
	})

	var (
		curve    []model.EquityPoint
		rejected int
		last     *Tick
	)
	for i := range ticks {
		tick := ticks[i]
		if tick.Timestamp.Before(start) || tick.Timestamp.After(end) || !tick.Price.IsPositive() {
			continue
		}
		if last != nil && tick.Timestamp.Sub(last.Timestamp) < interval {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		last = &ticks[i]
		now = tick.Timestamp

		if _, err := ledger.MarkPrice(coin, tick.Price); err != nil && !errors.Is(err, model.ErrNoSuchPosition) {
			return nil, err
		}

		if decisions != nil && !ledger.HasOpen() {
			d, err := decisions.Decide(ctx, coin, tick)
			if err != nil {
				return nil, fmt.Errorf("decision at %s: %w", tick.Timestamp.Format(time.RFC3339), err)
			}
			if d != nil {
				intent := buildIntent(coin, tick.Price, balance(), settings, *d)
				approval, err := gate.Validate(ctx, intent, tick.Price, accounts)
				if err != nil {
					rejected++
					log.Debug().Err(err).Str("symbol", coin).Time("ts", tick.Timestamp).Msg("backtest intent rejected")
				} else if err := approval.Consume(); err == nil {
					if _, err := ledger.Open(coin, intent.Side, intent.Size, tick.Price, intent.Leverage, intent.StopLoss, intent.TakeProfit); err != nil {
						rejected++
						log.Debug().Err(err).Str("symbol", coin).Msg("backtest open failed")
					}
				}
			}
		}

		curve = append(curve, model.EquityPoint{
			Timestamp:     tick.Timestamp,
			Balance:       balance(),
			PositionValue: ledger.UnrealizedPnL(),
		})
	}

	if last != nil && ledger.HasOpen() {
		if _, err := ledger.Close(coin, last.Price, model.ClosePeriodEnded); err != nil {
			return nil, err
		}
		// 最后一个点反映强平后的余额
		curve[len(curve)-1] = model.EquityPoint{Timestamp: last.Timestamp, Balance: balance(), PositionValue: decimal.Zero}
	}

	trades := ledger.Trades()
	result := &model.BacktestResult{
		Symbol:         coin,
		Start:          start,
		End:            end,
		Interval:       interval,
		InitialBalance: settings.InitialBalance,
		FinalBalance:   balance(),
		Trades:         trades,
		EquityCurve:    curve,
		Stats:          computeStats(settings.InitialBalance, trades, curve),
	}
	result.Stats.RejectedIntents = rejected

	r.persist(ctx, result)
	return result, nil
}

// buildIntent 未指定数量时按 余额 * 比例 * 杠杆 / 价格 计算，截断到 8 位小数
func buildIntent(coin string, price, balance decimal.Decimal, s Settings, d Decision) model.TradeIntent {
	leverage := d.Leverage
	if leverage < 1 {
		leverage = s.Leverage
	}
	size := d.Size
	if !size.IsPositive() {
		size = balance.Mul(s.MaxPositionFraction).Mul(decimal.NewFromInt(int64(leverage))).Div(price).Truncate(8)
	}

	sl, tp := d.StopLoss, d.TakeProfit
	one := decimal.NewFromInt(1)
	if !sl.IsPositive() && s.StopLossPct.IsPositive() {
		if d.Side == model.SideLong {
			sl = price.Mul(one.Sub(s.StopLossPct))
		} else {
			sl = price.Mul(one.Add(s.StopLossPct))
		}
	}
	if !tp.IsPositive() && s.TakeProfitPct.IsPositive() {
		if d.Side == model.SideLong {
			tp = price.Mul(one.Add(s.TakeProfitPct))
		} else {
			tp = price.Mul(one.Sub(s.TakeProfitPct))
		}
	}

	return model.TradeIntent{
		Symbol:     coin,
		Side:       d.Side,
		Size:       size,
		Leverage:   leverage,
		StopLoss:   sl,
		TakeProfit: tp,
		Context:    model.ContextBacktest,
	}
}

func (r *Runner) persist(ctx context.Context, res *model.BacktestResult) {
	if r.repo == nil {
		return
	}
	positions := appsvc.NewPositionService(r.repo)
	for _, t := range res.Trades {
		if err := positions.RecordTrade(ctx, t); err != nil {
			log.Warn().Err(err).Str("trade", t.ID).Msg("save backtest trade failed")
			return
		}
	}
	if err := appsvc.NewSnapshotService(r.repo).SaveCurve(ctx, model.ContextBacktest, res.EquityCurve); err != nil {
		log.Warn().Err(err).Msg("save backtest equity failed")
	}
}
