package backtest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpengine/internal/domain/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func series(prices ...string) []Tick {
	ticks := make([]Tick, len(prices))
	for i, p := range prices {
		ticks[i] = Tick{Timestamp: start.Add(time.Duration(i) * time.Hour), Price: d(p)}
	}
	return ticks
}

func openOnce(side model.Side, size string) DecisionSource {
	return NewSchedule([]time.Time{start}, []Decision{{Side: side, Size: d(size), Leverage: 1}})
}

func TestRunnerScenarioLongToPeriodEnd(t *testing.T) {
	s := DefaultSettings()
	s.TakeProfitPct, s.StopLossPct = decimal.Zero, decimal.Zero

	res, err := NewRunner().Run(context.Background(), "BTCUSD", start, start.Add(24*time.Hour), time.Hour, s,
		series("50000", "55000"), openOnce(model.SideLong, "0.1"))
	require.NoError(t, err)

	require.Len(t, res.EquityCurve, 2)
	assert.True(t, res.EquityCurve[0].PositionValue.IsZero())

	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	assert.Equal(t, model.ClosePeriodEnded, tr.CloseReason)
	assert.True(t, tr.RealizedPnL.Equal(d("500")))
	assert.True(t, res.FinalBalance.Equal(d("10500")))
	assert.True(t, res.EquityCurve[1].Balance.Equal(d("10500")))
	assert.Equal(t, start.Add(time.Hour), tr.ClosedAt)

	assert.Equal(t, 1, res.Stats.WinningTrades)
	assert.True(t, res.Stats.WinRate.Equal(d("100")))
	assert.True(t, res.Stats.TotalPnLPercent.Equal(d("5")))
	assert.Zero(t, res.Stats.SharpeRatio)
}

func TestRunnerAppliesDefaultTakeProfit(t *testing.T) {
	res, err := NewRunner().Run(context.Background(), "BTC", start, start.Add(24*time.Hour), time.Hour, DefaultSettings(),
		series("50000", "51000", "52500", "60000"),
		NewSchedule([]time.Time{start}, []Decision{{Side: model.SideLong}}))
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	assert.Equal(t, model.CloseTakeProfit, tr.CloseReason)
	// 10000 * 0.5 * 1 / 50000 = 0.1
	assert.True(t, tr.Size.Equal(d("0.1")))
	assert.True(t, tr.ExitPrice.Equal(d("52500")))
	assert.True(t, tr.RealizedPnL.Equal(d("250")))
	assert.True(t, res.FinalBalance.Equal(d("10250")))
}

func TestRunnerShortStopLossAndDrawdown(t *testing.T) {
	res, err := NewRunner().Run(context.Background(), "ETH", start, start.Add(24*time.Hour), time.Hour, DefaultSettings(),
		series("3000", "3030", "3060", "2900"),
		NewSchedule([]time.Time{start}, []Decision{{Side: model.SideShort, Size: d("1")}}))
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	assert.Equal(t, model.CloseStopLoss, res.Trades[0].CloseReason)
	assert.True(t, res.Trades[0].RealizedPnL.Equal(d("-60")))
	assert.True(t, res.FinalBalance.Equal(d("9940")))

	assert.Equal(t, 1, res.Stats.LosingTrades)
	assert.True(t, res.Stats.AverageLoss.Equal(d("-60")))
	assert.True(t, res.Stats.MaxDrawdown.Equal(d("60")))
	assert.True(t, res.Stats.MaxDrawdownPercent.Equal(d("0.6")))
}

func TestRunnerIsDeterministic(t *testing.T) {
	ticks := series("100", "103", "99", "97", "105", "110", "96", "101", "104", "90")
	decide := DecisionFunc(func(_ context.Context, _ string, tick Tick) (*Decision, error) {
		if tick.Timestamp.Hour()%2 == 0 {
			return &Decision{Side: model.SideLong}, nil
		}
		return &Decision{Side: model.SideShort}, nil
	})

	run := func() *model.BacktestResult {
		res, err := NewRunner().Run(context.Background(), "SOL", start, start.Add(48*time.Hour), time.Hour, DefaultSettings(), ticks, decide)
		require.NoError(t, err)
		return res
	}
	a, b := run(), run()
	assert.Equal(t, a, b)
	assert.NotEmpty(t, a.Trades)
	assert.Len(t, a.EquityCurve, len(ticks))
}

func TestRunnerScheduleResetsBetweenRuns(t *testing.T) {
	sched := openOnce(model.SideLong, "0.1")
	runner := NewRunner()
	ticks := series("50000", "50100")

	a, err := runner.Run(context.Background(), "BTC", start, start.Add(time.Hour), time.Hour, DefaultSettings(), ticks, sched)
	require.NoError(t, err)
	b, err := runner.Run(context.Background(), "BTC", start, start.Add(time.Hour), time.Hour, DefaultSettings(), ticks, sched)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, b.Trades, 1)
}

func TestRunnerFiltersWindowAndInterval(t *testing.T) {
	var ticks []Tick
	for i := 0; i < 12; i++ {
		ticks = append(ticks, Tick{Timestamp: start.Add(time.Duration(i) * 30 * time.Minute), Price: d("100")})
	}
	ticks = append(ticks, Tick{Timestamp: start.Add(-time.Hour), Price: d("1")})

	res, err := NewRunner().Run(context.Background(), "BTC", start, start.Add(4*time.Hour), time.Hour, DefaultSettings(), ticks, nil)
	require.NoError(t, err)
	require.Len(t, res.EquityCurve, 5)
	for i, p := range res.EquityCurve {
		assert.Equal(t, start.Add(time.Duration(i)*time.Hour), p.Timestamp)
		assert.True(t, p.Balance.Equal(d("10000")))
	}
	assert.Empty(t, res.Trades)
}

func TestRunnerCountsRejectedIntents(t *testing.T) {
	s := DefaultSettings()
	res, err := NewRunner().Run(context.Background(), "BTC", start, start.Add(time.Hour), time.Hour, s,
		series("50000", "50000"),
		DecisionFunc(func(context.Context, string, Tick) (*Decision, error) {
			return &Decision{Side: model.SideLong, Leverage: 100}, nil
		}))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stats.RejectedIntents)
	assert.Empty(t, res.Trades)
}

func TestRunnerValidatesInput(t *testing.T) {
	r := NewRunner()
	ctx := context.Background()

	_, err := r.Run(ctx, "", start, start, time.Hour, DefaultSettings(), nil, nil)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	_, err = r.Run(ctx, "BTC", start, start.Add(-time.Hour), time.Hour, DefaultSettings(), nil, nil)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	bad := DefaultSettings()
	bad.InitialBalance = decimal.Zero
	_, err = r.Run(ctx, "BTC", start, start, time.Hour, bad, nil, nil)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestParseSchedule(t *testing.T) {
	src := `
decisions:
  - at: 2024-01-01T02:00:00Z
    side: short
    take_profit: "2800"
  - at: 2024-01-01T00:00:00Z
    side: buy
    size: "0.5"
    leverage: 3
`
	sched, err := ParseSchedule(strings.NewReader(src))
	require.NoError(t, err)
	require.Equal(t, 2, sched.Len())

	ctx := context.Background()
	got, err := sched.Decide(ctx, "ETH", Tick{Timestamp: start.Add(time.Hour)})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.SideLong, got.Side)
	assert.Equal(t, 3, got.Leverage)
	assert.True(t, got.Size.Equal(d("0.5")))

	got, _ = sched.Decide(ctx, "ETH", Tick{Timestamp: start.Add(time.Hour)})
	assert.Nil(t, got)

	got, _ = sched.Decide(ctx, "ETH", Tick{Timestamp: start.Add(3 * time.Hour)})
	require.NotNil(t, got)
	assert.Equal(t, model.SideShort, got.Side)
	assert.True(t, got.TakeProfit.Equal(d("2800")))

	_, err = ParseSchedule(strings.NewReader("decisions:\n  - at: yesterday\n    side: long\n"))
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestParseCSV(t *testing.T) {
	src := "timestamp,price\n2024-01-01T01:00:00Z,101.5\n1704067200,100\n# comment,1\n1704074400000,102\n"
	ticks, err := ParseCSV(strings.NewReader(src))
	require.NoError(t, err)
	require.Len(t, ticks, 3)
	assert.Equal(t, start, ticks[0].Timestamp)
	assert.True(t, ticks[1].Price.Equal(d("101.5")))
	assert.Equal(t, start.Add(2*time.Hour), ticks[2].Timestamp)

	_, err = ParseCSV(strings.NewReader("2024-01-01T00:00:00Z,-1\n"))
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}
