package service

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpengine/internal/domain/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func fixedClock() func() time.Time {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time { return ts }
}

func TestLedgerLongScenario(t *testing.T) {
	t.Parallel()

	l := NewLedger(model.ContextPaper, WithClock(fixedClock()))
	balance := d("10000")

	_, err := l.Open("BTC", model.SideLong, d("0.1"), d("50000"), 1, decimal.Zero, decimal.Zero)
	require.NoError(t, err)

	trade, err := l.MarkPrice("BTC", d("55000"))
	require.NoError(t, err)
	assert.Nil(t, trade)

	pos, ok := l.Position("BTC")
	require.True(t, ok)
	assert.True(t, pos.UnrealizedPnL.Equal(d("500")), "unrealized %s", pos.UnrealizedPnL)

	closed, err := l.ReduceOrClose("BTC", d("0.1"), d("55000"), model.CloseManual)
	require.NoError(t, err)
	assert.True(t, closed.RealizedPnL.Equal(d("500")))
	assert.Equal(t, model.CloseManual, closed.CloseReason)

	balance = balance.Add(closed.RealizedPnL)
	assert.True(t, balance.Equal(d("10500")))

	_, ok = l.Position("BTC")
	assert.False(t, ok)
}

func TestLedgerShortStopLoss(t *testing.T) {
	t.Parallel()

	l := NewLedger(model.ContextPaper)
	_, err := l.Open("ETH", model.SideShort, d("1"), d("3000"), 1, d("3100"), decimal.Zero)
	require.NoError(t, err)

	trade, err := l.MarkPrice("ETH", d("3150"))
	require.NoError(t, err)
	require.NotNil(t, trade)
	assert.Equal(t, model.CloseStopLoss, trade.CloseReason)
	assert.True(t, trade.RealizedPnL.Equal(d("-150")))

	// 已平仓后再次标记不会重复触发
	again, err := l.MarkPrice("ETH", d("3200"))
	assert.ErrorIs(t, err, model.ErrNoSuchPosition)
	assert.Nil(t, again)
	assert.Len(t, l.Trades(), 1)
}

func TestLedgerTriggers(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		side   model.Side
		sl, tp string
		mark   string
		want   model.CloseReason
	}{
		{"long take profit", model.SideLong, "90", "110", "110", model.CloseTakeProfit},
		{"long stop loss", model.SideLong, "90", "110", "89.5", model.CloseStopLoss},
		{"short take profit", model.SideShort, "110", "90", "90", model.CloseTakeProfit},
		{"short stop loss", model.SideShort, "110", "90", "110", model.CloseStopLoss},
		{"long inside band", model.SideLong, "90", "110", "100", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := NewLedger(model.ContextBacktest)
			_, err := l.Open("SOL", tc.side, d("1"), d("100"), 2, d(tc.sl), d(tc.tp))
			require.NoError(t, err)

			trade, err := l.MarkPrice("SOL", d(tc.mark))
			require.NoError(t, err)
			if tc.want == "" {
				assert.Nil(t, trade)
				return
			}
			require.NotNil(t, trade)
			assert.Equal(t, tc.want, trade.CloseReason)
			assert.True(t, trade.ExitPrice.Equal(d(tc.mark)))
		})
	}
}

func TestLedgerOpenTwiceFails(t *testing.T) {
	t.Parallel()

	l := NewLedger(model.ContextPaper)
	_, err := l.Open("BTCUSD", model.SideLong, d("1"), d("100"), 1, decimal.Zero, decimal.Zero)
	require.NoError(t, err)

	_, err = l.Open("BTC", model.SideShort, d("1"), d("100"), 1, decimal.Zero, decimal.Zero)
	assert.ErrorIs(t, err, model.ErrPositionAlreadyOpen)
}

func TestLedgerAddToPositionWeightedAverage(t *testing.T) {
	t.Parallel()

	l := NewLedger(model.ContextPaper)
	_, err := l.Open("BTC", model.SideLong, d("1"), d("100"), 1, decimal.Zero, decimal.Zero)
	require.NoError(t, err)

	pos, err := l.AddToPosition("BTC", model.SideLong, d("3"), d("200"))
	require.NoError(t, err)
	assert.True(t, pos.Size.Equal(d("4")))
	assert.True(t, pos.EntryPrice.Equal(d("175")), "entry %s", pos.EntryPrice)
	assert.True(t, pos.EntryPrice.GreaterThanOrEqual(d("100")) && pos.EntryPrice.LessThanOrEqual(d("200")))

	_, err = l.AddToPosition("BTC", model.SideShort, d("1"), d("150"))
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	_, err = l.AddToPosition("ETH", model.SideLong, d("1"), d("150"))
	assert.ErrorIs(t, err, model.ErrNoSuchPosition)
}

func TestLedgerPartialClose(t *testing.T) {
	t.Parallel()

	l := NewLedger(model.ContextPaper)
	_, err := l.Open("ETH", model.SideShort, d("2"), d("3000"), 3, decimal.Zero, decimal.Zero)
	require.NoError(t, err)

	trade, err := l.ReduceOrClose("ETH", d("0.5"), d("2900"), model.CloseManual)
	require.NoError(t, err)
	assert.True(t, trade.RealizedPnL.Equal(d("50")))
	assert.Equal(t, model.CloseReduce, trade.CloseReason)

	pos, ok := l.Position("ETH")
	require.True(t, ok)
	assert.True(t, pos.Size.Equal(d("1.5")))
	assert.True(t, pos.EntryPrice.Equal(d("3000")))
	assert.True(t, pos.RealizedPnL.Equal(d("50")))

	// 超过持仓量视为全部平仓，按剩余持仓量计算
	trade, err = l.ReduceOrClose("ETH", d("10"), d("3100"), model.CloseManual)
	require.NoError(t, err)
	assert.True(t, trade.Size.Equal(d("1.5")))
	assert.True(t, trade.RealizedPnL.Equal(d("-150")))
	assert.True(t, l.RealizedPnL().Equal(d("-100")))
	assert.False(t, l.HasOpen())
}

func TestLedgerRejectsNonPositive(t *testing.T) {
	t.Parallel()

	l := NewLedger(model.ContextPaper)
	_, err := l.Open("BTC", model.SideLong, d("0"), d("100"), 1, decimal.Zero, decimal.Zero)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
	_, err = l.Open("BTC", model.SideLong, d("1"), d("-1"), 1, decimal.Zero, decimal.Zero)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
	_, err = l.Open("BTC", model.SideLong, d("1"), d("100"), 0, decimal.Zero, decimal.Zero)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	_, err = l.MarkPrice("BTC", d("0"))
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
	_, err = l.ReduceOrClose("BTC", d("1"), d("100"), model.CloseManual)
	assert.ErrorIs(t, err, model.ErrNoSuchPosition)
}

func TestLedgerUnrealizedInvariant(t *testing.T) {
	t.Parallel()

	l := NewLedger(model.ContextPaper)
	_, err := l.Open("BTC", model.SideShort, d("0.3"), d("40000"), 5, decimal.Zero, decimal.Zero)
	require.NoError(t, err)

	for _, px := range []string{"39000", "41000.5", "40000", "12345.67"} {
		_, err := l.MarkPrice("BTC", d(px))
		require.NoError(t, err)
		pos, _ := l.Position("BTC")
		want := d("40000").Sub(d(px)).Mul(d("0.3"))
		assert.True(t, pos.UnrealizedPnL.Equal(want), "at %s got %s want %s", px, pos.UnrealizedPnL, want)
	}
	assert.True(t, l.MarginUsed().Equal(d("2400")))
}

func TestLedgerRestore(t *testing.T) {
	t.Parallel()

	l := NewLedger(model.ContextPaper, WithClock(fixedClock()))
	opened := time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)
	require.NoError(t, l.Restore([]model.Position{
		{Symbol: "BTC-PERP", Side: model.SideLong, Size: d("0.1"), EntryPrice: d("50000"), CurrentPrice: d("51000"), Leverage: 2, TakeProfit: d("60000"), OpenedAt: opened},
		{Symbol: "ETH", Side: model.SideShort, Size: d("1"), EntryPrice: d("3000"), Leverage: 1, Context: model.ContextPaper},
	}))

	btc, ok := l.Position("BTC")
	require.True(t, ok)
	assert.Equal(t, model.ContextPaper, btc.Context)
	assert.True(t, btc.UnrealizedPnL.Equal(d("100")))
	assert.Equal(t, opened, btc.OpenedAt)
	assert.Empty(t, l.Trades())

	// 恢复的持仓照常触发止盈
	trade, err := l.MarkPrice("BTC", d("61000"))
	require.NoError(t, err)
	require.NotNil(t, trade)
	assert.Equal(t, model.CloseTakeProfit, trade.CloseReason)

	eth, ok := l.Position("ETH")
	require.True(t, ok)
	assert.True(t, eth.CurrentPrice.Equal(d("3000")))
}

func TestLedgerRestoreRejectsInvalid(t *testing.T) {
	t.Parallel()

	l := NewLedger(model.ContextPaper)
	_, err := l.Open("SOL", model.SideLong, d("1"), d("150"), 1, decimal.Zero, decimal.Zero)
	require.NoError(t, err)

	err = l.Restore([]model.Position{
		{Symbol: "BTC", Side: model.SideLong, Size: d("0.1"), EntryPrice: d("50000"), Leverage: 1},
		{Symbol: "SOL", Side: model.SideLong, Size: d("1"), EntryPrice: d("150"), Leverage: 1},
	})
	assert.ErrorIs(t, err, model.ErrPositionAlreadyOpen)
	_, ok := l.Position("BTC")
	assert.False(t, ok, "nothing is restored when one position is rejected")

	err = l.Restore([]model.Position{{Symbol: "BTC", Side: model.SideLong, Size: d("0.1"), EntryPrice: d("50000"), Leverage: 1, Context: model.ContextLive}})
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	err = l.Restore([]model.Position{{Symbol: "BTC", Side: model.SideLong, Size: decimal.Zero, EntryPrice: d("50000"), Leverage: 1}})
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}
