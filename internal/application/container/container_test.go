package container

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpengine/internal/application/backtest"
	"perpengine/internal/application/port"
	"perpengine/internal/domain/model"
	"perpengine/internal/infrastructure/storage/memory"
	"perpengine/internal/infrastructure/storage/sqlite"
)

type staticPrices map[string]decimal.Decimal

func (s staticPrices) GetPrice(_ context.Context, symbol string, _ bool) (decimal.Decimal, error) {
	px, ok := s[model.Coin(symbol)]
	if !ok {
		return decimal.Zero, model.ErrPriceUnavailable
	}
	return px, nil
}

func newContainer(repo port.Repository) *Container {
	return New(Deps{
		Repo:           repo,
		Prices:         staticPrices{"BTC": decimal.NewFromInt(50000)},
		Limits:         model.DefaultRiskLimits(),
		Network:        model.Testnet,
		InitialBalance: decimal.NewFromInt(10000),
	})
}

func TestContainerPaperSessionWorkflow(t *testing.T) {
	repo := memory.New()
	c := newContainer(repo)
	defer c.Close()

	s, err := c.Session(context.Background(), model.ContextPaper)
	require.NoError(t, err)
	again, err := c.Session(context.Background(), model.ContextPaper)
	require.NoError(t, err)
	assert.Same(t, s, again)

	ctx := context.Background()
	_, err = s.Submit(ctx, model.TradeIntent{Symbol: "BTCUSD", Side: model.SideLong, Size: decimal.RequireFromString("0.01"), Leverage: 2})
	require.NoError(t, err)

	orders := repo.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, model.ContextPaper, orders[0].Context)
	assert.Equal(t, model.OrderStatusFilled, orders[0].Status)
	assert.Len(t, repo.Positions(model.ContextPaper), 1)

	_, err = s.Close(ctx, "BTC", decimal.Zero)
	require.NoError(t, err)
	assert.Len(t, repo.Trades(model.ContextPaper), 1)
}

func TestContainerLiveNeedsSigner(t *testing.T) {
	c := newContainer(memory.New())
	_, err := c.Session(context.Background(), model.ContextLive)
	assert.ErrorIs(t, err, model.ErrSignerUnavailable)

	_, err = c.Session(context.Background(), model.ContextBacktest)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestContainerBacktesterPersistsResult(t *testing.T) {
	repo := memory.New()
	c := newContainer(repo)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	ticks := []backtest.Tick{
		{Timestamp: start, Price: decimal.NewFromInt(100)},
		{Timestamp: start.Add(time.Hour), Price: decimal.NewFromInt(110)},
	}
	sched := backtest.NewSchedule([]time.Time{start}, []backtest.Decision{{Side: model.SideLong, Size: decimal.NewFromInt(1)}})
	res, err := c.Backtester().Run(context.Background(), "SOL", start, start.Add(time.Hour), time.Hour, backtest.DefaultSettings(), ticks, sched)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)

	assert.Len(t, repo.Trades(model.ContextBacktest), 1)
	assert.Len(t, repo.Equity(model.ContextBacktest), 2)
}

func TestContainerRestoresPositionsAcrossRestarts(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "perp.db")
	ctx := context.Background()

	repo, err := sqlite.New(dbPath)
	require.NoError(t, err)
	first := newContainer(repo)
	s, err := first.Session(ctx, model.ContextPaper)
	require.NoError(t, err)
	_, err = s.Submit(ctx, model.TradeIntent{
		Symbol: "BTC", Side: model.SideLong, Size: decimal.RequireFromString("0.01"), Leverage: 2,
		StopLoss: decimal.NewFromInt(45000),
	})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	repo, err = sqlite.New(dbPath)
	require.NoError(t, err)
	second := newContainer(repo)
	s, err = second.Session(ctx, model.ContextPaper)
	require.NoError(t, err)

	pos, ok := s.Ledger().Position("BTC")
	require.True(t, ok, "open position survives a new container")
	assert.True(t, pos.Size.Equal(decimal.RequireFromString("0.01")))
	assert.Equal(t, 2, pos.Leverage)
	assert.True(t, pos.StopLoss.Equal(decimal.NewFromInt(45000)))

	trade, err := s.Close(ctx, "BTC", decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, model.CloseManual, trade.CloseReason)
	require.NoError(t, second.Close())

	repo, err = sqlite.New(dbPath)
	require.NoError(t, err)
	third := newContainer(repo)
	defer third.Close()
	s, err = third.Session(ctx, model.ContextPaper)
	require.NoError(t, err)
	assert.False(t, s.Ledger().HasOpen(), "closed position is not restored")
}
