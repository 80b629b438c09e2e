package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpengine/internal/domain/model"
)

type mockRepository struct {
	mu        sync.Mutex
	prices    []model.PriceSnapshot
	trades    []model.Trade
	orders    []model.OrderRecord
	positions []model.PositionSnapshot
	equity    []model.EquityPoint
}

func (m *mockRepository) SaveTrade(ctx context.Context, trade model.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, trade)
	return nil
}

func (m *mockRepository) SaveOrder(ctx context.Context, order model.OrderRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = append(m.orders, order)
	return nil
}

func (m *mockRepository) SavePosition(ctx context.Context, snap model.PositionSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = append(m.positions, snap)
	return nil
}

func (m *mockRepository) SaveEquityPoint(ctx context.Context, ec model.ExecutionContext, point model.EquityPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equity = append(m.equity, point)
	return nil
}

func (m *mockRepository) SavePrice(ctx context.Context, snap model.PriceSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices = append(m.prices, snap)
	return nil
}

func (m *mockRepository) Close() error { return nil }

func TestPriceServiceRecord(t *testing.T) {
	mock := &mockRepository{}
	svc := NewPriceService(mock)

	snap := model.PriceSnapshot{Symbol: "BTC", Price: dec("45000"), Timestamp: time.Unix(1700000000, 0), Source: "hyperliquid"}
	require.NoError(t, svc.Record(context.Background(), snap))

	require.Len(t, mock.prices, 1)
	assert.True(t, mock.prices[0].Price.Equal(dec("45000")))
}

func TestPositionServiceSnapshotAndTrade(t *testing.T) {
	mock := &mockRepository{}
	svc := NewPositionService(mock)
	at := time.Unix(1700000000, 0)

	positions := []model.Position{
		{Symbol: "BTC", Side: model.SideLong, Size: dec("0.1"), EntryPrice: dec("50000")},
		{Symbol: "ETH", Side: model.SideShort, Size: dec("1"), EntryPrice: dec("3000")},
	}
	require.NoError(t, svc.SnapshotAll(context.Background(), positions, at))
	require.NoError(t, svc.RecordTrade(context.Background(), model.Trade{ID: "t1", Symbol: "BTC"}))

	assert.Len(t, mock.positions, 2)
	assert.Equal(t, at, mock.positions[1].CapturedAt)
	assert.Len(t, mock.trades, 1)
}

func TestSnapshotAndOrderLogServices(t *testing.T) {
	mock := &mockRepository{}
	ctx := context.Background()

	curve := []model.EquityPoint{
		{Timestamp: time.Unix(1, 0), Balance: dec("10000")},
		{Timestamp: time.Unix(2, 0), Balance: dec("10010")},
	}
	require.NoError(t, NewSnapshotService(mock).SaveCurve(ctx, model.ContextBacktest, curve))
	require.NoError(t, NewOrderLogService(mock).Record(ctx, model.OrderRecord{ID: "o1", Status: model.OrderStatusFilled}))

	assert.Len(t, mock.equity, 2)
	assert.Len(t, mock.orders, 1)
}
