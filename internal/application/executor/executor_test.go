package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpengine/internal/application/port"
	"perpengine/internal/domain/model"
	"perpengine/internal/domain/service"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func clock() time.Time { return t0 }

type memRepo struct {
	mu        sync.Mutex
	orders    []model.OrderRecord
	trades    []model.Trade
	positions []model.PositionSnapshot
}

func (r *memRepo) SaveTrade(_ context.Context, t model.Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, t)
	return nil
}

func (r *memRepo) SaveOrder(_ context.Context, o model.OrderRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders = append(r.orders, o)
	return nil
}

func (r *memRepo) SavePosition(_ context.Context, s model.PositionSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.positions = append(r.positions, s)
	return nil
}

func (r *memRepo) SaveEquityPoint(context.Context, model.ExecutionContext, model.EquityPoint) error {
	return nil
}

func (r *memRepo) SavePrice(context.Context, model.PriceSnapshot) error { return nil }

func (r *memRepo) Close() error { return nil }

func approval(intent model.TradeIntent, price string) *service.Approval {
	return &service.Approval{ID: "test", Intent: intent, Price: d(price), IssuedAt: t0}
}

func TestPaperExecutorOpensAndRecords(t *testing.T) {
	repo := &memRepo{}
	ledger := service.NewLedger(model.ContextPaper, service.WithClock(clock))
	exec := NewPaperExecutor(ledger, WithRepository(repo), WithClock(clock))

	intent := model.TradeIntent{Symbol: "BTCUSD", Side: model.SideLong, Size: d("0.1"), Leverage: 5, TakeProfit: d("55000"), Context: model.ContextPaper}
	res, err := exec.Execute(context.Background(), approval(intent, "50000"))
	require.NoError(t, err)

	assert.Equal(t, model.ContextPaper, res.Context)
	assert.Equal(t, "BTC", res.Position.Symbol)
	assert.True(t, res.FillPrice.Equal(d("50000")))
	assert.False(t, res.PartialFailure())

	require.Len(t, repo.orders, 1)
	assert.Equal(t, model.OrderStatusFilled, repo.orders[0].Status)
	assert.Equal(t, "paper-order-000001", repo.orders[0].ID)
	require.Len(t, repo.positions, 1)
	assert.True(t, repo.positions[0].EntryPrice.Equal(d("50000")))
}

func TestPaperExecutorRejectsReusedApproval(t *testing.T) {
	ledger := service.NewLedger(model.ContextPaper)
	exec := NewPaperExecutor(ledger)

	a := approval(model.TradeIntent{Symbol: "ETH", Side: model.SideLong, Size: d("1"), Leverage: 1}, "3000")
	_, err := exec.Execute(context.Background(), a)
	require.NoError(t, err)

	_, err = exec.Execute(context.Background(), a)
	assert.ErrorIs(t, err, model.ErrApprovalConsumed)

	pos, ok := ledger.Position("ETH")
	require.True(t, ok)
	assert.True(t, pos.Size.Equal(d("1")))
}

func TestPaperExecutorAddsAndReverses(t *testing.T) {
	repo := &memRepo{}
	ledger := service.NewLedger(model.ContextPaper, service.WithClock(clock))
	exec := NewPaperExecutor(ledger, WithRepository(repo))
	ctx := context.Background()

	long := model.TradeIntent{Symbol: "SOL", Side: model.SideLong, Size: d("10"), Leverage: 2}
	_, err := exec.Execute(ctx, approval(long, "100"))
	require.NoError(t, err)
	res, err := exec.Execute(ctx, approval(long, "110"))
	require.NoError(t, err)
	assert.True(t, res.Position.Size.Equal(d("20")))
	assert.True(t, res.Position.EntryPrice.Equal(d("105")))

	short := model.TradeIntent{Symbol: "SOL", Side: model.SideShort, Size: d("5"), Leverage: 2}
	res, err = exec.Execute(ctx, approval(short, "120"))
	require.NoError(t, err)

	require.Len(t, res.Closed, 1)
	assert.Equal(t, model.CloseReversed, res.Closed[0].CloseReason)
	assert.True(t, res.Closed[0].RealizedPnL.Equal(d("300")))
	assert.Equal(t, model.SideShort, res.Position.Side)
	assert.True(t, res.Position.Size.Equal(d("5")))
	assert.Len(t, repo.trades, 1)
}

type fakeSigner struct {
	mu     sync.Mutex
	nonces []uint64
	err    error
}

func (s *fakeSigner) Address() string { return "0xabc" }

func (s *fakeSigner) Sign(_ context.Context, _ any, nonce uint64) (port.Signature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return port.Signature{}, s.err
	}
	s.nonces = append(s.nonces, nonce)
	return port.Signature{R: "0x01", S: "0x02", V: 27}, nil
}

type fakeExchange struct {
	mu      sync.Mutex
	actions []any
	// tpsl -> error for trigger legs
	failTrigger map[string]error
	entryErr    error
	ack         port.OrderAck
}

func (f *fakeExchange) SubmitOrder(ctx context.Context, a port.SignedAction) (port.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, a.Action)

	order, ok := a.Action.(port.OrderAction)
	if !ok {
		return port.OrderAck{Status: model.OrderStatusSubmitted}, nil
	}
	w := order.Orders[0]
	if w.Type.Trigger != nil {
		if err := f.failTrigger[w.Type.Trigger.TPSL]; err != nil {
			return port.OrderAck{}, err
		}
		return port.OrderAck{OrderID: "trig-" + w.Type.Trigger.TPSL, Status: model.OrderStatusResting}, nil
	}
	if f.entryErr != nil {
		return port.OrderAck{}, f.entryErr
	}
	return f.ack, nil
}

func (f *fakeExchange) AccountState(context.Context, string) (*model.AccountState, error) {
	return &model.AccountState{}, nil
}

func (f *fakeExchange) AssetIndex(_ context.Context, symbol string) (int, error) {
	switch symbol {
	case "BTC":
		return 0, nil
	case "ETH":
		return 1, nil
	}
	return 0, fmt.Errorf("%w: %s", model.ErrSymbolNotFound, symbol)
}

func TestLiveExecutorSubmitsEntryAndTriggers(t *testing.T) {
	repo := &memRepo{}
	signer := &fakeSigner{}
	ex := &fakeExchange{ack: port.OrderAck{OrderID: "42", Status: model.OrderStatusFilled, AvgPrice: d("50010"), FilledSize: d("0.1")}}
	ledger := service.NewLedger(model.ContextLive, service.WithClock(clock))
	exec := NewLiveExecutor(ledger, signer, ex, []Option{WithRepository(repo), WithClock(clock)})

	intent := model.TradeIntent{
		Symbol: "BTC", Side: model.SideLong, Size: d("0.1"), Leverage: 10,
		StopLoss: d("49000"), TakeProfit: d("52000"), Context: model.ContextLive,
	}
	res, err := exec.Execute(context.Background(), approval(intent, "50000"))
	require.NoError(t, err)

	require.Len(t, ex.actions, 4)
	lev := ex.actions[0].(port.UpdateLeverageAction)
	assert.Equal(t, 10, lev.Leverage)

	entry := ex.actions[1].(port.OrderAction).Orders[0]
	assert.True(t, entry.IsBuy)
	assert.Equal(t, "52500", entry.Price, "market buy uses reference price plus 5% slippage")
	assert.Equal(t, "Ioc", entry.Type.Limit.TIF)
	assert.False(t, entry.ReduceOnly)

	sl := ex.actions[2].(port.OrderAction).Orders[0]
	assert.False(t, sl.IsBuy)
	assert.True(t, sl.ReduceOnly)
	assert.Equal(t, "sl", sl.Type.Trigger.TPSL)
	assert.Equal(t, "49000", sl.Type.Trigger.TriggerPx)

	tp := ex.actions[3].(port.OrderAction).Orders[0]
	assert.Equal(t, "tp", tp.Type.Trigger.TPSL)

	for i := 1; i < len(signer.nonces); i++ {
		assert.Greater(t, signer.nonces[i], signer.nonces[i-1])
	}

	assert.True(t, res.FillPrice.Equal(d("50010")))
	pos, ok := ledger.Position("BTC")
	require.True(t, ok)
	assert.True(t, pos.EntryPrice.Equal(d("50010")))
	assert.Len(t, res.Legs, 4)
	assert.Len(t, repo.orders, 3)
}

func TestLiveExecutorReportsPartialFailure(t *testing.T) {
	ex := &fakeExchange{
		ack:         port.OrderAck{OrderID: "7", Status: model.OrderStatusFilled},
		failTrigger: map[string]error{"tp": fmt.Errorf("%w: trigger rejected", model.ErrExchangeRejected)},
	}
	ledger := service.NewLedger(model.ContextLive)
	exec := NewLiveExecutor(ledger, &fakeSigner{}, ex, nil)

	intent := model.TradeIntent{Symbol: "ETH", Side: model.SideShort, Size: d("1"), Leverage: 3, StopLoss: d("3100"), TakeProfit: d("2800")}
	res, err := exec.Execute(context.Background(), approval(intent, "3000"))

	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrPartialExecution)
	var perr *model.PartialExecutionError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "ETH", perr.Symbol)

	require.NotNil(t, res)
	assert.True(t, res.PartialFailure())
	_, ok := ledger.Position("ETH")
	assert.True(t, ok, "entry fill stays mirrored in the ledger")

	entry := ex.actions[1].(port.OrderAction).Orders[0]
	assert.Equal(t, "2850", entry.Price, "market sell uses reference price minus 5% slippage")
}

func TestLiveExecutorEntryFailureLeavesLedgerUntouched(t *testing.T) {
	repo := &memRepo{}
	ex := &fakeExchange{entryErr: fmt.Errorf("%w: insufficient margin", model.ErrExchangeRejected)}
	ledger := service.NewLedger(model.ContextLive)
	exec := NewLiveExecutor(ledger, &fakeSigner{}, ex, []Option{WithRepository(repo)})

	intent := model.TradeIntent{Symbol: "BTC", Side: model.SideLong, Size: d("0.1"), Leverage: 1, Price: d("50000")}
	_, err := exec.Execute(context.Background(), approval(intent, "50000"))
	assert.ErrorIs(t, err, model.ErrExchangeRejected)
	assert.False(t, ledger.HasOpen())
	require.Len(t, repo.orders, 1)
	assert.Equal(t, model.OrderStatusFailed, repo.orders[0].Status)
}

func TestLiveExecutorSignerErrors(t *testing.T) {
	ledger := service.NewLedger(model.ContextLive)
	intent := model.TradeIntent{Symbol: "BTC", Side: model.SideLong, Size: d("0.1"), Leverage: 1}

	_, err := NewLiveExecutor(ledger, nil, &fakeExchange{}, nil).Execute(context.Background(), approval(intent, "50000"))
	assert.ErrorIs(t, err, model.ErrSignerUnavailable)

	broken := &fakeSigner{err: errors.New("hsm offline")}
	_, err = NewLiveExecutor(ledger, broken, &fakeExchange{}, nil).Execute(context.Background(), approval(intent, "50000"))
	assert.ErrorIs(t, err, model.ErrSignerUnavailable)
	assert.False(t, ledger.HasOpen())

	_, err = NewLiveExecutor(ledger, &fakeSigner{}, &fakeExchange{}, nil).Execute(context.Background(),
		approval(model.TradeIntent{Symbol: "DOGE", Side: model.SideLong, Size: d("1"), Leverage: 1}, "0.1"))
	assert.ErrorIs(t, err, model.ErrSymbolNotFound)
}

func TestLiveExecutorClose(t *testing.T) {
	repo := &memRepo{}
	ex := &fakeExchange{ack: port.OrderAck{OrderID: "9", Status: model.OrderStatusFilled, AvgPrice: d("51000")}}
	ledger := service.NewLedger(model.ContextLive)
	exec := NewLiveExecutor(ledger, &fakeSigner{}, ex, []Option{WithRepository(repo)})

	_, err := ledger.Open("BTC", model.SideLong, d("0.2"), d("50000"), 5, decimal.Zero, decimal.Zero)
	require.NoError(t, err)

	trade, err := exec.Close(context.Background(), "BTC", d("0.1"), d("51000"), model.CloseManual)
	require.NoError(t, err)
	assert.True(t, trade.RealizedPnL.Equal(d("100")))

	closeOrder := ex.actions[0].(port.OrderAction).Orders[0]
	assert.True(t, closeOrder.ReduceOnly)
	assert.False(t, closeOrder.IsBuy)

	pos, ok := ledger.Position("BTC")
	require.True(t, ok)
	assert.True(t, pos.Size.Equal(d("0.1")))
	require.NotEmpty(t, repo.positions)
	assert.False(t, repo.positions[len(repo.positions)-1].Closed())

	ex.ack.FilledSize = d("0.1")
	_, err = exec.Close(context.Background(), "BTC", d("0.1"), d("51000"), model.CloseManual)
	require.NoError(t, err)
	assert.False(t, ledger.HasOpen())
	last := repo.positions[len(repo.positions)-1]
	assert.True(t, last.Closed(), "full close leaves a closed marker for storage")
	assert.Equal(t, "BTC", last.Symbol)
	assert.Equal(t, model.ContextLive, last.Context)

	_, err = exec.Close(context.Background(), "ETH", decimal.Zero, d("3000"), model.CloseManual)
	assert.ErrorIs(t, err, model.ErrNoSuchPosition)
}

func TestNonceSourceIsStrictlyIncreasing(t *testing.T) {
	n := NewNonceSource(clock)
	a, b, c := n.Next(), n.Next(), n.Next()
	assert.Equal(t, uint64(t0.UnixMilli()), a)
	assert.Equal(t, a+1, b)
	assert.Equal(t, b+1, c)
}

func TestWirePrice(t *testing.T) {
	cases := map[string]string{
		"52500":        "52500",
		"123456.7":     "123457",
		"3000.55":      "3000.6",
		"2.345678":     "2.3457",
		"0.0123456789": "0.012346",
	}
	for in, want := range cases {
		assert.Equal(t, want, WirePrice(d(in)), in)
	}
}

func TestLiveExecutorRejectsDuplicateOrder(t *testing.T) {
	ex := &fakeExchange{ack: port.OrderAck{OrderID: "1", Status: model.OrderStatusFilled}}
	ledger := service.NewLedger(model.ContextLive)
	exec := NewLiveExecutor(ledger, &fakeSigner{}, ex, nil, WithDeduplicator(service.NewOrderDeduplicator(time.Minute)))

	intent := model.TradeIntent{Symbol: "BTC", Side: model.SideLong, Size: d("0.1"), Leverage: 1}
	_, err := exec.Execute(context.Background(), approval(intent, "50000"))
	require.NoError(t, err)

	a := approval(intent, "50000")
	_, err = exec.Execute(context.Background(), a)
	assert.ErrorIs(t, err, model.ErrDuplicateOrder)
	assert.NoError(t, a.Consume(), "rejected duplicate leaves the approval unused")
}
