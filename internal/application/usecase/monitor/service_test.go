package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpengine/internal/application/service"
	"perpengine/internal/domain/model"
	"perpengine/internal/infrastructure/storage/memory"
)

type fakeStream struct {
	mu      sync.Mutex
	subs    map[string]service.Subscriber
	started chan []string
	stopped bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{subs: map[string]service.Subscriber{}, started: make(chan []string, 1)}
}

func (f *fakeStream) Subscribe(name string, fn service.Subscriber) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[name] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, name)
	}
}

func (f *fakeStream) Start(_ context.Context, symbols []string, _ time.Duration) error {
	f.started <- symbols
	return nil
}

func (f *fakeStream) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func (f *fakeStream) publish(ctx context.Context, snap model.PriceSnapshot) {
	f.mu.Lock()
	subs := make([]service.Subscriber, 0, len(f.subs))
	for _, fn := range f.subs {
		subs = append(subs, fn)
	}
	f.mu.Unlock()
	for _, fn := range subs {
		_ = fn(ctx, snap)
	}
}

type lineSink struct {
	mu     sync.Mutex
	writes [][]model.PriceSnapshot
}

func (s *lineSink) WritePrices(_ time.Time, snaps []model.PriceSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, snaps)
	return nil
}
func (s *lineSink) WriteTrade(model.Trade) error              { return nil }
func (s *lineSink) WriteBacktest(*model.BacktestResult) error { return nil }

func TestStateApply(t *testing.T) {
	st := NewState([]string{"btc", "ETHUSDT", "BTC", ""})
	assert.Equal(t, []string{"BTC", "ETH"}, st.Symbols())

	px := decimal.NewFromInt(100)
	assert.True(t, st.Apply(model.PriceSnapshot{Symbol: "BTCUSD", Price: px}))
	assert.False(t, st.Apply(model.PriceSnapshot{Symbol: "BTC", Price: px}))
	assert.False(t, st.Apply(model.PriceSnapshot{Symbol: "SOL", Price: px}))
	assert.False(t, st.Apply(model.PriceSnapshot{Symbol: "ETH", Price: decimal.Zero}))

	snaps := st.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, "BTC", snaps[0].Symbol)
}

func TestServiceRunForwardsAndRecords(t *testing.T) {
	stream := newFakeStream()
	sink := &lineSink{}
	repo := memory.New()
	var sessionCalls int

	svc := NewService(ServiceDeps{
		Stream:   stream,
		Symbols:  []string{"BTC", "ETH"},
		Interval: time.Second,
		Sink:     sink,
		Recorder: service.NewPriceService(repo),
		Subscribers: map[string]service.Subscriber{
			"paper": func(context.Context, model.PriceSnapshot) error { sessionCalls++; return nil },
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	assert.Equal(t, []string{"BTC", "ETH"}, <-stream.started)

	now := time.Now()
	stream.publish(ctx, model.PriceSnapshot{Symbol: "BTC", Price: decimal.NewFromInt(50000), Timestamp: now})
	stream.publish(ctx, model.PriceSnapshot{Symbol: "BTC", Price: decimal.NewFromInt(50000), Timestamp: now})
	stream.publish(ctx, model.PriceSnapshot{Symbol: "ETH", Price: decimal.NewFromInt(3000), Timestamp: now})

	cancel()
	require.NoError(t, <-done)

	require.Len(t, sink.writes, 2, "unchanged prices do not redraw")
	assert.Len(t, sink.writes[1], 2)
	assert.Equal(t, 3, sessionCalls)

	hist, err := repo.LoadPrices(context.Background(), "BTC", now.Add(-time.Second), now.Add(time.Second))
	require.NoError(t, err)
	assert.Len(t, hist, 2)

	assert.True(t, stream.stopped)
	assert.Empty(t, stream.subs)
}

func TestServiceRunNeedsStream(t *testing.T) {
	err := NewService(ServiceDeps{Symbols: []string{"BTC"}}).Run(context.Background())
	assert.Error(t, err)
}
