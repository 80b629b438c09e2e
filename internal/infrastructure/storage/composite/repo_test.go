package composite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpengine/internal/application/port"
	"perpengine/internal/domain/model"
	"perpengine/internal/infrastructure/storage/memory"
)

type failing struct{ port.Repository }

var errBoom = errors.New("boom")

func (failing) SaveTrade(context.Context, model.Trade) error { return errBoom }
func (failing) Close() error                                  { return nil }

func TestRepoFansOutAndKeepsFirstError(t *testing.T) {
	a, b := memory.New(), memory.New()
	repo := New(a, nil, failing{}, b)
	ctx := context.Background()

	err := repo.SaveTrade(ctx, model.Trade{ID: "t1", Context: model.ContextPaper})
	assert.ErrorIs(t, err, errBoom)
	assert.Len(t, a.Trades(""), 1)
	assert.Len(t, b.Trades(""), 1)
	require.NoError(t, repo.Close())
}

func TestRepoLoadPricesUsesHistoryBackend(t *testing.T) {
	mem := memory.New()
	repo := New(failing{}, mem)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, mem.SavePrice(ctx, model.PriceSnapshot{Symbol: "SOL", Price: decimal.NewFromInt(150), Timestamp: now}))
	got, err := repo.LoadPrices(ctx, "SOL", now.Add(-time.Second), now.Add(time.Second))
	require.NoError(t, err)
	assert.Len(t, got, 1)

	_, err = New(failing{}).LoadPrices(ctx, "SOL", now, now)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}
