package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpengine/internal/domain/model"
)

func TestRepoRoundTrip(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	repo, err := New(dsn)
	require.NoError(t, err)
	defer repo.Close()

	ctx := context.Background()
	sym := "TEST" + time.Now().Format("150405.000")
	base := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, repo.SavePrice(ctx, model.PriceSnapshot{Symbol: sym, Price: decimal.RequireFromString("1.25"), Timestamp: base, Source: "test"}))
	require.NoError(t, repo.SavePrice(ctx, model.PriceSnapshot{Symbol: sym, Price: decimal.RequireFromString("1.5"), Timestamp: base.Add(time.Second), Source: "test"}))

	got, err := repo.LoadPrices(ctx, sym, base, base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[1].Price.Equal(decimal.RequireFromString("1.5")))

	require.NoError(t, repo.SaveEquityPoint(ctx, model.ContextBacktest, model.EquityPoint{Timestamp: base, Balance: decimal.NewFromInt(10000)}))
}
