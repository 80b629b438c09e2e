package port

import (
	"context"
	"time"

	"perpengine/internal/domain/model"
)

type Repository interface {
	// Trade log
	SaveTrade(ctx context.Context, trade model.Trade) error

	// Order log (trading logs)
	SaveOrder(ctx context.Context, order model.OrderRecord) error

	// Position snapshots
	SavePosition(ctx context.Context, snap model.PositionSnapshot) error

	// Balance history / equity curve
	SaveEquityPoint(ctx context.Context, ec model.ExecutionContext, point model.EquityPoint) error

	// Latest price + history
	SavePrice(ctx context.Context, snap model.PriceSnapshot) error

	// Connection management
	Close() error
}

// PositionStore 可读回未平仓持仓的存储，进程重启后用于恢复账本
type PositionStore interface {
	LoadPositions(ctx context.Context, ec model.ExecutionContext) ([]model.PositionSnapshot, error)
}

// PriceHistory 可回放的历史价格
type PriceHistory interface {
	LoadPrices(ctx context.Context, symbol string, start, end time.Time) ([]model.PriceSnapshot, error)
}
