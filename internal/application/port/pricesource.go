package port

import (
	"context"

	"github.com/shopspring/decimal"

	"perpengine/internal/domain/model"
)

// PriceSource 单一行情提供方，无缓存、无重试
// 错误包装 model.ErrNetwork 或 model.ErrSymbolNotFound
type PriceSource interface {
	Name() string
	FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// SnapshotSource 自带时间戳与来源标记的价格源（如带缓存的 PriceFeed）
// 返回的快照保留原始获取时间，调用方不应重新打时间戳
type SnapshotSource interface {
	PriceSource
	FetchSnapshot(ctx context.Context, symbol string) (model.PriceSnapshot, error)
}
