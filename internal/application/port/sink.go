package port

import (
	"time"

	"perpengine/internal/domain/model"
)

type Sink interface {
	// Live line: overwrite last line with the latest prices (no newline)
	WritePrices(ts time.Time, snaps []model.PriceSnapshot) error
	// Trade line: append a closed trade record
	WriteTrade(trade model.Trade) error
	// Backtest report
	WriteBacktest(result *model.BacktestResult) error
}
