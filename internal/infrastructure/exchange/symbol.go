package exchange

import (
	"strings"

	"perpengine/internal/domain/model"
)

// SymbolConverter 币种与交易所交易对互转
type SymbolConverter interface {
	Symbol2Coin(symbol string) string // BTCUSDT -> BTC
	Coin2Symbol(coin string) string   // BTC -> BTCUSDT
	Quote() string
}

// QuoteConverter 币种后接固定计价币，例如 USDT 永续
type QuoteConverter struct {
	quote string
}

// NewQuoteConverter quote 为空时交易对就是币种本身
func NewQuoteConverter(quote string) *QuoteConverter {
	return &QuoteConverter{quote: strings.ToUpper(strings.TrimSpace(quote))}
}

func (c *QuoteConverter) Quote() string { return c.quote }

func (c *QuoteConverter) Symbol2Coin(symbol string) string { return model.Coin(symbol) }

// Coin2Symbol 先归一化再拼接计价币，BTCUSD 也会得到 BTCUSDT
func (c *QuoteConverter) Coin2Symbol(coin string) string {
	if coin = model.Coin(coin); coin == "" {
		return ""
	}
	return coin + c.quote
}
