package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"perpengine/internal/domain/model"
	"perpengine/internal/infrastructure/exchange"
)

// DefaultRESTURL Binance USDⓈ-M 永续 REST 地址
const DefaultRESTURL = "https://fapi.binance.com"

// codeInvalidSymbol Binance 错误码：无效交易对
const codeInvalidSymbol = -1121

// PriceSource Binance 合约最新价
type PriceSource struct {
	client    *exchange.JSONClient
	converter exchange.SymbolConverter
}

type tickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// NewPriceSource 创建 Binance 价格源，quote 默认 USDT
func NewPriceSource(baseURL, quote string, timeout time.Duration, rps float64) *PriceSource {
	if baseURL == "" {
		baseURL = DefaultRESTURL
	}
	if quote == "" {
		quote = "USDT"
	}
	return &PriceSource{
		client:    exchange.NewJSONClient("binance", baseURL, timeout, rps),
		converter: exchange.NewQuoteConverter(quote),
	}
}

func (s *PriceSource) Name() string { return "binance" }

// FetchPrice GET /fapi/v1/ticker/price?symbol=BTCUSDT
func (s *PriceSource) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	sym := s.converter.Coin2Symbol(symbol)
	if sym == "" {
		return decimal.Zero, fmt.Errorf("%w: empty symbol", model.ErrSymbolNotFound)
	}

	var resp tickerPrice
	if err := s.client.GetJSON(ctx, "/fapi/v1/ticker/price", url.Values{"symbol": {sym}}, &resp); err != nil {
		var se *exchange.StatusError
		if errors.As(err, &se) {
			var ae apiError
			if json.Unmarshal(se.Body, &ae) == nil && ae.Code == codeInvalidSymbol {
				return decimal.Zero, fmt.Errorf("%w: binance %s: %s", model.ErrSymbolNotFound, sym, ae.Msg)
			}
		}
		return decimal.Zero, err
	}

	px, err := decimal.NewFromString(resp.Price)
	if err != nil || !px.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: binance %s: bad price %q", model.ErrNetwork, sym, resp.Price)
	}
	return px, nil
}
