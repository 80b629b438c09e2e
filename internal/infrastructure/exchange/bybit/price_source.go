package bybit

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"perpengine/internal/domain/model"
	"perpengine/internal/infrastructure/exchange"
)

// DefaultRESTURL Bybit v5 REST 地址
const DefaultRESTURL = "https://api.bybit.com"

// retCodeParamsError Bybit 参数错误（含无效交易对）
const retCodeParamsError = 10001

// PriceSource Bybit 线性永续最新成交价
type PriceSource struct {
	client    *exchange.JSONClient
	converter exchange.SymbolConverter
}

type tickersResp struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		Category string `json:"category"`
		List     []struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	} `json:"result"`
}

// NewPriceSource 创建 Bybit 价格源，quote 默认 USDT
func NewPriceSource(baseURL, quote string, timeout time.Duration, rps float64) *PriceSource {
	if baseURL == "" {
		baseURL = DefaultRESTURL
	}
	if quote == "" {
		quote = "USDT"
	}
	return &PriceSource{
		client:    exchange.NewJSONClient("bybit", baseURL, timeout, rps),
		converter: exchange.NewQuoteConverter(quote),
	}
}

func (s *PriceSource) Name() string { return "bybit" }

// FetchPrice GET /v5/market/tickers?category=linear&symbol=BTCUSDT
func (s *PriceSource) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	sym := s.converter.Coin2Symbol(symbol)
	if sym == "" {
		return decimal.Zero, fmt.Errorf("%w: empty symbol", model.ErrSymbolNotFound)
	}

	var resp tickersResp
	q := url.Values{"category": {"linear"}, "symbol": {sym}}
	if err := s.client.GetJSON(ctx, "/v5/market/tickers", q, &resp); err != nil {
		return decimal.Zero, err
	}

	switch {
	case resp.RetCode == retCodeParamsError:
		return decimal.Zero, fmt.Errorf("%w: bybit %s: %s", model.ErrSymbolNotFound, sym, resp.RetMsg)
	case resp.RetCode != 0:
		return decimal.Zero, fmt.Errorf("%w: bybit retCode %d: %s", model.ErrNetwork, resp.RetCode, resp.RetMsg)
	case len(resp.Result.List) == 0:
		return decimal.Zero, fmt.Errorf("%w: bybit %s: empty ticker list", model.ErrSymbolNotFound, sym)
	}

	raw := resp.Result.List[0].LastPrice
	px, err := decimal.NewFromString(raw)
	if err != nil || !px.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: bybit %s: bad price %q", model.ErrNetwork, sym, raw)
	}
	return px, nil
}
