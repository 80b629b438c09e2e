package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"perpengine/internal/infrastructure/exchange"
)

// DefaultWSURL Binance USDⓈ-M 永续 websocket 地址
const DefaultWSURL = "wss://fstream.binance.com"

// TickerStream 订阅 <symbol>@miniTicker 合并流，FetchPrice 读缓存
type TickerStream struct {
	wsURL     string
	converter exchange.SymbolConverter
	cache     *exchange.TickerCache
}

type binanceCombined struct {
	Stream string         `json:"stream"`
	Data   binanceMiniMsg `json:"data"`
}

type binanceMiniMsg struct {
	Symbol string `json:"s"`
	Close  string `json:"c"`
}

func NewTickerStream(wsURL, quote string, maxAge time.Duration) *TickerStream {
	if strings.TrimSpace(wsURL) == "" {
		wsURL = DefaultWSURL
	}
	if quote == "" {
		quote = "USDT"
	}
	return &TickerStream{
		wsURL:     strings.TrimSpace(wsURL),
		converter: exchange.NewQuoteConverter(quote),
		cache:     exchange.NewTickerCache("binance-ws", maxAge),
	}
}

func (f *TickerStream) Name() string { return "binance-ws" }

func (f *TickerStream) FetchPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	return f.cache.Get(symbol)
}

func (f *TickerStream) Connected() bool { return f.cache.Connected() }

// Run 连接并持续读取，直到 ctx 结束
func (f *TickerStream) Run(ctx context.Context, coins []string) error {
	symbols := make([]string, 0, len(coins))
	for _, coin := range coins {
		if sym := f.converter.Coin2Symbol(coin); sym != "" {
			symbols = append(symbols, sym)
		}
	}
	wsURL, err := buildCombinedURL(f.wsURL, symbols)
	if err != nil {
		return err
	}

	ws := exchange.WSDialer{URL: wsURL}
	var backoff exchange.Backoff
	for {
		conn, err := ws.Dial(ctx)
		if err == nil {
			backoff.Reset()
			f.cache.SetConnected(true)
			log.Info().Str("source", f.Name()).Int("symbols", len(symbols)).Msg("✓ ws connected")

			err = ws.ReadLoop(ctx, conn, f.handle)
			f.cache.SetConnected(false)
			if errors.Is(err, context.Canceled) {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			}
			_ = conn.Close()
		}
		if ctx.Err() != nil {
			return nil
		}

		wait := backoff.Next()
		log.Warn().Err(err).Str("source", f.Name()).Dur("retry_in", wait).Msg("ws disconnected, reconnecting")
		if !exchange.Sleep(ctx, wait) {
			return nil
		}
	}
}

func (f *TickerStream) handle(b []byte) {
	var msg binanceCombined
	if err := json.Unmarshal(b, &msg); err != nil {
		log.Debug().Str("source", f.Name()).Err(err).Msg("json unmarshal failed")
		return
	}
	px, err := decimal.NewFromString(strings.TrimSpace(msg.Data.Close))
	if err != nil || msg.Data.Symbol == "" {
		return
	}
	f.cache.Put(f.converter.Symbol2Coin(msg.Data.Symbol), px)
}

func buildCombinedURL(base string, symbols []string) (string, error) {
	if base == "" {
		return "", errors.New("binance ws_url empty")
	}

	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		streams = append(streams, fmt.Sprintf("%s@miniTicker", s))
	}
	if len(streams) == 0 {
		return "", errors.New("no valid symbols")
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	u.Path = "/stream"
	u.RawQuery = "streams=" + strings.Join(streams, "/")
	return u.String(), nil
}
