package bybit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"perpengine/internal/infrastructure/exchange"
)

// DefaultWSURL Bybit v5 线性合约公共频道
const DefaultWSURL = "wss://stream.bybit.com/v5/public/linear"

// TickerStream 订阅 tickers.<SYMBOL>，FetchPrice 读缓存
type TickerStream struct {
	wsURL     string
	converter exchange.SymbolConverter
	cache     *exchange.TickerCache
}

type bybitSubReq struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

type bybitTickerItem struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
}

// data 可能是对象也可能是数组
type bybitDataList []bybitTickerItem

func (d *bybitDataList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*d = nil
		return nil
	}
	switch b[0] {
	case '[':
		var arr []bybitTickerItem
		if err := json.Unmarshal(b, &arr); err != nil {
			return err
		}
		*d = arr
		return nil
	case '{':
		var one bybitTickerItem
		if err := json.Unmarshal(b, &one); err != nil {
			return err
		}
		*d = bybitDataList{one}
		return nil
	default:
		return fmt.Errorf("unexpected data json: %s", string(b))
	}
}

type bybitTickerMsg struct {
	Topic string        `json:"topic"`
	Type  string        `json:"type"`
	Ts    int64         `json:"ts"`
	Data  bybitDataList `json:"data"`

	Success *bool  `json:"success,omitempty"`
	RetMsg  string `json:"ret_msg,omitempty"`
	Op      string `json:"op,omitempty"`
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
		cache:     exchange.NewTickerCache("bybit-ws", maxAge),
	}
}

func (f *TickerStream) Name() string { return "bybit-ws" }

func (f *TickerStream) FetchPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	return f.cache.Get(symbol)
}

func (f *TickerStream) Connected() bool { return f.cache.Connected() }

// Run 连接、订阅并持续读取，直到 ctx 结束
func (f *TickerStream) Run(ctx context.Context, coins []string) error {
	topics := make([]string, 0, len(coins))
	for _, coin := range coins {
		if sym := f.converter.Coin2Symbol(coin); sym != "" {
			topics = append(topics, "tickers."+sym)
		}
	}
	if len(topics) == 0 {
		return errors.New("no valid symbols for bybit topics")
	}

	ws := exchange.WSDialer{URL: f.wsURL}
	var backoff exchange.Backoff
	for {
		err := f.runOnce(ctx, &ws, topics, &backoff)
		f.cache.SetConnected(false)
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

func (f *TickerStream) runOnce(ctx context.Context, ws *exchange.WSDialer, topics []string, backoff *exchange.Backoff) error {
	conn, err := ws.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dial %s: %w", ws.URL, err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(bybitSubReq{Op: "subscribe", Args: topics}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	backoff.Reset()
	f.cache.SetConnected(true)
	log.Info().Str("source", f.Name()).Int("topics", len(topics)).Msg("✓ ws connected & subscribed")

	return ws.ReadLoop(ctx, conn, f.handle)
}

func (f *TickerStream) handle(b []byte) {
	var msg bybitTickerMsg
	if err := json.Unmarshal(b, &msg); err != nil {
		log.Debug().Str("source", f.Name()).Err(err).Msg("json unmarshal failed")
		return
	}

	// ack
	if msg.Success != nil {
		if !*msg.Success {
			log.Error().Str("source", f.Name()).Str("ret_msg", msg.RetMsg).Msg("subscribe not success")
		}
		return
	}

	for _, d := range msg.Data {
		px, err := decimal.NewFromString(strings.TrimSpace(d.LastPrice))
		if err != nil || d.Symbol == "" {
			continue
		}
		f.cache.Put(f.converter.Symbol2Coin(d.Symbol), px)
	}
}
