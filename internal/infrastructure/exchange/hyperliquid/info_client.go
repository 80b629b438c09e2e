package hyperliquid

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perpengine/internal/domain/model"
	"perpengine/internal/infrastructure/exchange"
)

const (
	MainnetURL   = "https://api.hyperliquid.xyz"
	TestnetURL   = "https://api.hyperliquid-testnet.xyz"
	MainnetWSURL = "wss://api.hyperliquid.xyz/ws"
	TestnetWSURL = "wss://api.hyperliquid-testnet.xyz/ws"
)

// DefaultURL 网络对应的 REST 地址
func DefaultURL(n model.Network) string {
	if n.IsTestnet() {
		return TestnetURL
	}
	return MainnetURL
}

// DefaultWSURL 网络对应的 websocket 地址
func DefaultWSURL(n model.Network) string {
	if n.IsTestnet() {
		return TestnetWSURL
	}
	return MainnetWSURL
}

// InfoClient Hyperliquid /info 接口：行情、元数据、账户状态
type InfoClient struct {
	client  *exchange.JSONClient
	network model.Network

	metaTTL time.Duration
	now     func() time.Time

	mu     sync.Mutex
	assets map[string]int
	metaAt time.Time
}

type infoRequest struct {
	Type string `json:"type"`
	User string `json:"user,omitempty"`
}

type metaResp struct {
	Universe []struct {
		Name        string `json:"name"`
		SzDecimals  int    `json:"szDecimals"`
		MaxLeverage int    `json:"maxLeverage"`
	} `json:"universe"`
}

type clearinghouseResp struct {
	MarginSummary struct {
		AccountValue    string `json:"accountValue"`
		TotalMarginUsed string `json:"totalMarginUsed"`
		TotalNtlPos     string `json:"totalNtlPos"`
	} `json:"marginSummary"`
	Withdrawable string `json:"withdrawable"`
}

// NewInfoClient baseURL 为空时按网络取默认地址
func NewInfoClient(baseURL string, network model.Network, timeout time.Duration, rps float64) *InfoClient {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultURL(network)
	}
	return &InfoClient{
		client:  exchange.NewJSONClient(sourceName(network), baseURL, timeout, rps),
		network: network,
		metaTTL: 5 * time.Minute,
		now:     time.Now,
	}
}

func sourceName(n model.Network) string {
	if n.IsTestnet() {
		return "hyperliquid-testnet"
	}
	return "hyperliquid"
}

// Name 价格源名称
func (c *InfoClient) Name() string { return sourceName(c.network) }

// Network 所在网络
func (c *InfoClient) Network() model.Network { return c.network }

// AllMids {"type":"allMids"} -> coin -> mid
func (c *InfoClient) AllMids(ctx context.Context) (map[string]decimal.Decimal, error) {
	var raw map[string]string
	if err := c.client.PostJSON(ctx, "/info", infoRequest{Type: "allMids"}, &raw); err != nil {
		return nil, err
	}
	return parseMids(raw), nil
}

// FetchPrice 从 allMids 中取单个币种的中间价
func (c *InfoClient) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	coin := model.Coin(symbol)
	mids, err := c.AllMids(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	px, ok := mids[coin]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s on %s", model.ErrSymbolNotFound, coin, c.Name())
	}
	return px, nil
}

// AccountState {"type":"clearinghouseState","user":address}
func (c *InfoClient) AccountState(ctx context.Context, address string) (*model.AccountState, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("%w: wallet address is empty", model.ErrInvalidArgument)
	}
	var resp clearinghouseResp
	if err := c.client.PostJSON(ctx, "/info", infoRequest{Type: "clearinghouseState", User: address}, &resp); err != nil {
		return nil, err
	}

	state := &model.AccountState{}
	var err error
	if state.AccountValue, err = decimal.NewFromString(resp.MarginSummary.AccountValue); err != nil {
		return nil, fmt.Errorf("%w: accountValue %q", model.ErrNetwork, resp.MarginSummary.AccountValue)
	}
	state.MarginUsed, _ = decimal.NewFromString(resp.MarginSummary.TotalMarginUsed)
	state.Withdrawable, _ = decimal.NewFromString(resp.Withdrawable)
	return state, nil
}

// AssetIndex 资产序号 = meta.universe 中的位置，结果缓存 metaTTL
func (c *InfoClient) AssetIndex(ctx context.Context, symbol string) (int, error) {
	coin := model.Coin(symbol)

	c.mu.Lock()
	if c.assets != nil && c.now().Sub(c.metaAt) < c.metaTTL {
		idx, ok := c.assets[coin]
		c.mu.Unlock()
		if !ok {
			return 0, fmt.Errorf("%w: %s not in universe", model.ErrSymbolNotFound, coin)
		}
		return idx, nil
	}
	c.mu.Unlock()

	var meta metaResp
	if err := c.client.PostJSON(ctx, "/info", infoRequest{Type: "meta"}, &meta); err != nil {
		return 0, err
	}
	assets := make(map[string]int, len(meta.Universe))
	for i, a := range meta.Universe {
		assets[strings.ToUpper(a.Name)] = i
	}

	c.mu.Lock()
	c.assets, c.metaAt = assets, c.now()
	c.mu.Unlock()

	idx, ok := assets[coin]
	if !ok {
		return 0, fmt.Errorf("%w: %s not in universe", model.ErrSymbolNotFound, coin)
	}
	return idx, nil
}

func parseMids(raw map[string]string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(raw))
	for coin, s := range raw {
		px, err := decimal.NewFromString(s)
		if err != nil || !px.IsPositive() {
			continue
		}
		out[strings.ToUpper(coin)] = px
	}
	return out
}
