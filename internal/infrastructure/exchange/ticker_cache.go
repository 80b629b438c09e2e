package exchange

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perpengine/internal/domain/model"
)

// TickerCache 保存 websocket 推送的每个币种最新价
type TickerCache struct {
	name   string
	maxAge time.Duration
	now    func() time.Time

	mu        sync.RWMutex
	prices    map[string]model.PriceSnapshot
	connected bool
}

func NewTickerCache(name string, maxAge time.Duration) *TickerCache {
	if maxAge <= 0 {
		maxAge = 10 * time.Second
	}
	return &TickerCache{
		name:   name,
		maxAge: maxAge,
		now:    time.Now,
		prices: map[string]model.PriceSnapshot{},
	}
}

// SetClock 测试用
func (c *TickerCache) SetClock(now func() time.Time) { c.now = now }

// Put 写入一条推送；非正价格忽略
func (c *TickerCache) Put(coin string, px decimal.Decimal) {
	if !px.IsPositive() {
		return
	}
	coin = model.Coin(coin)
	c.mu.Lock()
	c.prices[coin] = model.PriceSnapshot{Symbol: coin, Price: px, Timestamp: c.now(), Source: c.name}
	c.mu.Unlock()
}

func (c *TickerCache) SetConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *TickerCache) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Get 断线、未订阅或过期都返回 ErrNetwork，让调用方回落到其它源
func (c *TickerCache) Get(symbol string) (decimal.Decimal, error) {
	coin := model.Coin(symbol)

	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected {
		return decimal.Zero, fmt.Errorf("%w: %s not connected", model.ErrNetwork, c.name)
	}
	snap, ok := c.prices[coin]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no %s ticker for %s", model.ErrNetwork, c.name, coin)
	}
	if snap.Age(c.now()) > c.maxAge {
		return decimal.Zero, fmt.Errorf("%w: %s ticker for %s stale", model.ErrNetwork, c.name, coin)
	}
	return snap.Price, nil
}
