package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"perpengine/internal/application/port"
	"perpengine/internal/domain/model"
)

// SnapshotReader 价格流快照（第一层来源）
type SnapshotReader interface {
	Snapshot(symbol string) (model.PriceSnapshot, bool)
	Network() model.Network
}

// Tier 报价来自哪一层
type Tier string

const (
	TierStream Tier = "stream"
	TierCache  Tier = "cache"
	TierSource Tier = "source"
	TierStale  Tier = "stale"
)

// PriceQuote 带来源信息的报价
type PriceQuote struct {
	model.PriceSnapshot
	Tier     Tier
	Degraded bool
}

type cacheKey struct {
	symbol  string
	network model.Network
}

// PriceFeed 多级价格获取：价格流快照 -> TTL 缓存 -> 按优先级的价格源 -> 过期缓存
type PriceFeed struct {
	stream    SnapshotReader
	sources   map[model.Network][]port.PriceSource
	freshness time.Duration
	ttl       time.Duration
	now       func() time.Time

	mu    sync.RWMutex
	cache map[cacheKey]model.PriceSnapshot
}

// FeedOption 可选参数
type FeedOption func(*PriceFeed)

// WithStream 使用价格流快照作为第一层
func WithStream(r SnapshotReader) FeedOption {
	return func(f *PriceFeed) { f.stream = r }
}

// WithSources 按优先级追加某个网络的价格源
func WithSources(n model.Network, sources ...port.PriceSource) FeedOption {
	return func(f *PriceFeed) {
		for _, src := range sources {
			if src != nil {
				f.sources[n] = append(f.sources[n], src)
			}
		}
	}
}

// WithFreshness 价格流快照的新鲜度阈值
func WithFreshness(d time.Duration) FeedOption {
	return func(f *PriceFeed) {
		if d > 0 {
			f.freshness = d
		}
	}
}

// WithCacheTTL 本地缓存 TTL
func WithCacheTTL(d time.Duration) FeedOption {
	return func(f *PriceFeed) {
		if d > 0 {
			f.ttl = d
		}
	}
}

// WithFeedClock 注入时钟
func WithFeedClock(now func() time.Time) FeedOption {
	return func(f *PriceFeed) {
		if now != nil {
			f.now = now
		}
	}
}

// NewPriceFeed 创建价格获取器，默认新鲜度与 TTL 均为 5s
func NewPriceFeed(opts ...FeedOption) *PriceFeed {
	f := &PriceFeed{
		sources:   make(map[model.Network][]port.PriceSource),
		freshness: 5 * time.Second,
		ttl:       5 * time.Second,
		now:       time.Now,
		cache:     make(map[cacheKey]model.PriceSnapshot),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// GetPrice 获取当前价格
func (f *PriceFeed) GetPrice(ctx context.Context, symbol string, testnet bool) (decimal.Decimal, error) {
	q, err := f.Quote(ctx, symbol, testnet)
	if err != nil {
		return decimal.Zero, err
	}
	return q.Price, nil
}

// Quote 获取当前价格及其来源层级
func (f *PriceFeed) Quote(ctx context.Context, symbol string, testnet bool) (PriceQuote, error) {
	coin := model.Coin(symbol)
	if coin == "" {
		return PriceQuote{}, fmt.Errorf("%w: symbol is empty", model.ErrInvalidArgument)
	}
	network := model.NetworkFor(testnet)
	key := cacheKey{symbol: coin, network: network}
	now := f.now()

	// 1. 价格流快照
	if snap, ok := f.streamSnapshot(coin, network); ok && snap.Age(now) < f.freshness {
		return PriceQuote{PriceSnapshot: snap, Tier: TierStream}, nil
	}

	// 2. 本地 TTL 缓存
	cached, hasCached := f.cached(key)
	if hasCached && cached.Age(now) < f.ttl {
		return PriceQuote{PriceSnapshot: cached, Tier: TierCache}, nil
	}

	// 3. 按优先级尝试价格源，成功后写回缓存
	var lastErr, notFound error
	misses := 0
	sources := f.sources[network]
	for _, src := range sources {
		px, err := src.FetchPrice(ctx, coin)
		if err != nil {
			if errors.Is(err, model.ErrSymbolNotFound) {
				misses++
				notFound = err
				log.Debug().Str("source", src.Name()).Str("symbol", coin).Msg("symbol not listed, trying next")
				continue
			}
			log.Debug().Str("source", src.Name()).Str("symbol", coin).Err(err).Msg("price source failed, trying next")
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		snap := model.PriceSnapshot{Symbol: coin, Price: px, Timestamp: f.now(), Source: src.Name()}
		f.mu.Lock()
		f.cache[key] = snap
		f.mu.Unlock()
		return PriceQuote{PriceSnapshot: snap, Tier: TierSource}, nil
	}

	// 所有价格源都不认识该币种
	if len(sources) > 0 && misses == len(sources) {
		return PriceQuote{}, notFound
	}

	// 4. 过期缓存，标记降级
	if stale, ok := f.staleSnapshot(key); ok {
		log.Warn().
			Str("symbol", coin).
			Str("network", string(network)).
			Str("source", stale.Source).
			Dur("age", stale.Age(now)).
			Err(lastErr).
			Msg("all price sources failed, serving stale price")
		return PriceQuote{PriceSnapshot: stale, Tier: TierStale, Degraded: true}, nil
	}

	// 5. 无可用价格
	if lastErr == nil {
		lastErr = notFound
	}
	if lastErr == nil {
		lastErr = errors.New("no price sources configured")
	}
	return PriceQuote{}, fmt.Errorf("%w: %s (%s): %v", model.ErrPriceUnavailable, coin, network, lastErr)
}

func (f *PriceFeed) streamSnapshot(coin string, network model.Network) (model.PriceSnapshot, bool) {
	if f.stream == nil || f.stream.Network() != network {
		return model.PriceSnapshot{}, false
	}
	return f.stream.Snapshot(coin)
}

func (f *PriceFeed) cached(key cacheKey) (model.PriceSnapshot, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	snap, ok := f.cache[key]
	return snap, ok
}

// staleSnapshot 本地缓存与价格流快照中较新的一个
func (f *PriceFeed) staleSnapshot(key cacheKey) (model.PriceSnapshot, bool) {
	cached, hasCached := f.cached(key)
	streamed, hasStream := f.streamSnapshot(key.symbol, key.network)
	switch {
	case hasCached && hasStream:
		if streamed.Timestamp.After(cached.Timestamp) {
			return streamed, true
		}
		return cached, true
	case hasCached:
		return cached, true
	case hasStream:
		return streamed, true
	}
	return model.PriceSnapshot{}, false
}

type feedSource struct {
	feed    *PriceFeed
	name    string
	network model.Network
}

// AsSource 把 PriceFeed 固定在一个网络上，作为 PriceStream 的价格源
// 用于 PriceStream 时 feed 不应再读该 stream 的快照
func (f *PriceFeed) AsSource(name string, n model.Network) port.PriceSource {
	return &feedSource{feed: f, name: name, network: n}
}

func (s *feedSource) Name() string { return s.name }

func (s *feedSource) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	snap, err := s.FetchSnapshot(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return snap.Price, nil
}

// FetchSnapshot 降级（过期）报价视为网络错误，时间戳保持为原始获取时间
func (s *feedSource) FetchSnapshot(ctx context.Context, symbol string) (model.PriceSnapshot, error) {
	q, err := s.feed.Quote(ctx, symbol, s.network.IsTestnet())
	if err != nil {
		return model.PriceSnapshot{}, err
	}
	if q.Degraded {
		return model.PriceSnapshot{}, fmt.Errorf("%w: %s only has a stale price from %s, %s old",
			model.ErrNetwork, q.Symbol, q.Source, q.Age(s.feed.now()).Round(time.Millisecond))
	}
	return q.PriceSnapshot, nil
}

var _ port.SnapshotSource = (*feedSource)(nil)
