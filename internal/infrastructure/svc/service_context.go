package svc

import (
	"context"
	"fmt"
	"sync"
	"time"

	redisclient "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"perpengine/internal/application/container"
	"perpengine/internal/application/port"
	"perpengine/internal/application/service"
	"perpengine/internal/domain/model"
	"perpengine/internal/infrastructure/config"
	"perpengine/internal/infrastructure/exchange/binance"
	"perpengine/internal/infrastructure/exchange/bybit"
	"perpengine/internal/infrastructure/exchange/hyperliquid"
	"perpengine/internal/infrastructure/signer"
	"perpengine/internal/infrastructure/storage/composite"
	"perpengine/internal/infrastructure/storage/memory"
	pgrepo "perpengine/internal/infrastructure/storage/postgres"
	redisrepo "perpengine/internal/infrastructure/storage/redis"
	sqliterepo "perpengine/internal/infrastructure/storage/sqlite"
	"perpengine/internal/interfaces/console"
)

// rawFeedTTL PriceStream 轮询用的 feed 只做极短的缓存
const rawFeedTTL = 100 * time.Millisecond

type ServiceContext struct {
	Ctx    context.Context
	Config *config.Config

	// 基础设施层
	redisClient *redisclient.Client
	repo        *composite.Repo
	backends    []string

	// 输出端口
	Sink port.Sink

	// 价格
	info    map[model.Network]*hyperliquid.InfoClient
	runners []func(context.Context) error
	rawFeed *service.PriceFeed
	feed    *service.PriceFeed
	stream  *service.PriceStream

	// 交易
	signer    *signer.AgentSigner
	exchange  *hyperliquid.ExchangeClient
	container *container.Container

	startOnce sync.Once
	cancel    context.CancelFunc

	// 资源管理
	closerChain []func() error
}

// New 创建并初始化 ServiceContext，所有依赖在这里装配
func New(ctx context.Context, cfg *config.Config) (*ServiceContext, error) {
	return NewWithSink(ctx, cfg, console.NewSink())
}

func NewWithSink(ctx context.Context, cfg *config.Config, sink port.Sink) (*ServiceContext, error) {
	sc := &ServiceContext{
		Ctx:         ctx,
		Config:      cfg,
		Sink:        sink,
		info:        make(map[model.Network]*hyperliquid.InfoClient),
		closerChain: make([]func() error, 0),
	}

	if err := sc.initializeComponents(); err != nil {
		_ = sc.Close()
		return nil, err
	}
	return sc, nil
}

// initializeComponents 按依赖顺序初始化
func (sc *ServiceContext) initializeComponents() error {
	if err := sc.initializeStorage(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageInitFailed, err)
	}
	if err := sc.initializePrices(); err != nil {
		return err
	}
	if err := sc.initializeTrading(); err != nil {
		return err
	}

	log.Info().
		Str("network", sc.Config.App.Network).
		Strs("sources", sc.Config.GetEnabledSources()).
		Strs("storage", sc.backends).
		Bool("live_ready", sc.signer != nil && sc.exchange != nil).
		Msg("✓ All components initialized")
	return nil
}

// initializeStorage SQLite / Postgres / Redis；都未启用时使用内存
func (sc *ServiceContext) initializeStorage() error {
	var repos []port.Repository

	if sc.Config.SQLite.Enabled {
		repo, err := sqliterepo.New(sc.Config.SQLite.Path)
		if err != nil {
			return fmt.Errorf("sqlite repo creation failed: %w", err)
		}
		repos = append(repos, repo)
		sc.backends = append(sc.backends, "sqlite")
		log.Info().Str("path", sc.Config.SQLite.Path).Msg("✓ SQLite initialized")
	}

	if sc.Config.Postgres.Enabled {
		repo, err := pgrepo.New(sc.Config.Postgres.DSN)
		if err != nil {
			sc.repo = composite.New(repos...)
			return fmt.Errorf("postgres repo creation failed: %w", err)
		}
		repos = append(repos, repo)
		sc.backends = append(sc.backends, "postgres")
		log.Info().Msg("✓ Postgres initialized")
	}

	if sc.Config.Redis.Enabled {
		repo, err := sc.initRedis()
		if err != nil {
			sc.repo = composite.New(repos...)
			return err
		}
		repos = append(repos, repo)
		sc.backends = append(sc.backends, "redis")
	}

	if len(repos) == 0 {
		repos = append(repos, memory.New())
		sc.backends = append(sc.backends, "memory")
	}
	sc.repo = composite.New(repos...)
	return nil
}

// initRedis 初始化 Redis 连接
func (sc *ServiceContext) initRedis() (*redisrepo.Repo, error) {
	rc := sc.Config.Redis
	rdb := redisclient.NewClient(&redisclient.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})

	ctx, cancel := context.WithTimeout(sc.Ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	sc.redisClient = rdb
	sc.closerChain = append(sc.closerChain, func() error {
		log.Info().Msg("closing redis connection")
		return rdb.Close()
	})

	log.Info().
		Str("addr", rc.Addr).
		Int("db", rc.DB).
		Msg("✓ Redis initialized")

	ttl := time.Duration(rc.TTLSeconds) * time.Second
	return redisrepo.New(rdb, rc.Prefix, ttl, rc.TradeStream, rc.TradeChannel), nil
}

// initializePrices 价格源 -> PriceFeed -> PriceStream
func (sc *ServiceContext) initializePrices() error {
	cfg := sc.Config
	network := cfg.Network()
	if len(cfg.GetEnabledSources()) == 0 {
		return ErrNoSourcesEnabled
	}

	chains := map[model.Network][]port.PriceSource{}
	for _, n := range []model.Network{network, otherNetwork(network)} {
		chains[n] = sc.buildSources(n, n == network)
	}

	opts := []service.FeedOption{service.WithCacheTTL(rawFeedTTL)}
	for n, srcs := range chains {
		opts = append(opts, service.WithSources(n, srcs...))
	}
	sc.rawFeed = service.NewPriceFeed(opts...)

	sc.stream = service.NewPriceStream(
		sc.rawFeed.AsSource("feed", network),
		service.WithStreamNetwork(network),
		service.WithFetchTimeout(cfg.Stream.FetchTimeout),
	)

	opts = []service.FeedOption{
		service.WithStream(sc.stream),
		service.WithFreshness(cfg.Stream.Freshness),
		service.WithCacheTTL(cfg.Stream.CacheTTL),
	}
	for n, srcs := range chains {
		opts = append(opts, service.WithSources(n, srcs...))
	}
	sc.feed = service.NewPriceFeed(opts...)

	sc.closerChain = append(sc.closerChain, func() error {
		sc.stream.Stop()
		return nil
	})
	return nil
}

// buildSources 按回退顺序组装一个网络的价格源；websocket 源只用于配置的网络
func (sc *ServiceContext) buildSources(n model.Network, primary bool) []port.PriceSource {
	src := sc.Config.Sources
	symbols := sc.Config.Symbols.List
	var out []port.PriceSource

	if hl := src.Hyperliquid; hl.Enabled {
		if primary && hl.UseWS {
			ws := hyperliquid.NewMidsSource(hl.WsURL, n, 0)
			sc.runners = append(sc.runners, ws.Run)
			out = append(out, ws)
		}
		url := ""
		if primary {
			url = hl.URL
		}
		info := hyperliquid.NewInfoClient(url, n, time.Duration(hl.TimeoutS)*time.Second, hl.RPS)
		sc.info[n] = info
		out = append(out, info)
	}

	if b := src.Binance; b.Enabled {
		if primary && b.UseWS {
			ws := binance.NewTickerStream(b.WsURL, b.Quote, 0)
			sc.runners = append(sc.runners, func(ctx context.Context) error { return ws.Run(ctx, symbols) })
			out = append(out, ws)
		}
		out = append(out, binance.NewPriceSource(b.URL, b.Quote, 10*time.Second, b.RPS))
	}

	if y := src.Bybit; y.Enabled {
		if primary && y.UseWS {
			ws := bybit.NewTickerStream(y.WsURL, y.Quote, 0)
			sc.runners = append(sc.runners, func(ctx context.Context) error { return ws.Run(ctx, symbols) })
			out = append(out, ws)
		}
		out = append(out, bybit.NewPriceSource(y.URL, y.Quote, 10*time.Second, y.RPS))
	}
	return out
}

// initializeTrading 签名器、交易所客户端与会话容器
func (sc *ServiceContext) initializeTrading() error {
	cfg := sc.Config
	network := cfg.Network()

	if info := sc.info[network]; info != nil {
		url := cfg.Sources.Hyperliquid.URL
		sc.exchange = hyperliquid.NewExchangeClient(info, url, cfg.Sources.Hyperliquid.RPS)
	}

	if key := cfg.Secrets.PrivateKey; key != "" {
		s, err := signer.New(key, network.IsTestnet())
		if err != nil {
			return err
		}
		sc.signer = s
		log.Info().Str("address", s.Address()).Str("network", string(network)).Msg("✓ Signer initialized")
	}

	deps := container.Deps{
		Repo:           sc.repo,
		Sink:           sc.Sink,
		Prices:         sc.feed,
		Limits:         cfg.RiskLimits(),
		Network:        network,
		InitialBalance: cfg.InitialBalance(),
		Wallet:         cfg.Secrets.WalletAddress,
		Slippage:       cfg.Slippage(),
	}
	if sc.signer != nil {
		deps.Signer = sc.signer
	}
	if sc.exchange != nil {
		deps.Exchange = sc.exchange
	}
	sc.container = container.New(deps)
	return nil
}

// StartSources 启动 websocket 价格源的读循环，重复调用无效
func (sc *ServiceContext) StartSources() {
	sc.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(sc.Ctx)
		sc.cancel = cancel
		for _, run := range sc.runners {
			go func(run func(context.Context) error) {
				if err := run(ctx); err != nil {
					log.Error().Err(err).Msg("price source stopped")
				}
			}(run)
		}
		if len(sc.runners) > 0 {
			log.Info().Int("sources", len(sc.runners)).Msg("✓ websocket sources started")
		}
	})
}

func (sc *ServiceContext) Container() *container.Container { return sc.container }

func (sc *ServiceContext) Feed() *service.PriceFeed { return sc.feed }

func (sc *ServiceContext) Stream() *service.PriceStream { return sc.stream }

func (sc *ServiceContext) Repository() port.Repository { return sc.repo }

// PriceHistory 回测回放用
func (sc *ServiceContext) PriceHistory() port.PriceHistory { return sc.repo }

// InfoClient 当前网络的 Hyperliquid info 客户端，未启用时为 nil
func (sc *ServiceContext) InfoClient() *hyperliquid.InfoClient {
	return sc.info[sc.Config.Network()]
}

// Close 关闭所有资源，顺序与初始化相反
func (sc *ServiceContext) Close() error {
	if sc.cancel != nil {
		sc.cancel()
	}

	for i := len(sc.closerChain) - 1; i >= 0; i-- {
		if err := sc.closerChain[i](); err != nil {
			log.Error().Err(err).Msg("error closing resource")
		}
	}

	var err error
	switch {
	case sc.container != nil:
		err = sc.container.Close()
	case sc.repo != nil:
		err = sc.repo.Close()
	}
	if err != nil {
		log.Error().Err(err).Msg("error closing storage")
	}
	return nil
}

func otherNetwork(n model.Network) model.Network {
	if n.IsTestnet() {
		return model.Mainnet
	}
	return model.Testnet
}
