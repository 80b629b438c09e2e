package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"perpengine/internal/domain/model"
)

type Config struct {
	App struct {
		Network  string `toml:"network"`   // mainnet | testnet
		LogLevel string `toml:"log_level"` // debug | info | warn | error
	} `toml:"app"`

	Symbols struct {
		List []string `toml:"list"`
	} `toml:"symbols"`

	Stream struct {
		PollInterval time.Duration `toml:"poll_interval"`
		FetchTimeout time.Duration `toml:"fetch_timeout"`
		Freshness    time.Duration `toml:"freshness"`
		CacheTTL     time.Duration `toml:"cache_ttl"`
		RecordPrices bool          `toml:"record_prices"`
	} `toml:"stream"`

	Risk struct {
		MaxLeverage         map[string]int `toml:"max_leverage"`
		DefaultMaxLeverage  int            `toml:"default_max_leverage"`
		MarginCritical      float64        `toml:"margin_critical"`
		MarginWarning       float64        `toml:"margin_warning"`
		MaxPositionFraction float64        `toml:"max_position_fraction"`
	} `toml:"risk"`

	Paper struct {
		InitialBalance float64 `toml:"initial_balance"`
	} `toml:"paper"`

	Live struct {
		Slippage float64 `toml:"slippage"`
	} `toml:"live"`

	Sources struct {
		Hyperliquid struct {
			Enabled  bool    `toml:"enabled"`
			URL      string  `toml:"url"`
			WsURL    string  `toml:"ws_url"`
			UseWS    bool    `toml:"use_ws"`
			RPS      float64 `toml:"rps"`
			TimeoutS int     `toml:"timeout_s"`
		} `toml:"hyperliquid"`

		Binance struct {
			Enabled bool    `toml:"enabled"`
			URL     string  `toml:"url"`
			WsURL   string  `toml:"ws_url"`
			UseWS   bool    `toml:"use_ws"`
			Quote   string  `toml:"quote"`
			RPS     float64 `toml:"rps"`
		} `toml:"binance"`

		Bybit struct {
			Enabled bool    `toml:"enabled"`
			URL     string  `toml:"url"`
			WsURL   string  `toml:"ws_url"`
			UseWS   bool    `toml:"use_ws"`
			Quote   string  `toml:"quote"`
			RPS     float64 `toml:"rps"`
		} `toml:"bybit"`
	} `toml:"sources"`

	SQLite struct {
		Enabled bool   `toml:"enabled"`
		Path    string `toml:"path"`
	} `toml:"sqlite"`

	Postgres struct {
		Enabled bool   `toml:"enabled"`
		DSN     string `toml:"dsn"`
	} `toml:"postgres"`

	Redis struct {
		Enabled      bool   `toml:"enabled"`
		Addr         string `toml:"addr"`
		Password     string `toml:"password"`
		DB           int    `toml:"db"`
		Prefix       string `toml:"prefix"`
		TTLSeconds   int    `toml:"ttl_seconds"`
		TradeStream  string `toml:"trade_stream"`
		TradeChannel string `toml:"trade_channel"`
	} `toml:"redis"`

	// 来自环境变量，不写入配置文件
	Secrets struct {
		PrivateKey    string `toml:"-"`
		WalletAddress string `toml:"-"`
	} `toml:"-"`
}

// Load 读取 .env（可选）与 TOML 配置
func Load(path, envFile string) (*Config, error) {
	if err := loadEnv(envFile); err != nil {
		return nil, err
	}
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse 从字符串解析，测试和嵌入配置用
func Parse(data string) (*Config, error) {
	var cfg Config
	if _, err := toml.Decode(data, &cfg); err != nil {
		return nil, err
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadEnv(envFile string) error {
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return godotenv.Load(envFile)
}

func applyEnv(cfg *Config) {
	cfg.Secrets.PrivateKey = strings.TrimSpace(os.Getenv("HL_PRIVATE_KEY"))
	cfg.Secrets.WalletAddress = strings.TrimSpace(os.Getenv("HL_WALLET_ADDRESS"))
	if v := os.Getenv("PG_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("HL_NETWORK"); v != "" {
		cfg.App.Network = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.App.Network == "" {
		cfg.App.Network = string(model.Testnet)
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = "info"
	}
	if len(cfg.Symbols.List) == 0 {
		cfg.Symbols.List = []string{"BTC", "ETH", "SOL"}
	}
	if cfg.Stream.PollInterval <= 0 {
		cfg.Stream.PollInterval = 1500 * time.Millisecond
	}
	if cfg.Stream.FetchTimeout <= 0 {
		cfg.Stream.FetchTimeout = 10 * time.Second
	}
	if cfg.Stream.Freshness <= 0 {
		cfg.Stream.Freshness = 5 * time.Second
	}
	if cfg.Stream.CacheTTL <= 0 {
		cfg.Stream.CacheTTL = 2 * time.Second
	}

	def := model.DefaultRiskLimits()
	if len(cfg.Risk.MaxLeverage) == 0 {
		cfg.Risk.MaxLeverage = def.MaxLeverage
	}
	if cfg.Risk.DefaultMaxLeverage <= 0 {
		cfg.Risk.DefaultMaxLeverage = def.DefaultMaxLeverage
	}
	if cfg.Risk.MarginCritical <= 0 {
		cfg.Risk.MarginCritical = def.MarginCritical.InexactFloat64()
	}
	if cfg.Risk.MarginWarning <= 0 {
		cfg.Risk.MarginWarning = def.MarginWarning.InexactFloat64()
	}
	if cfg.Risk.MaxPositionFraction <= 0 {
		cfg.Risk.MaxPositionFraction = def.MaxPositionFraction.InexactFloat64()
	}

	if cfg.Paper.InitialBalance <= 0 {
		cfg.Paper.InitialBalance = 10000
	}
	if cfg.Live.Slippage <= 0 {
		cfg.Live.Slippage = 0.05
	}

	hl := &cfg.Sources.Hyperliquid
	if hl.RPS <= 0 {
		hl.RPS = 10
	}
	if hl.TimeoutS <= 0 {
		hl.TimeoutS = 10
	}
	if cfg.Sources.Binance.RPS <= 0 {
		cfg.Sources.Binance.RPS = 10
	}
	if cfg.Sources.Bybit.RPS <= 0 {
		cfg.Sources.Bybit.RPS = 10
	}

	if cfg.SQLite.Path == "" {
		cfg.SQLite.Path = "data/perpengine.db"
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "perp"
	}
}

func validate(cfg *Config) error {
	cfg.Symbols.List = normalizeSymbols(cfg.Symbols.List)
	if len(cfg.Symbols.List) == 0 {
		return errors.New("symbols.list is empty")
	}

	cfg.App.Network = strings.ToLower(strings.TrimSpace(cfg.App.Network))
	if cfg.App.Network != string(model.Mainnet) && cfg.App.Network != string(model.Testnet) {
		return fmt.Errorf("app.network must be mainnet or testnet, got %q", cfg.App.Network)
	}
	if cfg.Risk.MarginWarning > cfg.Risk.MarginCritical {
		return errors.New("risk.margin_warning must not exceed risk.margin_critical")
	}
	if cfg.Risk.MarginCritical > 1 || cfg.Risk.MaxPositionFraction > 1 {
		return errors.New("risk thresholds are fractions and must be <= 1")
	}
	if cfg.Live.Slippage >= 1 {
		return errors.New("live.slippage must be < 1")
	}

	src := cfg.Sources
	if !src.Hyperliquid.Enabled && !src.Binance.Enabled && !src.Bybit.Enabled {
		return errors.New("no price source enabled")
	}
	if cfg.Postgres.Enabled && strings.TrimSpace(cfg.Postgres.DSN) == "" {
		return errors.New("postgres.dsn empty but enabled")
	}
	if cfg.Redis.Enabled && strings.TrimSpace(cfg.Redis.Addr) == "" {
		return errors.New("redis.addr empty but enabled")
	}
	return nil
}

// Network 配置的交易所网络
func (c *Config) Network() model.Network {
	return model.Network(c.App.Network)
}

// RiskLimits 风控参数
func (c *Config) RiskLimits() model.RiskLimits {
	lev := make(map[string]int, len(c.Risk.MaxLeverage))
	for coin, v := range c.Risk.MaxLeverage {
		lev[model.Coin(coin)] = v
	}
	return model.RiskLimits{
		MaxLeverage:         lev,
		DefaultMaxLeverage:  c.Risk.DefaultMaxLeverage,
		MarginCritical:      decimal.NewFromFloat(c.Risk.MarginCritical),
		MarginWarning:       decimal.NewFromFloat(c.Risk.MarginWarning),
		MaxPositionFraction: decimal.NewFromFloat(c.Risk.MaxPositionFraction),
	}
}

func (c *Config) InitialBalance() decimal.Decimal {
	return decimal.NewFromFloat(c.Paper.InitialBalance)
}

func (c *Config) Slippage() decimal.Decimal {
	return decimal.NewFromFloat(c.Live.Slippage)
}

// GetEnabledSources 启用的价格源名称，按回退顺序
func (c *Config) GetEnabledSources() []string {
	var out []string
	if c.Sources.Hyperliquid.Enabled {
		out = append(out, "hyperliquid")
	}
	if c.Sources.Binance.Enabled {
		out = append(out, "binance")
	}
	if c.Sources.Bybit.Enabled {
		out = append(out, "bybit")
	}
	return out
}

func normalizeSymbols(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, s := range in {
		u := model.Coin(s)
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
