package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"perpengine/internal/application/port"
	"perpengine/internal/domain/model"
)

// Repo Redis 存储：最新价 hash、成交/订单/权益 stream、成交 pubsub
type Repo struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration

	keyLatest    string
	keyPositions string
	tradeStream  string
	tradeChan    string
	orderStream  string
}

func New(rdb *redis.Client, prefix string, ttl time.Duration, tradeStream, tradeChan string) *Repo {
	if strings.TrimSpace(prefix) == "" {
		prefix = "perp"
	}
	if strings.TrimSpace(tradeStream) == "" {
		tradeStream = prefix + ":trades"
	}
	if strings.TrimSpace(tradeChan) == "" {
		tradeChan = prefix + ":trades:pub"
	}
	return &Repo{
		rdb:          rdb,
		prefix:       prefix,
		ttl:          ttl,
		keyLatest:    prefix + ":latest",
		keyPositions: prefix + ":positions",
		tradeStream:  tradeStream,
		tradeChan:    tradeChan,
		orderStream:  prefix + ":orders",
	}
}

func (r *Repo) equityStream(ec model.ExecutionContext) string {
	return r.prefix + ":equity:" + string(ec)
}

// SavePrice field = coin -> json，整个 hash 带 TTL
func (r *Repo) SavePrice(ctx context.Context, s model.PriceSnapshot) error {
	if !s.Price.IsPositive() {
		return nil
	}
	s.Symbol = model.Coin(s.Symbol)
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}

	pipe := r.rdb.Pipeline()
	pipe.HSet(ctx, r.keyLatest, s.Symbol, string(b))
	if r.ttl > 0 {
		pipe.Expire(ctx, r.keyLatest, r.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// SaveTrade XADD 到 stream 并 PUBLISH 给订阅者
func (r *Repo) SaveTrade(ctx context.Context, t model.Trade) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: r.tradeStream,
		Values: map[string]any{
			"id":      t.ID,
			"context": string(t.Context),
			"symbol":  t.Symbol,
			"pnl":     t.RealizedPnL.String(),
			"payload": string(b),
		},
	}).Result()
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.tradeChan, string(b)).Err()
}

func (r *Repo) SaveOrder(ctx context.Context, o model.OrderRecord) error {
	b, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: r.orderStream,
		Values: map[string]any{"id": o.ID, "status": o.Status, "payload": string(b)},
	}).Err()
}

// SavePosition 只保留最新快照；零数量快照删除该字段
func (r *Repo) SavePosition(ctx context.Context, s model.PositionSnapshot) error {
	field := string(s.Context) + ":" + model.Coin(s.Symbol)
	if s.Closed() {
		return r.rdb.HDel(ctx, r.keyPositions, field).Err()
	}
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.rdb.HSet(ctx, r.keyPositions, field, string(b)).Err()
}

func (r *Repo) LoadPositions(ctx context.Context, ec model.ExecutionContext) ([]model.PositionSnapshot, error) {
	all, err := r.rdb.HGetAll(ctx, r.keyPositions).Result()
	if err != nil {
		return nil, err
	}
	var out []model.PositionSnapshot
	for field, raw := range all {
		if !strings.HasPrefix(field, string(ec)+":") {
			continue
		}
		var s model.PositionSnapshot
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, fmt.Errorf("position %s: %w", field, err)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (r *Repo) SaveEquityPoint(ctx context.Context, ec model.ExecutionContext, p model.EquityPoint) error {
	return r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: r.equityStream(ec),
		Values: map[string]any{
			"ts_ms":          p.Timestamp.UnixMilli(),
			"balance":        p.Balance.String(),
			"position_value": p.PositionValue.String(),
		},
	}).Err()
}

// Latest 读取最新价
func (r *Repo) Latest(ctx context.Context, symbol string) (model.PriceSnapshot, error) {
	var s model.PriceSnapshot
	raw, err := r.rdb.HGet(ctx, r.keyLatest, model.Coin(symbol)).Result()
	if err != nil {
		return s, err
	}
	err = json.Unmarshal([]byte(raw), &s)
	return s, err
}

// Close client 由外部创建，这里不关闭
func (r *Repo) Close() error { return nil }

var (
	_ port.Repository    = (*Repo)(nil)
	_ port.PositionStore = (*Repo)(nil)
)
