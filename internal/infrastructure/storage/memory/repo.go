package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"perpengine/internal/application/port"
	"perpengine/internal/domain/model"
)

// Repo 进程内存储，未启用任何数据库时使用
type Repo struct {
	mu        sync.RWMutex
	trades    []model.Trade
	orders    []model.OrderRecord
	positions map[string]model.PositionSnapshot // context:symbol -> 最新快照
	equity    map[model.ExecutionContext][]model.EquityPoint
	prices    map[string][]model.PriceSnapshot
}

func New() *Repo {
	return &Repo{
		positions: make(map[string]model.PositionSnapshot),
		equity:    make(map[model.ExecutionContext][]model.EquityPoint),
		prices:    make(map[string][]model.PriceSnapshot),
	}
}

func (r *Repo) SaveTrade(_ context.Context, trade model.Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, trade)
	return nil
}

func (r *Repo) SaveOrder(_ context.Context, order model.OrderRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders = append(r.orders, order)
	return nil
}

// SavePosition 零数量快照删除该持仓
func (r *Repo) SavePosition(_ context.Context, snap model.PositionSnapshot) error {
	key := string(snap.Context) + ":" + model.Coin(snap.Symbol)
	r.mu.Lock()
	defer r.mu.Unlock()
	if snap.Closed() {
		delete(r.positions, key)
		return nil
	}
	r.positions[key] = snap
	return nil
}

func (r *Repo) LoadPositions(_ context.Context, ec model.ExecutionContext) ([]model.PositionSnapshot, error) {
	return r.Positions(ec), nil
}

func (r *Repo) SaveEquityPoint(_ context.Context, ec model.ExecutionContext, point model.EquityPoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.equity[ec] = append(r.equity[ec], point)
	return nil
}

func (r *Repo) SavePrice(_ context.Context, snap model.PriceSnapshot) error {
	if !snap.Price.IsPositive() {
		return nil
	}
	coin := model.Coin(snap.Symbol)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prices[coin] = append(r.prices[coin], snap)
	return nil
}

// LoadPrices [start, end] 内的历史价格，按时间排序
func (r *Repo) LoadPrices(_ context.Context, symbol string, start, end time.Time) ([]model.PriceSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.PriceSnapshot
	for _, s := range r.prices[model.Coin(symbol)] {
		if s.Timestamp.Before(start) || s.Timestamp.After(end) {
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Trades 指定上下文的成交；ec 为空返回全部
func (r *Repo) Trades(ec model.ExecutionContext) []model.Trade {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.Trade
	for _, t := range r.trades {
		if ec == "" || t.Context == ec {
			out = append(out, t)
		}
	}
	return out
}

func (r *Repo) Orders() []model.OrderRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]model.OrderRecord(nil), r.orders...)
}

// Positions 每个上下文+币种的最新快照
func (r *Repo) Positions(ec model.ExecutionContext) []model.PositionSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.PositionSnapshot
	for key, p := range r.positions {
		if ec == "" || strings.HasPrefix(key, string(ec)+":") {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (r *Repo) Equity(ec model.ExecutionContext) []model.EquityPoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]model.EquityPoint(nil), r.equity[ec]...)
}

func (r *Repo) Close() error { return nil }

var (
	_ port.Repository    = (*Repo)(nil)
	_ port.PriceHistory  = (*Repo)(nil)
	_ port.PositionStore = (*Repo)(nil)
)
