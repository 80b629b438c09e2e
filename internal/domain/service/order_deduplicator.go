package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perpengine/internal/domain/model"
)

// OrderDeduplicator 订单去重器，防止实盘重复下单
//
// 同一币种同时只允许一个在途订单；相同方向、相同数量的订单在去重窗口内只提交一次。
type OrderDeduplicator struct {
	mu sync.Mutex

	inFlight map[string]struct{}    // coin
	recent   map[string]recentOrder // coin
	window   time.Duration
	now      func() time.Time
}

// recentOrder 最近一次成功提交的订单
type recentOrder struct {
	side     model.Side
	size     decimal.Decimal
	placedAt time.Time
}

// NewOrderDeduplicator window <= 0 时默认 5 秒
func NewOrderDeduplicator(window time.Duration) *OrderDeduplicator {
	if window <= 0 {
		window = 5 * time.Second
	}
	return &OrderDeduplicator{
		inFlight: make(map[string]struct{}),
		recent:   make(map[string]recentOrder),
		window:   window,
		now:      time.Now,
	}
}

// SetClock 测试用
func (od *OrderDeduplicator) SetClock(now func() time.Time) {
	od.mu.Lock()
	defer od.mu.Unlock()
	od.now = now
}

// Acquire 占用该币种的下单槽位；返回的 release 必须调用一次，placed 表示订单是否已提交
func (od *OrderDeduplicator) Acquire(symbol string, side model.Side, size decimal.Decimal) (release func(placed bool), err error) {
	coin := model.Coin(symbol)

	od.mu.Lock()
	defer od.mu.Unlock()

	if _, busy := od.inFlight[coin]; busy {
		return nil, fmt.Errorf("%w: %s has an order in flight", model.ErrDuplicateOrder, coin)
	}
	if last, ok := od.recent[coin]; ok {
		age := od.now().Sub(last.placedAt)
		if age < od.window && last.side == side && last.size.Equal(size) {
			return nil, fmt.Errorf("%w: same %s %s %s order %.1fs ago", model.ErrDuplicateOrder, coin, side, size, age.Seconds())
		}
	}
	od.inFlight[coin] = struct{}{}

	var once sync.Once
	return func(placed bool) {
		once.Do(func() {
			od.mu.Lock()
			defer od.mu.Unlock()
			delete(od.inFlight, coin)
			if placed {
				od.recent[coin] = recentOrder{side: side, size: size, placedAt: od.now()}
			}
		})
	}, nil
}

// Forget 清理过期记录
func (od *OrderDeduplicator) Forget() {
	od.mu.Lock()
	defer od.mu.Unlock()
	now := od.now()
	for coin, r := range od.recent {
		if now.Sub(r.placedAt) >= od.window {
			delete(od.recent, coin)
		}
	}
}
