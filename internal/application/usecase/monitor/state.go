package monitor

import (
	"sync"

	"perpengine/internal/domain/model"
)

// State 每个币种的最新快照，按配置顺序输出
type State struct {
	mu sync.Mutex

	order  []string
	latest map[string]model.PriceSnapshot
}

func NewState(coins []string) *State {
	order := make([]string, 0, len(coins))
	latest := make(map[string]model.PriceSnapshot, len(coins))
	for _, c := range coins {
		coin := model.Coin(c)
		if coin == "" {
			continue
		}
		if _, ok := latest[coin]; ok {
			continue
		}
		order = append(order, coin)
		latest[coin] = model.PriceSnapshot{Symbol: coin}
	}
	return &State{order: order, latest: latest}
}

func (s *State) Symbols() []string {
	return s.order
}

// Apply 记录一条快照，返回价格是否变化；未配置的币种忽略
func (s *State) Apply(snap model.PriceSnapshot) bool {
	coin := model.Coin(snap.Symbol)
	if !snap.Price.IsPositive() {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.latest[coin]
	if !ok {
		return false
	}
	snap.Symbol = coin
	s.latest[coin] = snap
	return !prev.Price.Equal(snap.Price)
}

// Snapshots 已收到价格的币种快照
func (s *State) Snapshots() []model.PriceSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.PriceSnapshot, 0, len(s.order))
	for _, coin := range s.order {
		if snap := s.latest[coin]; snap.Price.IsPositive() {
			out = append(out, snap)
		}
	}
	return out
}
