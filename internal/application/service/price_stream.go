package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"perpengine/internal/application/port"
	"perpengine/internal/domain/model"
)

// Subscriber 价格变化订阅者，返回的错误只记录日志
type Subscriber func(ctx context.Context, snap model.PriceSnapshot) error

type subscription struct {
	id   uint64
	name string
	fn   Subscriber
}

const (
	minRoundBackoff = 500 * time.Millisecond
	maxRoundBackoff = 10 * time.Second
)

// PriceStream 轮询价格流：Stopped -> Running -> Stopped
// 每轮并发拉取所有币种，全部返回后再通知订阅者，轮次之间不重叠
type PriceStream struct {
	source       port.PriceSource
	network      model.Network
	fetchTimeout time.Duration
	maxParallel  int
	now          func() time.Time

	mu    sync.RWMutex
	cache map[string]model.PriceSnapshot

	subMu  sync.RWMutex
	subs   []subscription
	nextID uint64

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// StreamOption 可选参数
type StreamOption func(*PriceStream)

// WithStreamNetwork 价格流所在网络
func WithStreamNetwork(n model.Network) StreamOption {
	return func(s *PriceStream) { s.network = n }
}

// WithFetchTimeout 单次拉取超时
func WithFetchTimeout(d time.Duration) StreamOption {
	return func(s *PriceStream) {
		if d > 0 {
			s.fetchTimeout = d
		}
	}
}

// WithMaxParallel 每轮最大并发数
func WithMaxParallel(n int) StreamOption {
	return func(s *PriceStream) { s.maxParallel = n }
}

// WithStreamClock 注入时钟
func WithStreamClock(now func() time.Time) StreamOption {
	return func(s *PriceStream) {
		if now != nil {
			s.now = now
		}
	}
}

// NewPriceStream 创建价格流
func NewPriceStream(source port.PriceSource, opts ...StreamOption) *PriceStream {
	s := &PriceStream{
		source:       source,
		network:      model.Mainnet,
		fetchTimeout: 5 * time.Second,
		now:          time.Now,
		cache:        make(map[string]model.PriceSnapshot),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Network 价格流所在网络
func (s *PriceStream) Network() model.Network { return s.network }

// Subscribe 注册订阅者，返回取消函数
func (s *PriceStream) Subscribe(name string, fn Subscriber) (unsubscribe func()) {
	s.subMu.Lock()
	s.nextID++
	id := s.nextID
	s.subs = append(s.subs, subscription{id: id, name: name, fn: fn})
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// Start 启动轮询；已在运行时返回 ErrStreamRunning
func (s *PriceStream) Start(ctx context.Context, symbols []string, interval time.Duration) error {
	syms := normalizeSymbols(symbols)
	if len(syms) == 0 {
		return fmt.Errorf("%w: no symbols to stream", model.ErrInvalidArgument)
	}
	if interval <= 0 {
		return fmt.Errorf("%w: interval must be positive, got %s", model.ErrInvalidArgument, interval)
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.runningLocked() {
		return model.ErrStreamRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done

	go s.loop(loopCtx, syms, interval, done)

	log.Info().
		Str("source", s.source.Name()).
		Str("network", string(s.network)).
		Strs("symbols", syms).
		Dur("interval", interval).
		Msg("price stream started")
	return nil
}

// Stop 停止轮询并等待循环退出，返回后不再有任何通知
// 可重复调用；不能在订阅者回调内调用
func (s *PriceStream) Stop() {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Info().Str("source", s.source.Name()).Msg("price stream stopped")
}

// Running 是否在运行
func (s *PriceStream) Running() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.runningLocked()
}

func (s *PriceStream) runningLocked() bool {
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Snapshot 最近一次价格快照
func (s *PriceStream) Snapshot(symbol string) (model.PriceSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.cache[model.Coin(symbol)]
	return snap, ok
}

// Snapshots 全部最近快照，按币种排序
func (s *PriceStream) Snapshots() []model.PriceSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.PriceSnapshot, 0, len(s.cache))
	for _, snap := range s.cache {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (s *PriceStream) loop(ctx context.Context, symbols []string, interval time.Duration, done chan struct{}) {
	defer close(done)

	var backoff time.Duration
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		changed, ok := s.pollRound(ctx, symbols)
		if ctx.Err() != nil {
			return
		}
		s.notify(ctx, changed)

		wait := interval
		if ok {
			backoff = 0
		} else {
			backoff = nextBackoff(backoff)
			wait += backoff
			log.Warn().
				Str("source", s.source.Name()).
				Dur("backoff", backoff).
				Msg("price round failed for all symbols, backing off")
		}
		timer.Reset(wait)
	}
}

// pollRound 并发拉取，返回价格发生变化的快照；ok 表示至少一个币种成功
func (s *PriceStream) pollRound(ctx context.Context, symbols []string) ([]model.PriceSnapshot, bool) {
	results := make([]*model.PriceSnapshot, len(symbols))

	g, gctx := errgroup.WithContext(ctx)
	if s.maxParallel > 0 {
		g.SetLimit(s.maxParallel)
	}
	for i, sym := range symbols {
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(gctx, s.fetchTimeout)
			defer cancel()

			snap, err := s.fetch(fctx, sym)
			if err != nil {
				log.Warn().Str("source", s.source.Name()).Str("symbol", sym).Err(err).Msg("price fetch failed, skipping")
				return nil
			}
			results[i] = &snap
			return nil
		})
	}
	_ = g.Wait()

	var changed []model.PriceSnapshot
	succeeded := 0

	s.mu.Lock()
	for _, snap := range results {
		if snap == nil {
			continue
		}
		succeeded++
		prev, had := s.cache[snap.Symbol]
		s.cache[snap.Symbol] = *snap
		if had && prev.Price.Equal(snap.Price) {
			continue
		}
		changed = append(changed, *snap)
	}
	s.mu.Unlock()

	return changed, succeeded > 0
}

// fetch 快照型价格源保留原始时间戳与来源，其他价格源按本地时间打戳
func (s *PriceStream) fetch(ctx context.Context, sym string) (model.PriceSnapshot, error) {
	if ss, ok := s.source.(port.SnapshotSource); ok {
		snap, err := ss.FetchSnapshot(ctx, sym)
		if err != nil {
			return model.PriceSnapshot{}, err
		}
		snap.Symbol = sym
		if snap.Timestamp.IsZero() {
			snap.Timestamp = s.now()
		}
		if snap.Source == "" {
			snap.Source = s.source.Name()
		}
		return snap, nil
	}

	px, err := s.source.FetchPrice(ctx, sym)
	if err != nil {
		return model.PriceSnapshot{}, err
	}
	return model.PriceSnapshot{Symbol: sym, Price: px, Timestamp: s.now(), Source: s.source.Name()}, nil
}

func (s *PriceStream) notify(ctx context.Context, snaps []model.PriceSnapshot) {
	if len(snaps) == 0 {
		return
	}
	s.subMu.RLock()
	subs := make([]subscription, len(s.subs))
	copy(subs, s.subs)
	s.subMu.RUnlock()

	for _, snap := range snaps {
		for _, sub := range subs {
			if ctx.Err() != nil {
				return
			}
			deliver(ctx, sub, snap)
		}
	}
}

func deliver(ctx context.Context, sub subscription, snap model.PriceSnapshot) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("subscriber", sub.name).Str("symbol", snap.Symbol).Interface("panic", r).Msg("subscriber panicked")
		}
	}()
	if err := sub.fn(ctx, snap); err != nil {
		log.Warn().Str("subscriber", sub.name).Str("symbol", snap.Symbol).Err(err).Msg("subscriber failed")
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	if cur <= 0 {
		return minRoundBackoff
	}
	return min(cur*2, maxRoundBackoff)
}

func normalizeSymbols(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, s := range in {
		c := model.Coin(s)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
