package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"perpengine/internal/application/port"
	"perpengine/internal/application/service"
	"perpengine/internal/domain/model"
)

// Stream 价格流；*service.PriceStream 实现
type Stream interface {
	Subscribe(name string, fn service.Subscriber) (unsubscribe func())
	Start(ctx context.Context, symbols []string, interval time.Duration) error
	Stop()
}

type ServiceDeps struct {
	Stream   Stream
	Symbols  []string
	Interval time.Duration
	Sink     port.Sink

	// Recorder 为空时不写历史价格
	Recorder *service.PriceService

	// Subscribers 额外的订阅者，例如 Session.OnPrice
	Subscribers map[string]service.Subscriber

	// PrintEvery 周期性输出一行日志；<= 0 关闭
	PrintEvery time.Duration
}

// Service stream 命令：轮询价格，刷新控制台并记录历史
type Service struct {
	deps ServiceDeps
	st   *State
}

func NewService(deps ServiceDeps) *Service {
	return &Service{
		deps: deps,
		st:   NewState(deps.Symbols),
	}
}

func (s *Service) State() *State { return s.st }

// Run 阻塞直到 ctx 结束
func (s *Service) Run(ctx context.Context) error {
	if s.deps.Stream == nil {
		return errors.New("no price stream")
	}
	if len(s.st.Symbols()) == 0 {
		return errors.New("no symbols")
	}

	var unsubs []func()
	unsubs = append(unsubs, s.deps.Stream.Subscribe("monitor", s.onPrice))
	if s.deps.Recorder != nil {
		unsubs = append(unsubs, s.deps.Stream.Subscribe("price-history", s.deps.Recorder.Record))
	}
	for name, fn := range s.deps.Subscribers {
		unsubs = append(unsubs, s.deps.Stream.Subscribe(name, fn))
	}
	defer func() {
		for _, u := range unsubs {
			u()
		}
	}()

	if err := s.deps.Stream.Start(ctx, s.st.Symbols(), s.deps.Interval); err != nil {
		return err
	}
	defer s.deps.Stream.Stop()

	log.Info().
		Strs("symbols", s.st.Symbols()).
		Dur("interval", s.deps.Interval).
		Bool("record", s.deps.Recorder != nil).
		Msg("stream started")

	var tick <-chan time.Time
	if s.deps.PrintEvery > 0 {
		t := time.NewTicker(s.deps.PrintEvery)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-tick:
			ev := log.Info().Time("at", now)
			for _, snap := range s.st.Snapshots() {
				ev = ev.Str(snap.Symbol, snap.Price.String())
			}
			ev.Msg("prices")
		}
	}
}

func (s *Service) onPrice(_ context.Context, snap model.PriceSnapshot) error {
	if !s.st.Apply(snap) || s.deps.Sink == nil {
		return nil
	}
	return s.deps.Sink.WritePrices(snap.Timestamp, s.st.Snapshots())
}
