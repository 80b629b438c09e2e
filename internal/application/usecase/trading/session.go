package trading

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"perpengine/internal/application/executor"
	"perpengine/internal/application/port"
	appsvc "perpengine/internal/application/service"
	"perpengine/internal/domain/model"
	"perpengine/internal/domain/service"
)

// PriceGetter 同步取价（PriceFeed）
type PriceGetter interface {
	GetPrice(ctx context.Context, symbol string, testnet bool) (decimal.Decimal, error)
}

// liveCloser 实盘执行器平仓要走交易所
type liveCloser interface {
	Close(ctx context.Context, symbol string, size, refPrice decimal.Decimal, reason model.CloseReason) (model.Trade, error)
}

// SessionDeps 一个执行上下文所需的依赖
type SessionDeps struct {
	Context        model.ExecutionContext
	Network        model.Network
	InitialBalance decimal.Decimal

	Ledger   *service.Ledger
	Gate     *service.RiskGate
	Executor executor.Executor
	Prices   PriceGetter

	// Accounts 为空时使用由账本推导的模拟账户
	Accounts service.AccountSource

	Repo port.Repository
	Sink port.Sink
	Now  func() time.Time
}

// Session 一个执行上下文（paper / live）的显式上下文对象
// 持有唯一的账本；写操作串行
type Session struct {
	deps SessionDeps

	positions *appsvc.PositionService
	snapshots *appsvc.SnapshotService

	mu sync.Mutex
}

func NewSession(deps SessionDeps) (*Session, error) {
	if !deps.Context.Valid() {
		return nil, fmt.Errorf("%w: execution context %q", model.ErrInvalidArgument, deps.Context)
	}
	if deps.Ledger == nil || deps.Gate == nil || deps.Executor == nil {
		return nil, fmt.Errorf("%w: session needs ledger, risk gate and executor", model.ErrInvalidArgument)
	}
	if deps.Ledger.Context() != deps.Context || deps.Executor.Context() != deps.Context {
		return nil, fmt.Errorf("%w: ledger/executor context mismatch for %s", model.ErrInvalidArgument, deps.Context)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Session{deps: deps}
	if deps.Repo != nil {
		s.positions = appsvc.NewPositionService(deps.Repo)
		s.snapshots = appsvc.NewSnapshotService(deps.Repo)
	}
	return s, nil
}

func (s *Session) Context() model.ExecutionContext { return s.deps.Context }

func (s *Session) Network() model.Network { return s.deps.Network }

func (s *Session) Ledger() *service.Ledger { return s.deps.Ledger }

// Balance 初始余额 + 已实现盈亏
func (s *Session) Balance() decimal.Decimal {
	return s.deps.InitialBalance.Add(s.deps.Ledger.RealizedPnL())
}

// AccountState 由账本推导的账户状态
func (s *Session) AccountState(context.Context) (*model.AccountState, error) {
	value := s.Balance().Add(s.deps.Ledger.UnrealizedPnL())
	used := s.deps.Ledger.MarginUsed()
	return &model.AccountState{AccountValue: value, MarginUsed: used, Withdrawable: value.Sub(used)}, nil
}

func (s *Session) accounts() service.AccountSource {
	if s.deps.Accounts != nil {
		return s.deps.Accounts
	}
	return service.AccountSourceFunc(s.AccountState)
}

// Submit 取参考价 -> 风控 -> 执行
func (s *Session) Submit(ctx context.Context, intent model.TradeIntent) (*executor.ExecutionResult, error) {
	if intent.Context == "" {
		intent.Context = s.deps.Context
	}
	if intent.Context != s.deps.Context {
		return nil, fmt.Errorf("%w: intent for %s submitted to %s session", model.ErrInvalidArgument, intent.Context, s.deps.Context)
	}
	if err := intent.Validate(); err != nil {
		return nil, err
	}

	ref := intent.Price
	if intent.IsMarket() {
		px, err := s.price(ctx, intent.Symbol)
		if err != nil {
			return nil, err
		}
		ref = px
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	approval, err := s.deps.Gate.Validate(ctx, intent, ref, s.accounts())
	if err != nil {
		log.Warn().Err(err).Str("context", string(s.deps.Context)).Str("symbol", intent.Symbol).Msg("intent rejected")
		return nil, err
	}

	res, err := s.deps.Executor.Execute(ctx, approval)
	if res != nil {
		s.emitTrades(res.Closed)
	}
	return res, err
}

// Close 平仓；size 为零表示全部
func (s *Session) Close(ctx context.Context, symbol string, size decimal.Decimal) (model.Trade, error) {
	pos, ok := s.deps.Ledger.Position(symbol)
	if !ok {
		return model.Trade{}, fmt.Errorf("%w: %s (%s)", model.ErrNoSuchPosition, model.Coin(symbol), s.deps.Context)
	}
	px, err := s.price(ctx, pos.Symbol)
	if err != nil {
		return model.Trade{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if live, ok := s.deps.Executor.(liveCloser); ok && s.deps.Context == model.ContextLive {
		trade, err := live.Close(ctx, pos.Symbol, size, px, model.CloseManual)
		if err != nil {
			return model.Trade{}, err
		}
		s.emitTrades([]model.Trade{trade})
		return trade, nil
	}

	if !size.IsPositive() {
		size = pos.Size
	}
	trade, err := s.deps.Ledger.ReduceOrClose(pos.Symbol, size, px, model.CloseManual)
	if err != nil {
		return model.Trade{}, err
	}
	s.recordTrade(ctx, trade)
	s.snapshot(ctx, pos.Symbol)
	s.emitTrades([]model.Trade{trade})
	return trade, nil
}

// OnPrice PriceStream 订阅者：标记持仓，触发止损/止盈时记录成交
func (s *Session) OnPrice(ctx context.Context, snap model.PriceSnapshot) error {
	if _, ok := s.deps.Ledger.Position(snap.Symbol); !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	trade, err := s.deps.Ledger.MarkPrice(snap.Symbol, snap.Price)
	if errors.Is(err, model.ErrNoSuchPosition) {
		return nil
	}
	if err != nil {
		return err
	}

	if trade != nil {
		log.Info().
			Str("context", string(s.deps.Context)).
			Str("symbol", trade.Symbol).
			Str("reason", string(trade.CloseReason)).
			Str("pnl", trade.RealizedPnL.StringFixed(2)).
			Msg("position closed by trigger")
		s.recordTrade(ctx, *trade)
		s.emitTrades([]model.Trade{*trade})
	}
	s.snapshot(ctx, snap.Symbol)

	if s.snapshots != nil {
		point := model.EquityPoint{Timestamp: snap.Timestamp, Balance: s.Balance(), PositionValue: s.deps.Ledger.UnrealizedPnL()}
		if err := s.snapshots.SaveEquity(ctx, s.deps.Context, point); err != nil {
			log.Warn().Err(err).Msg("save equity point failed")
		}
	}
	return nil
}

// Checkpoint 保存当前全部持仓快照
func (s *Session) Checkpoint(ctx context.Context) error {
	if s.positions == nil {
		return nil
	}
	return s.positions.SnapshotAll(ctx, s.deps.Ledger.Positions(), s.deps.Now())
}

func (s *Session) price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if s.deps.Prices == nil {
		return decimal.Zero, fmt.Errorf("%w: no price feed configured", model.ErrPriceUnavailable)
	}
	return s.deps.Prices.GetPrice(ctx, symbol, s.deps.Network.IsTestnet())
}

func (s *Session) recordTrade(ctx context.Context, trade model.Trade) {
	if s.positions == nil {
		return
	}
	if err := s.positions.RecordTrade(ctx, trade); err != nil {
		log.Warn().Err(err).Str("trade", trade.ID).Msg("save trade failed")
	}
}

// snapshot 保存持仓快照；持仓已不存在时标记为平仓
func (s *Session) snapshot(ctx context.Context, symbol string) {
	if s.positions == nil {
		return
	}
	pos, ok := s.deps.Ledger.Position(symbol)
	if !ok {
		if err := s.positions.MarkClosed(ctx, s.deps.Context, symbol, s.deps.Now()); err != nil {
			log.Warn().Err(err).Str("symbol", model.Coin(symbol)).Msg("mark position closed failed")
		}
		return
	}
	if err := s.positions.Snapshot(ctx, pos, s.deps.Now()); err != nil {
		log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("save position failed")
	}
}

func (s *Session) emitTrades(trades []model.Trade) {
	if s.deps.Sink == nil {
		return
	}
	for _, t := range trades {
		if err := s.deps.Sink.WriteTrade(t); err != nil {
			log.Debug().Err(err).Msg("sink write trade failed")
		}
	}
}
