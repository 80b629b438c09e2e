package container

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"perpengine/internal/application/backtest"
	"perpengine/internal/application/executor"
	"perpengine/internal/application/port"
	"perpengine/internal/application/service"
	"perpengine/internal/application/usecase/trading"
	"perpengine/internal/domain/model"
	domainsvc "perpengine/internal/domain/service"
	"perpengine/internal/infrastructure/idgen"
)

// Deps 容器依赖；Signer / Exchange 只有实盘需要
type Deps struct {
	Repo           port.Repository
	Sink           port.Sink
	Prices         trading.PriceGetter
	Limits         model.RiskLimits
	Network        model.Network
	InitialBalance decimal.Decimal

	Signer   port.Signer
	Exchange port.ExchangeClient
	Wallet   string
	Slippage decimal.Decimal
}

// Container 每个执行上下文懒加载一个 Session，账本不跨上下文共享
type Container struct {
	deps Deps
	ids  *idgen.Generator

	mu       sync.Mutex
	sessions map[model.ExecutionContext]*trading.Session
	nonces   *executor.NonceSource

	priceService *service.PriceService
}

func New(deps Deps) *Container {
	return &Container{
		deps:     deps,
		ids:      idgen.New(),
		sessions: make(map[model.ExecutionContext]*trading.Session),
		nonces:   executor.NewNonceSource(nil),
	}
}

func (c *Container) Repository() port.Repository {
	return c.deps.Repo
}

// Session 取得（或创建）指定上下文的会话；新建时从存储恢复未平仓持仓
// 回测不走会话
func (c *Container) Session(ctx context.Context, ec model.ExecutionContext) (*trading.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.sessions[ec]; ok {
		return s, nil
	}

	ledger := domainsvc.NewLedger(ec, domainsvc.WithIDGenerator(c.ids.At))
	opts := []executor.Option{executor.WithRepository(c.deps.Repo), executor.WithOrderIDs(c.ids.At)}

	deps := trading.SessionDeps{
		Context:        ec,
		Network:        c.deps.Network,
		InitialBalance: c.deps.InitialBalance,
		Ledger:         ledger,
		Gate:           domainsvc.NewRiskGate(c.deps.Limits),
		Prices:         c.deps.Prices,
		Repo:           c.deps.Repo,
		Sink:           c.deps.Sink,
	}

	switch ec {
	case model.ContextPaper:
		deps.Executor = executor.NewPaperExecutor(ledger, opts...)
	case model.ContextLive:
		if c.deps.Signer == nil || c.deps.Exchange == nil {
			return nil, fmt.Errorf("%w: live trading needs a private key and exchange client", model.ErrSignerUnavailable)
		}
		liveOpts := []executor.LiveOption{executor.WithNonces(c.nonces)}
		if c.deps.Slippage.IsPositive() {
			liveOpts = append(liveOpts, executor.WithSlippage(c.deps.Slippage))
		}
		deps.Executor = executor.NewLiveExecutor(ledger, c.deps.Signer, c.deps.Exchange, opts, liveOpts...)

		wallet := c.deps.Wallet
		if wallet == "" {
			wallet = c.deps.Signer.Address()
		}
		exchange := c.deps.Exchange
		deps.Accounts = domainsvc.AccountSourceFunc(func(ctx context.Context) (*model.AccountState, error) {
			return exchange.AccountState(ctx, wallet)
		})
	default:
		return nil, fmt.Errorf("%w: no session for execution context %q", model.ErrInvalidArgument, ec)
	}

	if err := c.restore(ctx, ledger); err != nil {
		return nil, err
	}
	s, err := trading.NewSession(deps)
	if err != nil {
		return nil, err
	}
	c.sessions[ec] = s
	return s, nil
}

func (c *Container) restore(ctx context.Context, ledger *domainsvc.Ledger) error {
	if c.deps.Repo == nil {
		return nil
	}
	ec := ledger.Context()
	open, err := service.NewPositionService(c.deps.Repo).Open(ctx, ec)
	if err != nil {
		return fmt.Errorf("load %s positions: %w", ec, err)
	}
	if len(open) == 0 {
		return nil
	}
	if err := ledger.Restore(open); err != nil {
		return err
	}
	log.Info().Str("context", string(ec)).Int("positions", len(open)).Msg("✓ Positions restored")
	return nil
}

// Backtester 回测结果写入同一个 repo
func (c *Container) Backtester() *backtest.Runner {
	return backtest.NewRunner(backtest.WithResultRepository(c.deps.Repo))
}

func (c *Container) PriceService() *service.PriceService {
	if c.priceService == nil {
		c.priceService = service.NewPriceService(c.deps.Repo)
	}
	return c.priceService
}

func (c *Container) Close() error {
	if c.deps.Repo == nil {
		return nil
	}
	return c.deps.Repo.Close()
}
