package composite

import (
	"context"
	"fmt"
	"time"

	"perpengine/internal/application/port"
	"perpengine/internal/domain/model"
)

// Repo 扇出写入多个存储；返回第一个错误
type Repo struct {
	repos []port.Repository
}

func New(repos ...port.Repository) *Repo {
	out := make([]port.Repository, 0, len(repos))
	for _, r := range repos {
		if r != nil {
			out = append(out, r)
		}
	}
	return &Repo{repos: out}
}

func (r *Repo) each(fn func(port.Repository) error) error {
	var firstErr error
	for _, repo := range r.repos {
		if err := fn(repo); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Repo) SaveTrade(ctx context.Context, t model.Trade) error {
	return r.each(func(repo port.Repository) error { return repo.SaveTrade(ctx, t) })
}

func (r *Repo) SaveOrder(ctx context.Context, o model.OrderRecord) error {
	return r.each(func(repo port.Repository) error { return repo.SaveOrder(ctx, o) })
}

func (r *Repo) SavePosition(ctx context.Context, s model.PositionSnapshot) error {
	return r.each(func(repo port.Repository) error { return repo.SavePosition(ctx, s) })
}

func (r *Repo) SaveEquityPoint(ctx context.Context, ec model.ExecutionContext, p model.EquityPoint) error {
	return r.each(func(repo port.Repository) error { return repo.SaveEquityPoint(ctx, ec, p) })
}

func (r *Repo) SavePrice(ctx context.Context, s model.PriceSnapshot) error {
	return r.each(func(repo port.Repository) error { return repo.SavePrice(ctx, s) })
}

// LoadPrices 使用第一个支持历史查询的存储
func (r *Repo) LoadPrices(ctx context.Context, symbol string, start, end time.Time) ([]model.PriceSnapshot, error) {
	for _, repo := range r.repos {
		if h, ok := repo.(port.PriceHistory); ok {
			return h.LoadPrices(ctx, symbol, start, end)
		}
	}
	return nil, fmt.Errorf("%w: no storage backend keeps price history", model.ErrInvalidArgument)
}

// LoadPositions 使用第一个能读回持仓的存储；都不支持时返回空
func (r *Repo) LoadPositions(ctx context.Context, ec model.ExecutionContext) ([]model.PositionSnapshot, error) {
	for _, repo := range r.repos {
		if s, ok := repo.(port.PositionStore); ok {
			return s.LoadPositions(ctx, ec)
		}
	}
	return nil, nil
}

func (r *Repo) Close() error {
	return r.each(func(repo port.Repository) error { return repo.Close() })
}

var (
	_ port.Repository    = (*Repo)(nil)
	_ port.PriceHistory  = (*Repo)(nil)
	_ port.PositionStore = (*Repo)(nil)
)
