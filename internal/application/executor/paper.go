package executor

import (
	"context"

	"github.com/rs/zerolog/log"

	"perpengine/internal/domain/model"
	"perpengine/internal/domain/service"
)

// PaperExecutor 模拟成交：按凭证价格立即全部成交，不接触签名器
type PaperExecutor struct {
	base
}

var _ Executor = (*PaperExecutor)(nil)

func NewPaperExecutor(ledger *service.Ledger, opts ...Option) *PaperExecutor {
	return &PaperExecutor{base: newBase(ledger, opts)}
}

func (e *PaperExecutor) Execute(ctx context.Context, approval *service.Approval) (*ExecutionResult, error) {
	if err := approval.Consume(); err != nil {
		return nil, err
	}
	intent := approval.Intent
	fill := approval.Price

	pos, closed, err := e.apply(intent, intent.Size, fill)
	if err != nil {
		return nil, err
	}

	order := e.orderRecord(intent, "entry", intent.Size, fill)
	order.Status = model.OrderStatusFilled
	e.persist(ctx, []model.OrderRecord{order}, &pos, closed)

	log.Info().
		Str("context", string(e.Context())).
		Str("symbol", pos.Symbol).
		Str("side", string(intent.Side)).
		Str("size", intent.Size.String()).
		Str("price", fill.String()).
		Msg("paper fill")

	return &ExecutionResult{
		Context:   e.Context(),
		Position:  pos,
		FillPrice: fill,
		FillSize:  intent.Size,
		Closed:    closed,
		Legs:      []model.LegStatus{{Leg: "entry", OrderID: order.ID, Status: model.OrderStatusFilled}},
	}, nil
}
