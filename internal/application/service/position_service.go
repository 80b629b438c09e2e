package service

import (
	"context"
	"time"

	"perpengine/internal/application/port"
	"perpengine/internal/domain/model"
)

// PositionService 持仓快照与成交记录的持久化
type PositionService struct {
	repo port.Repository
}

func NewPositionService(repo port.Repository) *PositionService {
	return &PositionService{repo: repo}
}

// Snapshot 保存持仓快照
func (s *PositionService) Snapshot(ctx context.Context, pos model.Position, at time.Time) error {
	return s.repo.SavePosition(ctx, model.PositionSnapshot{Position: pos, CapturedAt: at})
}

// SnapshotAll 保存全部持仓快照，返回第一个错误
func (s *PositionService) SnapshotAll(ctx context.Context, positions []model.Position, at time.Time) error {
	var firstErr error
	for _, pos := range positions {
		if err := s.Snapshot(ctx, pos, at); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// MarkClosed 写入零数量快照，存储据此删除或标记该持仓
func (s *PositionService) MarkClosed(ctx context.Context, ec model.ExecutionContext, symbol string, at time.Time) error {
	pos := model.Position{Symbol: model.Coin(symbol), Context: ec}
	return s.repo.SavePosition(ctx, model.PositionSnapshot{Position: pos, CapturedAt: at})
}

// Open 读回未平仓持仓；存储不支持读回时返回空
func (s *PositionService) Open(ctx context.Context, ec model.ExecutionContext) ([]model.Position, error) {
	store, ok := s.repo.(port.PositionStore)
	if !ok {
		return nil, nil
	}
	snaps, err := store.LoadPositions(ctx, ec)
	if err != nil {
		return nil, err
	}
	out := make([]model.Position, 0, len(snaps))
	for _, snap := range snaps {
		if snap.Closed() {
			continue
		}
		out = append(out, snap.Position)
	}
	return out, nil
}

// RecordTrade 保存平仓记录
func (s *PositionService) RecordTrade(ctx context.Context, trade model.Trade) error {
	return s.repo.SaveTrade(ctx, trade)
}
