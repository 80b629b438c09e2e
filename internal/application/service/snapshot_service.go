package service

import (
	"context"

	"perpengine/internal/application/port"
	"perpengine/internal/domain/model"
)

// SnapshotService 余额历史（权益曲线）
type SnapshotService struct {
	repo port.Repository
}

func NewSnapshotService(repo port.Repository) *SnapshotService {
	return &SnapshotService{repo: repo}
}

func (s *SnapshotService) SaveEquity(ctx context.Context, ec model.ExecutionContext, point model.EquityPoint) error {
	return s.repo.SaveEquityPoint(ctx, ec, point)
}

// SaveCurve 批量保存回测权益曲线
func (s *SnapshotService) SaveCurve(ctx context.Context, ec model.ExecutionContext, curve []model.EquityPoint) error {
	for _, p := range curve {
		if err := s.repo.SaveEquityPoint(ctx, ec, p); err != nil {
			return err
		}
	}
	return nil
}
