package service

import (
	"context"

	"perpengine/internal/application/port"
	"perpengine/internal/domain/model"
)

// PriceService 将价格流的变化写入存储（最新价 + 历史）
type PriceService struct {
	repo port.Repository
}

func NewPriceService(repo port.Repository) *PriceService {
	return &PriceService{repo: repo}
}

// Record 可直接作为 PriceStream 订阅者
func (s *PriceService) Record(ctx context.Context, snap model.PriceSnapshot) error {
	return s.repo.SavePrice(ctx, snap)
}
