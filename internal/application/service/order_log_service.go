package service

import (
	"context"

	"perpengine/internal/application/port"
	"perpengine/internal/domain/model"
)

// OrderLogService 交易日志
type OrderLogService struct {
	repo port.Repository
}

func NewOrderLogService(repo port.Repository) *OrderLogService {
	return &OrderLogService{repo: repo}
}

func (s *OrderLogService) Record(ctx context.Context, order model.OrderRecord) error {
	return s.repo.SaveOrder(ctx, order)
}
