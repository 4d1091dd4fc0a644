package service

import (
	"context"

	"pointsystem/internal/model"
	"pointsystem/internal/repository"

	"gorm.io/gorm"
)

type OrderPage struct {
	Items []*model.Order `json:"items"`
	Total int64          `json:"total"`
	Page  int            `json:"page"`
	Size  int            `json:"size"`
}

// OrderService 用户的支付订单与订阅历史查询
type OrderService struct {
	orderRepo *repository.OrderRepository
	subRepo   *repository.SubscriptionHistoryRepository
}

func NewOrderService(db *gorm.DB) *OrderService {
	return &OrderService{
		orderRepo: repository.NewOrderRepository(db),
		subRepo:   repository.NewSubscriptionHistoryRepository(db),
	}
}

// GetOrder 只能查询自己的订单
func (s *OrderService) GetOrder(ctx context.Context, sid, orderNo string) (*model.Order, error) {
	if sid == "" || sid == model.AnonymousSID {
		return nil, ErrUnauthenticated
	}
	order, err := s.orderRepo.GetByOrderNo(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	if order.UserID != sid {
		return nil, repository.ErrOrderNotFound
	}
	return order, nil
}

func (s *OrderService) ListUserOrders(ctx context.Context, sid string, page, size int) (*OrderPage, error) {
	if sid == "" || sid == model.AnonymousSID {
		return nil, ErrUnauthenticated
	}
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	orders, total, err := s.orderRepo.ListByUserID(ctx, sid, page, size)
	if err != nil {
		return nil, err
	}
	if orders == nil {
		orders = []*model.Order{}
	}
	return &OrderPage{Items: orders, Total: total, Page: page, Size: size}, nil
}

func (s *OrderService) ListSubscriptionHistory(ctx context.Context, sid string) ([]*model.SubscriptionHistory, error) {
	if sid == "" || sid == model.AnonymousSID {
		return nil, ErrUnauthenticated
	}
	list, err := s.subRepo.ListByUserID(ctx, sid)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*model.SubscriptionHistory{}
	}
	return list, nil
}
