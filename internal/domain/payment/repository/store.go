package repository

import (
	"context"
	orderRepo "order_payment/internal/domain/order/repository"
	"order_payment/pkg/database"

	"gorm.io/gorm"
)

// txAttempts 死锁/序列化失败时整个事务的最大尝试次数
const txAttempts = 3

// Store 支付模块的数据访问入口 (unit of work)
// Transaction 内拿到的 Store 共享同一个数据库事务
type Store interface {
	Orders() orderRepo.OrderRepository
	Products() orderRepo.ProductRepository
	Transactions() TransactionRepository
	WebhookEvents() WebhookEventRepository

	Transaction(ctx context.Context, fn func(tx Store) error) error
}

type gormStore struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) Orders() orderRepo.OrderRepository {
	return orderRepo.NewOrderRepository(s.db)
}

func (s *gormStore) Products() orderRepo.ProductRepository {
	return orderRepo.NewProductRepository(s.db)
}

func (s *gormStore) Transactions() TransactionRepository {
	return NewTransactionRepository(s.db)
}

func (s *gormStore) WebhookEvents() WebhookEventRepository {
	return NewWebhookEventRepository(s.db)
}

func (s *gormStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	return database.WithRetry(ctx, txAttempts, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return fn(&gormStore{db: tx})
		})
	})
}
