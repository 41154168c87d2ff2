package repository

import (
	"context"
	"order_payment/internal/domain/order/model"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type OrderRepository interface {
	Create(ctx context.Context, order *model.Order) error
	GetByID(ctx context.Context, id string) (*model.Order, error)
	GetByIntentID(ctx context.Context, intentID string) (*model.Order, error)
	// LockByID 行级写锁 (SELECT ... FOR UPDATE)，必须在事务内调用
	LockByID(ctx context.Context, id string) (*model.Order, error)
	Save(ctx context.Context, order *model.Order) error
	UpdateItemRestored(ctx context.Context, itemID string, restored int) error
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]model.Order, error)
}

type orderRepository struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) OrderRepository {
	return &orderRepository{db: db}
}

func (r *orderRepository) Create(ctx context.Context, order *model.Order) error {
	return r.db.WithContext(ctx).Create(order).Error
}

func (r *orderRepository) GetByID(ctx context.Context, id string) (*model.Order, error) {
	var order model.Order
	if err := r.db.WithContext(ctx).Preload("Items").First(&order, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *orderRepository) GetByIntentID(ctx context.Context, intentID string) (*model.Order, error) {
	var order model.Order
	if err := r.db.WithContext(ctx).Where("payment_intent_id = ?", intentID).First(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *orderRepository) LockByID(ctx context.Context, id string) (*model.Order, error) {
	var order model.Order
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&order).Error
	if err != nil {
		return nil, err
	}

	// 明细是下单快照，锁住订单行后再读即可
	if err := r.db.WithContext(ctx).Where("order_id = ?", id).Order("id").Find(&order.Items).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

// Save 只写订单本身的列，明细通过 UpdateItemRestored 单独更新
func (r *orderRepository) Save(ctx context.Context, order *model.Order) error {
	return r.db.WithContext(ctx).Omit(clause.Associations).Save(order).Error
}

func (r *orderRepository) UpdateItemRestored(ctx context.Context, itemID string, restored int) error {
	return r.db.WithContext(ctx).Model(&model.OrderItem{}).
		Where("id = ?", itemID).
		UpdateColumn("restored_quantity", restored).Error
}

// ListExpiredPending 支付窗口已过期但仍待支付的订单
func (r *orderRepository) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]model.Order, error) {
	var orders []model.Order
	query := r.db.WithContext(ctx).
		Where("payment_status = ? AND payment_expires_at < ?", model.PaymentStatusPending, now).
		Order("payment_expires_at")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}
