package repository

import (
	"context"
	"order_payment/internal/domain/payment/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type TransactionRepository interface {
	// Upsert 以 (external_id, transaction_type) 为键插入或更新流水
	Upsert(ctx context.Context, tx *model.Transaction) error
	GetByExternal(ctx context.Context, externalID, transactionType string) (*model.Transaction, error)
	ListByOrder(ctx context.Context, orderID string) ([]model.Transaction, error)
}

type transactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) TransactionRepository {
	return &transactionRepository{db: db}
}

func (r *transactionRepository) Upsert(ctx context.Context, tx *model.Transaction) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "external_id"}, {Name: "transaction_type"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"amount", "status", "payment_method", "failure_reason", "metadata", "processed_at", "updated_at",
		}),
	}).Create(tx).Error
}

func (r *transactionRepository) GetByExternal(ctx context.Context, externalID, transactionType string) (*model.Transaction, error) {
	var tx model.Transaction
	err := r.db.WithContext(ctx).
		Where("external_id = ? AND transaction_type = ?", externalID, transactionType).
		First(&tx).Error
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// ListByOrder 按创建时间倒序
func (r *transactionRepository) ListByOrder(ctx context.Context, orderID string) ([]model.Transaction, error) {
	var list []model.Transaction
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at DESC").
		Find(&list).Error
	return list, err
}
