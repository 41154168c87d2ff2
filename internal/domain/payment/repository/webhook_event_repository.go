package repository

import (
	"context"
	"order_payment/internal/domain/payment/model"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type WebhookEventRepository interface {
	// Record 记录事件，已存在时返回已有记录
	Record(ctx context.Context, event *model.WebhookEvent) (*model.WebhookEvent, error)
	MarkProcessed(ctx context.Context, eventID string, at time.Time) error
	MarkFailed(ctx context.Context, eventID string, reason string) error
}

type webhookEventRepository struct {
	db *gorm.DB
}

func NewWebhookEventRepository(db *gorm.DB) WebhookEventRepository {
	return &webhookEventRepository{db: db}
}

func (r *webhookEventRepository) Record(ctx context.Context, event *model.WebhookEvent) (*model.WebhookEvent, error) {
	db := r.db.WithContext(ctx)
	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoNothing: true,
	}).Create(event)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected > 0 {
		return event, nil
	}

	var existing model.WebhookEvent
	if err := db.Where("event_id = ?", event.EventID).First(&existing).Error; err != nil {
		return nil, err
	}
	return &existing, nil
}

func (r *webhookEventRepository) MarkProcessed(ctx context.Context, eventID string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&model.WebhookEvent{}).
		Where("event_id = ?", eventID).
		Updates(map[string]interface{}{
			"processed_at":  at,
			"process_error": "",
		}).Error
}

func (r *webhookEventRepository) MarkFailed(ctx context.Context, eventID string, reason string) error {
	return r.db.WithContext(ctx).Model(&model.WebhookEvent{}).
		Where("event_id = ?", eventID).
		Update("process_error", reason).Error
}
