package model

import (
	"time"

	"gorm.io/datatypes"
)

// WebhookEvent 已验签的回调事件记录
// 同一 event_id 只处理一次，处理失败写入 ProcessError 供人工跟进
type WebhookEvent struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	Channel      string         `gorm:"type:varchar(16);not null" json:"channel"`
	EventID      string         `gorm:"type:varchar(128);uniqueIndex;not null" json:"eventId"`
	EventType    string         `gorm:"type:varchar(64);not null" json:"eventType"`
	Payload      datatypes.JSON `gorm:"type:jsonb" json:"payload"`
	ReceivedAt   time.Time      `gorm:"not null" json:"receivedAt"`
	ProcessedAt  *time.Time     `json:"processedAt,omitempty"`
	ProcessError string         `gorm:"type:text" json:"processError,omitempty"`
}

func (WebhookEvent) TableName() string {
	return "webhook_events"
}

// Processed 是否已成功处理
func (e *WebhookEvent) Processed() bool {
	return e.ProcessedAt != nil && e.ProcessError == ""
}
