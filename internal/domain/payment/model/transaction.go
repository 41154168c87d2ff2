package model

import (
	baseModel "order_payment/pkg/model"
	"time"

	"github.com/shopspring/decimal"
)

// 流水类型
const (
	TransactionTypeCharge    = "charge"
	TransactionTypeRefund    = "refund"
	TransactionTypeFailed    = "failed"
	TransactionTypeCancelled = "cancelled"
)

// 流水状态
const (
	TransactionStatusPending   = "pending"
	TransactionStatusSucceeded = "succeeded"
	TransactionStatusFailed    = "failed"
	TransactionStatusCancelled = "cancelled"
)

// MetadataKey 流水元数据的键，已知键见下方常量，允许扩展
type MetadataKey string

const (
	MetaIntentID       MetadataKey = "payment_intent_id"
	MetaRefundID       MetadataKey = "refund_id"
	MetaChannel        MetadataKey = "channel"
	MetaCurrency       MetadataKey = "currency"
	MetaIdempotencyKey MetadataKey = "idempotency_key"
	MetaFailureCode    MetadataKey = "failure_code"
	MetaEventID        MetadataKey = "event_id"
	MetaReason         MetadataKey = "reason"
	MetaSource         MetadataKey = "source"
	MetaCancelError    MetadataKey = "cancel_error"
)

// Metadata 流水元数据，以 JSON 存储
type Metadata map[MetadataKey]string

// With 返回带新键值的副本，空值不写入
func (m Metadata) With(key MetadataKey, value string) Metadata {
	out := make(Metadata, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	if value != "" {
		out[key] = value
	}
	return out
}

// Transaction 支付流水
// (external_id, transaction_type) 唯一，状态变化通过 upsert 完成而不是追加新行
type Transaction struct {
	baseModel.BaseModel
	OrderID         string          `gorm:"type:uuid;index;not null" json:"orderId"`
	TransactionType string          `gorm:"type:varchar(16);not null;uniqueIndex:idx_tx_external_type,priority:2" json:"transactionType"`
	ExternalID      string          `gorm:"type:varchar(128);not null;uniqueIndex:idx_tx_external_type,priority:1" json:"externalId"`
	Amount          decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"amount"`
	Currency        string          `gorm:"type:varchar(3);not null" json:"currency"`
	Status          string          `gorm:"type:varchar(16);not null" json:"status"`
	PaymentMethod   string          `gorm:"type:varchar(64)" json:"paymentMethod,omitempty"`
	FailureReason   string          `gorm:"type:text" json:"failureReason,omitempty"`
	Metadata        Metadata        `gorm:"type:jsonb;serializer:json" json:"metadata,omitempty"`
	ProcessedAt     *time.Time      `json:"processedAt,omitempty"`
}

func (Transaction) TableName() string {
	return "payment_transactions"
}
