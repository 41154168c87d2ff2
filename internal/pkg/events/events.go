package events

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// 支付生命周期事件类型
const (
	TypePaymentSucceeded = "payment.succeeded"
	TypePaymentFailed    = "payment.failed"
	TypePaymentExpired   = "payment.expired"
	TypeOrderRefunded    = "order.refunded"
)

// PaymentEvent 支付状态提交后对外发布的领域事件
type PaymentEvent struct {
	Type          string          `json:"type"`
	OrderID       string          `json:"orderId"`
	OrderNo       string          `json:"orderNo"`
	UserID        string          `json:"userId"`
	IntentID      string          `json:"paymentIntentId,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	PaymentStatus string          `json:"paymentStatus"`
	OccurredAt    time.Time       `json:"occurredAt"`
}

type Publisher interface {
	Publish(ctx context.Context, evt PaymentEvent) error
}

// NopPublisher 未配置队列时使用
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, PaymentEvent) error { return nil }
