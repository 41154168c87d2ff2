package strategy

import (
	"context"
	"errors"
	"net/http"

	"github.com/shopspring/decimal"
)

// ErrInvalidSignature 回调验签失败或未配置密钥，调用方必须返回 4xx 且不得处理内容
var ErrInvalidSignature = errors.New("invalid webhook signature")

// ErrIntentNotFound 渠道确认该意图不存在，重试也不会改变结果
var ErrIntentNotFound = errors.New("payment intent not found")

// MetaOrderID 支付意图上携带订单 id 的元数据键
const MetaOrderID = "order_id"

// 归一化后的回调事件类型，支付宝/微信的通知也映射到这三类
const (
	EventIntentSucceeded = "payment_intent.succeeded"
	EventIntentFailed    = "payment_intent.payment_failed"
	EventChargeRefunded  = "charge.refunded"
)

// IntentStatus 支付意图状态
type IntentStatus string

const (
	IntentRequiresPaymentMethod IntentStatus = "requires_payment_method"
	IntentRequiresConfirmation  IntentStatus = "requires_confirmation"
	IntentRequiresAction        IntentStatus = "requires_action"
	IntentProcessing            IntentStatus = "processing"
	IntentSucceeded             IntentStatus = "succeeded"
	IntentCanceled              IntentStatus = "canceled"
	IntentFailed                IntentStatus = "failed"
)

// Actionable 客户端仍可继续完成支付，可以直接复用
func (s IntentStatus) Actionable() bool {
	switch s {
	case IntentRequiresPaymentMethod, IntentRequiresConfirmation, IntentRequiresAction:
		return true
	}
	return false
}

// Terminal 意图已取消或失败，不可能再被支付
func (s IntentStatus) Terminal() bool {
	return s == IntentCanceled || s == IntentFailed
}

type CreateIntentInput struct {
	OrderID        string
	OrderNo        string
	Amount         decimal.Decimal
	Currency       string
	Description    string
	IdempotencyKey string
	Metadata       map[string]string
}

// Intent 渠道无关的支付意图
type Intent struct {
	ID             string
	ClientSecret   string
	Status         IntentStatus
	Amount         decimal.Decimal
	Currency       string
	PaymentMethod  string
	FailureCode    string
	FailureMessage string
	Metadata       map[string]string
}

// OrderID 意图元数据中的订单 id
func (i *Intent) OrderID() string {
	if i == nil || i.Metadata == nil {
		return ""
	}
	return i.Metadata[MetaOrderID]
}

type RefundInput struct {
	IntentID       string
	OrderID        string
	Amount         decimal.Decimal
	Total          decimal.Decimal
	Currency       string
	Reason         string
	IdempotencyKey string
}

type Refund struct {
	ID       string
	IntentID string
	Amount   decimal.Decimal
	Currency string
	Status   string
}

// Event 验签通过后的归一化回调事件
type Event struct {
	ID      string
	Type    string
	Intent  *Intent
	Refunds []Refund
	// RefundedTotal 渠道侧累计退款金额，仅 charge.refunded 有值
	RefundedTotal decimal.Decimal
	Payload       []byte
}

// PaymentStrategy 支付渠道
type PaymentStrategy interface {
	Channel() string

	// CreateIntent 创建支付意图，相同幂等键必须返回同一个意图
	CreateIntent(ctx context.Context, in CreateIntentInput) (*Intent, error)
	RetrieveIntent(ctx context.Context, intentID string) (*Intent, error)
	CancelIntent(ctx context.Context, intentID string) error
	CreateRefund(ctx context.Context, in RefundInput) (*Refund, error)

	// ParseWebhook 验签并解析回调，验签失败返回 ErrInvalidSignature
	ParseWebhook(ctx context.Context, header http.Header, body []byte) (*Event, error)
}
