package model

import (
	baseModel "order_payment/pkg/model"
	"time"

	"github.com/shopspring/decimal"
)

// 订单履约状态
const (
	OrderStatusPending    = "pending"
	OrderStatusProcessing = "processing"
	OrderStatusShipped    = "shipped"
	OrderStatusDelivered  = "delivered"
	OrderStatusCancelled  = "cancelled"
)

// 订单支付状态
// pending -> paid / failed / expired
// paid -> refunded / partially_refunded (仅退款流程)
// failed 只能通过重新创建支付意图回到 pending，expired 为终态
const (
	PaymentStatusPending           = "pending"
	PaymentStatusPaid              = "paid"
	PaymentStatusFailed            = "failed"
	PaymentStatusExpired           = "expired"
	PaymentStatusRefunded          = "refunded"
	PaymentStatusPartiallyRefunded = "partially_refunded"
)

// 支付渠道
const (
	ChannelStripe = "stripe"
	ChannelAlipay = "alipay"
	ChannelWechat = "wechat"
)

// Order 订单模型
// 金额在下单时计算，之后只读；支付相关字段只由支付模块修改
type Order struct {
	baseModel.BaseModel
	OrderNo  string          `gorm:"unique;not null" json:"orderNo"`
	UserID   string          `gorm:"type:uuid;index;not null" json:"userId"`
	Subtotal decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"subtotal"`
	Tax      decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"tax"`
	Shipping decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"shipping"`
	Total    decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"total"`
	Currency string          `gorm:"type:varchar(3);not null" json:"currency"`
	Channel  string          `gorm:"type:varchar(16);not null;default:'stripe'" json:"channel"`

	OrderStatus      string     `gorm:"type:varchar(32);not null;default:'pending'" json:"orderStatus"`
	PaymentStatus    string     `gorm:"type:varchar(32);not null;default:'pending';index" json:"paymentStatus"`
	PaymentIntentID  string     `gorm:"type:varchar(128);index" json:"paymentIntentId,omitempty"`
	PaymentMethod    string     `gorm:"type:varchar(64)" json:"paymentMethod,omitempty"`
	PaidAt           *time.Time `json:"paidAt,omitempty"`
	PaymentExpiresAt *time.Time `gorm:"index" json:"paymentExpiresAt,omitempty"`

	RefundedAmount decimal.Decimal `gorm:"type:numeric(12,2);not null;default:0" json:"refundedAmount"`
	RefundedAt     *time.Time      `json:"refundedAt,omitempty"`
	RefundReason   string          `gorm:"type:varchar(255)" json:"refundReason,omitempty"`

	Items []OrderItem `gorm:"foreignKey:OrderID" json:"items,omitempty"`
}

// IsPaid 已支付 (含部分退款)
func (o *Order) IsPaid() bool {
	return o.PaymentStatus == PaymentStatusPaid || o.PaymentStatus == PaymentStatusPartiallyRefunded
}

// RemainingRefundable 剩余可退金额 = total - refundedAmount
func (o *Order) RemainingRefundable() decimal.Decimal {
	remaining := o.Total.Sub(o.RefundedAmount)
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// IsRefundable 已支付、仍有可退金额且订单未取消
func (o *Order) IsRefundable() bool {
	return o.IsPaid() &&
		o.RefundedAmount.LessThan(o.Total) &&
		o.OrderStatus != OrderStatusCancelled
}

// IsPaymentExpired 支付窗口已过且仍未支付
func (o *Order) IsPaymentExpired(now time.Time) bool {
	return o.PaymentStatus == PaymentStatusPending &&
		o.PaymentExpiresAt != nil &&
		o.PaymentExpiresAt.Before(now)
}

// OrderItem 下单时的商品快照
// RestoredQuantity 记录退款已回补的库存，回补总量不超过 Quantity
type OrderItem struct {
	baseModel.BaseModel
	OrderID          string          `gorm:"type:uuid;index;not null" json:"orderId"`
	ProductID        string          `gorm:"type:uuid;not null" json:"productId"`
	ProductName      string          `gorm:"type:varchar(255);not null" json:"productName"`
	SKU              string          `gorm:"type:varchar(64)" json:"sku"`
	Price            decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"price"`
	Quantity         int             `gorm:"not null" json:"quantity"`
	RestoredQuantity int             `gorm:"not null;default:0" json:"restoredQuantity"`
}

// Restorable 尚未回补的数量
func (i *OrderItem) Restorable() int {
	if n := i.Quantity - i.RestoredQuantity; n > 0 {
		return n
	}
	return 0
}
