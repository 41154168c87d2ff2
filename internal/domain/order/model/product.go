package model

import (
	baseModel "order_payment/pkg/model"

	"github.com/shopspring/decimal"
)

// Product 商品库存记录，支付成功扣减、退款回补
type Product struct {
	baseModel.BaseModel
	Name          string          `gorm:"type:varchar(255);not null" json:"name"`
	SKU           string          `gorm:"type:varchar(64);unique" json:"sku"`
	Price         decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"price"`
	StockQuantity int             `gorm:"not null;default:0" json:"stockQuantity"`
}
