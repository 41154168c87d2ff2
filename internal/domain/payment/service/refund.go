package service

import (
	"context"
	"errors"
	orderModel "order_payment/internal/domain/order/model"
	"order_payment/internal/domain/payment/model"
	"order_payment/internal/domain/payment/repository"
	"order_payment/internal/domain/payment/strategy"
	"order_payment/internal/pkg/events"
	"order_payment/pkg/money"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RefundRequest Amount 为空表示退剩余全部金额
type RefundRequest struct {
	OrderID        string
	Amount         *decimal.Decimal
	Reason         string
	IdempotencyKey string
}

type RefundResult struct {
	RefundID string           `json:"refundId"`
	Amount   decimal.Decimal  `json:"amount"`
	Status   string           `json:"status"`
	Order    *PaymentSnapshot `json:"order"`
}

func (s *paymentService) Refund(ctx context.Context, actor Actor, req RefundRequest) (*RefundResult, error) {
	order, err := s.loadOwned(ctx, actor, req.OrderID)
	if err != nil {
		return nil, err
	}
	if err := checkRefundable(order, req.Amount); err != nil {
		return nil, err
	}

	st, err := s.strategyFor(order.Channel)
	if err != nil {
		return nil, err
	}
	key := RefundIdempotencyKey(order.ID, req.IdempotencyKey, s.now())
	log := orderLogger(order)

	var (
		refund  *strategy.Refund
		updated *orderModel.Order
		amount  decimal.Decimal
	)
	// 持有订单行锁调用渠道，同一订单的退款串行执行；任何一步失败整体回滚
	err = s.store.Transaction(ctx, func(tx repository.Store) error {
		locked, err := tx.Orders().LockByID(ctx, order.ID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrOrderNotFound
			}
			return err
		}
		if err := checkRefundable(locked, req.Amount); err != nil {
			return err
		}

		amount = locked.RemainingRefundable()
		if req.Amount != nil {
			amount = money.Normalize(*req.Amount, locked.Currency)
		}

		err = s.processorCall(st.Channel(), "create_refund", func() (err error) {
			refund, err = st.CreateRefund(ctx, strategy.RefundInput{
				IntentID:       locked.PaymentIntentID,
				OrderID:        locked.ID,
				Amount:         amount,
				Total:          locked.Total,
				Currency:       locked.Currency,
				Reason:         req.Reason,
				IdempotencyKey: key,
			})
			return err
		})
		if err != nil {
			return err
		}

		now := s.now()
		full := locked.RefundedAmount.Add(amount).GreaterThanOrEqual(locked.Total)
		if err := s.restoreStock(ctx, tx, locked, amount, full); err != nil {
			return err
		}

		locked.RefundedAmount = locked.RefundedAmount.Add(amount)
		locked.RefundedAt = &now
		locked.RefundReason = req.Reason
		if full {
			locked.PaymentStatus = orderModel.PaymentStatusRefunded
			locked.OrderStatus = orderModel.OrderStatusCancelled
		} else {
			locked.PaymentStatus = orderModel.PaymentStatusPartiallyRefunded
		}
		if err := tx.Orders().Save(ctx, locked); err != nil {
			return err
		}

		if err := tx.Transactions().Upsert(ctx, &model.Transaction{
			OrderID:         locked.ID,
			TransactionType: model.TransactionTypeRefund,
			ExternalID:      refund.ID,
			Amount:          amount,
			Currency:        locked.Currency,
			Status:          model.TransactionStatusSucceeded,
			Metadata: model.Metadata{
				model.MetaIntentID:       locked.PaymentIntentID,
				model.MetaChannel:        st.Channel(),
				model.MetaIdempotencyKey: key,
			}.With(model.MetaReason, req.Reason),
			ProcessedAt: &now,
		}); err != nil {
			return err
		}

		updated = locked
		return nil
	})
	if err != nil {
		log.Error("Refund failed", zap.Error(err))
		return nil, err
	}

	log.Info("Order refunded",
		zap.String("refund_id", refund.ID),
		zap.String("amount", amount.String()),
		zap.String("payment_status", updated.PaymentStatus))
	s.metrics.RecordTransition(updated.PaymentStatus)
	s.metrics.RecordRefund(updated.Currency, money.ToMinor(amount, updated.Currency))
	s.publish(events.TypeOrderRefunded, updated, amount)

	status := refund.Status
	if status == "" {
		status = model.TransactionStatusSucceeded
	}
	return &RefundResult{
		RefundID: refund.ID,
		Amount:   amount,
		Status:   status,
		Order:    snapshotOf(updated),
	}, nil
}

// checkRefundable 金额按币种精度舍入后再校验，舍入为 0 的金额视为非法
func checkRefundable(order *orderModel.Order, amount *decimal.Decimal) error {
	if amount != nil && !money.Normalize(*amount, order.Currency).IsPositive() {
		return validationError("refund amount must be positive at %s precision", order.Currency)
	}
	if !order.IsRefundable() {
		return ErrNotRefundable
	}
	if order.PaymentIntentID == "" {
		return ErrNoIntent
	}
	if amount != nil && money.Normalize(*amount, order.Currency).GreaterThan(order.RemainingRefundable()) {
		return ErrExceedsRefundable
	}
	return nil
}

// restoreStock 回补库存：全额退款回补剩余全部数量，部分退款按 ceil(amount/total*quantity)
// 每个明细的累计回补数量不超过下单数量
func (s *paymentService) restoreStock(ctx context.Context, tx repository.Store, order *orderModel.Order,
	amount decimal.Decimal, full bool) error {
	products, err := tx.Products().LockByIDs(ctx, productIDs(order.Items))
	if err != nil {
		return err
	}

	ratio := amount.Div(order.Total)
	for i := range order.Items {
		item := &order.Items[i]

		qty := item.Restorable()
		if !full {
			want := int(ratio.Mul(decimal.NewFromInt(int64(item.Quantity))).Ceil().IntPart())
			if want < qty {
				qty = want
			}
		}
		if qty <= 0 {
			continue
		}

		if product, ok := products[item.ProductID]; ok {
			product.StockQuantity += qty
			if err := tx.Products().SetStock(ctx, product.ID, product.StockQuantity); err != nil {
				return err
			}
		}

		item.RestoredQuantity += qty
		if err := tx.Orders().UpdateItemRestored(ctx, item.ID, item.RestoredQuantity); err != nil {
			return err
		}
	}
	return nil
}
