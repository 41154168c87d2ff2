package service

import (
	"context"
	orderModel "order_payment/internal/domain/order/model"
	"order_payment/internal/domain/payment/strategy"

	"go.uber.org/zap"
)

// ConfirmResult 主动对账结果
type ConfirmResult struct {
	IntentStatus strategy.IntentStatus `json:"intentStatus"`
	Payment      *PaymentSnapshot      `json:"payment"`
}

// Confirm 漏掉回调时由客户端主动触发，渠道侧已成功则走与回调相同的 HandleSuccess
func (s *paymentService) Confirm(ctx context.Context, actor Actor, orderID string) (*ConfirmResult, error) {
	order, err := s.loadOwned(ctx, actor, orderID)
	if err != nil {
		return nil, err
	}
	if order.PaymentIntentID == "" {
		return nil, ErrNoIntent
	}
	if order.IsPaid() || order.PaymentStatus == orderModel.PaymentStatusRefunded {
		return &ConfirmResult{IntentStatus: strategy.IntentSucceeded, Payment: snapshotOf(order)}, nil
	}

	intent, err := s.RetrieveIntent(ctx, order.Channel, order.PaymentIntentID)
	if err != nil {
		return nil, err
	}

	if intent.Status != strategy.IntentSucceeded {
		return &ConfirmResult{IntentStatus: intent.Status, Payment: snapshotOf(order)}, nil
	}

	s.ensureOrderMeta(intent, order.ID)
	if err := s.HandleSuccess(ctx, intent); err != nil {
		return nil, err
	}
	orderLogger(order).Info("Payment confirmed by polling")

	// 并发的回调可能仍持有租约，此时读到的可能还是 pending
	updated, err := s.store.Orders().GetByID(ctx, order.ID)
	if err != nil {
		orderLogger(order).Warn("Failed to reload order after confirm", zap.Error(err))
		updated = order
	}
	return &ConfirmResult{IntentStatus: intent.Status, Payment: snapshotOf(updated)}, nil
}
