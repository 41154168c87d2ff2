package service

import (
	"context"
	"errors"
	orderModel "order_payment/internal/domain/order/model"
	"order_payment/internal/domain/payment/model"
	"order_payment/internal/domain/payment/repository"
	"order_payment/internal/domain/payment/strategy"
	"order_payment/internal/pkg/events"
	"order_payment/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ExpireStale 每个订单单独提交，单个失败不影响其余订单
func (s *paymentService) ExpireStale(ctx context.Context) (int, error) {
	orders, err := s.store.Orders().ListExpiredPending(ctx, s.now(), s.cfg.SweepBatchSize)
	if err != nil {
		return 0, err
	}

	cancelled := 0
	for i := range orders {
		if ctx.Err() != nil {
			break
		}
		expired, err := s.expireOne(ctx, &orders[i])
		if err != nil {
			orderLogger(&orders[i]).Error("Failed to expire order", zap.Error(err))
			continue
		}
		if expired {
			cancelled++
		}
	}

	if cancelled > 0 {
		logger.Log.Info("Expired stale orders", zap.Int("count", cancelled), zap.Int("candidates", len(orders)))
	}
	s.metrics.RecordExpired(cancelled)
	return cancelled, nil
}

func (s *paymentService) expireOne(ctx context.Context, order *orderModel.Order) (bool, error) {
	log := orderLogger(order)

	st, err := s.strategyFor(order.Channel)
	if err != nil {
		log.Warn("No strategy for order channel, expiring locally", zap.Error(err))
		st = nil
	}

	// 取消前先确认渠道侧没有已成功的支付；渠道确认意图不存在时直接过期，其他错误留到下一轮
	intentMissing := false
	if st != nil && order.PaymentIntentID != "" {
		live, err := s.RetrieveIntent(ctx, order.Channel, order.PaymentIntentID)
		switch {
		case errors.Is(err, strategy.ErrIntentNotFound):
			log.Warn("Intent missing at processor, expiring locally", zap.Error(err))
			intentMissing = true
		case err != nil:
			return false, err
		case live.Status == strategy.IntentSucceeded:
			log.Info("Intent already succeeded, applying payment instead of expiring")
			s.ensureOrderMeta(live, order.ID)
			return false, s.HandleSuccess(ctx, live)
		}
	}

	var expired *orderModel.Order
	err = s.store.Transaction(ctx, func(tx repository.Store) error {
		expired = nil
		locked, err := tx.Orders().LockByID(ctx, order.ID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		// 加锁后复查，期间可能已支付或刷新了支付窗口
		if !locked.IsPaymentExpired(s.now()) {
			return nil
		}

		locked.PaymentStatus = orderModel.PaymentStatusExpired
		locked.OrderStatus = orderModel.OrderStatusCancelled
		if err := tx.Orders().Save(ctx, locked); err != nil {
			return err
		}

		meta := model.Metadata{model.MetaSource: "sweeper"}
		if intentMissing {
			meta = meta.With(model.MetaReason, "intent_missing")
		}
		if st != nil && locked.PaymentIntentID != "" && !intentMissing {
			meta = meta.With(model.MetaChannel, st.Channel())
			cancelErr := s.processorCall(st.Channel(), "cancel_intent", func() error {
				return st.CancelIntent(ctx, locked.PaymentIntentID)
			})
			if cancelErr != nil {
				log.Warn("Failed to cancel intent at processor", zap.Error(cancelErr))
				meta = meta.With(model.MetaCancelError, cancelErr.Error())
			}
		}

		externalID := locked.PaymentIntentID
		if externalID == "" {
			externalID = "order:" + locked.ID
		}
		now := s.now()
		if err := tx.Transactions().Upsert(ctx, &model.Transaction{
			OrderID:         locked.ID,
			TransactionType: model.TransactionTypeCancelled,
			ExternalID:      externalID,
			Amount:          locked.Total,
			Currency:        locked.Currency,
			Status:          model.TransactionStatusCancelled,
			Metadata:        meta,
			ProcessedAt:     &now,
		}); err != nil {
			return err
		}

		expired = locked
		return nil
	})
	if err != nil {
		return false, err
	}
	if expired == nil {
		return false, nil
	}

	s.metrics.RecordTransition(orderModel.PaymentStatusExpired)
	s.publish(events.TypePaymentExpired, expired, expired.Total)
	return true, nil
}
