package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"order_payment/internal/domain/payment/model"
	"order_payment/internal/domain/payment/repository"
	"order_payment/internal/domain/payment/strategy"
	"order_payment/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// 回调处理结果，用于指标
const (
	webhookResultOK        = "ok"
	webhookResultIgnored   = "ignored"
	webhookResultDuplicate = "duplicate"
	webhookResultError     = "error"
	webhookResultRejected  = "invalid_signature"
)

// Verify 验签失败返回 ErrInvalidSignature，调用方应返回 400 且不得处理内容
func (s *paymentService) Verify(ctx context.Context, channel string, header http.Header, body []byte) (*strategy.Event, error) {
	st, err := s.strategyFor(channel)
	if err != nil {
		return nil, err
	}

	evt, err := st.ParseWebhook(ctx, header, body)
	if err != nil {
		s.metrics.RecordWebhookEvent(st.Channel(), "unknown", webhookResultRejected)
		logger.Log.Warn("Webhook rejected", zap.String("channel", st.Channel()), zap.Error(err))
		if errors.Is(err, strategy.ErrInvalidSignature) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return evt, nil
}

// Dispatch 处理已验签事件；处理失败只记录，不向渠道返回失败，避免无限重试
func (s *paymentService) Dispatch(ctx context.Context, channel string, evt *strategy.Event) {
	log := logger.Log.With(
		zap.String("channel", channel),
		zap.String("event_id", evt.ID),
		zap.String("event_type", evt.Type),
	)

	eventRepo := s.store.WebhookEvents()
	recorded := false
	if evt.ID != "" {
		rec, err := eventRepo.Record(ctx, &model.WebhookEvent{
			Channel:    channel,
			EventID:    evt.ID,
			EventType:  evt.Type,
			Payload:    webhookPayload(evt.Payload),
			ReceivedAt: s.now(),
		})
		switch {
		case err != nil:
			log.Error("Failed to record webhook event", zap.Error(err))
		case rec.Processed():
			log.Info("Webhook event already processed")
			s.metrics.RecordWebhookEvent(channel, evt.Type, webhookResultDuplicate)
			return
		default:
			recorded = true
		}
	}

	handled, err := s.route(ctx, evt)
	result := webhookResultOK
	switch {
	case err != nil:
		result = webhookResultError
		log.Error("Webhook handling failed", zap.Error(err))
		if recorded {
			if markErr := eventRepo.MarkFailed(ctx, evt.ID, err.Error()); markErr != nil {
				log.Error("Failed to record webhook failure", zap.Error(markErr))
			}
		}
	case !handled:
		result = webhookResultIgnored
		log.Info("Unhandled webhook event type")
		fallthrough
	default:
		if recorded {
			if markErr := eventRepo.MarkProcessed(ctx, evt.ID, s.now()); markErr != nil {
				log.Error("Failed to mark webhook processed", zap.Error(markErr))
			}
		}
	}
	s.metrics.RecordWebhookEvent(channel, evt.Type, result)
}

// route 按事件类型分发，panic 转为错误
func (s *paymentService) route(ctx context.Context, evt *strategy.Event) (handled bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			handled, err = true, fmt.Errorf("panic: %v", r)
		}
	}()

	switch evt.Type {
	case strategy.EventIntentSucceeded:
		if evt.Intent == nil {
			return true, errors.New("event has no payment intent")
		}
		return true, s.HandleSuccess(ctx, evt.Intent)
	case strategy.EventIntentFailed:
		if evt.Intent == nil {
			return true, errors.New("event has no payment intent")
		}
		return true, s.HandleFailure(ctx, evt.Intent)
	case strategy.EventChargeRefunded:
		return true, s.handleChargeRefunded(ctx, evt)
	}
	return false, nil
}

// handleChargeRefunded 补写渠道侧退款流水；与退款接口写入的流水同键，不会重复
func (s *paymentService) handleChargeRefunded(ctx context.Context, evt *strategy.Event) error {
	if evt.Intent == nil {
		return errors.New("event has no payment intent")
	}
	orderID := evt.Intent.OrderID()
	if orderID == "" && evt.Intent.ID != "" {
		order, err := s.store.Orders().GetByIntentID(ctx, evt.Intent.ID)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if order != nil {
			orderID = order.ID
		}
	}
	log := logger.Log.With(zap.String("payment_intent_id", evt.Intent.ID), zap.String("order_id", orderID))
	if orderID == "" {
		log.Warn("Refund event for unknown order, ignored")
		return nil
	}

	return s.store.Transaction(ctx, func(tx repository.Store) error {
		order, err := tx.Orders().LockByID(ctx, orderID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				log.Warn("Refund event for unknown order, ignored")
				return nil
			}
			return err
		}

		if evt.RefundedTotal.GreaterThan(order.RefundedAmount) {
			log.Warn("Processor refunded more than recorded on the order",
				zap.String("processor_refunded", evt.RefundedTotal.String()),
				zap.String("order_refunded", order.RefundedAmount.String()))
		}

		for _, re := range evt.Refunds {
			if re.ID == "" {
				continue
			}
			_, err := tx.Transactions().GetByExternal(ctx, re.ID, model.TransactionTypeRefund)
			if err == nil {
				continue
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}

			now := s.now()
			if err := tx.Transactions().Upsert(ctx, &model.Transaction{
				OrderID:         order.ID,
				TransactionType: model.TransactionTypeRefund,
				ExternalID:      re.ID,
				Amount:          re.Amount,
				Currency:        order.Currency,
				Status:          refundLedgerStatus(re.Status),
				Metadata: model.Metadata{
					model.MetaIntentID: evt.Intent.ID,
					model.MetaSource:   "webhook",
				}.With(model.MetaEventID, evt.ID),
				ProcessedAt: &now,
			}); err != nil {
				return err
			}
			log.Info("Recorded processor-side refund", zap.String("refund_id", re.ID))
		}
		return nil
	})
}

func refundLedgerStatus(status string) string {
	switch status {
	case "", "succeeded", "success":
		return model.TransactionStatusSucceeded
	case "failed", "abnormal", "closed":
		return model.TransactionStatusFailed
	case "canceled", "cancelled":
		return model.TransactionStatusCancelled
	}
	return model.TransactionStatusPending
}

func webhookPayload(body []byte) datatypes.JSON {
	if json.Valid(body) {
		return datatypes.JSON(body)
	}
	// 表单格式的通知 (支付宝) 以字符串形式保存
	quoted, _ := json.Marshal(string(body))
	return datatypes.JSON(quoted)
}
