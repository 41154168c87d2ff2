package service

import (
	"context"
	"errors"
	"fmt"
	orderModel "order_payment/internal/domain/order/model"
	"order_payment/internal/domain/payment/model"
	"order_payment/internal/domain/payment/repository"
	"order_payment/internal/domain/payment/strategy"
	"order_payment/internal/pkg/events"
	"order_payment/pkg/logger"
	"order_payment/pkg/money"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// IntentResult 客户端完成支付所需的信息
type IntentResult struct {
	ClientSecret    string     `json:"clientSecret"`
	PaymentIntentID string     `json:"paymentIntentId"`
	ExpiresAt       *time.Time `json:"expiresAt"`
	Reused          bool       `json:"reused"`
}

func (s *paymentService) CreateIntent(ctx context.Context, actor Actor, orderID string) (*IntentResult, error) {
	order, err := s.loadOwned(ctx, actor, orderID)
	if err != nil {
		return nil, err
	}
	if err := checkPayable(order); err != nil {
		return nil, err
	}

	st, err := s.strategyFor(order.Channel)
	if err != nil {
		return nil, err
	}
	log := orderLogger(order)

	// 1. 已有意图且仍可继续支付时直接复用；只有意图已终结才允许替换
	supersedes := ""
	if order.PaymentIntentID != "" {
		var existing *strategy.Intent
		err := s.processorCall(st.Channel(), "retrieve_intent", func() (err error) {
			existing, err = st.RetrieveIntent(ctx, order.PaymentIntentID)
			return err
		})
		switch {
		case errors.Is(err, strategy.ErrIntentNotFound):
			supersedes = order.PaymentIntentID
		case err != nil:
			log.Error("Failed to retrieve existing intent", zap.Error(err))
			return nil, err
		case existing.Status == strategy.IntentSucceeded:
			// 漏掉了成功回调，顺带补上
			s.ensureOrderMeta(existing, order.ID)
			if err := s.HandleSuccess(ctx, existing); err != nil {
				return nil, err
			}
			return nil, ErrAlreadyPaid
		case existing.Status.Actionable():
			return s.reuseIntent(ctx, order, existing)
		case existing.Status.Terminal():
			supersedes = order.PaymentIntentID
		default:
			log.Info("Existing intent still in flight", zap.String("intent_status", string(existing.Status)))
			return nil, ErrPaymentProcessing
		}
	}

	// 2. 幂等键由 (订单id, 创建时间) 决定，重试的请求不会创建第二个意图
	key := IntentIdempotencyKey(order.ID, order.CreatedAt, supersedes)
	var intent *strategy.Intent
	err = s.processorCall(st.Channel(), "create_intent", func() (err error) {
		intent, err = st.CreateIntent(ctx, strategy.CreateIntentInput{
			OrderID:        order.ID,
			OrderNo:        order.OrderNo,
			Amount:         money.Normalize(order.Total, order.Currency),
			Currency:       order.Currency,
			Description:    fmt.Sprintf("Order %s", order.OrderNo),
			IdempotencyKey: key,
			Metadata:       map[string]string{"user_id": order.UserID},
		})
		return err
	})
	if err != nil {
		log.Error("Failed to create payment intent", zap.Error(err))
		return nil, err
	}

	// 3. 记录意图与过期时间，写入 charge/pending 流水
	expiresAt := s.now().Add(s.cfg.IntentTTL)
	err = s.store.Transaction(ctx, func(tx repository.Store) error {
		locked, err := tx.Orders().LockByID(ctx, order.ID)
		if err != nil {
			return err
		}
		if err := checkPayable(locked); err != nil {
			return err
		}

		locked.PaymentIntentID = intent.ID
		locked.PaymentStatus = orderModel.PaymentStatusPending
		locked.PaymentExpiresAt = &expiresAt
		if err := tx.Orders().Save(ctx, locked); err != nil {
			return err
		}

		return tx.Transactions().Upsert(ctx, &model.Transaction{
			OrderID:         locked.ID,
			TransactionType: model.TransactionTypeCharge,
			ExternalID:      intent.ID,
			Amount:          locked.Total,
			Currency:        locked.Currency,
			Status:          model.TransactionStatusPending,
			Metadata: model.Metadata{
				model.MetaChannel:        st.Channel(),
				model.MetaIdempotencyKey: key,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	log.Info("Payment intent created", zap.String("payment_intent_id", intent.ID), zap.Time("expires_at", expiresAt))
	s.metrics.RecordTransition(orderModel.PaymentStatusPending)
	return &IntentResult{
		ClientSecret:    intent.ClientSecret,
		PaymentIntentID: intent.ID,
		ExpiresAt:       &expiresAt,
	}, nil
}

// reuseIntent 复用仍可支付的意图；失败状态的订单重新回到 pending 并刷新支付窗口
func (s *paymentService) reuseIntent(ctx context.Context, order *orderModel.Order, intent *strategy.Intent) (*IntentResult, error) {
	expiresAt := order.PaymentExpiresAt
	if order.PaymentStatus == orderModel.PaymentStatusFailed {
		next := s.now().Add(s.cfg.IntentTTL)
		err := s.store.Transaction(ctx, func(tx repository.Store) error {
			locked, err := tx.Orders().LockByID(ctx, order.ID)
			if err != nil {
				return err
			}
			if locked.PaymentStatus != orderModel.PaymentStatusFailed {
				expiresAt = locked.PaymentExpiresAt
				return checkPayable(locked)
			}
			locked.PaymentStatus = orderModel.PaymentStatusPending
			locked.PaymentExpiresAt = &next
			expiresAt = &next
			return tx.Orders().Save(ctx, locked)
		})
		if err != nil {
			return nil, err
		}
	}

	return &IntentResult{
		ClientSecret:    intent.ClientSecret,
		PaymentIntentID: intent.ID,
		ExpiresAt:       expiresAt,
		Reused:          true,
	}, nil
}

// checkPayable 只有 pending/failed 且未取消的订单可以发起支付
func checkPayable(order *orderModel.Order) error {
	switch order.PaymentStatus {
	case orderModel.PaymentStatusPaid, orderModel.PaymentStatusPartiallyRefunded, orderModel.PaymentStatusRefunded:
		return ErrAlreadyPaid
	case orderModel.PaymentStatusExpired:
		return ErrPaymentExpired
	}
	if order.OrderStatus == orderModel.OrderStatusCancelled {
		return ErrOrderCancelled
	}
	return nil
}

func (s *paymentService) ensureOrderMeta(intent *strategy.Intent, orderID string) {
	if intent.Metadata == nil {
		intent.Metadata = map[string]string{}
	}
	if intent.Metadata[strategy.MetaOrderID] == "" {
		intent.Metadata[strategy.MetaOrderID] = orderID
	}
}

func leaseKey(intentID string) string {
	return "payment:intent:" + intentID
}

// HandleSuccess 支付成功：扣减库存、订单置为已支付、写入成功流水
// 租约只用于快速合并并发的重复投递，真正的互斥由订单行锁保证
func (s *paymentService) HandleSuccess(ctx context.Context, intent *strategy.Intent) error {
	orderID := intent.OrderID()
	log := logger.Log.With(zap.String("payment_intent_id", intent.ID), zap.String("order_id", orderID))
	if orderID == "" {
		log.Warn("Payment intent has no order_id metadata, ignored")
		return nil
	}

	lease, acquired, err := s.locker.TryAcquire(ctx, leaseKey(intent.ID), s.cfg.LockTTL)
	switch {
	case err != nil:
		log.Warn("Lease store unavailable, relying on row lock", zap.Error(err))
	case !acquired:
		s.metrics.RecordLeaseContention()
		log.Info("Payment intent is being processed elsewhere")
		return nil
	default:
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				log.Warn("Failed to release lease", zap.Error(err))
			}
		}()
	}

	var paid *orderModel.Order
	err = s.store.Transaction(ctx, func(tx repository.Store) error {
		paid = nil
		order, err := tx.Orders().LockByID(ctx, orderID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrOrderNotFound
			}
			return err
		}

		// 幂等：已支付 (或已进入退款流程) 直接返回
		if order.IsPaid() || order.PaymentStatus == orderModel.PaymentStatusRefunded {
			log.Info("Order already paid, skip")
			return nil
		}
		if order.PaymentStatus == orderModel.PaymentStatusExpired {
			log.Warn("Payment succeeded after the order expired", zap.String("order_status", order.OrderStatus))
		}
		if order.PaymentIntentID != "" && order.PaymentIntentID != intent.ID {
			log.Warn("Payment succeeded on a superseded intent", zap.String("current_intent_id", order.PaymentIntentID))
		}

		if err := s.decrementStock(ctx, tx, order); err != nil {
			return err
		}

		now := s.now()
		order.PaymentStatus = orderModel.PaymentStatusPaid
		order.OrderStatus = orderModel.OrderStatusProcessing
		order.PaymentMethod = intent.PaymentMethod
		order.PaidAt = &now
		order.PaymentIntentID = intent.ID
		if err := tx.Orders().Save(ctx, order); err != nil {
			return err
		}

		if err := tx.Transactions().Upsert(ctx, &model.Transaction{
			OrderID:         order.ID,
			TransactionType: model.TransactionTypeCharge,
			ExternalID:      intent.ID,
			Amount:          order.Total,
			Currency:        order.Currency,
			Status:          model.TransactionStatusSucceeded,
			PaymentMethod:   intent.PaymentMethod,
			Metadata:        model.Metadata{model.MetaChannel: order.Channel},
			ProcessedAt:     &now,
		}); err != nil {
			return err
		}

		paid = order
		return nil
	})
	if err != nil {
		log.Error("Failed to apply payment success", zap.Error(err))
		return err
	}

	if paid != nil {
		log.Info("Order paid", zap.String("payment_method", paid.PaymentMethod))
		s.metrics.RecordTransition(orderModel.PaymentStatusPaid)
		s.publish(events.TypePaymentSucceeded, paid, paid.Total)
	}
	return nil
}

// decrementStock 按订单明细扣减库存；库存不足只告警并扣到 0，不阻塞已成功的支付
func (s *paymentService) decrementStock(ctx context.Context, tx repository.Store, order *orderModel.Order) error {
	products, err := tx.Products().LockByIDs(ctx, productIDs(order.Items))
	if err != nil {
		return err
	}

	for _, item := range order.Items {
		product, ok := products[item.ProductID]
		if !ok {
			orderLogger(order).Warn("Product of order item not found", zap.String("product_id", item.ProductID))
			continue
		}

		next := product.StockQuantity - item.Quantity
		if next < 0 {
			orderLogger(order).Warn("Stock shortfall on paid order",
				zap.Error(&InsufficientStockError{
					ProductID: product.ID,
					Available: product.StockQuantity,
					Requested: item.Quantity,
				}))
			next = 0
		}
		if err := tx.Products().SetStock(ctx, product.ID, next); err != nil {
			return err
		}
		product.StockQuantity = next
	}
	return nil
}

func productIDs(items []orderModel.OrderItem) []string {
	seen := make(map[string]struct{}, len(items))
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item.ProductID]; ok {
			continue
		}
		seen[item.ProductID] = struct{}{}
		ids = append(ids, item.ProductID)
	}
	return ids
}

// HandleFailure 支付失败：只处理 pending/failed 订单，不涉及库存
func (s *paymentService) HandleFailure(ctx context.Context, intent *strategy.Intent) error {
	orderID := intent.OrderID()
	log := logger.Log.With(zap.String("payment_intent_id", intent.ID), zap.String("order_id", orderID))
	if orderID == "" {
		log.Warn("Payment intent has no order_id metadata, ignored")
		return nil
	}

	var failed *orderModel.Order
	err := s.store.Transaction(ctx, func(tx repository.Store) error {
		failed = nil
		order, err := tx.Orders().LockByID(ctx, orderID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				log.Warn("Order of failed payment not found")
				return nil
			}
			return err
		}

		if order.PaymentStatus != orderModel.PaymentStatusPending && order.PaymentStatus != orderModel.PaymentStatusFailed {
			log.Info("Ignore payment failure", zap.String("payment_status", order.PaymentStatus))
			return nil
		}

		order.PaymentStatus = orderModel.PaymentStatusFailed
		if err := tx.Orders().Save(ctx, order); err != nil {
			return err
		}

		now := s.now()
		if err := tx.Transactions().Upsert(ctx, &model.Transaction{
			OrderID:         order.ID,
			TransactionType: model.TransactionTypeFailed,
			ExternalID:      intent.ID,
			Amount:          order.Total,
			Currency:        order.Currency,
			Status:          model.TransactionStatusFailed,
			PaymentMethod:   intent.PaymentMethod,
			FailureReason:   intent.FailureMessage,
			Metadata: model.Metadata{model.MetaChannel: order.Channel}.
				With(model.MetaFailureCode, intent.FailureCode),
			ProcessedAt: &now,
		}); err != nil {
			return err
		}

		failed = order
		return nil
	})
	if err != nil {
		log.Error("Failed to apply payment failure", zap.Error(err))
		return err
	}

	if failed != nil {
		log.Info("Payment failed", zap.String("failure_code", intent.FailureCode))
		s.metrics.RecordTransition(orderModel.PaymentStatusFailed)
		s.publish(events.TypePaymentFailed, failed, failed.Total)
	}
	return nil
}

// RetrieveIntent 透传渠道查询
func (s *paymentService) RetrieveIntent(ctx context.Context, channel, intentID string) (*strategy.Intent, error) {
	st, err := s.strategyFor(channel)
	if err != nil {
		return nil, err
	}
	var intent *strategy.Intent
	err = s.processorCall(st.Channel(), "retrieve_intent", func() (err error) {
		intent, err = st.RetrieveIntent(ctx, intentID)
		return err
	})
	return intent, err
}
