package service

import (
	"context"
	"fmt"
	"order_payment/internal/pkg/events"
	"order_payment/internal/pkg/push"
	"order_payment/internal/pkg/worker"
	"order_payment/pkg/logger"

	"go.uber.org/zap"
)

// asyncNotifier 在工作池中发布领域事件并推送用户通知，失败由工作池重试
type asyncNotifier struct {
	pool      *worker.WorkerPool
	publisher events.Publisher
	pusher    push.PushService
}

func NewAsyncNotifier(pool *worker.WorkerPool, publisher events.Publisher, pusher push.PushService) Notifier {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if pusher == nil {
		pusher = push.NopPushService{}
	}
	return &asyncNotifier{pool: pool, publisher: publisher, pusher: pusher}
}

func (n *asyncNotifier) Notify(evt events.PaymentEvent) {
	n.pool.AddTask(worker.Task{
		Name: "publish:" + evt.Type + ":" + evt.OrderID,
		Run: func(ctx context.Context) error {
			return n.publisher.Publish(ctx, evt)
		},
	})

	title, body := pushMessage(evt)
	if title == "" || evt.UserID == "" {
		return
	}
	n.pool.AddTask(worker.Task{
		Name: "push:" + evt.Type + ":" + evt.OrderID,
		Run: func(ctx context.Context) error {
			err := n.pusher.PushToAccount(evt.UserID, title, body, map[string]string{
				"order_id": evt.OrderID,
				"type":     evt.Type,
			})
			if err != nil {
				logger.Log.Warn("Push notification failed", zap.String("order_id", evt.OrderID), zap.Error(err))
			}
			return err
		},
	})
}

func pushMessage(evt events.PaymentEvent) (string, string) {
	switch evt.Type {
	case events.TypePaymentSucceeded:
		return "支付成功", fmt.Sprintf("您的订单 %s 已支付成功，我们将尽快发货。", evt.OrderNo)
	case events.TypeOrderRefunded:
		return "退款成功", fmt.Sprintf("您的订单 %s 已退款 %s %s。", evt.OrderNo, evt.Amount.StringFixed(2), evt.Currency)
	case events.TypePaymentExpired:
		return "订单已取消", fmt.Sprintf("您的订单 %s 超时未支付，已自动取消。", evt.OrderNo)
	}
	return "", ""
}
