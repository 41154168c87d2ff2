package service

import (
	"context"
	"errors"
	"net/http"
	orderModel "order_payment/internal/domain/order/model"
	"order_payment/internal/domain/payment/model"
	"order_payment/internal/domain/payment/repository"
	"order_payment/internal/domain/payment/strategy"
	"order_payment/internal/pkg/config"
	"order_payment/internal/pkg/events"
	"order_payment/pkg/lock"
	"order_payment/pkg/logger"
	"order_payment/pkg/metrics"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Actor 发起请求的调用方
type Actor struct {
	UserID string
	Admin  bool
}

type PaymentService interface {
	RegisterStrategy(s strategy.PaymentStrategy)

	// 支付意图
	CreateIntent(ctx context.Context, actor Actor, orderID string) (*IntentResult, error)
	HandleSuccess(ctx context.Context, intent *strategy.Intent) error
	HandleFailure(ctx context.Context, intent *strategy.Intent) error
	RetrieveIntent(ctx context.Context, channel, intentID string) (*strategy.Intent, error)

	// 查询与主动对账
	GetPaymentStatus(ctx context.Context, actor Actor, orderID string) (*PaymentSnapshot, error)
	Confirm(ctx context.Context, actor Actor, orderID string) (*ConfirmResult, error)
	ListTransactions(ctx context.Context, actor Actor, orderID string) ([]model.Transaction, error)

	Refund(ctx context.Context, actor Actor, req RefundRequest) (*RefundResult, error)

	// 回调
	Verify(ctx context.Context, channel string, header http.Header, body []byte) (*strategy.Event, error)
	Dispatch(ctx context.Context, channel string, evt *strategy.Event)

	// ExpireStale 取消支付窗口已过的订单，返回成功取消的数量
	ExpireStale(ctx context.Context) (int, error)
}

// Notifier 事务提交后的副作用 (推送、领域事件)，不影响支付状态
type Notifier interface {
	Notify(evt events.PaymentEvent)
}

type nopNotifier struct{}

func (nopNotifier) Notify(events.PaymentEvent) {}

type Option func(*paymentService)

// WithClock 替换时间源
func WithClock(now func() time.Time) Option {
	return func(s *paymentService) { s.now = now }
}

func WithNotifier(n Notifier) Option {
	return func(s *paymentService) { s.notifier = n }
}

type paymentService struct {
	store      repository.Store
	locker     lock.Locker
	cfg        config.PaymentConfig
	metrics    *metrics.MetricsCollector
	strategies map[string]strategy.PaymentStrategy
	notifier   Notifier
	now        func() time.Time
}

func NewPaymentService(store repository.Store, locker lock.Locker, cfg config.PaymentConfig,
	collector *metrics.MetricsCollector, opts ...Option) PaymentService {
	if collector == nil {
		collector = metrics.GetGlobalCollector()
	}
	if cfg.IntentTTL <= 0 {
		cfg.IntentTTL = 30 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}

	s := &paymentService{
		store:      store,
		locker:     locker,
		cfg:        cfg,
		metrics:    collector,
		strategies: make(map[string]strategy.PaymentStrategy),
		notifier:   nopNotifier{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterStrategy 注册支付策略
func (s *paymentService) RegisterStrategy(st strategy.PaymentStrategy) {
	s.strategies[st.Channel()] = st
}

func (s *paymentService) strategyFor(channel string) (strategy.PaymentStrategy, error) {
	if channel == "" {
		channel = s.cfg.DefaultChannel
	}
	st, ok := s.strategies[channel]
	if !ok {
		return nil, ErrUnsupportedChannel
	}
	return st, nil
}

// processorCall 记录渠道调用耗时并把错误包装为 ProcessorError
func (s *paymentService) processorCall(channel, op string, fn func() error) error {
	start := time.Now()
	err := fn()
	s.metrics.ObserveProcessorCall(channel, op, start, err)
	if err != nil {
		return &ProcessorError{Channel: channel, Op: op, Err: err}
	}
	return nil
}

// loadOwned 读取订单并校验归属，管理员可访问任意订单
func (s *paymentService) loadOwned(ctx context.Context, actor Actor, orderID string) (*orderModel.Order, error) {
	order, err := s.store.Orders().GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	if !actor.Admin && order.UserID != actor.UserID {
		return nil, ErrForbidden
	}
	return order, nil
}

func (s *paymentService) publish(eventType string, order *orderModel.Order, amount decimal.Decimal) {
	s.notifier.Notify(events.PaymentEvent{
		Type:          eventType,
		OrderID:       order.ID,
		OrderNo:       order.OrderNo,
		UserID:        order.UserID,
		IntentID:      order.PaymentIntentID,
		Amount:        amount,
		Currency:      order.Currency,
		PaymentStatus: order.PaymentStatus,
		OccurredAt:    s.now(),
	})
}

func orderLogger(order *orderModel.Order) *zap.Logger {
	return logger.Log.With(
		zap.String("order_id", order.ID),
		zap.String("payment_intent_id", order.PaymentIntentID),
		zap.String("channel", order.Channel),
	)
}

// PaymentSnapshot 订单支付字段快照
type PaymentSnapshot struct {
	OrderID          string          `json:"orderId"`
	OrderNo          string          `json:"orderNo"`
	OrderStatus      string          `json:"orderStatus"`
	PaymentStatus    string          `json:"paymentStatus"`
	PaymentIntentID  string          `json:"paymentIntentId,omitempty"`
	PaymentMethod    string          `json:"paymentMethod,omitempty"`
	Channel          string          `json:"channel"`
	Currency         string          `json:"currency"`
	Total            decimal.Decimal `json:"total"`
	RefundedAmount   decimal.Decimal `json:"refundedAmount"`
	Refundable       decimal.Decimal `json:"refundable"`
	PaidAt           *time.Time      `json:"paidAt,omitempty"`
	PaymentExpiresAt *time.Time      `json:"paymentExpiresAt,omitempty"`
	RefundedAt       *time.Time      `json:"refundedAt,omitempty"`
	RefundReason     string          `json:"refundReason,omitempty"`
}

func snapshotOf(order *orderModel.Order) *PaymentSnapshot {
	snap := &PaymentSnapshot{
		OrderID:          order.ID,
		OrderNo:          order.OrderNo,
		OrderStatus:      order.OrderStatus,
		PaymentStatus:    order.PaymentStatus,
		PaymentIntentID:  order.PaymentIntentID,
		PaymentMethod:    order.PaymentMethod,
		Channel:          order.Channel,
		Currency:         order.Currency,
		Total:            order.Total,
		RefundedAmount:   order.RefundedAmount,
		PaidAt:           order.PaidAt,
		PaymentExpiresAt: order.PaymentExpiresAt,
		RefundedAt:       order.RefundedAt,
		RefundReason:     order.RefundReason,
	}
	if order.IsPaid() {
		snap.Refundable = order.RemainingRefundable()
	}
	return snap
}

func (s *paymentService) GetPaymentStatus(ctx context.Context, actor Actor, orderID string) (*PaymentSnapshot, error) {
	order, err := s.loadOwned(ctx, actor, orderID)
	if err != nil {
		return nil, err
	}
	return snapshotOf(order), nil
}

func (s *paymentService) ListTransactions(ctx context.Context, actor Actor, orderID string) ([]model.Transaction, error) {
	if _, err := s.loadOwned(ctx, actor, orderID); err != nil {
		return nil, err
	}
	return s.store.Transactions().ListByOrder(ctx, orderID)
}
