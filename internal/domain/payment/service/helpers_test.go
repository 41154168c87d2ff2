package service

import (
	"context"
	"net/http"
	orderModel "order_payment/internal/domain/order/model"
	"order_payment/internal/domain/payment/strategy"
	"order_payment/internal/pkg/config"
	"order_payment/internal/pkg/events"
	"order_payment/pkg/lock"
	"order_payment/pkg/metrics"
	baseModel "order_payment/pkg/model"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
)

const (
	testOwner   = "u-1"
	testChannel = "stripe"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// MockStrategy 模拟支付渠道
type MockStrategy struct {
	mock.Mock
}

func (m *MockStrategy) Channel() string {
	return testChannel
}

func (m *MockStrategy) CreateIntent(ctx context.Context, in strategy.CreateIntentInput) (*strategy.Intent, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*strategy.Intent), args.Error(1)
}

func (m *MockStrategy) RetrieveIntent(ctx context.Context, intentID string) (*strategy.Intent, error) {
	args := m.Called(ctx, intentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	// 返回副本，调用方会修改元数据
	intent := *args.Get(0).(*strategy.Intent)
	return &intent, args.Error(1)
}

func (m *MockStrategy) CancelIntent(ctx context.Context, intentID string) error {
	args := m.Called(ctx, intentID)
	return args.Error(0)
}

func (m *MockStrategy) CreateRefund(ctx context.Context, in strategy.RefundInput) (*strategy.Refund, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*strategy.Refund), args.Error(1)
}

func (m *MockStrategy) ParseWebhook(ctx context.Context, header http.Header, body []byte) (*strategy.Event, error) {
	args := m.Called(ctx, header, body)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*strategy.Event), args.Error(1)
}

// recordingNotifier 收集发布的事件
type recordingNotifier struct {
	mu     sync.Mutex
	events []events.PaymentEvent
}

func (n *recordingNotifier) Notify(evt events.PaymentEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Type)
	}
	return out
}

type testEnv struct {
	svc      PaymentService
	db       *fakeDB
	st       *MockStrategy
	locker   lock.Locker
	notifier *recordingNotifier
	clock    *time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithLocker(t, lock.NewMemoryLocker())
}

func newTestEnvWithLocker(t *testing.T, locker lock.Locker) *testEnv {
	t.Helper()
	db := newFakeDB()
	st := new(MockStrategy)
	notifier := &recordingNotifier{}
	now := testNow

	svc := NewPaymentService(&fakeStore{db: db}, locker, config.PaymentConfig{
		Currency:       "usd",
		DefaultChannel: testChannel,
		IntentTTL:      30 * time.Minute,
		LockTTL:        time.Minute,
		SweepBatchSize: 100,
	}, metrics.NewMetricsCollector(prometheus.NewRegistry()),
		WithClock(func() time.Time { return now }),
		WithNotifier(notifier),
	)
	svc.RegisterStrategy(st)

	return &testEnv{svc: svc, db: db, st: st, locker: locker, notifier: notifier, clock: &now}
}

func (e *testEnv) advance(d time.Duration) {
	*e.clock = e.clock.Add(d)
}

// seedOrder 总额 109.99 (99.99 + 税 8.00 + 免运费)，商品 p-1 单价 33.33 x3，库存 10
func (e *testEnv) seedOrder(id string, mutate ...func(*orderModel.Order)) orderModel.Order {
	e.db.putProduct(orderModel.Product{
		BaseModel:     baseModel.BaseModel{ID: "p-1"},
		Name:          "Mug",
		SKU:           "MUG-1",
		Price:         decimal.RequireFromString("33.33"),
		StockQuantity: 10,
	})

	order := orderModel.Order{
		BaseModel:      baseModel.BaseModel{ID: id, CreatedAt: testNow.Add(-time.Hour)},
		OrderNo:        "NO-" + id,
		UserID:         testOwner,
		Subtotal:       decimal.RequireFromString("99.99"),
		Tax:            decimal.RequireFromString("8.00"),
		Shipping:       decimal.Zero,
		Total:          decimal.RequireFromString("109.99"),
		Currency:       "usd",
		Channel:        testChannel,
		OrderStatus:    orderModel.OrderStatusPending,
		PaymentStatus:  orderModel.PaymentStatusPending,
		RefundedAmount: decimal.Zero,
		Items: []orderModel.OrderItem{{
			BaseModel:   baseModel.BaseModel{ID: id + "-i1"},
			ProductID:   "p-1",
			ProductName: "Mug",
			SKU:         "MUG-1",
			Price:       decimal.RequireFromString("33.33"),
			Quantity:    3,
		}},
	}
	for _, fn := range mutate {
		fn(&order)
	}
	e.db.putOrder(order)
	return order
}

// paidOrder 已支付、带意图的订单
func paidOrder(intentID string, total string) func(*orderModel.Order) {
	return func(o *orderModel.Order) {
		paidAt := testNow.Add(-time.Minute)
		o.Subtotal = decimal.RequireFromString(total)
		o.Tax = decimal.Zero
		o.Total = decimal.RequireFromString(total)
		o.PaymentStatus = orderModel.PaymentStatusPaid
		o.OrderStatus = orderModel.OrderStatusProcessing
		o.PaymentIntentID = intentID
		o.PaidAt = &paidAt
	}
}

func withIntent(intentID string, expiresAt time.Time) func(*orderModel.Order) {
	return func(o *orderModel.Order) {
		o.PaymentIntentID = intentID
		o.PaymentExpiresAt = &expiresAt
	}
}

func succeededIntent(intentID, orderID string) *strategy.Intent {
	return &strategy.Intent{
		ID:            intentID,
		Status:        strategy.IntentSucceeded,
		Amount:        decimal.RequireFromString("109.99"),
		Currency:      "usd",
		PaymentMethod: "card",
		Metadata:      map[string]string{strategy.MetaOrderID: orderID},
	}
}

var (
	owner = Actor{UserID: testOwner}
	admin = Actor{UserID: "admin-1", Admin: true}
)

func productBase(id string) baseModel.BaseModel {
	return baseModel.BaseModel{ID: id}
}
