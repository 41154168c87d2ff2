package service

import (
	"context"
	"errors"
	"fmt"
	orderModel "order_payment/internal/domain/order/model"
	"order_payment/internal/domain/payment/model"
	"order_payment/internal/domain/payment/strategy"
	"order_payment/internal/pkg/events"
	"order_payment/pkg/lock"
	baseModel "order_payment/pkg/model"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestCreateIntent(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		env := newTestEnv(t)
		order := env.seedOrder("o-1")
		key := IntentIdempotencyKey(order.ID, order.CreatedAt, "")

		env.st.On("CreateIntent", mock.Anything, mock.MatchedBy(func(in strategy.CreateIntentInput) bool {
			return in.OrderID == "o-1" &&
				in.IdempotencyKey == key &&
				in.Amount.Equal(decimal.RequireFromString("109.99")) &&
				in.Currency == "usd"
		})).Return(&strategy.Intent{
			ID:           "pi_1",
			ClientSecret: "pi_1_secret",
			Status:       strategy.IntentRequiresPaymentMethod,
		}, nil).Once()

		res, err := env.svc.CreateIntent(context.Background(), owner, "o-1")
		require.NoError(t, err)
		assert.Equal(t, "pi_1", res.PaymentIntentID)
		assert.Equal(t, "pi_1_secret", res.ClientSecret)
		assert.Equal(t, testNow.Add(30*time.Minute), *res.ExpiresAt)

		stored := env.db.order("o-1")
		assert.Equal(t, "pi_1", stored.PaymentIntentID)
		assert.Equal(t, orderModel.PaymentStatusPending, stored.PaymentStatus)
		assert.Equal(t, testNow.Add(30*time.Minute), *stored.PaymentExpiresAt)

		charges := env.db.ledgerOf("o-1", model.TransactionTypeCharge)
		require.Len(t, charges, 1)
		assert.Equal(t, "pi_1", charges[0].ExternalID)
		assert.Equal(t, model.TransactionStatusPending, charges[0].Status)
		assert.Equal(t, key, charges[0].Metadata[model.MetaIdempotencyKey])
		env.st.AssertExpectations(t)
	})

	t.Run("ReusesActionableIntent", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedOrder("o-1")

		env.st.On("CreateIntent", mock.Anything, mock.Anything).Return(&strategy.Intent{
			ID:           "pi_1",
			ClientSecret: "pi_1_secret",
			Status:       strategy.IntentRequiresPaymentMethod,
		}, nil).Once()
		env.st.On("RetrieveIntent", mock.Anything, "pi_1").Return(&strategy.Intent{
			ID:           "pi_1",
			ClientSecret: "pi_1_secret",
			Status:       strategy.IntentRequiresAction,
		}, nil)

		first, err := env.svc.CreateIntent(context.Background(), owner, "o-1")
		require.NoError(t, err)
		second, err := env.svc.CreateIntent(context.Background(), owner, "o-1")
		require.NoError(t, err)

		assert.Equal(t, first.PaymentIntentID, second.PaymentIntentID)
		assert.True(t, second.Reused)
		env.st.AssertNumberOfCalls(t, "CreateIntent", 1)
		assert.Len(t, env.db.ledgerOf("o-1", model.TransactionTypeCharge), 1)
	})

	t.Run("CanceledIntentIsReplaced", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedOrder("o-1", withIntent("pi_old", testNow.Add(10*time.Minute)))

		env.st.On("RetrieveIntent", mock.Anything, "pi_old").Return(&strategy.Intent{
			ID:     "pi_old",
			Status: strategy.IntentCanceled,
		}, nil)
		order := env.db.order("o-1")
		firstKey := IntentIdempotencyKey(order.ID, order.CreatedAt, "")
		env.st.On("CreateIntent", mock.Anything, mock.MatchedBy(func(in strategy.CreateIntentInput) bool {
			return in.IdempotencyKey != firstKey &&
				in.IdempotencyKey == IntentIdempotencyKey(order.ID, order.CreatedAt, "pi_old")
		})).Return(&strategy.Intent{
			ID:     "pi_new",
			Status: strategy.IntentRequiresPaymentMethod,
		}, nil).Once()

		res, err := env.svc.CreateIntent(context.Background(), owner, "o-1")
		require.NoError(t, err)
		assert.Equal(t, "pi_new", res.PaymentIntentID)
		assert.Equal(t, "pi_new", env.db.order("o-1").PaymentIntentID)
	})

	t.Run("FailedOrderReentersPending", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedOrder("o-1", withIntent("pi_1", testNow.Add(time.Minute)), func(o *orderModel.Order) {
			o.PaymentStatus = orderModel.PaymentStatusFailed
		})
		env.st.On("RetrieveIntent", mock.Anything, "pi_1").Return(&strategy.Intent{
			ID:     "pi_1",
			Status: strategy.IntentRequiresPaymentMethod,
		}, nil)

		res, err := env.svc.CreateIntent(context.Background(), owner, "o-1")
		require.NoError(t, err)
		assert.Equal(t, "pi_1", res.PaymentIntentID)

		stored := env.db.order("o-1")
		assert.Equal(t, orderModel.PaymentStatusPending, stored.PaymentStatus)
		assert.Equal(t, testNow.Add(30*time.Minute), *stored.PaymentExpiresAt)
	})

	t.Run("RetrieveErrorKeepsExistingIntent", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedOrder("o-1", withIntent("pi_1", testNow.Add(10*time.Minute)))
		env.st.On("RetrieveIntent", mock.Anything, "pi_1").Return(nil, errors.New("network timeout"))

		_, err := env.svc.CreateIntent(context.Background(), owner, "o-1")
		var procErr *ProcessorError
		require.True(t, errors.As(err, &procErr))
		assert.Equal(t, "retrieve_intent", procErr.Op)

		assert.Equal(t, "pi_1", env.db.order("o-1").PaymentIntentID)
		env.st.AssertNotCalled(t, "CreateIntent", mock.Anything, mock.Anything)
	})

	t.Run("MissingIntentIsReplaced", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedOrder("o-1", withIntent("pi_gone", testNow.Add(10*time.Minute)))
		env.st.On("RetrieveIntent", mock.Anything, "pi_gone").
			Return(nil, fmt.Errorf("%w: pi_gone", strategy.ErrIntentNotFound))
		order := env.db.order("o-1")
		env.st.On("CreateIntent", mock.Anything, mock.MatchedBy(func(in strategy.CreateIntentInput) bool {
			return in.IdempotencyKey == IntentIdempotencyKey(order.ID, order.CreatedAt, "pi_gone")
		})).Return(&strategy.Intent{ID: "pi_new", Status: strategy.IntentRequiresPaymentMethod}, nil).Once()

		res, err := env.svc.CreateIntent(context.Background(), owner, "o-1")
		require.NoError(t, err)
		assert.Equal(t, "pi_new", res.PaymentIntentID)
	})

	t.Run("ProcessingIntentIsNotReplaced", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedOrder("o-1", withIntent("pi_1", testNow.Add(10*time.Minute)))
		env.st.On("RetrieveIntent", mock.Anything, "pi_1").Return(&strategy.Intent{
			ID:     "pi_1",
			Status: strategy.IntentProcessing,
		}, nil)

		_, err := env.svc.CreateIntent(context.Background(), owner, "o-1")
		assert.ErrorIs(t, err, ErrPaymentProcessing)

		stored := env.db.order("o-1")
		assert.Equal(t, "pi_1", stored.PaymentIntentID)
		assert.Equal(t, orderModel.PaymentStatusPending, stored.PaymentStatus)
		env.st.AssertNotCalled(t, "CreateIntent", mock.Anything, mock.Anything)
	})

	t.Run("NotOwner", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedOrder("o-1")

		_, err := env.svc.CreateIntent(context.Background(), Actor{UserID: "someone-else"}, "o-1")
		assert.ErrorIs(t, err, ErrForbidden)
		env.st.AssertNotCalled(t, "CreateIntent", mock.Anything, mock.Anything)
	})

	t.Run("OrderNotFound", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.svc.CreateIntent(context.Background(), owner, "missing")
		assert.ErrorIs(t, err, ErrOrderNotFound)
	})

	t.Run("AlreadyPaid", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedOrder("o-1", paidOrder("pi_1", "109.99"))

		_, err := env.svc.CreateIntent(context.Background(), owner, "o-1")
		assert.ErrorIs(t, err, ErrAlreadyPaid)
		var domainErr *DomainStateError
		assert.True(t, errors.As(err, &domainErr))
	})

	t.Run("Expired", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedOrder("o-1", func(o *orderModel.Order) {
			o.PaymentStatus = orderModel.PaymentStatusExpired
			o.OrderStatus = orderModel.OrderStatusCancelled
		})

		_, err := env.svc.CreateIntent(context.Background(), owner, "o-1")
		assert.ErrorIs(t, err, ErrPaymentExpired)
	})

	t.Run("ProcessorErrorLeavesOrderUntouched", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedOrder("o-1")
		env.st.On("CreateIntent", mock.Anything, mock.Anything).Return(nil, errors.New("card network down"))

		_, err := env.svc.CreateIntent(context.Background(), owner, "o-1")
		var procErr *ProcessorError
		require.True(t, errors.As(err, &procErr))
		assert.Equal(t, "create_intent", procErr.Op)

		stored := env.db.order("o-1")
		assert.Empty(t, stored.PaymentIntentID)
		assert.Nil(t, stored.PaymentExpiresAt)
		assert.Empty(t, env.db.ledger("o-1"))
	})
}

func TestHandleSuccess(t *testing.T) {
	t.Run("PaysOrderOnce", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedOrder("o-1", withIntent("pi_1", testNow.Add(time.Minute)))

		require.NoError(t, env.svc.HandleSuccess(context.Background(), succeededIntent("pi_1", "o-1")))

		stored := env.db.order("o-1")
		assert.Equal(t, orderModel.PaymentStatusPaid, stored.PaymentStatus)
		assert.Equal(t, orderModel.OrderStatusProcessing, stored.OrderStatus)
		assert.Equal(t, "card", stored.PaymentMethod)
		require.NotNil(t, stored.PaidAt)
		assert.Equal(t, 7, env.db.stock("p-1"))

		charges := env.db.ledgerOf("o-1", model.TransactionTypeCharge)
		require.Len(t, charges, 1)
		assert.Equal(t, model.TransactionStatusSucceeded, charges[0].Status)
		assert.Equal(t, "109.99", charges[0].Amount.StringFixed(2))
		assert.Equal(t, []string{events.TypePaymentSucceeded}, env.notifier.types())

		// 重复投递
		require.NoError(t, env.svc.HandleSuccess(context.Background(), succeededIntent("pi_1", "o-1")))
		assert.Equal(t, 7, env.db.stock("p-1"))
		assert.Len(t, env.db.ledgerOf("o-1", model.TransactionTypeCharge), 1)
		assert.Len(t, env.notifier.types(), 1)
	})

	t.Run("ConcurrentDeliveries", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedOrder("o-1", withIntent("pi_1", testNow.Add(time.Minute)))

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, env.svc.HandleSuccess(context.Background(), succeededIntent("pi_1", "o-1")))
			}()
		}
		wg.Wait()

		assert.Equal(t, orderModel.PaymentStatusPaid, env.db.order("o-1").PaymentStatus)
		assert.Equal(t, 7, env.db.stock("p-1"))
		assert.Len(t, env.db.ledgerOf("o-1", model.TransactionTypeCharge), 1)
		assert.Equal(t, []string{events.TypePaymentSucceeded}, env.notifier.types())
	})

	t.Run("RowLockGuardsWhenLeaseStoreDown", func(t *testing.T) {
		env := newTestEnvWithLocker(t, brokenLocker{})
		env.seedOrder("o-1", withIntent("pi_1", testNow.Add(time.Minute)))

		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, env.svc.HandleSuccess(context.Background(), succeededIntent("pi_1", "o-1")))
			}()
		}
		wg.Wait()

		assert.Equal(t, 7, env.db.stock("p-1"))
		assert.Len(t, env.db.ledgerOf("o-1", model.TransactionTypeCharge), 1)
	})

	t.Run("LeaseHeldElsewhere", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedOrder("o-1", withIntent("pi_1", testNow.Add(time.Minute)))

		_, ok, err := env.locker.TryAcquire(context.Background(), leaseKey("pi_1"), time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, env.svc.HandleSuccess(context.Background(), succeededIntent("pi_1", "o-1")))
		assert.Equal(t, orderModel.PaymentStatusPending, env.db.order("o-1").PaymentStatus)
		assert.Equal(t, 10, env.db.stock("p-1"))
	})

	t.Run("MissingOrderMetadata", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedOrder("o-1", withIntent("pi_1", testNow.Add(time.Minute)))

		intent := succeededIntent("pi_1", "")
		intent.Metadata = nil
		require.NoError(t, env.svc.HandleSuccess(context.Background(), intent))
		assert.Equal(t, orderModel.PaymentStatusPending, env.db.order("o-1").PaymentStatus)
	})

	t.Run("StockShortfallDoesNotBlock", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedOrder("o-1", withIntent("pi_1", testNow.Add(time.Minute)))
		env.db.putProduct(orderModel.Product{BaseModel: baseModel.BaseModel{ID: "p-1"}, StockQuantity: 1})

		require.NoError(t, env.svc.HandleSuccess(context.Background(), succeededIntent("pi_1", "o-1")))
		assert.Equal(t, orderModel.PaymentStatusPaid, env.db.order("o-1").PaymentStatus)
		assert.Equal(t, 0, env.db.stock("p-1"))
	})

	t.Run("PersistenceErrorRollsBack", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedOrder("o-1", withIntent("pi_1", testNow.Add(time.Minute)))
		env.db.failOn["Transactions.Upsert"] = errors.New("disk full")

		err := env.svc.HandleSuccess(context.Background(), succeededIntent("pi_1", "o-1"))
		assert.Error(t, err)
		assert.Equal(t, orderModel.PaymentStatusPending, env.db.order("o-1").PaymentStatus)
		assert.Equal(t, 10, env.db.stock("p-1"))

		// 租约已释放，可以重试
		delete(env.db.failOn, "Transactions.Upsert")
		require.NoError(t, env.svc.HandleSuccess(context.Background(), succeededIntent("pi_1", "o-1")))
		assert.Equal(t, 7, env.db.stock("p-1"))
	})
}

func TestHandleFailure(t *testing.T) {
	failedIntent := func(orderID string) *strategy.Intent {
		return &strategy.Intent{
			ID:             "pi_1",
			Status:         strategy.IntentRequiresPaymentMethod,
			FailureCode:    "card_declined",
			FailureMessage: "Your card was declined.",
			Metadata:       map[string]string{strategy.MetaOrderID: orderID},
		}
	}

	t.Run("MarksFailed", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedOrder("o-1", withIntent("pi_1", testNow.Add(time.Minute)))

		require.NoError(t, env.svc.HandleFailure(context.Background(), failedIntent("o-1")))
		assert.Equal(t, orderModel.PaymentStatusFailed, env.db.order("o-1").PaymentStatus)
		assert.Equal(t, 10, env.db.stock("p-1"))

		rows := env.db.ledgerOf("o-1", model.TransactionTypeFailed)
		require.Len(t, rows, 1)
		assert.Equal(t, "Your card was declined.", rows[0].FailureReason)
		assert.Equal(t, "card_declined", rows[0].Metadata[model.MetaFailureCode])

		require.NoError(t, env.svc.HandleFailure(context.Background(), failedIntent("o-1")))
		assert.Len(t, env.db.ledgerOf("o-1", model.TransactionTypeFailed), 1)
	})

	t.Run("PaidOrderUntouched", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedOrder("o-1", paidOrder("pi_1", "109.99"))

		require.NoError(t, env.svc.HandleFailure(context.Background(), failedIntent("o-1")))
		assert.Equal(t, orderModel.PaymentStatusPaid, env.db.order("o-1").PaymentStatus)
		assert.Empty(t, env.db.ledgerOf("o-1", model.TransactionTypeFailed))
	})

	t.Run("MissingOrderIsNoop", func(t *testing.T) {
		env := newTestEnv(t)
		assert.NoError(t, env.svc.HandleFailure(context.Background(), failedIntent("missing")))
	})
}

func TestRetrieveIntent(t *testing.T) {
	env := newTestEnv(t)
	env.st.On("RetrieveIntent", mock.Anything, "pi_1").Return(nil, errors.New("timeout"))

	_, err := env.svc.RetrieveIntent(context.Background(), "", "pi_1")
	var procErr *ProcessorError
	assert.True(t, errors.As(err, &procErr))

	_, err = env.svc.RetrieveIntent(context.Background(), "paypal", "pi_1")
	assert.ErrorIs(t, err, ErrUnsupportedChannel)
}

type brokenLocker struct{}

func (brokenLocker) TryAcquire(context.Context, string, time.Duration) (lock.Lease, bool, error) {
	return nil, false, errors.New("redis unavailable")
}
