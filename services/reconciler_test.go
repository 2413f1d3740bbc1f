package services_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	apperrors "github.com/vynn122/grocery-api/common/errors"
	"github.com/vynn122/grocery-api/models"
	awspkg "github.com/vynn122/grocery-api/pkg/aws"
	"github.com/vynn122/grocery-api/providers"
	"github.com/vynn122/grocery-api/services"
)

var settled = providers.TransactionStatus{
	Settled:       true,
	Hash:          "8465d722",
	FromAccountID: "buyer@aclb",
	ToAccountID:   "shop@aclb",
	TransactionID: "tx-1",
}

type reconcilerFixture struct {
	orders    *memOrders
	payments  *memPayments
	products  *memProducts
	promos    *memPromos
	carts     *memCarts
	gateway   *mockGateway
	publisher *recordingPublisher
	metrics   *countingMetrics
	r         *services.Reconciler
}

func newReconcilerFixture(products ...models.Product) *reconcilerFixture {
	f := &reconcilerFixture{
		orders:    newMemOrders(),
		payments:  newMemPayments(),
		products:  newMemProducts(products...),
		promos:    newMemPromos(),
		carts:     newMemCarts(),
		gateway:   new(mockGateway),
		publisher: &recordingPublisher{},
		metrics:   newCountingMetrics(),
	}
	f.r = services.NewReconciler(f.orders, f.payments, f.products, f.promos, f.carts,
		f.gateway, f.publisher, f.metrics, zap.NewNop())
	return f
}

// place stores a pending order for items and an unpaid payment expiring at expires.
func (f *reconcilerFixture) place(t *testing.T, md5 string, expires time.Time, items ...models.OrderItem) (*models.Order, *models.Payment) {
	t.Helper()
	ctx := context.Background()
	var total int64
	for _, it := range items {
		total += it.Subtotal
	}
	order := &models.Order{UserID: "u1", Items: items, TotalAmount: total, Status: models.OrderStatusPending}
	require.NoError(t, f.orders.Create(ctx, order))
	payment := &models.Payment{
		OrderID: order.ID, UserID: "u1", PaymentStatus: models.PaymentStatusPending, AmountPaid: total,
		Detail: models.PaymentDetail{MD5: md5, Expiration: expires.UnixMilli()},
	}
	require.NoError(t, f.payments.Create(ctx, payment))
	return order, payment
}

func line(p models.Product, qty int) models.OrderItem {
	return models.OrderItem{ProductID: p.ID, Name: p.Name, Quantity: qty, Price: p.Price, Subtotal: p.Price * int64(qty)}
}

func product(name string, stock int) models.Product {
	return models.Product{ID: primitive.NewObjectID(), Name: name, Price: 1000, Stock: stock}
}

func TestConfirmPayment_SettlesOnce(t *testing.T) {
	rice := product("Rice", 5)
	f := newReconcilerFixture(rice)
	order, payment := f.place(t, "md5-1", time.Now().Add(time.Minute), line(rice, 2))
	f.gateway.On("CheckTransaction", mock.Anything, "md5-1").Return(settled, nil).Once()
	ctx := context.Background()

	first, err := f.r.ConfirmPayment(ctx, "md5-1")
	require.NoError(t, err)
	assert.False(t, first.AlreadyPaid)
	assert.True(t, first.Payment.Detail.Paid)
	assert.Equal(t, models.OrderStatusProcessing, first.Order.Status)

	second, err := f.r.ConfirmPayment(ctx, "md5-1")
	require.NoError(t, err)
	assert.True(t, second.AlreadyPaid)

	assert.Equal(t, 3, f.products.get(rice.ID).Stock)
	assert.Equal(t, 2, f.products.get(rice.ID).Sold)
	assert.Equal(t, models.OrderStatusProcessing, f.orders.status(order.ID))
	stored := f.payments.get(payment.ID)
	assert.Equal(t, models.PaymentStatusPaid, stored.PaymentStatus)
	assert.Equal(t, "tx-1", stored.Detail.TransactionID)
	assert.Equal(t, 1, f.carts.count("u1"))
	assert.Equal(t, 1, f.metrics.count(awspkg.MetricPaymentSucceeded))
	assert.Equal(t, []string{models.EventPaymentSucceeded}, f.publisher.published())
	f.gateway.AssertNumberOfCalls(t, "CheckTransaction", 1)
}

func TestConfirmPayment_ExpiredCancelsOrder(t *testing.T) {
	rice := product("Rice", 5)
	f := newReconcilerFixture(rice)
	order, payment := f.place(t, "md5-exp", time.Now().Add(-time.Millisecond), line(rice, 1))

	_, err := f.r.ConfirmPayment(context.Background(), "md5-exp")
	assert.ErrorIs(t, err, apperrors.ErrPaymentExpired)

	assert.Equal(t, models.OrderStatusCancelled, f.orders.status(order.ID))
	stored := f.payments.get(payment.ID)
	assert.False(t, stored.Detail.Paid)
	assert.Equal(t, models.PaymentStatusFailed, stored.PaymentStatus)
	assert.Equal(t, 5, f.products.get(rice.ID).Stock)
	assert.Contains(t, f.publisher.published(), models.EventOrderCancelled)
	f.gateway.AssertNotCalled(t, "CheckTransaction", mock.Anything, mock.Anything)

	// Expired is terminal even if the transfer shows up later.
	_, err = f.r.ConfirmPayment(context.Background(), "md5-exp")
	assert.ErrorIs(t, err, apperrors.ErrPaymentExpired)
	assert.Equal(t, models.OrderStatusCancelled, f.orders.status(order.ID))
}

func TestConfirmPayment_IncompleteCancelsOrder(t *testing.T) {
	rice := product("Rice", 5)
	f := newReconcilerFixture(rice)
	order, _ := f.place(t, "md5-2", time.Now().Add(time.Minute), line(rice, 1))
	f.gateway.On("CheckTransaction", mock.Anything, "md5-2").
		Return(providers.TransactionStatus{Message: "Transaction could not be found"}, nil).Once()

	_, err := f.r.ConfirmPayment(context.Background(), "md5-2")
	assert.ErrorIs(t, err, apperrors.ErrPaymentIncomplete)
	assert.Equal(t, models.OrderStatusCancelled, f.orders.status(order.ID))
	assert.Equal(t, 5, f.products.get(rice.ID).Stock)

	_, err = f.r.ConfirmPayment(context.Background(), "md5-2")
	assert.ErrorIs(t, err, apperrors.ErrOrderCancelled)
	f.gateway.AssertNumberOfCalls(t, "CheckTransaction", 1)
}

func TestConfirmPayment_GatewayErrorMutatesNothing(t *testing.T) {
	rice := product("Rice", 5)
	f := newReconcilerFixture(rice)
	order, payment := f.place(t, "md5-3", time.Now().Add(time.Minute), line(rice, 1))
	f.gateway.On("CheckTransaction", mock.Anything, "md5-3").
		Return(providers.TransactionStatus{}, errors.New("timeout")).Once()

	_, err := f.r.ConfirmPayment(context.Background(), "md5-3")
	assert.ErrorIs(t, err, apperrors.ErrGateway)
	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.KindExternalService, appErr.Kind)

	assert.Equal(t, models.OrderStatusPending, f.orders.status(order.ID))
	assert.Equal(t, models.PaymentStatusPending, f.payments.get(payment.ID).PaymentStatus)
	assert.Equal(t, 5, f.products.get(rice.ID).Stock)
	assert.Equal(t, 1, f.metrics.count(awspkg.MetricGatewayErrors))
}

func TestConfirmPayment_UnknownHash(t *testing.T) {
	f := newReconcilerFixture()
	_, err := f.r.ConfirmPayment(context.Background(), "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestConfirmPayment_RollsBackPartialStock(t *testing.T) {
	rice := product("Rice", 5)
	oil := product("Oil", 5)
	f := newReconcilerFixture(rice, oil)
	f.products.failOn = oil.ID
	order, payment := f.place(t, "md5-4", time.Now().Add(time.Minute), line(rice, 2), line(oil, 1))
	f.gateway.On("CheckTransaction", mock.Anything, "md5-4").Return(settled, nil).Once()

	_, err := f.r.ConfirmPayment(context.Background(), "md5-4")
	assert.ErrorIs(t, err, apperrors.ErrInsufficientStock)

	assert.Equal(t, 5, f.products.get(rice.ID).Stock)
	assert.Equal(t, 0, f.products.get(rice.ID).Sold)
	assert.Equal(t, 1, f.products.restored)
	assert.False(t, f.payments.get(payment.ID).Detail.Paid)
	assert.Equal(t, models.OrderStatusPending, f.orders.status(order.ID))
	assert.Equal(t, 1, f.metrics.count(awspkg.MetricStockRollbacks))
}

func TestConfirmPayment_NoOversell(t *testing.T) {
	last := product("Last one", 1)
	f := newReconcilerFixture(last)
	orderA, _ := f.place(t, "md5-a", time.Now().Add(time.Minute), line(last, 1))
	orderB, _ := f.place(t, "md5-b", time.Now().Add(time.Minute), line(last, 1))
	f.gateway.On("CheckTransaction", mock.Anything, mock.Anything).Return(settled, nil)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, md5 := range []string{"md5-a", "md5-b"} {
		wg.Add(1)
		go func(i int, md5 string) {
			defer wg.Done()
			_, errs[i] = f.r.ConfirmPayment(context.Background(), md5)
		}(i, md5)
	}
	wg.Wait()

	var ok, short int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, apperrors.ErrInsufficientStock):
			short++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, short)
	assert.Equal(t, 0, f.products.get(last.ID).Stock)
	assert.Equal(t, 1, f.products.get(last.ID).Sold)

	statuses := []models.OrderStatus{f.orders.status(orderA.ID), f.orders.status(orderB.ID)}
	assert.ElementsMatch(t, []models.OrderStatus{models.OrderStatusProcessing, models.OrderStatusPending}, statuses)
}

func TestConfirmPayment_ConcurrentSameHashDecrementsOnce(t *testing.T) {
	rice := product("Rice", 100)
	f := newReconcilerFixture(rice)
	f.place(t, "md5-c", time.Now().Add(time.Minute), line(rice, 3))
	f.gateway.On("CheckTransaction", mock.Anything, "md5-c").Return(settled, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.r.ConfirmPayment(context.Background(), "md5-c")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 97, f.products.get(rice.ID).Stock)
	assert.Equal(t, 3, f.products.get(rice.ID).Sold)
	assert.Equal(t, 1, f.metrics.count(awspkg.MetricPaymentSucceeded))
}

func TestConfirmPayment_FinalizesPromoOnce(t *testing.T) {
	rice := product("Rice", 10)
	f := newReconcilerFixture(rice)
	promo := models.PromoCode{ID: primitive.NewObjectID(), Code: "SAVE10", IsActive: true}
	f.promos = newMemPromos(promo)
	f.r = services.NewReconciler(f.orders, f.payments, f.products, f.promos, f.carts,
		f.gateway, f.publisher, f.metrics, zap.NewNop())

	ctx := context.Background()
	for _, md5 := range []string{"md5-p1", "md5-p2"} {
		order, _ := f.place(t, md5, time.Now().Add(time.Minute), line(rice, 1))
		stored, _ := f.orders.FindByID(ctx, order.ID)
		stored.PromoID = &promo.ID
		f.orders.orders[order.ID] = *stored
		f.gateway.On("CheckTransaction", mock.Anything, md5).Return(settled, nil).Once()
	}

	_, err := f.r.ConfirmPayment(ctx, "md5-p1")
	require.NoError(t, err)
	_, err = f.r.ConfirmPayment(ctx, "md5-p1")
	require.NoError(t, err)
	// A second order by the same user with the same code still settles.
	_, err = f.r.ConfirmPayment(ctx, "md5-p2")
	require.NoError(t, err)

	got := f.promos.get(promo.ID)
	assert.Equal(t, 1, got.UsedCount)
	assert.Equal(t, []string{"u1"}, got.UsedBy)
}

func TestConfirmPayment_RepairsPaidButPendingOrder(t *testing.T) {
	rice := product("Rice", 10)
	f := newReconcilerFixture(rice)
	order, payment := f.place(t, "md5-r", time.Now().Add(-time.Minute), line(rice, 1))
	ok, err := f.payments.MarkPaid(context.Background(), payment.ID, models.Settlement{Hash: "h", PaidAt: time.Now()})
	require.NoError(t, err)
	require.True(t, ok)

	res, err := f.r.ConfirmPayment(context.Background(), "md5-r")
	require.NoError(t, err)
	assert.True(t, res.AlreadyPaid)
	assert.Equal(t, models.OrderStatusProcessing, f.orders.status(order.ID))
	assert.Equal(t, 1, f.carts.count("u1"))
	assert.Equal(t, 10, f.products.get(rice.ID).Stock, "repair never touches stock")
	f.gateway.AssertNotCalled(t, "CheckTransaction", mock.Anything, mock.Anything)
}

func TestConfirmPayment_CancelledOrderSkipsGateway(t *testing.T) {
	rice := product("Rice", 10)
	f := newReconcilerFixture(rice)
	order, _ := f.place(t, "md5-x", time.Now().Add(time.Minute), line(rice, 1))
	_, err := f.orders.UpdateStatus(context.Background(), order.ID, models.OrderStatusPending, models.OrderStatusCancelled)
	require.NoError(t, err)

	_, err = f.r.ConfirmPayment(context.Background(), "md5-x")
	assert.ErrorIs(t, err, apperrors.ErrOrderCancelled)
	f.gateway.AssertNotCalled(t, "CheckTransaction", mock.Anything, mock.Anything)
}

func TestConfirmPayment_CancelDuringGatewayCheckWins(t *testing.T) {
	t.Run("expired by a second poll", func(t *testing.T) {
		rice := product("Rice", 5)
		f := newReconcilerFixture(rice)
		expires := time.Now().Add(50 * time.Millisecond)
		order, payment := f.place(t, "md5-late", expires, line(rice, 1))
		ctx := context.Background()

		var pollErr error
		f.gateway.On("CheckTransaction", mock.Anything, "md5-late").Return(settled, nil).Once().
			Run(func(mock.Arguments) {
				time.Sleep(time.Until(expires) + 10*time.Millisecond)
				_, pollErr = f.r.ConfirmPayment(ctx, "md5-late")
			})

		_, err := f.r.ConfirmPayment(ctx, "md5-late")
		assert.ErrorIs(t, pollErr, apperrors.ErrPaymentExpired)
		assert.ErrorIs(t, err, apperrors.ErrOrderCancelled)

		stored := f.payments.get(payment.ID)
		assert.False(t, stored.Detail.Paid)
		assert.Equal(t, models.PaymentStatusFailed, stored.PaymentStatus)
		assert.Equal(t, models.OrderStatusCancelled, f.orders.status(order.ID))
		assert.Equal(t, 5, f.products.get(rice.ID).Stock)
		assert.NotContains(t, f.publisher.published(), models.EventPaymentSucceeded)
	})

	t.Run("incomplete reported to a second poll", func(t *testing.T) {
		rice := product("Rice", 5)
		f := newReconcilerFixture(rice)
		order, payment := f.place(t, "md5-inc", time.Now().Add(time.Minute), line(rice, 1))
		ctx := context.Background()

		var pollErr error
		f.gateway.On("CheckTransaction", mock.Anything, "md5-inc").Return(settled, nil).Once().
			Run(func(mock.Arguments) {
				_, pollErr = f.r.ConfirmPayment(ctx, "md5-inc")
			})
		f.gateway.On("CheckTransaction", mock.Anything, "md5-inc").Return(providers.TransactionStatus{}, nil).Once()

		_, err := f.r.ConfirmPayment(ctx, "md5-inc")
		assert.ErrorIs(t, pollErr, apperrors.ErrPaymentIncomplete)
		assert.ErrorIs(t, err, apperrors.ErrOrderCancelled)

		assert.False(t, f.payments.get(payment.ID).Detail.Paid)
		assert.Equal(t, models.OrderStatusCancelled, f.orders.status(order.ID))
		assert.Equal(t, 5, f.products.get(rice.ID).Stock)
	})
}

func TestConfirmPayment_SettledDuringCancelKeepsOrderOpen(t *testing.T) {
	rice := product("Rice", 5)
	f := newReconcilerFixture(rice)
	order, payment := f.place(t, "md5-won", time.Now().Add(time.Minute), line(rice, 1))
	ctx := context.Background()

	f.gateway.On("CheckTransaction", mock.Anything, "md5-won").Return(providers.TransactionStatus{}, nil).Once().
		Run(func(mock.Arguments) {
			ok, err := f.payments.MarkPaid(ctx, payment.ID, models.Settlement{Hash: "h", PaidAt: time.Now()})
			require.NoError(t, err)
			require.True(t, ok)
		})

	res, err := f.r.ConfirmPayment(ctx, "md5-won")
	require.NoError(t, err)
	assert.True(t, res.AlreadyPaid)
	assert.Equal(t, models.PaymentStatusPaid, f.payments.get(payment.ID).PaymentStatus)
	assert.NotEqual(t, models.OrderStatusCancelled, f.orders.status(order.ID))
}

func TestConfirmPayment_OrderCancelledDuringSettlementRestoresStock(t *testing.T) {
	rice := product("Rice", 5)
	f := newReconcilerFixture(rice)
	order, _ := f.place(t, "md5-gone", time.Now().Add(time.Minute), line(rice, 2))
	ctx := context.Background()

	f.gateway.On("CheckTransaction", mock.Anything, "md5-gone").Return(settled, nil).Once().
		Run(func(mock.Arguments) {
			_, err := f.orders.UpdateStatus(ctx, order.ID, models.OrderStatusPending, models.OrderStatusCancelled)
			require.NoError(t, err)
		})

	_, err := f.r.ConfirmPayment(ctx, "md5-gone")
	assert.ErrorIs(t, err, apperrors.ErrSettlementConflict)
	assert.Equal(t, models.OrderStatusCancelled, f.orders.status(order.ID))
	assert.Equal(t, 5, f.products.get(rice.ID).Stock)
	assert.Equal(t, 1, f.metrics.count(awspkg.MetricStockRollbacks))
	assert.NotContains(t, f.publisher.published(), models.EventPaymentSucceeded)
}

func TestConfirmPayment_AmountMismatchMutatesNothing(t *testing.T) {
	rice := product("Rice", 5)
	f := newReconcilerFixture(rice)
	order, payment := f.place(t, "md5-amt", time.Now().Add(time.Minute), line(rice, 1))
	stored := f.payments.get(payment.ID)
	stored.Detail.Amount = 1000
	stored.Detail.Currency = models.CurrencyKHR
	f.payments.payments[payment.ID] = stored
	ctx := context.Background()

	short := settled
	short.Amount = 100
	short.Currency = "KHR"
	f.gateway.On("CheckTransaction", mock.Anything, "md5-amt").Return(short, nil).Once()

	_, err := f.r.ConfirmPayment(ctx, "md5-amt")
	assert.ErrorIs(t, err, apperrors.ErrAmountMismatch)
	assert.False(t, f.payments.get(payment.ID).Detail.Paid)
	assert.Equal(t, models.OrderStatusPending, f.orders.status(order.ID))
	assert.Equal(t, 5, f.products.get(rice.ID).Stock)

	exact := settled
	exact.Amount = 1000
	exact.Currency = "khr"
	f.gateway.On("CheckTransaction", mock.Anything, "md5-amt").Return(exact, nil).Once()

	res, err := f.r.ConfirmPayment(ctx, "md5-amt")
	require.NoError(t, err)
	assert.True(t, res.Payment.Detail.Paid)
}
