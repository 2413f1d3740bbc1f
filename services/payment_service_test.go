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
	"go.uber.org/zap"

	apperrors "github.com/vynn122/grocery-api/common/errors"
	"github.com/vynn122/grocery-api/models"
	"github.com/vynn122/grocery-api/providers"
	"github.com/vynn122/grocery-api/repository"
	"github.com/vynn122/grocery-api/services"
)

func newPaymentService(orders *memOrders, payments *memPayments, gw *mockGateway, currency string) services.PaymentService {
	return services.NewPaymentService(orders, payments, gw, services.MerchantConfig{
		AccountID: "shop@aclb", Name: "Grocery", City: "Phnom Penh",
		Currency: currency, KHRExchangeRate: 4000, TTL: 5 * time.Minute,
	}, &recordingPublisher{}, nil, zap.NewNop())
}

func pendingOrder(t *testing.T, orders *memOrders, total int64) *models.Order {
	t.Helper()
	o := &models.Order{UserID: "u1", TotalAmount: total, Status: models.OrderStatusPending}
	require.NoError(t, orders.Create(context.Background(), o))
	return o
}

func TestCreatePaymentIntent_Success(t *testing.T) {
	orders, payments, gw := newMemOrders(), newMemPayments(), new(mockGateway)
	svc := newPaymentService(orders, payments, gw, models.CurrencyKHR)
	order := pendingOrder(t, orders, 2000)

	gw.On("GenerateQR", mock.Anything, mock.MatchedBy(func(r providers.QRRequest) bool {
		return r.Amount == 2000 && r.Currency == models.CurrencyKHR && r.ExpiresAt.Sub(r.CreatedAt) == 5*time.Minute
	})).Return(providers.QRResult{QR: "000201&x", MD5: "md5-1"}, nil).Once()

	before := time.Now()
	payment, err := svc.CreatePaymentIntent(context.Background(), "u1",
		&models.CreatePaymentIntentRequest{OrderID: order.ID.Hex()})
	require.NoError(t, err)

	assert.Equal(t, models.PaymentMethodKHQR, payment.PaymentMethod)
	assert.Equal(t, models.PaymentStatusPending, payment.PaymentStatus)
	assert.Equal(t, int64(2000), payment.AmountPaid)
	assert.False(t, payment.Detail.Paid)
	assert.Equal(t, "md5-1", payment.Detail.MD5)
	assert.Contains(t, payment.Detail.DeepLink, "000201%26x")
	assert.InDelta(t, before.Add(5*time.Minute).UnixMilli(), payment.Detail.Expiration, 1000)

	stored, err := payments.FindByOrderID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.ID, stored.ID)
	gw.AssertExpectations(t)
}

func TestCreatePaymentIntent_USDConversion(t *testing.T) {
	orders, payments, gw := newMemOrders(), newMemPayments(), new(mockGateway)
	svc := newPaymentService(orders, payments, gw, models.CurrencyUSD)
	order := pendingOrder(t, orders, 10_050)

	gw.On("GenerateQR", mock.Anything, mock.MatchedBy(func(r providers.QRRequest) bool {
		return r.Amount == 2.51 && r.Currency == models.CurrencyUSD
	})).Return(providers.QRResult{QR: "qr", MD5: "md5-usd"}, nil).Once()

	payment, err := svc.CreatePaymentIntent(context.Background(), "u1",
		&models.CreatePaymentIntentRequest{OrderID: order.ID.Hex(), PaymentMethod: models.PaymentMethodKHQR})
	require.NoError(t, err)
	assert.Equal(t, 2.51, payment.Detail.Amount)
	assert.Equal(t, int64(10_050), payment.AmountPaid)
}

func TestCreatePaymentIntent_Preconditions(t *testing.T) {
	orders, payments, gw := newMemOrders(), newMemPayments(), new(mockGateway)
	svc := newPaymentService(orders, payments, gw, models.CurrencyKHR)
	ctx := context.Background()

	cancelled := &models.Order{UserID: "u1", TotalAmount: 1000, Status: models.OrderStatusCancelled}
	require.NoError(t, orders.Create(ctx, cancelled))
	zero := pendingOrder(t, orders, 0)

	_, err := svc.CreatePaymentIntent(ctx, "u1", &models.CreatePaymentIntentRequest{OrderID: cancelled.ID.Hex()})
	assert.ErrorIs(t, err, apperrors.ErrOrderCancelled)

	_, err = svc.CreatePaymentIntent(ctx, "u1", &models.CreatePaymentIntentRequest{OrderID: zero.ID.Hex()})
	assert.ErrorIs(t, err, apperrors.ErrInvalidAmount)

	_, err = svc.CreatePaymentIntent(ctx, "u2", &models.CreatePaymentIntentRequest{OrderID: zero.ID.Hex()})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = svc.CreatePaymentIntent(ctx, "u1", &models.CreatePaymentIntentRequest{OrderID: "nope"})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = svc.CreatePaymentIntent(ctx, "u1", &models.CreatePaymentIntentRequest{OrderID: zero.ID.Hex(), PaymentMethod: "VISA"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)

	gw.AssertNotCalled(t, "GenerateQR", mock.Anything, mock.Anything)
}

func TestCreatePaymentIntent_GatewayFailurePersistsNothing(t *testing.T) {
	orders, payments, gw := newMemOrders(), newMemPayments(), new(mockGateway)
	svc := newPaymentService(orders, payments, gw, models.CurrencyKHR)
	order := pendingOrder(t, orders, 1000)

	gw.On("GenerateQR", mock.Anything, mock.Anything).
		Return(providers.QRResult{}, errors.New("connection refused")).Once()

	_, err := svc.CreatePaymentIntent(context.Background(), "u1", &models.CreatePaymentIntentRequest{OrderID: order.ID.Hex()})
	assert.ErrorIs(t, err, apperrors.ErrGateway)

	_, err = payments.FindByOrderID(context.Background(), order.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestCreatePaymentIntent_OnePerOrder(t *testing.T) {
	orders, payments, gw := newMemOrders(), newMemPayments(), new(mockGateway)
	svc := newPaymentService(orders, payments, gw, models.CurrencyKHR)
	order := pendingOrder(t, orders, 1000)

	var n int
	var mu sync.Mutex
	gw.On("GenerateQR", mock.Anything, mock.Anything).Return(func(context.Context, providers.QRRequest) providers.QRResult {
		mu.Lock()
		defer mu.Unlock()
		n++
		return providers.QRResult{QR: "qr", MD5: "md5-" + string(rune('a'+n))}
	}, nil)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.CreatePaymentIntent(context.Background(), "u1",
				&models.CreatePaymentIntentRequest{OrderID: order.ID.Hex()})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, apperrors.ErrDuplicatePayment)
	}
	assert.Equal(t, 1, succeeded)
}
