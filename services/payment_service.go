package services

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	apperrors "github.com/vynn122/grocery-api/common/errors"
	"github.com/vynn122/grocery-api/common/logger"
	"github.com/vynn122/grocery-api/models"
	awspkg "github.com/vynn122/grocery-api/pkg/aws"
	"github.com/vynn122/grocery-api/providers"
	"github.com/vynn122/grocery-api/repository"
)

// MerchantConfig is the payee identity and QR policy used for every intent.
type MerchantConfig struct {
	AccountID       string
	Name            string
	City            string
	Currency        string
	KHRExchangeRate int64
	TTL             time.Duration
}

// PaymentService issues one QR payment request per order.
type PaymentService interface {
	CreatePaymentIntent(ctx context.Context, userID string, req *models.CreatePaymentIntentRequest) (*models.Payment, error)
}

type paymentServiceImpl struct {
	orders   repository.OrderRepository
	payments repository.PaymentRepository
	gateway  providers.PaymentGateway
	merchant MerchantConfig
	notifier
}

func NewPaymentService(
	orders repository.OrderRepository,
	payments repository.PaymentRepository,
	gateway providers.PaymentGateway,
	merchant MerchantConfig,
	publisher EventPublisher,
	metrics awspkg.MetricsRecorder,
	logger *zap.Logger,
) PaymentService {
	if merchant.TTL <= 0 {
		merchant.TTL = 5 * time.Minute
	}
	if merchant.KHRExchangeRate <= 0 {
		merchant.KHRExchangeRate = 4100
	}
	if merchant.Currency == "" {
		merchant.Currency = models.CurrencyKHR
	}
	return &paymentServiceImpl{
		orders:   orders,
		payments: payments,
		gateway:  gateway,
		merchant: merchant,
		notifier: notifier{publisher: publisher, metrics: metrics, logger: logger},
	}
}

func (s *paymentServiceImpl) CreatePaymentIntent(ctx context.Context, userID string, req *models.CreatePaymentIntentRequest) (*models.Payment, error) {
	log := logger.FromContext(ctx, s.logger).With(zap.String("user_id", userID), zap.String("order_id", req.OrderID))

	method := req.PaymentMethod
	if method == "" {
		method = models.PaymentMethodKHQR
	}
	if !method.Valid() {
		return nil, apperrors.ErrInvalidRequest.With("Unsupported payment method")
	}

	orderID, err := primitive.ObjectIDFromHex(req.OrderID)
	if err != nil {
		return nil, apperrors.ErrNotFound.With("Order not found")
	}
	order, err := s.orders.FindByIDAndUserID(ctx, orderID, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.ErrNotFound.With("Order not found")
		}
		return nil, apperrors.ErrInternal.Wrap(err)
	}
	if order.Status == models.OrderStatusCancelled {
		return nil, apperrors.ErrOrderCancelled
	}
	if order.TotalAmount <= 0 {
		return nil, apperrors.ErrInvalidAmount
	}

	// Friendly early answer; the unique index on order_id is what enforces it.
	if _, err := s.payments.FindByOrderID(ctx, orderID); err == nil {
		return nil, apperrors.ErrDuplicatePayment
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.ErrInternal.Wrap(err)
	}

	now := time.Now()
	expiresAt := now.Add(s.merchant.TTL)
	amount := s.qrAmount(order.TotalAmount)

	qr, err := s.gateway.GenerateQR(ctx, providers.QRRequest{
		AccountID:    s.merchant.AccountID,
		MerchantName: s.merchant.Name,
		MerchantCity: s.merchant.City,
		Amount:       amount,
		Currency:     s.merchant.Currency,
		CreatedAt:    now,
		ExpiresAt:    expiresAt,
	})
	if err != nil || qr.QR == "" || qr.MD5 == "" {
		log.Error("qr generation failed", zap.Error(err))
		s.count(ctx, awspkg.MetricGatewayErrors)
		return nil, apperrors.ErrGateway.Wrap(err)
	}

	escaped := url.QueryEscape(qr.QR)
	payment := &models.Payment{
		OrderID:       orderID,
		UserID:        userID,
		PaymentMethod: method,
		PaymentStatus: models.PaymentStatusPending,
		AmountPaid:    order.TotalAmount,
		Detail: models.PaymentDetail{
			Amount:      amount,
			Currency:    s.merchant.Currency,
			Method:      string(models.PaymentMethodKHQR),
			QR:          qr.QR,
			MD5:         qr.MD5,
			Expiration:  expiresAt.UnixMilli(),
			DeepLink:    "bakong://khqr?qr=" + escaped,
			DeepLinkWeb: "https://www.bakong.com.kh/khqr?qr=" + escaped,
		},
	}

	if err := s.payments.Create(ctx, payment); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, apperrors.ErrDuplicatePayment
		}
		log.Error("payment insert failed", zap.Error(err))
		return nil, apperrors.ErrInternal.Wrap(err)
	}

	log.Info("payment intent created", zap.String("payment_id", payment.ID.Hex()), zap.String("md5", qr.MD5))
	s.count(ctx, awspkg.MetricPaymentIntents)
	evt := orderEvent(models.EventPaymentCreated, order)
	evt.PaymentID = payment.ID.Hex()
	s.publish(ctx, evt)
	return payment, nil
}

// qrAmount is the order total in the QR currency. USD amounts are converted
// at the fixed rate and rounded to cents.
func (s *paymentServiceImpl) qrAmount(totalKHR int64) float64 {
	if s.merchant.Currency != models.CurrencyUSD {
		return float64(totalKHR)
	}
	usd := decimal.NewFromInt(totalKHR).Div(decimal.NewFromInt(s.merchant.KHRExchangeRate)).Round(2)
	f, _ := usd.Float64()
	return f
}
