package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	apperrors "github.com/vynn122/grocery-api/common/errors"
	"github.com/vynn122/grocery-api/common/logger"
	"github.com/vynn122/grocery-api/config"
	"github.com/vynn122/grocery-api/models"
	awspkg "github.com/vynn122/grocery-api/pkg/aws"
	"github.com/vynn122/grocery-api/repository"
)

// OrderService prices and records orders. It never touches stock or promo
// usage; both are applied when the payment settles.
type OrderService interface {
	CreateOrder(ctx context.Context, userID string, req *models.CreateOrderRequest) (*models.Order, error)
	GetOrder(ctx context.Context, userID, orderID string) (*models.Order, error)
	ListPaidOrders(ctx context.Context, userID string, page, limit int) (*models.OrderListResponse, error)
	CancelOrder(ctx context.Context, orderID string) (*models.Order, error)
}

type orderServiceImpl struct {
	orders   repository.OrderRepository
	products repository.ProductRepository
	promos   repository.PromoRepository
	payments repository.PaymentRepository
	fees     config.FeeSchedule
	notifier
}

func NewOrderService(
	orders repository.OrderRepository,
	products repository.ProductRepository,
	promos repository.PromoRepository,
	payments repository.PaymentRepository,
	fees config.FeeSchedule,
	publisher EventPublisher,
	metrics awspkg.MetricsRecorder,
	logger *zap.Logger,
) OrderService {
	return &orderServiceImpl{
		orders:   orders,
		products: products,
		promos:   promos,
		payments: payments,
		fees:     fees,
		notifier: notifier{publisher: publisher, metrics: metrics, logger: logger},
	}
}

func (s *orderServiceImpl) CreateOrder(ctx context.Context, userID string, req *models.CreateOrderRequest) (*models.Order, error) {
	log := logger.FromContext(ctx, s.logger).With(zap.String("user_id", userID))

	if req.TotalAmount == nil {
		return nil, apperrors.ErrInvalidRequest.With("total_amount is required")
	}
	lines, err := mergeLines(req.Items)
	if err != nil {
		return nil, err
	}

	ids := make([]primitive.ObjectID, len(lines))
	for i, l := range lines {
		ids[i] = l.productID
	}
	products, err := s.products.FindByIDs(ctx, ids)
	if err != nil {
		log.Error("product lookup failed", zap.Error(err))
		return nil, apperrors.ErrInternal.Wrap(err)
	}

	items, subtotal, err := priceLines(lines, products)
	if err != nil {
		return nil, err
	}

	var promo *models.PromoCode
	if code := strings.TrimSpace(req.PromoCode); code != "" {
		promo, err = s.promos.FindByCode(ctx, code)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			log.Error("promo lookup failed", zap.String("promo_code", code), zap.Error(err))
			return nil, apperrors.ErrInternal.Wrap(err)
		}
		if err := checkPromo(promo, userID, time.Now()); err != nil {
			return nil, err
		}
	}

	discount := promoDiscount(promo, subtotal)
	total := orderTotal(subtotal, discount, s.fees)
	if total != *req.TotalAmount {
		log.Warn("client total mismatch", zap.Int64("expected", total), zap.Int64("got", *req.TotalAmount))
		return nil, apperrors.ErrTotalMismatch
	}

	order := &models.Order{
		UserID:      userID,
		Items:       items,
		Subtotal:    subtotal,
		Discount:    discount,
		Shipping:    s.fees.Shipping,
		Taxes:       s.fees.Taxes,
		OtherFee:    s.fees.OtherFee,
		TotalAmount: total,
		Status:      models.OrderStatusPending,
		AddressID:   req.AddressID,
	}
	if promo != nil {
		promoID := promo.ID
		order.PromoID = &promoID
		order.PromoCode = promo.Code
	}

	if err := s.orders.Create(ctx, order); err != nil {
		log.Error("order insert failed", zap.Error(err))
		return nil, apperrors.ErrInternal.Wrap(err)
	}

	log.Info("order created", zap.String("order_id", order.ID.Hex()), zap.Int64("total", total))
	s.count(ctx, awspkg.MetricOrdersCreated)
	s.publish(ctx, orderEvent(models.EventOrderCreated, order))
	return order, nil
}

func (s *orderServiceImpl) GetOrder(ctx context.Context, userID, orderID string) (*models.Order, error) {
	id, err := primitive.ObjectIDFromHex(orderID)
	if err != nil {
		return nil, apperrors.ErrNotFound.With("Order not found")
	}
	order, err := s.orders.FindByIDAndUserID(ctx, id, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.ErrNotFound.With("Order not found")
		}
		return nil, apperrors.ErrInternal.Wrap(err)
	}
	return order, nil
}

// ListPaidOrders is the user's purchase history: orders whose payment settled.
func (s *orderServiceImpl) ListPaidOrders(ctx context.Context, userID string, page, limit int) (*models.OrderListResponse, error) {
	orders, total, err := s.orders.FindPaidByUserID(ctx, userID, page, limit)
	if err != nil {
		logger.FromContext(ctx, s.logger).Error("paid orders lookup failed", zap.String("user_id", userID), zap.Error(err))
		return nil, apperrors.ErrInternal.Wrap(err)
	}
	return &models.OrderListResponse{
		Orders: orders,
		Meta: models.MetaData{
			Page:        page,
			Limit:       limit,
			TotalOrders: total,
			TotalPages:  calculateTotalPages(total, limit),
			HasMore:     total > int64(page*limit),
		},
	}, nil
}

// CancelOrder is the administrative cancel. Only Pending orders whose payment
// is unpaid can be cancelled. The payment is failed before the order moves, so
// a confirmation running at the same time cannot settle it afterwards.
func (s *orderServiceImpl) CancelOrder(ctx context.Context, orderID string) (*models.Order, error) {
	log := logger.FromContext(ctx, s.logger).With(zap.String("order_id", orderID))

	id, err := primitive.ObjectIDFromHex(orderID)
	if err != nil {
		return nil, apperrors.ErrNotFound.With("Order not found")
	}
	order, err := s.orders.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.ErrNotFound.With("Order not found")
		}
		return nil, apperrors.ErrInternal.Wrap(err)
	}

	if order.Status != models.OrderStatusPending {
		return nil, apperrors.ErrOrderNotPending
	}

	hadPayment, err := s.failPayment(ctx, id)
	if err != nil {
		log.Error("payment fail before cancel failed", zap.Error(err))
		return nil, err
	}

	ok, err := s.orders.UpdateStatus(ctx, id, models.OrderStatusPending, models.OrderStatusCancelled)
	if err != nil {
		log.Error("order cancel failed", zap.Error(err))
		return nil, apperrors.ErrInternal.Wrap(err)
	}
	if !ok {
		return nil, apperrors.ErrOrderNotPending
	}
	if !hadPayment {
		// An intent created after the lookup above is failed here.
		if _, err := s.failPayment(ctx, id); err != nil {
			log.Warn("late payment fail after cancel failed", zap.Error(err))
		}
	}

	order.Status = models.OrderStatusCancelled
	log.Info("order cancelled by admin")
	s.count(ctx, awspkg.MetricOrdersCancelled)
	evt := orderEvent(models.EventOrderCancelled, order)
	evt.Reason = "admin"
	s.publish(ctx, evt)
	return order, nil
}

// failPayment marks the order's unpaid payment Failed and reports whether the
// order has a payment at all. A paid payment yields ErrOrderNotPending.
func (s *orderServiceImpl) failPayment(ctx context.Context, orderID primitive.ObjectID) (bool, error) {
	payment, err := s.payments.FindByOrderID(ctx, orderID)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, apperrors.ErrInternal.Wrap(err)
	}
	if _, err := s.payments.MarkFailed(ctx, payment.ID); err != nil {
		return true, apperrors.ErrInternal.Wrap(err)
	}
	current, err := s.payments.FindByOrderID(ctx, orderID)
	if err != nil {
		return true, apperrors.ErrInternal.Wrap(err)
	}
	if current.Detail.Paid {
		return true, apperrors.ErrOrderNotPending.With("Order payment has already settled")
	}
	return true, nil
}

func calculateTotalPages(total int64, limit int) int64 {
	if limit == 0 {
		return 0
	}
	return (total + int64(limit) - 1) / int64(limit)
}
