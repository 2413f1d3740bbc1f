package services

import (
	"context"
	"errors"
	"strings"
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

// PaymentConfirmer settles a payment identified by its QR fingerprint.
type PaymentConfirmer interface {
	ConfirmPayment(ctx context.Context, md5 string) (*models.ConfirmResult, error)
}

// Reconciler matches a payment against the gateway and, on settlement, applies
// stock, payment, promo, cart and order changes in that order. A repeat call
// for the same md5 is safe at any point of the sequence.
type Reconciler struct {
	orders   repository.OrderRepository
	payments repository.PaymentRepository
	products repository.ProductRepository
	promos   repository.PromoRepository
	carts    repository.CartRepository
	gateway  providers.PaymentGateway
	now      func() time.Time
	notifier
}

func NewReconciler(
	orders repository.OrderRepository,
	payments repository.PaymentRepository,
	products repository.ProductRepository,
	promos repository.PromoRepository,
	carts repository.CartRepository,
	gateway providers.PaymentGateway,
	publisher EventPublisher,
	metrics awspkg.MetricsRecorder,
	logger *zap.Logger,
) *Reconciler {
	return &Reconciler{
		orders:   orders,
		payments: payments,
		products: products,
		promos:   promos,
		carts:    carts,
		gateway:  gateway,
		now:      time.Now,
		notifier: notifier{publisher: publisher, metrics: metrics, logger: logger},
	}
}

func (r *Reconciler) ConfirmPayment(ctx context.Context, md5 string) (*models.ConfirmResult, error) {
	log := logger.FromContext(ctx, r.logger).With(zap.String("md5", md5))

	if md5 == "" {
		return nil, apperrors.ErrInvalidRequest.With("md5 is required")
	}
	payment, err := r.payments.FindByMD5(ctx, md5)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.ErrNotFound.With("Payment not found")
		}
		return nil, apperrors.ErrInternal.Wrap(err)
	}
	order, err := r.orders.FindByID(ctx, payment.OrderID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.ErrNotFound.With("Order not found")
		}
		return nil, apperrors.ErrInternal.Wrap(err)
	}
	log = log.With(zap.String("order_id", order.ID.Hex()))

	if payment.Detail.Paid {
		return r.repair(ctx, log, payment, order)
	}

	if payment.Detail.Expired(r.now()) {
		if paid := r.cancel(ctx, log, payment, order, "expired"); paid {
			return r.alreadyPaid(ctx, md5)
		}
		return nil, apperrors.ErrPaymentExpired
	}

	if order.Status == models.OrderStatusCancelled {
		return nil, apperrors.ErrOrderCancelled
	}

	started := time.Now()
	status, err := r.gateway.CheckTransaction(ctx, md5)
	r.latency(ctx, awspkg.MetricConfirmationLatency, time.Since(started))
	if err != nil {
		log.Error("gateway transaction check failed", zap.Error(err))
		r.count(ctx, awspkg.MetricGatewayErrors)
		return nil, apperrors.ErrGateway.Wrap(err)
	}

	if !status.Settled {
		log.Info("transaction not settled", zap.String("gateway_message", status.Message))
		if paid := r.cancel(ctx, log, payment, order, "incomplete"); paid {
			return r.alreadyPaid(ctx, md5)
		}
		return nil, apperrors.ErrPaymentIncomplete
	}

	if err := matchSettlement(payment, status); err != nil {
		log.Error("gateway transaction does not match payment",
			zap.Float64("gateway_amount", status.Amount), zap.String("gateway_currency", status.Currency),
			zap.Float64("amount", payment.Detail.Amount), zap.String("currency", payment.Detail.Currency))
		r.count(ctx, awspkg.MetricGatewayErrors)
		return nil, err
	}

	return r.settle(ctx, log, payment, order, status)
}

func (r *Reconciler) settle(ctx context.Context, log *zap.Logger, payment *models.Payment, order *models.Order, status providers.TransactionStatus) (*models.ConfirmResult, error) {
	if err := r.precheckStock(ctx, order.Items); err != nil {
		return r.stockFailure(ctx, log, payment, err)
	}
	taken, err := r.takeStock(ctx, log, order.Items)
	if err != nil {
		return r.stockFailure(ctx, log, payment, err)
	}

	paidAt := r.now().UTC()
	marked, err := r.payments.MarkPaid(ctx, payment.ID, models.Settlement{
		Hash:          status.Hash,
		FromAccountID: status.FromAccountID,
		ToAccountID:   status.ToAccountID,
		TransactionID: status.TransactionID,
		ExternalRef:   status.ExternalRef,
		PaidAt:        paidAt,
	})
	if err != nil {
		log.Error("mark payment paid failed", zap.Error(err))
		r.restoreStock(ctx, log, taken)
		return nil, apperrors.ErrInternal.Wrap(err)
	}
	if !marked {
		r.restoreStock(ctx, log, taken)
		current, err := r.payments.FindByMD5(ctx, payment.Detail.MD5)
		if err != nil {
			return nil, apperrors.ErrInternal.Wrap(err)
		}
		if current.Detail.Paid {
			// Another confirmation settled this payment first; it owns the stock change.
			return r.alreadyPaid(ctx, payment.Detail.MD5)
		}
		log.Info("payment failed during settlement", zap.String("payment_status", string(current.PaymentStatus)))
		return nil, apperrors.ErrOrderCancelled
	}

	payment.Detail.Paid = true
	payment.Detail.PaidAt = &paidAt
	payment.Detail.BakongHash = status.Hash
	payment.Detail.FromAccountID = status.FromAccountID
	payment.Detail.ToAccountID = status.ToAccountID
	payment.Detail.TransactionID = status.TransactionID
	payment.Detail.ExternalRef = status.ExternalRef
	payment.PaymentStatus = models.PaymentStatusPaid
	payment.PaidAt = &paidAt

	r.finalizePromo(ctx, log, order)
	r.clearCart(ctx, log, order.UserID)
	advanced, err := r.advanceOrder(ctx, order)
	if err != nil {
		log.Error("order advance failed", zap.Error(err))
		return nil, apperrors.ErrInternal.Wrap(err)
	}
	if !advanced {
		r.restoreStock(ctx, log, taken)
		log.Error("order cancelled while payment settled, refund required",
			zap.String("payment_id", payment.ID.Hex()), zap.String("transaction_id", status.TransactionID))
		return nil, apperrors.ErrSettlementConflict
	}

	log.Info("payment settled", zap.String("transaction_id", status.TransactionID), zap.Int64("amount", payment.AmountPaid))
	r.count(ctx, awspkg.MetricPaymentSucceeded)
	evt := orderEvent(models.EventPaymentSucceeded, order)
	evt.PaymentID = payment.ID.Hex()
	r.publish(ctx, evt)

	return &models.ConfirmResult{Payment: payment, Order: order}, nil
}

// repair finishes a sequence that stopped after the payment was marked paid.
func (r *Reconciler) repair(ctx context.Context, log *zap.Logger, payment *models.Payment, order *models.Order) (*models.ConfirmResult, error) {
	if order.Status == models.OrderStatusPending {
		log.Warn("paid payment with pending order, finishing settlement")
		r.finalizePromo(ctx, log, order)
		r.clearCart(ctx, log, order.UserID)
		advanced, err := r.advanceOrder(ctx, order)
		if err != nil {
			return nil, apperrors.ErrInternal.Wrap(err)
		}
		if !advanced {
			log.Error("order cancelled while payment settled, refund required", zap.String("payment_id", payment.ID.Hex()))
			return nil, apperrors.ErrSettlementConflict
		}
	}
	return &models.ConfirmResult{Payment: payment, Order: order, AlreadyPaid: true}, nil
}

func (r *Reconciler) alreadyPaid(ctx context.Context, md5 string) (*models.ConfirmResult, error) {
	payment, err := r.payments.FindByMD5(ctx, md5)
	if err != nil {
		return nil, apperrors.ErrInternal.Wrap(err)
	}
	order, err := r.orders.FindByID(ctx, payment.OrderID)
	if err != nil {
		return nil, apperrors.ErrInternal.Wrap(err)
	}
	return &models.ConfirmResult{Payment: payment, Order: order, AlreadyPaid: true}, nil
}

// stockFailure reports a failed stock take. When a concurrent confirmation of
// the same payment won, the caller gets its result instead of the error.
func (r *Reconciler) stockFailure(ctx context.Context, log *zap.Logger, payment *models.Payment, err error) (*models.ConfirmResult, error) {
	if current, ferr := r.payments.FindByMD5(ctx, payment.Detail.MD5); ferr == nil && current.Detail.Paid {
		return r.alreadyPaid(ctx, payment.Detail.MD5)
	}
	log.Warn("settlement aborted", zap.Error(err))
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return nil, appErr
	}
	return nil, apperrors.ErrInternal.Wrap(err)
}

func (r *Reconciler) precheckStock(ctx context.Context, items []models.OrderItem) error {
	ids := make([]primitive.ObjectID, len(items))
	for i, it := range items {
		ids[i] = it.ProductID
	}
	products, err := r.products.FindByIDs(ctx, ids)
	if err != nil {
		return err
	}
	stock := make(map[primitive.ObjectID]int, len(products))
	for _, p := range products {
		stock[p.ID] = p.Stock
	}
	for _, it := range items {
		if s, ok := stock[it.ProductID]; !ok || s < it.Quantity {
			return apperrors.ErrInsufficientStock.With("Insufficient stock for " + it.Name)
		}
	}
	return nil
}

// takeStock decrements every line or none of them.
func (r *Reconciler) takeStock(ctx context.Context, log *zap.Logger, items []models.OrderItem) ([]models.OrderItem, error) {
	taken := make([]models.OrderItem, 0, len(items))
	for _, it := range items {
		if err := r.products.DecrementStock(ctx, it.ProductID, it.Quantity); err != nil {
			r.restoreStock(ctx, log, taken)
			if errors.Is(err, repository.ErrInsufficientStock) {
				return nil, apperrors.ErrInsufficientStock.With("Insufficient stock for " + it.Name)
			}
			return nil, err
		}
		taken = append(taken, it)
	}
	return taken, nil
}

func (r *Reconciler) restoreStock(ctx context.Context, log *zap.Logger, taken []models.OrderItem) {
	if len(taken) == 0 {
		return
	}
	r.count(ctx, awspkg.MetricStockRollbacks)
	for _, it := range taken {
		if err := r.products.RestoreStock(ctx, it.ProductID, it.Quantity); err != nil {
			log.Error("stock restore failed",
				zap.String("product_id", it.ProductID.Hex()), zap.Int("quantity", it.Quantity), zap.Error(err))
		}
	}
}

func (r *Reconciler) finalizePromo(ctx context.Context, log *zap.Logger, order *models.Order) {
	if order.PromoID == nil {
		return
	}
	ok, err := r.promos.FinalizeUsage(ctx, *order.PromoID, order.UserID)
	if err != nil {
		log.Error("promo finalize failed", zap.String("promo_code", order.PromoCode), zap.Error(err))
		return
	}
	if !ok {
		log.Warn("promo not finalized, already used by user or limit reached", zap.String("promo_code", order.PromoCode))
	}
}

func (r *Reconciler) clearCart(ctx context.Context, log *zap.Logger, userID string) {
	if r.carts == nil {
		return
	}
	if err := r.carts.ClearCart(ctx, userID); err != nil {
		log.Warn("cart clear failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// advanceOrder moves the order to Processing. It reports false when the order
// was cancelled instead; an order some other call already advanced counts as
// advanced.
func (r *Reconciler) advanceOrder(ctx context.Context, order *models.Order) (bool, error) {
	ok, err := r.orders.UpdateStatus(ctx, order.ID, models.OrderStatusPending, models.OrderStatusProcessing)
	if err != nil {
		return false, err
	}
	if ok {
		order.Status = models.OrderStatusProcessing
		return true, nil
	}
	current, err := r.orders.FindByID(ctx, order.ID)
	if err != nil {
		return false, err
	}
	order.Status = current.Status
	return current.Status != models.OrderStatusCancelled, nil
}

// cancel fails the payment and then moves a still-pending order to Cancelled.
// It returns true, touching nothing else, when the payment turns out to be
// paid already.
func (r *Reconciler) cancel(ctx context.Context, log *zap.Logger, payment *models.Payment, order *models.Order, reason string) bool {
	failed, err := r.payments.MarkFailed(ctx, payment.ID)
	if err != nil {
		log.Error("mark payment failed", zap.String("reason", reason), zap.Error(err))
		return false
	}
	if failed {
		r.count(ctx, awspkg.MetricPaymentFailed)
	} else {
		current, err := r.payments.FindByMD5(ctx, payment.Detail.MD5)
		if err != nil {
			log.Error("payment reload failed", zap.String("reason", reason), zap.Error(err))
			return false
		}
		if current.Detail.Paid {
			log.Info("payment settled concurrently, order left open", zap.String("reason", reason))
			return true
		}
	}

	ok, err := r.orders.UpdateStatus(ctx, order.ID, models.OrderStatusPending, models.OrderStatusCancelled)
	if err != nil {
		log.Error("order cancel failed", zap.String("reason", reason), zap.Error(err))
		return false
	}
	if !ok {
		return false
	}

	order.Status = models.OrderStatusCancelled
	log.Info("order cancelled", zap.String("reason", reason))
	r.count(ctx, awspkg.MetricOrdersCancelled)
	evt := orderEvent(models.EventOrderCancelled, order)
	evt.PaymentID = payment.ID.Hex()
	evt.Reason = reason
	r.publish(ctx, evt)
	return false
}

// matchSettlement rejects a gateway record whose amount or currency differs
// from the QR that was issued. Records without a currency are not compared.
func matchSettlement(payment *models.Payment, status providers.TransactionStatus) error {
	if status.Currency == "" || payment.Detail.Currency == "" {
		return nil
	}
	if !strings.EqualFold(status.Currency, payment.Detail.Currency) ||
		!decimal.NewFromFloat(status.Amount).Round(2).Equal(decimal.NewFromFloat(payment.Detail.Amount).Round(2)) {
		return apperrors.ErrAmountMismatch
	}
	return nil
}
