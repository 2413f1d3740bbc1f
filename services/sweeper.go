package services

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	apperrors "github.com/vynn122/grocery-api/common/errors"
	"github.com/vynn122/grocery-api/models"
	"github.com/vynn122/grocery-api/repository"
)

const sweepBatchSize = 100

// ExpirySweeper closes out pending orders nobody came back to confirm. Orders
// whose QR expired go through the reconciler, so they are cancelled exactly as
// a late confirmation would cancel them; orders that never got a payment are
// cancelled once they are older than staleAge.
type ExpirySweeper struct {
	orders    repository.OrderRepository
	payments  repository.PaymentRepository
	confirmer PaymentConfirmer
	interval  time.Duration
	staleAge  time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

func NewExpirySweeper(
	orders repository.OrderRepository,
	payments repository.PaymentRepository,
	confirmer PaymentConfirmer,
	interval, staleAge time.Duration,
	logger *zap.Logger,
) *ExpirySweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if staleAge <= 0 {
		staleAge = 10 * time.Minute
	}
	return &ExpirySweeper{
		orders:    orders,
		payments:  payments,
		confirmer: confirmer,
		interval:  interval,
		staleAge:  staleAge,
		logger:    logger,
		now:       time.Now,
	}
}

// Run sweeps every interval until ctx is done.
func (s *ExpirySweeper) Run(ctx context.Context) {
	s.logger.Info("expiry sweeper started", zap.Duration("interval", s.interval), zap.Duration("stale_age", s.staleAge))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce processes one batch and returns how many orders it closed.
func (s *ExpirySweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.now()
	pending, err := s.orders.FindPendingBefore(ctx, now.Add(-s.staleAge), sweepBatchSize)
	if err != nil {
		return 0, err
	}

	closed := 0
	for i := range pending {
		order := &pending[i]
		log := s.logger.With(zap.String("order_id", order.ID.Hex()))

		payment, err := s.payments.FindByOrderID(ctx, order.ID)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			ok, err := s.orders.UpdateStatus(ctx, order.ID, models.OrderStatusPending, models.OrderStatusCancelled)
			if err != nil {
				log.Warn("stale order cancel failed", zap.Error(err))
				continue
			}
			if ok {
				log.Info("stale order without payment cancelled")
				closed++
				s.failLatePayment(ctx, log, order.ID)
			}
		case err != nil:
			log.Warn("payment lookup failed", zap.Error(err))
		case payment.Detail.Paid || payment.Detail.Expired(now):
			_, err := s.confirmer.ConfirmPayment(ctx, payment.Detail.MD5)
			if err == nil || apperrors.Is(err, apperrors.ErrPaymentExpired) {
				closed++
				continue
			}
			log.Warn("sweep confirmation failed", zap.Error(err))
		}
	}
	return closed, nil
}

// failLatePayment fails a payment intent created between the payment lookup and
// the cancel of its order.
func (s *ExpirySweeper) failLatePayment(ctx context.Context, log *zap.Logger, orderID primitive.ObjectID) {
	payment, err := s.payments.FindByOrderID(ctx, orderID)
	if err != nil {
		return
	}
	if _, err := s.payments.MarkFailed(ctx, payment.ID); err != nil {
		log.Warn("late payment fail failed", zap.Error(err))
	}
}
