package services

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/vynn122/grocery-api/common/errors"
	"github.com/vynn122/grocery-api/models"
	awspkg "github.com/vynn122/grocery-api/pkg/aws"
)

// ConfirmationConsumer feeds payment confirmations from a queue into the
// reconciler. Messages are either {"md5": "..."} or the same body wrapped in
// an SNS notification.
type ConfirmationConsumer struct {
	confirmer PaymentConfirmer
	metrics   awspkg.MetricsRecorder
	logger    *zap.Logger
}

func NewConfirmationConsumer(confirmer PaymentConfirmer, metrics awspkg.MetricsRecorder, logger *zap.Logger) *ConfirmationConsumer {
	return &ConfirmationConsumer{confirmer: confirmer, metrics: metrics, logger: logger}
}

// Start blocks polling the queue until ctx is cancelled.
func (c *ConfirmationConsumer) Start(ctx context.Context, consumer *awspkg.SQSConsumer) error {
	return consumer.StartPolling(ctx, c.Handle)
}

// Handle processes one message. Only gateway and internal failures return an
// error, leaving the message for redelivery; anything the reconciler decided
// on is final.
func (c *ConfirmationConsumer) Handle(ctx context.Context, body string) error {
	if c.metrics != nil {
		_ = c.metrics.RecordCount(ctx, awspkg.MetricSQSMessages, map[string]string{"Queue": "payment-confirmations"})
	}

	var msg models.ConfirmationMessage
	if err := json.Unmarshal([]byte(awspkg.UnwrapSNSEnvelope(body)), &msg); err != nil {
		c.logger.Warn("dropping malformed confirmation message", zap.Error(err))
		return nil
	}
	md5 := strings.TrimSpace(msg.MD5)
	if md5 == "" {
		c.logger.Warn("dropping confirmation message without md5")
		return nil
	}

	log := c.logger.With(zap.String("md5", md5))
	result, err := c.confirmer.ConfirmPayment(ctx, md5)
	if err != nil {
		appErr, ok := apperrors.As(err)
		if !ok || appErr.Kind == apperrors.KindExternalService || appErr.Kind == apperrors.KindInternal {
			log.Warn("confirmation will be retried", zap.Error(err))
			return err
		}
		log.Info("confirmation rejected", zap.String("code", appErr.Code))
		return nil
	}

	log.Info("confirmation processed",
		zap.String("order_id", result.Order.ID.Hex()), zap.Bool("already_paid", result.AlreadyPaid))
	return nil
}
