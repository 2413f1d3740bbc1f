package services

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/vynn122/grocery-api/models"
	awspkg "github.com/vynn122/grocery-api/pkg/aws"
)

// EventPublisher is satisfied by the kafka producer and the SNS topic publisher.
type EventPublisher interface {
	Publish(ctx context.Context, key string, message []byte) error
}

// notifier sends domain events and business metrics. Both are best effort:
// a failure is logged and never fails the operation that triggered it.
type notifier struct {
	publisher EventPublisher
	metrics   awspkg.MetricsRecorder
	logger    *zap.Logger
}

func (n notifier) publish(ctx context.Context, evt models.OrderEvent) {
	if n.publisher == nil {
		return
	}
	evt.Timestamp = time.Now().UTC()
	payload, err := json.Marshal(evt)
	if err != nil {
		n.logger.Error("marshal event", zap.String("type", evt.Type), zap.Error(err))
		return
	}
	if err := n.publisher.Publish(ctx, evt.Type, payload); err != nil {
		n.logger.Warn("event publish failed",
			zap.String("type", evt.Type), zap.String("order_id", evt.OrderID), zap.Error(err))
	}
}

func (n notifier) count(ctx context.Context, metric string) {
	if n.metrics == nil {
		return
	}
	if err := n.metrics.RecordCount(ctx, metric, map[string]string{"Service": "grocery-api"}); err != nil {
		n.logger.Debug("metric record failed", zap.String("metric", metric), zap.Error(err))
	}
}

func (n notifier) latency(ctx context.Context, metric string, d time.Duration) {
	if n.metrics == nil {
		return
	}
	_ = n.metrics.RecordLatency(ctx, metric, d, map[string]string{"Service": "grocery-api"})
}

func orderEvent(eventType string, order *models.Order) models.OrderEvent {
	return models.OrderEvent{
		Type:        eventType,
		OrderID:     order.ID.Hex(),
		UserID:      order.UserID,
		TotalAmount: order.TotalAmount,
		Status:      string(order.Status),
	}
}
