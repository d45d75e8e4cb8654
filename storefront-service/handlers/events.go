package handlers

import (
	"context"

	"mineshop/storefront-service/models"

	"go.uber.org/zap"
)

// EventPublisher carries order and payment events out of the handlers. The
// Kafka publisher implements it; LocalPublisher stands in without a broker.
type EventPublisher interface {
	PublishOrderEvent(ctx context.Context, event models.OrderEvent) error
	PublishPaymentEvent(ctx context.Context, event models.PaymentEvent) error
}

// PaymentSink receives payment events in process, e.g. the realtime hub.
type PaymentSink interface {
	PublishPaymentEvent(ctx context.Context, event models.PaymentEvent) error
}

type LocalPublisher struct {
	payments PaymentSink
	logger   *zap.Logger
}

func NewLocalPublisher(payments PaymentSink, logger *zap.Logger) *LocalPublisher {
	return &LocalPublisher{payments: payments, logger: logger}
}

func (p *LocalPublisher) PublishOrderEvent(_ context.Context, event models.OrderEvent) error {
	p.logger.Info("Order event",
		zap.String("event_type", event.EventType),
		zap.String("order_id", event.OrderID),
	)
	return nil
}

func (p *LocalPublisher) PublishPaymentEvent(ctx context.Context, event models.PaymentEvent) error {
	return p.payments.PublishPaymentEvent(ctx, event)
}
