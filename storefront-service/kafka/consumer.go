package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"mineshop/storefront-service/middleware"
	"mineshop/storefront-service/models"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Broadcaster receives payment events read back from Kafka.
type Broadcaster interface {
	Broadcast(event models.PaymentEvent)
}

// MessageReader is the part of *kafkago.Reader the consumer loop uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafkago.Message, error)
	Close() error
}

// InitConsumer returns a reader on the payment events topic. Every storefront
// instance serves its own WebSocket clients, so each one joins with its own
// group id and sees every event.
func InitConsumer(logger *zap.Logger) *kafkago.Reader {
	groupID := getEnv("KAFKA_GROUP_ID", "")
	if groupID == "" {
		host, _ := os.Hostname()
		groupID = fmt.Sprintf("storefront-hub-%s-%s", host, uuid.NewString()[:8])
	}

	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     Brokers(),
		Topic:       PaymentEventsTopic,
		GroupID:     groupID,
		StartOffset: kafkago.LastOffset,
		MinBytes:    1,
		MaxBytes:    1 << 20,
	})

	logger.Info("Kafka consumer initialized",
		zap.String("topic", PaymentEventsTopic),
		zap.String("group_id", groupID),
	)
	return reader
}

// StartConsumer feeds payment events into hub until ctx is cancelled.
func StartConsumer(ctx context.Context, reader MessageReader, hub Broadcaster, logger *zap.Logger) error {
	logger.Info("Kafka consumer started", zap.String("topic", PaymentEventsTopic))

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return fmt.Errorf("failed to read message: %w", err)
		}

		if err := handleMessage(msg, hub, logger); err != nil {
			logger.Error("Failed to handle payment event",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		}
	}
}

func handleMessage(msg kafkago.Message, hub Broadcaster, logger *zap.Logger) error {
	// Extract trace context from Kafka message headers
	ctx := otel.GetTextMapPropagator().Extract(context.Background(), kafkaHeaderCarrier(msg.Headers))
	ctx, span := otel.Tracer("storefront-service").Start(ctx, "ConsumePaymentEvent")
	defer span.End()

	var event models.PaymentEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to unmarshal event: %w", err)
	}
	if event.OrderID == "" {
		return fmt.Errorf("missing order_id in event")
	}

	span.SetAttributes(
		attribute.String("event.type", event.EventType),
		attribute.String("order.id", event.OrderID),
	)

	hub.Broadcast(event)

	logger.Debug("Payment event relayed",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.String("event_type", event.EventType),
		zap.String("order_id", event.OrderID),
	)
	return nil
}

// kafkaHeaderCarrier implements the TextMapCarrier interface for incoming Kafka headers
type kafkaHeaderCarrier []kafkago.Header

func (c kafkaHeaderCarrier) Get(key string) string {
	for _, h := range c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c kafkaHeaderCarrier) Set(key, value string) {
	// Not needed for extraction
}

func (c kafkaHeaderCarrier) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = h.Key
	}
	return keys
}
