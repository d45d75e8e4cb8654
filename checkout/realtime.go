package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mineshop/client"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrRealtimeRejected = errors.New("realtime channel rejected the subscription")

// RealtimeChannel listens for pushed payment updates over a WebSocket. It is
// best effort: once it gives up, polling alone carries the verification.
type RealtimeChannel struct {
	URL         string
	Dialer      *websocket.Dialer
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
	logger      *zap.Logger
}

func NewRealtimeChannel(url string, logger *zap.Logger) *RealtimeChannel {
	return &RealtimeChannel{
		URL:         url,
		Dialer:      websocket.DefaultDialer,
		MaxAttempts: 5,
		Backoff:     time.Second,
		MaxBackoff:  30 * time.Second,
		logger:      logger,
	}
}

func (r *RealtimeChannel) Name() string { return "realtime" }

// Watch keeps a subscription open, reconnecting with backoff after drops. A
// session that received at least one frame resets the attempt count. An
// error frame from the server ends the channel immediately.
func (r *RealtimeChannel) Watch(ctx context.Context, target Target, sink Sink) error {
	attempts := 0
	backoff := r.Backoff
	for {
		received, err := r.session(ctx, target, sink)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrRealtimeRejected) {
			return err
		}
		if received {
			attempts = 0
			backoff = r.Backoff
		}
		attempts++
		if attempts >= r.MaxAttempts {
			return fmt.Errorf("realtime channel gave up after %d attempts: %w", attempts, err)
		}

		r.logger.Debug("Realtime channel dropped, reconnecting",
			zap.String("order_id", target.OrderID),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
		if backoff > r.MaxBackoff {
			backoff = r.MaxBackoff
		}
	}
}

func (r *RealtimeChannel) session(ctx context.Context, target Target, sink Sink) (bool, error) {
	conn, _, err := r.Dialer.DialContext(ctx, r.URL, nil)
	if err != nil {
		return false, fmt.Errorf("failed to dial realtime channel: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	err = conn.WriteJSON(client.RealtimeMessage{
		Type:      client.MessageSubscribe,
		OrderID:   target.OrderID,
		PaymentID: target.PaymentID,
	})
	if err != nil {
		return false, fmt.Errorf("failed to subscribe: %w", err)
	}

	received := false
	for {
		var msg client.RealtimeMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return received, fmt.Errorf("failed to read realtime message: %w", err)
		}
		received = true

		switch msg.Type {
		case client.MessagePaymentStatus:
			if msg.OrderID != "" && msg.OrderID != target.OrderID {
				continue
			}
			sink.Deliver(Signal{
				Source:    SourceRealtime,
				IsPaid:    msg.IsPaid,
				IsExpired: msg.IsExpired,
				Status:    msg.Status,
			})
		case client.MessagePing:
			if err := conn.WriteJSON(client.RealtimeMessage{Type: client.MessagePong}); err != nil {
				return received, fmt.Errorf("failed to answer ping: %w", err)
			}
		case client.MessageError:
			return received, fmt.Errorf("%w: %s", ErrRealtimeRejected, msg.Message)
		}
	}
}
