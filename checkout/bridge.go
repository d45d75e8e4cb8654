package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	PaymentKey = "mineshop:pix_payment"
	OrderKey   = "mineshop:pix_order_id"
)

// Resume says what a restored session should do next.
type Resume int

const (
	ResumeNone Resume = iota
	ResumeChecking
	ResumePaid
)

func (r Resume) String() string {
	switch r {
	case ResumeChecking:
		return "checking"
	case ResumePaid:
		return "paid"
	default:
		return "none"
	}
}

type Restored struct {
	OrderID string
	Payment *PixPayment
	Resume  Resume
}

// Bridge persists the active PIX payment so a reload can resume it.
type Bridge struct {
	store  Store
	now    func() time.Time
	logger *zap.Logger
}

type BridgeOption func(*Bridge)

func WithBridgeClock(now func() time.Time) BridgeOption {
	return func(b *Bridge) { b.now = now }
}

func NewBridge(store Store, logger *zap.Logger, opts ...BridgeOption) *Bridge {
	b := &Bridge{store: store, now: time.Now, logger: logger}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bridge) Save(ctx context.Context, orderID string, p PixPayment) error {
	p.OrderID = orderID
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal payment: %w", err)
	}
	if err := b.store.Set(ctx, PaymentKey, raw); err != nil {
		return fmt.Errorf("failed to save payment: %w", err)
	}
	if err := b.store.Set(ctx, OrderKey, []byte(orderID)); err != nil {
		return fmt.Errorf("failed to save order id: %w", err)
	}
	return nil
}

func (b *Bridge) Clear(ctx context.Context) error {
	if err := b.store.Delete(ctx, PaymentKey, OrderKey); err != nil {
		return fmt.Errorf("failed to clear payment: %w", err)
	}
	return nil
}

// Restore reads the persisted payment and decides how to resume. Expired or
// unreadable data is cleared and never resumed. A payment already marked paid
// routes to the post-payment step even if its QR has since expired.
func (b *Bridge) Restore(ctx context.Context) (Restored, error) {
	raw, err := b.store.Get(ctx, PaymentKey)
	if errors.Is(err, ErrNotFound) {
		if _, err := b.store.Get(ctx, OrderKey); err == nil {
			b.clearQuietly(ctx, "orphan order id")
		}
		return Restored{}, nil
	}
	if err != nil {
		return Restored{}, fmt.Errorf("failed to load payment: %w", err)
	}

	var p PixPayment
	if err := json.Unmarshal(raw, &p); err != nil {
		b.clearQuietly(ctx, "unreadable payment")
		return Restored{}, nil
	}

	orderID := p.OrderID
	if v, err := b.store.Get(ctx, OrderKey); err == nil && len(v) > 0 {
		orderID = string(v)
	}
	if orderID == "" {
		b.clearQuietly(ctx, "payment without order")
		return Restored{}, nil
	}
	p.OrderID = orderID

	if p.ExpiredAt(b.now()) {
		b.clearQuietly(ctx, "expired payment")
		if p.Paid {
			return Restored{OrderID: orderID, Payment: &p, Resume: ResumePaid}, nil
		}
		return Restored{}, nil
	}

	if p.Paid {
		return Restored{OrderID: orderID, Payment: &p, Resume: ResumePaid}, nil
	}
	return Restored{OrderID: orderID, Payment: &p, Resume: ResumeChecking}, nil
}

func (b *Bridge) clearQuietly(ctx context.Context, reason string) {
	b.logger.Info("Discarding persisted payment", zap.String("reason", reason))
	if err := b.Clear(ctx); err != nil {
		b.logger.Warn("Failed to clear persisted payment", zap.Error(err))
	}
}
