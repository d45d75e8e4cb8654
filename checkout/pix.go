package checkout

import (
	"context"
	"time"

	"mineshop/client"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	PlaceholderQRCode   = "00020126360014BR.GOV.BCB.PIX0114MINESHOP-OFFLINE5204000053039865802BR5908MINESHOP6009SAO PAULO62070503***6304A1B2"
	PlaceholderQRBase64 = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII="
	PlaceholderTTL      = 30 * time.Minute
)

type PixAPI interface {
	GeneratePix(ctx context.Context, orderID string) (*client.PixResponse, error)
}

// PixGenerator turns an order into a payment artifact the customer can pay.
// It never fails the checkout: a provider problem yields a locally built
// placeholder that the UI must flag.
type PixGenerator struct {
	api    PixAPI
	bridge *Bridge
	now    func() time.Time
	logger *zap.Logger
}

func NewPixGenerator(api PixAPI, bridge *Bridge, logger *zap.Logger) *PixGenerator {
	return &PixGenerator{api: api, bridge: bridge, now: time.Now, logger: logger}
}

// Generate produces exactly one PixPayment for orderID and persists it.
// subtotal is the cart amount used when the placeholder is needed.
func (g *PixGenerator) Generate(ctx context.Context, orderID string, subtotal decimal.Decimal) (PixPayment, Origin) {
	logger := g.logger.With(zap.String("order_id", orderID))

	resp, err := g.api.GeneratePix(ctx, orderID)
	var payment PixPayment
	origin := OriginProvider
	switch {
	case err != nil:
		logger.Warn("PIX generation failed, using placeholder",
			zap.Bool("timeout", client.IsTimeout(err)),
			zap.Error(err),
		)
		payment, origin = g.placeholder(orderID, subtotal), OriginPlaceholder
	case !Complete(resp):
		logger.Warn("PIX response incomplete, using placeholder", zap.Bool("success", resp != nil && resp.Success))
		payment, origin = g.placeholder(orderID, subtotal), OriginPlaceholder
	default:
		payment = PixPayment{
			PaymentID:    resp.PaymentID,
			OrderID:      orderID,
			QRCode:       resp.QRCode,
			QRCodeBase64: resp.QRCodeBase64,
			QRCodeURL:    resp.QRCodeURL,
			ExpiresAt:    resp.ExpiresAt,
			Amount:       resp.Amount,
			CreatedAt:    g.now(),
		}
	}

	if err := g.bridge.Save(ctx, orderID, payment); err != nil {
		logger.Error("Failed to persist PIX payment", zap.Error(err))
	}
	logger.Info("PIX payment ready", zap.String("origin", string(origin)), zap.String("payment_id", payment.PaymentID))
	return payment, origin
}

// Complete reports whether a provider response carries everything needed to
// show and verify a payment.
func Complete(resp *client.PixResponse) bool {
	if resp == nil || !resp.Success {
		return false
	}
	if resp.PaymentID == "" || resp.QRCode == "" {
		return false
	}
	if resp.QRCodeBase64 == "" && resp.QRCodeURL == "" {
		return false
	}
	if _, ok := ParseExpiration(resp.ExpiresAt); !ok {
		return false
	}
	return resp.Amount.IsPositive()
}

func (g *PixGenerator) placeholder(orderID string, subtotal decimal.Decimal) PixPayment {
	now := g.now()
	return PixPayment{
		OrderID:      orderID,
		QRCode:       PlaceholderQRCode,
		QRCodeBase64: PlaceholderQRBase64,
		ExpiresAt:    now.Add(PlaceholderTTL).UTC().Format(time.RFC3339),
		Amount:       subtotal,
		Placeholder:  true,
		CreatedAt:    now,
	}
}
