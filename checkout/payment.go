package checkout

import (
	"time"

	"mineshop/client"

	"github.com/shopspring/decimal"
)

type PaymentMethod string

const (
	MethodPix  PaymentMethod = "pix"
	MethodCard PaymentMethod = "card"
)

// Order is what the storefront accepted. The client never mutates it; status
// changes are observed through payment checks.
type Order struct {
	ID            string
	Items         []client.LineItem
	Customer      client.Customer
	CouponCode    string
	PaymentMethod PaymentMethod
	Total         decimal.Decimal
	CreatedAt     time.Time
}

// PixPayment is the artifact shown to the customer. ExpiresAt keeps the
// server's original timestamp text so the countdown can be re-derived after a
// reload.
type PixPayment struct {
	PaymentID    string          `json:"paymentId,omitempty"`
	OrderID      string          `json:"orderId"`
	QRCode       string          `json:"qrCode"`
	QRCodeBase64 string          `json:"qrCodeBase64,omitempty"`
	QRCodeURL    string          `json:"qrCodeUrl,omitempty"`
	ExpiresAt    string          `json:"expiresAt"`
	Amount       decimal.Decimal `json:"amount"`
	Paid         bool            `json:"paid"`
	Placeholder  bool            `json:"placeholder,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

func (p PixPayment) Expiration() (time.Time, bool) {
	return ParseExpiration(p.ExpiresAt)
}

// ExpiredAt reports whether the payment can no longer be paid at now. A
// payment without a usable expiration is treated as expired.
func (p PixPayment) ExpiredAt(now time.Time) bool {
	exp, ok := p.Expiration()
	if !ok {
		return true
	}
	return !now.Before(exp)
}

// Origin tells where a PixPayment came from.
type Origin string

const (
	OriginProvider    Origin = "provider"
	OriginPlaceholder Origin = "placeholder"
)
