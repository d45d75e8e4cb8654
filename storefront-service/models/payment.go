package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusPaid       PaymentStatus = "paid"
	PaymentStatusExpired    PaymentStatus = "expired"
	PaymentStatusSuperseded PaymentStatus = "superseded"
)

// Terminal reports whether no further transition can happen. A superseded
// charge is not terminal: the payer may still settle it until it expires.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentStatusPaid || s == PaymentStatusExpired
}

type PixPayment struct {
	ID           string          `json:"id"`
	OrderID      string          `json:"orderId"`
	Provider     string          `json:"provider"`
	Status       PaymentStatus   `json:"status"`
	QRCode       string          `json:"qrCode"`
	QRCodeBase64 string          `json:"qrCodeBase64,omitempty"`
	QRCodeURL    string          `json:"qrCodeUrl,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	ExpiresAt    time.Time       `json:"expiresAt"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

type GeneratePixRequest struct {
	OrderID string `json:"orderId" binding:"required"`
}

type PixResponse struct {
	Success      bool            `json:"success"`
	PaymentID    string          `json:"paymentId,omitempty"`
	QRCode       string          `json:"qrCode,omitempty"`
	QRCodeBase64 string          `json:"qrCodeBase64,omitempty"`
	QRCodeURL    string          `json:"qrCodeUrl,omitempty"`
	ExpiresAt    string          `json:"expiresAt,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	Error        string          `json:"error,omitempty"`
}

type CheckStatusRequest struct {
	OrderID   string `json:"orderId" binding:"required"`
	PaymentID string `json:"paymentId"`
}

type StatusResponse struct {
	IsPaid    bool   `json:"isPaid"`
	IsExpired bool   `json:"isExpired"`
	Status    string `json:"status,omitempty"`
}

// StatusOf maps a stored payment status to the wire answer.
func StatusOf(s PaymentStatus) StatusResponse {
	return StatusResponse{
		IsPaid:    s == PaymentStatusPaid,
		IsExpired: s == PaymentStatusExpired,
		Status:    string(s),
	}
}

// WebhookNotification is the provider callback body. Only the payment id is
// trusted; the status is always re-read from the provider.
type WebhookNotification struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	Data   struct {
		ID NotificationID `json:"id"`
	} `json:"data"`
}

// NotificationID accepts the payment id as a JSON string or number.
type NotificationID string

func (n *NotificationID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*n = NotificationID(s)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return err
	}
	*n = NotificationID(num.String())
	return nil
}

type PaymentEvent struct {
	PaymentID string          `json:"payment_id"`
	OrderID   string          `json:"order_id"`
	Provider  string          `json:"provider"`
	Amount    decimal.Decimal `json:"amount"`
	Status    PaymentStatus   `json:"status"`
	EventType string          `json:"event_type"` // payment_created, payment_paid, payment_expired
}
