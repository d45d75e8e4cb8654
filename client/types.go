package client

import "github.com/shopspring/decimal"

// Wire types of the storefront API. Field names follow the storefront's
// camelCase JSON contract.

type LineItem struct {
	ProductID int             `json:"productId"`
	Variant   string          `json:"variant,omitempty"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

type Customer struct {
	Name    string `json:"name"`
	Surname string `json:"surname"`
	Email   string `json:"email"`
	CPF     string `json:"cpf"`
}

type CreateOrderRequest struct {
	Items         []LineItem `json:"items"`
	Customer      Customer   `json:"customer"`
	PaymentMethod string     `json:"paymentMethod"`
	CouponCode    string     `json:"couponCode,omitempty"`
}

type CreateOrderResponse struct {
	Success bool            `json:"success"`
	OrderID string          `json:"orderId"`
	Total   decimal.Decimal `json:"total"`
	Error   string          `json:"error,omitempty"`
}

type CouponUsageRequest struct {
	OrderID    string `json:"orderId"`
	CouponCode string `json:"couponCode"`
}

type GeneratePixRequest struct {
	OrderID string `json:"orderId"`
}

type PixResponse struct {
	Success      bool            `json:"success"`
	PaymentID    string          `json:"paymentId"`
	QRCode       string          `json:"qrCode"`
	QRCodeBase64 string          `json:"qrCodeBase64,omitempty"`
	QRCodeURL    string          `json:"qrCodeUrl,omitempty"`
	ExpiresAt    string          `json:"expiresAt"`
	Amount       decimal.Decimal `json:"amount"`
	Error        string          `json:"error,omitempty"`
}

type CheckStatusRequest struct {
	OrderID   string `json:"orderId"`
	PaymentID string `json:"paymentId,omitempty"`
}

type StatusResponse struct {
	IsPaid    bool   `json:"isPaid"`
	IsExpired bool   `json:"isExpired"`
	Status    string `json:"status,omitempty"`
}

// Real-time channel frames.
const (
	MessageSubscribe     = "subscribe"
	MessagePaymentStatus = "payment_status"
	MessagePing          = "ping"
	MessagePong          = "pong"
	MessageError         = "error"
)

type RealtimeMessage struct {
	Type      string `json:"type"`
	OrderID   string `json:"orderId,omitempty"`
	PaymentID string `json:"paymentId,omitempty"`
	IsPaid    bool   `json:"isPaid,omitempty"`
	IsExpired bool   `json:"isExpired,omitempty"`
	Status    string `json:"status,omitempty"`
	Message   string `json:"message,omitempty"`
}
