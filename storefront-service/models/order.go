package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending OrderStatus = "pending"
	OrderStatusPaid    OrderStatus = "paid"
	OrderStatusExpired OrderStatus = "expired"
)

const (
	PaymentMethodPix  = "pix"
	PaymentMethodCard = "card"
)

type Order struct {
	ID              string          `json:"id"`
	CustomerID      string          `json:"customerId,omitempty"`
	CustomerName    string          `json:"customerName"`
	CustomerSurname string          `json:"customerSurname"`
	CustomerEmail   string          `json:"customerEmail"`
	CustomerCPF     string          `json:"customerCpf"`
	PaymentMethod   string          `json:"paymentMethod"`
	CouponCode      string          `json:"couponCode,omitempty"`
	Status          OrderStatus     `json:"status"`
	Total           decimal.Decimal `json:"total"`
	Items           []OrderItem     `json:"items,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

type OrderItem struct {
	ProductID int             `json:"productId"`
	Variant   string          `json:"variant,omitempty"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

type CustomerRequest struct {
	Name    string `json:"name" binding:"required"`
	Surname string `json:"surname" binding:"required"`
	Email   string `json:"email" binding:"required,email"`
	CPF     string `json:"cpf" binding:"required,cpf"`
}

// OrderItemRequest carries what the cart holds. Any price sent by the client
// is ignored in favour of the catalog price.
type OrderItemRequest struct {
	ProductID int    `json:"productId" binding:"required,gt=0"`
	Variant   string `json:"variant"`
	Quantity  int    `json:"quantity" binding:"required,gt=0"`
}

type CreateOrderRequest struct {
	Items         []OrderItemRequest `json:"items" binding:"required,min=1,dive"`
	Customer      CustomerRequest    `json:"customer" binding:"required"`
	PaymentMethod string             `json:"paymentMethod" binding:"required,oneof=pix card"`
	CouponCode    string             `json:"couponCode"`
}

type CreateOrderResponse struct {
	Success bool            `json:"success"`
	OrderID string          `json:"orderId,omitempty"`
	Total   decimal.Decimal `json:"total"`
	Error   string          `json:"error,omitempty"`
}

type CouponUsageRequest struct {
	OrderID    string `json:"orderId" binding:"required"`
	CouponCode string `json:"couponCode" binding:"required"`
}

type OrderEvent struct {
	OrderID       string          `json:"order_id"`
	CustomerID    string          `json:"customer_id,omitempty"`
	PaymentMethod string          `json:"payment_method"`
	Status        OrderStatus     `json:"status"`
	Total         decimal.Decimal `json:"total"`
	EventType     string          `json:"event_type"` // order_created
}
