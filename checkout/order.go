package checkout

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"mineshop/client"

	"go.uber.org/zap"
)

type OrderAPI interface {
	CreateOrder(ctx context.Context, req client.CreateOrderRequest) (*client.CreateOrderResponse, error)
	RegisterCouponUsage(ctx context.Context, orderID, couponCode string) error
}

// Coupon is a code the customer entered. Only validated coupons have their
// usage registered after the order is created.
type Coupon struct {
	Code      string
	Validated bool
}

type OrderInput struct {
	Items         []client.LineItem
	Customer      client.Customer
	PaymentMethod PaymentMethod
	Coupon        *Coupon
}

type OrderCreator struct {
	api    OrderAPI
	now    func() time.Time
	logger *zap.Logger
}

func NewOrderCreator(api OrderAPI, logger *zap.Logger) *OrderCreator {
	return &OrderCreator{api: api, now: time.Now, logger: logger}
}

// Create validates the input locally and, only if it passes, submits the
// order. Coupon registration is best effort.
func (c *OrderCreator) Create(ctx context.Context, in OrderInput) (*Order, error) {
	if err := ValidateCart(in.Items); err != nil {
		return nil, err
	}
	if err := ValidateCustomer(in.Customer); err != nil {
		return nil, err
	}
	if in.PaymentMethod != MethodPix && in.PaymentMethod != MethodCard {
		return nil, &ValidationError{Field: "paymentMethod", Message: "must be pix or card"}
	}

	customer := client.Customer{
		Name:    strings.TrimSpace(in.Customer.Name),
		Surname: strings.TrimSpace(in.Customer.Surname),
		Email:   strings.TrimSpace(in.Customer.Email),
		CPF:     strings.TrimSpace(in.Customer.CPF),
	}
	req := client.CreateOrderRequest{
		Items:         in.Items,
		Customer:      customer,
		PaymentMethod: string(in.PaymentMethod),
	}
	if in.Coupon != nil {
		req.CouponCode = in.Coupon.Code
	}

	resp, err := c.api.CreateOrder(ctx, req)
	if err != nil {
		c.logger.Error("Failed to create order", zap.Error(err))
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	if !resp.Success || resp.OrderID == "" {
		msg := resp.Error
		if msg == "" {
			msg = "order rejected"
		}
		return nil, fmt.Errorf("failed to create order: %w", &client.HTTPError{StatusCode: http.StatusUnprocessableEntity, Message: msg})
	}

	order := &Order{
		ID:            resp.OrderID,
		Items:         in.Items,
		Customer:      customer,
		CouponCode:    req.CouponCode,
		PaymentMethod: in.PaymentMethod,
		Total:         resp.Total,
		CreatedAt:     c.now(),
	}
	c.logger.Info("Order created", zap.String("order_id", order.ID), zap.String("total", order.Total.StringFixed(2)))

	if in.Coupon != nil && in.Coupon.Validated && in.Coupon.Code != "" {
		if err := c.api.RegisterCouponUsage(ctx, order.ID, in.Coupon.Code); err != nil {
			c.logger.Warn("Failed to register coupon usage",
				zap.String("order_id", order.ID),
				zap.String("coupon", in.Coupon.Code),
				zap.Error(err),
			)
		}
	}
	return order, nil
}
