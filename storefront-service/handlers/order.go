package handlers

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"mineshop/storefront-service/middleware"
	"mineshop/storefront-service/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const idempotencyHeader = "Idempotency-Key"

// orderError is an answer to the client decided inside the order transaction.
type orderError struct {
	status  int
	message string
}

func (e *orderError) Error() string { return e.message }

type OrderHandler struct {
	db        *sql.DB
	publisher EventPublisher
	logger    *zap.Logger
}

func NewOrderHandler(db *sql.DB, publisher EventPublisher, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{
		db:        db,
		publisher: publisher,
		logger:    logger,
	}
}

func (h *OrderHandler) CreateOrder(c *gin.Context) {
	ctx, span := otel.Tracer("storefront-service").Start(c.Request.Context(), "CreateOrder")
	defer span.End()

	var req models.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.CreateOrderResponse{Error: bindingMessage(err)})
		return
	}
	req.CouponCode = normalizeCoupon(req.CouponCode)
	key := c.GetHeader(idempotencyHeader)

	span.SetAttributes(
		attribute.Int("order.items", len(req.Items)),
		attribute.String("order.payment_method", req.PaymentMethod),
		attribute.Bool("order.coupon", req.CouponCode != ""),
	)

	// A retried request gets the order created the first time.
	if key != "" {
		var existing models.CreateOrderResponse
		err := h.db.QueryRowContext(ctx, "SELECT id, total FROM orders WHERE idempotency_key = $1", key).
			Scan(&existing.OrderID, &existing.Total)
		if err == nil {
			existing.Success = true
			span.SetAttributes(attribute.Bool("order.replayed", true))
			c.JSON(http.StatusOK, existing)
			return
		}
		if !errors.Is(err, sql.ErrNoRows) {
			span.RecordError(err)
			h.logger.Error("Failed to look up idempotency key", zap.Error(err))
			c.JSON(http.StatusInternalServerError, models.CreateOrderResponse{Error: "Internal server error"})
			return
		}
	}

	order := models.Order{
		ID:              uuid.NewString(),
		CustomerID:      c.GetString(middleware.CustomerIDKey),
		CustomerName:    strings.TrimSpace(req.Customer.Name),
		CustomerSurname: strings.TrimSpace(req.Customer.Surname),
		CustomerEmail:   strings.TrimSpace(req.Customer.Email),
		CustomerCPF:     req.Customer.CPF,
		PaymentMethod:   req.PaymentMethod,
		CouponCode:      req.CouponCode,
		Status:          models.OrderStatusPending,
	}

	if err := h.insertOrder(c, &order, req.Items, key); err != nil {
		var oerr *orderError
		if errors.As(err, &oerr) {
			c.JSON(oerr.status, models.CreateOrderResponse{Error: oerr.message})
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to create order",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, models.CreateOrderResponse{Error: "Internal server error"})
		return
	}

	span.SetAttributes(attribute.String("order.id", order.ID))
	middleware.RecordOrderCreated(order.PaymentMethod)

	event := models.OrderEvent{
		OrderID:       order.ID,
		CustomerID:    order.CustomerID,
		PaymentMethod: order.PaymentMethod,
		Status:        order.Status,
		Total:         order.Total,
		EventType:     "order_created",
	}
	if err := h.publisher.PublishOrderEvent(ctx, event); err != nil {
		// Don't fail the request, but log the error
		h.logger.Error("Failed to publish order_created event", zap.String("order_id", order.ID), zap.Error(err))
	}

	h.logger.Info("Order created",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.String("order_id", order.ID),
		zap.String("total", order.Total.StringFixed(2)),
	)
	c.JSON(http.StatusCreated, models.CreateOrderResponse{
		Success: true,
		OrderID: order.ID,
		Total:   order.Total,
	})
}

// insertOrder prices the cart from the catalog and stores the order with its
// items in one transaction.
func (h *OrderHandler) insertOrder(c *gin.Context, order *models.Order, items []models.OrderItemRequest, key string) error {
	ctx := c.Request.Context()

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	requested := make(map[int]int, len(items))
	total := decimal.Zero
	for _, item := range items {
		var p models.Product
		err := tx.QueryRowContext(ctx, "SELECT id, name, price, stock FROM products WHERE id = $1 AND active = TRUE", item.ProductID).
			Scan(&p.ID, &p.Name, &p.Price, &p.Stock)
		if errors.Is(err, sql.ErrNoRows) {
			return &orderError{http.StatusUnprocessableEntity, fmt.Sprintf("Product %d not found", item.ProductID)}
		}
		if err != nil {
			return fmt.Errorf("failed to load product %d: %w", item.ProductID, err)
		}

		requested[p.ID] += item.Quantity
		if !p.InStock(requested[p.ID]) {
			return &orderError{http.StatusConflict, fmt.Sprintf("%s is out of stock", p.Name)}
		}

		order.Items = append(order.Items, models.OrderItem{
			ProductID: p.ID,
			Variant:   item.Variant,
			Quantity:  item.Quantity,
			UnitPrice: p.Price,
		})
		total = total.Add(p.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}

	if order.CouponCode != "" {
		var percent int
		err := tx.QueryRowContext(ctx, "SELECT discount_percent FROM coupons WHERE code = $1 AND active = TRUE", order.CouponCode).
			Scan(&percent)
		if errors.Is(err, sql.ErrNoRows) {
			return &orderError{http.StatusUnprocessableEntity, "Invalid coupon code"}
		}
		if err != nil {
			return fmt.Errorf("failed to load coupon: %w", err)
		}
		total = applyDiscount(total, percent)
	}
	order.Total = total.Round(2)

	_, err = tx.ExecContext(ctx,
		"INSERT INTO orders (id, idempotency_key, customer_id, customer_name, customer_surname, customer_email, customer_cpf, payment_method, coupon_code, status, total) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)",
		order.ID,
		sql.NullString{String: key, Valid: key != ""},
		order.CustomerID,
		order.CustomerName,
		order.CustomerSurname,
		order.CustomerEmail,
		order.CustomerCPF,
		order.PaymentMethod,
		order.CouponCode,
		order.Status,
		order.Total,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return &orderError{http.StatusConflict, "Duplicate order request"}
		}
		return fmt.Errorf("failed to insert order: %w", err)
	}

	for _, item := range order.Items {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO order_items (order_id, product_id, variant, quantity, unit_price) VALUES ($1, $2, $3, $4, $5)",
			order.ID, item.ProductID, item.Variant, item.Quantity, item.UnitPrice,
		)
		if err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit order: %w", err)
	}
	return nil
}

func (h *OrderHandler) GetOrder(c *gin.Context) {
	ctx, span := otel.Tracer("storefront-service").Start(c.Request.Context(), "GetOrder")
	defer span.End()

	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID"})
		return
	}
	span.SetAttributes(attribute.String("order.id", id))

	var order models.Order
	err := h.db.QueryRowContext(ctx,
		"SELECT id, customer_id, customer_name, customer_surname, customer_email, customer_cpf, payment_method, coupon_code, status, total, created_at, updated_at FROM orders WHERE id = $1",
		id,
	).Scan(&order.ID, &order.CustomerID, &order.CustomerName, &order.CustomerSurname, &order.CustomerEmail, &order.CustomerCPF,
		&order.PaymentMethod, &order.CouponCode, &order.Status, &order.Total, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to get order", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	// Orders belonging to an account are only shown to that account.
	if order.CustomerID != "" && order.CustomerID != c.GetString(middleware.CustomerIDKey) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
		return
	}

	rows, err := h.db.QueryContext(ctx, "SELECT product_id, variant, quantity, unit_price FROM order_items WHERE order_id = $1 ORDER BY id", id)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to get order items", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	defer rows.Close()

	for rows.Next() {
		var item models.OrderItem
		if err := rows.Scan(&item.ProductID, &item.Variant, &item.Quantity, &item.UnitPrice); err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to scan order item", zap.Error(err))
			continue
		}
		order.Items = append(order.Items, item)
	}

	c.JSON(http.StatusOK, order)
}

func applyDiscount(total decimal.Decimal, percent int) decimal.Decimal {
	if percent <= 0 {
		return total
	}
	if percent > 100 {
		percent = 100
	}
	return total.Mul(decimal.NewFromInt(int64(100 - percent))).Div(decimal.NewFromInt(100)).Round(2)
}

func normalizeCoupon(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
