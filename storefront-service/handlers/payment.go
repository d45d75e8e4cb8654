package handlers

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"mineshop/circuitbreaker"
	"mineshop/storefront-service/cache"
	"mineshop/storefront-service/middleware"
	"mineshop/storefront-service/models"
	"mineshop/storefront-service/provider"
	"mineshop/storefront-service/realtime"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const paymentColumns = "id, order_id, provider, status, qr_code, qr_code_base64, qr_code_url, amount, expires_at, created_at, updated_at"

type PaymentConfig struct {
	// PixTTL is how long a generated charge can be paid.
	PixTTL time.Duration
	// WebhookToken, when set, must be sent as ?token= on provider callbacks.
	WebhookToken string
	Now          func() time.Time
}

type PaymentHandler struct {
	db             *sql.DB
	rdb            cache.Client
	provider       provider.Provider
	publisher      EventPublisher
	logger         *zap.Logger
	cfg            PaymentConfig
	circuitBreaker *circuitbreaker.CircuitBreaker
}

// NewPaymentHandler serves the PIX endpoints. rdb may be nil to run uncached.
func NewPaymentHandler(db *sql.DB, rdb cache.Client, p provider.Provider, publisher EventPublisher, logger *zap.Logger, cfg PaymentConfig) *PaymentHandler {
	if cfg.PixTTL <= 0 {
		cfg.PixTTL = 30 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &PaymentHandler{
		db:        db,
		rdb:       rdb,
		provider:  p,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg,
		circuitBreaker: circuitbreaker.NewCircuitBreaker(5, 30*time.Second,
			circuitbreaker.WithStateChange(func(from, to circuitbreaker.State) {
				logger.Warn("Payment provider circuit changed",
					zap.String("provider", p.Name()),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			}),
		),
	}
}

func (h *PaymentHandler) GeneratePix(c *gin.Context) {
	ctx, span := otel.Tracer("storefront-service").Start(c.Request.Context(), "GeneratePix")
	defer span.End()

	var req models.GeneratePixRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.PixResponse{Error: bindingMessage(err)})
		return
	}
	if _, err := uuid.Parse(req.OrderID); err != nil {
		c.JSON(http.StatusBadRequest, models.PixResponse{Error: "Invalid order ID"})
		return
	}
	span.SetAttributes(attribute.String("order.id", req.OrderID), attribute.String("payment.provider", h.provider.Name()))

	var order models.Order
	err := h.db.QueryRowContext(ctx,
		"SELECT id, status, payment_method, total, customer_name, customer_surname, customer_email, customer_cpf FROM orders WHERE id = $1",
		req.OrderID,
	).Scan(&order.ID, &order.Status, &order.PaymentMethod, &order.Total, &order.CustomerName, &order.CustomerSurname, &order.CustomerEmail, &order.CustomerCPF)
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, models.PixResponse{Error: "Order not found"})
		return
	}
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to load order", zap.Error(err))
		c.JSON(http.StatusInternalServerError, models.PixResponse{Error: "Internal server error"})
		return
	}
	if order.Status != models.OrderStatusPending {
		c.JSON(http.StatusConflict, models.PixResponse{Error: "Order is not awaiting payment"})
		return
	}
	if order.PaymentMethod != models.PaymentMethodPix {
		c.JSON(http.StatusUnprocessableEntity, models.PixResponse{Error: "Order was not placed for PIX"})
		return
	}

	expiresAt := h.cfg.Now().Add(h.cfg.PixTTL).UTC().Truncate(time.Second)
	var charge *provider.Charge
	err = h.circuitBreaker.Execute(ctx, func() error {
		var err error
		charge, err = h.provider.CreatePix(ctx, provider.ChargeRequest{
			OrderID:     order.ID,
			Description: fmt.Sprintf("Mineshop order %s", order.ID),
			Amount:      order.Total,
			ExpiresAt:   expiresAt,
			Payer: provider.Payer{
				Email:     order.CustomerEmail,
				FirstName: order.CustomerName,
				LastName:  order.CustomerSurname,
				CPF:       order.CustomerCPF,
			},
		})
		return err
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			span.SetAttributes(attribute.String("circuit.state", "open"))
		}
		span.RecordError(err)
		middleware.RecordPixGenerated(h.provider.Name(), "error")
		h.logger.Error("Failed to create PIX charge",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.String("order_id", order.ID),
			zap.Error(err),
		)
		c.JSON(http.StatusBadGateway, models.PixResponse{Error: "Payment provider unavailable"})
		return
	}

	payment := models.PixPayment{
		ID:           charge.ProviderID,
		OrderID:      order.ID,
		Provider:     h.provider.Name(),
		Status:       models.PaymentStatusPending,
		QRCode:       charge.QRCode,
		QRCodeBase64: charge.QRCodeBase64,
		QRCodeURL:    charge.QRCodeURL,
		Amount:       charge.Amount,
		ExpiresAt:    charge.ExpiresAt,
	}
	if payment.ExpiresAt.IsZero() {
		payment.ExpiresAt = expiresAt
	}

	if err := h.storeCharge(ctx, payment); err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to store PIX charge", zap.String("order_id", order.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, models.PixResponse{Error: "Internal server error"})
		return
	}

	span.SetAttributes(attribute.String("payment.id", payment.ID))
	middleware.RecordPixGenerated(h.provider.Name(), "success")
	h.cacheStatus(ctx, payment, models.StatusOf(payment.Status))
	h.publishPayment(ctx, payment, "payment_created")

	h.logger.Info("PIX charge created",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.String("order_id", order.ID),
		zap.String("payment_id", payment.ID),
		zap.Time("expires_at", payment.ExpiresAt),
	)
	c.JSON(http.StatusOK, models.PixResponse{
		Success:      true,
		PaymentID:    payment.ID,
		QRCode:       payment.QRCode,
		QRCodeBase64: payment.QRCodeBase64,
		QRCodeURL:    payment.QRCodeURL,
		ExpiresAt:    payment.ExpiresAt.UTC().Format(time.RFC3339),
		Amount:       payment.Amount,
	})
}

// storeCharge supersedes the order's pending charges and inserts the new one.
// It runs after the provider call so a provider failure leaves the previous
// charge usable.
func (h *PaymentHandler) storeCharge(ctx context.Context, p models.PixPayment) error {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"UPDATE pix_payments SET status = $1, updated_at = NOW() WHERE order_id = $2 AND status = $3",
		models.PaymentStatusSuperseded, p.OrderID, models.PaymentStatusPending,
	); err != nil {
		return fmt.Errorf("failed to supersede previous charges: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO pix_payments (id, order_id, provider, status, qr_code, qr_code_base64, qr_code_url, amount, expires_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
		p.ID, p.OrderID, p.Provider, p.Status, p.QRCode, p.QRCodeBase64, p.QRCodeURL, p.Amount, p.ExpiresAt,
	); err != nil {
		return fmt.Errorf("failed to insert charge: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit charge: %w", err)
	}
	return nil
}

func (h *PaymentHandler) CheckStatus(c *gin.Context) {
	ctx, span := otel.Tracer("storefront-service").Start(c.Request.Context(), "CheckPaymentStatus")
	defer span.End()

	var req models.CheckStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": bindingMessage(err)})
		return
	}
	span.SetAttributes(attribute.String("order.id", req.OrderID), attribute.String("payment.id", req.PaymentID))

	status, err := h.LookupStatus(ctx, req.OrderID, req.PaymentID)
	if errors.Is(err, realtime.ErrUnknownOrder) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
		return
	}
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to check payment status",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.String("order_id", req.OrderID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	span.SetAttributes(attribute.String("payment.status", status.Status))
	c.JSON(http.StatusOK, status)
}

// LookupStatus resolves the payment status of an order: cache first, then the
// stored charge refreshed against the provider. Orders without a stored
// charge answer with the order status. It also backs realtime subscriptions.
func (h *PaymentHandler) LookupStatus(ctx context.Context, orderID, paymentID string) (models.StatusResponse, error) {
	if _, err := uuid.Parse(orderID); err != nil {
		return models.StatusResponse{}, realtime.ErrUnknownOrder
	}

	if h.rdb != nil {
		if status, err := cache.GetPaymentStatus(ctx, h.rdb, statusKey(orderID, paymentID)); err == nil {
			return status, nil
		}
	}

	payment, err := h.loadPayment(ctx, orderID, paymentID)
	if errors.Is(err, sql.ErrNoRows) {
		var status models.OrderStatus
		err := h.db.QueryRowContext(ctx, "SELECT status FROM orders WHERE id = $1", orderID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return models.StatusResponse{}, realtime.ErrUnknownOrder
		}
		if err != nil {
			return models.StatusResponse{}, fmt.Errorf("failed to load order status: %w", err)
		}
		return models.StatusResponse{
			IsPaid:    status == models.OrderStatusPaid,
			IsExpired: status == models.OrderStatusExpired,
			Status:    string(status),
		}, nil
	}
	if err != nil {
		return models.StatusResponse{}, err
	}

	payment, err = h.refresh(ctx, payment, "poll")
	if err != nil {
		return models.StatusResponse{}, err
	}

	status := models.StatusOf(payment.Status)
	if h.rdb != nil {
		if err := cache.SetPaymentStatus(ctx, h.rdb, statusKey(orderID, paymentID), status); err != nil {
			h.logger.Warn("Failed to cache payment status", zap.String("order_id", orderID), zap.Error(err))
		}
	}
	return status, nil
}

func (h *PaymentHandler) Webhook(c *gin.Context) {
	ctx, span := otel.Tracer("storefront-service").Start(c.Request.Context(), "PaymentWebhook")
	defer span.End()

	if h.cfg.WebhookToken != "" && subtle.ConstantTimeCompare([]byte(c.Query("token")), []byte(h.cfg.WebhookToken)) != 1 {
		middleware.RecordWebhook("unauthorized")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid webhook token"})
		return
	}

	// Providers send the id in the body, the query string, or both.
	var notification models.WebhookNotification
	_ = c.ShouldBindJSON(&notification)
	kind := firstNonEmpty(notification.Type, c.Query("type"), c.Query("topic"))
	id := firstNonEmpty(string(notification.Data.ID), c.Query("data.id"), c.Query("id"))
	span.SetAttributes(attribute.String("webhook.type", kind), attribute.String("payment.id", id))

	if kind != "" && kind != "payment" {
		middleware.RecordWebhook("ignored")
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}
	if id == "" {
		middleware.RecordWebhook("invalid")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing payment id"})
		return
	}

	payment, err := h.paymentByID(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		middleware.RecordWebhook("unknown")
		h.logger.Info("Webhook for unknown payment", zap.String("payment_id", id))
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}
	if err != nil {
		span.RecordError(err)
		middleware.RecordWebhook("error")
		h.logger.Error("Failed to load payment for webhook", zap.String("payment_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	payment, err = h.refresh(ctx, payment, "webhook")
	if err != nil {
		span.RecordError(err)
		middleware.RecordWebhook("error")
		h.logger.Error("Failed to apply webhook", zap.String("payment_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	middleware.RecordWebhook("processed")
	c.JSON(http.StatusOK, gin.H{"received": true, "status": payment.Status})
}

// SandboxApprove settles a sandbox charge as if the payer had paid it.
func (h *PaymentHandler) SandboxApprove(c *gin.Context) {
	ctx, span := otel.Tracer("storefront-service").Start(c.Request.Context(), "SandboxApprove")
	defer span.End()

	approver, ok := h.provider.(interface{ Approve(providerID string) error })
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Sandbox is disabled"})
		return
	}

	id := c.Param("id")
	span.SetAttributes(attribute.String("payment.id", id))

	payment, err := h.paymentByID(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Payment not found"})
		return
	}
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to load payment", zap.String("payment_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if err := approver.Approve(id); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	payment, err = h.refresh(ctx, payment, "sandbox")
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to apply sandbox approval", zap.String("payment_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, models.StatusOf(payment.Status))
}

// refresh asks the provider about a non-final charge and applies what it
// says. A paid answer wins over local expiry; when the provider cannot be
// reached the charge still expires on time.
func (h *PaymentHandler) refresh(ctx context.Context, p models.PixPayment, source string) (models.PixPayment, error) {
	if p.Status.Terminal() {
		return p, nil
	}

	var remote provider.Status
	err := h.circuitBreaker.Execute(ctx, func() error {
		var err error
		remote, err = h.provider.GetStatus(ctx, p.ID)
		return err
	})
	if err != nil {
		h.logger.Warn("Failed to refresh payment from provider",
			zap.String("payment_id", p.ID),
			zap.String("source", source),
			zap.Error(err),
		)
	}

	switch {
	case err == nil && remote == provider.StatusPaid:
		return h.transition(ctx, p, models.PaymentStatusPaid, source)
	case err == nil && remote == provider.StatusExpired:
		return h.transition(ctx, p, models.PaymentStatusExpired, source)
	case !h.cfg.Now().Before(p.ExpiresAt):
		return h.transition(ctx, p, models.PaymentStatusExpired, source)
	}
	return p, nil
}

// transition moves a charge out of pending or superseded. The conditional
// update makes concurrent pollers, webhooks and approvals race safely: only
// the caller that changes the row publishes the event.
func (h *PaymentHandler) transition(ctx context.Context, p models.PixPayment, to models.PaymentStatus, source string) (models.PixPayment, error) {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return p, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE pix_payments SET status = $1, updated_at = NOW() WHERE id = $2 AND status IN ($3, $4)",
		to, p.ID, models.PaymentStatusPending, models.PaymentStatusSuperseded,
	)
	if err != nil {
		return p, fmt.Errorf("failed to update payment: %w", err)
	}
	var soldProducts []int
	if n, _ := res.RowsAffected(); n == 0 {
		_ = tx.Rollback()
		return h.paymentByID(ctx, p.ID)
	}

	switch to {
	case models.PaymentStatusPaid:
		if _, err := tx.ExecContext(ctx,
			"UPDATE pix_payments SET status = $1, updated_at = NOW() WHERE order_id = $2 AND status = $3 AND id <> $4",
			models.PaymentStatusSuperseded, p.OrderID, models.PaymentStatusPending, p.ID,
		); err != nil {
			return p, fmt.Errorf("failed to supersede sibling charges: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2",
			models.OrderStatusPaid, p.OrderID,
		); err != nil {
			return p, fmt.Errorf("failed to mark order paid: %w", err)
		}
		if soldProducts, err = reserveStock(ctx, tx, p.OrderID); err != nil {
			return p, err
		}
	case models.PaymentStatusExpired:
		if p.Status == models.PaymentStatusPending {
			if _, err := tx.ExecContext(ctx,
				"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3",
				models.OrderStatusExpired, p.OrderID, models.OrderStatusPending,
			); err != nil {
				return p, fmt.Errorf("failed to expire order: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return p, fmt.Errorf("failed to commit transition: %w", err)
	}

	from := p.Status
	p.Status = to
	middleware.RecordPaymentProcessed(string(to), source)
	h.invalidateProducts(ctx, soldProducts)
	h.cacheStatus(ctx, p, models.StatusOf(to))
	h.publishPayment(ctx, p, "payment_"+string(to))

	h.logger.Info("Payment transitioned",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.String("payment_id", p.ID),
		zap.String("order_id", p.OrderID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("source", source),
	)
	return p, nil
}

// reserveStock takes the paid order's quantities out of the catalog and
// returns the products it touched. Stock never goes below zero.
func reserveStock(ctx context.Context, tx *sql.Tx, orderID string) ([]int, error) {
	rows, err := tx.QueryContext(ctx,
		"UPDATE products p SET stock = GREATEST(p.stock - oi.quantity, 0), updated_at = NOW() FROM order_items oi WHERE oi.order_id = $1 AND p.id = oi.product_id RETURNING p.id",
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update stock: %w", err)
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan product id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (h *PaymentHandler) invalidateProducts(ctx context.Context, ids []int) {
	if h.rdb == nil {
		return
	}
	for _, id := range ids {
		if err := cache.DeleteProduct(ctx, h.rdb, strconv.Itoa(id)); err != nil {
			h.logger.Warn("Failed to invalidate product cache", zap.Int("product_id", id), zap.Error(err))
		}
	}
}

func (h *PaymentHandler) loadPayment(ctx context.Context, orderID, paymentID string) (models.PixPayment, error) {
	if paymentID != "" {
		return scanPayment(h.db.QueryRowContext(ctx,
			"SELECT "+paymentColumns+" FROM pix_payments WHERE id = $1 AND order_id = $2",
			paymentID, orderID,
		))
	}
	return scanPayment(h.db.QueryRowContext(ctx,
		"SELECT "+paymentColumns+" FROM pix_payments WHERE order_id = $1 AND status <> $2 ORDER BY created_at DESC LIMIT 1",
		orderID, models.PaymentStatusSuperseded,
	))
}

func (h *PaymentHandler) paymentByID(ctx context.Context, id string) (models.PixPayment, error) {
	return scanPayment(h.db.QueryRowContext(ctx, "SELECT "+paymentColumns+" FROM pix_payments WHERE id = $1", id))
}

func scanPayment(row *sql.Row) (models.PixPayment, error) {
	var p models.PixPayment
	err := row.Scan(&p.ID, &p.OrderID, &p.Provider, &p.Status, &p.QRCode, &p.QRCodeBase64, &p.QRCodeURL,
		&p.Amount, &p.ExpiresAt, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// cacheStatus refreshes both cache entries a client may read: by order and
// by order plus payment id.
func (h *PaymentHandler) cacheStatus(ctx context.Context, p models.PixPayment, status models.StatusResponse) {
	if h.rdb == nil {
		return
	}
	for _, key := range []string{statusKey(p.OrderID, ""), statusKey(p.OrderID, p.ID)} {
		if err := cache.SetPaymentStatus(ctx, h.rdb, key, status); err != nil {
			h.logger.Warn("Failed to cache payment status", zap.String("order_id", p.OrderID), zap.Error(err))
			return
		}
	}
}

func (h *PaymentHandler) publishPayment(ctx context.Context, p models.PixPayment, eventType string) {
	event := models.PaymentEvent{
		PaymentID: p.ID,
		OrderID:   p.OrderID,
		Provider:  p.Provider,
		Amount:    p.Amount,
		Status:    p.Status,
		EventType: eventType,
	}
	if err := h.publisher.PublishPaymentEvent(ctx, event); err != nil {
		h.logger.Error("Failed to publish payment event",
			zap.String("event_type", eventType),
			zap.String("payment_id", p.ID),
			zap.Error(err),
		)
	}
}

func statusKey(orderID, paymentID string) string {
	if paymentID == "" {
		return orderID
	}
	return orderID + ":" + paymentID
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
