package handlers

import (
	"database/sql"
	"errors"
	"net/http"

	"mineshop/storefront-service/middleware"
	"mineshop/storefront-service/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// RegisterCouponUsage records that an order consumed its coupon. Repeating
// the call for the same order changes nothing.
func (h *OrderHandler) RegisterCouponUsage(c *gin.Context) {
	ctx, span := otel.Tracer("storefront-service").Start(c.Request.Context(), "RegisterCouponUsage")
	defer span.End()

	var req models.CouponUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": bindingMessage(err)})
		return
	}
	if _, err := uuid.Parse(req.OrderID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID"})
		return
	}
	code := normalizeCoupon(req.CouponCode)
	span.SetAttributes(attribute.String("order.id", req.OrderID), attribute.String("coupon.code", code))

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to begin transaction", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	defer tx.Rollback()

	var orderCoupon string
	err = tx.QueryRowContext(ctx, "SELECT coupon_code FROM orders WHERE id = $1", req.OrderID).Scan(&orderCoupon)
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
		return
	}
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to load order coupon", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if orderCoupon != code {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Coupon was not applied to this order"})
		return
	}

	res, err := tx.ExecContext(ctx,
		"INSERT INTO coupon_usages (order_id, coupon_code) VALUES ($1, $2) ON CONFLICT (order_id, coupon_code) DO NOTHING",
		req.OrderID, code,
	)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to record coupon usage", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	recorded, _ := res.RowsAffected()
	if recorded == 1 {
		if _, err := tx.ExecContext(ctx, "UPDATE coupons SET times_used = times_used + 1 WHERE code = $1", code); err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to bump coupon usage", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to commit coupon usage", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	h.logger.Info("Coupon usage registered",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.String("order_id", req.OrderID),
		zap.String("coupon_code", code),
		zap.Bool("first_use", recorded == 1),
	)
	c.JSON(http.StatusOK, gin.H{"success": true, "recorded": recorded == 1})
}
