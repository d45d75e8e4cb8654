package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"mineshop/circuitbreaker"
	"mineshop/storefront-service/cache"
	"mineshop/storefront-service/models"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type ProductHandler struct {
	db             *sql.DB
	rdb            cache.Client
	logger         *zap.Logger
	circuitBreaker *circuitbreaker.CircuitBreaker
}

// NewProductHandler serves catalog reads. rdb may be nil to run uncached.
func NewProductHandler(db *sql.DB, rdb cache.Client, logger *zap.Logger) *ProductHandler {
	return &ProductHandler{
		db:             db,
		rdb:            rdb,
		logger:         logger,
		circuitBreaker: circuitbreaker.NewCircuitBreaker(5, 30*time.Second),
	}
}

func (h *ProductHandler) GetProducts(c *gin.Context) {
	ctx, span := otel.Tracer("storefront-service").Start(c.Request.Context(), "GetProducts")
	defer span.End()

	if h.rdb != nil {
		if cached, err := cache.GetProducts(ctx, h.rdb); err == nil {
			var products []models.Product
			if err := json.Unmarshal(cached, &products); err == nil {
				span.SetAttributes(attribute.Bool("cache.hit", true))
				c.JSON(http.StatusOK, products)
				return
			}
		}
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	products := make([]models.Product, 0)
	dbErr := h.circuitBreaker.Execute(ctx, func() error {
		rows, err := h.db.QueryContext(ctx, "SELECT id, name, description, price, stock, created_at, updated_at FROM products WHERE active = TRUE ORDER BY id")
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var p models.Product
			if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Stock, &p.CreatedAt, &p.UpdatedAt); err != nil {
				return err
			}
			products = append(products, p)
		}
		return rows.Err()
	})

	if dbErr != nil {
		if errors.Is(dbErr, circuitbreaker.ErrCircuitOpen) {
			span.SetAttributes(attribute.String("circuit.state", "open"))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Service temporarily unavailable"})
			return
		}
		span.RecordError(dbErr)
		h.logger.Error("Failed to fetch products", zap.Error(dbErr))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if h.rdb != nil {
		if err := cache.SetProducts(ctx, h.rdb, products); err != nil {
			h.logger.Warn("Failed to cache products", zap.Error(err))
		}
	}

	span.SetAttributes(attribute.Int("products.count", len(products)))
	c.JSON(http.StatusOK, products)
}

func (h *ProductHandler) GetProduct(c *gin.Context) {
	ctx, span := otel.Tracer("storefront-service").Start(c.Request.Context(), "GetProduct")
	defer span.End()

	id := c.Param("id")
	if _, err := strconv.Atoi(id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid product ID"})
		return
	}
	span.SetAttributes(attribute.String("product.id", id))

	// Try to get from cache first
	if h.rdb != nil {
		if cachedData, err := cache.GetProduct(ctx, h.rdb, id); err == nil {
			var product models.Product
			if err := json.Unmarshal(cachedData, &product); err == nil {
				span.SetAttributes(attribute.Bool("cache.hit", true))
				c.JSON(http.StatusOK, product)
				return
			}
		}
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	// A missing product is an answer, not a failure of the database, so it
	// is kept out of the breaker.
	var product models.Product
	found := true
	dbErr := h.circuitBreaker.Execute(ctx, func() error {
		err := h.db.QueryRowContext(ctx,
			"SELECT id, name, description, price, stock, created_at, updated_at FROM products WHERE id = $1 AND active = TRUE",
			id,
		).Scan(&product.ID, &product.Name, &product.Description, &product.Price, &product.Stock, &product.CreatedAt, &product.UpdatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			found = false
			return nil
		}
		return err
	})

	if dbErr != nil {
		if errors.Is(dbErr, circuitbreaker.ErrCircuitOpen) {
			span.SetAttributes(attribute.String("circuit.state", "open"))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Service temporarily unavailable"})
			return
		}
		span.RecordError(dbErr)
		h.logger.Error("Failed to fetch product", zap.Error(dbErr))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Product not found"})
		return
	}

	if h.rdb != nil {
		if err := cache.SetProduct(ctx, h.rdb, id, product); err != nil {
			h.logger.Warn("Failed to cache product", zap.String("product_id", id), zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, product)
}
