package handlers

import (
	"database/sql"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

const productQuery = "SELECT id, name, description, price, stock, created_at, updated_at FROM products"

var productColumns = []string{"id", "name", "description", "price", "stock", "created_at", "updated_at"}

func setupProductTest(t *testing.T, rdb *memoryCache) (*ProductHandler, sqlmock.Sqlmock, *gin.Engine) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
	var handler *ProductHandler
	if rdb != nil {
		handler = NewProductHandler(db, rdb, logger)
	} else {
		handler = NewProductHandler(db, nil, logger)
	}

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/products", handler.GetProducts)
	router.GET("/products/:id", handler.GetProduct)

	return handler, mock, router
}

func TestProductHandler_GetProducts_CachesResult(t *testing.T) {
	rdb := newMemoryCache()
	_, mock, router := setupProductTest(t, rdb)

	now := time.Now()
	rows := sqlmock.NewRows(productColumns).
		AddRow(1, "Creeper Tee", "Green shirt", "59.90", 10, now, now).
		AddRow(2, "Diamond Mug", "Blue mug", "39.90", 0, now, now)
	mock.ExpectQuery(productQuery + " WHERE active = TRUE ORDER BY id").WillReturnRows(rows)

	w := doJSON(router, http.MethodGet, "/products", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	// Served from cache, no second query.
	w = doJSON(router, http.MethodGet, "/products", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if _, ok := rdb.data["products:all"]; !ok {
		t.Error("Expected product list to be cached")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestProductHandler_GetProduct_Success(t *testing.T) {
	_, mock, router := setupProductTest(t, nil)

	now := time.Now()
	rows := sqlmock.NewRows(productColumns).AddRow(1, "Creeper Tee", "Green shirt", "59.90", 10, now, now)
	mock.ExpectQuery(productQuery + " WHERE id = \\$1 AND active = TRUE").
		WithArgs("1").
		WillReturnRows(rows)

	w := doJSON(router, http.MethodGet, "/products/1", "")

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestProductHandler_GetProduct_NotFound(t *testing.T) {
	_, mock, router := setupProductTest(t, nil)

	mock.ExpectQuery(productQuery + " WHERE id = \\$1 AND active = TRUE").
		WithArgs("999").
		WillReturnError(sql.ErrNoRows)

	w := doJSON(router, http.MethodGet, "/products/999", "")

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d, got %d", http.StatusNotFound, w.Code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestProductHandler_GetProduct_InvalidID(t *testing.T) {
	_, _, router := setupProductTest(t, nil)

	w := doJSON(router, http.MethodGet, "/products/abc", "")

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestProductHandler_CircuitOpensOnDatabaseFailures(t *testing.T) {
	_, mock, router := setupProductTest(t, nil)

	for i := 0; i < 5; i++ {
		mock.ExpectQuery(productQuery + " WHERE active = TRUE ORDER BY id").WillReturnError(errors.New("connection refused"))
	}

	for i := 0; i < 5; i++ {
		w := doJSON(router, http.MethodGet, "/products", "")
		if w.Code != http.StatusInternalServerError {
			t.Fatalf("Attempt %d: expected status %d, got %d", i+1, http.StatusInternalServerError, w.Code)
		}
	}

	w := doJSON(router, http.MethodGet, "/products", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}
