package handlers

import (
	"database/sql"
	"net/http"
	"regexp"
	"strings"
	"testing"
	"time"

	"mineshop/storefront-service/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

const testOrderID = "7f1c2a9e-3b4d-4c5e-8f60-718293a4b5c6"

func setupOrderTest(t *testing.T) (*recordingPublisher, sqlmock.Sqlmock, *gin.Engine) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	RegisterValidators()
	logger := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
	publisher := &recordingPublisher{}
	handler := NewOrderHandler(db, publisher, logger)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/orders", handler.CreateOrder)
	router.GET("/orders/:id", handler.GetOrder)
	router.POST("/coupons/usage", handler.RegisterCouponUsage)

	return publisher, mock, router
}

func orderBody(coupon string) string {
	return `{
		"items": [{"productId": 1, "variant": "M", "quantity": 2}],
		"customer": {"name": "Steve", "surname": "Block", "email": "steve@example.com", "cpf": "123.456.789-01"},
		"paymentMethod": "pix",
		"couponCode": "` + coupon + `"
	}`
}

func expectProduct(mock sqlmock.Sqlmock, stock int) {
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, name, price, stock FROM products WHERE id = $1 AND active = TRUE")).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "price", "stock"}).AddRow(1, "Creeper Tee", "59.90", stock))
}

func TestOrderHandler_CreateOrder_Success(t *testing.T) {
	publisher, mock, router := setupOrderTest(t)

	mock.ExpectBegin()
	expectProduct(mock, 10)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT discount_percent FROM coupons WHERE code = $1 AND active = TRUE")).
		WithArgs("CREEPER10").
		WillReturnRows(sqlmock.NewRows([]string{"discount_percent"}).AddRow(10))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO orders")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO order_items")).
		WithArgs(sqlmock.AnyArg(), 1, "M", 2, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	w := doJSON(router, http.MethodPost, "/orders", orderBody(" creeper10 "))

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusCreated, w.Code, w.Body.String())
	}
	// 2 x 59.90 less 10%
	if !strings.Contains(w.Body.String(), `"total":"107.82"`) {
		t.Errorf("Unexpected body %s", w.Body.String())
	}
	if len(publisher.orders) != 1 || publisher.orders[0].EventType != "order_created" {
		t.Errorf("Expected one order_created event, got %+v", publisher.orders)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestOrderHandler_CreateOrder_ValidationError(t *testing.T) {
	_, _, router := setupOrderTest(t)

	body := strings.Replace(orderBody(""), "123.456.789-01", "12345678901", 1)
	w := doJSON(router, http.MethodPost, "/orders", body)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
	if !strings.Contains(w.Body.String(), "cpf") {
		t.Errorf("Expected cpf error, got %s", w.Body.String())
	}
}

func TestOrderHandler_CreateOrder_EmptyCart(t *testing.T) {
	_, _, router := setupOrderTest(t)

	body := `{"items": [], "customer": {"name": "Steve", "surname": "Block", "email": "steve@example.com", "cpf": "123.456.789-01"}, "paymentMethod": "pix"}`
	w := doJSON(router, http.MethodPost, "/orders", body)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestOrderHandler_CreateOrder_OutOfStock(t *testing.T) {
	_, mock, router := setupOrderTest(t)

	mock.ExpectBegin()
	expectProduct(mock, 1)
	mock.ExpectRollback()

	w := doJSON(router, http.MethodPost, "/orders", orderBody(""))

	if w.Code != http.StatusConflict {
		t.Errorf("Expected status %d, got %d", http.StatusConflict, w.Code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestOrderHandler_CreateOrder_UnknownProduct(t *testing.T) {
	_, mock, router := setupOrderTest(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, name, price, stock FROM products WHERE id = $1 AND active = TRUE")).
		WithArgs(1).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	w := doJSON(router, http.MethodPost, "/orders", orderBody(""))

	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected status %d, got %d", http.StatusUnprocessableEntity, w.Code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestOrderHandler_CreateOrder_IdempotentReplay(t *testing.T) {
	publisher, mock, router := setupOrderTest(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, total FROM orders WHERE idempotency_key = $1")).
		WithArgs("retry-key").
		WillReturnRows(sqlmock.NewRows([]string{"id", "total"}).AddRow(testOrderID, "119.80"))

	req := orderBody("")
	r := doJSONWithHeader(router, http.MethodPost, "/orders", req, idempotencyHeader, "retry-key")

	if r.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, r.Code)
	}
	if !strings.Contains(r.Body.String(), testOrderID) {
		t.Errorf("Expected original order id, got %s", r.Body.String())
	}
	if len(publisher.orders) != 0 {
		t.Errorf("Expected no events on replay, got %d", len(publisher.orders))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestOrderHandler_GetOrder_Success(t *testing.T) {
	_, mock, router := setupOrderTest(t)

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("FROM orders WHERE id = $1")).
		WithArgs(testOrderID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "customer_id", "customer_name", "customer_surname", "customer_email", "customer_cpf",
			"payment_method", "coupon_code", "status", "total", "created_at", "updated_at"}).
			AddRow(testOrderID, "", "Steve", "Block", "steve@example.com", "123.456.789-01", "pix", "", models.OrderStatusPending, "119.80", now, now))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT product_id, variant, quantity, unit_price FROM order_items WHERE order_id = $1")).
		WithArgs(testOrderID).
		WillReturnRows(sqlmock.NewRows([]string{"product_id", "variant", "quantity", "unit_price"}).AddRow(1, "M", 2, "59.90"))

	w := doJSON(router, http.MethodGet, "/orders/"+testOrderID, "")

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestOrderHandler_GetOrder_NotFound(t *testing.T) {
	_, mock, router := setupOrderTest(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM orders WHERE id = $1")).
		WithArgs(testOrderID).
		WillReturnError(sql.ErrNoRows)

	w := doJSON(router, http.MethodGet, "/orders/"+testOrderID, "")

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d, got %d", http.StatusNotFound, w.Code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestOrderHandler_GetOrder_InvalidID(t *testing.T) {
	_, _, router := setupOrderTest(t)

	w := doJSON(router, http.MethodGet, "/orders/42", "")

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestOrderHandler_RegisterCouponUsage(t *testing.T) {
	_, mock, router := setupOrderTest(t)
	body := `{"orderId": "` + testOrderID + `", "couponCode": "creeper10"}`

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT coupon_code FROM orders WHERE id = $1")).
		WithArgs(testOrderID).
		WillReturnRows(sqlmock.NewRows([]string{"coupon_code"}).AddRow("CREEPER10"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO coupon_usages")).
		WithArgs(testOrderID, "CREEPER10").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE coupons SET times_used = times_used + 1 WHERE code = $1")).
		WithArgs("CREEPER10").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	w := doJSON(router, http.MethodPost, "/coupons/usage", body)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"recorded":true`) {
		t.Errorf("Unexpected body %s", w.Body.String())
	}

	// The second registration is absorbed without counting again.
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT coupon_code FROM orders WHERE id = $1")).
		WithArgs(testOrderID).
		WillReturnRows(sqlmock.NewRows([]string{"coupon_code"}).AddRow("CREEPER10"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO coupon_usages")).
		WithArgs(testOrderID, "CREEPER10").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	w = doJSON(router, http.MethodPost, "/coupons/usage", body)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if !strings.Contains(w.Body.String(), `"recorded":false`) {
		t.Errorf("Unexpected body %s", w.Body.String())
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestOrderHandler_RegisterCouponUsage_WrongCoupon(t *testing.T) {
	_, mock, router := setupOrderTest(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT coupon_code FROM orders WHERE id = $1")).
		WithArgs(testOrderID).
		WillReturnRows(sqlmock.NewRows([]string{"coupon_code"}).AddRow(""))
	mock.ExpectRollback()

	w := doJSON(router, http.MethodPost, "/coupons/usage", `{"orderId": "`+testOrderID+`", "couponCode": "CREEPER10"}`)

	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected status %d, got %d", http.StatusUnprocessableEntity, w.Code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestApplyDiscount(t *testing.T) {
	cases := []struct {
		total   string
		percent int
		want    string
	}{
		{"100.00", 0, "100"},
		{"100.00", 15, "85"},
		{"119.80", 10, "107.82"},
		{"50.00", 150, "0"},
	}
	for _, tc := range cases {
		if got := applyDiscount(dec(tc.total), tc.percent); !got.Equal(dec(tc.want)) {
			t.Errorf("applyDiscount(%s, %d) = %s, want %s", tc.total, tc.percent, got, tc.want)
		}
	}
}
