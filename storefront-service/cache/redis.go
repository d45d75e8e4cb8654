package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"mineshop/storefront-service/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	ProductTTL         = 5 * time.Minute
	PendingStatusTTL   = 5 * time.Second
	TerminalStatusTTL  = time.Hour
	productListKey     = "products:all"
	paymentStatusKeyFm = "payment_status:%s"
)

// Client is the subset of the redis client the storefront needs.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

func InitRedis(logger *zap.Logger) (*redis.Client, error) {
	host := getEnv("REDIS_HOST", "localhost")
	port := getEnv("REDIS_PORT", "6379")
	password := getEnv("REDIS_PASSWORD", "")

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis connection established")
	return rdb, nil
}

func GetProduct(ctx context.Context, rdb Client, id string) ([]byte, error) {
	return rdb.Get(ctx, fmt.Sprintf("product:%s", id)).Bytes()
}

func SetProduct(ctx context.Context, rdb Client, id string, product models.Product) error {
	return setJSON(ctx, rdb, fmt.Sprintf("product:%s", id), product, ProductTTL)
}

func DeleteProduct(ctx context.Context, rdb Client, id string) error {
	return rdb.Del(ctx, fmt.Sprintf("product:%s", id), productListKey).Err()
}

func GetProducts(ctx context.Context, rdb Client) ([]byte, error) {
	return rdb.Get(ctx, productListKey).Bytes()
}

func SetProducts(ctx context.Context, rdb Client, products []models.Product) error {
	return setJSON(ctx, rdb, productListKey, products, ProductTTL)
}

// GetPaymentStatus returns the cached status answer for an order.
// redis.Nil is returned on a miss.
func GetPaymentStatus(ctx context.Context, rdb Client, orderID string) (models.StatusResponse, error) {
	var status models.StatusResponse
	data, err := rdb.Get(ctx, fmt.Sprintf(paymentStatusKeyFm, orderID)).Bytes()
	if err != nil {
		return status, err
	}
	if err := json.Unmarshal(data, &status); err != nil {
		return status, fmt.Errorf("failed to decode cached status: %w", err)
	}
	return status, nil
}

// SetPaymentStatus caches a status answer. Pending answers live just long
// enough to absorb polling bursts; terminal ones stay for an hour.
func SetPaymentStatus(ctx context.Context, rdb Client, orderID string, status models.StatusResponse) error {
	ttl := PendingStatusTTL
	if status.IsPaid || status.IsExpired {
		ttl = TerminalStatusTTL
	}
	return setJSON(ctx, rdb, fmt.Sprintf(paymentStatusKeyFm, orderID), status, ttl)
}

func setJSON(ctx context.Context, rdb Client, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return rdb.Set(ctx, key, data, ttl).Err()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
