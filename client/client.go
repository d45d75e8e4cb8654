package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mineshop/circuitbreaker"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultTimeout = 30 * time.Second

	idempotencyHeader = "Idempotency-Key"
	maxResponseBytes  = 1 << 20
)

// Client talks to the storefront API. Every call is bounded by the client
// timeout and guarded by a circuit breaker; 4xx answers do not count as
// breaker failures.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	timeout    time.Duration
	token      string
	logger     *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithCircuitBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

// WithBearerToken attaches the signed-in customer's token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func New(baseURL string, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		breaker:    circuitbreaker.NewCircuitBreaker(5, 30*time.Second),
		timeout:    DefaultTimeout,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) CreateOrder(ctx context.Context, req CreateOrderRequest) (*CreateOrderResponse, error) {
	var resp CreateOrderResponse
	if err := c.post(ctx, "/orders", req, &resp, uuid.NewString()); err != nil {
		return nil, err
	}
	if resp.OrderID == "" {
		return nil, fmt.Errorf("%w: order id missing", ErrMalformedResponse)
	}
	return &resp, nil
}

func (c *Client) RegisterCouponUsage(ctx context.Context, orderID, couponCode string) error {
	return c.post(ctx, "/coupons/usage", CouponUsageRequest{OrderID: orderID, CouponCode: couponCode}, nil, "")
}

// GeneratePix asks the storefront for a PIX artifact. The response is
// returned as received; judging whether it is complete is up to the caller.
func (c *Client) GeneratePix(ctx context.Context, orderID string) (*PixResponse, error) {
	var resp PixResponse
	if err := c.post(ctx, "/payment/pix", GeneratePixRequest{OrderID: orderID}, &resp, ""); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) CheckStatus(ctx context.Context, orderID, paymentID string) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.post(ctx, "/payment/check-status", CheckStatusRequest{OrderID: orderID, PaymentID: paymentID}, &resp, ""); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RealtimeURL derives the WebSocket endpoint from the API base URL.
func (c *Client) RealtimeURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func (c *Client) post(ctx context.Context, path string, in, out any, idempotencyKey string) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	op := "POST " + path
	start := time.Now()

	// Client-side answers (4xx, undecodable 2xx) are carried out of the
	// breaker callback so they do not trip it.
	var callerErr error
	err = c.breaker.Execute(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			callerErr = fmt.Errorf("failed to create request: %w", err)
			return nil
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		if idempotencyKey != "" {
			req.Header.Set(idempotencyHeader, idempotencyKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return classifyTransportError(ctx, err, op)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return classifyTransportError(ctx, err, op)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			httpErr := &HTTPError{StatusCode: resp.StatusCode, Message: errorMessage(data)}
			if httpErr.Temporary() {
				return httpErr
			}
			callerErr = httpErr
			return nil
		}

		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				callerErr = fmt.Errorf("%w: %v", ErrMalformedResponse, err)
			}
		}
		return nil
	})
	if err == nil {
		err = callerErr
	}

	if err != nil {
		c.logger.Debug("Storefront call failed",
			zap.String("op", op),
			zap.Duration("latency", time.Since(start)),
			zap.Bool("timeout", errors.Is(err, ErrTimeout)),
			zap.Error(err),
		)
		return err
	}

	c.logger.Debug("Storefront call succeeded", zap.String("op", op), zap.Duration("latency", time.Since(start)))
	return nil
}

// errorMessage pulls the "error" field out of an error body, falling back to
// the raw text.
func errorMessage(data []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		return body.Error
	}
	msg := strings.TrimSpace(string(data))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
