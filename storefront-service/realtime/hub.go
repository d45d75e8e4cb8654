// Package realtime pushes payment status changes to subscribed checkout
// clients over WebSocket.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"mineshop/client"
	"mineshop/storefront-service/middleware"
	"mineshop/storefront-service/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrUnknownOrder is returned by a StatusLookup for orders that do not exist.
var ErrUnknownOrder = errors.New("unknown order")

// StatusLookup answers the current status of an order's payment. The hub
// sends it right after a subscription so a client never misses a transition
// that happened before it connected.
type StatusLookup func(ctx context.Context, orderID, paymentID string) (models.StatusResponse, error)

const (
	defaultPingInterval = 25 * time.Second
	writeWait           = 10 * time.Second
	sendBuffer          = 16
	maxFrameBytes       = 4096
)

type Hub struct {
	logger       *zap.Logger
	upgrader     websocket.Upgrader
	pingInterval time.Duration

	mu   sync.RWMutex
	subs map[string]map[*conn]struct{}
}

type Option func(*Hub)

func WithPingInterval(d time.Duration) Option {
	return func(h *Hub) { h.pingInterval = d }
}

// WithOriginCheck restricts which browser origins may connect.
func WithOriginCheck(check func(r *http.Request) bool) Option {
	return func(h *Hub) { h.upgrader.CheckOrigin = check }
}

func NewHub(logger *zap.Logger, opts ...Option) *Hub {
	h := &Hub{
		logger:       logger,
		pingInterval: defaultPingInterval,
		subs:         make(map[string]map[*conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Broadcast pushes a payment event to every connection subscribed to its
// order. Slow connections whose buffer is full are dropped.
func (h *Hub) Broadcast(event models.PaymentEvent) {
	msg := client.RealtimeMessage{
		Type:      client.MessagePaymentStatus,
		OrderID:   event.OrderID,
		PaymentID: event.PaymentID,
		IsPaid:    event.Status == models.PaymentStatusPaid,
		IsExpired: event.Status == models.PaymentStatusExpired,
		Status:    string(event.Status),
	}

	h.mu.RLock()
	targets := make([]*conn, 0, len(h.subs[event.OrderID]))
	for c := range h.subs[event.OrderID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(msg) {
			h.logger.Warn("Dropping slow realtime connection", zap.String("order_id", event.OrderID))
			c.close()
		}
	}
}

// PublishPaymentEvent lets the hub stand in for the Kafka publisher when the
// service runs without a broker.
func (h *Hub) PublishPaymentEvent(_ context.Context, event models.PaymentEvent) error {
	h.Broadcast(event)
	return nil
}

// Subscribers returns the number of connections watching orderID.
func (h *Hub) Subscribers(orderID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[orderID])
}

// Handler upgrades GET /ws requests.
func (h *Hub) Handler(lookup StatusLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.logger.Warn("WebSocket upgrade failed",
				zap.String("trace_id", middleware.GetTraceID(c.Request.Context())),
				zap.Error(err),
			)
			return
		}

		conn := &conn{
			hub:  h,
			ws:   ws,
			send: make(chan client.RealtimeMessage, sendBuffer),
			done: make(chan struct{}),
		}
		middleware.RealtimeConnected()

		go conn.writeLoop()
		conn.readLoop(lookup)
	}
}

func (h *Hub) subscribe(orderID string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[orderID] == nil {
		h.subs[orderID] = make(map[*conn]struct{})
	}
	h.subs[orderID][c] = struct{}{}
}

func (h *Hub) unsubscribe(orderID string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[orderID], c)
	if len(h.subs[orderID]) == 0 {
		delete(h.subs, orderID)
	}
}

type conn struct {
	hub  *Hub
	ws   *websocket.Conn
	send chan client.RealtimeMessage

	closeOnce sync.Once
	done      chan struct{}

	orderID string
}

func (c *conn) enqueue(msg client.RealtimeMessage) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// readLoop owns the subscription. A connection subscribes to one order; a
// second subscribe frame moves it.
func (c *conn) readLoop(lookup StatusLookup) {
	defer func() {
		if c.orderID != "" {
			c.hub.unsubscribe(c.orderID, c)
		}
		c.close()
		middleware.RealtimeDisconnected()
	}()

	readWait := 2 * c.hub.pingInterval
	c.ws.SetReadLimit(maxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(readWait))

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(readWait))

		var msg client.RealtimeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.enqueue(client.RealtimeMessage{Type: client.MessageError, Message: "malformed frame"})
			continue
		}

		switch msg.Type {
		case client.MessagePing:
			c.enqueue(client.RealtimeMessage{Type: client.MessagePong})
		case client.MessagePong:
		case client.MessageSubscribe:
			c.handleSubscribe(msg, lookup)
		default:
			c.enqueue(client.RealtimeMessage{Type: client.MessageError, Message: "unsupported frame type"})
		}
	}
}

func (c *conn) handleSubscribe(msg client.RealtimeMessage, lookup StatusLookup) {
	if msg.OrderID == "" {
		c.enqueue(client.RealtimeMessage{Type: client.MessageError, Message: "orderId is required"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	status, err := lookup(ctx, msg.OrderID, msg.PaymentID)
	cancel()
	if err != nil {
		reason := "status unavailable"
		if errors.Is(err, ErrUnknownOrder) {
			reason = "unknown order"
		}
		c.hub.logger.Info("Realtime subscription refused", zap.String("order_id", msg.OrderID), zap.Error(err))
		c.enqueue(client.RealtimeMessage{Type: client.MessageError, OrderID: msg.OrderID, Message: reason})
		return
	}

	if c.orderID != "" && c.orderID != msg.OrderID {
		c.hub.unsubscribe(c.orderID, c)
	}
	c.orderID = msg.OrderID
	c.hub.subscribe(msg.OrderID, c)

	c.enqueue(client.RealtimeMessage{
		Type:      client.MessagePaymentStatus,
		OrderID:   msg.OrderID,
		PaymentID: msg.PaymentID,
		IsPaid:    status.IsPaid,
		IsExpired: status.IsExpired,
		Status:    status.Status,
	})
}

// writeLoop is the only writer on the socket. It also sends the keepalive
// pings the checkout client answers with pong.
func (c *conn) writeLoop() {
	ticker := time.NewTicker(c.hub.pingInterval)
	defer ticker.Stop()

	for {
		var msg client.RealtimeMessage
		select {
		case <-c.done:
			return
		case msg = <-c.send:
		case <-ticker.C:
			msg = client.RealtimeMessage{Type: client.MessagePing}
		}

		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteJSON(msg); err != nil {
			c.close()
			return
		}
	}
}
