package checkout

import (
	"context"
	"sync"
	"testing"
	"time"

	"mineshop/client"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type fakeAPI struct {
	mu sync.Mutex

	createResp  *client.CreateOrderResponse
	createErr   error
	createCalls int
	lastCreate  client.CreateOrderRequest

	couponErr   error
	couponCalls int

	pixResp  *client.PixResponse
	pixErr   error
	pixCalls int

	status      func(call int) (*client.StatusResponse, error)
	statusCalls int
	// holdFirst makes the first status call wait for release.
	holdFirst bool
	started   chan struct{}
	release   chan struct{}
	// heldDone closes once the held call has returned.
	heldDone chan struct{}
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		createResp: &client.CreateOrderResponse{Success: true, OrderID: "ord-1", Total: decimal.RequireFromString("59.80")},
		status: func(int) (*client.StatusResponse, error) {
			return &client.StatusResponse{Status: "pending"}, nil
		},
		started:  make(chan struct{}, 16),
		release:  make(chan struct{}),
		heldDone: make(chan struct{}),
	}
}

func (f *fakeAPI) CreateOrder(_ context.Context, req client.CreateOrderRequest) (*client.CreateOrderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	f.lastCreate = req
	return f.createResp, f.createErr
}

func (f *fakeAPI) RegisterCouponUsage(_ context.Context, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.couponCalls++
	return f.couponErr
}

func (f *fakeAPI) GeneratePix(_ context.Context, _ string) (*client.PixResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pixCalls++
	return f.pixResp, f.pixErr
}

func (f *fakeAPI) CheckStatus(ctx context.Context, _, _ string) (*client.StatusResponse, error) {
	f.mu.Lock()
	f.statusCalls++
	call := f.statusCalls
	hold := f.holdFirst && call == 1
	status := f.status
	f.mu.Unlock()

	select {
	case f.started <- struct{}{}:
	default:
	}
	if hold {
		defer close(f.heldDone)
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return status(call)
}

func (f *fakeAPI) calls() (create, coupon, pix, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls, f.couponCalls, f.pixCalls, f.statusCalls
}

func (f *fakeAPI) setStatus(fn func(call int) (*client.StatusResponse, error)) {
	f.mu.Lock()
	f.status = fn
	f.mu.Unlock()
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 10, 14, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
}

func validCustomer() client.Customer {
	return client.Customer{Name: "Ana", Surname: "Souza", Email: "ana@example.com", CPF: "123.456.789-01"}
}

func testItems() []client.LineItem {
	return []client.LineItem{{ProductID: 7, Variant: "full-access", Quantity: 2, Price: decimal.RequireFromString("29.90")}}
}

func completePix(expiresAt time.Time) *client.PixResponse {
	return &client.PixResponse{
		Success:      true,
		PaymentID:    "pay-1",
		QRCode:       "00020126580014BR.GOV.BCB.PIX",
		QRCodeBase64: "iVBORw0KGgo=",
		ExpiresAt:    expiresAt.UTC().Format(time.RFC3339),
		Amount:       decimal.RequireFromString("59.80"),
	}
}

func paidStatus(int) (*client.StatusResponse, error) {
	return &client.StatusResponse{IsPaid: true, Status: "paid"}, nil
}

// collect records every event of the given types.
type collector struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func collect(bus *EventBus, types ...EventType) *collector {
	c := &collector{ch: make(chan Event, 64)}
	for _, typ := range types {
		bus.SubscribeType(typ, func(e Event) {
			c.mu.Lock()
			c.events = append(c.events, e)
			c.mu.Unlock()
			select {
			case c.ch <- e:
			default:
			}
		})
	}
	return c
}

func (c *collector) count(typ EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func (c *collector) waitFor(t *testing.T, match func(Event) bool) Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case e := <-c.ch:
			if match(e) {
				return e
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
			return Event{}
		}
	}
}
