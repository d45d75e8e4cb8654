package checkout

import (
	"context"
	"errors"
	"testing"
	"time"

	"mineshop/client"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flowFixture struct {
	flow   *Flow
	api    *fakeAPI
	cart   *Cart
	store  *MemoryStore
	bus    *EventBus
	clock  *fakeClock
	events *collector
}

func setupFlowTest(t *testing.T) *flowFixture {
	logger := testLogger(t)
	clock := newFakeClock()
	api := newFakeAPI()
	api.pixResp = completePix(clock.Now().Add(30 * time.Minute))
	store := NewMemoryStore()
	bus := NewEventBus(logger)
	cart := NewCart(testItems()...)
	events := collect(bus, EventRedirect, EventCartCleared, EventStepChanged, EventNotice, EventPaymentConfirmed, EventPaymentExpired)

	flow := NewFlow(api, cart, NewBridge(store, logger, WithBridgeClock(clock.Now)), bus, logger, FlowConfig{
		PollInterval:      5 * time.Millisecond,
		MaxPollInterval:   20 * time.Millisecond,
		CountdownInterval: 5 * time.Millisecond,
		Now:               clock.Now,
	})
	t.Cleanup(flow.Close)
	return &flowFixture{flow: flow, api: api, cart: cart, store: store, bus: bus, clock: clock, events: events}
}

func isStep(step Step) func(Event) bool {
	return func(e Event) bool { return e.Type == EventStepChanged && e.Step == step }
}

func TestFlow_CheckoutUntilPaid(t *testing.T) {
	fx := setupFlowTest(t)
	fx.api.setStatus(func(call int) (*client.StatusResponse, error) {
		if call >= 3 {
			return &client.StatusResponse{IsPaid: true, Status: "paid"}, nil
		}
		return &client.StatusResponse{Status: "pending"}, nil
	})

	order, payment, origin, err := fx.flow.Checkout(context.Background(), CheckoutInput{Customer: validCustomer()})
	require.NoError(t, err)
	assert.Equal(t, "ord-1", order.ID)
	assert.Equal(t, OriginProvider, origin)
	assert.Equal(t, "pay-1", payment.PaymentID)
	assert.False(t, fx.flow.Busy())

	redirect := fx.events.waitFor(t, func(e Event) bool { return e.Type == EventRedirect })
	assert.Equal(t, DefaultSuccessDestination, redirect.Destination)
	assert.Equal(t, StepSuccess, fx.flow.Step())
	assert.Equal(t, 0, fx.cart.Len())

	_, err = fx.store.Get(context.Background(), PaymentKey)
	assert.ErrorIs(t, err, ErrNotFound)

	fx.flow.Verifier().Deliver(Signal{Source: SourceRealtime, IsPaid: true})
	_, err = fx.flow.Verify(context.Background())
	assert.ErrorIs(t, err, ErrTerminal)

	assert.Equal(t, 1, fx.events.count(EventRedirect))
	assert.Equal(t, 1, fx.events.count(EventCartCleared))
	assert.Equal(t, 1, fx.events.count(EventPaymentConfirmed))
}

func TestFlow_CheckoutValidationFailure(t *testing.T) {
	fx := setupFlowTest(t)
	customer := validCustomer()
	customer.Email = "not-an-email"

	_, _, _, err := fx.flow.Checkout(context.Background(), CheckoutInput{Customer: customer})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, StepCheckout, fx.flow.Step())

	create, _, pix, _ := fx.api.calls()
	assert.Equal(t, 0, create)
	assert.Equal(t, 0, pix)
	assert.Equal(t, 1, fx.events.count(EventNotice))
}

func TestFlow_CheckoutServerError(t *testing.T) {
	fx := setupFlowTest(t)
	fx.api.createResp = nil
	fx.api.createErr = &client.HTTPError{StatusCode: 500}

	_, _, _, err := fx.flow.Checkout(context.Background(), CheckoutInput{Customer: validCustomer()})
	var httpErr *client.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, 500, httpErr.StatusCode)

	assert.Equal(t, 1, fx.events.count(EventNotice))
	assert.Equal(t, StepCheckout, fx.flow.Step())
	assert.Equal(t, 0, fx.events.count(EventStepChanged))
	assert.Nil(t, fx.flow.Verifier())
	assert.False(t, fx.flow.Busy())

	create, _, pix, _ := fx.api.calls()
	assert.Equal(t, 1, create)
	assert.Equal(t, 0, pix)

	_, err = fx.store.Get(context.Background(), PaymentKey)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, fx.cart.Len())
}

func TestFlow_CheckoutRejectsCard(t *testing.T) {
	fx := setupFlowTest(t)

	_, _, _, err := fx.flow.Checkout(context.Background(), CheckoutInput{Customer: validCustomer(), Method: MethodCard})
	assert.ErrorIs(t, err, ErrUnsupportedMethod)
	assert.Equal(t, StepCheckout, fx.flow.Step())
	assert.Equal(t, 1, fx.events.count(EventNotice))

	create, _, pix, _ := fx.api.calls()
	assert.Equal(t, 0, create)
	assert.Equal(t, 0, pix)
}

func TestFlow_CancelDuringCheckKeepsNewPayment(t *testing.T) {
	fx := setupFlowTest(t)
	fx.api.holdFirst = true
	fx.api.setStatus(func(call int) (*client.StatusResponse, error) {
		if call == 1 {
			return &client.StatusResponse{IsPaid: true, Status: "paid"}, nil
		}
		return &client.StatusResponse{Status: "pending"}, nil
	})

	_, _, _, err := fx.flow.Checkout(context.Background(), CheckoutInput{Customer: validCustomer()})
	require.NoError(t, err)

	verified := make(chan error, 1)
	go func() {
		_, err := fx.flow.Verify(context.Background())
		verified <- err
	}()
	<-fx.api.started

	require.NoError(t, fx.flow.Cancel(context.Background()))

	fx.api.mu.Lock()
	fx.api.createResp = &client.CreateOrderResponse{Success: true, OrderID: "ord-2"}
	second := completePix(fx.clock.Now().Add(30 * time.Minute))
	second.PaymentID = "pay-2"
	fx.api.pixResp = second
	fx.api.mu.Unlock()

	_, payment, _, err := fx.flow.Checkout(context.Background(), CheckoutInput{Customer: validCustomer()})
	require.NoError(t, err)
	assert.Equal(t, "pay-2", payment.PaymentID)

	close(fx.api.release)
	<-fx.api.heldDone
	err = <-verified
	assert.True(t, err == nil || errors.Is(err, ErrVerifierStopped) || errors.Is(err, ErrCheckInFlight), "unexpected error: %v", err)

	r, err := NewBridge(fx.store, testLogger(t), WithBridgeClock(fx.clock.Now)).Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResumeChecking, r.Resume)
	assert.Equal(t, "ord-2", r.OrderID)
	assert.Equal(t, "pay-2", r.Payment.PaymentID)
	assert.False(t, r.Payment.Paid)

	assert.Equal(t, StepPayment, fx.flow.Step())
	assert.Equal(t, 0, fx.events.count(EventPaymentConfirmed))
	assert.Equal(t, 0, fx.events.count(EventRedirect))
	assert.Equal(t, 1, fx.cart.Len())
}

func TestFlow_CheckoutWithPlaceholder(t *testing.T) {
	fx := setupFlowTest(t)
	fx.api.pixResp = nil
	fx.api.pixErr = client.ErrTimeout

	_, payment, origin, err := fx.flow.Checkout(context.Background(), CheckoutInput{Customer: validCustomer()})
	require.NoError(t, err)
	assert.Equal(t, OriginPlaceholder, origin)
	assert.True(t, payment.Amount.Equal(fx.cart.Subtotal()))
	assert.Equal(t, StepPayment, fx.flow.Step())

	p, o, ok := fx.flow.Payment()
	require.True(t, ok)
	assert.Equal(t, OriginPlaceholder, o)
	assert.True(t, p.Placeholder)
}

func TestFlow_LocalExpiryIsTerminal(t *testing.T) {
	fx := setupFlowTest(t)

	_, _, _, err := fx.flow.Checkout(context.Background(), CheckoutInput{Customer: validCustomer()})
	require.NoError(t, err)

	fx.clock.Advance(31 * time.Minute)
	fx.events.waitFor(t, isStep(StepExpired))

	v := fx.flow.Verifier()
	require.NotNil(t, v)
	v.Deliver(Signal{Source: SourceRealtime, IsPaid: true})

	assert.Equal(t, StepExpired, fx.flow.Step())
	assert.Equal(t, 0, fx.events.count(EventRedirect))
	assert.Equal(t, 1, fx.cart.Len())

	_, err = fx.store.Get(context.Background(), PaymentKey)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, fx.flow.Cancel(context.Background()))
	assert.Equal(t, StepCheckout, fx.flow.Step())
}

func TestFlow_ResumeChecking(t *testing.T) {
	fx := setupFlowTest(t)
	bridge := NewBridge(fx.store, testLogger(t), WithBridgeClock(fx.clock.Now))
	require.NoError(t, bridge.Save(context.Background(), "ord-7", PixPayment{
		PaymentID: "pay-7",
		QRCode:    "000201",
		ExpiresAt: fx.clock.Now().Add(10 * time.Minute).Format(time.RFC3339),
	}))

	resume, err := fx.flow.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResumeChecking, resume)
	assert.Equal(t, StepPayment, fx.flow.Step())

	p, _, ok := fx.flow.Payment()
	require.True(t, ok)
	assert.Equal(t, "ord-7", p.OrderID)
}

func TestFlow_ResumePaidRedirectsOnce(t *testing.T) {
	fx := setupFlowTest(t)
	bridge := NewBridge(fx.store, testLogger(t), WithBridgeClock(fx.clock.Now))
	require.NoError(t, bridge.Save(context.Background(), "ord-7", PixPayment{
		PaymentID: "pay-7",
		QRCode:    "000201",
		ExpiresAt: fx.clock.Now().Add(10 * time.Minute).Format(time.RFC3339),
		Paid:      true,
	}))

	resume, err := fx.flow.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResumePaid, resume)
	assert.Equal(t, StepSuccess, fx.flow.Step())
	assert.Equal(t, 1, fx.events.count(EventRedirect))
	assert.Equal(t, 0, fx.cart.Len())

	resume, err = fx.flow.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResumeNone, resume)
	assert.Equal(t, 1, fx.events.count(EventRedirect))
}

func TestFlow_ResumeExpiredStartsFresh(t *testing.T) {
	fx := setupFlowTest(t)
	bridge := NewBridge(fx.store, testLogger(t), WithBridgeClock(fx.clock.Now))
	require.NoError(t, bridge.Save(context.Background(), "ord-7", PixPayment{
		PaymentID: "pay-7",
		QRCode:    "000201",
		ExpiresAt: fx.clock.Now().Add(-time.Minute).Format(time.RFC3339),
	}))

	resume, err := fx.flow.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResumeNone, resume)
	assert.Equal(t, StepCheckout, fx.flow.Step())
	assert.Nil(t, fx.flow.Verifier())
}

func TestFlow_BusyGuardAndRecovery(t *testing.T) {
	fx := setupFlowTest(t)
	require.True(t, fx.flow.enterBusy())

	_, _, _, err := fx.flow.Checkout(context.Background(), CheckoutInput{Customer: validCustomer()})
	assert.ErrorIs(t, err, ErrBusy)

	actions := fx.flow.HandleLifecycle(LifecycleEvent{Kind: LifecyclePageRestored, At: fx.clock.Now()})
	assert.Contains(t, actions, ActionClearBusy)
	assert.False(t, fx.flow.Busy())

	_, _, _, err = fx.flow.Checkout(context.Background(), CheckoutInput{Customer: validCustomer()})
	require.NoError(t, err)
}

func TestFlow_VerifyWithoutPayment(t *testing.T) {
	fx := setupFlowTest(t)
	_, err := fx.flow.Verify(context.Background())
	assert.ErrorIs(t, err, ErrNoActivePayment)
}
