package checkout

import (
	"context"
	"sync"
	"time"

	"mineshop/client"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Step string

const (
	StepCheckout Step = "checkout"
	StepPayment  Step = "payment"
	StepSuccess  Step = "success"
	StepExpired  Step = "expired"
)

const DefaultSuccessDestination = "/dashboard/orders"

type Cart struct {
	mu    sync.Mutex
	items []client.LineItem
}

func NewCart(items ...client.LineItem) *Cart {
	return &Cart{items: append([]client.LineItem(nil), items...)}
}

func (c *Cart) Items() []client.LineItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]client.LineItem(nil), c.items...)
}

func (c *Cart) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Cart) Subtotal() decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := decimal.Zero
	for _, item := range c.items {
		total = total.Add(item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return total
}

func (c *Cart) Clear() {
	c.mu.Lock()
	c.items = nil
	c.mu.Unlock()
}

// API is the storefront surface the checkout needs. *client.Client
// satisfies it.
type API interface {
	OrderAPI
	PixAPI
	StatusChecker
}

type FlowConfig struct {
	SuccessDestination string
	PollInterval       time.Duration
	MaxPollInterval    time.Duration
	CountdownInterval  time.Duration
	// Realtime builds a push channel per payment. Nil means polling only.
	Realtime func() ConfirmationChannel
	Recovery RecoveryConfig
	Now      func() time.Time
}

type CheckoutInput struct {
	Customer client.Customer
	Coupon   *Coupon
	// Method defaults to PIX, the only method this flow can confirm.
	Method PaymentMethod
}

type activePayment struct {
	orderID   string
	payment   PixPayment
	origin    Origin
	verifier  *Verifier
	countdown *Countdown
	cancel    context.CancelFunc
	handled   sync.Once
}

// Flow wires the checkout components together and owns the UI-facing
// state. The cart is cleared and the redirect published at most once per
// payment.
type Flow struct {
	mu        sync.Mutex
	step      Step
	busy      bool
	busySince time.Time
	active    *activePayment

	cart       *Cart
	creator    *OrderCreator
	generator  *PixGenerator
	checker    StatusChecker
	bridge     *Bridge
	bus        *EventBus
	supervisor *Supervisor
	cfg        FlowConfig
	logger     *zap.Logger

	root        context.Context
	closeRoot   context.CancelFunc
	unsubscribe []func()
}

func NewFlow(api API, cart *Cart, bridge *Bridge, bus *EventBus, logger *zap.Logger, cfg FlowConfig) *Flow {
	if cfg.SuccessDestination == "" {
		cfg.SuccessDestination = DefaultSuccessDestination
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Recovery == (RecoveryConfig{}) {
		cfg.Recovery = DefaultRecoveryConfig()
	}

	root, cancel := context.WithCancel(context.Background())
	f := &Flow{
		step:      StepCheckout,
		cart:      cart,
		creator:   NewOrderCreator(api, logger),
		generator: NewPixGenerator(api, bridge, logger),
		checker:   api,
		bridge:    bridge,
		bus:       bus,
		cfg:       cfg,
		logger:    logger,
		root:      root,
		closeRoot: cancel,
	}
	f.creator.now = cfg.Now
	f.generator.now = cfg.Now
	f.supervisor = NewSupervisor(f, cfg.Recovery, logger)
	f.unsubscribe = append(f.unsubscribe,
		bus.SubscribeType(EventPaymentConfirmed, f.onPaid),
		bus.SubscribeType(EventPaymentExpired, f.onExpired),
	)
	return f
}

// Checkout creates a PIX order from the cart and moves to the payment step.
// A payment generation problem never fails the checkout; the returned origin
// tells whether a placeholder is being shown.
func (f *Flow) Checkout(ctx context.Context, in CheckoutInput) (*Order, PixPayment, Origin, error) {
	if in.Method != "" && in.Method != MethodPix {
		f.bus.notice(NoticeError, UserMessage(ErrUnsupportedMethod))
		return nil, PixPayment{}, "", ErrUnsupportedMethod
	}
	if !f.enterBusy() {
		return nil, PixPayment{}, "", ErrBusy
	}
	defer f.setBusy(false)

	order, err := f.creator.Create(ctx, OrderInput{
		Items:         f.cart.Items(),
		Customer:      in.Customer,
		PaymentMethod: MethodPix,
		Coupon:        in.Coupon,
	})
	if err != nil {
		f.bus.notice(NoticeError, UserMessage(err))
		return nil, PixPayment{}, "", err
	}

	f.stopActive()
	if err := f.bridge.Clear(ctx); err != nil {
		f.logger.Warn("Failed to clear previous payment", zap.Error(err))
	}

	payment, origin := f.generator.Generate(ctx, order.ID, f.cart.Subtotal())
	if origin == OriginPlaceholder {
		f.bus.notice(NoticeWarning, "We could not reach the payment provider. The code shown is a placeholder; wait and generate a new one before paying.")
	}
	f.begin(order.ID, payment, origin)
	return order, payment, origin, nil
}

// Resume picks up a persisted payment after a restart.
func (f *Flow) Resume(ctx context.Context) (Resume, error) {
	r, err := f.bridge.Restore(ctx)
	if err != nil {
		return ResumeNone, err
	}

	switch r.Resume {
	case ResumePaid:
		ap := &activePayment{orderID: r.OrderID, payment: *r.Payment, origin: originOf(*r.Payment), cancel: func() {}}
		f.mu.Lock()
		f.active = ap
		f.mu.Unlock()
		ap.handled.Do(func() { f.completePaid(ap) })
	case ResumeChecking:
		f.begin(r.OrderID, *r.Payment, originOf(*r.Payment))
	}
	f.logger.Info("Checkout resumed", zap.String("resume", r.Resume.String()), zap.String("order_id", r.OrderID))
	return r.Resume, nil
}

// Verify is the manual "I already paid" button.
func (f *Flow) Verify(ctx context.Context) (Signal, error) {
	f.mu.Lock()
	ap := f.active
	f.mu.Unlock()
	if ap == nil || ap.verifier == nil {
		return Signal{}, ErrNoActivePayment
	}
	return ap.verifier.CheckNow(ctx)
}

// Cancel abandons the current payment and returns to the checkout form. It
// is also how an expired payment is started over.
func (f *Flow) Cancel(ctx context.Context) error {
	f.stopActive()
	if err := f.bridge.Clear(ctx); err != nil {
		return err
	}
	f.setStep(StepCheckout, "", nil)
	return nil
}

// Close stops every goroutine the flow started.
func (f *Flow) Close() {
	ap := f.stopActive()
	f.closeRoot()
	if ap != nil && ap.verifier != nil {
		ap.verifier.Wait()
	}
	for _, unsub := range f.unsubscribe {
		unsub()
	}
}

func (f *Flow) HandleLifecycle(ev LifecycleEvent) []Action {
	return f.supervisor.Handle(ev)
}

func (f *Flow) Step() Step {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.step
}

func (f *Flow) Busy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy
}

// Payment returns the payment being shown, if any.
func (f *Flow) Payment() (PixPayment, Origin, bool) {
	f.mu.Lock()
	ap := f.active
	f.mu.Unlock()
	if ap == nil {
		return PixPayment{}, "", false
	}
	if ap.verifier != nil {
		return ap.verifier.Payment(), ap.origin, true
	}
	return ap.payment, ap.origin, true
}

// Verifier exposes the active verifier, nil when there is none.
func (f *Flow) Verifier() *Verifier {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == nil {
		return nil
	}
	return f.active.verifier
}

func (f *Flow) RecoveryState() UIState {
	f.mu.Lock()
	s := UIState{Step: f.step, Busy: f.busy, BusySince: f.busySince}
	ap := f.active
	f.mu.Unlock()

	if ap != nil && ap.verifier != nil {
		sess := ap.verifier.Session()
		s.CheckInFlight = sess.InFlight
		s.CheckSince = sess.InFlightSince
		s.RealtimeExpected = ap.verifier.RealtimeExpected()
		s.RealtimeAlive = ap.verifier.RealtimeAlive()
	}
	return s
}

func (f *Flow) Recover(a Action) bool {
	switch a {
	case ActionClearBusy:
		f.setBusy(false)
		return true
	}

	v := f.Verifier()
	if v == nil {
		return false
	}
	switch a {
	case ActionResetInFlight:
		return v.ResetStaleInFlight(0)
	case ActionReopenRealtime:
		return v.ReopenRealtime()
	}
	return false
}

func (f *Flow) begin(orderID string, payment PixPayment, origin Origin) {
	ctx, cancel := context.WithCancel(f.root)

	var realtime ConfirmationChannel
	if f.cfg.Realtime != nil {
		realtime = f.cfg.Realtime()
	}
	payment.OrderID = orderID
	v := NewVerifier(payment, f.checker, f.bridge, f.bus, f.logger, VerifierConfig{
		PollInterval:    f.cfg.PollInterval,
		MaxPollInterval: f.cfg.MaxPollInterval,
		Realtime:        realtime,
		Now:             f.cfg.Now,
	})
	ap := &activePayment{orderID: orderID, payment: payment, origin: origin, verifier: v, cancel: cancel}
	ap.countdown = NewCountdown(payment.ExpiresAt, CountdownOptions{
		Interval: f.cfg.CountdownInterval,
		Now:      f.cfg.Now,
		OnTick: func(display string) {
			f.bus.Publish(Event{Type: EventCountdown, OrderID: orderID, Remaining: display})
		},
		OnExpire: v.MarkExpired,
	})

	f.mu.Lock()
	f.active = ap
	f.mu.Unlock()

	f.setStep(StepPayment, orderID, &payment)
	v.Start(ctx)
	go ap.countdown.Run(ctx)
}

func (f *Flow) onPaid(e Event) {
	ap := f.current(e.OrderID)
	if ap == nil {
		return
	}
	ap.handled.Do(func() { f.completePaid(ap) })
}

func (f *Flow) completePaid(ap *activePayment) {
	ap.cancel()
	f.cart.Clear()
	if err := f.bridge.Clear(context.Background()); err != nil {
		f.logger.Warn("Failed to clear paid payment", zap.Error(err))
	}
	payment := ap.payment
	payment.Paid = true
	f.setStep(StepSuccess, ap.orderID, &payment)
	f.bus.Publish(Event{Type: EventCartCleared, OrderID: ap.orderID})
	f.bus.Publish(Event{Type: EventRedirect, OrderID: ap.orderID, Destination: f.cfg.SuccessDestination})
	f.logger.Info("Payment confirmed", zap.String("order_id", ap.orderID))
}

func (f *Flow) onExpired(e Event) {
	ap := f.current(e.OrderID)
	if ap == nil {
		return
	}
	ap.handled.Do(func() {
		ap.cancel()
		if err := f.bridge.Clear(context.Background()); err != nil {
			f.logger.Warn("Failed to clear expired payment", zap.Error(err))
		}
		f.setStep(StepExpired, ap.orderID, e.Payment)
		f.bus.notice(NoticeError, "This PIX code has expired. Start over to generate a new one.")
	})
}

func (f *Flow) current(orderID string) *activePayment {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == nil || f.active.orderID != orderID {
		return nil
	}
	return f.active
}

func (f *Flow) stopActive() *activePayment {
	f.mu.Lock()
	ap := f.active
	f.active = nil
	f.mu.Unlock()
	if ap == nil {
		return nil
	}
	ap.handled.Do(func() {})
	ap.cancel()
	if ap.verifier != nil {
		ap.verifier.Stop()
	}
	return ap
}

func (f *Flow) enterBusy() bool {
	f.mu.Lock()
	if f.busy {
		f.mu.Unlock()
		return false
	}
	f.busy = true
	f.busySince = f.cfg.Now()
	f.mu.Unlock()
	f.bus.Publish(Event{Type: EventBusyChanged, Busy: true})
	return true
}

func (f *Flow) setBusy(busy bool) {
	f.mu.Lock()
	changed := f.busy != busy
	f.busy = busy
	if busy {
		f.busySince = f.cfg.Now()
	}
	f.mu.Unlock()
	if changed {
		f.bus.Publish(Event{Type: EventBusyChanged, Busy: busy})
	}
}

func (f *Flow) setStep(step Step, orderID string, payment *PixPayment) {
	f.mu.Lock()
	f.step = step
	f.mu.Unlock()
	f.bus.Publish(Event{Type: EventStepChanged, Step: step, OrderID: orderID, Payment: payment})
}

func originOf(p PixPayment) Origin {
	if p.Placeholder {
		return OriginPlaceholder
	}
	return OriginProvider
}
