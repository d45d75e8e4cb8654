package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mineshop/client"

	"go.uber.org/zap"
)

type State string

const (
	StateIdle     State = "idle"
	StateChecking State = "checking"
	StateWaiting  State = "waiting"
	StatePaid     State = "paid"
	StateExpired  State = "expired"
)

func (s State) Terminal() bool {
	return s == StatePaid || s == StateExpired
}

const (
	StrategyRealtime = "realtime+polling"
	StrategyPolling  = "polling"
)

type StatusChecker interface {
	CheckStatus(ctx context.Context, orderID, paymentID string) (*client.StatusResponse, error)
}

// Session is a snapshot of the verification bookkeeping. It lives in memory
// only.
type Session struct {
	InFlight          bool
	InFlightSince     time.Time
	ConsecutiveErrors int
	Strategy          string
	LastChecked       time.Time
}

type VerifierConfig struct {
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	// Realtime is optional; without it the verifier polls only.
	Realtime ConfirmationChannel
	Now      func() time.Time
}

// Verifier owns the paid/expired decision for one payment. Every status
// signal, whatever its source, goes through apply, and only the first
// terminal transition has side effects.
type Verifier struct {
	mu       sync.Mutex
	target   Target
	payment  PixPayment
	state    State
	session  Session
	token    uint64
	stopped  bool
	checker  StatusChecker
	polling  ConfirmationChannel
	realtime ConfirmationChannel

	realtimeAlive bool

	bridge *Bridge
	bus    *EventBus
	logger *zap.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	// life ends on Stop and bounds every request, manual ones included.
	life context.Context
	kill context.CancelFunc
	wg   sync.WaitGroup
}

func NewVerifier(payment PixPayment, checker StatusChecker, bridge *Bridge, bus *EventBus, logger *zap.Logger, cfg VerifierConfig) *Verifier {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	v := &Verifier{
		target:   Target{OrderID: payment.OrderID, PaymentID: payment.PaymentID},
		payment:  payment,
		state:    StateIdle,
		checker:  checker,
		polling:  NewPollingChannel(cfg.PollInterval, cfg.MaxPollInterval),
		realtime: cfg.Realtime,
		bridge:   bridge,
		bus:      bus,
		logger:   logger.With(zap.String("order_id", payment.OrderID)),
		now:      cfg.Now,
	}
	v.session.Strategy = StrategyPolling
	v.life, v.kill = context.WithCancel(context.Background())
	return v
}

// Start launches polling and, if configured, the realtime channel. Both stop
// when ctx is done, when the payment resolves, or on Stop.
func (v *Verifier) Start(ctx context.Context) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.ctx != nil || v.stopped || v.state.Terminal() {
		return
	}
	v.ctx, v.cancel = context.WithCancel(ctx)
	v.state = StateWaiting

	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		defer v.recoverGoroutine("polling")
		if err := v.polling.Watch(v.ctx, v.target, v); err != nil && v.ctx.Err() == nil {
			v.logger.Warn("Polling stopped", zap.Error(err))
		}
	}()

	if v.realtime != nil {
		v.startRealtimeLocked()
	}
}

func (v *Verifier) startRealtimeLocked() {
	ctx := v.ctx
	v.realtimeAlive = true
	v.session.Strategy = StrategyRealtime

	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		defer v.recoverGoroutine("realtime")
		err := v.realtime.Watch(ctx, v.target, v)

		v.mu.Lock()
		v.realtimeAlive = false
		v.session.Strategy = StrategyPolling
		v.mu.Unlock()

		if err != nil && ctx.Err() == nil {
			v.logger.Info("Realtime channel unavailable, continuing with polling", zap.Error(err))
		}
	}()
}

// ReopenRealtime restarts a realtime channel that has died. It reports
// whether a new one was started.
func (v *Verifier) ReopenRealtime() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.realtime == nil || v.realtimeAlive || v.ctx == nil || v.ctx.Err() != nil || v.state.Terminal() {
		return false
	}
	v.startRealtimeLocked()
	return true
}

func (v *Verifier) RealtimeExpected() bool {
	return v.realtime != nil
}

func (v *Verifier) RealtimeAlive() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.realtimeAlive
}

// Stop cancels every trigger without resolving the payment. A check still in
// flight is abandoned and its answer discarded. It does not wait for
// goroutines; use Wait for that.
func (v *Verifier) Stop() {
	v.mu.Lock()
	v.stopped = true
	v.session.InFlight = false
	v.token++
	cancel := v.cancel
	v.mu.Unlock()
	v.kill()
	if cancel != nil {
		cancel()
	}
}

func (v *Verifier) Wait() {
	v.wg.Wait()
}

func (v *Verifier) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

func (v *Verifier) Payment() PixPayment {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.payment
}

func (v *Verifier) Session() Session {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.session
}

// CheckNow is the manual "I already paid" trigger. While another check is in
// flight it returns ErrCheckInFlight without issuing a request.
func (v *Verifier) CheckNow(ctx context.Context) (Signal, error) {
	sig, err := v.Check(ctx, SourceManual)
	switch {
	case err == nil && !sig.IsPaid && !sig.IsExpired:
		v.bus.notice(NoticeInfo, "Payment not confirmed yet. It can take a few seconds after you pay.")
	case err != nil && !isSkip(err):
		v.bus.notice(NoticeWarning, UserMessage(err))
	}
	return sig, err
}

// Check issues one status request if none is in flight and applies the
// answer. The request ends early if the verifier is stopped.
func (v *Verifier) Check(ctx context.Context, source Source) (Signal, error) {
	token, err := v.acquire()
	if err != nil {
		return Signal{}, err
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	unhook := context.AfterFunc(v.life, cancel)
	defer unhook()

	resp, err := v.request(reqCtx)
	current := v.release(token, err)
	if v.life.Err() != nil {
		return Signal{}, ErrVerifierStopped
	}
	if err != nil {
		v.logger.Debug("Payment check failed", zap.String("source", string(source)), zap.Error(err))
		return Signal{}, err
	}

	sig := Signal{Source: source, IsPaid: resp.IsPaid, IsExpired: resp.IsExpired, Status: resp.Status}
	if !current {
		v.logger.Debug("Discarding superseded payment check", zap.String("source", string(source)))
		return sig, nil
	}
	v.apply(sig)
	return sig, nil
}

// Deliver applies a signal pushed by a channel.
func (v *Verifier) Deliver(sig Signal) {
	v.apply(sig)
}

// MarkExpired records the local countdown reaching zero.
func (v *Verifier) MarkExpired() {
	v.apply(Signal{Source: SourceTimer, IsExpired: true})
}

// ResetStaleInFlight clears an in-flight flag raised more than maxAge ago.
// The abandoned request may still finish; its completion no longer touches
// the session.
func (v *Verifier) ResetStaleInFlight(maxAge time.Duration) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.session.InFlight || v.now().Sub(v.session.InFlightSince) < maxAge {
		return false
	}
	v.session.InFlight = false
	v.token++
	if v.state == StateChecking {
		v.state = StateWaiting
	}
	v.logger.Info("Reset stale payment check", zap.Duration("max_age", maxAge))
	return true
}

func (v *Verifier) acquire() (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch {
	case v.state.Terminal():
		return 0, ErrTerminal
	case v.stopped:
		return 0, ErrVerifierStopped
	case v.session.InFlight:
		return 0, ErrCheckInFlight
	}
	v.token++
	v.session.InFlight = true
	v.session.InFlightSince = v.now()
	v.state = StateChecking
	return v.token, nil
}

// release reports whether token still belongs to the latest check.
func (v *Verifier) release(token uint64, err error) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if token != v.token {
		return false
	}
	v.session.InFlight = false
	v.session.LastChecked = v.now()
	if err != nil {
		v.session.ConsecutiveErrors++
	} else {
		v.session.ConsecutiveErrors = 0
	}
	if v.state == StateChecking {
		v.state = StateWaiting
	}
	return true
}

func (v *Verifier) request(ctx context.Context) (resp *client.StatusResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("status check panicked: %v", r)
		}
	}()
	resp, err = v.checker.CheckStatus(ctx, v.target.OrderID, v.target.PaymentID)
	if err == nil && resp == nil {
		err = fmt.Errorf("%w: empty status", client.ErrMalformedResponse)
	}
	return resp, err
}

// apply is the single transition point. Paid wins over expired within one
// signal; once terminal or stopped, later signals are ignored. The paid
// payment is saved before the lock is released so a concurrent Stop, and the
// storage clear that follows it, always lands after the write.
func (v *Verifier) apply(sig Signal) {
	v.mu.Lock()
	if v.stopped || v.state.Terminal() {
		v.mu.Unlock()
		return
	}

	var next State
	switch {
	case sig.IsPaid:
		next = StatePaid
		v.payment.Paid = true
	case sig.IsExpired:
		next = StateExpired
	default:
		v.mu.Unlock()
		return
	}
	v.state = next
	v.session.InFlight = false
	v.token++
	payment := v.payment
	cancel := v.cancel
	if next == StatePaid {
		if err := v.bridge.Save(context.Background(), payment.OrderID, payment); err != nil {
			v.logger.Warn("Failed to persist paid payment", zap.Error(err))
		}
	}
	v.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	v.logger.Info("Payment resolved",
		zap.String("state", string(next)),
		zap.String("source", string(sig.Source)),
	)

	if next == StatePaid {
		v.bus.Publish(Event{Type: EventPaymentConfirmed, OrderID: payment.OrderID, Payment: &payment})
		return
	}
	v.bus.Publish(Event{Type: EventPaymentExpired, OrderID: payment.OrderID, Payment: &payment})
}

func (v *Verifier) recoverGoroutine(name string) {
	if r := recover(); r != nil {
		v.logger.Error("Verifier goroutine panicked", zap.String("goroutine", name), zap.Any("panic", r))
	}
}

func isSkip(err error) bool {
	return errors.Is(err, ErrCheckInFlight) || errors.Is(err, ErrTerminal) || errors.Is(err, ErrVerifierStopped)
}
