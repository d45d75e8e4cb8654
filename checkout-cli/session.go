package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"mineshop/checkout"
	"mineshop/client"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var errPaymentExpired = errors.New("payment expired, run `checkout-cli checkout` to start over")

// session holds one CLI invocation's checkout components.
type session struct {
	cfg    *Config
	api    *client.Client
	bridge *checkout.Bridge
	bus    *checkout.EventBus
	flow   *checkout.Flow
	logger *zap.Logger
	out    io.Writer
	closer func() error

	outMu sync.Mutex
}

// openStore picks where the active payment is saved. A Redis URL lets a
// customer pick the payment up on another machine; the file is the default.
func openStore(cfg *Config) (checkout.Store, func() error, error) {
	if cfg.StateRedis == "" {
		return checkout.NewFileStore(cfg.StateFile), func() error { return nil }, nil
	}
	opt, err := redis.ParseURL(cfg.StateRedis)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse state redis url: %w", err)
	}
	owner := cfg.Customer.Email
	if owner == "" {
		owner = "anonymous"
	}
	rdb := redis.NewClient(opt)
	return checkout.NewRedisStore(rdb, owner, cfg.StateTTL), rdb.Close, nil
}

func newSession(cfg *Config, cart *checkout.Cart, logger *zap.Logger, out io.Writer) (*session, error) {
	opts := []client.Option{client.WithTimeout(cfg.Timeout)}
	if cfg.Token != "" {
		opts = append(opts, client.WithBearerToken(cfg.Token))
	}
	api := client.New(cfg.APIURL, logger, opts...)

	flowCfg := checkout.FlowConfig{PollInterval: cfg.PollInterval}
	if cfg.Realtime {
		url, err := api.RealtimeURL()
		if err != nil {
			return nil, fmt.Errorf("failed to derive realtime url: %w", err)
		}
		flowCfg.Realtime = func() checkout.ConfirmationChannel {
			return checkout.NewRealtimeChannel(url, logger)
		}
	}

	store, closer, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	if cart == nil {
		cart = checkout.NewCart()
	}
	bus := checkout.NewEventBus(logger)
	bridge := checkout.NewBridge(store, logger)
	s := &session{
		cfg:    cfg,
		api:    api,
		bridge: bridge,
		bus:    bus,
		flow:   checkout.NewFlow(api, cart, bridge, bus, logger, flowCfg),
		logger: logger,
		out:    out,
		closer: closer,
	}
	bus.Subscribe(s.render)
	return s, nil
}

func (s *session) Close() {
	s.flow.Close()
	if err := s.closer(); err != nil {
		s.logger.Warn("Failed to close state store", zap.Error(err))
	}
}

func (s *session) printf(format string, args ...any) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

func (s *session) render(e checkout.Event) {
	switch e.Type {
	case checkout.EventStepChanged:
		if e.Step == checkout.StepPayment && e.Payment != nil {
			s.printPayment(e.OrderID, *e.Payment)
		}
	case checkout.EventNotice:
		s.printf("[%s] %s\n", e.Level, e.Message)
	case checkout.EventCountdown:
		s.printf("\rExpires in %s ", e.Remaining)
	case checkout.EventPaymentConfirmed:
		s.printf("\nPayment confirmed for order %s\n", e.OrderID)
	case checkout.EventRedirect:
		s.printf("See your orders at %s\n", e.Destination)
	}
}

func (s *session) printPayment(orderID string, p checkout.PixPayment) {
	s.printf("Order %s\n", orderID)
	s.printf("Amount: R$ %s\n", p.Amount.StringFixed(2))
	if p.Placeholder {
		s.printf("(placeholder code, do not pay it)\n")
	}
	s.printf("PIX copy-paste code:\n%s\n", p.QRCode)
	if p.QRCodeURL != "" {
		s.printf("QR code: %s\n", p.QRCodeURL)
	}
	s.printf("Expires in %s\n", checkout.FormatCountdown(p.ExpiresAt, time.Now()))
}

// outcome resolves when the flow reaches success or expiry.
type outcome struct {
	once sync.Once
	done chan error
	stop func()
}

func (s *session) watchOutcome() *outcome {
	o := &outcome{done: make(chan error, 1)}
	o.stop = s.bus.SubscribeType(checkout.EventStepChanged, func(e checkout.Event) {
		switch e.Step {
		case checkout.StepSuccess:
			o.once.Do(func() { o.done <- nil })
		case checkout.StepExpired:
			o.once.Do(func() { o.done <- errPaymentExpired })
		}
	})
	return o
}

// wait blocks until the payment resolves or ctx ends. Each line read from in
// is a manual "I already paid" check; "q" stops waiting and keeps the
// payment saved for a later resume.
func (s *session) wait(ctx context.Context, o *outcome, in io.Reader) error {
	defer o.stop()

	select {
	case err := <-o.done:
		return err
	default:
	}

	lines := make(chan string)
	if in != nil {
		go func() {
			scanner := bufio.NewScanner(in)
			for scanner.Scan() {
				select {
				case lines <- strings.TrimSpace(scanner.Text()):
				case <-ctx.Done():
					return
				}
			}
		}()
		s.printf("Press Enter to check the payment now, q to leave it for later.\n")
	}

	for {
		select {
		case err := <-o.done:
			return err
		case <-ctx.Done():
			s.printf("\nStopped. Run `checkout-cli resume` to continue.\n")
			return nil
		case line := <-lines:
			if line == "q" {
				s.printf("Payment saved. Run `checkout-cli resume` to continue.\n")
				return nil
			}
			s.flow.HandleLifecycle(checkout.LifecycleEvent{Kind: checkout.LifecycleClick, At: time.Now()})
			s.verify(ctx)
		}
	}
}

func (s *session) verify(ctx context.Context) {
	sig, err := s.flow.Verify(ctx)
	switch {
	case errors.Is(err, checkout.ErrCheckInFlight):
		s.printf("A check is already running.\n")
	case err != nil:
		s.printf("[error] %s\n", checkout.UserMessage(err))
	case !sig.IsPaid && !sig.IsExpired:
		s.printf("Not paid yet.\n")
	}
}
