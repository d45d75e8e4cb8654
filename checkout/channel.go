package checkout

import (
	"context"
	"errors"
	"time"
)

// Source identifies what triggered a payment signal.
type Source string

const (
	SourceManual    Source = "manual"
	SourceAutomatic Source = "automatic"
	SourceRealtime  Source = "realtime"
	SourceTimer     Source = "timer"
)

// Signal is one observation of the payment status.
type Signal struct {
	Source    Source
	IsPaid    bool
	IsExpired bool
	Status    string
}

type Target struct {
	OrderID   string
	PaymentID string
}

// Sink receives what a channel learns. Check performs a guarded status
// request and applies it; Deliver applies a pushed signal.
type Sink interface {
	Check(ctx context.Context, source Source) (Signal, error)
	Deliver(sig Signal)
}

// ConfirmationChannel is one way of learning that a payment resolved. Watch
// blocks until ctx is done, the payment is terminal, or the channel gives up.
type ConfirmationChannel interface {
	Name() string
	Watch(ctx context.Context, target Target, sink Sink) error
}

const (
	DefaultPollInterval    = 5 * time.Second
	DefaultMaxPollInterval = time.Minute
)

// PollingChannel checks the status on a fixed interval, backing off
// exponentially while checks keep failing.
type PollingChannel struct {
	Interval    time.Duration
	MaxInterval time.Duration
}

func NewPollingChannel(interval, maxInterval time.Duration) *PollingChannel {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if maxInterval < interval {
		maxInterval = interval
	}
	return &PollingChannel{Interval: interval, MaxInterval: maxInterval}
}

func (p *PollingChannel) Name() string { return "polling" }

func (p *PollingChannel) Watch(ctx context.Context, _ Target, sink Sink) error {
	failures := 0
	timer := time.NewTimer(p.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		_, err := sink.Check(ctx, SourceAutomatic)
		switch {
		case errors.Is(err, ErrTerminal), errors.Is(err, ErrVerifierStopped):
			return nil
		case errors.Is(err, ErrCheckInFlight):
			// someone else is already asking; try again next tick
		case err != nil:
			failures++
		default:
			failures = 0
		}
		timer.Reset(p.delay(failures))
	}
}

func (p *PollingChannel) delay(failures int) time.Duration {
	d := p.Interval
	for i := 0; i < failures && d < p.MaxInterval; i++ {
		d *= 2
	}
	if d > p.MaxInterval {
		d = p.MaxInterval
	}
	return d
}
