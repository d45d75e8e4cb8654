package checkout

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// CountdownPlaceholder is shown when the expiration is missing or unreadable.
const CountdownPlaceholder = "--:--"

// ParseExpiration reads an RFC 3339 timestamp, with or without fractional
// seconds.
func ParseExpiration(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Remaining is the whole seconds left until expiresAt, never negative. It is
// for display; a zero result does not mean the payment has expired.
func Remaining(expiresAt, now time.Time) time.Duration {
	d := expiresAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return d.Truncate(time.Second)
}

// FormatRemaining renders d as MM:SS.
func FormatRemaining(d time.Duration) string {
	total := int(d / time.Second)
	if total < 0 {
		total = 0
	}
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

// FormatCountdown is the display text for an expiration timestamp at now.
func FormatCountdown(expiresAt string, now time.Time) string {
	exp, ok := ParseExpiration(expiresAt)
	if !ok {
		return CountdownPlaceholder
	}
	return FormatRemaining(Remaining(exp, now))
}

type CountdownOptions struct {
	Interval time.Duration
	Now      func() time.Time
	OnTick   func(display string)
	// OnExpire runs once, on the first tick at or after the expiration.
	OnExpire func()
}

// Countdown ticks toward a PIX expiration. It never talks to the network;
// hitting zero only reports the local expiry.
type Countdown struct {
	expiresAt time.Time
	valid     bool
	opts      CountdownOptions
	expired   atomic.Bool
	fire      sync.Once
}

func NewCountdown(expiresAt string, opts CountdownOptions) *Countdown {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	exp, ok := ParseExpiration(expiresAt)
	return &Countdown{expiresAt: exp, valid: ok, opts: opts}
}

func (c *Countdown) Expired() bool {
	return c.expired.Load()
}

// Tick evaluates the countdown once and returns the display text.
func (c *Countdown) Tick() string {
	if !c.valid {
		c.emit(CountdownPlaceholder)
		return CountdownPlaceholder
	}

	now := c.opts.Now()
	display := FormatRemaining(Remaining(c.expiresAt, now))
	c.emit(display)
	if !now.Before(c.expiresAt) {
		c.expired.Store(true)
		c.fire.Do(func() {
			if c.opts.OnExpire != nil {
				c.opts.OnExpire()
			}
		})
	}
	return display
}

// Run ticks until ctx is done or the countdown expires. An unreadable
// expiration shows the placeholder once and returns.
func (c *Countdown) Run(ctx context.Context) {
	c.Tick()
	if !c.valid || c.Expired() {
		return
	}

	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick()
			if c.Expired() {
				return
			}
		}
	}
}

func (c *Countdown) emit(display string) {
	if c.opts.OnTick != nil {
		c.opts.OnTick(display)
	}
}
