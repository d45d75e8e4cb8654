package checkout

import (
	"sync"

	"go.uber.org/zap"
)

type EventType string

const (
	EventStepChanged      EventType = "step_changed"
	EventBusyChanged      EventType = "busy_changed"
	EventNotice           EventType = "notice"
	EventCountdown        EventType = "countdown"
	EventPaymentConfirmed EventType = "payment_confirmed"
	EventPaymentExpired   EventType = "payment_expired"
	EventCartCleared      EventType = "cart_cleared"
	EventRedirect         EventType = "redirect"
)

type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeWarning NoticeLevel = "warning"
	NoticeError   NoticeLevel = "error"
)

// Event is what the checkout publishes to whoever renders it.
type Event struct {
	Type        EventType
	OrderID     string
	Payment     *PixPayment
	Step        Step
	Busy        bool
	Level       NoticeLevel
	Message     string
	Remaining   string
	Destination string
}

type Handler func(Event)

type subscription struct {
	id    uint64
	only  EventType
	apply Handler
}

// EventBus delivers events synchronously, in subscription order. A panicking
// handler is logged and skipped; the others still run.
type EventBus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription
	logger *zap.Logger
}

func NewEventBus(logger *zap.Logger) *EventBus {
	return &EventBus{logger: logger}
}

// Subscribe registers h for every event. The returned func removes it.
func (b *EventBus) Subscribe(h Handler) func() {
	return b.add("", h)
}

// SubscribeType registers h for events of type t only.
func (b *EventBus) SubscribeType(t EventType, h Handler) func() {
	return b.add(t, h)
}

func (b *EventBus) add(t EventType, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, only: t, apply: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (b *EventBus) Publish(e Event) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		if s.only != "" && s.only != e.Type {
			continue
		}
		b.deliver(s, e)
	}
}

func (b *EventBus) deliver(s subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked",
				zap.String("event", string(e.Type)),
				zap.Any("panic", r),
			)
		}
	}()
	s.apply(e)
}

func (b *EventBus) notice(level NoticeLevel, msg string) {
	b.Publish(Event{Type: EventNotice, Level: level, Message: msg})
}
