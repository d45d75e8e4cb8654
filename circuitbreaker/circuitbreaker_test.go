package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(3, 30*time.Second, WithClock(func() time.Time { return now }))

	for i := 0; i < 3; i++ {
		if err := cb.Execute(context.Background(), func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: expected errBoom, got %v", i, err)
		}
	}

	if cb.GetState() != StateOpen {
		t.Fatalf("Expected state %s, got %s", StateOpen, cb.GetState())
	}

	called := false
	err := cb.Execute(context.Background(), func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("fn must not run while the circuit is open")
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	var transitions []string
	cb := NewCircuitBreaker(1, 10*time.Second,
		WithClock(func() time.Time { return now }),
		WithStateChange(func(from, to State) { transitions = append(transitions, from.String()+"->"+to.String()) }),
	)

	_ = cb.Execute(context.Background(), func() error { return errBoom })
	now = now.Add(11 * time.Second)

	if err := cb.Execute(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("probe should pass, got %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Errorf("Expected state %s, got %s", StateClosed, cb.GetState())
	}

	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("Expected transitions %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(2, 10*time.Second, WithClock(func() time.Time { return now }))

	_ = cb.Execute(context.Background(), func() error { return errBoom })
	_ = cb.Execute(context.Background(), func() error { return errBoom })
	now = now.Add(11 * time.Second)

	_ = cb.Execute(context.Background(), func() error { return errBoom })
	if cb.GetState() != StateOpen {
		t.Errorf("Expected state %s after failed probe, got %s", StateOpen, cb.GetState())
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute)

	_ = cb.Execute(context.Background(), func() error { return errBoom })
	_ = cb.Execute(context.Background(), func() error { return nil })
	_ = cb.Execute(context.Background(), func() error { return errBoom })

	if cb.GetState() != StateClosed {
		t.Errorf("Expected state %s, got %s", StateClosed, cb.GetState())
	}
}

func TestCircuitBreaker_CanceledContext(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := cb.Execute(ctx, func() error { return nil }); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
