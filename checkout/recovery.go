package checkout

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type LifecycleKind string

const (
	LifecycleVisible      LifecycleKind = "visible"
	LifecyclePageRestored LifecycleKind = "page_restored"
	LifecycleFocus        LifecycleKind = "focus"
	LifecycleClick        LifecycleKind = "click"
	LifecycleRapidClicks  LifecycleKind = "rapid_clicks"
)

// LifecycleEvent is something the owning UI noticed about itself.
type LifecycleEvent struct {
	Kind      LifecycleKind
	At        time.Time
	HiddenFor time.Duration
}

// UIState is the slice of in-memory state that can get stuck.
type UIState struct {
	Step             Step
	Busy             bool
	BusySince        time.Time
	CheckInFlight    bool
	CheckSince       time.Time
	RealtimeExpected bool
	RealtimeAlive    bool
}

type Action string

const (
	ActionResetInFlight  Action = "reset_in_flight"
	ActionReopenRealtime Action = "reopen_realtime"
	ActionClearBusy      Action = "clear_busy"
)

type RecoveryConfig struct {
	// StaleAfter is how old a check-in-flight flag may get before it is
	// presumed abandoned.
	StaleAfter time.Duration
	// BusyTimeout bounds how long the busy overlay may stay up.
	BusyTimeout time.Duration
	ClickBurst  int
	ClickWindow time.Duration
}

func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		StaleAfter:  15 * time.Second,
		BusyTimeout: 45 * time.Second,
		ClickBurst:  5,
		ClickWindow: 2 * time.Second,
	}
}

// Reduce decides which stuck flags to release for a lifecycle event. A page
// restored from cache resets everything regardless of age, since nothing
// started before the restore is still running. Plain clicks change nothing.
func Reduce(s UIState, ev LifecycleEvent, cfg RecoveryConfig) (UIState, []Action) {
	if ev.Kind == LifecycleClick {
		return s, nil
	}

	restored := ev.Kind == LifecyclePageRestored
	var actions []Action

	if s.CheckInFlight && (restored || ev.At.Sub(s.CheckSince) >= cfg.StaleAfter || ev.HiddenFor >= cfg.StaleAfter) {
		s.CheckInFlight = false
		actions = append(actions, ActionResetInFlight)
	}

	if s.Busy && (restored || ev.At.Sub(s.BusySince) >= cfg.BusyTimeout) {
		s.Busy = false
		actions = append(actions, ActionClearBusy)
	}

	if s.Step == StepPayment && s.RealtimeExpected && !s.RealtimeAlive {
		s.RealtimeAlive = true
		actions = append(actions, ActionReopenRealtime)
	}

	return s, actions
}

// Recoverable is what the supervisor repairs.
type Recoverable interface {
	RecoveryState() UIState
	Recover(a Action) bool
}

// Supervisor feeds lifecycle events through Reduce and applies the resulting
// actions. Clicks only count once they come faster than the configured rate.
type Supervisor struct {
	target Recoverable
	cfg    RecoveryConfig
	clicks *rate.Limiter
	logger *zap.Logger
}

func NewSupervisor(target Recoverable, cfg RecoveryConfig, logger *zap.Logger) *Supervisor {
	if cfg.ClickBurst <= 0 {
		cfg.ClickBurst = DefaultRecoveryConfig().ClickBurst
	}
	if cfg.ClickWindow <= 0 {
		cfg.ClickWindow = DefaultRecoveryConfig().ClickWindow
	}
	every := rate.Every(cfg.ClickWindow / time.Duration(cfg.ClickBurst))
	return &Supervisor{
		target: target,
		cfg:    cfg,
		clicks: rate.NewLimiter(every, cfg.ClickBurst),
		logger: logger,
	}
}

func (s *Supervisor) Handle(ev LifecycleEvent) []Action {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if ev.Kind == LifecycleClick {
		if s.clicks.AllowN(ev.At, 1) {
			return nil
		}
		ev.Kind = LifecycleRapidClicks
	}

	_, actions := Reduce(s.target.RecoveryState(), ev, s.cfg)
	for _, a := range actions {
		applied := s.target.Recover(a)
		s.logger.Info("Recovery action",
			zap.String("trigger", string(ev.Kind)),
			zap.String("action", string(a)),
			zap.Bool("applied", applied),
		)
	}
	return actions
}
