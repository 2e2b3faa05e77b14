package failover

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"guestkey/internal/log"
	"guestkey/internal/metrics"
)

// Role is the standby's current mode.
type Role string

const (
	RoleDormant Role = "dormant"
	RoleActive  Role = "active"
)

// Callbacks start and stop the pipeline on role transitions.
type Callbacks struct {
	OnActivate   func(ctx context.Context) error
	OnDeactivate func(ctx context.Context) error
}

// Alerter delivers an operator alert.
type Alerter func(ctx context.Context, message string) bool

// state is the watchdog's role, owned by a Watchdog.
type state struct {
	mu   sync.Mutex
	role Role
}

// transition moves to target and reports whether the role changed.
func (s *state) transition(target Role) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role == target {
		return false
	}
	s.role = target
	return true
}

func (s *state) get() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// Watchdog activates the standby pipeline when the primary's heartbeat goes
// stale and deactivates it when heartbeats resume.
type Watchdog struct {
	node      string
	store     HeartbeatStore
	threshold time.Duration
	interval  time.Duration
	callbacks Callbacks
	alert     Alerter
	state     state
	now       func() time.Time
	logger    zerolog.Logger

	checkMu sync.Mutex
}

// WatchdogOption customizes a Watchdog.
type WatchdogOption func(*Watchdog)

// WithWatchdogClock overrides the watchdog's clock.
func WithWatchdogClock(now func() time.Time) WatchdogOption {
	return func(w *Watchdog) { w.now = now }
}

// NewWatchdog creates a dormant watchdog.
func NewWatchdog(node string, store HeartbeatStore, threshold, interval time.Duration, cb Callbacks, alert Alerter, opts ...WatchdogOption) *Watchdog {
	w := &Watchdog{
		node:      node,
		store:     store,
		threshold: threshold,
		interval:  interval,
		callbacks: cb,
		alert:     alert,
		state:     state{role: RoleDormant},
		now:       time.Now,
		logger:    log.WithComponent("failover"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Role returns the current role.
func (w *Watchdog) Role() Role {
	return w.state.get()
}

// Check reads the heartbeat age and performs at most one transition. It
// returns the role after the check.
func (w *Watchdog) Check(ctx context.Context) Role {
	w.checkMu.Lock()
	defer w.checkMu.Unlock()

	hb, err := w.store.Load()
	if err != nil {
		// An unreadable record counts as no heartbeat.
		w.logger.Warn().Err(err).Msg("failed to read heartbeat")
		hb = nil
	}
	now := w.now()
	age := hb.Age(now)
	if hb != nil {
		metrics.HeartbeatAge.Set(age.Seconds())
	}

	switch {
	case age >= w.threshold && w.state.transition(RoleActive):
		metrics.WatchdogActive.Set(1)
		var reason string
		if hb == nil {
			reason = "No heartbeat file found. Assuming primary is down."
		} else {
			reason = fmt.Sprintf("Primary '%s' last heartbeat %.1fh ago (%s). Threshold: %dh.",
				hb.Node, hb.GapHours(now), hb.Timestamp.Format(time.RFC3339), int(w.threshold.Hours()))
		}
		w.logger.Warn().Msg("activating standby: " + reason)
		w.sendAlert(ctx, fmt.Sprintf("Standby '%s' ACTIVATED, primary down. %s", w.node, reason))
		if w.callbacks.OnActivate != nil {
			if err := w.callbacks.OnActivate(ctx); err != nil {
				w.logger.Error().Err(err).Msg("activation callback failed")
			}
		}

	case age < w.threshold && w.state.transition(RoleDormant):
		metrics.WatchdogActive.Set(0)
		reason := fmt.Sprintf("Primary '%s' heartbeat received %.1fh ago (%s). Deactivating standby.",
			hb.Node, hb.GapHours(now), hb.Timestamp.Format(time.RFC3339))
		w.logger.Info().Msg("deactivating standby: " + reason)
		if w.callbacks.OnDeactivate != nil {
			if err := w.callbacks.OnDeactivate(ctx); err != nil {
				w.logger.Error().Err(err).Msg("deactivation callback failed")
			}
		}
		w.sendAlert(ctx, fmt.Sprintf("Standby '%s' DEACTIVATED, primary recovered. %s", w.node, reason))
	}
	return w.state.get()
}

func (w *Watchdog) sendAlert(ctx context.Context, msg string) {
	if w.alert == nil {
		return
	}
	if !w.alert(ctx, msg) {
		w.logger.Warn().Msg("watchdog alert not delivered")
	}
}

// Run checks immediately and then on every interval until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	w.logger.Info().Dur("threshold", w.threshold).Dur("interval", w.interval).Msg("starting watchdog")
	w.Check(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("watchdog shutting down")
			return
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}
