package store

import (
	"encoding/json"
	"sync"
	"time"

	"guestkey/internal/model"
)

// Ledger is a derived view of the action log. It answers the per-reservation
// questions the orchestrator and reconciler ask on every pass without scanning
// the log. The action log stays authoritative; the ledger is rebuilt from it
// when the store opens and updated on every append.
type Ledger struct {
	mu           sync.RWMutex
	reservations map[int64]*reservationState
	alerts       map[string]time.Time
}

type reservationState struct {
	last           map[model.Action]time.Time
	errors         map[string]int
	notifiedOK     bool
	notifyFailures int
}

// entryDetail is the subset of detail fields the ledger cares about.
type entryDetail struct {
	Stage   string `json:"stage"`
	Success *bool  `json:"success"`
	Key     string `json:"key"`
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		reservations: make(map[int64]*reservationState),
		alerts:       make(map[string]time.Time),
	}
}

// Apply folds one log entry into the ledger. Entries must be applied in
// append order.
func (l *Ledger) Apply(entry model.ActionLog) {
	var d entryDetail
	if entry.Detail != "" {
		_ = json.Unmarshal([]byte(entry.Detail), &d)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Action == model.ActionAlertSent && d.Key != "" {
		l.alerts[d.Key] = entry.Timestamp
	}
	if entry.ReservationID == nil {
		return
	}

	st, ok := l.reservations[*entry.ReservationID]
	if !ok {
		st = &reservationState{
			last:   make(map[model.Action]time.Time),
			errors: make(map[string]int),
		}
		l.reservations[*entry.ReservationID] = st
	}

	if prev, seen := st.last[entry.Action]; !seen || !entry.Timestamp.Before(prev) {
		st.last[entry.Action] = entry.Timestamp
	}

	switch entry.Action {
	case model.ActionError:
		st.errors[d.Stage]++
	case model.ActionNotified:
		if d.Success != nil && *d.Success {
			st.notifiedOK = true
		} else {
			st.notifyFailures++
		}
	}
}

// ErrorCount returns how many error entries with the given stage a
// reservation has. An empty stage counts every error.
func (l *Ledger) ErrorCount(id int64, stage string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st, ok := l.reservations[id]
	if !ok {
		return 0
	}
	if stage != "" {
		return st.errors[stage]
	}
	total := 0
	for _, n := range st.errors {
		total += n
	}
	return total
}

// HasAction reports whether the reservation has at least one entry of kind.
func (l *Ledger) HasAction(id int64, kind model.Action) bool {
	_, ok := l.LastAction(id, kind)
	return ok
}

// LastAction returns the timestamp of the latest entry of kind.
func (l *Ledger) LastAction(id int64, kind model.Action) (time.Time, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st, ok := l.reservations[id]
	if !ok {
		return time.Time{}, false
	}
	at, ok := st.last[kind]
	return at, ok
}

// Notified reports whether a notification for the reservation succeeded.
func (l *Ledger) Notified(id int64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st, ok := l.reservations[id]
	return ok && st.notifiedOK
}

// NotificationFailures returns the number of failed notification attempts.
func (l *Ledger) NotificationFailures(id int64) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st, ok := l.reservations[id]
	if !ok {
		return 0
	}
	return st.notifyFailures
}

// LastAlert returns when an alert with the given throttle key was last sent.
func (l *Ledger) LastAlert(key string) (time.Time, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	at, ok := l.alerts[key]
	return at, ok
}

// PendingCancellation reports whether the reservation carries a
// cancellation_detected marker that has not been cleared since, and when it
// was recorded.
func (l *Ledger) PendingCancellation(id int64) (time.Time, bool) {
	detected, ok := l.LastAction(id, model.ActionCancellationDetected)
	if !ok {
		return time.Time{}, false
	}
	if cleared, ok := l.LastAction(id, model.ActionCancellationCleared); ok && !cleared.Before(detected) {
		return time.Time{}, false
	}
	return detected, true
}
