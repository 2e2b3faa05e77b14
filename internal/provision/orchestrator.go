package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"guestkey/config"
	"guestkey/internal/accesscode"
	"guestkey/internal/lock"
	"guestkey/internal/log"
	"guestkey/internal/metrics"
	"guestkey/internal/model"
	"guestkey/internal/notification"
	"guestkey/internal/store"
)

// alertKeyLen is how much of an alert message identifies it for throttling.
const alertKeyLen = 200

// ErrNotActive is returned when an operation needs an active reservation.
var ErrNotActive = errors.New("provision: reservation is not active")

// Draft is a booking that has not been persisted yet.
type Draft struct {
	CalendarUID string
	Source      string
	GuestLabel  string
	CheckIn     time.Time
	CheckOut    time.Time
	AccessCode  string
	BookingRef  string
	PhoneLast4  string
}

// Orchestrator drives lock provisioning, notifications and cleanup for
// reservations. Public methods are serialized.
type Orchestrator struct {
	mu     sync.Mutex
	store  store.Store
	lock   lock.Controller
	msg    *notification.Messenger
	codes  *accesscode.Generator
	cfg    config.ProvisionConfig
	now    func() time.Time
	logger zerolog.Logger
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the orchestrator's clock.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator.
func New(s store.Store, lc lock.Controller, msg *notification.Messenger, codes *accesscode.Generator, cfg config.ProvisionConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:  s,
		lock:   lc,
		msg:    msg,
		codes:  codes,
		cfg:    cfg,
		now:    time.Now,
		logger: log.WithComponent("provision"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// NewCode draws a code that no active reservation holds.
func (o *Orchestrator) NewCode(ctx context.Context) (string, error) {
	active, err := o.store.ActiveCodes(ctx)
	if err != nil {
		return "", err
	}
	return o.codes.Generate(active)
}

// HandleNewBooking persists d, provisions the lock user and, when check-in is
// within the notification lead time, sends the code.
func (o *Orchestrator) HandleNewBooking(ctx context.Context, d Draft) (*model.Reservation, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if d.AccessCode == "" {
		code, err := o.NewCode(ctx)
		if err != nil {
			return nil, err
		}
		d.AccessCode = code
	}

	r := &model.Reservation{
		Source:     d.Source,
		GuestLabel: d.GuestLabel,
		CheckIn:    d.CheckIn,
		CheckOut:   d.CheckOut,
		AccessCode: d.AccessCode,
		PhoneLast4: d.PhoneLast4,
		Status:     model.StatusActive,
	}
	if d.CalendarUID != "" {
		r.CalendarUID = &d.CalendarUID
	}
	if d.BookingRef != "" {
		r.BookingRef = &d.BookingRef
	}
	if err := o.store.CreateReservation(ctx, r); err != nil {
		return nil, err
	}

	logger := log.WithReservation("provision", r.ID)
	logger.Info().
		Str("label", r.GuestLabel).
		Str("source", r.Source).
		Time("check_in", r.CheckIn).
		Time("check_out", r.CheckOut).
		Msg("new booking")

	o.logAction(ctx, r.ID, model.ActionCreated, map[string]any{
		"source":      r.Source,
		"booking_ref": d.BookingRef,
		"check_in":    r.CheckIn,
		"check_out":   r.CheckOut,
	})

	if err := o.resolveCodeCollision(ctx, r); err != nil {
		// The reservation stays active; provisioning uses whatever code it holds.
		logger.Error().Err(err).Msg("could not resolve access code collision")
	}

	if err := o.ensureLockUser(ctx, r); err != nil {
		logger.Warn().Err(err).Msg("lock provisioning failed, will retry on next pass")
	}

	if r.IsActive() && o.withinLead(r) {
		o.notify(ctx, r)
	}
	return r, nil
}

// resolveCodeCollision regenerates r's code when another active reservation
// was given the same one between generation and insert.
func (o *Orchestrator) resolveCodeCollision(ctx context.Context, r *model.Reservation) error {
	for attempt := 0; attempt < accesscode.MaxRejections; attempt++ {
		taken, err := o.store.CodeTaken(ctx, r.AccessCode, r.ID)
		if err != nil {
			return err
		}
		if !taken {
			return nil
		}
		code, err := o.NewCode(ctx)
		if err != nil {
			return err
		}
		o.logger.Warn().Int64("reservation_id", r.ID).Msg("access code collision, regenerating")
		if err := o.store.UpdateAccessCode(ctx, r.ID, code); err != nil {
			return err
		}
		r.AccessCode = code
	}
	return accesscode.ErrCodeSpaceExhausted
}

// AddManual creates a reservation entered by an operator.
func (o *Orchestrator) AddManual(ctx context.Context, label string, checkIn, checkOut time.Time) (*model.Reservation, error) {
	if !checkOut.After(checkIn) {
		return nil, fmt.Errorf("check-out %s must be after check-in %s", checkOut, checkIn)
	}
	return o.HandleNewBooking(ctx, Draft{
		Source:     model.SourceManual,
		GuestLabel: label,
		CheckIn:    checkIn,
		CheckOut:   checkOut,
	})
}

// EnsureLockUser provisions the lock user for r unless it already exists or
// retries are spent.
func (o *Orchestrator) EnsureLockUser(ctx context.Context, r *model.Reservation) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ensureLockUser(ctx, r)
}

func (o *Orchestrator) ensureLockUser(ctx context.Context, r *model.Reservation) error {
	if !r.IsActive() {
		return nil
	}
	ledger := o.store.Ledger()
	if ledger.HasAction(r.ID, model.ActionLockUserCreated) {
		return nil
	}
	if ledger.ErrorCount(r.ID, model.StageProvision) >= o.cfg.MaxRetries {
		return nil
	}

	ref, err := o.lock.AddUser(ctx, lock.User{
		Name:     r.GuestLabel,
		Code:     r.AccessCode,
		CheckIn:  r.CheckIn,
		CheckOut: r.CheckOut,
	})
	if err == nil {
		if uerr := o.store.UpdateLockRef(ctx, r.ID, ref); uerr != nil {
			o.logger.Error().Err(uerr).Int64("reservation_id", r.ID).Msg("failed to store lock reference")
		}
		r.LockUserRef = &ref
		o.logAction(ctx, r.ID, model.ActionLockUserCreated, map[string]string{"ref": ref})
		o.logger.Info().Int64("reservation_id", r.ID).Str("ref", ref).Msg("lock user created")
		return nil
	}

	o.logAction(ctx, r.ID, model.ActionError, errorDetail(model.StageProvision, err))
	count := ledger.ErrorCount(r.ID, model.StageProvision)
	if count < o.cfg.MaxRetries {
		return err
	}

	if uerr := o.store.UpdateStatus(ctx, r.ID, model.StatusFailed); uerr != nil {
		o.logger.Error().Err(uerr).Int64("reservation_id", r.ID).Msg("failed to mark reservation failed")
	}
	r.Status = model.StatusFailed
	o.logAction(ctx, r.ID, model.ActionFailed, map[string]any{"attempts": count, "error": err.Error()})
	metrics.ProvisionFailures.Inc()
	o.alert(ctx, fmt.Sprintf("Failed to create lock code for %s after %d attempts: %v", displayName(r), count, err), o.cfg.AlertCooldown)
	return err
}

// RecoverMissing provisions every active reservation that has no lock user
// yet, in check-in order. It returns how many were provisioned.
func (o *Orchestrator) RecoverMissing(ctx context.Context) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	active, err := o.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active reservations: %w", err)
	}
	ledger := o.store.Ledger()
	recovered := 0
	for i := range active {
		r := &active[i]
		if ledger.HasAction(r.ID, model.ActionLockUserCreated) {
			continue
		}
		if ledger.ErrorCount(r.ID, model.StageProvision) >= o.cfg.MaxRetries {
			continue
		}
		if err := o.ensureLockUser(ctx, r); err == nil && r.LockUserRef != nil {
			recovered++
		}
	}
	return recovered, nil
}

// SendPendingNotifications sends the code message for active reservations
// inside the lead time that were never successfully notified.
func (o *Orchestrator) SendPendingNotifications(ctx context.Context) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	active, err := o.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active reservations: %w", err)
	}
	ledger := o.store.Ledger()
	sent := 0
	for i := range active {
		r := &active[i]
		if !o.withinLead(r) || ledger.Notified(r.ID) {
			continue
		}
		if ledger.NotificationFailures(r.ID) >= o.cfg.MaxNotifyRetries {
			continue
		}
		if o.notify(ctx, r) {
			sent++
		}
	}
	return sent, nil
}

// ForceNotify sends the code message for one reservation regardless of
// earlier attempts.
func (o *Orchestrator) ForceNotify(ctx context.Context, id int64) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	r, err := o.store.GetReservation(ctx, id)
	if err != nil {
		return false, err
	}
	return o.notify(ctx, r), nil
}

func (o *Orchestrator) withinLead(r *model.Reservation) bool {
	return !o.now().Before(r.CheckIn.Add(-o.cfg.NotifyLead))
}

func (o *Orchestrator) notify(ctx context.Context, r *model.Reservation) bool {
	ok := o.msg.NotifyNewCode(ctx, r)
	o.logAction(ctx, r.ID, model.ActionNotified, map[string]any{"success": ok})
	if !ok {
		o.logAction(ctx, r.ID, model.ActionError, map[string]string{
			"stage":   model.StageNotify,
			"message": "notification not delivered",
		})
	}
	return ok
}

// CleanupExpired removes lock users of reservations whose check-out plus the
// cleanup buffer has passed. A failure on one reservation does not stop the
// rest; the returned error joins every failure.
func (o *Orchestrator) CleanupExpired(ctx context.Context) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	expired, err := o.store.ListExpirable(ctx, now.Add(-o.cfg.CleanupBuffer))
	if err != nil {
		return 0, fmt.Errorf("failed to list expirable reservations: %w", err)
	}

	var errs []error
	cleaned := 0
	for i := range expired {
		r := &expired[i]
		if now.Before(r.CheckOut.Add(o.cfg.CleanupBuffer)) {
			continue
		}
		if err := o.expire(ctx, r); err != nil {
			errs = append(errs, fmt.Errorf("reservation %d: %w", r.ID, err))
			o.logAction(ctx, r.ID, model.ActionError, errorDetail(model.StageCleanup, err))
			o.alert(ctx, fmt.Sprintf("Cleanup failed for %s: %v", displayName(r), err), o.cfg.AlertCooldown)
			continue
		}
		cleaned++
	}
	return cleaned, errors.Join(errs...)
}

func (o *Orchestrator) expire(ctx context.Context, r *model.Reservation) error {
	if o.hasLockUser(r) {
		if err := o.lock.DeleteUser(ctx, r.GuestLabel); err != nil {
			return err
		}
	}
	if err := o.store.UpdateStatus(ctx, r.ID, model.StatusExpired); err != nil {
		return err
	}
	r.Status = model.StatusExpired
	o.logAction(ctx, r.ID, model.ActionExpired, "auto-cleanup after check-out + buffer")
	o.logger.Info().Int64("reservation_id", r.ID).Str("label", r.GuestLabel).Msg("reservation expired")
	o.msg.NotifyCodeExpired(ctx, r)
	return nil
}

// HandleCancellation revokes a reservation whose booking disappeared from its
// calendar. On a lock failure the reservation stays active so the next pass
// confirms and retries. It returns ErrNotActive when the reservation has left
// the active state since r was read.
func (o *Orchestrator) HandleCancellation(ctx context.Context, r *model.Reservation) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.refresh(ctx, r); err != nil {
		return err
	}
	if o.hasLockUser(r) {
		if err := o.lock.DeleteUser(ctx, r.GuestLabel); err != nil {
			o.logAction(ctx, r.ID, model.ActionError, errorDetail(model.StageCancel, err))
			o.alert(ctx, fmt.Sprintf("Failed to revoke code for cancelled booking %s: %v", displayName(r), err), o.cfg.AlertCooldown)
			return err
		}
	}
	if err := o.store.UpdateStatus(ctx, r.ID, model.StatusRevoked); err != nil {
		return err
	}
	r.Status = model.StatusRevoked
	o.logAction(ctx, r.ID, model.ActionCancelled, "booking removed from calendar")
	o.logger.Info().Int64("reservation_id", r.ID).Str("label", r.GuestLabel).Msg("booking cancelled")
	o.msg.NotifyCancellation(ctx, r)
	return nil
}

// HandleDateChange moves a reservation to new dates and re-provisions its
// lock user for the new window. Like HandleCancellation it returns
// ErrNotActive for a reservation that is no longer active.
func (o *Orchestrator) HandleDateChange(ctx context.Context, r *model.Reservation, checkIn, checkOut time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.refresh(ctx, r); err != nil {
		return err
	}
	oldIn, oldOut := r.CheckIn, r.CheckOut
	if err := o.store.UpdateDates(ctx, r.ID, checkIn, checkOut); err != nil {
		return err
	}
	r.CheckIn, r.CheckOut = checkIn, checkOut
	o.logAction(ctx, r.ID, model.ActionDatesChanged, map[string]any{
		"old_check_in":  oldIn,
		"old_check_out": oldOut,
		"check_in":      checkIn,
		"check_out":     checkOut,
	})
	o.logger.Info().Int64("reservation_id", r.ID).Time("check_in", checkIn).Time("check_out", checkOut).Msg("booking dates changed")

	var lockErr error
	if o.hasLockUser(r) {
		lockErr = o.reprovision(ctx, r)
		if lockErr != nil {
			o.logAction(ctx, r.ID, model.ActionError, errorDetail(model.StageDateChange, lockErr))
			o.alert(ctx, fmt.Sprintf("Failed to update lock dates for %s: %v", displayName(r), lockErr), o.cfg.AlertCooldown)
		}
	}
	o.msg.NotifyDateChange(ctx, r, oldIn, oldOut)
	return lockErr
}

func (o *Orchestrator) reprovision(ctx context.Context, r *model.Reservation) error {
	if err := o.lock.DeleteUser(ctx, r.GuestLabel); err != nil {
		return fmt.Errorf("delete old lock user: %w", err)
	}
	ref, err := o.lock.AddUser(ctx, lock.User{
		Name:     r.GuestLabel,
		Code:     r.AccessCode,
		CheckIn:  r.CheckIn,
		CheckOut: r.CheckOut,
	})
	if err != nil {
		return fmt.Errorf("add lock user: %w", err)
	}
	if err := o.store.UpdateLockRef(ctx, r.ID, ref); err != nil {
		return err
	}
	r.LockUserRef = &ref
	o.logAction(ctx, r.ID, model.ActionLockUserCreated, map[string]string{"ref": ref, "reason": "date_change"})
	return nil
}

// Revoke cancels an active reservation on operator request.
func (o *Orchestrator) Revoke(ctx context.Context, id int64) (*model.Reservation, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	r, err := o.store.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !r.IsActive() {
		return r, ErrNotActive
	}
	if o.hasLockUser(r) {
		if err := o.lock.DeleteUser(ctx, r.GuestLabel); err != nil {
			o.logAction(ctx, r.ID, model.ActionError, errorDetail(model.StageCancel, err))
			return r, err
		}
	}
	if err := o.store.UpdateStatus(ctx, r.ID, model.StatusRevoked); err != nil {
		return r, err
	}
	r.Status = model.StatusRevoked
	o.logAction(ctx, r.ID, model.ActionRevoked, "revoked by operator")
	return r, nil
}

// CheckBattery reads the lock status, logs it, and raises a throttled alert
// on a low reading.
func (o *Orchestrator) CheckBattery(ctx context.Context) (lock.Status, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	st, err := o.lock.Status(ctx)
	if err != nil {
		o.logAction(ctx, 0, model.ActionBatteryCheck, map[string]any{"ok": false, "error": err.Error()})
		return st, err
	}
	o.logAction(ctx, 0, model.ActionBatteryCheck, map[string]any{"ok": true, "battery": st.Battery, "users": st.Count})

	if BatteryLow(st.Battery, o.cfg.BatteryLowPercent) {
		o.alert(ctx, fmt.Sprintf("Lock battery is low (%s). Replace batteries soon.", st.Battery), o.cfg.BatteryAlertCooldown)
	}
	return st, nil
}

// Alert sends a throttled operator alert. It reports whether the alert was
// sent rather than suppressed.
func (o *Orchestrator) Alert(ctx context.Context, message string, cooldown time.Duration) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.alert(ctx, message, cooldown)
}

func (o *Orchestrator) alert(ctx context.Context, message string, cooldown time.Duration) bool {
	key := AlertKey(message)
	if last, ok := o.store.Ledger().LastAlert(key); ok && o.now().Sub(last) < cooldown {
		metrics.Alerts.WithLabelValues("suppressed").Inc()
		o.logger.Debug().Str("key", key).Msg("alert suppressed by cooldown")
		return false
	}

	delivered := o.msg.SendAlert(ctx, message)
	outcome := "sent"
	if !delivered {
		outcome = "undelivered"
	}
	metrics.Alerts.WithLabelValues(outcome).Inc()
	o.logAction(ctx, 0, model.ActionAlertSent, map[string]any{"key": key, "delivered": delivered})
	return true
}

// AlertKey normalizes an alert message into its throttling key.
func AlertKey(message string) string {
	key := strings.TrimSpace(message)
	if utf8.RuneCountInString(key) <= alertKeyLen {
		return key
	}
	return string([]rune(key)[:alertKeyLen])
}

// refresh reloads r from the store. Callers hold a snapshot taken outside the
// mutex, and a terminal status set since then must not be overwritten.
func (o *Orchestrator) refresh(ctx context.Context, r *model.Reservation) error {
	cur, err := o.store.GetReservation(ctx, r.ID)
	if err != nil {
		return err
	}
	*r = *cur
	if !r.IsActive() {
		o.logger.Debug().Int64("reservation_id", r.ID).Str("status", string(r.Status)).Msg("reservation no longer active, skipping")
		return ErrNotActive
	}
	return nil
}

func (o *Orchestrator) hasLockUser(r *model.Reservation) bool {
	return r.LockUserRef != nil || o.store.Ledger().HasAction(r.ID, model.ActionLockUserCreated)
}

// logAction appends to the action log. A zero id records a node-wide entry.
// Log write failures are reported but never abort the operation.
func (o *Orchestrator) logAction(ctx context.Context, id int64, action model.Action, detail any) {
	var rid *int64
	if id != 0 {
		rid = &id
	}
	if err := o.store.LogAction(ctx, rid, action, detail); err != nil {
		o.logger.Error().Err(err).Int64("reservation_id", id).Str("action", string(action)).Msg("failed to write action log")
	}
}

func errorDetail(stage string, err error) map[string]string {
	return map[string]string{"stage": stage, "message": err.Error()}
}

func displayName(r *model.Reservation) string {
	if r.BookingRef != nil && *r.BookingRef != "" {
		return *r.BookingRef
	}
	return r.GuestLabel
}
