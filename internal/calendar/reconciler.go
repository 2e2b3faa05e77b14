package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"guestkey/config"
	"guestkey/internal/log"
	"guestkey/internal/metrics"
	"guestkey/internal/model"
	"guestkey/internal/parse"
	"guestkey/internal/provision"
	"guestkey/internal/store"
)

// Provisioner receives the booking events a reconciliation pass detects.
type Provisioner interface {
	HandleNewBooking(ctx context.Context, d provision.Draft) (*model.Reservation, error)
	HandleCancellation(ctx context.Context, r *model.Reservation) error
	HandleDateChange(ctx context.Context, r *model.Reservation, checkIn, checkOut time.Time) error
}

// Reconciler diffs the configured calendar feeds against stored reservations.
type Reconciler struct {
	cfg     config.CalendarConfig
	store   store.Store
	fetcher Fetcher
	prov    Provisioner
	loc     *time.Location
	inH     int
	inM     int
	outH    int
	outM    int
	now     func() time.Time
	observe func(job string, err error)
	logger  zerolog.Logger
}

// Option customizes a Reconciler.
type Option func(*Reconciler)

// WithClock overrides the reconciler's clock.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithObserver reports the outcome of every pass started by Run.
func WithObserver(fn func(job string, err error)) Option {
	return func(r *Reconciler) { r.observe = fn }
}

// NewReconciler validates the timezone and default check-in/out times.
func NewReconciler(cfg config.CalendarConfig, s store.Store, f Fetcher, p Provisioner, opts ...Option) (*Reconciler, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", cfg.Timezone, err)
	}
	inH, inM, err := parse.ClockTime(cfg.CheckInTime)
	if err != nil {
		return nil, err
	}
	outH, outM, err := parse.ClockTime(cfg.CheckOutTime)
	if err != nil {
		return nil, err
	}
	r := &Reconciler{
		cfg:     cfg,
		store:   s,
		fetcher: f,
		prov:    p,
		loc:     loc,
		inH:     inH,
		inM:     inM,
		outH:    outH,
		outM:    outM,
		now:     time.Now,
		logger:  log.WithComponent("calendar"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run reconciles once immediately and then on every poll interval until ctx
// is cancelled. A pass always completes before the next one is scheduled.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info().Int("sources", len(r.cfg.Sources)).Dur("interval", r.cfg.PollInterval).Msg("starting calendar reconciler")
	r.runOnce(ctx)

	timer := time.NewTimer(r.cfg.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("calendar reconciler shutting down")
			return
		case <-timer.C:
			r.runOnce(ctx)
			timer.Reset(r.cfg.PollInterval)
		}
	}
}

func (r *Reconciler) runOnce(ctx context.Context) {
	n, err := r.Reconcile(ctx)
	if r.observe != nil {
		r.observe("reconcile", err)
	}
	if err != nil {
		r.logger.Warn().Err(err).Int("new", n).Msg("reconciliation pass finished with errors")
		return
	}
	r.logger.Info().Int("new", n).Msg("reconciliation pass finished")
}

// Reconcile runs one pass over every configured source and returns the number
// of new bookings. Per-source fetch failures are returned joined; they never
// abort the pass.
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconcileDuration)

	fetchOK := make(map[string]bool, len(r.cfg.Sources))
	present := make(map[string]map[string]parse.Event, len(r.cfg.Sources))
	var errs []error
	created := 0

	for _, src := range r.cfg.Sources {
		logger := r.logger.With().Str("source", src.Name).Logger()

		text, err := r.fetcher.Fetch(ctx, src)
		if err != nil {
			fetchOK[src.Name] = false
			metrics.CalendarFetches.WithLabelValues(src.Name, "error").Inc()
			logger.Warn().Err(err).Msg("calendar fetch failed")
			errs = append(errs, fmt.Errorf("source %s: %w", src.Name, err))
			continue
		}
		fetchOK[src.Name] = true
		metrics.CalendarFetches.WithLabelValues(src.Name, "ok").Inc()

		events := parse.ParseCalendar(text)
		seen := make(map[string]parse.Event, len(events))
		for _, ev := range events {
			if ev.UID != "" {
				seen[ev.UID] = ev
			}
		}
		present[src.Name] = seen

		for _, ev := range events {
			if !ev.Valid() || !matchesFilter(src, ev) {
				continue
			}
			ok, err := r.handleEvent(ctx, src, ev)
			if err != nil {
				logger.Error().Err(err).Str("uid", ev.UID).Msg("failed to process booking")
				errs = append(errs, err)
				continue
			}
			if ok {
				created++
			}
		}
		logger.Debug().Int("events", len(events)).Msg("calendar processed")
	}

	if err := r.detectChanges(ctx, fetchOK, present); err != nil {
		errs = append(errs, err)
	}

	result := "ok"
	if len(errs) > 0 {
		result = "error"
	}
	metrics.ReconcilePasses.WithLabelValues(result).Inc()
	return created, errors.Join(errs...)
}

func matchesFilter(src config.CalendarSource, ev parse.Event) bool {
	return src.SummaryFilter == "" || ev.Summary == src.SummaryFilter
}

// handleEvent creates a reservation for ev unless its UID is already stored.
func (r *Reconciler) handleEvent(ctx context.Context, src config.CalendarSource, ev parse.Event) (bool, error) {
	_, err := r.store.GetReservationByUID(ctx, ev.UID)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	tag := parse.ShortDate(ev.Start)
	checkIn, checkOut := r.stay(ev)
	d := provision.Draft{
		CalendarUID: ev.UID,
		Source:      src.Name,
		GuestLabel:  fmt.Sprintf("%s%s-%s", r.cfg.LabelPrefix, src.Label, tag),
		CheckIn:     checkIn,
		CheckOut:    checkOut,
		BookingRef:  ev.BookingRef,
		PhoneLast4:  ev.PhoneLast4,
	}
	if src.RefFromLabel {
		d.BookingRef = src.Label + "-" + tag
	}
	if _, err := r.prov.HandleNewBooking(ctx, d); err != nil {
		return false, err
	}
	return true, nil
}

// stay turns event dates into check-in and check-out instants.
func (r *Reconciler) stay(ev parse.Event) (time.Time, time.Time) {
	return parse.At(ev.Start, r.inH, r.inM, r.loc), parse.At(ev.End, r.outH, r.outM, r.loc)
}

// detectChanges looks for cancelled and re-dated bookings among active
// reservations whose source was fetched successfully this pass.
func (r *Reconciler) detectChanges(ctx context.Context, fetchOK map[string]bool, present map[string]map[string]parse.Event) error {
	active, err := r.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active reservations: %w", err)
	}
	ledger := r.store.Ledger()
	now := r.now()
	var errs []error

	for i := range active {
		res := &active[i]
		uid := res.UID()
		if uid == "" || !fetchOK[res.Source] {
			continue
		}
		logger := log.WithReservation("calendar", res.ID)
		suspectedAt, pending := ledger.PendingCancellation(res.ID)

		ev, ok := present[res.Source][uid]
		if !ok {
			switch {
			case !pending:
				r.logAction(ctx, res.ID, model.ActionCancellationDetected, map[string]string{"source": res.Source, "uid": uid})
				logger.Info().Str("uid", uid).Msg("booking missing from feed, awaiting confirmation")
			case now.Sub(suspectedAt) >= r.cfg.CancelConfirm:
				logger.Info().Str("uid", uid).Time("first_missing", suspectedAt).Msg("cancellation confirmed")
				if err := r.prov.HandleCancellation(ctx, res); err != nil && !errors.Is(err, provision.ErrNotActive) {
					errs = append(errs, fmt.Errorf("cancel reservation %d: %w", res.ID, err))
				}
			default:
				logger.Debug().Time("first_missing", suspectedAt).Msg("cancellation pending")
			}
			continue
		}

		if pending {
			r.logAction(ctx, res.ID, model.ActionCancellationCleared, map[string]string{"source": res.Source, "uid": uid})
			logger.Info().Msg("booking reappeared in feed")
		}
		if !ev.Valid() {
			continue
		}
		checkIn, checkOut := r.stay(ev)
		if checkIn.Equal(res.CheckIn) && checkOut.Equal(res.CheckOut) {
			continue
		}
		if err := r.prov.HandleDateChange(ctx, res, checkIn, checkOut); err != nil && !errors.Is(err, provision.ErrNotActive) {
			errs = append(errs, fmt.Errorf("re-date reservation %d: %w", res.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Reconciler) logAction(ctx context.Context, id int64, action model.Action, detail any) {
	if err := r.store.LogAction(ctx, &id, action, detail); err != nil {
		r.logger.Error().Err(err).Int64("reservation_id", id).Str("action", string(action)).Msg("failed to write action log")
	}
}
