package calendar

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"guestkey/config"
	"guestkey/internal/model"
	"guestkey/internal/provision"
	"guestkey/internal/store"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// fakeFetcher serves canned feed text per source name.
type fakeFetcher struct {
	feeds map[string]string
	errs  map[string]error
}

func (f *fakeFetcher) Fetch(ctx context.Context, src config.CalendarSource) (string, error) {
	if err := f.errs[src.Name]; err != nil {
		return "", err
	}
	return f.feeds[src.Name], nil
}

// fakeProvisioner persists drafts directly and records the events it receives.
type fakeProvisioner struct {
	store     store.Store
	created   []provision.Draft
	cancelled []int64
	redated   []int64
	next      int
	// inactive makes every change report the reservation as no longer active.
	inactive bool
}

func (p *fakeProvisioner) HandleNewBooking(ctx context.Context, d provision.Draft) (*model.Reservation, error) {
	p.next++
	uid := d.CalendarUID
	ref := d.BookingRef
	r := &model.Reservation{
		CalendarUID: &uid,
		Source:      d.Source,
		GuestLabel:  d.GuestLabel,
		CheckIn:     d.CheckIn,
		CheckOut:    d.CheckOut,
		AccessCode:  fmt.Sprintf("%06d", 100000+p.next),
		BookingRef:  &ref,
		PhoneLast4:  d.PhoneLast4,
	}
	if err := p.store.CreateReservation(ctx, r); err != nil {
		return nil, err
	}
	p.created = append(p.created, d)
	return r, nil
}

func (p *fakeProvisioner) HandleCancellation(ctx context.Context, r *model.Reservation) error {
	p.cancelled = append(p.cancelled, r.ID)
	if p.inactive {
		return provision.ErrNotActive
	}
	return p.store.UpdateStatus(ctx, r.ID, model.StatusRevoked)
}

func (p *fakeProvisioner) HandleDateChange(ctx context.Context, r *model.Reservation, in, out time.Time) error {
	p.redated = append(p.redated, r.ID)
	if p.inactive {
		return provision.ErrNotActive
	}
	return p.store.UpdateDates(ctx, r.ID, in, out)
}

type event struct {
	uid, summary, start, end, desc string
}

func feed(events ...event) string {
	var b strings.Builder
	b.WriteString("BEGIN:VCALENDAR\r\nVERSION:2.0\r\n")
	for _, e := range events {
		b.WriteString("BEGIN:VEVENT\r\n")
		if e.start != "" {
			b.WriteString("DTSTART;VALUE=DATE:" + e.start + "\r\n")
		}
		if e.end != "" {
			b.WriteString("DTEND;VALUE=DATE:" + e.end + "\r\n")
		}
		if e.uid != "" {
			b.WriteString("UID:" + e.uid + "\r\n")
		}
		if e.desc != "" {
			b.WriteString("DESCRIPTION:" + e.desc + "\r\n")
		}
		b.WriteString("SUMMARY:" + e.summary + "\r\n")
		b.WriteString("END:VEVENT\r\n")
	}
	b.WriteString("END:VCALENDAR\r\n")
	return b.String()
}

type fixture struct {
	rec     *Reconciler
	store   store.Store
	fetcher *fakeFetcher
	prov    *fakeProvisioner
	clock   *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gormDB, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "calendar.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, gormDB.AutoMigrate(&model.Reservation{}, &model.ActionLog{}, &model.PushSubscription{}))

	clock := &fakeClock{t: time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)}
	s, err := store.NewGormStore(context.Background(), gormDB, store.WithClock(clock.Now))
	require.NoError(t, err)

	cfg := config.Default().Calendar
	cfg.Timezone = "UTC"
	cfg.Sources = []config.CalendarSource{
		{Name: "airbnb", Label: "Airbnb", SummaryFilter: "Reserved"},
		{Name: "vrbo", Label: "VRBO", RefFromLabel: true},
	}

	f := &fakeFetcher{feeds: map[string]string{}, errs: map[string]error{}}
	p := &fakeProvisioner{store: s}
	rec, err := NewReconciler(cfg, s, f, p, WithClock(clock.Now))
	require.NoError(t, err)
	return &fixture{rec: rec, store: s, fetcher: f, prov: p, clock: clock}
}

func TestReconcile_CreatesOnlyQualifyingEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fetcher.feeds["airbnb"] = feed(
		event{uid: "a1@airbnb", summary: "Reserved", start: "20250214", end: "20250217",
			desc: `Reservation URL: https://www.airbnb.com/hosting/reservations/details/HMABC123\nPhone Number (Last 4 Digits): 4321`},
		event{uid: "a2@airbnb", summary: "Reserved", start: "20250220"},
		event{uid: "a3@airbnb", summary: "Airbnb (Not available)", start: "20250301", end: "20250305"},
	)

	n, err := f.rec.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, f.prov.created, 1)

	d := f.prov.created[0]
	assert.Equal(t, "a1@airbnb", d.CalendarUID)
	assert.Equal(t, "airbnb", d.Source)
	assert.Equal(t, "Airbnb-Feb14", d.GuestLabel)
	assert.Equal(t, "HMABC123", d.BookingRef)
	assert.Equal(t, "4321", d.PhoneLast4)
	assert.True(t, d.CheckIn.Equal(time.Date(2025, 2, 14, 15, 0, 0, 0, time.UTC)))
	assert.True(t, d.CheckOut.Equal(time.Date(2025, 2, 17, 11, 0, 0, 0, time.UTC)))

	n, err = f.rec.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "unchanged feed creates nothing")
}

func TestReconcile_RefFromLabel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fetcher.feeds["vrbo"] = feed(event{uid: "v1", summary: "Reserved - Sam", start: "20250305", end: "20250308"})

	n, err := f.rec.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "VRBO-Mar05", f.prov.created[0].BookingRef)
	assert.Equal(t, "vrbo", f.prov.created[0].Source)
}

func TestReconcile_CancellationNeedsTwoDetections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fetcher.feeds["airbnb"] = feed(event{uid: "a1", summary: "Reserved", start: "20250214", end: "20250217"})
	_, err := f.rec.Reconcile(ctx)
	require.NoError(t, err)
	res, err := f.store.GetReservationByUID(ctx, "a1")
	require.NoError(t, err)

	f.fetcher.feeds["airbnb"] = feed()
	_, err = f.rec.Reconcile(ctx)
	require.NoError(t, err)
	assert.True(t, f.store.Ledger().HasAction(res.ID, model.ActionCancellationDetected))
	assert.Empty(t, f.prov.cancelled)

	f.clock.Advance(9 * time.Minute)
	_, err = f.rec.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, f.prov.cancelled, "second detection too soon")

	f.clock.Advance(time.Minute)
	_, err = f.rec.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{res.ID}, f.prov.cancelled)

	got, err := f.store.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRevoked, got.Status)
}

func TestReconcile_ReappearanceClearsSuspicion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	present := feed(event{uid: "a1", summary: "Reserved", start: "20250214", end: "20250217"})
	f.fetcher.feeds["airbnb"] = present
	_, err := f.rec.Reconcile(ctx)
	require.NoError(t, err)
	res, err := f.store.GetReservationByUID(ctx, "a1")
	require.NoError(t, err)

	f.fetcher.feeds["airbnb"] = feed()
	_, err = f.rec.Reconcile(ctx)
	require.NoError(t, err)

	f.clock.Advance(15 * time.Minute)
	f.fetcher.feeds["airbnb"] = present
	_, err = f.rec.Reconcile(ctx)
	require.NoError(t, err)
	_, pending := f.store.Ledger().PendingCancellation(res.ID)
	assert.False(t, pending)

	f.clock.Advance(15 * time.Minute)
	f.fetcher.feeds["airbnb"] = feed()
	_, err = f.rec.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, f.prov.cancelled, "a fresh absence starts a new confirmation window")
}

func TestReconcile_FetchFailureLeavesSourceUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fetcher.feeds["airbnb"] = feed(event{uid: "a1", summary: "Reserved", start: "20250214", end: "20250217"})
	f.fetcher.feeds["vrbo"] = feed(event{uid: "v1", summary: "Reserved", start: "20250305", end: "20250308"})
	_, err := f.rec.Reconcile(ctx)
	require.NoError(t, err)
	a1, err := f.store.GetReservationByUID(ctx, "a1")
	require.NoError(t, err)
	v1, err := f.store.GetReservationByUID(ctx, "v1")
	require.NoError(t, err)

	f.fetcher.errs["airbnb"] = errors.New("connection reset")
	f.fetcher.feeds["vrbo"] = feed()
	for i := 0; i < 3; i++ {
		n, err := f.rec.Reconcile(ctx)
		assert.Error(t, err)
		assert.Zero(t, n)
		f.clock.Advance(20 * time.Minute)
	}

	assert.False(t, f.store.Ledger().HasAction(a1.ID, model.ActionCancellationDetected))
	assert.True(t, f.store.Ledger().HasAction(v1.ID, model.ActionCancellationDetected))
	assert.Equal(t, []int64{v1.ID}, f.prov.cancelled)
}

func TestReconcile_DateChange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fetcher.feeds["airbnb"] = feed(event{uid: "a1", summary: "Reserved", start: "20250214", end: "20250217"})
	_, err := f.rec.Reconcile(ctx)
	require.NoError(t, err)

	f.fetcher.feeds["airbnb"] = feed(event{uid: "a1", summary: "Reserved", start: "20250215", end: "20250219"})
	n, err := f.rec.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.Len(t, f.prov.redated, 1)

	got, err := f.store.GetReservationByUID(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, got.CheckIn.Equal(time.Date(2025, 2, 15, 15, 0, 0, 0, time.UTC)))
	assert.True(t, got.CheckOut.Equal(time.Date(2025, 2, 19, 11, 0, 0, 0, time.UTC)))

	_, err = f.rec.Reconcile(ctx)
	require.NoError(t, err)
	assert.Len(t, f.prov.redated, 1)
}

func TestReconcile_InactiveReservationIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fetcher.feeds["airbnb"] = feed(
		event{uid: "a1", summary: "Reserved", start: "20250214", end: "20250217"},
		event{uid: "a2", summary: "Reserved", start: "20250220", end: "20250222"},
	)
	_, err := f.rec.Reconcile(ctx)
	require.NoError(t, err)

	// Another actor ends both stays between the snapshot and the change.
	f.prov.inactive = true
	f.fetcher.feeds["airbnb"] = feed(event{uid: "a2", summary: "Reserved", start: "20250221", end: "20250222"})
	_, err = f.rec.Reconcile(ctx)
	require.NoError(t, err)
	assert.Len(t, f.prov.redated, 1)

	f.clock.Advance(10 * time.Minute)
	_, err = f.rec.Reconcile(ctx)
	require.NoError(t, err)
	assert.Len(t, f.prov.cancelled, 1)
}

func TestReconcile_IgnoresManualAndUnknownSources(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	manual := &model.Reservation{
		Source:     model.SourceManual,
		GuestLabel: "Cleaner",
		CheckIn:    f.clock.Now(),
		CheckOut:   f.clock.Now().Add(time.Hour),
		AccessCode: "555555",
	}
	require.NoError(t, f.store.CreateReservation(ctx, manual))
	uid := "old-feed-uid"
	orphan := &model.Reservation{
		CalendarUID: &uid,
		Source:      "booking",
		GuestLabel:  "Booking-Feb02",
		CheckIn:     f.clock.Now(),
		CheckOut:    f.clock.Now().Add(time.Hour),
		AccessCode:  "666666",
	}
	require.NoError(t, f.store.CreateReservation(ctx, orphan))

	_, err := f.rec.Reconcile(ctx)
	require.NoError(t, err)
	assert.False(t, f.store.Ledger().HasAction(manual.ID, model.ActionCancellationDetected))
	assert.False(t, f.store.Ledger().HasAction(orphan.ID, model.ActionCancellationDetected))
}

func TestNewReconciler_RejectsBadConfig(t *testing.T) {
	cfg := config.Default().Calendar
	cfg.Timezone = "Mars/Olympus"
	_, err := NewReconciler(cfg, nil, nil, nil)
	assert.Error(t, err)

	cfg = config.Default().Calendar
	cfg.CheckInTime = "3pm"
	_, err = NewReconciler(cfg, nil, nil, nil)
	assert.Error(t, err)
}
