package notification

import (
	"context"
	"fmt"
	"strings"
	"time"

	"guestkey/internal/model"
)

// Messenger renders operator messages and sends them through a Notifier.
type Messenger struct {
	notifier  Notifier
	recipient string
	loc       *time.Location
}

// NewMessenger creates a Messenger. Times are rendered in loc.
func NewMessenger(n Notifier, recipient string, loc *time.Location) *Messenger {
	if loc == nil {
		loc = time.Local
	}
	return &Messenger{notifier: n, recipient: recipient, loc: loc}
}

// IsReady reports whether the underlying notifier can deliver.
func (m *Messenger) IsReady() bool {
	return m.notifier.IsReady()
}

// Send delivers free text to an explicit recipient.
func (m *Messenger) Send(ctx context.Context, recipient, text string) bool {
	return m.notifier.Send(ctx, recipient, text)
}

func (m *Messenger) send(ctx context.Context, lines ...string) bool {
	return m.notifier.Send(ctx, m.recipient, strings.TrimRight(strings.Join(lines, "\n"), "\n"))
}

func (m *Messenger) fmtTime(t time.Time) string {
	return t.In(m.loc).Format("Jan 2, 2006 at 3:04 PM")
}

// NotifyNewCode announces a reservation's door code.
func (m *Messenger) NotifyNewCode(ctx context.Context, r *model.Reservation) bool {
	return m.send(ctx,
		fmt.Sprintf("*New door code: %s*", displayName(r)),
		fmt.Sprintf("Code: *%s*", r.AccessCode),
		fmt.Sprintf("Check-in:  %s", m.fmtTime(r.CheckIn)),
		fmt.Sprintf("Check-out: %s", m.fmtTime(r.CheckOut)),
		phoneLine(r),
	)
}

// NotifyCodeExpired reports that a code was removed after check-out.
func (m *Messenger) NotifyCodeExpired(ctx context.Context, r *model.Reservation) bool {
	return m.send(ctx,
		fmt.Sprintf("*Code expired: %s*", displayName(r)),
		"Access code removed from the lock.",
	)
}

// NotifyCancellation reports a confirmed cancellation.
func (m *Messenger) NotifyCancellation(ctx context.Context, r *model.Reservation) bool {
	return m.send(ctx,
		fmt.Sprintf("*Booking cancelled: %s*", displayName(r)),
		fmt.Sprintf("Access code %s revoked from the lock.", r.AccessCode),
	)
}

// NotifyDateChange reports shifted dates. r carries the new dates.
func (m *Messenger) NotifyDateChange(ctx context.Context, r *model.Reservation, oldIn, oldOut time.Time) bool {
	return m.send(ctx,
		fmt.Sprintf("*Dates changed: %s*", displayName(r)),
		fmt.Sprintf("Code: %s", r.AccessCode),
		"",
		fmt.Sprintf("Before: %s - %s", m.fmtTime(oldIn), m.fmtTime(oldOut)),
		fmt.Sprintf("Now:    %s - %s", m.fmtTime(r.CheckIn), m.fmtTime(r.CheckOut)),
	)
}

// NotifyError sends a generic error message.
func (m *Messenger) NotifyError(ctx context.Context, message string) bool {
	return m.send(ctx, "*GuestKey Error:* "+message)
}

// SendAlert sends an operator alert.
func (m *Messenger) SendAlert(ctx context.Context, message string) bool {
	return m.send(ctx, "*GuestKey Alert:* "+message)
}

func displayName(r *model.Reservation) string {
	if r.BookingRef != nil && *r.BookingRef != "" {
		return *r.BookingRef
	}
	return r.GuestLabel
}

func phoneLine(r *model.Reservation) string {
	if r.PhoneLast4 == "" {
		return ""
	}
	return "Guest phone ends in " + r.PhoneLast4
}
