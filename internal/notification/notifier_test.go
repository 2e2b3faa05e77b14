package notification

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guestkey/config"
	"guestkey/internal/model"
)

// fakeChannel records what it was asked to send.
type fakeChannel struct {
	name  string
	ready bool
	ok    bool
	panic bool
	sent  []string
}

func (f *fakeChannel) Name() string  { return f.name }
func (f *fakeChannel) IsReady() bool { return f.ready }
func (f *fakeChannel) Send(ctx context.Context, recipient, text string) bool {
	if f.panic {
		panic("boom")
	}
	f.sent = append(f.sent, text)
	return f.ok
}

func TestMulti_Send(t *testing.T) {
	ok := &fakeChannel{name: "a", ready: true, ok: true}
	failing := &fakeChannel{name: "b", ready: true, ok: false}
	offline := &fakeChannel{name: "c", ready: false, ok: true}

	m := NewMulti(ok, failing, offline)
	assert.True(t, m.IsReady())
	assert.Equal(t, []string{"a", "b"}, m.ReadyChannels())
	assert.True(t, m.Send(context.Background(), "ops", "hi"))
	assert.Len(t, ok.sent, 1)
	assert.Len(t, failing.sent, 1)
	assert.Empty(t, offline.sent)
}

func TestMulti_AllFailOrPanic(t *testing.T) {
	m := NewMulti(&fakeChannel{name: "a", ready: true, panic: true}, &fakeChannel{name: "b", ready: true})
	assert.False(t, m.Send(context.Background(), "ops", "hi"))

	empty := NewMulti()
	assert.False(t, empty.IsReady())
	assert.False(t, empty.Send(context.Background(), "ops", "hi"))
}

func TestLogChannel(t *testing.T) {
	c := NewLogChannel()
	assert.True(t, c.IsReady())
	assert.True(t, c.Send(context.Background(), "ops", "line1\nline2"))
}

func TestEmailChannel(t *testing.T) {
	cfg := config.EmailConfig{
		Enabled:  true,
		Host:     "smtp.example.com",
		Port:     587,
		Username: "bot",
		Password: "pw",
		From:     "GuestKey <bot@example.com>",
		To:       "host@example.com",
	}

	var gotAddr string
	var gotTo []string
	var gotMsg string
	c := NewEmailChannel(cfg, func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		return nil
	})

	require.True(t, c.IsReady())
	assert.True(t, c.Send(context.Background(), "+15550001111", "*Code expired: Airbnb-Feb14*\nAccess code removed."))
	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Equal(t, []string{"host@example.com"}, gotTo)
	assert.Contains(t, gotMsg, "Subject: GuestKey: Code expired: Airbnb-Feb14\r\n")
	assert.True(t, strings.HasSuffix(gotMsg, "Access code removed.\r\n"))

	assert.True(t, c.Send(context.Background(), "other@example.com", "x"))
	assert.Equal(t, []string{"other@example.com"}, gotTo)

	failing := NewEmailChannel(cfg, func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("connection refused")
	})
	assert.False(t, failing.Send(context.Background(), "", "x"))

	disabled := NewEmailChannel(config.EmailConfig{Host: "smtp.example.com"}, nil)
	assert.False(t, disabled.IsReady())
}

func TestMessenger_Templates(t *testing.T) {
	ch := &fakeChannel{name: "a", ready: true, ok: true}
	m := NewMessenger(NewMulti(ch), "ops", time.UTC)
	ref := "HMABCD1234"
	r := &model.Reservation{
		GuestLabel: "Airbnb-Feb14",
		BookingRef: &ref,
		AccessCode: "123456",
		PhoneLast4: "5678",
		CheckIn:    time.Date(2026, 2, 14, 15, 0, 0, 0, time.UTC),
		CheckOut:   time.Date(2026, 2, 17, 11, 0, 0, 0, time.UTC),
	}
	ctx := context.Background()

	require.True(t, m.NotifyNewCode(ctx, r))
	assert.Equal(t, "*New door code: HMABCD1234*\nCode: *123456*\nCheck-in:  Feb 14, 2026 at 3:00 PM\nCheck-out: Feb 17, 2026 at 11:00 AM\nGuest phone ends in 5678", ch.sent[0])

	r.PhoneLast4 = ""
	r.BookingRef = nil
	m.NotifyCodeExpired(ctx, r)
	assert.Equal(t, "*Code expired: Airbnb-Feb14*\nAccess code removed from the lock.", ch.sent[1])

	m.NotifyCancellation(ctx, r)
	assert.Contains(t, ch.sent[2], "Access code 123456 revoked")

	m.NotifyDateChange(ctx, r, r.CheckIn.Add(-24*time.Hour), r.CheckOut)
	assert.Contains(t, ch.sent[3], "Before: Feb 13, 2026 at 3:00 PM - Feb 17, 2026 at 11:00 AM")

	m.SendAlert(ctx, "lock unreachable")
	assert.Equal(t, "*GuestKey Alert:* lock unreachable", ch.sent[4])

	m.NotifyError(ctx, "cleanup failed")
	assert.Equal(t, "*GuestKey Error:* cleanup failed", ch.sent[5])
}
