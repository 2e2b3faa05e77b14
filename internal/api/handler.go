package api

import (
	"context"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/rs/zerolog"

	"guestkey/internal/health"
	"guestkey/internal/log"
	"guestkey/internal/model"
	"guestkey/internal/store"
)

// Operator is the orchestrator surface the trigger API drives.
type Operator interface {
	SendPendingNotifications(ctx context.Context) (int, error)
	ForceNotify(ctx context.Context, id int64) (bool, error)
	AddManual(ctx context.Context, label string, checkIn, checkOut time.Time) (*model.Reservation, error)
	Revoke(ctx context.Context, id int64) (*model.Reservation, error)
}

// Messenger delivers raw operator messages.
type Messenger interface {
	Send(ctx context.Context, recipient, text string) bool
	IsReady() bool
}

// Deps are the dependencies of the operator API.
type Deps struct {
	Store     store.Store
	Operator  Operator
	Messenger Messenger
	Tracker   *health.Tracker
	WebPush   *webpush.Options
	Node      string
	// Role reports the node's current role, e.g. "primary" or "active".
	Role func() string
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store     store.Store
	operator  Operator
	messenger Messenger
	tracker   *health.Tracker
	webpush   *webpush.Options
	node      string
	role      func() string
	now       func() time.Time
	logger    zerolog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(d Deps) *Handler {
	role := d.Role
	if role == nil {
		role = func() string { return "primary" }
	}
	return &Handler{
		store:     d.Store,
		operator:  d.Operator,
		messenger: d.Messenger,
		tracker:   d.Tracker,
		webpush:   d.WebPush,
		node:      d.Node,
		role:      role,
		now:       time.Now,
		logger:    log.WithComponent("api"),
	}
}
