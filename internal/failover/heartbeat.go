package failover

import (
	"errors"
	"math"
	"time"
)

// ErrUnauthorized is returned when a heartbeat token does not match.
var ErrUnauthorized = errors.New("failover: invalid heartbeat token")

// Heartbeat is the latest liveness record a primary sent to its standby.
type Heartbeat struct {
	Node               string    `json:"node"`
	Timestamp          time.Time `json:"timestamp"`
	ReceivedAt         time.Time `json:"receivedAt"`
	ActiveReservations int       `json:"activeReservations"`
	NotifierReady      bool      `json:"whatsappReady"`
}

// Age is the time elapsed since the heartbeat was emitted. A nil heartbeat
// is infinitely old.
func (h *Heartbeat) Age(now time.Time) time.Duration {
	if h == nil {
		return time.Duration(math.MaxInt64)
	}
	return now.Sub(h.Timestamp)
}

// GapHours is Age in hours rounded to one decimal.
func (h *Heartbeat) GapHours(now time.Time) float64 {
	if h == nil {
		return math.Inf(1)
	}
	return math.Round(h.Age(now).Hours()*10) / 10
}
