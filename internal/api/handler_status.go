package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"guestkey/internal/health"
	"guestkey/internal/metrics"
	"guestkey/internal/model"
)

type upcomingReservation struct {
	ID          int64     `json:"id"`
	GuestLabel  string    `json:"guestLabel"`
	Source      string    `json:"source"`
	CheckIn     time.Time `json:"checkIn"`
	CheckOut    time.Time `json:"checkOut"`
	Provisioned bool      `json:"provisioned"`
	Notified    bool      `json:"notified"`
}

type statusResponse struct {
	OK            bool                              `json:"ok"`
	Node          string                            `json:"node"`
	Role          string                            `json:"role"`
	Time          time.Time                         `json:"time"`
	NotifierReady bool                              `json:"notifierReady"`
	Counts        map[model.ReservationStatus]int64 `json:"counts"`
	Active        []upcomingReservation             `json:"active"`
	Jobs          []health.JobStatus                `json:"jobs"`
}

// GetStatus handles GET /status: reservation counts, active stays and the
// freshness of each background job.
func (h *Handler) GetStatus(c *gin.Context) {
	ctx := c.Request.Context()

	counts, err := h.store.CountByStatus(ctx)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "Failed to count reservations"})
		return
	}
	for _, st := range []model.ReservationStatus{model.StatusActive, model.StatusExpired, model.StatusRevoked, model.StatusFailed} {
		metrics.ReservationsByStatus.WithLabelValues(string(st)).Set(float64(counts[st]))
	}

	active, err := h.store.ListActive(ctx)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "Failed to list reservations"})
		return
	}
	ledger := h.store.Ledger()
	upcoming := make([]upcomingReservation, 0, len(active))
	for _, r := range active {
		upcoming = append(upcoming, upcomingReservation{
			ID:          r.ID,
			GuestLabel:  r.GuestLabel,
			Source:      r.Source,
			CheckIn:     r.CheckIn,
			CheckOut:    r.CheckOut,
			Provisioned: ledger.HasAction(r.ID, model.ActionLockUserCreated),
			Notified:    ledger.Notified(r.ID),
		})
	}

	resp := statusResponse{
		OK:            true,
		Node:          h.node,
		Role:          h.role(),
		Time:          h.now().UTC(),
		NotifierReady: h.messenger != nil && h.messenger.IsReady(),
		Counts:        counts,
		Active:        upcoming,
	}
	if h.tracker != nil {
		resp.Jobs = h.tracker.Snapshot()
		resp.OK = h.tracker.Healthy()
	}
	c.JSON(http.StatusOK, resp)
}
