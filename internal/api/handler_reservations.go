package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"guestkey/internal/provision"
	"guestkey/internal/store"
)

// ListReservations handles GET /reservations?limit=N, newest check-in first.
func (h *Handler) ListReservations(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		limit = n
	}

	list, err := h.store.ListRecent(c.Request.Context(), limit)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve reservations"})
		return
	}
	c.JSON(http.StatusOK, list)
}

type createReservationRequest struct {
	GuestLabel string    `json:"guestLabel" binding:"required"`
	CheckIn    time.Time `json:"checkIn" binding:"required"`
	CheckOut   time.Time `json:"checkOut" binding:"required"`
}

// CreateReservation handles POST /reservations for manual entries.
func (h *Handler) CreateReservation(c *gin.Context) {
	var req createReservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !req.CheckOut.After(req.CheckIn) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "checkOut must be after checkIn"})
		return
	}

	r, err := h.operator.AddManual(c.Request.Context(), req.GuestLabel, req.CheckIn, req.CheckOut)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, r)
}

// RevokeReservation handles POST /reservations/:id/revoke.
func (h *Handler) RevokeReservation(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid reservation ID"})
		return
	}

	r, err := h.operator.Revoke(c.Request.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "reservation not found"})
	case errors.Is(err, provision.ErrNotActive):
		c.JSON(http.StatusConflict, gin.H{"error": "reservation is not active", "status": r.Status})
	case err != nil:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, r)
	}
}
