package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"guestkey/internal/store"
)

// NotifyAll handles POST /notify/all by re-running the pending-notification sweep.
func (h *Handler) NotifyAll(c *gin.Context) {
	sent, err := h.operator.SendPendingNotifications(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "sent": sent})
}

// NotifyOne handles POST /notify/:id by force-sending one reservation's code.
func (h *Handler) NotifyOne(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "Invalid reservation ID"})
		return
	}

	delivered, err := h.operator.ForceNotify(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "reservation not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": delivered})
}

type sendRequest struct {
	Number string `json:"number" binding:"required"`
	Text   string `json:"text" binding:"required"`
}

// Send handles POST /send, a raw message to an explicit recipient.
func (h *Handler) Send(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "number and text are required"})
		return
	}

	if !h.messenger.Send(c.Request.Context(), req.Number, req.Text) {
		c.JSON(http.StatusBadGateway, gin.H{"ok": false, "error": "message not delivered"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
