package failover

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"guestkey/internal/log"
	"guestkey/internal/metrics"
)

// MaxHeartbeatBytes bounds a heartbeat request body.
const MaxHeartbeatBytes = 4096

// Receiver accepts heartbeats from the primary and serves the latest one.
type Receiver struct {
	store  HeartbeatStore
	token  string
	now    func() time.Time
	logger zerolog.Logger
}

// NewReceiver creates a Receiver. An empty token disables authentication.
func NewReceiver(store HeartbeatStore, token string) *Receiver {
	return &Receiver{
		store:  store,
		token:  token,
		now:    time.Now,
		logger: log.WithComponent("failover"),
	}
}

// Register mounts the heartbeat endpoints on r.
func (h *Receiver) Register(r gin.IRoutes) {
	r.POST("/heartbeat", h.PostHeartbeat)
	r.GET("/heartbeat", h.GetHeartbeat)
}

func (h *Receiver) authorized(candidates ...string) bool {
	if h.token == "" {
		return true
	}
	for _, c := range candidates {
		if c != "" && subtle.ConstantTimeCompare([]byte(c), []byte(h.token)) == 1 {
			return true
		}
	}
	return false
}

func bearer(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return token
	}
	return ""
}

// PostHeartbeat stores a heartbeat with its receipt time.
func (h *Receiver) PostHeartbeat(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxHeartbeatBytes)

	var req payload
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"ok": false, "error": "Payload too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
		return
	}

	if !h.authorized(req.Token, bearer(c)) {
		h.logger.Warn().Str("ip", c.ClientIP()).Msg("heartbeat rejected: invalid token")
		c.JSON(http.StatusForbidden, gin.H{"ok": false, "error": "Invalid token"})
		return
	}
	if req.Node == "" || req.Timestamp.IsZero() {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "node and timestamp are required"})
		return
	}

	hb := Heartbeat{
		Node:               req.Node,
		Timestamp:          req.Timestamp.UTC(),
		ReceivedAt:         h.now().UTC(),
		ActiveReservations: req.ActiveReservations,
		NotifierReady:      req.NotifierReady,
	}
	if err := h.store.Save(hb); err != nil {
		h.logger.Error().Err(err).Msg("failed to store heartbeat")
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "failed to store heartbeat"})
		return
	}
	metrics.HeartbeatsReceived.Inc()
	h.logger.Debug().Str("node", hb.Node).Int("active", hb.ActiveReservations).Msg("heartbeat received")
	c.JSON(http.StatusOK, gin.H{"ok": true, "received": hb})
}

// GetHeartbeat returns the latest heartbeat and its age.
func (h *Receiver) GetHeartbeat(c *gin.Context) {
	if !h.authorized(bearer(c), c.Query("token")) {
		c.JSON(http.StatusForbidden, gin.H{"ok": false, "error": "Unauthorized"})
		return
	}

	hb, err := h.store.Load()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}
	if hb == nil {
		c.JSON(http.StatusOK, gin.H{"ok": true, "lastHeartbeat": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":                 true,
		"node":               hb.Node,
		"timestamp":          hb.Timestamp,
		"receivedAt":         hb.ReceivedAt,
		"activeReservations": hb.ActiveReservations,
		"whatsappReady":      hb.NotifierReady,
		"gapHours":           hb.GapHours(h.now()),
	})
}
