package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"guestkey/config"
	"guestkey/internal/failover"
	"guestkey/internal/metrics"
	"guestkey/internal/mw"
)

// NewRouter creates the operator API router.
func NewRouter(cfg config.ServerConfig, d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), mw.Logger("api"))

	handler := NewHandler(d)

	rateLimiter := mw.RateLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst)

	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	caching := mw.Cache(cache.New(ttl, 2*ttl), ttl)

	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/")
	api.Use(rateLimiter)
	{
		api.GET("/status", caching, handler.GetStatus)

		api.POST("/notify/all", handler.NotifyAll)
		api.POST("/notify/:id", handler.NotifyOne)
		api.POST("/send", handler.Send)

		api.GET("/reservations", handler.ListReservations)
		api.POST("/reservations", handler.CreateReservation)
		api.POST("/reservations/:id/revoke", handler.RevokeReservation)

		api.GET("/subscriptions", handler.GetSubscription)
		api.PUT("/subscriptions", handler.PutSubscription)
		api.DELETE("/subscriptions", handler.DeleteSubscription)
		api.GET("/vapid_public_key", handler.GetVAPIDPublicKey)
	}

	return r
}

// NewHeartbeatRouter creates the router for the standby's heartbeat receiver.
func NewHeartbeatRouter(cfg config.ServerConfig, recv *failover.Receiver) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), mw.Logger("failover"), mw.RateLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst))
	recv.Register(r)
	return r
}
