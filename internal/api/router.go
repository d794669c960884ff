package api

import (
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"focus-room-backend/config"
	"focus-room-backend/internal/mw"
)

// NewRouter creates and configures a new Gin router.
func NewRouter(h *Handler, cfg config.ServerConfig) *gin.Engine {
	r := gin.New()

	// Access log and panic recovery through the global zap logger.
	r.Use(ginzap.Ginzap(zap.L(), time.RFC3339, true))
	r.Use(ginzap.RecoveryWithZap(zap.L(), true))

	rateLimiter := mw.RateLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst)

	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	caching := mw.Cache(cache.New(ttl, 2*ttl), ttl, historyCacheKey)

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		api.GET("/stream", h.GetStream)
		api.GET("/seats", h.GetSeats)
		api.GET("/history", caching, h.GetHistory)

		api.POST("/commands", rateLimiter, h.PostCommand)
		api.GET("/sweep", rateLimiter, h.Sweep)
		api.POST("/sweep", rateLimiter, h.Sweep)
		api.POST("/leases/extend", rateLimiter, h.ExtendLease)

		api.GET("/subscriptions", rateLimiter, h.GetSubscription)
		api.PUT("/subscriptions", rateLimiter, h.PutSubscription)
		api.DELETE("/subscriptions", rateLimiter, h.DeleteSubscription)
		api.GET("/vapid_public_key", h.GetVAPIDPublicKey)
	}

	return r
}
