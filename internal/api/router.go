package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"mwd-monitor-backend/config"
	"mwd-monitor-backend/internal/mw"
)

// NewRouter creates and configures a new Gin router.
func NewRouter(h *Handler, srv config.ServerConfig) *gin.Engine {
	r := gin.Default()

	rateLimiter := mw.RateLimiter(rate.Limit(srv.RateLimitPerSec), srv.RateLimitBurst)

	// History reads are cached briefly; live endpoints are not.
	ttl := time.Duration(srv.CacheTTLSeconds) * time.Second
	cacheStore := cache.New(ttl, 10*time.Minute)
	caching := mw.Cache(cacheStore, ttl, h.metrics.CacheLookup)

	ingestAuth := mw.BearerAuth(h.collector.Authorized, func() { h.metrics.Ingest("unauthorized") })

	api := r.Group("/api")
	{
		// Producers push at their own pace and are authenticated instead of throttled.
		api.POST("/ingest", ingestAuth, h.PostIngest)
		api.POST("/lines", ingestAuth, h.PostLines)
	}

	limited := api.Group("")
	limited.Use(rateLimiter)
	{
		limited.GET("/state", h.GetState)
		limited.GET("/history", caching, h.GetHistory)
		limited.GET("/incazm/log", caching, h.GetIncAzmLog)
		limited.GET("/incazm/log.csv", caching, h.GetIncAzmCSV)
		limited.GET("/decoder", h.GetDecoder)

		limited.GET("/config", h.GetConfig)
		limited.POST("/config", h.PostConfig)
		limited.GET("/serial/ports", h.GetSerialPorts)

		limited.GET("/subscriptions", h.GetSubscription)
		limited.PUT("/subscriptions", h.PutSubscription)
		limited.DELETE("/subscriptions", h.DeleteSubscription)
		limited.GET("/vapid_public_key", h.GetVAPIDPublicKey)
	}

	r.GET("/ws", h.ServeWS)
	r.GET("/metrics", gin.WrapH(h.metrics.Handler()))

	return r
}
