package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/use-agent/gatecrash/api/handler"
	"github.com/use-agent/gatecrash/api/middleware"
	"github.com/use-agent/gatecrash/config"
	"github.com/use-agent/gatecrash/egress"
	"github.com/use-agent/gatecrash/scrape"
	"github.com/use-agent/gatecrash/session"
)

// NewRouter creates a configured Gin engine with all routes and middleware.
//
// Middleware chain:
//
//	Global:     Recovery → Logger
//	Protected:  Auth (if enabled) → RateLimit
//
// Health and metrics endpoints are intentionally outside auth so
// monitoring probes always work.
func NewRouter(svc *scrape.Service, pool *session.Pool, registry *egress.Registry, cfg *config.Config, startTime time.Time) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Shared middleware instances so /scrape and /api/v1 draw from the
	// same rate-limit buckets.
	rateLimit := middleware.RateLimit(cfg.RateLimit)
	var auth gin.HandlerFunc
	if cfg.Auth.Enabled {
		auth = middleware.Auth(cfg.Auth.APIKeys)
	}

	// Scrape lives at the root for terse client URLs.
	scrapeGroup := r.Group("/scrape")
	if auth != nil {
		scrapeGroup.Use(auth)
	}
	scrapeGroup.Use(rateLimit)
	scrapeGroup.GET("", handler.Scrape(svc))

	v1 := r.Group("/api/v1")

	// Health stays reachable without a key.
	v1.GET("/health", handler.Health(pool, registry, startTime))

	// Everything else requires auth and draws rate-limit tokens.
	protected := v1.Group("")
	if auth != nil {
		protected.Use(auth)
	}
	protected.Use(rateLimit)

	// Egress management
	protected.GET("/egress", handler.ListEgress(registry))
	protected.GET("/egress/status", handler.EgressStatus(registry))
	protected.GET("/egress/active", handler.ActiveEgress(registry))
	protected.POST("/egress", handler.RegisterEgress(registry))
	protected.POST("/egress/bulk", handler.BulkRegisterEgress(registry))
	protected.POST("/egress/upload", handler.UploadEgress(registry))
	protected.POST("/egress/:id/connect", handler.ConnectEgress(registry))
	protected.POST("/egress/disconnect", handler.DisconnectEgress(registry))
	protected.DELETE("/egress/:id", handler.RemoveEgress(registry))

	return r
}
