package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"kalico-flash/internal/mw"
)

// RouterOptions tune the middleware of the status API.
type RouterOptions struct {
	RateLimit float64
	Burst     int
	CacheTTL  time.Duration
}

// NewRouter creates and configures the read-only status API.
func NewRouter(h *Handler, opts RouterOptions, log zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), mw.RequestLogger(log))

	if opts.Burst <= 0 {
		opts.Burst = int(opts.RateLimit) + 1
	}
	rateLimiter := mw.RateLimiter(rate.Limit(opts.RateLimit), opts.Burst)
	cacheStore := cache.New(opts.CacheTTL, 2*opts.CacheTTL+time.Minute)
	caching := mw.Cache(cacheStore, opts.CacheTTL)

	api := r.Group("/api")
	api.GET("/healthz", h.GetHealth)
	api.Use(rateLimiter)
	{
		api.GET("/devices", caching, h.GetDevices)
		api.GET("/devices/:key", caching, h.GetDevice)
		api.GET("/printer", caching, h.GetPrinter)
	}

	return r
}
