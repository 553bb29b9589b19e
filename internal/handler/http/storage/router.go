package storage

import (
	"time"

	"github.com/gin-gonic/gin"

	"suimessenger/internal/middleware"
	"suimessenger/pkg/metrics"
)

// RouterConfig holds node router settings
type RouterConfig struct {
	ServiceName    string
	RequestTimeout time.Duration
	Metrics        *metrics.Metrics
	Limiter        *middleware.RateLimiter // applied to uploads, nil disables
}

// NewRouter builds the node's gin engine
func NewRouter(store BlobStore, cfg RouterConfig) *gin.Engine {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "storage-node"
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewMetrics(cfg.ServiceName)
	}

	router := gin.New()
	router.Use(middleware.HealthCheck(cfg.ServiceName))
	router.Use(middleware.RequestLogger())
	router.Use(middleware.Recovery())
	router.Use(middleware.NewPrometheusMiddleware(cfg.Metrics).Handler())
	router.Use(middleware.Timeout(cfg.RequestTimeout, cfg.Metrics))

	router.GET(middleware.GetMetricsPath(), middleware.MetricsHandler(cfg.Metrics))

	var uploads []gin.HandlerFunc
	if cfg.Limiter != nil {
		uploads = append(uploads, cfg.Limiter.Middleware())
	}
	NewHandler(store, cfg.Metrics).Register(router, uploads...)
	return router
}
