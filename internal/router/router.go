package router

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/paypulse/internal/handler/health"
	"github.com/jwalitptl/paypulse/internal/handler/ledger"
	"github.com/jwalitptl/paypulse/internal/handler/outbox"
	"github.com/jwalitptl/paypulse/internal/handler/transfer"
	"github.com/jwalitptl/paypulse/internal/middleware"
)

type RouterConfig struct {
	Mode          string
	RateLimit     rate.Limit
	RateBurst     int
	MaxBodyBytes  int64
	MetricsPrefix string
	// Registerer receives the HTTP metrics; nil means the default registry.
	Registerer prometheus.Registerer
}

type Router struct {
	engine  *gin.Engine
	auth    *middleware.AuthMiddleware
	metrics *routerMetrics
}

type routerMetrics struct {
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	errorTotal      *prometheus.CounterVec
}

// NewRouter builds an engine with the shared middleware chain and the health
// and metrics endpoints. Service routes are added with the Register methods.
func NewRouter(auth *middleware.AuthMiddleware, healthH *health.Handler, config RouterConfig) *Router {
	if config.Mode != "" {
		gin.SetMode(config.Mode)
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = middleware.DefaultMaxBodySize
	}

	engine := gin.New()
	r := &Router{
		engine:  engine,
		auth:    auth,
		metrics: initRouterMetrics(config.MetricsPrefix, config.Registerer),
	}

	// Add core middlewares
	engine.Use(
		middleware.Recovery(),
		middleware.RequestID(),
		middleware.Logger(),
		r.metricsMiddleware(),
		middleware.SizeLimit(config.MaxBodyBytes),
	)

	if config.RateLimit > 0 {
		rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
			Rate:  config.RateLimit,
			Burst: config.RateBurst,
		})
		engine.Use(rateLimiter.RateLimit())
	}

	healthH.RegisterRoutes(engine)
	return r
}

// RegisterTransferAPI mounts the public transfer and outbox routes.
func (r *Router) RegisterTransferAPI(transferH *transfer.Handler, outboxH *outbox.Handler) {
	api := r.engine.Group("/api/v1")
	api.Use(r.auth.Authenticate())

	transferH.RegisterRoutes(api)
	outboxH.RegisterRoutes(api, r.auth.RequireAdmin())
}

// RegisterLedgerAPI mounts the ledger operations called by the saga.
func (r *Router) RegisterLedgerAPI(ledgerH *ledger.Handler) {
	internal := r.engine.Group("/internal/ledger")
	internal.Use(r.auth.Authenticate())

	ledgerH.RegisterRoutes(internal)
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}

func initRouterMetrics(prefix string, reg prometheus.Registerer) *routerMetrics {
	if prefix == "" {
		prefix = "paypulse_http"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &routerMetrics{
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: prefix + "_request_duration_seconds",
				Help: "Duration of HTTP requests in seconds",
			},
			[]string{"method", "path", "status"},
		),
		requestTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		errorTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "_errors_total",
				Help: "Total number of HTTP errors",
			},
			[]string{"method", "path", "type"},
		),
	}
}

func (r *Router) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		// Unmatched routes share one label to keep cardinality bounded.
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		duration := time.Since(start).Seconds()

		r.metrics.requestDuration.WithLabelValues(c.Request.Method, path, status).Observe(duration)
		r.metrics.requestTotal.WithLabelValues(c.Request.Method, path, status).Inc()

		switch {
		case c.Writer.Status() >= 500:
			r.metrics.errorTotal.WithLabelValues(c.Request.Method, path, "server").Inc()
		case c.Writer.Status() >= 400:
			r.metrics.errorTotal.WithLabelValues(c.Request.Method, path, "client").Inc()
		}
	}
}
