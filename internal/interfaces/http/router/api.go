package router

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/erp/marketsync/internal/infrastructure/config"
	"github.com/erp/marketsync/internal/infrastructure/logger"
	"github.com/erp/marketsync/internal/interfaces/http/handler"
	"github.com/erp/marketsync/internal/interfaces/http/middleware"
)

// webhookBucketTTL is how long an idle connection keeps its inbound rate bucket
const webhookBucketTTL = 10 * time.Minute

// Handlers groups every HTTP handler of the API
type Handlers struct {
	System      *handler.SystemHandler
	Webhooks    *handler.WebhookHandler
	Connections *handler.ConnectionHandler
	SyncRuns    *handler.SyncRunHandler
}

// Options carries the cross-cutting settings of the engine
type Options struct {
	HTTP      config.HTTPConfig
	Tracing   middleware.TracingConfig
	Metrics   middleware.HTTPMetricsConfig
	Security  middleware.SecurityConfig
	Validator middleware.TokenValidator
	Logger    *zap.Logger
}

// NewEngine builds the gin engine with the middleware stack and every route.
//
// Middleware order: Recovery, RequestID, access log, security headers, CORS,
// tracing, metrics. The API group then adds JWT authentication (webhooks and
// health endpoints are exempt) and span enrichment.
func NewEngine(opts Options, h Handlers) *gin.Engine {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	middleware.SetupValidator()

	engine := gin.New()
	if len(opts.HTTP.TrustedProxies) > 0 {
		if err := engine.SetTrustedProxies(opts.HTTP.TrustedProxies); err != nil {
			log.Warn("Failed to set trusted proxies", zap.Error(err))
		}
	}

	engine.Use(
		logger.Recovery(log),
		middleware.RequestID(log),
		logger.AccessLog(log),
		middleware.Secure(opts.Security),
		middleware.CORS(middleware.CORSConfigFrom(opts.HTTP)),
		middleware.Tracing(opts.Tracing),
		middleware.HTTPMetrics(opts.Metrics),
	)

	engine.GET("/health", h.System.Health)
	engine.GET("/healthz", h.System.Health)
	engine.GET("/ready", h.System.Ready)

	authConfig := middleware.DefaultAuthConfig(opts.Validator)
	authConfig.Logger = log

	r := NewRouter(engine, WithAPIVersion("v1"))
	r.Use(middleware.Authenticate(authConfig), middleware.SpanAttributes())

	webhookLimiter := middleware.NewRateLimiter(opts.HTTP.WebhookRatePerSec, opts.HTTP.WebhookRateBurst, webhookBucketTTL)
	r.Register(WebhookRoutes(h.Webhooks, opts.HTTP.WebhookMaxBodySize, webhookLimiter))
	r.Register(ConnectionRoutes(h.Connections, opts.HTTP.MaxBodySize))
	r.Register(SyncRunRoutes(h.SyncRuns, opts.HTTP.MaxBodySize))
	r.Setup()

	return engine
}

// WebhookRoutes mounts the inbound notification endpoint. It is rate limited
// per connection and authenticated by signature.
func WebhookRoutes(h *handler.WebhookHandler, maxBody int64, limiter *middleware.RateLimiter) *DomainGroup {
	return NewDomainGroup("/webhooks").
		Use(
			middleware.RateLimitByKey(limiter, middleware.ByParam("connection_id")),
			middleware.BodyLimit(maxBody),
		).
		POST("/:connection_id", h.Receive)
}

// ConnectionRoutes mounts connection management, manual sync and mappings
func ConnectionRoutes(h *handler.ConnectionHandler, maxBody int64) *DomainGroup {
	return NewDomainGroup("/connections").
		Use(middleware.BodyLimit(maxBody)).
		GET("", h.List).
		POST("", h.Create).
		GET("/:id", h.Get).
		POST("/:id/credentials", h.RotateCredentials).
		POST("/:id/health-check", h.CheckHealth).
		POST("/:id/deactivate", h.Deactivate).
		POST("/:id/sync", h.TriggerSync).
		GET("/:id/mappings", h.ListMappings).
		PUT("/:id/mappings/:external_id", h.ResolveMapping)
}

// SyncRunRoutes mounts the run ledger and job control
func SyncRunRoutes(h *handler.SyncRunHandler, maxBody int64) *DomainGroup {
	root := NewDomainGroup("").Use(middleware.BodyLimit(maxBody))
	root.Group("/sync-runs").
		GET("", h.List).
		GET("/:id", h.Get).
		POST("/:id/compensate", h.Compensate)
	root.Group("/sync-jobs").
		POST("/:id/cancel", h.CancelJob)
	return root
}
