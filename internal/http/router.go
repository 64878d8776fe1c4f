package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/smallbiznis/signvault/internal/config"
	"github.com/smallbiznis/signvault/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/signvault/internal/http/middleware"
)

// Handlers groups every route handler.
type Handlers struct {
	Webhooks    *handler.WebhookHandler
	Connections *handler.ConnectionHandler
	Documents   *handler.DocumentHandler
	Health      *handler.HealthHandler
}

// NewRouter wires Gin routes and middleware.
func NewRouter(cfg config.Config, h Handlers, auth *httpmiddleware.Auth, rateLimiter *httpmiddleware.RateLimiter, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(logger))
	r.Use(otelgin.Middleware(cfg.ServiceName))
	r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))

	r.GET("/healthz", h.Health.Live)
	r.GET("/readyz", h.Health.Ready)

	r.POST("/webhooks/:provider", rateLimiter.Handler(), h.Webhooks.Receive)

	// The provider redirects the browser here; the state parameter, not a
	// bearer token, ties the callback to the user.
	r.GET("/connections/:provider/callback", h.Connections.Callback)

	connections := r.Group("/connections", auth.ValidateJWT)
	{
		connections.GET("", h.Connections.List)
		connections.GET("/:provider/authorize", h.Connections.Authorize)
		connections.DELETE("/:provider", h.Connections.Delete)
	}

	documents := r.Group("/documents", auth.ValidateJWT)
	{
		documents.POST("", h.Documents.Upload)
		documents.GET("", h.Documents.List)
		documents.GET("/:id", h.Documents.Get)
		documents.GET("/:id/download", h.Documents.Download)
		documents.GET("/:id/history", h.Documents.History)
		documents.POST("/:id/verify", h.Documents.Verify)
		documents.POST("/:id/anchor", h.Documents.Anchor)
	}

	return r
}
