package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/neurobridge-bookgen/internal/http/handlers"
	httpMW "github.com/yungbote/neurobridge-bookgen/internal/http/middleware"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/logger"
)

type RouterConfig struct {
	JobHandler    *httpH.JobHandler
	HealthHandler *httpH.HealthHandler

	Log            *logger.Logger
	ServiceName    string
	AllowedOrigins []string
	// DefaultTenant is used when a request carries no X-Tenant-Id header. Empty makes the header required.
	DefaultTenant string
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.ServiceName != "" {
		r.Use(otelgin.Middleware(cfg.ServiceName))
	}
	r.Use(httpMW.AttachTraceContext())
	if cfg.Log != nil {
		r.Use(httpMW.RequestLogger(cfg.Log))
	}
	r.Use(httpMW.CORS(cfg.AllowedOrigins))

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}

	api := r.Group("/api")
	api.Use(httpMW.AttachTenant(cfg.DefaultTenant))
	{
		// Jobs
		if cfg.JobHandler != nil {
			api.POST("/books/:bookId/versions/:versionId/jobs", cfg.JobHandler.EnqueueJob)
			api.GET("/books/:bookId/versions/:versionId/jobs", cfg.JobHandler.ListBookJobs)
			api.GET("/books/:bookId/versions/:versionId/status", cfg.JobHandler.BookStatus)
			api.GET("/jobs/:id", cfg.JobHandler.GetJob)
			api.POST("/jobs/:id/reset", cfg.JobHandler.ResetJob)
		}
	}

	return r
}
