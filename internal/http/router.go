package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/strideprep/itemforge-backend/internal/http/handlers"
	httpMW "github.com/strideprep/itemforge-backend/internal/http/middleware"
	"github.com/strideprep/itemforge-backend/internal/platform/logger"
)

type RouterConfig struct {
	Log *logger.Logger

	AuthHandler    *httpH.AuthHandler
	AuthMiddleware *httpMW.AuthMiddleware

	RunHandler      *httpH.RunHandler
	JobHandler      *httpH.JobHandler
	ArtifactHandler *httpH.ArtifactHandler
	AtomHandler     *httpH.AtomHandler

	HealthHandler *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("itemforge"))
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.CORS())

	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}

	api := r.Group("/api")
	{
		if cfg.AuthHandler != nil {
			api.POST("/login", cfg.AuthHandler.Login)
		}
	}

	protected := api.Group("/")
	{
		if cfg.AuthMiddleware != nil {
			protected.Use(cfg.AuthMiddleware.RequireAuth())
		}

		if cfg.RunHandler != nil {
			protected.POST("/runs", cfg.RunHandler.StartRun)
		}

		if cfg.JobHandler != nil {
			protected.GET("/jobs", cfg.JobHandler.ListJobs)
			protected.GET("/jobs/:id", cfg.JobHandler.GetJob)
			protected.GET("/jobs/:id/logs", cfg.JobHandler.GetJobLogs)
			protected.POST("/jobs/:id/cancel", cfg.JobHandler.CancelJob)
		}

		if cfg.ArtifactHandler != nil {
			protected.GET("/artifacts", cfg.ArtifactHandler.ListArtifacts)
			protected.GET("/artifacts/:id/stages", cfg.ArtifactHandler.GetStages)
			protected.GET("/artifacts/:id/output/:stage", cfg.ArtifactHandler.GetOutput)
			protected.POST("/artifacts/:id/review", cfg.ArtifactHandler.SetReview)
			protected.POST("/artifacts/:id/rerun", cfg.ArtifactHandler.RerunStage)
		}

		if cfg.AtomHandler != nil {
			protected.PUT("/atoms", cfg.AtomHandler.UpsertAtom)
			protected.POST("/atoms/prerequisites", cfg.AtomHandler.AddPrerequisite)
			protected.POST("/atoms/links", cfg.AtomHandler.LinkItem)
			protected.GET("/atoms/:key/prerequisites", cfg.AtomHandler.Prerequisites)
			protected.GET("/atoms/:key/dependents", cfg.AtomHandler.Dependents)
		}
	}

	return r
}
