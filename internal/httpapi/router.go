// Package httpapi is the gin transport exposing internal/workflowapi.Service
// as routes, grounded on the teacher's internal/app/router.go +
// internal/handlers convention: handlers are thin, every mutation goes
// through the Service, and route wiring lives in one place.
package httpapi

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/inkframe/workflow-engine/internal/httpapi/middleware"
)

type RouterConfig struct {
	Handler        *Handler
	AuthMiddleware *middleware.AuthMiddleware
	AllowOrigins   []string
	ServiceName    string
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))

	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	router.GET("/healthz", func(c *gin.Context) { c.Status(200) })

	api := router.Group("/api")
	api.Use(cfg.AuthMiddleware.RequireAuth())
	{
		api.POST("/workflows", cfg.Handler.StartWorkflow)
		api.GET("/workflows/:id", cfg.Handler.GetWorkflow)
		api.POST("/workflows/:id/cancel", cfg.Handler.CancelWorkflow)
		api.POST("/workflows/:id/restart", cfg.Handler.RestartFailedWorkflow)
		api.GET("/workflows/:id/stream", cfg.Handler.StreamWorkflow)
		api.GET("/users/:id/workflows", cfg.Handler.ListUserWorkflows)
		api.GET("/projects/:id/workflows", cfg.Handler.ListProjectWorkflows)
	}

	return router
}
