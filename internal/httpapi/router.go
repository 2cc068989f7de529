package httpapi

import (
	"fmt"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/wiredfox/comfymw/internal/balancer"
	"github.com/wiredfox/comfymw/internal/health"
	"github.com/wiredfox/comfymw/internal/metrics"
	"github.com/wiredfox/comfymw/internal/registry"
	"github.com/wiredfox/comfymw/internal/scheduler"
)

// RouterConfig collects the collaborators the router's handlers need.
type RouterConfig struct {
	Registry  *registry.Registry
	Health    *health.Monitor
	Balancer  *balancer.Balancer
	Scheduler *scheduler.Scheduler
	Metrics   *metrics.Collector
}

// NewRouter builds the gin.Engine exposing the job-processing,
// job-tracking, health/status and circuit-breaker admin endpoints.
func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	router.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Content-Type", "Authorization"},
		MaxAge:          12 * time.Hour,
	}))

	jobs := NewJobsHandler(cfg.Registry, cfg.Metrics)
	ops := NewOperationalHandler(cfg.Health, cfg.Balancer, cfg.Scheduler, cfg.Metrics)

	router.GET("/health", ops.Health)
	router.GET("/status", ops.Status)
	router.GET("/status/metrics", ops.StatusMetrics)

	api := router.Group("/api")
	{
		api.POST("/remove-background", jobs.Process(kindForPath["remove-background"], false))
		api.POST("/upscale-image", jobs.Process(kindForPath["upscale-image"], false))
		api.POST("/upscale-remove-bg", jobs.Process(kindForPath["upscale-remove-bg"], false))
		api.POST("/async/:kind", func(c *gin.Context) {
			kind, ok := kindForPath[c.Param("kind")]
			if !ok {
				RespondError(c, 404, "unknown_kind", fmt.Errorf("unknown job kind %q", c.Param("kind")))
				return
			}
			jobs.Process(kind, true)(c)
		})

		api.GET("/jobs/list", jobs.List)
		api.GET("/jobs/stats", jobs.Stats)
		api.POST("/jobs/cleanup", jobs.Cleanup)
		api.GET("/jobs/:id/status", jobs.Status)
		api.GET("/jobs/:id/result", jobs.Result)
		api.DELETE("/jobs/:id", jobs.Delete)

		api.GET("/metrics", ops.StatusMetrics)
		api.GET("/circuit-breakers", ops.CircuitBreakers)
		api.POST("/circuit-breakers/:name/open", ops.OpenBreaker)
		api.POST("/circuit-breakers/:name/close", ops.CloseBreaker)
	}

	return router
}
