package httpapi

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/rs/zerolog"

	"github.com/kira-kanban/dispatch-core/internal/eventbus"
	"github.com/kira-kanban/dispatch-core/internal/httpapi/middleware"
	"github.com/kira-kanban/dispatch-core/internal/httpapi/streamapi"
	"github.com/kira-kanban/dispatch-core/internal/httpapi/taskapi"
	"github.com/kira-kanban/dispatch-core/internal/httpapi/workerapi"
	"github.com/kira-kanban/dispatch-core/internal/registry"
	"github.com/kira-kanban/dispatch-core/internal/tasksvc"
)

// RouterConfig carries everything NewRouter needs to wire handlers.
type RouterConfig struct {
	AuthToken     string
	PollPerSecond float64
	PollBurst     int
}

// NewRouter builds the Gin engine for the dispatch core: health check,
// Swagger UI, and the worker/task/stream API groups behind bearer auth.
func NewRouter(
	cfg RouterConfig,
	bus *eventbus.Bus,
	reg *registry.Registry,
	tasks *tasksvc.Service,
	logger zerolog.Logger,
) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	router.GET("/health", HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	auth := middleware.BearerAuth(cfg.AuthToken)
	pollLimiter := middleware.NewWorkerRateLimiter(cfg.PollPerSecond, cfg.PollBurst)

	workerHandlers := workerapi.New(reg, tasks)
	taskHandlers := taskapi.New(tasks)
	streamHandlers := streamapi.New(bus, logger)

	api := router.Group("/api")
	api.Use(auth)
	{
		worker := api.Group("/worker")
		{
			worker.POST("/register", workerHandlers.Register)
			worker.POST("/:workerId/heartbeat", workerHandlers.Heartbeat)
			worker.GET("/poll", pollLimiter.PollLimit(), workerHandlers.Poll)
			worker.POST("/tasks/:taskId/claim", workerHandlers.Claim)
			worker.POST("/tasks/:taskId/progress", workerHandlers.Progress)
			worker.POST("/tasks/:taskId/complete", workerHandlers.Complete)
			worker.POST("/tasks/:taskId/fail", workerHandlers.Fail)
		}

		task := api.Group("/tasks")
		{
			task.POST("", taskHandlers.Create)
			task.GET("", taskHandlers.List)
			task.DELETE("/:taskId", taskHandlers.Cancel)
		}
	}

	router.GET("/events/stream", auth, streamHandlers.Stream)

	return router
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logger.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", query).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("ip", c.ClientIP()).
			Msg("http request")
	}
}
