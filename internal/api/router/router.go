package router

import (
	"net/http"

	"github.com/cuongbtq/index-queue/internal/api/handler"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	serviceName := deps.ServiceName
	if serviceName == "" {
		serviceName = "index-queue-api"
	}
	r.GET("/health", func(c *gin.Context) {
		if deps.HealthCheck != nil {
			if err := deps.HealthCheck(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "unhealthy",
					"service": serviceName,
					"error":   err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": serviceName,
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	jobHandler := handler.NewJobHandler(deps)
	queueHandler := handler.NewQueueHandler(deps)
	batchHandler := handler.NewBatchHandler(deps)

	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			jobs.POST("", jobHandler.CreateJob)
			jobs.GET("", jobHandler.ListJobs)
			jobs.GET("/stats", jobHandler.GetStats)
			jobs.GET("/:job_id", jobHandler.GetJob)
		}

		v1.GET("/dead-letters", jobHandler.ListDeadLetters)
		v1.POST("/queue/run", queueHandler.RunQueue)

		batches := v1.Group("/batches/:name")
		{
			batches.GET("", batchHandler.GetBatch)
			batches.POST("/start", batchHandler.StartBatch)
			batches.POST("/stop", batchHandler.StopBatch)
			batches.POST("/resume", batchHandler.ResumeBatch)
			batches.POST("/dry-run", batchHandler.DryRunBatch)
		}
	}

	return r
}
