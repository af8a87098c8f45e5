package api

import (
	"github.com/gin-gonic/gin"

	"github.com/foremanhq/foreman/internal/common/logger"
)

// SetupRoutes configures the API routes.
func SetupRoutes(router *gin.RouterGroup, handler *Handler, stream *Stream, log *logger.Logger) {
	router.GET("/health", handler.Health)
	router.GET("/events/ws", stream.Handle)

	sessions := router.Group("/sessions")
	{
		sessions.POST("", handler.CreateSession)
		sessions.GET("", handler.ListSessions)
		sessions.GET("/:sessionId", handler.GetSession)
		sessions.DELETE("/:sessionId", handler.DeleteSession)
		sessions.GET("/:sessionId/tasks", handler.ListSessionTasks)
	}

	tasks := router.Group("/tasks")
	{
		tasks.POST("", handler.CreateTask)
		tasks.GET("", handler.ListTasks)
		tasks.GET("/:taskId", handler.GetTask)
		tasks.PUT("/:taskId", handler.UpdateTask)
		tasks.DELETE("/:taskId", handler.DeleteTask)

		tasks.POST("/:taskId/start", handler.StartTask)
		tasks.POST("/:taskId/pause", handler.PauseTask)
		tasks.POST("/:taskId/resume", handler.ResumeTask)
		tasks.POST("/:taskId/cancel", handler.CancelTask)
		tasks.POST("/:taskId/queue", handler.QueueTask)
		tasks.POST("/:taskId/unqueue", handler.UnqueueTask)
		tasks.POST("/:taskId/complete", handler.CompleteTask)
		tasks.POST("/:taskId/fail", handler.FailTask)
	}

	settings := router.Group("/settings")
	{
		settings.GET("/verifier", handler.GetVerifierSettings)
		settings.PUT("/verifier", handler.UpdateVerifierSettings)
	}
}
