// Package router 注册问答服务的 HTTP 路由与中间件。
package router

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kart-io/logger"
	"github.com/oklog/ulid/v2"

	"github.com/kart-io/knowbot/internal/knowbot/handler"
)

// RequestIDHeader 请求 ID 响应头。
const RequestIDHeader = "X-Request-ID"

// Register 在 engine 上注册全部路由。
func Register(engine *gin.Engine, h *handler.Handler) {
	engine.Use(gin.Recovery(), requestLogger())

	engine.GET("/healthz", h.Health)

	v1 := engine.Group("/v1")
	{
		v1.POST("/ask", h.Ask)
		v1.GET("/stats", h.Stats)
		v1.GET("/corpus", h.Corpus)
	}
}

// requestLogger 为每个请求分配 ID 并记录访问日志。
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = ulid.Make().String()
		}
		c.Header(RequestIDHeader, requestID)

		start := time.Now()
		c.Next()

		logger.Infow("http request",
			"request_id", requestID,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed", time.Since(start).String(),
			"client_ip", c.ClientIP(),
		)
	}
}
