package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	ctxTraceID    = "traceID"
	headerTraceID = "X-Trace-ID"
)

// TraceMiddleware 添加请求追踪ID，上游已带则沿用
func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader(headerTraceID)
		if traceID == "" {
			traceID = uuid.NewString()
		}

		c.Set(ctxTraceID, traceID)
		c.Header(headerTraceID, traceID)
		c.Next()
	}
}
