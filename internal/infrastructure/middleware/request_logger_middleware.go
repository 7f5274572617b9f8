package middleware

import (
	"time"

	"streamgate/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const RequestIDHeader = "X-Request-ID"

// RequestLoggerMiddleware tags each request with an ID and logs it once it
// completes. A client supplied X-Request-ID is kept.
func RequestLoggerMiddleware(cl *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Header(RequestIDHeader, id)

		ctx := logger.WithRequestID(c.Request.Context(), id)
		if key := c.Param("key"); key != "" {
			ctx = logger.WithStreamKey(ctx, key)
		}
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		cl.LogRequest(c.Request.Context(), c.Request.Method, path, c.Writer.Status(), time.Since(start).Milliseconds())
	}
}
