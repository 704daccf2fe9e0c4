package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/annel0/voxel-world/internal/logging"
)

// RequestLogger снабжает каждый HTTP-запрос идентификатором и пишет
// краткие логи входа/выхода через глобальный logging пакет.
type RequestLogger struct{}

func NewRequestLogger() *RequestLogger { return &RequestLogger{} }

func (rl *RequestLogger) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := uuid.NewString()
		c.Set("request_id", requestID)

		start := time.Now()
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logging.Debug("[HTTP] ▶ %s %s ip=%s id=%s", method, path, c.ClientIP(), requestID)

		c.Next()

		logging.Debug("[HTTP] ◀ %s %s %d %s id=%s",
			method, path, c.Writer.Status(), time.Since(start), requestID)
	}
}
