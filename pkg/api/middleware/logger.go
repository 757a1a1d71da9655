package middleware

import (
	"log"
	"time"

	"github.com/gin-gonic/gin"
)

// Logger 请求日志中间件
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		tag := "✅"
		switch {
		case status >= 500:
			tag = "❌"
		case status >= 400:
			tag = "⚠️"
		}
		log.Printf("%s [API] %s %s -> %d (%s) user=%s", tag, c.Request.Method, c.Request.URL.Path, status,
			time.Since(start).Round(time.Microsecond), c.GetHeader(HeaderUser))
	}
}
