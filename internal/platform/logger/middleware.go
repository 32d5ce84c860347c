package logger

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// GinMiddleware は gin.Logger() の代わりにリクエストを構造化ログで出す
func GinMiddleware(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := log.WithFields(logrus.Fields{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status_code": c.Writer.Status(),
			"latency":     time.Since(start).String(),
			"client_ip":   c.ClientIP(),
		})
		if uid, ok := c.Get("user_id"); ok {
			entry = entry.WithField("user_id", uid)
		}
		if len(c.Errors) > 0 {
			entry.WithField("error", c.Errors.String()).Error("request failed")
			return
		}
		if c.Writer.Status() >= 500 {
			entry.Error("request")
			return
		}
		entry.Info("request")
	}
}
