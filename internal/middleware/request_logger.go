package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	apperrors "github.com/mantonx/syncstream/internal/errors"
)

// quietPaths are polled often enough that logging them is noise
var quietPaths = map[string]bool{
	"/api/health":    true,
	"/api/v1/events": true,
}

// RequestLogger logs every API request at debug level
func RequestLogger(logger hclog.Logger) gin.HandlerFunc {
	logger = logger.Named("http")
	return func(c *gin.Context) {
		if quietPaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		start := time.Now()
		logger.Debug("HTTP request",
			"request_id", c.GetString(apperrors.RequestIDKey),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"query", c.Request.URL.RawQuery,
			"ip", c.ClientIP(),
		)

		c.Next()

		logger.Debug("HTTP response",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).String(),
			"size", c.Writer.Size(),
		)
	}
}

// ErrorLogger logs errors attached to the request context
func ErrorLogger(logger hclog.Logger) gin.HandlerFunc {
	logger = logger.Named("http")
	return func(c *gin.Context) {
		c.Next()

		for _, err := range c.Errors {
			logger.Error("request error",
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"error", err.Error(),
				"type", err.Type,
			)
		}
	}
}

// Recovery turns handler panics into 500 responses
func Recovery(logger hclog.Logger) gin.HandlerFunc {
	logger = logger.Named("http")
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("handler panic", "path", c.Request.URL.Path, "panic", r)
				c.AbortWithStatusJSON(500, gin.H{"error": "internal server error", "code": "internal"})
			}
		}()
		c.Next()
	}
}

// CORS allows any origin, for browser dashboards on another port
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

// RequestID tags each request with an ID, reusing X-Request-ID when the
// client sends one
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(apperrors.RequestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}
