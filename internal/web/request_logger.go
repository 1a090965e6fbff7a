package web

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const requestIDHeader = "X-Request-ID"

// RequestLogger logs one line per request and echoes or assigns an X-Request-ID.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		requestID := contextGin.GetHeader(requestIDHeader)
		if _, parseErr := uuid.Parse(requestID); parseErr != nil {
			requestID = uuid.NewString()
		}
		contextGin.Header(requestIDHeader, requestID)

		contextGin.Next()

		fields := []zap.Field{
			zap.String("request_id", requestID),
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.FullPath()),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", time.Since(startTime)),
		}
		if contextGin.Writer.Status() >= 500 {
			logger.Error("http", fields...)
			return
		}
		logger.Info("http", fields...)
	}
}
