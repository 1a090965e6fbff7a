package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const healthCheckTimeout = 2 * time.Second

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc adapts a function to Pinger.
type PingerFunc func(ctx context.Context) error

// Ping calls the function.
func (pinger PingerFunc) Ping(ctx context.Context) error {
	return pinger(ctx)
}

// HealthHandler answers liveness probes. A nil pinger means no storage to check.
func HealthHandler(storage Pinger, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		if storage == nil {
			contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		ctx, cancel := context.WithTimeout(contextGin.Request.Context(), healthCheckTimeout)
		defer cancel()
		if err := storage.Ping(ctx); err != nil {
			logger.Warn("health check failed",
				zap.String("code", "health.storage_unreachable"),
				zap.Error(err))
			contextGin.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// CounterSnapshot exposes event counters.
type CounterSnapshot interface {
	Snapshot() map[string]int64
}

// MetricsHandler renders the counters as JSON.
func MetricsHandler(counters CounterSnapshot) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"counters": counters.Snapshot()})
	}
}
