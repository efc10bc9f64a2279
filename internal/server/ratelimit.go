package server

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/warung/internal/observability/logger"
	"go.uber.org/zap"
)

// NotificationRateLimit bounds pushes per origin. A limiter failure lets the
// request through; dropping a change would leave the till stale.
func (s *Server) NotificationRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil || !s.limiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		origin := strings.TrimSpace(c.GetHeader(HeaderOrigin))
		if origin == "" {
			origin = c.ClientIP()
		}

		result, err := s.limiter.Allow(ctx, origin)
		if err != nil {
			logger.FromContext(ctx).Warn("notification rate limit check failed", zap.Error(err))
			c.Next()
			return
		}
		if !result.Allowed {
			denyNotification(c, origin, result.RetryAfter.Seconds())
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		c.Next()
	}
}

func denyNotification(c *gin.Context, origin string, retryAfter float64) {
	logger.FromContext(c.Request.Context()).Warn("notification rate limit exceeded",
		zap.String("origin", origin),
	)
	seconds := int(retryAfter + 0.999)
	if seconds < 1 {
		seconds = 1
	}
	c.Header("Retry-After", strconv.Itoa(seconds))
	AbortWithError(c, ErrRateLimited)
}
