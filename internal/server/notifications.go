package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/warung/internal/observability/logger"
	"github.com/smallbiznis/warung/internal/observability/metrics"
	"github.com/smallbiznis/warung/internal/order/realtime"
	"go.uber.org/zap"
)

const maxNotificationBytes = 64 << 10

// IngestNotification accepts one change notification pushed by the shared
// store's transport and runs it through the reconciliation guard.
func (s *Server) IngestNotification(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxNotificationBytes))
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		s.metrics.IncSuppressed(metrics.SuppressInvalid)
		logger.FromContext(c.Request.Context()).Warn("realtime.notification.too_large", zap.Int64("limit", tooLarge.Limit))
		AbortWithError(c, ErrPayloadTooLarge)
		return
	case err != nil:
		AbortWithError(c, invalidRequestError())
		return
	}

	n, err := realtime.Decode(body)
	if err != nil {
		s.metrics.IncSuppressed(metrics.SuppressInvalid)
		logger.FromContext(c.Request.Context()).Warn("realtime.notification.rejected", zap.Int("bytes", len(body)), zap.Error(err))
		AbortWithError(c, err)
		return
	}

	outcome, err := s.listener.Apply(c.Request.Context(), n)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"applied": outcome.Apply,
		"changed": outcome.Changed,
		"rule":    outcome.Rule,
		"version": outcome.Version,
	})
}
