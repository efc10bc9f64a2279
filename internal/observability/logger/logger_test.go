package logger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/warung/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithContextAddsTillFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	ctx := obscontext.WithRequestID(context.Background(), "req-1")
	ctx = obscontext.WithBusinessID(ctx, "1")
	ctx = obscontext.WithDeviceID(ctx, " till-1 ")
	ctx = obscontext.WithTableID(ctx, "10")
	WithContext(ctx, zap.New(core)).Info("order.closed")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "1", fields["business_id"])
	assert.Equal(t, "till-1", fields["device_id"])
	assert.Equal(t, "10", fields["table_id"])

	WithContext(context.Background(), zap.New(core)).Info("bare")
	_, ok := logs.All()[1].ContextMap()["device_id"]
	assert.False(t, ok)
}

func TestWithTill(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	WithTill(zap.New(core), "1", "till-2").Info("order.gateway.online")

	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "1", fields["business_id"])
	assert.Equal(t, "till-2", fields["device_id"])
	assert.Nil(t, WithTill(nil, "1", "till-2"))
}

func TestGinMiddlewareLogsDeviceID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.DebugLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	defer restore()

	r := gin.New()
	r.Use(GinMiddleware(MiddlewareConfig{BusinessID: "1", DeviceID: "till-1"}))
	r.GET("/v1/tables", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/v1/tables", nil)
	req.Header.Set("X-Request-Id", "req-9")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	entries := logs.FilterMessage("http_request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "till-1", fields["device_id"])
	assert.Equal(t, "req-9", fields["request_id"])
	assert.Equal(t, "/v1/tables", fields["route"])
}
