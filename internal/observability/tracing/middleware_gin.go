package tracing

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/warung/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// untraced routes are scraped or held open; a span each would be noise.
var untraced = map[string]bool{
	"/metrics":   true,
	"/health":    true,
	"/v1/events": true,
}

// GinMiddleware starts a server span per request. The dispatched intent kind,
// when a handler sets one, is attached so till actions can be searched by kind.
func GinMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("warung/http")
	return func(c *gin.Context) {
		if untraced[c.FullPath()] {
			c.Next()
			return
		}

		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx = withCorrelationBaggage(ctx)

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		ctx, span := tracer.Start(ctx, c.Request.Method+" "+route, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		attrs := []attribute.KeyValue{
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
			attribute.String("business_id", obscontext.BusinessIDFromContext(ctx)),
		}
		if intent := strings.TrimSpace(c.GetString("intent")); intent != "" {
			attrs = append(attrs, attribute.String("order.intent", intent))
		}
		if origin := strings.TrimSpace(c.GetHeader("X-Warung-Origin")); origin != "" {
			attrs = append(attrs, attribute.String("realtime.origin", origin))
		}
		span.SetAttributes(SafeAttributes(attrs...)...)

		lastErr := c.Errors.Last()
		switch {
		case status >= http.StatusInternalServerError:
			if lastErr != nil {
				if safeErr := SafeError(lastErr.Err); safeErr != nil {
					span.RecordError(safeErr)
				}
			}
			span.SetStatus(codes.Error, "request error")
		case lastErr != nil:
			// rejected intents are expected; keep the code, not an error status
			span.SetAttributes(attribute.String("error.code", lastErr.Err.Error()))
		}
	}
}

func withCorrelationBaggage(ctx context.Context) context.Context {
	requestID := obscontext.RequestIDFromContext(ctx)
	if requestID == "" {
		return ctx
	}
	member, err := baggage.NewMember("request_id", requestID)
	if err != nil {
		return ctx
	}
	bag, err := baggage.FromContext(ctx).SetMember(member)
	if err != nil {
		return ctx
	}
	return baggage.ContextWithBaggage(ctx, bag)
}
