package context

import (
	"context"
	"strings"
)

type requestIDKey struct{}
type businessIDKey struct{}
type tableIDKey struct{}
type deviceIDKey struct{}
type actorKey struct{}

type actor struct {
	typ string
	id  string
}

// WithRequestID stores the inbound request id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, strings.TrimSpace(requestID))
}

func RequestIDFromContext(ctx context.Context) string {
	return stringValue(ctx, requestIDKey{})
}

// WithBusinessID stores the business (tenant) the engine instance serves.
func WithBusinessID(ctx context.Context, businessID string) context.Context {
	return context.WithValue(ctx, businessIDKey{}, strings.TrimSpace(businessID))
}

func BusinessIDFromContext(ctx context.Context) string {
	return stringValue(ctx, businessIDKey{})
}

func WithTableID(ctx context.Context, tableID string) context.Context {
	return context.WithValue(ctx, tableIDKey{}, strings.TrimSpace(tableID))
}

func TableIDFromContext(ctx context.Context) string {
	return stringValue(ctx, tableIDKey{})
}

// WithDeviceID stores the till the engine instance runs on.
func WithDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, deviceIDKey{}, strings.TrimSpace(deviceID))
}

func DeviceIDFromContext(ctx context.Context) string {
	return stringValue(ctx, deviceIDKey{})
}

// WithActor records who triggered the work (operator, realtime, replay).
func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor{
		typ: strings.TrimSpace(actorType),
		id:  strings.TrimSpace(actorID),
	})
}

func ActorFromContext(ctx context.Context) (string, string) {
	if ctx == nil {
		return "", ""
	}
	if value, ok := ctx.Value(actorKey{}).(actor); ok {
		return value.typ, value.id
	}
	return "", ""
}

func stringValue(ctx context.Context, key any) string {
	if ctx == nil {
		return ""
	}
	if value, ok := ctx.Value(key).(string); ok {
		return value
	}
	return ""
}
