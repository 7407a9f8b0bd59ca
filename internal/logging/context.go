package logging

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// GenerateTraceID generates a new trace ID
func GenerateTraceID() string {
	return uuid.New().String()
}

// FromContext retrieves the logger from context, falling back to the default logger
func FromContext(ctx context.Context) zerolog.Logger {
	if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
		return *l
	}
	return Default()
}

// NewContext creates a new context with the logger
func NewContext(ctx context.Context, l zerolog.Logger) context.Context {
	return l.WithContext(ctx)
}

// CycleContext tags a logger with a fresh cycle ID and the scheduled cycle time
func CycleContext(ctx context.Context, base zerolog.Logger, cycleTime time.Time) (context.Context, zerolog.Logger) {
	l := base.With().
		Str("cycle_id", GenerateTraceID()[:8]).
		Time("cycle_time", cycleTime).
		Logger()
	return NewContext(ctx, l), l
}

// AssetContext creates a logger for one market's processing within a cycle
func AssetContext(base zerolog.Logger, market, status string) zerolog.Logger {
	return base.With().Str("market", market).Str("status", status).Logger()
}

// OrderContext creates a logger context for order operations
func OrderContext(base zerolog.Logger, market, orderUUID, orderType string) zerolog.Logger {
	return base.With().
		Str("market", market).
		Str("order_uuid", orderUUID).
		Str("order_type", orderType).
		Logger()
}
