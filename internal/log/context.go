// SPDX-License-Identifier: MIT

// Package log provides structured logging utilities.
package log

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey string

const (
	connectorIDKey ctxKey = "connector_id"
	passIDKey      ctxKey = "pass_id"
)

// ContextWithConnectorID stores the connector id in the context.
func ContextWithConnectorID(ctx context.Context, id int64) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, connectorIDKey, id)
}

// ContextWithPassID stores a dispatch pass id in the context.
func ContextWithPassID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, passIDKey, id)
}

// ConnectorIDFromContext extracts the connector id from context if present.
func ConnectorIDFromContext(ctx context.Context) (int64, bool) {
	if ctx == nil {
		return 0, false
	}
	v, ok := ctx.Value(connectorIDKey).(int64)
	return v, ok
}

// PassIDFromContext extracts the dispatch pass id from context if present.
func PassIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(passIDKey).(string); ok {
		return v
	}
	return ""
}

// WithContext enriches the supplied logger with correlation fields from context.
func WithContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	if ctx == nil {
		return logger
	}
	builder := logger.With()
	added := false
	if id, ok := ConnectorIDFromContext(ctx); ok {
		builder = builder.Int64("connector_id", id)
		added = true
	}
	if pid := PassIDFromContext(ctx); pid != "" {
		builder = builder.Str("pass_id", pid)
		added = true
	}
	if !added {
		return logger
	}
	return builder.Logger()
}

// WithComponentFromContext returns a component logger enriched with the
// correlation fields carried by the context.
func WithComponentFromContext(ctx context.Context, component string) zerolog.Logger {
	return WithContext(ctx, WithComponent(component))
}

// FromContext returns a logger from the context, or the base logger if not present.
func FromContext(ctx context.Context) *zerolog.Logger {
	if ctx == nil {
		l := Base()
		return &l
	}
	l := zerolog.Ctx(ctx)
	if l.GetLevel() == zerolog.Disabled {
		b := Base()
		return &b
	}
	return l
}
