// Package audit writes structured audit entries for committed mutations.
package audit

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/Dangere/syncora-backend/internal/auth"
	"github.com/Dangere/syncora-backend/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request id set by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit entry enriched with request and account context.
// A nil logger falls back to the shared one.
func LogEvent(ctx context.Context, logger *zap.Logger, event string, fields ...zap.Field) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	base := []zap.Field{zap.String("type", "audit"), zap.String("event", event)}
	if rid := RequestIDFromContext(ctx); rid != "" {
		base = append(base, zap.String("request_id", rid))
	}
	if accountID, ok := auth.AccountIDFromContext(ctx); ok {
		base = append(base, zap.String("account_id", accountID))
	}
	obs.Or(logger).Info("audit", append(base, zap.Dict("fields", fields...))...)
	return nil
}
