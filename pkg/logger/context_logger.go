package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey string

const (
	SessionIDKey ctxKey = "session_id"
	UserIDKey    ctxKey = "user_id"
)

// ContextLogger enriches log entries with session/user identifiers
// carried in the request context.
type ContextLogger struct {
	logger *zap.Logger
}

func NewContextLogger(logger *zap.Logger) *ContextLogger {
	return &ContextLogger{logger: logger}
}

// WithContext returns the logger with any session and user fields found
// in the context attached.
func (cl *ContextLogger) WithContext(ctx context.Context) *zap.Logger {
	fields := []zapcore.Field{}

	if v, ok := ctx.Value(SessionIDKey).(string); ok && v != "" {
		fields = append(fields, zap.String("session_id", v))
	}
	if v, ok := ctx.Value(UserIDKey).(string); ok && v != "" {
		fields = append(fields, zap.String("user_id", v))
	}

	if len(fields) == 0 {
		return cl.logger
	}
	return cl.logger.With(fields...)
}

// WithError adds the error field.
func (cl *ContextLogger) WithError(err error) *zap.Logger {
	return cl.logger.With(zap.Error(err))
}
