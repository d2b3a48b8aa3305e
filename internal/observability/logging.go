package observability

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/siteops/approvals/internal/config"
	"github.com/siteops/approvals/model"
)

// ServiceName identifies this process in logs and traces.
const ServiceName = "approvald"

// NewLogger builds the JSON service logger on stdout. An unknown level falls
// back to info.
//
// Levels: error for store and redis failures and 5xx responses, warn for
// 4xx responses and undelivered notifications, info for workflow
// transitions and startup, debug for cache and validation detail.
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeDuration = zapcore.MillisDurationEncoder

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig = enc
	zc.Sampling = nil
	zc.InitialFields = map[string]any{"service": ServiceName}
	return zc.Build()
}

type loggerKey struct{}

// WithLogger returns ctx carrying a request-scoped logger.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in ctx, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the request-scoped logger placed in ctx by the HTTP
// middleware. Outside a request it derives one from fallback and the
// RequestContext in ctx, if any.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return fallback.With(RequestFields(model.RequestContextFrom(ctx))...)
}

// RequestFields returns the caller identity fields attached to request logs.
// Empty correlation and trace IDs are left out.
func RequestFields(rctx *model.RequestContext) []zap.Field {
	if rctx == nil {
		return nil
	}
	fields := []zap.Field{zap.String("subject_id", rctx.SubjectID)}
	if rctx.CorrelationID != "" {
		fields = append(fields, zap.String("correlation_id", rctx.CorrelationID))
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return fields
}
