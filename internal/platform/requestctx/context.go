package requestctx

import (
	"context"

	"go.uber.org/zap"
)

type contextKey string

const (
	loggerKey  contextKey = "storefront/requestctx/logger"
	traceKey   contextKey = "storefront/requestctx/trace"
	sessionKey contextKey = "storefront/requestctx/session"
	localeKey  contextKey = "storefront/requestctx/locale"
)

var noop = zap.NewNop()

// TraceInfo carries Cloud Trace identifiers for the current request.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

func with(ctx context.Context, key contextKey, value any) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, key, value)
}

func value[T any](ctx context.Context, key contextKey) (T, bool) {
	var zero T
	if ctx == nil {
		return zero, false
	}
	v, ok := ctx.Value(key).(T)
	return v, ok
}

// WithLogger stores the request logger.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if logger == nil {
		logger = noop
	}
	return with(ctx, loggerKey, logger)
}

// Logger returns the request logger or a no-op logger.
func Logger(ctx context.Context) *zap.Logger {
	if logger, ok := value[*zap.Logger](ctx, loggerKey); ok && logger != nil {
		return logger
	}
	return noop
}

// NoopLogger exposes the shared no-op logger.
func NoopLogger() *zap.Logger { return noop }

// WithTrace stores trace metadata.
func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	return with(ctx, traceKey, info)
}

// Trace returns the trace metadata when present.
func Trace(ctx context.Context) (TraceInfo, bool) {
	return value[TraceInfo](ctx, traceKey)
}

// TraceID returns the trace identifier or an empty string.
func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}

// WithSessionID stores the storefront session identifier.
func WithSessionID(ctx context.Context, id string) context.Context {
	return with(ctx, sessionKey, id)
}

// SessionID returns the storefront session identifier or an empty string.
func SessionID(ctx context.Context) string {
	id, _ := value[string](ctx, sessionKey)
	return id
}

// WithLocale stores the negotiated UI language.
func WithLocale(ctx context.Context, lang string) context.Context {
	return with(ctx, localeKey, lang)
}

// Locale returns the negotiated UI language or an empty string.
func Locale(ctx context.Context) string {
	lang, _ := value[string](ctx, localeKey)
	return lang
}
