package logger

import "context"

type contextKey struct{}

// LogContext carries the fields every log line of an operation should have.
type LogContext struct {
	TraceID string // OpenTelemetry trace ID
	SpanID  string // OpenTelemetry span ID
	Service string // files, containers, flusher id ...
	Mode    string // master or slave
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, contextKey{}, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(contextKey{}).(*LogContext)
	return lc
}

// WithTrace returns a copy with trace info set
func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	if lc == nil {
		return &LogContext{TraceID: traceID, SpanID: spanID}
	}
	clone := *lc
	clone.TraceID = traceID
	clone.SpanID = spanID
	return &clone
}
