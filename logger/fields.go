package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging.
// Use these constants instead of raw strings.
const (
	// Identity and context
	FieldRequestID = "request_id"
	FieldSessionID = "session_id"
	FieldListener  = "listener_id"
	FieldSubID     = "sub_id"

	// Components
	FieldComponent = "component"

	// Publications
	FieldPublication = "publication"
	FieldFingerprint = "fingerprint"
	FieldKey         = "key"
	FieldCollection  = "collection"
	FieldDocID       = "doc_id"
	FieldMode        = "mode"
	FieldReason      = "reason"
	FieldRefCount    = "ref_count"

	// Counts and sizes
	FieldCount     = "count"
	FieldListeners = "listeners"
	FieldUpdates   = "updates"
	FieldSize      = "size"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldLUT        = "lut"

	// Errors
	FieldError = "error"

	// Network
	FieldAddress = "address"
	FieldPath    = "path"
	FieldMethod  = "method"
)

// Context keys for propagating logging context
type contextKey string

const (
	requestIDKey contextKey = "logger_request_id"
	sessionIDKey contextKey = "logger_session_id"
	componentKey contextKey = "logger_component"
)

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithSessionID adds a websocket session ID to the context for logging
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if requestID, ok := ctx.Value(requestIDKey).(string); ok && requestID != "" {
		fields = append(fields, FieldRequestID, requestID)
	}
	if sessionID, ok := ctx.Value(sessionIDKey).(string); ok && sessionID != "" {
		fields = append(fields, FieldSessionID, sessionID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// LoggerFromContext returns a logger with fields extracted from context.
func LoggerFromContext(ctx context.Context) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return Logger
	}
	return Logger.With(fields...)
}
