// Package logger holds the process-wide zap logger and the structured field
// names shared by every component.
//
// Components never reach for the global directly when they can avoid it:
// they accept a *zap.SugaredLogger at construction (nil means no-op) and
// name it after themselves, e.g. logger.Named(log, "batch").
package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global logger instance
	Logger *zap.SugaredLogger
	// Flag to track if JSON output is enabled
	JSONOutput bool
)

func init() {
	// No-op until Initialize runs so early callers never hit a nil logger
	Logger = zap.NewNop().Sugar()
}

// Options controls how Initialize builds the global logger.
type Options struct {
	// JSON selects zap's production JSON encoder instead of the console encoder.
	JSON bool
	// Level is a zap level name ("debug", "info", "warn", "error").
	// Empty falls back to BATCHPUB_LOG_LEVEL, then info.
	Level string
}

// Initialize sets up the global logger.
func Initialize(opts Options) error {
	JSONOutput = opts.JSON

	level, err := parseLevel(opts.Level)
	if err != nil {
		return err
	}

	var zapLogger *zap.Logger
	if opts.JSON {
		config := zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(level)
		zapLogger, err = config.Build()
		if err != nil {
			return err
		}
	} else {
		encoderConfig := zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		zapLogger = zap.New(
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(encoderConfig),
				zapcore.AddSync(os.Stdout),
				level,
			),
		)
	}

	Logger = zapLogger.Sugar()
	return nil
}

// parseLevel resolves the configured level, honouring BATCHPUB_LOG_LEVEL
// when the caller left it empty.
func parseLevel(name string) (zapcore.Level, error) {
	if name == "" {
		name = os.Getenv("BATCHPUB_LOG_LEVEL")
	}
	if name == "" {
		return zapcore.InfoLevel, nil
	}
	return zapcore.ParseLevel(strings.ToLower(name))
}

// Named returns l (or the global logger when l is nil) scoped to a component.
func Named(l *zap.SugaredLogger, component string) *zap.SugaredLogger {
	if l == nil {
		l = Logger
	}
	return l.Named(component)
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.SugaredLogger) *zap.SugaredLogger {
	if l == nil {
		return zap.NewNop().Sugar()
	}
	return l
}

// Cleanup flushes any buffered log entries
func Cleanup() {
	if Logger != nil {
		_ = Logger.Sync()
	}
}

// Infow logs an info message with structured fields
func Infow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Infow(msg, keysAndValues...)
	}
}

// Errorw logs an error message with structured fields
func Errorw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Errorw(msg, keysAndValues...)
	}
}

// Warnw logs a warning message with structured fields
func Warnw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Warnw(msg, keysAndValues...)
	}
}

// Debugw logs a debug message with structured fields
func Debugw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Debugw(msg, keysAndValues...)
	}
}
