// Package log provides structured JSON logging for the ingestion fabric.
//
// All core paths log through the non-sugared zap.Logger; printf-style
// convenience is available via Sugar() for wiring and CLI surfaces.
package log

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap with component context.
type Logger struct {
	zap *zap.Logger
}

// New creates a logger writing JSON to stderr at the given level.
func New(level zapcore.Level) *Logger {
	return NewWithWriter(level, os.Stderr)
}

// NewWithWriter creates a logger writing to w. Used by tests to capture
// output.
func NewWithWriter(level zapcore.Level, w io.Writer) *Logger {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		MessageKey:  "message",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(w),
		level,
	)
	return &Logger{zap: zap.New(core)}
}

// Nop returns a logger that discards everything. Used by tests.
func Nop() *Logger {
	return &Logger{zap: zap.NewNop()}
}

// Named returns a logger scoped to a component name.
func (l *Logger) Named(component string) *Logger {
	return &Logger{zap: l.zap.With(zap.String("component", component))}
}

// WithShop returns a logger carrying shop identity on every entry.
func (l *Logger) WithShop(shopID int64) *Logger {
	return &Logger{zap: l.zap.With(zap.Int64("shop_id", shopID))}
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, fields ...zap.Field) {
	l.zap.Debug(message, fields...)
}

// Info logs an info message.
func (l *Logger) Info(message string, fields ...zap.Field) {
	l.zap.Info(message, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, fields ...zap.Field) {
	l.zap.Warn(message, fields...)
}

// Error logs an error message.
func (l *Logger) Error(message string, fields ...zap.Field) {
	l.zap.Error(message, fields...)
}

// Fatal logs the message and exits.
func (l *Logger) Fatal(message string, fields ...zap.Field) {
	l.zap.Fatal(message, fields...)
}

// Sync flushes buffered entries. Errors from stderr sync are ignored.
func (l *Logger) Sync() {
	_ = l.zap.Sync()
}

// Sugar returns the printf-style variant.
func (l *Logger) Sugar() *zap.SugaredLogger {
	return l.zap.Sugar()
}
