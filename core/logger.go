package core

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger interface for structured logging
// Implementations can provide custom logging behavior; ZapLogger is the stock backend.
type Logger interface {
	// Debug logs a debug message with optional fields
	Debug(msg string, fields ...Field)

	// Info logs an info message with optional fields
	Info(msg string, fields ...Field)

	// Warn logs a warning message with optional fields
	Warn(msg string, fields ...Field)

	// Error logs an error message with optional fields
	Error(msg string, fields ...Field)
}

// Field represents a key-value pair for structured logging
type Field struct {
	Key   string
	Value any
}

// F creates a new Field with the given key and value
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// ZapLogger adapts a *zap.Logger to Logger.
type ZapLogger struct {
	z *zap.Logger
}

// NewZapLogger wraps z. A nil z yields a no-op zap logger.
func NewZapLogger(z *zap.Logger) *ZapLogger {
	if z == nil {
		z = zap.NewNop()
	}
	return &ZapLogger{z: z}
}

// NewDefaultLogger builds a production zap logger writing JSON to stderr.
func NewDefaultLogger() *ZapLogger {
	z, err := zap.NewProduction()
	if err != nil {
		return NewZapLogger(nil)
	}
	return NewZapLogger(z)
}

// Named returns a child logger with the given name segment appended.
func (l *ZapLogger) Named(name string) *ZapLogger {
	return &ZapLogger{z: l.z.Named(name)}
}

// Zap exposes the underlying logger.
func (l *ZapLogger) Zap() *zap.Logger {
	return l.z
}

func (l *ZapLogger) Debug(msg string, fields ...Field) {
	l.log(zapcore.DebugLevel, msg, fields)
}

func (l *ZapLogger) Info(msg string, fields ...Field) {
	l.log(zapcore.InfoLevel, msg, fields)
}

func (l *ZapLogger) Warn(msg string, fields ...Field) {
	l.log(zapcore.WarnLevel, msg, fields)
}

func (l *ZapLogger) Error(msg string, fields ...Field) {
	l.log(zapcore.ErrorLevel, msg, fields)
}

func (l *ZapLogger) log(level zapcore.Level, msg string, fields []Field) {
	ce := l.z.Check(level, msg)
	if ce == nil {
		return
	}
	zfields := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		if err, ok := f.Value.(error); ok {
			zfields = append(zfields, zap.NamedError(f.Key, err))
			continue
		}
		zfields = append(zfields, zap.Any(f.Key, f.Value))
	}
	ce.Write(zfields...)
}

// NoOpLogger is a logger that discards all log messages
// Useful for tests or when logging is not desired
type NoOpLogger struct{}

// NewNoOpLogger creates a new NoOpLogger
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

func (l *NoOpLogger) Debug(msg string, fields ...Field) {}
func (l *NoOpLogger) Info(msg string, fields ...Field)  {}
func (l *NoOpLogger) Warn(msg string, fields ...Field)  {}
func (l *NoOpLogger) Error(msg string, fields ...Field) {}
