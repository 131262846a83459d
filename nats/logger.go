package nats

import (
	"fmt"
	"log"
	"strings"
)

// Logger is the pluggable logging interface used for connection
// lifecycle events. Implementations receive a message and alternating
// key-value pairs.
//
// The package provides two implementations: DefaultLogger over the
// standard log package, and NoOpLogger, the zero-overhead default.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// LogLevel is the severity threshold for DefaultLogger.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
	LogLevelNone
)

// DefaultLogger writes leveled, key-value formatted lines through the
// standard log package.
type DefaultLogger struct {
	level LogLevel
}

// NewDefaultLogger creates a DefaultLogger with the given threshold.
func NewDefaultLogger(level LogLevel) *DefaultLogger {
	return &DefaultLogger{level: level}
}

// Debug logs a debug message.
func (logger *DefaultLogger) Debug(msg string, keysAndValues ...any) {
	logger.log(LogLevelDebug, "DEBUG", msg, keysAndValues...)
}

// Info logs an informational message.
func (logger *DefaultLogger) Info(msg string, keysAndValues ...any) {
	logger.log(LogLevelInfo, "INFO", msg, keysAndValues...)
}

// Warn logs a warning message.
func (logger *DefaultLogger) Warn(msg string, keysAndValues ...any) {
	logger.log(LogLevelWarn, "WARN", msg, keysAndValues...)
}

// Error logs an error message.
func (logger *DefaultLogger) Error(msg string, keysAndValues ...any) {
	logger.log(LogLevelError, "ERROR", msg, keysAndValues...)
}

func (logger *DefaultLogger) log(level LogLevel, name, msg string, keysAndValues ...any) {
	if logger.level > level {
		return
	}

	var builder strings.Builder
	builder.WriteString("[")
	builder.WriteString(name)
	builder.WriteString("] ")
	builder.WriteString(msg)

	for i := 0; i < len(keysAndValues); i += 2 {
		builder.WriteString(" ")
		builder.WriteString(fmt.Sprintf("%v", keysAndValues[i]))
		builder.WriteString("=")
		if i+1 < len(keysAndValues) {
			builder.WriteString(fmt.Sprintf("%v", keysAndValues[i+1]))
		} else {
			builder.WriteString("<missing>")
		}
	}

	log.Println(builder.String())
}

// NoOpLogger discards all log messages. It is the default logger.
type NoOpLogger struct{}

func (logger *NoOpLogger) Debug(_ string, _ ...any) {}
func (logger *NoOpLogger) Info(_ string, _ ...any)  {}
func (logger *NoOpLogger) Warn(_ string, _ ...any)  {}
func (logger *NoOpLogger) Error(_ string, _ ...any) {}
