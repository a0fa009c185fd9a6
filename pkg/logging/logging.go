// Package logging provides structured logging for the opflex agent.
//
// This package wraps the zap logger with the logr interface. It supports:
// - JSON and text output formats
// - Dynamic log level adjustment (the "log.level" configuration option)
// - Structured key-value logging
//
// Log Levels:
// - debug: Detailed debugging information
// - info: General operational information
// - warn: Warning messages for potentially harmful situations
// - error: Error messages for serious problems
//
// Usage:
//
//	logger, err := logging.NewLogger(logging.Options{
//	    Level:  "info",
//	    Format: "json",
//	})
//	logger.Info("Starting endpoint manager", "sources", 2)
//	logger.Error(err, "Failed to connect", "address", "unix:/var/run/openvswitch/db.sock")
package logging

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log level constants
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Log format constants
const (
	FormatJSON = "json"
	FormatText = "text"
)

// Options contains configuration options for the logger
type Options struct {
	// Level is the log level: debug, info, warn, error
	// Default: info
	Level string

	// Format is the log format: json or text
	// Default: json
	Format string

	// OutputPath is the output file path
	// If empty, logs to stdout
	OutputPath string

	// AddCaller adds caller information to log entries
	// Default: true
	AddCaller bool
}

// DefaultOptions returns default logging options
func DefaultOptions() Options {
	return Options{
		Level:     LevelInfo,
		Format:    FormatJSON,
		AddCaller: true,
	}
}

// Logger wraps a zap logger with dynamic level support
type Logger struct {
	// zapLogger is the underlying zap logger
	zapLogger *zap.Logger

	// atomicLevel allows dynamic level changes
	atomicLevel zap.AtomicLevel

	// logr is the logr interface handed to subsystems
	logr logr.Logger

	// mu protects concurrent access
	mu sync.RWMutex
}

var (
	globalLogger atomic.Value
	initOnce     sync.Once
)

// NewLogger creates a new logger with the given options
func NewLogger(opts Options) (*Logger, error) {
	level := parseLevel(opts.Level)
	atomicLevel := zap.NewAtomicLevelAt(level)

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if opts.Format == FormatText {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	var output zapcore.WriteSyncer
	if opts.OutputPath != "" {
		file, err := os.OpenFile(opts.OutputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		output = zapcore.AddSync(file)
	} else {
		output = zapcore.AddSync(os.Stdout)
	}

	core := zapcore.NewCore(encoder, output, atomicLevel)

	zapOpts := []zap.Option{}
	if opts.AddCaller {
		zapOpts = append(zapOpts, zap.AddCaller(), zap.AddCallerSkip(1))
	}

	zapLogger := zap.New(core, zapOpts...)

	return &Logger{
		zapLogger:   zapLogger,
		atomicLevel: atomicLevel,
		logr:        zapr.NewLogger(zapLogger),
	}, nil
}

// parseLevel parses a string log level to zapcore.Level. Unrecognized
// levels fall back to info.
func parseLevel(level string) zapcore.Level {
	switch level {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelInfo:
		return zapcore.InfoLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// SetLevel dynamically changes the log level
func (l *Logger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.atomicLevel.SetLevel(parseLevel(level))
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	switch l.atomicLevel.Level() {
	case zapcore.DebugLevel:
		return LevelDebug
	case zapcore.WarnLevel:
		return LevelWarn
	case zapcore.ErrorLevel:
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger returns the logr.Logger interface
func (l *Logger) Logger() logr.Logger {
	return l.logr
}

// WithName returns a new logger with the given name
func (l *Logger) WithName(name string) *Logger {
	return &Logger{
		zapLogger:   l.zapLogger.Named(name),
		atomicLevel: l.atomicLevel,
		logr:        l.logr.WithName(name),
	}
}

// Debug logs a debug message with key-value pairs
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.logr.V(1).Info(msg, keysAndValues...)
}

// Info logs an info message with key-value pairs
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.logr.Info(msg, keysAndValues...)
}

// Warn logs a warning message with key-value pairs
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.zapLogger.Warn(msg, toZapFields(keysAndValues)...)
}

// Error logs an error message with key-value pairs
func (l *Logger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logr.Error(err, msg, keysAndValues...)
}

// Sync flushes any buffered log entries
func (l *Logger) Sync() error {
	return l.zapLogger.Sync()
}

// toZapFields converts key-value pairs to zap fields
func toZapFields(keysAndValues []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields = append(fields, zap.Any(key, keysAndValues[i+1]))
		}
	}
	return fields
}

// InitGlobalLogger initializes the global logger
// This should be called once at application startup
func InitGlobalLogger(opts Options) error {
	var initErr error
	initOnce.Do(func() {
		logger, err := NewLogger(opts)
		if err != nil {
			initErr = err
			return
		}
		globalLogger.Store(logger)
	})
	return initErr
}

// GetGlobalLogger returns the global logger instance
// Returns a default logger if not initialized
func GetGlobalLogger() *Logger {
	if l := globalLogger.Load(); l != nil {
		return l.(*Logger)
	}
	logger, _ := NewLogger(DefaultOptions())
	return logger
}

// L is a shorthand for GetGlobalLogger()
func L() *Logger {
	return GetGlobalLogger()
}
