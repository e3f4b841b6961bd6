package logger

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	apperrors "github.com/openmusicplayer/ingestd/internal/errors"
)

// Level represents the log level
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLevel converts a level name to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Entry mirrors the JSON shape written by the logger. It is used by
// tests and log tooling to decode output lines.
type Entry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	RequestID string                 `json:"request_id,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Component string                 `json:"component,omitempty"`
	Caller    string                 `json:"caller,omitempty"`
	Error     *ErrorDetails          `json:"error,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// ErrorDetails contains structured error information
type ErrorDetails struct {
	Code     string `json:"code,omitempty"`
	Message  string `json:"message"`
	Category string `json:"category,omitempty"`
}

func (e *ErrorDetails) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	if e.Code != "" {
		enc.AddString("code", e.Code)
	}
	enc.AddString("message", e.Message)
	if e.Category != "" {
		enc.AddString("category", e.Category)
	}
	return nil
}

// Config controls where and how much the logger writes. When FilePath is
// set, entries are also written to a size-rotated file.
type Config struct {
	Output    io.Writer
	Level     Level
	Component string

	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Logger provides structured logging
type Logger struct {
	base      *zap.Logger
	zl        *zap.Logger
	level     Level
	component string
	redactor  *Redactor
}

var defaultLogger = New(&Config{Output: os.Stdout, Level: LevelInfo})

// New creates a new logger
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = &Config{}
	}
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		MessageKey:     "message",
		CallerKey:      "caller",
		StacktraceKey:  "stack_trace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	level := cfg.Level.zapLevel()
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.Lock(zapcore.AddSync(output)),
		level,
	)

	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err == nil {
			fileWriter := zapcore.AddSync(&lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSizeMB,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAgeDays,
				Compress:   cfg.Compress,
			})
			core = zapcore.NewTee(core, zapcore.NewCore(
				zapcore.NewJSONEncoder(encoderConfig),
				fileWriter,
				level,
			))
		}
	}

	base := zap.New(core,
		zap.AddCaller(),
		zap.AddCallerSkip(2),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)

	l := &Logger{
		base:     base,
		zl:       base,
		level:    cfg.Level,
		redactor: DefaultRedactor(),
	}
	if cfg.Component != "" {
		return l.WithComponent(cfg.Component)
	}
	return l
}

// SetDefault sets the default logger
func SetDefault(l *Logger) {
	defaultLogger = l
}

// Default returns the default logger
func Default() *Logger {
	return defaultLogger
}

// WithComponent creates a new logger with the specified component name
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		base:      l.base,
		zl:        l.base.With(zap.String("component", component)),
		level:     l.level,
		component: component,
		redactor:  l.redactor,
	}
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.zl.Sync()
}

func (l *Logger) log(ctx context.Context, level Level, msg string, fields map[string]interface{}, err error) {
	if level < l.level {
		return
	}

	zf := make([]zap.Field, 0, len(fields)+4)
	if ctx != nil {
		if requestID := apperrors.GetRequestID(ctx); requestID != "" {
			zf = append(zf, zap.String("request_id", requestID))
		}
		if traceID := GetTraceID(ctx); traceID != "" {
			zf = append(zf, zap.String("trace_id", traceID))
		}
	}

	if err != nil {
		details := &ErrorDetails{Message: l.redactor.Redact(err.Error())}
		if appErr, ok := apperrors.As(err); ok {
			details.Code = appErr.Code
			details.Category = string(appErr.Category)
		}
		zf = append(zf, zap.Object("error", details))
	}

	if len(fields) > 0 {
		zf = append(zf, zap.Namespace("fields"))
		for k, v := range l.redactor.RedactFields(fields) {
			zf = append(zf, zap.Any(k, v))
		}
	}

	msg = l.redactor.Redact(msg)
	switch level {
	case LevelDebug:
		l.zl.Debug(msg, zf...)
	case LevelInfo:
		l.zl.Info(msg, zf...)
	case LevelWarn:
		l.zl.Warn(msg, zf...)
	default:
		l.zl.Error(msg, zf...)
	}
}

// Debug logs a debug message
func (l *Logger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.log(ctx, LevelDebug, msg, first(fields), nil)
}

// Info logs an info message
func (l *Logger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.log(ctx, LevelInfo, msg, first(fields), nil)
}

// Warn logs a warning message
func (l *Logger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.log(ctx, LevelWarn, msg, first(fields), nil)
}

// Error logs an error message
func (l *Logger) Error(ctx context.Context, msg string, err error, fields ...map[string]interface{}) {
	l.log(ctx, LevelError, msg, first(fields), err)
}

func first(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// Package-level convenience functions

func Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	defaultLogger.Debug(ctx, msg, fields...)
}

func Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	defaultLogger.Info(ctx, msg, fields...)
}

func Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	defaultLogger.Warn(ctx, msg, fields...)
}

func Error(ctx context.Context, msg string, err error, fields ...map[string]interface{}) {
	defaultLogger.Error(ctx, msg, err, fields...)
}
