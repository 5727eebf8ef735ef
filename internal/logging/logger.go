package logging

import (
	"context"
	"fmt"
	"os"
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/austindbirch/courier/internal/tracing"
)

// LogLevel represents the severity of the log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

// LogEntry collects structured fields until one of the level methods emits it
type LogEntry struct {
	logger   *Logger
	TraceID  string
	SpanID   string
	TaskID   int64
	TaskUUID string
	Fields   map[string]any
}

// Logger provides structured logging with trace correlation
type Logger struct {
	service string
	zl      *zap.Logger
	exit    func(int)
}

// New creates a JSON logger for the given service writing to stdout
func New(service string) *Logger {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "time"
	cfg.MessageKey = "msg"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(cfg), zapcore.Lock(os.Stdout), levelFromEnv())
	return NewWithCore(service, core)
}

// NewWithCore builds a logger over an arbitrary zap core, e.g. zaptest/observer in tests
func NewWithCore(service string, core zapcore.Core) *Logger {
	l := &Logger{service: service, exit: os.Exit}
	zl := zap.New(core, zap.WithFatalHook(fatalHook{l}))
	if service != "" {
		zl = zl.With(zap.String("service", service))
	}
	l.zl = zl
	return l
}

// fatalHook routes zap's fatal exit through the logger so tests can stub it
type fatalHook struct{ l *Logger }

func (h fatalHook) OnWrite(*zapcore.CheckedEntry, []zapcore.Field) {
	_ = h.l.zl.Sync()
	h.l.exit(1)
}

// Service returns the service name attached to every entry
func (l *Logger) Service() string {
	return l.service
}

// Sync flushes buffered output
func (l *Logger) Sync() error {
	return l.zl.Sync()
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	entry := l.Plain()
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		entry.TraceID = traceID
	}
	if spanID := tracing.GetSpanID(ctx); spanID != "" {
		entry.SpanID = spanID
	}
	return entry
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return l.Plain().WithFields(fields)
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return &LogEntry{logger: l, Fields: make(map[string]any)}
}

// WithTraceID sets the trace ID for the log entry
func (e *LogEntry) WithTraceID(traceID string) *LogEntry {
	e.TraceID = traceID
	return e
}

// WithTask sets the task ID for the log entry
func (e *LogEntry) WithTask(taskID int64) *LogEntry {
	e.TaskID = taskID
	return e
}

// WithTaskUUID sets the external task UUID for the log entry
func (e *LogEntry) WithTaskUUID(uuid string) *LogEntry {
	e.TaskUUID = uuid
	return e
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err != nil {
		e.WithField("error", err.Error())
	}
	return e
}

// Debug logs at debug level
func (e *LogEntry) Debug(message string) { e.output(LevelDebug, message) }

// Debugf logs at debug level with formatting
func (e *LogEntry) Debugf(format string, args ...any) { e.output(LevelDebug, fmt.Sprintf(format, args...)) }

// Info logs at info level
func (e *LogEntry) Info(message string) { e.output(LevelInfo, message) }

// Infof logs at info level with formatting
func (e *LogEntry) Infof(format string, args ...any) { e.output(LevelInfo, fmt.Sprintf(format, args...)) }

// Warn logs at warn level
func (e *LogEntry) Warn(message string) { e.output(LevelWarn, message) }

// Warnf logs at warn level with formatting
func (e *LogEntry) Warnf(format string, args ...any) { e.output(LevelWarn, fmt.Sprintf(format, args...)) }

// Error logs at error level
func (e *LogEntry) Error(message string) { e.output(LevelError, message) }

// Errorf logs at error level with formatting
func (e *LogEntry) Errorf(format string, args ...any) { e.output(LevelError, fmt.Sprintf(format, args...)) }

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) {
	e.output(LevelFatal, message)
}

// Fatalf logs at fatal level with formatting and exits
func (e *LogEntry) Fatalf(format string, args ...any) {
	e.Fatal(fmt.Sprintf(format, args...))
}

// zapFields renders the entry's correlation IDs and fields in a stable order
func (e *LogEntry) zapFields() []zap.Field {
	out := make([]zap.Field, 0, len(e.Fields)+4)
	if e.TraceID != "" {
		out = append(out, zap.String("trace_id", e.TraceID))
	}
	if e.SpanID != "" {
		out = append(out, zap.String("span_id", e.SpanID))
	}
	if e.TaskID != 0 {
		out = append(out, zap.Int64("task_id", e.TaskID))
	}
	if e.TaskUUID != "" {
		out = append(out, zap.String("task_uuid", e.TaskUUID))
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, zap.Any(k, e.Fields[k]))
	}
	return out
}

func (e *LogEntry) output(level LogLevel, message string) {
	zl := e.logger.zl
	fields := e.zapFields()
	switch level {
	case LevelDebug:
		zl.Debug(message, fields...)
	case LevelInfo:
		zl.Info(message, fields...)
	case LevelWarn:
		zl.Warn(message, fields...)
	case LevelError:
		zl.Error(message, fields...)
	case LevelFatal:
		zl.Fatal(message, fields...)
	}
}

func levelFromEnv() zapcore.Level {
	lvl := zapcore.InfoLevel
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if parsed, err := zapcore.ParseLevel(v); err == nil {
			lvl = parsed
		}
	}
	return lvl
}

var defaultLogger = New("courier")

// WithContext creates a log entry with trace correlation from context using the default logger
func WithContext(ctx context.Context) *LogEntry {
	return defaultLogger.WithContext(ctx)
}

// WithFields creates a log entry with fields using the default logger
func WithFields(fields map[string]any) *LogEntry {
	return defaultLogger.WithFields(fields)
}

// Plain creates a basic log entry using the default logger
func Plain() *LogEntry {
	return defaultLogger.Plain()
}

// SetDefault replaces the default logger
func SetDefault(l *Logger) {
	defaultLogger = l
}
