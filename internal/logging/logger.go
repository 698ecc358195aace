// Package logging wraps go.uber.org/zap behind the call shape the rest of
// the proxy already uses: Info/Warn/Error(msg, fields map[string]any).
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config configures the logger.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json or text (console)
	Output string // stdout, stderr, or file path
}

// Logger wraps a zap.Logger, translating the map-of-fields call shape used
// throughout this codebase into zap.Field slices.
type Logger struct {
	z    *zap.Logger
	file *os.File
}

// New creates a Logger from Config.
func New(cfg Config) (*Logger, error) {
	level, err := zapcore.ParseLevel(defaultIfEmpty(cfg.Level, "info"))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var encoder zapcore.Encoder
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.Format == "text" {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	var sink zapcore.WriteSyncer
	var file *os.File
	switch defaultIfEmpty(cfg.Output, "stdout") {
	case "stdout":
		sink = zapcore.AddSync(os.Stdout)
	case "stderr":
		sink = zapcore.AddSync(os.Stderr)
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log file %q: %w", cfg.Output, err)
		}
		file = f
		sink = zapcore.AddSync(f)
	}

	core := zapcore.NewCore(encoder, sink, level)
	return &Logger{z: zap.New(core), file: file}, nil
}

func defaultIfEmpty(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func fieldsFrom(fields map[string]interface{}) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}

// Debug logs a debug-level message.
func (l *Logger) Debug(msg string, fields map[string]interface{}) {
	l.z.Debug(msg, fieldsFrom(fields)...)
}

// Info logs an info-level message.
func (l *Logger) Info(msg string, fields map[string]interface{}) {
	l.z.Info(msg, fieldsFrom(fields)...)
}

// Warn logs a warn-level message.
func (l *Logger) Warn(msg string, fields map[string]interface{}) {
	l.z.Warn(msg, fieldsFrom(fields)...)
}

// Error logs an error-level message.
func (l *Logger) Error(msg string, fields map[string]interface{}) {
	l.z.Error(msg, fieldsFrom(fields)...)
}

// RequestLog captures the fields recorded for every forwarded request.
type RequestLog struct {
	RequestID  string
	Route      string
	ClientIP   string
	Method     string
	Path       string
	Backend    string
	StatusCode int
	DurationMS float64
}

// LogRequest logs a completed request at info level with structured fields.
func (l *Logger) LogRequest(req RequestLog) {
	l.z.Info("request",
		zap.String("request_id", req.RequestID),
		zap.String("route", req.Route),
		zap.String("client_ip", req.ClientIP),
		zap.String("method", req.Method),
		zap.String("path", req.Path),
		zap.String("backend", req.Backend),
		zap.Int("status_code", req.StatusCode),
		zap.Float64("duration_ms", req.DurationMS),
	)
}

// Close flushes buffered log entries and closes the output file, if any.
func (l *Logger) Close() error {
	_ = l.z.Sync()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
