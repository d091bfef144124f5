package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel is the minimum severity written.
type LogLevel string

const (
	DebugLevel LogLevel = "debug"
	InfoLevel  LogLevel = "info"
	WarnLevel  LogLevel = "warn"
	ErrorLevel LogLevel = "error"
)

// LogFormat selects the encoder.
type LogFormat string

const (
	// JSONFormat writes one JSON object per entry.
	JSONFormat LogFormat = "json"
	// TextFormat writes console lines for operators running the CLI by hand.
	TextFormat LogFormat = "text"
)

var zapLevels = map[LogLevel]zapcore.Level{
	DebugLevel: zapcore.DebugLevel,
	InfoLevel:  zapcore.InfoLevel,
	WarnLevel:  zapcore.WarnLevel,
	ErrorLevel: zapcore.ErrorLevel,
}

// Config configures NewZapLogger.
type Config struct {
	Level  LogLevel
	Format LogFormat
	// Output defaults to os.Stderr so command output on stdout stays clean.
	Output io.Writer
	// Service and Environment, when set, are attached to every entry.
	Service     string
	Environment string
}

// ZapLogger implements Logger on go.uber.org/zap.
type ZapLogger struct {
	base  *zap.Logger
	sugar *zap.SugaredLogger
}

var _ Logger = (*ZapLogger)(nil)

// NewZapLogger builds a logger from cfg. An unknown level logs at info.
func NewZapLogger(cfg Config) (*ZapLogger, error) {
	level, ok := zapLevels[cfg.Level]
	if !ok {
		level = zapcore.InfoLevel
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	core := zapcore.NewCore(newEncoder(cfg.Format), zapcore.Lock(zapcore.AddSync(out)), zap.NewAtomicLevelAt(level))
	base := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))

	var fields []zap.Field
	if cfg.Service != "" {
		fields = append(fields, zap.String("service", cfg.Service))
	}
	if cfg.Environment != "" {
		fields = append(fields, zap.String("environment", cfg.Environment))
	}
	if len(fields) > 0 {
		base = base.With(fields...)
	}
	return &ZapLogger{base: base, sugar: base.Sugar()}, nil
}

func newEncoder(format LogFormat) zapcore.Encoder {
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if format == TextFormat {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewConsoleEncoder(encCfg)
	}
	encCfg.EncodeLevel = zapcore.LowercaseLevelEncoder
	return zapcore.NewJSONEncoder(encCfg)
}

// NewNop discards every entry.
func NewNop() *ZapLogger {
	base := zap.NewNop()
	return &ZapLogger{base: base, sugar: base.Sugar()}
}

func (l *ZapLogger) Debug(msg string, args ...any) { l.sugar.Debugw(msg, args...) }
func (l *ZapLogger) Info(msg string, args ...any)  { l.sugar.Infow(msg, args...) }
func (l *ZapLogger) Warn(msg string, args ...any)  { l.sugar.Warnw(msg, args...) }
func (l *ZapLogger) Error(msg string, args ...any) { l.sugar.Errorw(msg, args...) }

// With returns a child logger carrying the key-value pairs.
func (l *ZapLogger) With(args ...any) Logger {
	return &ZapLogger{base: l.base, sugar: l.sugar.With(args...)}
}

// Named returns a child logger whose entries carry component as the logger name.
func (l *ZapLogger) Named(component string) *ZapLogger {
	return &ZapLogger{base: l.base.Named(component), sugar: l.sugar.Named(component)}
}

// WithContext attaches the rain-check id stored in ctx, if present.
func (l *ZapLogger) WithContext(ctx context.Context) Logger {
	if id := RainCheckIDFromContext(ctx); id != "" {
		return l.With("raincheck_id", id)
	}
	return l
}

// Sync flushes buffered entries.
func (l *ZapLogger) Sync() error {
	return l.base.Sync()
}

// ParseLogLevel accepts debug, info, warn (or warning) and error, in any case.
func ParseLogLevel(level string) (LogLevel, error) {
	normalized := strings.ToLower(strings.TrimSpace(level))
	if normalized == "warning" {
		normalized = string(WarnLevel)
	}
	if _, ok := zapLevels[LogLevel(normalized)]; !ok {
		return "", fmt.Errorf("invalid log level: %s", level)
	}
	return LogLevel(normalized), nil
}

// ParseLogFormat accepts json, text and console.
func ParseLogFormat(format string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return JSONFormat, nil
	case "text", "console":
		return TextFormat, nil
	default:
		return "", fmt.Errorf("invalid log format: %s", format)
	}
}
