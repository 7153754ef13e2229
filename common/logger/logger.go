// common/logger/logger.go
//
// Package logger: тонкая обёртка над zap с едиными ключами для всех
// компонентов и полями trace_id/request_id из контекста.
package logger

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

const (
	traceIDKey   contextKey = "trace_id"
	requestIDKey contextKey = "request_id"
)

// Config описывает, как инициализировать zap-логгер.
// Level  : "debug" | "info" | "warn" | "error" (по умолчанию "info")
// DevMode: true → консольный вывод, иначе JSON с семплингом.
type Config struct {
	Level   string `mapstructure:"level"`
	DevMode bool   `mapstructure:"dev_mode"`
}

func (c Config) level() (zapcore.Level, error) {
	if c.Level == "" {
		return zapcore.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(c.Level)); err != nil {
		return lvl, fmt.Errorf("logger: invalid level %q: %w", c.Level, err)
	}
	return lvl, nil
}

// Logger: обёртка над *zap.Logger. Копии дешёвые, методы потокобезопасны.
type Logger struct {
	raw *zap.Logger
}

// New создаёт Logger по заданному Config.
func New(cfg Config) (*Logger, error) {
	lvl, err := cfg.level()
	if err != nil {
		return nil, err
	}

	var zc zap.Config
	if cfg.DevMode {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
		// один и тот же warn от ретраев за секунду: первые 100, дальше каждый 100-й
		zc.Sampling = &zap.SamplingConfig{Initial: 100, Thereafter: 100}
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	setKeys(&zc.EncoderConfig)

	zl, err := zc.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, fmt.Errorf("logger: build zap: %w", err)
	}
	return &Logger{raw: zl}, nil
}

// одинаковые ключи в dev и prod, чтобы парсеры логов не различали режимы
func setKeys(ec *zapcore.EncoderConfig) {
	ec.TimeKey = "ts"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.CallerKey = "caller"
	ec.EncodeCaller = zapcore.ShortCallerEncoder
	ec.StacktraceKey = "stacktrace"
}

// NewNop возвращает логгер, который ничего не пишет (для тестов).
func NewNop() *Logger { return &Logger{raw: zap.NewNop()} }

// FromZap оборачивает готовый zap-логгер, например zaptest.NewLogger(t).
func FromZap(z *zap.Logger) *Logger { return &Logger{raw: z} }

// Sync сбрасывает буферы (ошибки игнорируются: stderr на linux не sync'ается).
func (l *Logger) Sync() { _ = l.raw.Sync() }

// Named создаёт sub-logger с префиксом.
func (l *Logger) Named(name string) *Logger {
	return &Logger{raw: l.raw.Named(name)}
}

// With создаёт sub-logger с постоянными полями.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{raw: l.raw.With(fields...)}
}

// WithContext добавляет trace_id активного span'а и request_id.
// Без них возвращает тот же логгер.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	fields := make([]zap.Field, 0, 2)
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		fields = append(fields, zap.String(string(traceIDKey), sc.TraceID().String()))
	}
	if v, ok := RequestIDFromContext(ctx); ok {
		fields = append(fields, zap.String(string(requestIDKey), v))
	}
	if len(fields) == 0 {
		return l
	}
	return &Logger{raw: l.raw.With(fields...)}
}

// Enabled сообщает, пишется ли уровень lvl (чтобы не считать дорогие поля зря).
func (l *Logger) Enabled(lvl zapcore.Level) bool { return l.raw.Core().Enabled(lvl) }

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.raw.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.raw.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.raw.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.raw.Error(msg, fields...) }

// ContextWithRequestID кладёт request-ID в контекст.
func ContextWithRequestID(ctx context.Context, rid string) context.Context {
	return context.WithValue(ctx, requestIDKey, rid)
}

// RequestIDFromContext извлекает request-ID, если он был положен в контекст.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(requestIDKey).(string)
	return v, ok && v != ""
}
