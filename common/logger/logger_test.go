// common/logger/logger_test.go
package logger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/YaganovValera/ticker-pipeline/common/logger"
)

func TestNew_InvalidLevel(t *testing.T) {
	_, err := logger.New(logger.Config{Level: "invalid", DevMode: false})
	assert.Error(t, err)
}

func TestNew_ValidLevels(t *testing.T) {
	for _, lvl := range []string{"debug", "info", "warn", "error", ""} {
		_, err := logger.New(logger.Config{Level: lvl, DevMode: true})
		assert.NoError(t, err, "level %q", lvl)
	}
	l, err := logger.New(logger.Config{Level: "warn"})
	require.NoError(t, err)
	assert.False(t, l.Enabled(zapcore.InfoLevel))
	assert.True(t, l.Enabled(zapcore.ErrorLevel))
}

func TestWithContext_TraceAndRequestID(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := logger.FromZap(zap.New(core))

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{0x4b, 0xf9, 0x2f, 0x35, 0x77, 0xb3, 0x4d, 0xa6, 0xa3, 0xce, 0x92, 0x9d, 0x0e, 0x0e, 0x47, 0x36},
		SpanID:  trace.SpanID{0x00, 0xf0, 0x67, 0xaa, 0x0b, 0xa9, 0x02, 0xb7},
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	ctx = logger.ContextWithRequestID(ctx, "req-456")

	l.WithContext(ctx).Info("test message")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", fields["trace_id"])
	assert.Equal(t, "req-456", fields["request_id"])
}

func TestWithContext_EmptyReturnsSame(t *testing.T) {
	l := logger.NewNop()
	assert.Same(t, l, l.WithContext(context.Background()))
	assert.Same(t, l, l.WithContext(logger.ContextWithRequestID(context.Background(), "")))
}

func TestNamedAndWith(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := logger.FromZap(zap.New(core)).Named("collector").With(zap.String("symbol", "BTCUSDT"))

	l.Debug("skipped")
	l.Warn("fetch failed")

	require.Equal(t, 1, logs.Len())
	e := logs.All()[0]
	assert.Equal(t, "collector", e.LoggerName)
	assert.Equal(t, "BTCUSDT", e.ContextMap()["symbol"])
}

func TestSync_NoPanic(t *testing.T) {
	l, err := logger.New(logger.Config{Level: "info", DevMode: true})
	require.NoError(t, err)
	assert.NotPanics(t, l.Sync)
}
