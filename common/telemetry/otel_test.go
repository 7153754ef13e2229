package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/YaganovValera/ticker-pipeline/common/logger"
)

func TestApplyDefaults(t *testing.T) {
	cfg := Config{SamplerRatio: 3}
	cfg.applyDefaults()
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, 5*time.Second, cfg.ReconnectPeriod)
	assert.Equal(t, 1.0, cfg.SamplerRatio)
}

func TestValidate(t *testing.T) {
	ok := Config{Endpoint: "otel:4317", ServiceName: "ticker-pipeline", ServiceVersion: "v0.1.0", SamplerRatio: 0.5}
	require.NoError(t, ok.validate())

	cases := map[string]func(c *Config){
		"no endpoint": func(c *Config) { c.Endpoint = "" },
		"no service":  func(c *Config) { c.ServiceName = "" },
		"no version":  func(c *Config) { c.ServiceVersion = "" },
		"bad ratio":   func(c *Config) { c.SamplerRatio = -0.1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := ok
			mutate(&c)
			assert.Error(t, c.validate())
		})
	}

	err := Config{}.validate()
	assert.ErrorContains(t, err, "endpoint is required")
	assert.ErrorContains(t, err, "service name is required")
}

func TestInitTracer_Disabled(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), Config{}, logger.NewNop())
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestTracerProvider_ResourceAndSampling(t *testing.T) {
	cfg := Config{ServiceName: "ticker-pipeline", ServiceVersion: "v1.0.0", Environment: "test", SamplerRatio: 1}
	res, err := newResource(cfg)
	require.NoError(t, err)

	exp := tracetest.NewInMemoryExporter()
	tp := newTracerProvider(cfg, res, sdktrace.WithSyncer(exp))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	_, span := tp.Tracer("schema-resolver").Start(context.Background(), "Resolve")
	span.End()

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "Resolve", spans[0].Name)
	attrs := spans[0].Resource.Set()
	v, ok := attrs.Value(semconv.ServiceNameKey)
	require.True(t, ok)
	assert.Equal(t, "ticker-pipeline", v.AsString())
	v, ok = attrs.Value(semconv.DeploymentEnvironmentKey)
	require.True(t, ok)
	assert.Equal(t, "test", v.AsString())
}

func TestTracerProvider_ZeroRatioDropsRootSpans(t *testing.T) {
	cfg := Config{ServiceName: "ticker-pipeline", ServiceVersion: "v1.0.0", SamplerRatio: 0}
	res, err := newResource(cfg)
	require.NoError(t, err)

	exp := tracetest.NewInMemoryExporter()
	tp := newTracerProvider(cfg, res, sdktrace.WithSyncer(exp))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	_, span := tp.Tracer("codec").Start(context.Background(), "Decode")
	span.End()
	assert.Empty(t, exp.GetSpans())
}
