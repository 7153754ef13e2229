// common/telemetry/otel.go
//
// Package telemetry поднимает глобальный OpenTelemetry TracerProvider с
// OTLP/gRPC-экспортёром. Span'ы пишут schema-resolver, record-codec,
// ticker, kafka-клиенты (через otelsarama) и runner.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"

	"github.com/YaganovValera/ticker-pipeline/common/logger"
)

// Config содержит параметры OpenTelemetry.
//
// Enabled=false → InitTracer ничего не поднимает, трейсы уходят в no-op
// провайдер otel по умолчанию (локально и в тестах).
type Config struct {
	Enabled         bool          `mapstructure:"enabled"`
	Endpoint        string        `mapstructure:"endpoint"` // OTLP-collector "host:port"
	ServiceName     string        `mapstructure:"service_name"`
	ServiceVersion  string        `mapstructure:"service_version"`
	Environment     string        `mapstructure:"environment"` // deployment.environment, необязательно
	Insecure        bool          `mapstructure:"insecure"`    // true → gRPC без TLS
	ReconnectPeriod time.Duration `mapstructure:"reconnect_period"`
	Timeout         time.Duration `mapstructure:"timeout"`       // таймаут Init/Shutdown
	SamplerRatio    float64       `mapstructure:"sampler_ratio"` // 0.0…1.0
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.ReconnectPeriod <= 0 {
		c.ReconnectPeriod = 5 * time.Second
	}
	if c.SamplerRatio < 0 || c.SamplerRatio > 1 {
		c.SamplerRatio = 1
	}
}

func (c Config) validate() error {
	var errs []error
	if c.Endpoint == "" {
		errs = append(errs, errors.New("endpoint is required"))
	}
	if c.ServiceName == "" {
		errs = append(errs, errors.New("service name is required"))
	}
	if c.ServiceVersion == "" {
		errs = append(errs, errors.New("service version is required"))
	}
	if c.SamplerRatio < 0 || c.SamplerRatio > 1 {
		errs = append(errs, fmt.Errorf("sampler ratio must be between 0.0 and 1.0, got %v", c.SamplerRatio))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	return nil
}

// InitTracer ставит глобальный TracerProvider и W3C-пропагатор (по нему
// otelsarama переносит контекст через заголовки Kafka) и возвращает
// функцию остановки, которая сначала сбрасывает накопленные span'ы.
func InitTracer(ctx context.Context, cfg Config, log *logger.Logger) (func(context.Context) error, error) {
	cfg.applyDefaults()
	if !cfg.Enabled {
		log.Info("telemetry: disabled")
		return func(context.Context) error { return nil }, nil
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	initCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	exp, err := newExporter(initCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry: exporter %s: %w", cfg.Endpoint, err)
	}
	res, err := newResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}

	tp := newTracerProvider(cfg, res, sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info("telemetry: initialized",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("service", cfg.ServiceName),
		zap.String("version", cfg.ServiceVersion),
		zap.Float64("sampler_ratio", cfg.SamplerRatio),
	)

	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		err := errors.Join(tp.ForceFlush(ctx), tp.Shutdown(ctx))
		if err != nil {
			log.Error("telemetry: shutdown failed", zap.Error(err))
			return err
		}
		log.Info("telemetry: shutdown complete")
		return nil
	}, nil
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithReconnectionPeriod(cfg.ReconnectPeriod),
		otlptracegrpc.WithTimeout(cfg.Timeout),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

func newResource(cfg Config) (*resource.Resource, error) {
	attrs := []resource.Option{
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	}
	if cfg.Environment != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.DeploymentEnvironment(cfg.Environment)))
	}
	return resource.New(context.Background(), attrs...)
}

// newTracerProvider: sampler по доле trace'ов; дочерние span'ы следуют
// решению родителя (в том числе пришедшему из заголовков Kafka).
func newTracerProvider(cfg Config, res *resource.Resource, export sdktrace.TracerProviderOption) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplerRatio))),
		sdktrace.WithResource(res),
		export,
	)
}
