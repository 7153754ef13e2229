// Package app собирает команды collect и predict из компонентов.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/YaganovValera/ticker-pipeline/common"
	"github.com/YaganovValera/ticker-pipeline/common/logger"
	"github.com/YaganovValera/ticker-pipeline/common/shutdown"
	"github.com/YaganovValera/ticker-pipeline/common/telemetry"
	"github.com/YaganovValera/ticker-pipeline/internal/config"
	"github.com/YaganovValera/ticker-pipeline/internal/metrics"
	"github.com/YaganovValera/ticker-pipeline/internal/schema"
)

// на каждый шаг остановки
const shutdownTimeout = 5 * time.Second

// base содержит общее для обеих команд (метрики и резолвер схем).
// Компоненты, созданные позже, кладут свою остановку в stack.
type base struct {
	m        *metrics.Metrics
	resolver *schema.Resolver
	stack    *shutdown.Stack
}

func setup(ctx context.Context, cfg *config.Config, log *logger.Logger) (*base, error) {
	common.InitServiceName(cfg.ServiceName)

	tcfg := cfg.Telemetry
	tcfg.ServiceName = cfg.ServiceName
	tcfg.ServiceVersion = cfg.ServiceVersion
	shutdownTracer, err := telemetry.InitTracer(ctx, tcfg, log)
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	stack := shutdown.NewStack(shutdownTimeout, log)
	stack.Push("telemetry", shutdownTracer)

	m, err := metrics.New(prometheus.DefaultRegisterer)
	if err != nil {
		_ = stack.Run()
		return nil, fmt.Errorf("metrics: %w", err)
	}

	reg, err := schema.NewRegistry(schema.RegistryConfig{URL: cfg.Registry.URL, Timeout: cfg.Registry.Timeout})
	if err != nil {
		_ = stack.Run()
		return nil, fmt.Errorf("schema registry: %w", err)
	}
	res, err := schema.NewResolver(reg, cfg.ResolverConfig(), log, m)
	if err != nil {
		_ = stack.Run()
		return nil, fmt.Errorf("schema resolver: %w", err)
	}
	return &base{m: m, resolver: res, stack: stack}, nil
}

// ensureSubject возвращает последнюю версию subject'а, а если её нет -
// регистрирует text как первую.
func ensureSubject(ctx context.Context, res *schema.Resolver, subject, text string, log *logger.Logger) (*schema.Descriptor, error) {
	d, err := res.Resolve(ctx, subject)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, schema.ErrNotFound) {
		return nil, err
	}
	log.Info("subject not found, registering local schema", zap.String("subject", subject))
	return res.Register(ctx, subject, text)
}

// stopped: ошибка errgroup, означающая штатную остановку.
func stopped(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}
