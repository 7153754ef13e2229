// common/backoff/backoff.go
//
// Package backoff: экспоненциальные ретраи поверх cenkalti/backoff с
// метриками и логами. Используется для registry, Kafka, Redis и WS.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/YaganovValera/ticker-pipeline/common/logger"
)

// исходы Execute для метки outcome
const (
	outcomeRetry     = "retry"
	outcomeSuccess   = "success"
	outcomeGaveUp    = "gave_up"
	outcomePermanent = "permanent"
)

var (
	serviceLabel = "unknown"

	outcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ticker_pipeline",
		Subsystem: "backoff",
		Name:      "outcomes_total",
		Help:      "Retry loop events: retry, success, gave_up, permanent",
	}, []string{"service", "outcome"})

	delays = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ticker_pipeline",
		Subsystem: "backoff",
		Name:      "retry_delay_seconds",
		Help:      "Delay before the next attempt",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"service"})
)

// SetServiceLabel вызывается из common.InitServiceName до первого Execute.
func SetServiceLabel(name string) { serviceLabel = name }

// Config: параметры экспоненциального backoff. Нули означают значения
// по умолчанию.
type Config struct {
	// InitialInterval is the first delay before retrying.
	InitialInterval time.Duration `mapstructure:"initial_interval"`

	// RandomizationFactor adds ±jitter to each delay, 0.0 ≤ f ≤ 1.0.
	RandomizationFactor float64 `mapstructure:"randomization_factor"`

	// Multiplier растит задержку от попытки к попытке.
	Multiplier float64 `mapstructure:"multiplier"`

	// MaxInterval caps each individual delay.
	MaxInterval time.Duration `mapstructure:"max_interval"`

	// MaxElapsedTime: общий бюджет на все попытки. Zero → unlimited.
	MaxElapsedTime time.Duration `mapstructure:"max_elapsed_time"`

	// MaxAttempts bounds the number of calls to fn, the first one included.
	// Zero → unlimited (only MaxElapsedTime and ctx stop the loop).
	MaxAttempts uint64 `mapstructure:"max_attempts"`

	// PerAttemptTimeout ограничивает один вызов fn. Zero → без таймаута.
	PerAttemptTimeout time.Duration `mapstructure:"per_attempt_timeout"`
}

func (c *Config) applyDefaults() {
	if c.InitialInterval <= 0 {
		c.InitialInterval = time.Second
	}
	if c.RandomizationFactor <= 0 {
		c.RandomizationFactor = 0.5
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}
}

func (c Config) validate() error {
	if c.RandomizationFactor < 0 || c.RandomizationFactor > 1 {
		return fmt.Errorf("backoff: randomization_factor must be in [0,1], got %v", c.RandomizationFactor)
	}
	if c.Multiplier < 1 {
		return fmt.Errorf("backoff: multiplier must be >= 1, got %v", c.Multiplier)
	}
	if c.MaxInterval < c.InitialInterval {
		return fmt.Errorf("backoff: max_interval %s is below initial_interval %s", c.MaxInterval, c.InitialInterval)
	}
	return nil
}

// strategy строит политику cenkalti/backoff по cfg (после applyDefaults).
func (c Config) strategy(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.InitialInterval
	bo.RandomizationFactor = c.RandomizationFactor
	bo.Multiplier = c.Multiplier
	bo.MaxInterval = c.MaxInterval
	bo.MaxElapsedTime = c.MaxElapsedTime

	var b backoff.BackOff = bo
	if c.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, c.MaxAttempts-1)
	}
	return backoff.WithContext(b, ctx)
}

// RetryableFunc повторяется, пока не вернёт nil или Permanent-ошибку.
type RetryableFunc func(ctx context.Context) error

// ErrMaxRetries: попытки кончились (по MaxAttempts, MaxElapsedTime или
// отмене ctx), а fn всё ещё падает.
type ErrMaxRetries struct {
	Err      error // last error returned by fn
	Attempts int
}

func (e *ErrMaxRetries) Error() string {
	return fmt.Sprintf("backoff: %d attempt(s) failed: %v", e.Attempts, e.Err)
}
func (e *ErrMaxRetries) Unwrap() error { return e.Err }

// Permanent помечает ошибку как неповторяемую. Execute вернёт её как есть.
func Permanent(err error) error { return backoff.Permanent(err) }

// Execute вызывает fn до успеха по политике cfg.
func Execute(ctx context.Context, cfg Config, log *logger.Logger, fn RetryableFunc) error {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return err
	}

	var (
		attempts  int
		permanent bool
	)
	op := func() error {
		attempts++
		actx, cancel := ctx, context.CancelFunc(func() {})
		if cfg.PerAttemptTimeout > 0 {
			actx, cancel = context.WithTimeout(ctx, cfg.PerAttemptTimeout)
		}
		defer cancel()
		err := fn(actx)
		var perm *backoff.PermanentError
		permanent = errors.As(err, &perm)
		return err
	}
	notify := func(err error, delay time.Duration) {
		outcomes.WithLabelValues(serviceLabel, outcomeRetry).Inc()
		delays.WithLabelValues(serviceLabel).Observe(delay.Seconds())
		log.Warn("back-off retry",
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotify(op, cfg.strategy(ctx), notify)
	switch {
	case err == nil:
		outcomes.WithLabelValues(serviceLabel, outcomeSuccess).Inc()
		return nil
	case permanent:
		outcomes.WithLabelValues(serviceLabel, outcomePermanent).Inc()
		log.Debug("back-off stopped on permanent error", zap.Int("attempts", attempts), zap.Error(err))
		return err
	default:
		outcomes.WithLabelValues(serviceLabel, outcomeGaveUp).Inc()
		log.Error("back-off give-up", zap.Int("attempts", attempts), zap.Error(err))
		return &ErrMaxRetries{Err: err, Attempts: attempts}
	}
}
