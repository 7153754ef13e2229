// Package pipeline соединяет Source → Codec → Stage → Sink.
//
// Четыре горутины (poll+decode, enrich, publish, ack) связаны каналами
// ограниченной ёмкости: медленный sink заполняет очереди и тормозит poll.
// Каждый прочитанный конверт проходит все стадии, даже если он отброшен,
// поэтому offset'ы подтверждаются строго в порядке чтения.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/YaganovValera/ticker-pipeline/common/kafka"
	"github.com/YaganovValera/ticker-pipeline/common/logger"
	"github.com/YaganovValera/ticker-pipeline/internal/domain"
	"github.com/YaganovValera/ticker-pipeline/internal/enrich"
	"github.com/YaganovValera/ticker-pipeline/internal/metrics"
	"github.com/YaganovValera/ticker-pipeline/internal/stream"
)

// Source: входной поток (stream.Source).
type Source interface {
	Poll(ctx context.Context, timeout time.Duration) (*stream.Envelope, error)
	Ack(e *stream.Envelope) error
	Close() error
}

// Decoder: разбор кадра в запись (codec.Codec).
type Decoder interface {
	Decode(ctx context.Context, p domain.FramedPayload) (domain.Record, error)
}

// Sink: выходной поток (stream.Sink).
type Sink interface {
	Publish(ctx context.Context, a domain.AugmentedRecord, headers ...kafka.Header) (*stream.Delivery, error)
	Close() error
}

// Deps: компоненты, которыми владеет Runner. После Run (или Shutdown до
// Run) Source и Sink закрыты.
type Deps struct {
	Source  Source
	Decoder Decoder
	Stage   enrich.Stage
	Sink    Sink
}

// item: один конверт на пути через стадии. err != nil, запись
// отброшена как плохие данные, но offset всё равно подтверждается.
type item struct {
	env      *stream.Envelope
	rec      domain.Record
	out      domain.AugmentedRecord
	delivery *stream.Delivery
	err      error
}

type Runner struct {
	cfg  Config
	deps Deps
	log  *logger.Logger
	m    *metrics.Metrics

	mu    sync.Mutex
	state State

	hookMu sync.Mutex
	hooks  []func(from, to State)

	stop        chan struct{}
	stopOnce    sync.Once
	releaseOnce sync.Once
}

// New создаёт Runner в состоянии Idle. m может быть nil.
func New(cfg Config, deps Deps, log *logger.Logger, m *metrics.Metrics) (*Runner, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Source == nil || deps.Decoder == nil || deps.Stage == nil || deps.Sink == nil {
		return nil, fmt.Errorf("pipeline: source, decoder, stage and sink are required")
	}
	if m == nil {
		m = metrics.Discard()
	}
	m.RunnerState.Set(float64(Idle))
	return &Runner{
		cfg:  cfg,
		deps: deps,
		log:  log.Named("pipeline"),
		m:    m,
		stop: make(chan struct{}),
	}, nil
}

func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// OnTransition регистрирует hook; вызывается синхронно на каждом переходе.
func (r *Runner) OnTransition(fn func(from, to State)) {
	r.hookMu.Lock()
	r.hooks = append(r.hooks, fn)
	r.hookMu.Unlock()
}

// transition меняет состояние, если переход допустим и (когда from задан)
// текущее состояние входит в from.
func (r *Runner) transition(to State, from ...State) bool {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()

	r.mu.Lock()
	cur := r.state
	if !allowed(cur, to) || (len(from) > 0 && !slices.Contains(from, cur)) {
		r.mu.Unlock()
		return false
	}
	r.state = to
	r.mu.Unlock()

	r.m.RunnerState.Set(float64(to))
	r.log.Info("state changed", zap.Stringer("from", cur), zap.Stringer("to", to))
	for _, h := range r.hooks {
		h(cur, to)
	}
	return true
}

// Shutdown останавливает чтение и переводит Runner в Draining.
// Не ждёт завершения: Run вернётся, когда in-flight записи подтвердятся
// или истечёт DrainTimeout. Shutdown до Run сразу переводит в Stopped.
func (r *Runner) Shutdown() {
	r.stopOnce.Do(func() { close(r.stop) })
	if r.transition(Stopped, Idle) {
		r.release()
	}
}

// Run блокируется до остановки. Возвращает nil при штатной остановке
// (Shutdown или отмена ctx) и фатальную ошибку иначе.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	switch r.state {
	case Idle:
	case Stopped:
		r.mu.Unlock()
		return ErrRunnerStopped
	default:
		r.mu.Unlock()
		return ErrRunnerBusy
	}
	r.mu.Unlock()
	if !r.transition(Running, Idle) {
		// Shutdown успел раньше
		return ErrRunnerStopped
	}
	defer r.release()

	// workCtx не наследует ctx: отмена ctx означает drain, а не обрыв.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	g, gctx := errgroup.WithContext(workCtx)
	pollCtx, cancelPoll := context.WithCancel(gctx)
	defer cancelPoll()

	var timedOut atomic.Bool
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		r.watch(ctx, gctx, cancelPoll, cancelWork, &timedOut)
	}()

	capacity := r.cfg.QueueCapacity
	decoded := make(chan *item, capacity)
	enriched := make(chan *item, capacity)
	published := make(chan *item, capacity)

	g.Go(func() error { return r.pollLoop(pollCtx, gctx, decoded) })
	g.Go(func() error { return r.enrichLoop(gctx, decoded, enriched) })
	g.Go(func() error { return r.publishLoop(gctx, enriched, published) })
	g.Go(func() error { return r.ackLoop(gctx, published) })

	err := g.Wait()
	<-watcherDone

	if err != nil && timedOut.Load() && errors.Is(err, context.Canceled) {
		r.log.Warn("drain timeout exceeded, unacknowledged records will be redelivered",
			zap.Duration("drain_timeout", r.cfg.DrainTimeout))
		err = nil
	}
	r.transition(Stopped)
	if err != nil {
		r.log.Error("pipeline stopped on fatal error", zap.Error(err))
		return err
	}
	r.log.Info("pipeline stopped")
	return nil
}

// watch переводит Runner в Draining по ctx/Shutdown и ограничивает drain
// по времени. Выходит, когда стадии завершились (gctx отменён в Wait).
func (r *Runner) watch(ctx, gctx context.Context, cancelPoll, cancelWork context.CancelFunc, timedOut *atomic.Bool) {
	select {
	case <-ctx.Done():
	case <-r.stop:
	case <-gctx.Done():
		return
	}
	cancelPoll()
	r.transition(Draining, Running)

	t := time.NewTimer(r.cfg.DrainTimeout)
	defer t.Stop()
	select {
	case <-t.C:
		timedOut.Store(true)
		cancelWork()
	case <-gctx.Done():
	}
}

func (r *Runner) release() {
	r.releaseOnce.Do(func() {
		if err := r.deps.Sink.Close(); err != nil {
			r.log.Warn("sink close failed", zap.Error(err))
		}
		if err := r.deps.Source.Close(); err != nil {
			r.log.Warn("source close failed", zap.Error(err))
		}
	})
}

func (r *Runner) pollLoop(pollCtx, ctx context.Context, out chan<- *item) error {
	defer close(out)
	for {
		if pollCtx.Err() != nil {
			return nil
		}
		env, err := r.deps.Source.Poll(pollCtx, r.cfg.PollTimeout)
		if err != nil {
			if pollCtx.Err() != nil {
				return nil
			}
			return fmt.Errorf("pipeline: poll: %w", err)
		}
		if env == nil {
			continue
		}
		r.m.Polled.Inc()

		it := &item{env: env, err: env.Err}
		if it.err == nil {
			it.rec, it.err = r.deps.Decoder.Decode(ctx, env.Payload)
			switch {
			case it.err == nil:
				r.m.Decoded.Inc()
			case !domain.IsDataError(it.err):
				return fmt.Errorf("pipeline: %s: %w", env.Position, it.err)
			}
		}
		if !send(ctx, out, it) {
			return nil
		}
		r.m.QueueDepth.WithLabelValues("decoded").Set(float64(len(out)))
	}
}

func (r *Runner) enrichLoop(ctx context.Context, in <-chan *item, out chan<- *item) error {
	defer close(out)
	learner, _ := r.deps.Stage.(enrich.Learner)
	for it := range in {
		if it.err == nil {
			if err := r.enrich(it, learner); err != nil {
				return err
			}
		}
		if !send(ctx, out, it) {
			return nil
		}
		r.m.QueueDepth.WithLabelValues("enriched").Set(float64(len(out)))
	}
	return nil
}

// enrich: сначала предсказание, потом обучение на наблюдаемом lastPrice.
func (r *Runner) enrich(it *item, learner enrich.Learner) error {
	out, err := r.deps.Stage.Enrich(it.rec)
	if err != nil {
		if domain.IsDataError(err) {
			it.err = err
			return nil
		}
		return fmt.Errorf("pipeline: %s: enrich: %w", it.env.Position, err)
	}
	it.out = out
	r.m.Enriched.Inc()

	diff := out.PredictedValue.Sub(it.rec.LastPrice).InexactFloat64()
	se := diff * diff
	r.m.SquaredError.Observe(se)
	if r.log.Enabled(zapcore.DebugLevel) {
		r.log.Debug("record enriched",
			zap.String("symbol", it.rec.Symbol),
			zap.String("predicted", out.PredictedValue.String()),
			zap.String("observed", it.rec.LastPrice.String()),
			zap.Float64("squared_error", se),
			zap.String("model_version", out.ModelVersion),
		)
	}

	if learner != nil {
		if err := learner.Learn(it.rec, it.rec.LastPrice); err != nil {
			if !domain.IsDataError(err) {
				return fmt.Errorf("pipeline: %s: learn: %w", it.env.Position, err)
			}
			r.log.Warn("learn skipped", zap.Stringer("position", it.env.Position), zap.Error(err))
		}
	}
	return nil
}

func (r *Runner) publishLoop(ctx context.Context, in <-chan *item, out chan<- *item) error {
	defer close(out)
	for it := range in {
		if it.err == nil {
			d, err := r.deps.Sink.Publish(ctx, it.out, it.headers()...)
			switch {
			case err == nil:
				it.delivery = d
				r.m.Published.Inc()
			case domain.IsDataError(err):
				it.err = err
			default:
				return fmt.Errorf("pipeline: %s: %w", it.env.Position, err)
			}
		}
		if !send(ctx, out, it) {
			return nil
		}
		r.m.QueueDepth.WithLabelValues("published").Set(float64(len(out)))
	}
	return nil
}

func (r *Runner) ackLoop(ctx context.Context, in <-chan *item) error {
	for it := range in {
		if it.delivery != nil {
			if err := r.confirm(ctx, it); err != nil {
				return err
			}
		}
		if it.err != nil {
			r.m.Dropped.WithLabelValues(dropReason(it.err)).Inc()
			r.log.Warn("record dropped",
				zap.Stringer("position", it.env.Position),
				zap.String("message_id", it.env.MessageID),
				zap.Error(it.err),
			)
		}
		if err := r.deps.Source.Ack(it.env); err != nil {
			return fmt.Errorf("pipeline: ack %s: %w", it.env.Position, err)
		}
		r.m.Acked.Inc()
	}
	return nil
}

// confirm ждёт подтверждения брокера. Отказ: до DeliveryRetries повторных
// публикаций, затем запись отбрасывается (it.err) и offset подтверждается.
func (r *Runner) confirm(ctx context.Context, it *item) error {
	d := it.delivery
	for attempt := 0; ; attempt++ {
		ack, err := d.Wait(ctx)
		if err == nil {
			r.log.Debug("record delivered",
				zap.String("message_id", it.env.MessageID),
				zap.String("symbol", it.out.Symbol),
				zap.Int32("partition", ack.Partition),
				zap.Int64("offset", ack.Offset),
			)
			return nil
		}
		if !errors.Is(err, domain.ErrDeliveryFailed) {
			return fmt.Errorf("pipeline: %s: wait delivery: %w", it.env.Position, err)
		}
		r.m.DeliveryFailures.Inc()
		if attempt >= r.cfg.DeliveryRetries {
			it.err = err
			return nil
		}

		r.m.PublishRetries.Inc()
		r.log.Warn("delivery failed, re-publishing",
			zap.Stringer("position", it.env.Position),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		d, err = r.deps.Sink.Publish(ctx, it.out, it.headers()...)
		if err != nil {
			if domain.IsDataError(err) {
				it.err = err
				return nil
			}
			return fmt.Errorf("pipeline: %s: re-publish: %w", it.env.Position, err)
		}
	}
}

// headers: прогноз уходит с message_id входного тикера.
func (it *item) headers() []kafka.Header {
	if it.env.MessageID == "" {
		return nil
	}
	return []kafka.Header{{Key: kafka.HeaderMessageID, Value: []byte(it.env.MessageID)}}
}

func send(ctx context.Context, ch chan<- *item, it *item) bool {
	select {
	case ch <- it:
		return true
	case <-ctx.Done():
		return false
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrMalformedPayload):
		return "malformed"
	case errors.Is(err, domain.ErrSchemaMismatch):
		return "schema_mismatch"
	case errors.Is(err, domain.ErrDeliveryFailed):
		return "delivery_failed"
	default:
		return "other"
	}
}
