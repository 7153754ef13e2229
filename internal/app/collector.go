package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/YaganovValera/ticker-pipeline/common/httpserver"
	"github.com/YaganovValera/ticker-pipeline/common/kafka"
	"github.com/YaganovValera/ticker-pipeline/common/kafka/admin"
	"github.com/YaganovValera/ticker-pipeline/common/kafka/producer"
	"github.com/YaganovValera/ticker-pipeline/common/logger"
	"github.com/YaganovValera/ticker-pipeline/internal/codec"
	"github.com/YaganovValera/ticker-pipeline/internal/config"
	"github.com/YaganovValera/ticker-pipeline/internal/domain"
	"github.com/YaganovValera/ticker-pipeline/internal/schema"
	"github.com/YaganovValera/ticker-pipeline/internal/ticker"
)

const (
	// сколько ждать подтверждения одной отправки в отчёте о доставке
	deliveryReportTimeout = 30 * time.Second
	reportQueue           = 64
)

// RunCollector опрашивает Binance каждые ticker.interval и публикует
// тикер в kafka.topic с ключом = символ.
func RunCollector(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	log = log.Named("collector")
	b, err := setup(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = b.stack.Run() }()

	if err := admin.EnsureTopic(ctx, cfg.Kafka.Brokers, cfg.Kafka.Version, admin.TopicSpec{
		Name:              cfg.Kafka.Topic,
		Partitions:        cfg.Kafka.Partitions,
		ReplicationFactor: cfg.Kafka.ReplicationFactor,
	}, cfg.Kafka.Backoff, log); err != nil {
		return fmt.Errorf("ensure topic: %w", err)
	}

	desc, err := b.resolver.Register(ctx, schema.ValueSubject(cfg.Kafka.Topic), schema.TickerSchema)
	if err != nil {
		return fmt.Errorf("ticker schema: %w", err)
	}
	cdc, err := codec.New(b.resolver, b.resolver.Framing())
	if err != nil {
		return err
	}

	prod, err := producer.New(ctx, cfg.ProducerConfig(), log)
	if err != nil {
		return fmt.Errorf("kafka producer: %w", err)
	}
	b.stack.PushCloser("kafka producer", prod)

	src, err := ticker.New(ctx, cfg.Ticker, log, b.m)
	if err != nil {
		return fmt.Errorf("ticker source: %w", err)
	}
	b.stack.PushCloser("ticker source", src)

	srv, err := httpserver.New(cfg.HTTP, prod.Ping, log)
	if err != nil {
		return err
	}

	c := newCollector(src, cdc, desc, prod, cfg.Kafka.Topic, cfg.Ticker.Interval, log)

	log.Info("collector started",
		zap.String("topic", cfg.Kafka.Topic),
		zap.String("symbol", cfg.Ticker.Symbol),
		zap.String("source", cfg.Ticker.Source),
		zap.Duration("interval", cfg.Ticker.Interval),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	g.Go(func() error { return c.run(gctx) })
	if err := g.Wait(); !stopped(err) {
		return err
	}
	log.Info("collector stopped")
	return nil
}

// RecordEncoder: часть codec.Codec, нужная коллектору.
type RecordEncoder interface {
	Encode(r domain.Record, desc *schema.Descriptor) (domain.FramedPayload, error)
	Frame(p domain.FramedPayload) []byte
}

// report: отправленное сообщение, ждущее подтверждения брокера.
type report struct {
	id       string
	symbol   string
	delivery *kafka.Delivery
}

type collector struct {
	src      ticker.Source
	enc      RecordEncoder
	desc     *schema.Descriptor
	producer kafka.Producer
	topic    string
	interval time.Duration
	log      *logger.Logger

	reports chan report
}

func newCollector(src ticker.Source, enc RecordEncoder, desc *schema.Descriptor, p kafka.Producer, topic string, interval time.Duration, log *logger.Logger) *collector {
	return &collector{
		src:      src,
		enc:      enc,
		desc:     desc,
		producer: p,
		topic:    topic,
		interval: interval,
		log:      log,
		reports:  make(chan report, reportQueue),
	}
}

// run опрашивает источник до отмены ctx. Отчёты о доставке дочитываются
// после остановки опроса.
func (c *collector) run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.reportLoop()
	}()
	defer func() {
		close(c.reports)
		<-done
	}()

	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		if err := c.collect(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// collect выполняет один тик: чтение, кодирование и отправку.
// Ошибку возвращает только если продолжать бессмысленно.
func (c *collector) collect(ctx context.Context) error {
	rec, err := c.src.Fetch(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ticker.ErrNoTicker):
		c.log.Debug("no ticker yet")
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		c.log.Warn("ticker fetch failed", zap.Error(err))
		return nil
	}

	payload, err := c.enc.Encode(rec, c.desc)
	if err != nil {
		c.log.Warn("ticker encode failed", zap.String("symbol", rec.Symbol), zap.Error(err))
		return nil
	}

	id := uuid.NewString()
	d, err := c.producer.Publish(ctx, c.topic, []byte(rec.Symbol), c.enc.Frame(payload),
		kafka.Header{Key: kafka.HeaderMessageID, Value: []byte(id)})
	if err != nil {
		if errors.Is(err, kafka.ErrClosed) || ctx.Err() != nil {
			return err
		}
		c.log.Warn("publish failed", zap.String("message_id", id), zap.Error(err))
		return nil
	}
	c.log.Debug("ticker published",
		zap.String("message_id", id),
		zap.String("symbol", rec.Symbol),
		zap.String("last_price", rec.LastPrice.String()),
	)

	select {
	case c.reports <- report{id: id, symbol: rec.Symbol, delivery: d}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *collector) reportLoop() {
	for r := range c.reports {
		ctx, cancel := context.WithTimeout(context.Background(), deliveryReportTimeout)
		partition, offset, err := r.delivery.Wait(ctx)
		cancel()
		if err != nil {
			c.log.Error("message delivery failed",
				zap.String("message_id", r.id),
				zap.String("topic", r.delivery.Topic),
				zap.Error(err),
			)
			continue
		}
		c.log.Info("message delivered",
			zap.String("message_id", r.id),
			zap.String("symbol", r.symbol),
			zap.String("topic", r.delivery.Topic),
			zap.Int32("partition", partition),
			zap.Int64("offset", offset),
		)
	}
}
