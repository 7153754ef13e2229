package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/YaganovValera/ticker-pipeline/common/httpserver"
	"github.com/YaganovValera/ticker-pipeline/common/kafka/consumer"
	"github.com/YaganovValera/ticker-pipeline/common/kafka/producer"
	"github.com/YaganovValera/ticker-pipeline/common/logger"
	commonredis "github.com/YaganovValera/ticker-pipeline/common/redis"
	"github.com/YaganovValera/ticker-pipeline/common/shutdown"
	"github.com/YaganovValera/ticker-pipeline/internal/codec"
	"github.com/YaganovValera/ticker-pipeline/internal/config"
	"github.com/YaganovValera/ticker-pipeline/internal/enrich"
	"github.com/YaganovValera/ticker-pipeline/internal/pipeline"
	"github.com/YaganovValera/ticker-pipeline/internal/schema"
	"github.com/YaganovValera/ticker-pipeline/internal/stream"
)

const checkpointTimeout = 10 * time.Second

// RunPredictor читает тикеры из kafka.topic, добавляет предсказание
// lastPrice и пишет результат в kafka.output_topic.
func RunPredictor(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	log = log.Named("predictor")
	b, err := setup(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = b.stack.Run() }()

	// входной subject нужен заранее: в single-object режиме отпечатки
	// разрешаются только по известным subject'ам
	if _, err := ensureSubject(ctx, b.resolver, schema.ValueSubject(cfg.Kafka.Topic), schema.TickerSchema, log); err != nil {
		return fmt.Errorf("input schema: %w", err)
	}
	outDesc, err := b.resolver.Register(ctx, schema.ValueSubject(cfg.Kafka.OutputTopic), schema.PredictionSchema)
	if err != nil {
		return fmt.Errorf("output schema: %w", err)
	}
	cdc, err := codec.New(b.resolver, b.resolver.Framing())
	if err != nil {
		return err
	}

	store, err := newModelStore(ctx, cfg, b.stack, log)
	if err != nil {
		return err
	}

	stage, err := enrich.Build(ctx, cfg.StageConfig(), store, log)
	if err != nil {
		return err
	}

	cons, err := consumer.New(ctx, cfg.ConsumerConfig(), log)
	if err != nil {
		return fmt.Errorf("kafka consumer: %w", err)
	}
	prod, err := producer.New(ctx, cfg.ProducerConfig(), log)
	if err != nil {
		_ = cons.Close()
		return fmt.Errorf("kafka producer: %w", err)
	}
	sink := stream.NewSink(prod, cdc, outDesc, cfg.Kafka.OutputTopic)

	// дальше consumer и producer закрывает runner
	runner, err := pipeline.New(cfg.Pipeline, pipeline.Deps{
		Source:  stream.NewSource(cons, cdc),
		Decoder: cdc,
		Stage:   stage,
		Sink:    sink,
	}, log, b.m)
	if err != nil {
		_ = prod.Close()
		_ = cons.Close()
		return err
	}

	ready := func(ctx context.Context) error {
		if s := runner.State(); s != pipeline.Running {
			return fmt.Errorf("pipeline is %s", s)
		}
		return sink.Ping(ctx)
	}
	srv, err := httpserver.New(cfg.HTTP, ready, log)
	if err != nil {
		runner.Shutdown()
		return err
	}

	log.Info("predictor started",
		zap.String("input", cfg.Kafka.Topic),
		zap.String("output", cfg.Kafka.OutputTopic),
		zap.String("model_version", stage.ModelVersion()),
		zap.String("framing", string(b.resolver.Framing())),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	g.Go(func() error { return runner.Run(gctx) })
	err = g.Wait()

	saveCheckpoint(stage, store, log)

	if !stopped(err) {
		return err
	}
	log.Info("predictor stopped")
	return nil
}

// newModelStore выбирает хранилище артефактов по model.store.
func newModelStore(ctx context.Context, cfg *config.Config, stack *shutdown.Stack, log *logger.Logger) (enrich.ModelStore, error) {
	switch cfg.Model.Store {
	case config.StoreRedis:
		cli, err := commonredis.New(ctx, cfg.Redis, log)
		if err != nil {
			return nil, fmt.Errorf("model store: %w", err)
		}
		stack.PushCloser("redis", cli)
		return enrich.RedisStore{Client: cli}, nil
	default:
		return enrich.FileStore{Dir: cfg.Model.Dir}, nil
	}
}

// saveCheckpoint сохраняет состояние онлайн-модели, чтобы следующий
// запуск продолжил обучение.
func saveCheckpoint(stage enrich.Stage, store enrich.ModelStore, log *logger.Logger) {
	online, ok := stage.(*enrich.OnlineStage)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), checkpointTimeout)
	defer cancel()

	cp := online.Checkpoint()
	if err := store.Save(ctx, cp); err != nil {
		log.Error("checkpoint save failed", zap.String("id", cp.ID), zap.Error(err))
		return
	}
	log.Info("checkpoint saved", zap.String("id", cp.ID), zap.String("version", cp.Version))
}
