// common/kafka/producer/producer.go
package producer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/dnwe/otelsarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/ticker-pipeline/common/backoff"
	commonkafka "github.com/YaganovValera/ticker-pipeline/common/kafka"
	"github.com/YaganovValera/ticker-pipeline/common/logger"
)

// -----------------------------------------------------------------------------
// Service label (заполняется через common.InitServiceName)
// -----------------------------------------------------------------------------

var serviceLabel = "unknown"

// SetServiceLabel вызывается из common.InitServiceName(..) один раз при старте.
func SetServiceLabel(name string) { serviceLabel = name }

// -----------------------------------------------------------------------------
// Prometheus-метрики
// -----------------------------------------------------------------------------

var producerMetrics = struct {
	ConnectAttempts *prometheus.CounterVec
	ConnectErrors   *prometheus.CounterVec
	PublishSuccess  *prometheus.CounterVec
	PublishErrors   *prometheus.CounterVec
	PublishLatency  *prometheus.HistogramVec
	InFlight        *prometheus.GaugeVec
	PingSuccess     *prometheus.CounterVec
	PingErrors      *prometheus.CounterVec
}{
	ConnectAttempts: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ticker_pipeline", Subsystem: "kafka_producer", Name: "connect_attempts_total",
			Help: "Kafka producer connect attempts",
		},
		[]string{"service"},
	),
	ConnectErrors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ticker_pipeline", Subsystem: "kafka_producer", Name: "connect_errors_total",
			Help: "Kafka producer connect errors",
		},
		[]string{"service"},
	),
	PublishSuccess: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ticker_pipeline", Subsystem: "kafka_producer", Name: "publish_success_total",
			Help: "Acknowledged publishes",
		},
		[]string{"service"},
	),
	PublishErrors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ticker_pipeline", Subsystem: "kafka_producer", Name: "publish_errors_total",
			Help: "Failed deliveries",
		},
		[]string{"service"},
	),
	PublishLatency: promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ticker_pipeline", Subsystem: "kafka_producer", Name: "publish_latency_seconds",
			Help:    "Time from enqueue to broker ack (seconds)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	),
	InFlight: promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ticker_pipeline", Subsystem: "kafka_producer", Name: "in_flight",
			Help: "Messages enqueued but not yet acknowledged",
		},
		[]string{"service"},
	),
	PingSuccess: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ticker_pipeline", Subsystem: "kafka_producer", Name: "ping_success_total",
			Help: "Successful pings",
		},
		[]string{"service"},
	),
	PingErrors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ticker_pipeline", Subsystem: "kafka_producer", Name: "ping_errors_total",
			Help: "Ping errors",
		},
		[]string{"service"},
	),
}

// -----------------------------------------------------------------------------
// Tracing
// -----------------------------------------------------------------------------

var tracer = otel.Tracer("kafka-producer")

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config groups all tunables for a Kafka Async-producer.
//
// Zero values are replaced with sane defaults by applyDefaults().
type Config struct {
	// Brokers: список адресов Kafka-брокеров.
	Brokers []string `mapstructure:"brokers"`

	// Version: версия протокола Kafka, например "2.8.0".
	Version string `mapstructure:"version"`

	// RequiredAcks определяет стратегию подтверждения брокеров:
	//   "all" (дефолт) | "leader" | "none".
	RequiredAcks string `mapstructure:"required_acks"`

	// Timeout: максимальное время ожидания ack от кластера.
	Timeout time.Duration `mapstructure:"timeout"`

	// Compression указывает алгоритм сжатия:
	//   "none" (дефолт), "gzip", "snappy", "lz4", "zstd".
	Compression string `mapstructure:"compression"`

	// FlushFrequency: периодическое «смывание» буфера продьюсера.
	// Ноль → disable.
	FlushFrequency time.Duration `mapstructure:"flush_frequency"`

	// FlushMessages: пороговое кол-во сообщений для смыва.
	// Ноль → disable.
	FlushMessages int `mapstructure:"flush_messages"`

	// MaxRetries: внутренние ретраи Sarama до того, как доставка
	// будет признана неуспешной.
	MaxRetries int `mapstructure:"max_retries"`

	// Backoff описывает стратегию ретраев подключения.
	Backoff backoff.Config `mapstructure:"backoff"`
}

// applyDefaults заполняет zero-полям безопасные дефолты.
func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Version == "" {
		c.Version = "2.8.0"
	}
	if c.RequiredAcks == "" {
		c.RequiredAcks = "all"
	}
	if c.Compression == "" {
		c.Compression = "none"
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
}

// validate выполняет быстрые sanity-checks.
func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka producer: brokers required")
	}
	return nil
}

// -----------------------------------------------------------------------------
// Private helpers
// -----------------------------------------------------------------------------

func buildSaramaConfig(c Config) (*sarama.Config, error) {
	sc := sarama.NewConfig()

	version, err := sarama.ParseKafkaVersion(c.Version)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: invalid Version %q: %w", c.Version, err)
	}
	sc.Version = version

	// RequiredAcks
	switch strings.ToLower(c.RequiredAcks) {
	case "all":
		sc.Producer.RequiredAcks = sarama.WaitForAll
	case "leader":
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	case "none":
		sc.Producer.RequiredAcks = sarama.NoResponse
	default:
		return nil, fmt.Errorf("kafka producer: invalid RequiredAcks %q", c.RequiredAcks)
	}

	// Producer common settings. Successes нужны, чтобы завершать Delivery.
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Timeout = c.Timeout
	sc.Producer.Retry.Max = c.MaxRetries
	// Hash по ключу: один символ → одна партиция → порядок сохраняется.
	sc.Producer.Partitioner = sarama.NewHashPartitioner

	// Idempotent producer требует acks=all.
	if sc.Producer.RequiredAcks == sarama.WaitForAll {
		sc.Producer.Idempotent = true
		sc.Net.MaxOpenRequests = 1
	}

	// Flush params
	if c.FlushFrequency > 0 {
		sc.Producer.Flush.Frequency = c.FlushFrequency
	}
	if c.FlushMessages > 0 {
		sc.Producer.Flush.Messages = c.FlushMessages
	}

	// Compression
	switch strings.ToLower(c.Compression) {
	case "none":
		sc.Producer.Compression = sarama.CompressionNone
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		return nil, fmt.Errorf("kafka producer: invalid Compression %q", c.Compression)
	}

	return sc, nil
}

// -----------------------------------------------------------------------------
// Producer implementation
// -----------------------------------------------------------------------------

// pending связывает sarama-сообщение с Delivery и стартом отправки.
// Ищется по указателю на *sarama.ProducerMessage: Metadata переписывает
// otelsarama (ключ по SpanID, а при no-op трейсере он у всех нулевой).
type pending struct {
	delivery *commonkafka.Delivery
	span     trace.Span
	start    time.Time
}

type kafkaProducer struct {
	prod   sarama.AsyncProducer
	client sarama.Client
	logger *logger.Logger

	mu     sync.RWMutex
	closed bool

	inflight   sync.Map // *sarama.ProducerMessage → *pending
	dispatchWG sync.WaitGroup
}

// New создает AsyncProducer c ретраями подключения.
func New(ctx context.Context, cfg Config, log *logger.Logger) (commonkafka.Producer, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log = log.Named("kafka-producer")

	// Sarama config
	sc, err := buildSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}

	// Kafka client + async producer с back-off-подключением
	var (
		client    sarama.Client
		asyncProd sarama.AsyncProducer
	)
	connect := func(ctx context.Context) error {
		producerMetrics.ConnectAttempts.WithLabelValues(serviceLabel).Inc()
		c, err := sarama.NewClient(cfg.Brokers, sc)
		if err != nil {
			producerMetrics.ConnectErrors.WithLabelValues(serviceLabel).Inc()
			return err
		}
		p, err := sarama.NewAsyncProducerFromClient(c)
		if err != nil {
			producerMetrics.ConnectErrors.WithLabelValues(serviceLabel).Inc()
			_ = c.Close()
			return err
		}
		client, asyncProd = c, p
		return nil
	}

	ctxConn, span := tracer.Start(ctx, "Connect",
		trace.WithAttributes(attribute.StringSlice("brokers", cfg.Brokers)))
	if err := backoff.Execute(ctxConn, cfg.Backoff, log, connect); err != nil {
		span.RecordError(err)
		span.End()
		log.Error("kafka producer connect failed", zap.Error(err))
		return nil, fmt.Errorf("kafka producer: connect: %w", err)
	}
	span.End()

	log.Info("kafka producer ready", zap.Strings("brokers", cfg.Brokers))
	return newFromAsync(instrument(sc, asyncProd, otel.GetTracerProvider()), client, log), nil
}

// instrument оборачивает продьюсер для OpenTelemetry: span на сообщение,
// trace context уходит в headers.
func instrument(sc *sarama.Config, p sarama.AsyncProducer, tp trace.TracerProvider) sarama.AsyncProducer {
	return otelsarama.WrapAsyncProducer(sc, p, otelsarama.WithTracerProvider(tp))
}

// newFromAsync запускает разбор Successes/Errors поверх готового продьюсера.
// client может быть nil (тогда Ping всегда успешен).
func newFromAsync(prod sarama.AsyncProducer, client sarama.Client, log *logger.Logger) *kafkaProducer {
	k := &kafkaProducer{prod: prod, client: client, logger: log}
	k.dispatchWG.Add(2)
	go k.dispatchSuccesses()
	go k.dispatchErrors()
	return k
}

// Publish ставит сообщение в очередь AsyncProducer. Блокируется, только
// если внутренний буфер Sarama заполнен; отмена ctx прерывает ожидание.
func (k *kafkaProducer) Publish(ctx context.Context, topic string, key, value []byte, headers ...commonkafka.Header) (*commonkafka.Delivery, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return nil, commonkafka.ErrClosed
	}

	_, span := tracer.Start(ctx, "Publish", trace.WithAttributes(attribute.String("topic", topic)))
	d := commonkafka.NewDelivery(topic)
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(value),
	}
	if key != nil {
		msg.Key = sarama.ByteEncoder(key)
	}
	for _, h := range headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(h.Key), Value: h.Value})
	}
	// регистрируем до отправки: подтверждение может прийти раньше, чем вернётся select
	k.inflight.Store(msg, &pending{delivery: d, span: span, start: time.Now()})

	select {
	case k.prod.Input() <- msg:
		producerMetrics.InFlight.WithLabelValues(serviceLabel).Inc()
		return d, nil
	case <-ctx.Done():
		k.inflight.Delete(msg)
		span.RecordError(ctx.Err())
		span.End()
		return nil, ctx.Err()
	}
}

// take забирает pending для сообщения, вернувшегося из Successes/Errors.
func (k *kafkaProducer) take(m *sarama.ProducerMessage) (*pending, bool) {
	v, ok := k.inflight.LoadAndDelete(m)
	if !ok {
		k.logger.Warn("result for unknown message", zap.String("topic", m.Topic))
		return nil, false
	}
	return v.(*pending), true
}

func (k *kafkaProducer) dispatchSuccesses() {
	defer k.dispatchWG.Done()
	for m := range k.prod.Successes() {
		p, ok := k.take(m)
		if !ok {
			continue
		}
		latency := time.Since(p.start)
		producerMetrics.InFlight.WithLabelValues(serviceLabel).Dec()
		producerMetrics.PublishSuccess.WithLabelValues(serviceLabel).Inc()
		producerMetrics.PublishLatency.WithLabelValues(serviceLabel).Observe(latency.Seconds())
		p.span.SetAttributes(
			attribute.Int64("partition", int64(m.Partition)),
			attribute.Int64("offset", m.Offset),
		)
		p.span.End()
		p.delivery.Resolve(m.Partition, m.Offset, nil)

		k.logger.Debug("publish acknowledged",
			zap.String("topic", m.Topic),
			zap.Int32("partition", m.Partition),
			zap.Int64("offset", m.Offset),
			zap.Float64("latency_s", latency.Seconds()),
		)
	}
}

func (k *kafkaProducer) dispatchErrors() {
	defer k.dispatchWG.Done()
	for e := range k.prod.Errors() {
		if e == nil || e.Msg == nil {
			continue
		}
		p, ok := k.take(e.Msg)
		if !ok {
			continue
		}
		producerMetrics.InFlight.WithLabelValues(serviceLabel).Dec()
		producerMetrics.PublishErrors.WithLabelValues(serviceLabel).Inc()
		p.span.RecordError(e.Err)
		p.span.End()
		p.delivery.Resolve(-1, -1, e.Err)

		k.logger.Error("publish failed", zap.String("topic", e.Msg.Topic), zap.Error(e.Err))
	}
}

// Ping обновляет метаданные клиента, проверяя доступность кластера.
func (k *kafkaProducer) Ping(ctx context.Context) error {
	if k.client == nil {
		return nil
	}
	_, span := tracer.Start(ctx, "Ping")
	err := k.client.RefreshMetadata()
	if err != nil {
		producerMetrics.PingErrors.WithLabelValues(serviceLabel).Inc()
		span.RecordError(err)
	} else {
		producerMetrics.PingSuccess.WithLabelValues(serviceLabel).Inc()
	}
	span.End()
	return err
}

// Close дожидается отправки буфера, завершает все Delivery и закрывает клиент.
func (k *kafkaProducer) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	k.mu.Unlock()

	// AsyncClose + дочитывание каналов: Successes/Errors закрываются,
	// когда все сообщения получили результат.
	k.prod.AsyncClose()
	k.dispatchWG.Wait()

	if k.client != nil && !k.client.Closed() {
		if err := k.client.Close(); err != nil {
			k.logger.Error("client close failed", zap.Error(err))
			return err
		}
	}
	k.logger.Info("kafka producer closed")
	return nil
}
