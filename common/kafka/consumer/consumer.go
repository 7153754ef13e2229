// common/kafka/consumer/consumer.go
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
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
// Service label (заполняется из common.InitServiceName)
// -----------------------------------------------------------------------------

var serviceLabel = "unknown"

// SetServiceLabel задаёт единое имя сервиса для метрик.
// Вызывается единожды из common.InitServiceName().
func SetServiceLabel(name string) { serviceLabel = name }

// -----------------------------------------------------------------------------
// Prometheus-метрики
// -----------------------------------------------------------------------------

var consumerMetrics = struct {
	ConnectAttempts *prometheus.CounterVec
	ConnectErrors   *prometheus.CounterVec
	ConsumeErrors   *prometheus.CounterVec
	Received        *prometheus.CounterVec
	Acked           *prometheus.CounterVec
}{
	ConnectAttempts: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ticker_pipeline", Subsystem: "kafka_consumer", Name: "connect_attempts_total",
			Help: "Kafka consumer group connect attempts",
		},
		[]string{"service"},
	),
	ConnectErrors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ticker_pipeline", Subsystem: "kafka_consumer", Name: "connect_errors_total",
			Help: "Kafka consumer connect errors",
		},
		[]string{"service"},
	),
	ConsumeErrors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ticker_pipeline", Subsystem: "kafka_consumer", Name: "consume_errors_total",
			Help: "Errors during consumption sessions",
		},
		[]string{"service"},
	),
	Received: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ticker_pipeline", Subsystem: "kafka_consumer", Name: "messages_received_total",
			Help: "Messages handed out by Poll",
		},
		[]string{"service"},
	),
	Acked: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ticker_pipeline", Subsystem: "kafka_consumer", Name: "messages_acked_total",
			Help: "Messages marked for commit",
		},
		[]string{"service"},
	),
}

// -----------------------------------------------------------------------------
// Tracing
// -----------------------------------------------------------------------------

var tracer = otel.Tracer("kafka-consumer")

// -----------------------------------------------------------------------------
// Consumer implementation
// -----------------------------------------------------------------------------

// kafkaConsumerGroup превращает push-модель ConsumerGroup в Poll/Ack.
//
// claim-цикл кладёт сообщения в ограниченный канал msgs: если Poll
// вызывают редко, канал заполняется, ConsumeClaim блокируется и Sarama
// перестаёт забирать новые батчи с брокера.
type kafkaConsumerGroup struct {
	group      sarama.ConsumerGroup
	topics     []string
	log        *logger.Logger
	backoffCfg backoff.Config

	msgs chan *commonkafka.Message

	mu   sync.Mutex
	sess sarama.ConsumerGroupSession

	cancel    context.CancelFunc
	loopDone  chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New создаёт и подключает ConsumerGroup с ретраями и сразу начинает
// фоновое чтение топиков cfg.Topics.
func New(ctx context.Context, cfg Config, log *logger.Logger) (commonkafka.Consumer, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log = log.Named("kafka-consumer")

	sarCfg, err := buildSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}

	var group sarama.ConsumerGroup
	connectOp := func(ctx context.Context) error {
		consumerMetrics.ConnectAttempts.WithLabelValues(serviceLabel).Inc()
		g, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, sarCfg)
		if err != nil {
			consumerMetrics.ConnectErrors.WithLabelValues(serviceLabel).Inc()
			return err
		}
		group = g
		return nil
	}

	ctxConn, span := tracer.Start(ctx, "Connect",
		trace.WithAttributes(attribute.StringSlice("brokers", cfg.Brokers), attribute.String("group", cfg.GroupID)))
	if err := backoff.Execute(ctxConn, cfg.Backoff, log, connectOp); err != nil {
		span.RecordError(err)
		span.End()
		return nil, fmt.Errorf("kafka consumer: connect failed: %w", err)
	}
	span.End()

	log.Info("kafka consumer group connected",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("group", cfg.GroupID),
		zap.Strings("topics", cfg.Topics),
	)
	return newFromGroup(group, cfg, log), nil
}

// newFromGroup запускает claim-цикл поверх готовой группы.
func newFromGroup(group sarama.ConsumerGroup, cfg Config, log *logger.Logger) *kafkaConsumerGroup {
	ctx, cancel := context.WithCancel(context.Background())
	kc := &kafkaConsumerGroup{
		group:      group,
		topics:     cfg.Topics,
		log:        log,
		backoffCfg: cfg.Backoff,
		msgs:       make(chan *commonkafka.Message, cfg.BufferSize),
		cancel:     cancel,
		loopDone:   make(chan struct{}),
	}
	go kc.drainErrors()
	go kc.consumeLoop(ctx)
	return kc
}

// consumeLoop переоткрывает сессии (ребаланс, сбои) до Close.
func (kc *kafkaConsumerGroup) consumeLoop(ctx context.Context) {
	defer close(kc.loopDone)
	h := &consumerGroupHandler{kc: kc}
	for {
		ctxSess, span := tracer.Start(ctx, "ConsumeSession",
			trace.WithAttributes(attribute.StringSlice("topics", kc.topics)))
		err := kc.group.Consume(ctxSess, kc.topics, h)
		span.End()

		if ctx.Err() != nil || errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return
		}
		if err != nil {
			consumerMetrics.ConsumeErrors.WithLabelValues(serviceLabel).Inc()
			kc.log.Error("consume session error", zap.Error(err))

			// Небольшая пауза перед следующей сессией
			pause := func(ctx context.Context) error {
				select {
				case <-time.After(100 * time.Millisecond):
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if berr := backoff.Execute(ctx, kc.backoffCfg, kc.log, pause); berr != nil {
				return
			}
		}
	}
}

func (kc *kafkaConsumerGroup) drainErrors() {
	for err := range kc.group.Errors() {
		consumerMetrics.ConsumeErrors.WithLabelValues(serviceLabel).Inc()
		kc.log.Warn("consumer group error", zap.Error(err))
	}
}

// Poll ждёт следующее сообщение не дольше timeout.
func (kc *kafkaConsumerGroup) Poll(ctx context.Context, timeout time.Duration) (*commonkafka.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case m := <-kc.msgs:
		consumerMetrics.Received.WithLabelValues(serviceLabel).Inc()
		return m, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-kc.loopDone:
		// Дочитываем то, что уже в буфере.
		select {
		case m := <-kc.msgs:
			return m, nil
		default:
			return nil, commonkafka.ErrClosed
		}
	}
}

// Ack помечает offset+1 к коммиту в текущей сессии. Если за это время
// произошёл ребаланс и партиция ушла, отметка игнорируется Sarama,
// сообщение будет перечитано другим участником группы.
func (kc *kafkaConsumerGroup) Ack(msg *commonkafka.Message) error {
	if msg == nil {
		return nil
	}
	kc.mu.Lock()
	sess := kc.sess
	kc.mu.Unlock()
	if sess == nil {
		kc.log.Debug("ack without active session",
			zap.String("topic", msg.Topic),
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
		)
		return nil
	}
	sess.MarkOffset(msg.Topic, msg.Partition, msg.Offset+1, "")
	consumerMetrics.Acked.WithLabelValues(serviceLabel).Inc()
	return nil
}

// Close останавливает claim-цикл и закрывает ConsumerGroup
// (Sarama при этом коммитит помеченные смещения).
func (kc *kafkaConsumerGroup) Close() error {
	kc.closeOnce.Do(func() {
		kc.cancel()
		kc.closeErr = kc.group.Close()
		<-kc.loopDone
		kc.log.Info("kafka consumer closed")
	})
	return kc.closeErr
}

func (kc *kafkaConsumerGroup) setSession(s sarama.ConsumerGroupSession) {
	kc.mu.Lock()
	kc.sess = s
	kc.mu.Unlock()
}

// -----------------------------------------------------------------------------
// Internal handler
// -----------------------------------------------------------------------------

type consumerGroupHandler struct {
	kc *kafkaConsumerGroup
}

func (h *consumerGroupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.kc.setSession(sess)
	h.kc.log.Info("consumer session started",
		zap.String("member", sess.MemberID()),
		zap.Int32("generation", sess.GenerationID()),
	)
	return nil
}

func (h *consumerGroupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.kc.setSession(nil)
	return nil
}

func (h *consumerGroupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case m, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			_, span := tracer.Start(sess.Context(), "ReceiveMessage",
				trace.WithAttributes(
					attribute.String("topic", m.Topic),
					attribute.Int64("partition", int64(m.Partition)),
					attribute.Int64("offset", m.Offset),
				),
			)
			msg := toMessage(m)
			select {
			case h.kc.msgs <- msg:
			case <-sess.Context().Done():
				span.End()
				return nil
			}
			span.End()
		case <-sess.Context().Done():
			return nil
		}
	}
}

func toMessage(m *sarama.ConsumerMessage) *commonkafka.Message {
	headers := make(map[string][]byte, len(m.Headers))
	for _, hdr := range m.Headers {
		if hdr != nil && hdr.Key != nil && hdr.Value != nil {
			headers[string(hdr.Key)] = hdr.Value
		}
	}
	return &commonkafka.Message{
		Key:       m.Key,
		Value:     m.Value,
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Timestamp: m.Timestamp,
		Headers:   headers,
	}
}
