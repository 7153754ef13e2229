package stream

import (
	"context"
	"errors"
	"fmt"

	"github.com/YaganovValera/ticker-pipeline/common/kafka"
	"github.com/YaganovValera/ticker-pipeline/internal/domain"
	"github.com/YaganovValera/ticker-pipeline/internal/schema"
)

// AugmentedEncoder кодирует и обрамляет обогащённую запись.
type AugmentedEncoder interface {
	EncodeAugmented(a domain.AugmentedRecord, desc *schema.Descriptor) (domain.FramedPayload, error)
	Frame(p domain.FramedPayload) []byte
}

// Ack: подтверждение брокера.
type Ack struct {
	Partition int32
	Offset    int64
}

// Delivery: handle одной публикации.
type Delivery struct {
	Record domain.AugmentedRecord
	inner  *kafka.Delivery
}

// Done закрывается, когда исход доставки известен.
func (d *Delivery) Done() <-chan struct{} { return d.inner.Done() }

// Wait ждёт подтверждения. Отказ брокера оборачивается в domain.ErrDeliveryFailed.
func (d *Delivery) Wait(ctx context.Context) (Ack, error) {
	p, off, err := d.inner.Wait(ctx)
	if err != nil {
		if errors.Is(err, kafka.ErrDeliveryFailed) {
			return Ack{}, fmt.Errorf("sink: %s: %w: %w", d.Record.Symbol, domain.ErrDeliveryFailed, err)
		}
		return Ack{}, err
	}
	return Ack{Partition: p, Offset: off}, nil
}

// Sink публикует обогащённые записи в выходной топик с ключом = symbol.
type Sink struct {
	producer kafka.Producer
	enc      AugmentedEncoder
	desc     *schema.Descriptor
	topic    string
}

func NewSink(p kafka.Producer, enc AugmentedEncoder, desc *schema.Descriptor, topic string) *Sink {
	return &Sink{producer: p, enc: enc, desc: desc, topic: topic}
}

// Publish кодирует запись и ставит её в очередь продьюсера.
// Ошибка кодирования: это ошибка данных (запись не публикуется).
func (s *Sink) Publish(ctx context.Context, a domain.AugmentedRecord, headers ...kafka.Header) (*Delivery, error) {
	p, err := s.enc.EncodeAugmented(a, s.desc)
	if err != nil {
		return nil, fmt.Errorf("sink: %w", err)
	}
	d, err := s.producer.Publish(ctx, s.topic, []byte(a.Symbol), s.enc.Frame(p), headers...)
	if err != nil {
		return nil, fmt.Errorf("sink: publish %s: %w", a.Symbol, err)
	}
	return &Delivery{Record: a, inner: d}, nil
}

func (s *Sink) Topic() string { return s.topic }

func (s *Sink) Ping(ctx context.Context) error { return s.producer.Ping(ctx) }

// Close дожидается отправки буфера продьюсера.
func (s *Sink) Close() error { return s.producer.Close() }
