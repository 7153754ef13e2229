// Package stream связывает kafka-клиентов с кодеком: Source отдаёт
// кадры из входного топика, Sink публикует обогащённые записи.
package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/YaganovValera/ticker-pipeline/common/kafka"
	"github.com/YaganovValera/ticker-pipeline/internal/domain"
)

// Unframer отделяет заголовок кадра от тела.
type Unframer interface {
	Unframe(b []byte) (domain.FramedPayload, error)
}

// Position: место сообщения в топике.
type Position struct {
	Topic     string
	Partition int32
	Offset    int64
}

func (p Position) String() string {
	return fmt.Sprintf("%s/%d@%d", p.Topic, p.Partition, p.Offset)
}

// Envelope: одно прочитанное сообщение. Err != nil означает, что кадр не
// разобрался (плохие данные); такой конверт всё равно нужно подтвердить.
// MessageID берётся из заголовка message_id (пусто, если его нет).
type Envelope struct {
	Payload   domain.FramedPayload
	Key       []byte
	Position  Position
	MessageID string
	Err       error

	msg *kafka.Message
}

// Source читает at-least-once: offset коммитится только через Ack.
type Source struct {
	consumer kafka.Consumer
	framer   Unframer
}

func NewSource(c kafka.Consumer, u Unframer) *Source {
	return &Source{consumer: c, framer: u}
}

// Poll возвращает (nil, nil), если за timeout ничего не пришло.
func (s *Source) Poll(ctx context.Context, timeout time.Duration) (*Envelope, error) {
	msg, err := s.consumer.Poll(ctx, timeout)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, nil
	}
	env := &Envelope{
		Key:       msg.Key,
		Position:  Position{Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset},
		MessageID: string(msg.Headers[kafka.HeaderMessageID]),
		msg:       msg,
	}
	env.Payload, env.Err = s.framer.Unframe(msg.Value)
	return env, nil
}

// Ack помечает сообщение обработанным.
func (s *Source) Ack(e *Envelope) error {
	if e == nil || e.msg == nil {
		return nil
	}
	return s.consumer.Ack(e.msg)
}

func (s *Source) Close() error { return s.consumer.Close() }
