// common/kafka/interface.go
//
// Пакет kafka задаёт минимальные контракты обмена сообщениями, не тянет
// за собой Sarama и никак не зависит от конкретной реализации.
package kafka

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDeliveryFailed: брокер не подтвердил запись.
	ErrDeliveryFailed = errors.New("kafka: delivery failed")
	// ErrClosed: операция над закрытым producer/consumer.
	ErrClosed = errors.New("kafka: closed")
)

// Message представляет запись, полученную из Kafka.
type Message struct {
	Key       []byte            // ключ сообщения (может быть nil)
	Value     []byte            // полезная нагрузка
	Topic     string            // имя топика
	Partition int32             // раздел
	Offset    int64             // смещение
	Timestamp time.Time         // время записи брокером
	Headers   map[string][]byte // заголовки (trace context и т.п.)
}

// Header: заголовок исходящего сообщения.
type Header struct {
	Key   string
	Value []byte
}

// HeaderMessageID: id сообщения, по которому запись находится в логах
// отправителя и получателя.
const HeaderMessageID = "message_id"

// Consumer описывает poll-читателя одного или нескольких топиков.
//
//	Poll(ctx, timeout) возвращает (nil, nil), если за timeout сообщений не было;
//	отмена ctx прерывает ожидание.
//	Ack(msg) помечает смещение к коммиту. Пока сообщение не подтверждено,
//	после рестарта оно будет прочитано снова (at-least-once).
type Consumer interface {
	Poll(ctx context.Context, timeout time.Duration) (*Message, error)
	Ack(msg *Message) error
	Close() error
}

// Producer публикует сообщения в Kafka асинхронно.
type Producer interface {
	// Publish ставит сообщение в очередь отправки и возвращает Delivery,
	// по которому можно дождаться подтверждения брокера.
	Publish(ctx context.Context, topic string, key, value []byte, headers ...Header) (*Delivery, error)
	// Ping проверяет достижимость кластера (обновление метаданных).
	Ping(ctx context.Context) error
	Close() error
}
