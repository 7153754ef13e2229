// Package streamtest: in-memory kafka.Consumer/kafka.Producer для тестов
// конвейера.
package streamtest

import (
	"context"
	"sync"
	"time"

	"github.com/YaganovValera/ticker-pipeline/common/kafka"
)

// Consumer отдаёт сообщения, положенные через Push.
type Consumer struct {
	ch chan *kafka.Message

	mu     sync.Mutex
	acked  []int64
	closed bool
}

func NewConsumer(buffer int) *Consumer {
	return &Consumer{ch: make(chan *kafka.Message, buffer)}
}

// Push кладёт сообщение; блокируется, если буфер полон.
func (c *Consumer) Push(m *kafka.Message) { c.ch <- m }

func (c *Consumer) Poll(ctx context.Context, timeout time.Duration) (*kafka.Message, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, kafka.ErrClosed
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case m := <-c.ch:
		return m, nil
	case <-t.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Consumer) Ack(m *kafka.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acked = append(c.acked, m.Offset)
	return nil
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Acked: подтверждённые offset'ы в порядке подтверждения.
func (c *Consumer) Acked() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.acked...)
}

// Pending: сколько сообщений ещё не забрано через Poll.
func (c *Consumer) Pending() int { return len(c.ch) }

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Published: одно сообщение, отданное продьюсеру.
type Published struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers []kafka.Header
}

// Producer подтверждает доставку сразу или через Delay. Первые FailFirst
// доставок завершаются ошибкой.
type Producer struct {
	Delay     time.Duration
	FailFirst int
	PingErr   error

	mu        sync.Mutex
	published []Published
	failed    int
	offset    int64
	closed    bool
}

func (p *Producer) Publish(_ context.Context, topic string, key, value []byte, headers ...kafka.Header) (*kafka.Delivery, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, kafka.ErrClosed
	}
	p.published = append(p.published, Published{Topic: topic, Key: key, Value: value, Headers: headers})
	fail := p.failed < p.FailFirst
	if fail {
		p.failed++
	}
	p.offset++
	off := p.offset
	p.mu.Unlock()

	d := kafka.NewDelivery(topic)
	resolve := func() {
		if fail {
			d.Resolve(-1, -1, errBrokerDown)
			return
		}
		d.Resolve(0, off, nil)
	}
	if p.Delay > 0 {
		time.AfterFunc(p.Delay, resolve)
	} else {
		resolve()
	}
	return d, nil
}

func (p *Producer) Ping(context.Context) error { return p.PingErr }

func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Messages: копия опубликованного.
func (p *Producer) Messages() []Published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Published(nil), p.published...)
}

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type brokerErr string

func (e brokerErr) Error() string { return string(e) }

const errBrokerDown = brokerErr("kafka server: not enough in-sync replicas")
