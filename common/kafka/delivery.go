package kafka

import (
	"context"
	"fmt"
	"sync"
)

// Delivery: handle асинхронной отправки. Завершается ровно один раз:
// либо (partition, offset), либо ошибкой, обёрнутой в ErrDeliveryFailed.
type Delivery struct {
	Topic string

	once      sync.Once
	done      chan struct{}
	partition int32
	offset    int64
	err       error
}

// NewDelivery создаёт незавершённый handle.
func NewDelivery(topic string) *Delivery {
	return &Delivery{Topic: topic, done: make(chan struct{})}
}

// Resolve фиксирует результат. Повторные вызовы игнорируются.
func (d *Delivery) Resolve(partition int32, offset int64, err error) {
	d.once.Do(func() {
		d.partition, d.offset = partition, offset
		if err != nil {
			d.err = fmt.Errorf("%w: %s: %w", ErrDeliveryFailed, d.Topic, err)
		}
		close(d.done)
	})
}

// Done закрывается, когда результат известен.
func (d *Delivery) Done() <-chan struct{} { return d.done }

// Wait блокирует до подтверждения брокера либо отмены ctx.
func (d *Delivery) Wait(ctx context.Context) (partition int32, offset int64, err error) {
	select {
	case <-d.done:
		return d.partition, d.offset, d.err
	case <-ctx.Done():
		return -1, -1, ctx.Err()
	}
}
