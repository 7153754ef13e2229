package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/ticker-pipeline/common/kafka"
	"github.com/YaganovValera/ticker-pipeline/common/logger"
	"github.com/YaganovValera/ticker-pipeline/internal/codec"
	"github.com/YaganovValera/ticker-pipeline/internal/domain"
	"github.com/YaganovValera/ticker-pipeline/internal/schema"
	"github.com/YaganovValera/ticker-pipeline/internal/stream/streamtest"
	"github.com/YaganovValera/ticker-pipeline/internal/ticker"
)

const topic = "BTCUSDT"

type fetchResult struct {
	rec domain.Record
	err error
}

// fakeSource отдаёт заранее заданные ответы, затем повторяет последний.
type fakeSource struct {
	mu      sync.Mutex
	results []fetchResult
	calls   int
	closed  bool
}

func (f *fakeSource) Fetch(context.Context) (domain.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	f.calls++
	return f.results[i].rec, f.results[i].err
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// staticResolver: отпечаток → дескриптор без сети.
type staticResolver map[string]*schema.Descriptor

func (s staticResolver) ResolveFingerprint(_ context.Context, fp []byte) (*schema.Descriptor, error) {
	if d, ok := s[string(fp)]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("fake: %w: %x", domain.ErrSchemaMismatch, fp)
}

func btcusdt() domain.Record {
	return domain.Record{
		Symbol:    "BTCUSDT",
		OpenPrice: decimal.RequireFromString("61729.27"),
		HighPrice: decimal.RequireFromString("61800.00"),
		LowPrice:  decimal.RequireFromString("61319.47"),
		LastPrice: decimal.RequireFromString("61699.01"),
		Volume:    decimal.RequireFromString("814.22297"),
		OpenTime:  domain.FromMillis(1715732880000),
		CloseTime: domain.FromMillis(1715736489761),
		Count:     33265,
	}
}

func newTestCollector(t *testing.T, src ticker.Source, p kafka.Producer, interval time.Duration) (*collector, *codec.Codec) {
	t.Helper()
	desc, err := schema.NewLocalDescriptor(schema.ValueSubject(topic), schema.TickerSchema, schema.SingleObject)
	require.NoError(t, err)
	res := staticResolver{string(desc.Fingerprint): desc}
	cdc, err := codec.New(res, schema.SingleObject)
	require.NoError(t, err)
	return newCollector(src, cdc, desc, p, topic, interval, logger.NewNop()), cdc
}

func TestCollect_PublishesKeyedBySymbol(t *testing.T) {
	src := &fakeSource{results: []fetchResult{{rec: btcusdt()}}}
	prod := &streamtest.Producer{}
	c, cdc := newTestCollector(t, src, prod, time.Second)

	require.NoError(t, c.collect(context.Background()))

	msgs := prod.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, topic, msgs[0].Topic)
	assert.Equal(t, []byte("BTCUSDT"), msgs[0].Key)

	payload, err := cdc.Unframe(msgs[0].Value)
	require.NoError(t, err)
	got, err := cdc.Decode(context.Background(), payload)
	require.NoError(t, err)
	assert.True(t, got.Equal(btcusdt()), "decoded %+v", got)

	// отчёт о доставке поставлен в очередь
	require.Len(t, c.reports, 1)
	r := <-c.reports
	_, off, err := r.delivery.Wait(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, off)
	assert.NotEmpty(t, r.id)
	// тот же id уходит заголовком сообщения
	assert.Equal(t, []kafka.Header{{Key: kafka.HeaderMessageID, Value: []byte(r.id)}}, msgs[0].Headers)
}

func TestCollect_SkipsWithoutData(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"no ticker yet", ticker.ErrNoTicker},
		{"fetch failed", errors.New("binance: 502 Bad Gateway")},
		{"malformed", fmt.Errorf("ticker: %w: lastPrice", domain.ErrMalformedPayload)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeSource{results: []fetchResult{{err: tt.err}}}
			prod := &streamtest.Producer{}
			c, _ := newTestCollector(t, src, prod, time.Second)

			assert.NoError(t, c.collect(context.Background()))
			assert.Empty(t, prod.Messages())
		})
	}
}

func TestCollect_InvalidRecordNotPublished(t *testing.T) {
	bad := btcusdt()
	bad.Volume = decimal.NewFromInt(-1)
	src := &fakeSource{results: []fetchResult{{rec: bad}}}
	prod := &streamtest.Producer{}
	c, _ := newTestCollector(t, src, prod, time.Second)

	assert.NoError(t, c.collect(context.Background()))
	assert.Empty(t, prod.Messages())
}

func TestCollect_ClosedProducerStops(t *testing.T) {
	src := &fakeSource{results: []fetchResult{{rec: btcusdt()}}}
	prod := &streamtest.Producer{}
	require.NoError(t, prod.Close())
	c, _ := newTestCollector(t, src, prod, time.Second)

	assert.ErrorIs(t, c.collect(context.Background()), kafka.ErrClosed)
}

func TestCollect_CancelledFetch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := &fakeSource{results: []fetchResult{{err: context.Canceled}}}
	c, _ := newTestCollector(t, src, &streamtest.Producer{}, time.Second)

	assert.ErrorIs(t, c.collect(ctx), context.Canceled)
}

func TestRun_PollsUntilCancelled(t *testing.T) {
	src := &fakeSource{results: []fetchResult{
		{err: ticker.ErrNoTicker},
		{rec: btcusdt()},
	}}
	prod := &streamtest.Producer{Delay: 5 * time.Millisecond}
	c, _ := newTestCollector(t, src, prod, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.run(ctx) }()

	require.Eventually(t, func() bool { return len(prod.Messages()) >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("collector did not stop")
	}
	// после остановки канал отчётов закрыт и вычитан
	_, open := <-c.reports
	assert.False(t, open)
	for _, m := range prod.Messages() {
		assert.Equal(t, []byte("BTCUSDT"), m.Key)
	}
}
