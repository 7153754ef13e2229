package consumer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	commonkafka "github.com/YaganovValera/ticker-pipeline/common/kafka"
	"github.com/YaganovValera/ticker-pipeline/common/logger"
)

// --- fakes ---------------------------------------------------------------

type fakeSession struct {
	ctx context.Context

	mu     sync.Mutex
	marked map[int32]int64
}

func (s *fakeSession) Claims() map[string][]int32 { return map[string][]int32{"ticker": {0}} }
func (s *fakeSession) MemberID() string           { return "member-1" }
func (s *fakeSession) GenerationID() int32        { return 1 }
func (s *fakeSession) MarkOffset(_ string, p int32, off int64, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked[p] = off
}
func (s *fakeSession) Commit()                                          {}
func (s *fakeSession) ResetOffset(string, int32, int64, string)         {}
func (s *fakeSession) MarkMessage(m *sarama.ConsumerMessage, md string) { s.MarkOffset(m.Topic, m.Partition, m.Offset+1, md) }
func (s *fakeSession) Context() context.Context                         { return s.ctx }
func (s *fakeSession) markedOffset(p int32) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.marked[p]
}

type fakeClaim struct{ ch chan *sarama.ConsumerMessage }

func (c *fakeClaim) Topic() string                            { return "ticker" }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return int64(cap(c.ch)) }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.ch }

type fakeGroup struct {
	claim   *fakeClaim
	errs    chan error
	started chan *fakeSession
}

func newFakeGroup(n int) *fakeGroup {
	ch := make(chan *sarama.ConsumerMessage, n)
	for i := 0; i < n; i++ {
		ch <- &sarama.ConsumerMessage{
			Topic: "ticker", Partition: 0, Offset: int64(i),
			Key: []byte("BTCUSDT"), Value: []byte{byte(i)},
		}
	}
	return &fakeGroup{
		claim:   &fakeClaim{ch: ch},
		errs:    make(chan error),
		started: make(chan *fakeSession, 1),
	}
}

func (g *fakeGroup) Consume(ctx context.Context, _ []string, h sarama.ConsumerGroupHandler) error {
	sess := &fakeSession{ctx: ctx, marked: map[int32]int64{}}
	if err := h.Setup(sess); err != nil {
		return err
	}
	g.started <- sess
	_ = h.ConsumeClaim(sess, g.claim)
	return h.Cleanup(sess)
}
func (g *fakeGroup) Errors() <-chan error      { return g.errs }
func (g *fakeGroup) Close() error              { close(g.errs); return nil }
func (g *fakeGroup) Pause(map[string][]int32)  {}
func (g *fakeGroup) Resume(map[string][]int32) {}
func (g *fakeGroup) PauseAll()                 {}
func (g *fakeGroup) ResumeAll()                {}

func newTestConsumer(t *testing.T, g *fakeGroup, buffer int) *kafkaConsumerGroup {
	t.Helper()
	cfg := Config{Topics: []string{"ticker"}, BufferSize: buffer}
	kc := newFromGroup(g, cfg, logger.NewNop())
	t.Cleanup(func() { _ = kc.Close() })
	return kc
}

// --- tests ---------------------------------------------------------------

func TestPoll_DeliversInOrderThenTimesOut(t *testing.T) {
	kc := newTestConsumer(t, newFakeGroup(3), 10)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		m, err := kc.Poll(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, m)
		assert.Equal(t, int64(i), m.Offset)
		assert.Equal(t, "BTCUSDT", string(m.Key))
	}

	m, err := kc.Poll(ctx, 20*time.Millisecond)
	assert.NoError(t, err)
	assert.Nil(t, m)
}

func TestPoll_CancelledContext(t *testing.T) {
	kc := newTestConsumer(t, newFakeGroup(0), 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	m, err := kc.Poll(ctx, 5*time.Second)
	assert.Nil(t, m)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAck_MarksNextOffset(t *testing.T) {
	g := newFakeGroup(2)
	kc := newTestConsumer(t, g, 10)
	sess := <-g.started

	m, err := kc.Poll(context.Background(), time.Second)
	require.NoError(t, err)
	require.NoError(t, kc.Ack(m))
	assert.Equal(t, int64(1), sess.markedOffset(0))

	m, err = kc.Poll(context.Background(), time.Second)
	require.NoError(t, err)
	require.NoError(t, kc.Ack(m))
	assert.Equal(t, int64(2), sess.markedOffset(0))

	assert.NoError(t, kc.Ack(nil))
}

func TestClaimLoop_BlocksWhenBufferFull(t *testing.T) {
	g := newFakeGroup(5)
	kc := newTestConsumer(t, g, 1)

	// 1 сообщение в буфере, 1 «в руках» claim-цикла, остальные не прочитаны.
	assert.Eventually(t, func() bool { return len(g.claim.ch) == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, len(g.claim.ch))

	_, err := kc.Poll(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return len(g.claim.ch) == 2 }, time.Second, 5*time.Millisecond)
}

func TestClose_PollReturnsErrClosed(t *testing.T) {
	kc := newTestConsumer(t, newFakeGroup(0), 1)
	require.NoError(t, kc.Close())
	require.NoError(t, kc.Close())

	_, err := kc.Poll(context.Background(), time.Second)
	assert.ErrorIs(t, err, commonkafka.ErrClosed)
}

func TestConfig_Validate(t *testing.T) {
	base := Config{Brokers: []string{"b:9092"}, GroupID: "g", Topics: []string{"t"}}
	base.ApplyDefaults()

	cases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"ok", func(c *Config) {}, false},
		{"no brokers", func(c *Config) { c.Brokers = nil }, true},
		{"no group", func(c *Config) { c.GroupID = "" }, true},
		{"no topics", func(c *Config) { c.Topics = nil }, true},
		{"bad offset", func(c *Config) { c.InitialOffset = "middle" }, true},
		{"oldest", func(c *Config) { c.InitialOffset = "oldest" }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := base
			tc.mutate(&c)
			err := c.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBuildSaramaConfig(t *testing.T) {
	c := Config{InitialOffset: "oldest"}
	c.ApplyDefaults()
	sc, err := buildSaramaConfig(c)
	require.NoError(t, err)
	assert.Equal(t, sarama.OffsetOldest, sc.Consumer.Offsets.Initial)
	assert.True(t, sc.Consumer.Return.Errors)

	c.Version = "not-a-version"
	_, err = buildSaramaConfig(c)
	assert.Error(t, err)
}
