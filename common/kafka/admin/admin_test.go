package admin

import (
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/ticker-pipeline/common/logger"
)

type fakeAdmin struct {
	err    error
	detail *sarama.TopicDetail
	topic  string
}

func (f *fakeAdmin) CreateTopic(topic string, d *sarama.TopicDetail, _ bool) error {
	f.topic, f.detail = topic, d
	return f.err
}
func (f *fakeAdmin) Close() error { return nil }

func TestEnsureTopic(t *testing.T) {
	spec := TopicSpec{Name: "ticker", Partitions: 2, ReplicationFactor: 3}

	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{"created", nil, false},
		{"already exists", &sarama.TopicError{Err: sarama.ErrTopicAlreadyExists}, false},
		{"invalid replication", &sarama.TopicError{Err: sarama.ErrInvalidReplicationFactor}, true},
		{"network", errors.New("dial tcp: refused"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeAdmin{err: tt.err}
			err := ensureTopic(f, spec, logger.NewNop())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			require.NotNil(t, f.detail)
			assert.Equal(t, "ticker", f.topic)
			assert.Equal(t, int32(2), f.detail.NumPartitions)
			assert.Equal(t, int16(3), f.detail.ReplicationFactor)
		})
	}
}

func TestTopicSpecValidate(t *testing.T) {
	assert.Error(t, TopicSpec{}.validate())
	assert.Error(t, TopicSpec{Name: "t", Partitions: 0, ReplicationFactor: 1}.validate())
	assert.Error(t, TopicSpec{Name: "t", Partitions: 1}.validate())
	assert.NoError(t, TopicSpec{Name: "t", Partitions: 1, ReplicationFactor: 1}.validate())
}
