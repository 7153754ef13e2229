// common/kafka/admin/admin.go
package admin

import (
	"context"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/YaganovValera/ticker-pipeline/common/backoff"
	"github.com/YaganovValera/ticker-pipeline/common/logger"
)

// TopicSpec описывает создаваемый топик.
type TopicSpec struct {
	Name              string `mapstructure:"name"`
	Partitions        int32  `mapstructure:"partitions"`
	ReplicationFactor int16  `mapstructure:"replication_factor"`
}

func (s TopicSpec) validate() error {
	if s.Name == "" {
		return fmt.Errorf("kafka admin: topic name required")
	}
	if s.Partitions <= 0 {
		return fmt.Errorf("kafka admin: partitions must be > 0")
	}
	if s.ReplicationFactor <= 0 {
		return fmt.Errorf("kafka admin: replication factor must be > 0")
	}
	return nil
}

// topicCreator: подмножество sarama.ClusterAdmin, нужное EnsureTopic.
type topicCreator interface {
	CreateTopic(topic string, detail *sarama.TopicDetail, validateOnly bool) error
	Close() error
}

// EnsureTopic создаёт топик, если его ещё нет. «Уже существует»: не ошибка.
func EnsureTopic(ctx context.Context, brokers []string, version string, spec TopicSpec, bo backoff.Config, log *logger.Logger) error {
	if err := spec.validate(); err != nil {
		return err
	}
	v, err := sarama.ParseKafkaVersion(version)
	if err != nil {
		return fmt.Errorf("kafka admin: invalid Version %q: %w", version, err)
	}
	sc := sarama.NewConfig()
	sc.Version = v

	var adm sarama.ClusterAdmin
	connect := func(ctx context.Context) error {
		a, err := sarama.NewClusterAdmin(brokers, sc)
		if err != nil {
			return err
		}
		adm = a
		return nil
	}
	if err := backoff.Execute(ctx, bo, log, connect); err != nil {
		return fmt.Errorf("kafka admin: connect: %w", err)
	}
	defer adm.Close()

	return ensureTopic(adm, spec, log)
}

func ensureTopic(adm topicCreator, spec TopicSpec, log *logger.Logger) error {
	err := adm.CreateTopic(spec.Name, &sarama.TopicDetail{
		NumPartitions:     spec.Partitions,
		ReplicationFactor: spec.ReplicationFactor,
	}, false)

	var topicErr *sarama.TopicError
	switch {
	case err == nil:
		log.Info("topic created",
			zap.String("topic", spec.Name),
			zap.Int32("partitions", spec.Partitions),
			zap.Int16("replication_factor", spec.ReplicationFactor),
		)
		return nil
	case errors.As(err, &topicErr) && topicErr.Err == sarama.ErrTopicAlreadyExists,
		errors.Is(err, sarama.ErrTopicAlreadyExists):
		log.Info("topic already exists", zap.String("topic", spec.Name))
		return nil
	default:
		return fmt.Errorf("kafka admin: create topic %q: %w", spec.Name, err)
	}
}
