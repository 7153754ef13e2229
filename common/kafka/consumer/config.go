// common/kafka/consumer/config.go
package consumer

import (
	"fmt"
	"strings"

	"github.com/IBM/sarama"

	"github.com/YaganovValera/ticker-pipeline/common/backoff"
)

// Config содержит параметры для Kafka ConsumerGroup.
//
// Brokers      : адреса брокеров.
// GroupID      : идентификатор consumer group.
// Topics       : читаемые топики.
// Version      : строка версии Kafka (например, "2.8.0").
// InitialOffset: "latest" (дефолт) | "oldest", если у группы нет коммита.
// BufferSize   : ёмкость канала между claim-циклом и Poll.
// Backoff      : стратегия ретраев при подключении и сбоях сессий.
type Config struct {
	Brokers       []string       `mapstructure:"brokers"`
	GroupID       string         `mapstructure:"group_id"`
	Topics        []string       `mapstructure:"topics"`
	Version       string         `mapstructure:"version"`
	InitialOffset string         `mapstructure:"initial_offset"`
	BufferSize    int            `mapstructure:"buffer_size"`
	Backoff       backoff.Config `mapstructure:"backoff"`
}

func (c *Config) ApplyDefaults() {
	if c.Version == "" {
		c.Version = "2.8.0"
	}
	if c.InitialOffset == "" {
		c.InitialOffset = "latest"
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 100
	}
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka consumer: brokers required")
	}
	if c.GroupID == "" {
		return fmt.Errorf("kafka consumer: GroupID required")
	}
	if len(c.Topics) == 0 {
		return fmt.Errorf("kafka consumer: topics required")
	}
	if c.Version == "" {
		return fmt.Errorf("kafka consumer: Version required")
	}
	if _, err := initialOffset(c.InitialOffset); err != nil {
		return err
	}
	return nil
}

func initialOffset(s string) (int64, error) {
	switch strings.ToLower(s) {
	case "latest", "newest", "":
		return sarama.OffsetNewest, nil
	case "oldest", "earliest":
		return sarama.OffsetOldest, nil
	default:
		return 0, fmt.Errorf("kafka consumer: invalid InitialOffset %q", s)
	}
}

func buildSaramaConfig(c Config) (*sarama.Config, error) {
	version, err := sarama.ParseKafkaVersion(c.Version)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: invalid Version %q: %w", c.Version, err)
	}
	offset, err := initialOffset(c.InitialOffset)
	if err != nil {
		return nil, err
	}
	sc := sarama.NewConfig()
	sc.Version = version
	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.Initial = offset
	// Коммитим только то, что помечено через Ack.
	sc.Consumer.Offsets.AutoCommit.Enable = true
	return sc, nil
}
