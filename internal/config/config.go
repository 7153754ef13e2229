// Package config: настройки ticker-pipeline для обеих команд (collect, predict).
package config

import (
	"fmt"
	"time"

	"github.com/YaganovValera/ticker-pipeline/common/backoff"
	"github.com/YaganovValera/ticker-pipeline/common/configloader"
	"github.com/YaganovValera/ticker-pipeline/common/httpserver"
	"github.com/YaganovValera/ticker-pipeline/common/kafka/consumer"
	"github.com/YaganovValera/ticker-pipeline/common/kafka/producer"
	"github.com/YaganovValera/ticker-pipeline/common/logger"
	"github.com/YaganovValera/ticker-pipeline/common/redis"
	"github.com/YaganovValera/ticker-pipeline/common/telemetry"
	"github.com/YaganovValera/ticker-pipeline/internal/enrich"
	"github.com/YaganovValera/ticker-pipeline/internal/pipeline"
	"github.com/YaganovValera/ticker-pipeline/internal/schema"
	"github.com/YaganovValera/ticker-pipeline/internal/ticker"
)

// EnvPrefix задаёт префикс переменных окружения (TICKER_KAFKA_BROKERS и т.п.).
const EnvPrefix = "TICKER"

const (
	StoreFile  = "file"
	StoreRedis = "redis"
)

type Config struct {
	ServiceName    string            `mapstructure:"service_name"`
	ServiceVersion string            `mapstructure:"service_version"`
	Logging        logger.Config     `mapstructure:"logging"`
	Telemetry      telemetry.Config  `mapstructure:"telemetry"`
	HTTP           httpserver.Config `mapstructure:"http"`
	Kafka          KafkaConfig       `mapstructure:"kafka"`
	Registry       RegistryConfig    `mapstructure:"registry"`
	Ticker         ticker.Config     `mapstructure:"ticker"`
	Model          ModelConfig       `mapstructure:"model"`
	Redis          redis.Config      `mapstructure:"redis"`
	Pipeline       pipeline.Config   `mapstructure:"pipeline"`
}

// KafkaConfig: брокер, топики и параметры клиентов.
type KafkaConfig struct {
	Brokers           []string       `mapstructure:"brokers"`
	Version           string         `mapstructure:"version"`
	Topic             string         `mapstructure:"topic"`        // входной топик тикеров
	OutputTopic       string         `mapstructure:"output_topic"` // топик предсказаний
	GroupID           string         `mapstructure:"group_id"`
	InitialOffset     string         `mapstructure:"initial_offset"`
	BufferSize        int            `mapstructure:"buffer_size"`
	Partitions        int32          `mapstructure:"partitions"`
	ReplicationFactor int16          `mapstructure:"replication_factor"`
	RequiredAcks      string         `mapstructure:"required_acks"`
	Timeout           time.Duration  `mapstructure:"timeout"`
	Compression       string         `mapstructure:"compression"`
	MaxRetries        int            `mapstructure:"max_retries"`
	Backoff           backoff.Config `mapstructure:"backoff"`
}

// RegistryConfig: schema registry и режим кадрирования.
type RegistryConfig struct {
	URL         string         `mapstructure:"url"`
	Timeout     time.Duration  `mapstructure:"timeout"`
	Framing     string         `mapstructure:"framing"` // confluent | single-object
	Retry       backoff.Config `mapstructure:"retry"`
	NegativeTTL time.Duration  `mapstructure:"negative_ttl"`
}

// ModelConfig: стадия обогащения и хранилище артефактов.
type ModelConfig struct {
	Mode   string              `mapstructure:"mode"` // batch | online
	ID     string              `mapstructure:"id"`
	Store  string              `mapstructure:"store"` // file | redis
	Dir    string              `mapstructure:"dir"`
	Online enrich.OnlineConfig `mapstructure:"online"`
}

func init() {
	configloader.RegisterDefaults(map[string]interface{}{
		"service_name":    "ticker-pipeline",
		"service_version": "v1.0.0",

		"logging.level":    "info",
		"logging.dev_mode": false,

		"telemetry.enabled":       false,
		"telemetry.endpoint":      "otel-collector:4317",
		"telemetry.insecure":      true,
		"telemetry.timeout":       "5s",
		"telemetry.sampler_ratio": 1.0,

		"http.addr":             ":8080",
		"http.read_timeout":     "10s",
		"http.write_timeout":    "15s",
		"http.idle_timeout":     "60s",
		"http.shutdown_timeout": "5s",
		"http.ready_timeout":    "2s",
		"http.metrics_path":     "/metrics",
		"http.healthz_path":     "/healthz",
		"http.readyz_path":      "/readyz",

		"kafka.brokers":                  []string{"localhost:9092"},
		"kafka.version":                  "2.8.0",
		"kafka.topic":                    "BTCUSDT",
		"kafka.output_topic":             "BTCUSDT-predictions",
		"kafka.group_id":                 "ticker-predictor",
		"kafka.initial_offset":           "latest",
		"kafka.buffer_size":              100,
		"kafka.partitions":               2,
		"kafka.replication_factor":       3,
		"kafka.required_acks":            "all",
		"kafka.timeout":                  "15s",
		"kafka.compression":              "none",
		"kafka.max_retries":              3,
		"kafka.backoff.initial_interval": "1s",
		"kafka.backoff.max_interval":     "30s",
		"kafka.backoff.max_elapsed_time": "2m",

		"registry.url":                    "http://localhost:8081",
		"registry.timeout":                "10s",
		"registry.framing":                string(schema.Confluent),
		"registry.retry.initial_interval": "200ms",
		"registry.retry.max_interval":     "2s",
		"registry.retry.max_attempts":     3,
		"registry.negative_ttl":           "30s",

		"ticker.source":       ticker.SourceREST,
		"ticker.symbol":       "BTCUSDT",
		"ticker.interval":     "3s",
		"ticker.rest_url":     "https://api.binance.com",
		"ticker.ws_url":       "wss://stream.binance.com:9443/ws",
		"ticker.timeout":      "10s",
		"ticker.read_timeout": "30s",

		"model.mode":                 enrich.ModeOnline,
		"model.id":                   "sgd-btcusdt",
		"model.store":                StoreFile,
		"model.dir":                  "./models",
		"model.online.learning_rate": 0.01,
		"model.online.l2":            0.0,
		"model.online.clip":          1000.0,

		"redis.addr":         "localhost:6379",
		"redis.password":     "",
		"redis.db":           0,
		"redis.dial_timeout": "5s",

		"pipeline.queue_capacity":   100,
		"pipeline.poll_timeout":     "100ms",
		"pipeline.drain_timeout":    "30s",
		"pipeline.delivery_retries": 3,
	})
}

// Load собирает конфиг: defaults → файл → ENV (TICKER_*) → флаги.
func Load(src configloader.Source) (*Config, error) {
	if src.EnvPrefix == "" {
		src.EnvPrefix = EnvPrefix
	}
	src.Strict = true
	var cfg Config
	if err := configloader.LoadFrom(src, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет то, что нужно обеим командам.
func (c Config) Validate() error {
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka.brokers is required")
	}
	if c.Kafka.Topic == "" {
		return fmt.Errorf("config: kafka.topic is required")
	}
	if c.Kafka.OutputTopic == c.Kafka.Topic {
		return fmt.Errorf("config: kafka.output_topic must differ from kafka.topic")
	}
	if c.Kafka.Partitions <= 0 || c.Kafka.ReplicationFactor <= 0 {
		return fmt.Errorf("config: kafka.partitions and kafka.replication_factor must be positive")
	}
	if c.Registry.URL == "" {
		return fmt.Errorf("config: registry.url is required")
	}
	if _, err := schema.ParseFraming(c.Registry.Framing); err != nil {
		return fmt.Errorf("config: registry.framing: %w", err)
	}
	switch c.Model.Mode {
	case enrich.ModeOnline:
	case enrich.ModeBatch:
		if c.Model.ID == "" {
			return fmt.Errorf("config: model.id is required in batch mode")
		}
	default:
		return fmt.Errorf("config: model.mode must be %q or %q, got %q", enrich.ModeBatch, enrich.ModeOnline, c.Model.Mode)
	}
	switch c.Model.Store {
	case StoreFile:
		if c.Model.Dir == "" {
			return fmt.Errorf("config: model.dir is required for the file store")
		}
	case StoreRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("config: redis.addr is required for the redis store")
		}
	default:
		return fmt.Errorf("config: model.store must be %q or %q, got %q", StoreFile, StoreRedis, c.Model.Store)
	}
	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func (c Config) ProducerConfig() producer.Config {
	return producer.Config{
		Brokers:      c.Kafka.Brokers,
		Version:      c.Kafka.Version,
		RequiredAcks: c.Kafka.RequiredAcks,
		Timeout:      c.Kafka.Timeout,
		Compression:  c.Kafka.Compression,
		MaxRetries:   c.Kafka.MaxRetries,
		Backoff:      c.Kafka.Backoff,
	}
}

func (c Config) ConsumerConfig() consumer.Config {
	return consumer.Config{
		Brokers:       c.Kafka.Brokers,
		GroupID:       c.Kafka.GroupID,
		Topics:        []string{c.Kafka.Topic},
		Version:       c.Kafka.Version,
		InitialOffset: c.Kafka.InitialOffset,
		BufferSize:    c.Kafka.BufferSize,
		Backoff:       c.Kafka.Backoff,
	}
}

func (c Config) StageConfig() enrich.Config {
	return enrich.Config{Mode: c.Model.Mode, ModelID: c.Model.ID, Online: c.Model.Online}
}

func (c Config) ResolverConfig() schema.Config {
	return schema.Config{Framing: c.Registry.Framing, Retry: c.Registry.Retry, NegativeTTL: c.Registry.NegativeTTL}
}
