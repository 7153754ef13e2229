package pipeline

import (
	"fmt"
	"time"
)

// Config: параметры конвейера (секция pipeline в конфиге).
type Config struct {
	QueueCapacity   int           `mapstructure:"queue_capacity"`
	PollTimeout     time.Duration `mapstructure:"poll_timeout"`
	DrainTimeout    time.Duration `mapstructure:"drain_timeout"`
	DeliveryRetries int           `mapstructure:"delivery_retries"`
}

func (c *Config) ApplyDefaults() {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 100
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 100 * time.Millisecond
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
}

func (c Config) Validate() error {
	if c.DeliveryRetries < 0 {
		return fmt.Errorf("pipeline: delivery_retries must be >= 0, got %d", c.DeliveryRetries)
	}
	return nil
}
