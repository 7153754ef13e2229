// common/redis/config.go
package redis

import (
	"fmt"
	"time"

	"github.com/YaganovValera/ticker-pipeline/common/backoff"
)

type Config struct {
	Addr        string         `mapstructure:"addr"`
	Password    string         `mapstructure:"password"`
	DB          int            `mapstructure:"db"`
	DialTimeout time.Duration  `mapstructure:"dial_timeout"`
	Backoff     backoff.Config `mapstructure:"backoff"`
}

func (c *Config) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
}

func (c Config) validate() error {
	if c.Addr == "" {
		return fmt.Errorf("redis: addr is required")
	}
	if c.DB < 0 {
		return fmt.Errorf("redis: db must be >= 0")
	}
	return nil
}
