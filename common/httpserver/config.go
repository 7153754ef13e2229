// common/httpserver/config.go

package httpserver

import (
	"fmt"
	"strings"
	"time"
)

// Config описывает служебный HTTP-сервер с метриками и пробами.
type Config struct {
	Addr            string        `mapstructure:"addr"` // например ":8080"
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	ReadyTimeout    time.Duration `mapstructure:"ready_timeout"` // бюджет одной проверки готовности
	MetricsPath     string        `mapstructure:"metrics_path"`
	HealthzPath     string        `mapstructure:"healthz_path"`
	ReadyzPath      string        `mapstructure:"readyz_path"`
}

func (c *Config) applyDefaults() {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 15 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 2 * time.Second
	}
	if c.MetricsPath == "" {
		c.MetricsPath = "/metrics"
	}
	if c.HealthzPath == "" {
		c.HealthzPath = "/healthz"
	}
	if c.ReadyzPath == "" {
		c.ReadyzPath = "/readyz"
	}
}

func (c Config) validate() error {
	if c.Addr == "" {
		return fmt.Errorf("httpserver: addr is required")
	}
	paths := map[string]string{}
	for name, p := range map[string]string{"metrics_path": c.MetricsPath, "healthz_path": c.HealthzPath, "readyz_path": c.ReadyzPath} {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("httpserver: %s %q must start with /", name, p)
		}
		if other, dup := paths[p]; dup {
			return fmt.Errorf("httpserver: %s and %s share path %q", name, other, p)
		}
		paths[p] = name
	}
	return nil
}
