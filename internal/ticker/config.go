package ticker

import (
	"fmt"
	"strings"
	"time"

	"github.com/YaganovValera/ticker-pipeline/common/backoff"
)

const (
	SourceREST = "rest"
	SourceWS   = "ws"
)

// Config: источник 24h-тикера Binance (секция ticker).
type Config struct {
	Source      string         `mapstructure:"source"` // rest | ws
	Symbol      string         `mapstructure:"symbol"`
	Interval    time.Duration  `mapstructure:"interval"`
	RESTURL     string         `mapstructure:"rest_url"`
	WSURL       string         `mapstructure:"ws_url"`
	Timeout     time.Duration  `mapstructure:"timeout"`
	ReadTimeout time.Duration  `mapstructure:"read_timeout"`
	Backoff     backoff.Config `mapstructure:"backoff"`
}

func (c *Config) ApplyDefaults() {
	if c.Source == "" {
		c.Source = SourceREST
	}
	if c.Interval <= 0 {
		c.Interval = 3 * time.Second
	}
	if c.RESTURL == "" {
		c.RESTURL = "https://api.binance.com"
	}
	if c.WSURL == "" {
		c.WSURL = "wss://stream.binance.com:9443/ws"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	c.Symbol = strings.ToUpper(c.Symbol)
}

func (c Config) Validate() error {
	switch {
	case c.Symbol == "":
		return fmt.Errorf("ticker: symbol is required")
	case c.Source != SourceREST && c.Source != SourceWS:
		return fmt.Errorf("ticker: source must be %q or %q, got %q", SourceREST, SourceWS, c.Source)
	default:
		return nil
	}
}

// stream: имя WS-стрима, например btcusdt@ticker.
func (c Config) stream() string { return strings.ToLower(c.Symbol) + "@ticker" }
