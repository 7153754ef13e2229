// common/redis/client.go
package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/YaganovValera/ticker-pipeline/common/backoff"
	"github.com/YaganovValera/ticker-pipeline/common/logger"
)

// New создаёт клиента и проверяет соединение PING'ом с ретраями.
func New(ctx context.Context, cfg Config, log *logger.Logger) (*goredis.Client, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log = log.Named("redis")

	cli := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	ping := func(ctx context.Context) error {
		return cli.Ping(ctx).Err()
	}
	if err := backoff.Execute(ctx, cfg.Backoff, log, ping); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
	}

	log.Info("redis connected", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))
	return cli, nil
}
