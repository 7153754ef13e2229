// cmd/ticker-pipeline/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/YaganovValera/ticker-pipeline/common/configloader"
	"github.com/YaganovValera/ticker-pipeline/common/logger"
	"github.com/YaganovValera/ticker-pipeline/internal/app"
	"github.com/YaganovValera/ticker-pipeline/internal/config"
)

// flagKeys: флаг CLI → ключ конфига.
var flagKeys = map[string]string{
	"kafka.brokers":      "brokers",
	"registry.url":       "registry",
	"kafka.topic":        "topic",
	"kafka.output_topic": "output-topic",
	"kafka.group_id":     "group",
	"registry.framing":   "framing",
	"model.mode":         "model-mode",
}

type runFunc func(ctx context.Context, cfg *config.Config, log *logger.Logger) error

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ticker-pipeline",
		Short:         "Binance ticker collector and streaming price predictor",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "path to config file (yaml)")
	pf.Bool("print-config", false, "print the resolved config and continue")
	pf.StringSlice("brokers", nil, "kafka bootstrap brokers")
	pf.String("registry", "", "schema registry url")
	pf.String("topic", "", "ticker topic")
	pf.String("output-topic", "", "prediction topic")
	pf.String("group", "", "consumer group id")
	pf.String("framing", "", "schema framing: confluent | single-object")
	pf.String("model-mode", "", "enrichment model: batch | online")

	root.AddCommand(
		serviceCmd("collect", "Poll the Binance ticker and publish it to Kafka", app.RunCollector),
		serviceCmd("predict", "Consume tickers, predict lastPrice and publish the result", app.RunPredictor),
	)
	return root
}

func serviceCmd(use, short string, run runFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				fmt.Fprintf(os.Stderr, "config error: %v\n", err)
				return err
			}

			log, err := logger.New(cfg.Logging)
			if err != nil {
				fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
				return err
			}
			defer log.Sync()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			log.Info("starting service",
				zap.String("command", use),
				zap.String("service.name", cfg.ServiceName),
				zap.String("service.version", cfg.ServiceVersion),
			)
			if err := run(ctx, cfg, log); err != nil {
				log.Error("application exited with error", zap.Error(err))
				return err
			}
			log.Info("shutdown complete")
			return nil
		},
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()
	path, err := flags.GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(configloader.Source{
		Path:     path,
		Flags:    flags,
		FlagKeys: flagKeys,
	})
	if err != nil {
		return nil, err
	}
	if p, _ := flags.GetBool("print-config"); p {
		if err := configloader.PrintConfig(os.Stderr, cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
