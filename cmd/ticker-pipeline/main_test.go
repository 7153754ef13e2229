package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"collect", "predict"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}
}

func TestLoadConfig_FlagsOverrideDefaults(t *testing.T) {
	root := newRootCmd()
	cmd, _, err := root.Find([]string{"predict"})
	require.NoError(t, err)
	require.NoError(t, cmd.ParseFlags([]string{
		"--brokers", "k1:9092,k2:9092",
		"--registry", "http://registry:8081",
		"--topic", "ETHUSDT",
		"--output-topic", "ETHUSDT-predictions",
		"--group", "eth-predictor",
		"--framing", "single-object",
		"--model-mode", "batch",
	}))

	cfg, err := loadConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "http://registry:8081", cfg.Registry.URL)
	assert.Equal(t, "ETHUSDT", cfg.Kafka.Topic)
	assert.Equal(t, "ETHUSDT-predictions", cfg.Kafka.OutputTopic)
	assert.Equal(t, "eth-predictor", cfg.Kafka.GroupID)
	assert.Equal(t, "single-object", cfg.Registry.Framing)
	assert.Equal(t, "batch", cfg.Model.Mode)
}

func TestLoadConfig_InvalidFraming(t *testing.T) {
	root := newRootCmd()
	cmd, _, err := root.Find([]string{"collect"})
	require.NoError(t, err)
	require.NoError(t, cmd.ParseFlags([]string{"--framing", "xml"}))

	_, err = loadConfig(cmd)
	assert.ErrorContains(t, err, "registry.framing")
}

func TestLoadConfig_MissingFile(t *testing.T) {
	root := newRootCmd()
	cmd, _, err := root.Find([]string{"collect"})
	require.NoError(t, err)
	require.NoError(t, cmd.ParseFlags([]string{"--config", "/nonexistent/config.yaml"}))

	_, err = loadConfig(cmd)
	assert.Error(t, err)
}
