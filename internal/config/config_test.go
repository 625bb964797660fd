package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	// Stability defaults tuned for 30 fps detection output
	assert.Equal(t, 2*time.Second, cfg.Stability.Window)
	assert.Equal(t, 1*time.Second, cfg.Stability.WarmUp)
	assert.Equal(t, 40, cfg.Stability.MinSamples)
	assert.InDelta(t, 0.40, cfg.Stability.Threshold, 1e-9)

	assert.Equal(t, 10, cfg.Navigation.MarkerA)
	assert.Equal(t, 20, cfg.Navigation.MarkerB)
	assert.Equal(t, 30, cfg.Navigation.MarkerBase)
	assert.Zero(t, cfg.Navigation.ArrivalTimeout, "arrival wait is unbounded by default")
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "neighbot.yaml")
	data := []byte(`
log_level: debug
network:
  console_addr: ":19004"
stability:
  window: 3s
  threshold: 0.8
navigation:
  arrival_timeout: 45s
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":19004", cfg.Network.ConsoleAddr)
	assert.Equal(t, DefaultRobotFramesAddr, cfg.Network.RobotFramesAddr, "unset keys keep defaults")
	assert.Equal(t, 3*time.Second, cfg.Stability.Window)
	assert.InDelta(t, 0.8, cfg.Stability.Threshold, 1e-9)
	assert.Equal(t, 40, cfg.Stability.MinSamples)
	assert.Equal(t, 45*time.Second, cfg.Navigation.ArrivalTimeout)
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("ROBOT_COMMAND_ADDR", "10.0.0.5:9008")
	t.Setenv("DETECTOR_ADDR", "10.0.0.6:9002")
	t.Setenv("LOG_LEVEL", "warn")

	cfg := Default()
	cfg.ApplyEnv()

	assert.Equal(t, "10.0.0.5:9008", cfg.Network.RobotCommandAddr)
	assert.Equal(t, "10.0.0.6:9002", cfg.Network.DetectorAddr)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"missing console", func(c *Config) { c.Network.ConsoleAddr = "" }, "network.console_addr"},
		{"zero window", func(c *Config) { c.Stability.Window = 0 }, "stability.window"},
		{"threshold above one", func(c *Config) { c.Stability.Threshold = 1.5 }, "stability.threshold"},
		{"no samples", func(c *Config) { c.Stability.MinSamples = 0 }, "stability.min_samples"},
		{"short above long", func(c *Config) { c.Merge.ShortEviction = 5 * time.Second }, "merge.short_eviction"},
		{"negative timeout", func(c *Config) { c.Navigation.ArrivalTimeout = -time.Second }, "navigation.arrival_timeout"},
		{"bad codec", func(c *Config) { c.Recording.Codec = "H264X" }, "recording.codec"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)

			err := cfg.Validate()
			var cerr *Error
			require.True(t, errors.As(err, &cerr), "expected *config.Error, got %v", err)
			assert.Equal(t, tc.field, cerr.Field)
		})
	}
}
