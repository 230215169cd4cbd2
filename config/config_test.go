package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	return &Config{
		HeartbeatInterval:   30 * time.Second,
		ExpiryWindow:        60 * time.Second,
		SweepPeriod:         15 * time.Second,
		HardTTLCeiling:      300 * time.Second,
		BroadcastRetryLimit: 5,
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"Defaults are valid", func(c *Config) {}, false},
		{"Expiry window equals heartbeat interval", func(c *Config) {
			c.ExpiryWindow = c.HeartbeatInterval
		}, true},
		{"Expiry window below heartbeat interval", func(c *Config) {
			c.ExpiryWindow = 10 * time.Second
		}, true},
		{"Sweep period not shorter than expiry window", func(c *Config) {
			c.SweepPeriod = c.ExpiryWindow
		}, true},
		{"Zero sweep period", func(c *Config) {
			c.SweepPeriod = 0
		}, true},
		{"Hard ceiling below expiry window", func(c *Config) {
			c.HardTTLCeiling = 30 * time.Second
		}, true},
		{"Hard ceiling equals expiry window", func(c *Config) {
			c.HardTTLCeiling = c.ExpiryWindow
		}, false},
		{"Negative retry limit", func(c *Config) {
			c.BroadcastRetryLimit = -1
		}, true},
		{"Zero heartbeat interval", func(c *Config) {
			c.HeartbeatInterval = 0
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := LoadConfig()

	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 60*time.Second, cfg.ExpiryWindow)
	assert.Equal(t, 15*time.Second, cfg.SweepPeriod)
	assert.Equal(t, 300*time.Second, cfg.HardTTLCeiling)
	assert.Equal(t, "presence:events", cfg.BroadcastChannel)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_UnparseableDurationFallsBack(t *testing.T) {
	t.Setenv("EXPIRY_WINDOW", "sixty seconds")
	t.Setenv("SWEEP_PERIOD", "20s")

	cfg := LoadConfig()

	assert.Equal(t, 60*time.Second, cfg.ExpiryWindow)
	assert.Equal(t, 20*time.Second, cfg.SweepPeriod)
	assert.NoError(t, cfg.Validate())
}
