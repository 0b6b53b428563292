package config

import (
	"testing"
	"time"

	apperr "github.com/LingByte/CareCall/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCallConfig_Valid(t *testing.T) {
	cfg := DefaultCallConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.ReconnectBudget)
	assert.Equal(t, time.Second, cfg.ReconnectBaseDelay)
	assert.Equal(t, 30*time.Second, cfg.NegotiationTimeout)
	assert.Equal(t, 8*time.Second, cfg.PreflightTimeout)
}

func TestCallConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CallConfig)
	}{
		{"zero preflight", func(c *CallConfig) { c.PreflightTimeout = 0 }},
		{"zero negotiation", func(c *CallConfig) { c.NegotiationTimeout = 0 }},
		{"negative budget", func(c *CallConfig) { c.ReconnectBudget = -1 }},
		{"max below base", func(c *CallConfig) { c.ReconnectMaxDelay = c.ReconnectBaseDelay / 2 }},
		{"heartbeat window", func(c *CallConfig) { c.HeartbeatTimeout = c.HeartbeatInterval }},
		{"loss ratio", func(c *CallConfig) { c.MaxPacketLoss = 1.5 }},
		{"breach samples", func(c *CallConfig) { c.QualityBreachSamples = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultCallConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, apperr.ErrCodeInvalidConfig, apperr.CodeOf(err))
		})
	}
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("MODE", "test")
	t.Setenv("ADDR", ":9000")
	t.Setenv("REDIS_ADDR", "127.0.0.1:6379")
	t.Setenv("CALL_RECONNECT_BUDGET", "5")
	t.Setenv("CALL_NEGOTIATION_TIMEOUT", "45s")
	t.Setenv("CALL_ICE_SERVERS", "stun:one:3478,turn:two:3478")

	require.NoError(t, Load())
	cfg := GlobalConfig
	assert.Equal(t, "test", cfg.Mode)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "127.0.0.1:6379", cfg.Redis.Addr)
	assert.Equal(t, 5, cfg.Call.ReconnectBudget)
	assert.Equal(t, 45*time.Second, cfg.Call.NegotiationTimeout)
	assert.Equal(t, []string{"stun:one:3478", "turn:two:3478"}, cfg.Call.ICEServers)
	assert.Equal(t, "sqlite", cfg.DB.Driver)
}

func TestLoad_RejectsInvalidCallConfig(t *testing.T) {
	t.Setenv("CALL_HEARTBEAT_INTERVAL", "10s")
	t.Setenv("CALL_HEARTBEAT_TIMEOUT", "5s")
	assert.Error(t, Load())
}
