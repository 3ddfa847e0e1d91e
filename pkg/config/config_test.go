package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func resetViper() {
	viper.Reset()
}

func TestRegisterDefaultsAndLoad(t *testing.T) {
	resetViper()
	RegisterDefaults()

	cfg := Load()

	assert.Equal(t, RuntimeModeAuto, cfg.RuntimeMode)
	assert.True(t, cfg.RuntimeFailover)
	assert.Equal(t, "openclaw", cfg.RuntimeHostTool)
	assert.Equal(t, 65*time.Second, cfg.RuntimeTimeout)
	assert.Equal(t, 8, cfg.MinTurns)
	assert.Equal(t, 30, cfg.MaxTurnsOutbound)
	assert.Equal(t, 60*time.Second, cfg.IdleTimeout)
	assert.Equal(t, 300*time.Second, cfg.MaxDuration)
	assert.Equal(t, 10*time.Second, cfg.CheckInterval)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestEnvOverride(t *testing.T) {
	resetViper()
	RegisterDefaults()

	t.Setenv("A2ARELAY_RUNTIME_MODE", "direct")
	t.Setenv("A2ARELAY_LOG_LEVEL", "debug")

	cfg := Load()

	assert.Equal(t, RuntimeModeDirect, cfg.RuntimeMode)
	assert.Equal(t, "debug", cfg.LogLevel)
}
