package config_test

import (
	"os"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisshield/telemetry-rules-engine/internal/config"
)

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
}

func chdirTemp(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoad_DefaultsAreValid(t *testing.T) {
	resetViper(t)
	chdirTemp(t)

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "telemetry-store", cfg.Store.MasterName)
	assert.Equal(t, int64(1000), cfg.Cycle.PeriodMS)
}

func TestLoad_RejectsInvalidEnvironment(t *testing.T) {
	resetViper(t)
	chdirTemp(t)
	t.Setenv("TELEMETRY_RULES_ENVIRONMENT", "nonsense")

	_, err := config.Load()
	require.Error(t, err)
}
