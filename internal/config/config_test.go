package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, yaml string) string {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "whaletrace-config-*.yaml")
	require.NoError(t, err)
	t.Cleanup(func() { os.Remove(tmpFile.Name()) })

	_, err = tmpFile.WriteString(yaml)
	require.NoError(t, err)
	tmpFile.Close()
	return tmpFile.Name()
}

func TestLoadConfig(t *testing.T) {
	yaml := `
general:
  instance_id: "test-node"
  environment: "development"
  log_level: "debug"

ledger:
  api_key: "secret"
  rate_limit_rps: 5

discovery:
  max_depth: 3
  max_wallets: 500

store:
  backend: "postgres"
  dsn: "postgres://localhost:5432/whaletrace_test"

subscription:
  callback_url: "https://example.com/hooks/activity"
`
	cfg, err := Load(writeTempConfig(t, yaml))
	require.NoError(t, err)

	assert.Equal(t, "test-node", cfg.General.InstanceID)
	assert.Equal(t, "development", cfg.General.Environment)
	assert.Equal(t, "secret", cfg.Ledger.APIKey)
	assert.Equal(t, 5.0, cfg.Ledger.RateLimitRPS)
	assert.Equal(t, 3, cfg.Discovery.MaxDepth)
	assert.Equal(t, 500, cfg.Discovery.MaxWallets)
	assert.Equal(t, "postgres", cfg.Store.Backend)
	assert.Equal(t, "https://example.com/hooks/activity", cfg.Subscription.CallbackURL)
}

func TestLoadConfigDefaults(t *testing.T) {
	yaml := `
general:
  log_level: "debug"
`
	cfg, err := Load(writeTempConfig(t, yaml))
	require.NoError(t, err)

	assert.Equal(t, "whaletrace-1", cfg.General.InstanceID)
	assert.Equal(t, "debug", cfg.General.LogLevel)
	assert.Equal(t, "https://api.helius.xyz", cfg.Ledger.APIBase)
	assert.Equal(t, 5, cfg.Discovery.MaxDepth)
	assert.Equal(t, 0.001, cfg.Discovery.DustThresholdSOL)
	assert.Equal(t, 500, cfg.Bundle.WindowMs)
	assert.Equal(t, 3, cfg.Bundle.MinSize)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, 300, cfg.Manager.MonitorIntervalS)
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
}

func TestLoadConfigEnvExpansion(t *testing.T) {
	os.Setenv("TEST_WHALETRACE_KEY", "env-api-key")
	defer os.Unsetenv("TEST_WHALETRACE_KEY")

	yaml := `
ledger:
  api_key: "${TEST_WHALETRACE_KEY}"
`
	cfg, err := Load(writeTempConfig(t, yaml))
	require.NoError(t, err)

	assert.Equal(t, "env-api-key", cfg.Ledger.APIKey)
}

func TestLoadConfigValidation(t *testing.T) {
	t.Run("unknown backend", func(t *testing.T) {
		_, err := Load(writeTempConfig(t, "store:\n  backend: \"redis\"\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "store backend")
	})

	t.Run("postgres without dsn", func(t *testing.T) {
		_, err := Load(writeTempConfig(t, "store:\n  backend: \"postgres\"\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "dsn")
	})

	t.Run("dust above mintable", func(t *testing.T) {
		yaml := `
classify:
  dust_balance_sol: 0.1
  mintable_balance_sol: 0.05
`
		_, err := Load(writeTempConfig(t, yaml))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "dust_balance_sol")
	})
}
