package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}"))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "wss://localhost:8090/stream", cfg.Stream.URL)
	assert.Equal(t, 1000, cfg.Stream.BackoffBaseMs)
	assert.Equal(t, 30000, cfg.Stream.BackoffMaxMs)
	assert.Equal(t, 5, cfg.Stream.MaxReconnectAttempts)
	assert.Equal(t, 30, cfg.Poll.IntervalSeconds)
	assert.Equal(t, 24, cfg.Sentiment.IdleTTLHours)
	assert.Empty(t, cfg.MetricsAddr)
}

func TestLoadSeedsFilters(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
logging:
  level: debug
metrics_addr: ":9102"
stream:
  url: wss://flow.example.com/stream
filters:
  - id: big-sweeps
    name: Big Sweeps
    enabled: true
    criteria:
      min_premium: 500000
      side: ask
      sweep_only: true
`))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, ":9102", cfg.MetricsAddr)
	assert.Equal(t, "wss://flow.example.com/stream", cfg.Stream.URL)

	require.Len(t, cfg.Filters, 1)
	f := cfg.Filters[0]
	assert.Equal(t, "big-sweeps", f.ID)
	assert.True(t, f.Enabled)
	require.NotNil(t, f.Criteria.MinPremium)
	assert.Equal(t, 500000.0, *f.Criteria.MinPremium)
	require.NotNil(t, f.Criteria.SweepOnly)
	assert.True(t, *f.Criteria.SweepOnly)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadCredentials(t *testing.T) {
	t.Setenv("FLOW_API_TOKEN", "tok-123")
	creds, err := LoadCredentials()
	require.NoError(t, err)
	assert.Equal(t, "tok-123", creds.APIToken)
}
