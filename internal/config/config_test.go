package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bugscout.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "database:\n  url: sqlite::memory:\n"))
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.HTTPPort)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 5*time.Minute, cfg.Redis.APIKeyTTL)
	assert.Equal(t, 30, cfg.Retention.Days)
	assert.Equal(t, 4, cfg.Insights.RageClick.MinClicks)
	assert.Equal(t, int64(2000), cfg.Insights.RageClick.TimeWindowMs)
	assert.Equal(t, 4, cfg.Insights.RageClick.MediumClicks)
	assert.Equal(t, 8, cfg.Insights.RageClick.HighClicks)
	assert.Equal(t, int64(1000), cfg.Insights.DeadClick.ObservationWindowMs)
	assert.True(t, cfg.Insights.RageClick.Enabled)
	assert.True(t, cfg.Insights.DeadClick.Enabled)
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("BUGSCOUT_TEST_DATABASE_URL", "postgres://u:p@db:5432/bugscout")
	t.Setenv("BUGSCOUT_TEST_TOKEN", "s3cret")

	cfg, err := Load(writeConfig(t, `
database:
  url: ${BUGSCOUT_TEST_DATABASE_URL}
dashboard:
  auth_token: ${BUGSCOUT_TEST_TOKEN}
`))
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@db:5432/bugscout", cfg.Database.URL)
	assert.Equal(t, "s3cret", cfg.Dashboard.AuthToken)
}

func TestLoad_KeepsSingleEnabledDetector(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
insights:
  dead_click:
    enabled: true
    observation_window_ms: 1500
`))
	require.NoError(t, err)
	assert.False(t, cfg.Insights.RageClick.Enabled)
	assert.True(t, cfg.Insights.DeadClick.Enabled)
	assert.Equal(t, int64(1500), cfg.Insights.DeadClick.ObservationWindowMs)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoad_NonPositiveThresholdsUseDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
insights:
  rage_click:
    enabled: true
    min_clicks: -1
    time_window_ms: -5
    medium_clicks: 0
    high_clicks: -8
  dead_click:
    enabled: true
    observation_window_ms: -1000
`))
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Insights.RageClick.MinClicks)
	assert.Equal(t, int64(2000), cfg.Insights.RageClick.TimeWindowMs)
	assert.Equal(t, 4, cfg.Insights.RageClick.MediumClicks)
	assert.Equal(t, 8, cfg.Insights.RageClick.HighClicks)
	assert.Equal(t, int64(1000), cfg.Insights.DeadClick.ObservationWindowMs)
}
