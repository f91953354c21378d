package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "http://localhost:3000", cfg.Server.Origin)
	assert.Equal(t, 30*time.Second, cfg.Polling.AutoRefreshInterval.Duration)
	assert.Equal(t, time.Second, cfg.OAuth.ClosedCheckInterval.Duration)
	assert.Zero(t, cfg.OAuth.PopupTimeout.Duration)
	assert.Equal(t, 600, cfg.OAuth.PopupWidth)
	assert.Equal(t, 700, cfg.OAuth.PopupHeight)
	assert.Equal(t, "http://127.0.0.1:8000/api/v1", cfg.APIBaseURL())
	assert.Equal(t, "bolt", cfg.Storage.Driver)
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[server]
port = 4100
origin = "http://invox.local:4100/"

[backend]
base_url = "https://api.invox.test/"
timeout = "5s"

[polling]
auto_refresh_interval = "45s"

[oauth]
popup_timeout = "10m"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 4100, cfg.Server.Port)
	assert.Equal(t, "http://invox.local:4100", cfg.Server.Origin)
	assert.Equal(t, "https://api.invox.test", cfg.Backend.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.Backend.Timeout.Duration)
	assert.Equal(t, 45*time.Second, cfg.Polling.AutoRefreshInterval.Duration)
	assert.Equal(t, 10*time.Minute, cfg.OAuth.PopupTimeout.Duration)
	// untouched sections keep their defaults
	assert.Equal(t, 6, cfg.Polling.PollNowPerMinute)
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[polling]\nauto_refresh_interval = \"0s\"\n"), 0o600))

	_, err := LoadConfig(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("[ssl]\nenabled = true\n"), 0o600))
	_, err = LoadConfig(path)
	assert.ErrorContains(t, err, "certificate")
}
