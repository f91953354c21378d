package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that decodes from TOML strings such as "30s"
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type ServerConfig struct {
	Port     int    `toml:"port"`
	Origin   string `toml:"origin"`    // Public origin of the dashboard, e.g. http://localhost:3000
	LogLevel string `toml:"log_level"` // debug, info, warn, error
}

type BackendConfig struct {
	BaseURL string   `toml:"base_url"`
	Timeout Duration `toml:"timeout"`
}

type PollingConfig struct {
	AutoRefreshInterval Duration `toml:"auto_refresh_interval"`
	AutoRefreshOnStart  bool     `toml:"auto_refresh_on_start"`
	PageSize            int      `toml:"page_size"`
	PollNowPerMinute    int      `toml:"poll_now_per_minute"` // manual poll-now budget
}

type OAuthConfig struct {
	PopupWidth          int      `toml:"popup_width"`
	PopupHeight         int      `toml:"popup_height"`
	ClosedCheckInterval Duration `toml:"closed_check_interval"`
	PopupTimeout        Duration `toml:"popup_timeout"` // zero disables the timeout
	StateTTL            Duration `toml:"state_ttl"`
}

type StorageConfig struct {
	Driver        string `toml:"driver"` // bolt, file or memory
	Dir           string `toml:"dir"`
	EncryptionKey string `toml:"encryption_key"` // optional; seals the credential file when set
}

type UIConfig struct {
	ConfidenceThreshold float64 `toml:"confidence_threshold"`
	MaxUploadBytes      int64   `toml:"max_upload_bytes"`
	RequestsPerMinute   int     `toml:"requests_per_minute"`
}

type SSLConfig struct {
	Enabled  bool   `toml:"enabled"`
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
}

type Config struct {
	Server  ServerConfig  `toml:"server"`
	Backend BackendConfig `toml:"backend"`
	Polling PollingConfig `toml:"polling"`
	OAuth   OAuthConfig   `toml:"oauth"`
	Storage StorageConfig `toml:"storage"`
	UI      UIConfig      `toml:"ui"`
	SSL     SSLConfig     `toml:"ssl"`
}

// Default returns the configuration used when no file overrides a value
func Default() *Config {
	var c Config

	c.Server.Port = 3000
	c.Server.LogLevel = "info"

	c.Backend.BaseURL = "http://127.0.0.1:8000"
	c.Backend.Timeout = Duration{30 * time.Second}

	c.Polling.AutoRefreshInterval = Duration{30 * time.Second}
	c.Polling.PageSize = 10
	c.Polling.PollNowPerMinute = 6

	c.OAuth.PopupWidth = 600
	c.OAuth.PopupHeight = 700
	c.OAuth.ClosedCheckInterval = Duration{time.Second}
	c.OAuth.StateTTL = Duration{15 * time.Minute}

	c.Storage.Driver = "bolt"
	c.Storage.Dir = "./data"

	c.UI.ConfidenceThreshold = 0.87
	c.UI.MaxUploadBytes = 10 * 1024 * 1024
	c.UI.RequestsPerMinute = 100

	return &c
}

// LoadConfig reads filepath over the defaults. A missing file is not an error.
func LoadConfig(filepath string) (*Config, error) {
	config := Default()

	if _, err := toml.DecodeFile(filepath, config); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to decode %s: %w", filepath, err)
	}

	if config.Server.Origin == "" {
		scheme := "http"
		if config.SSL.Enabled {
			scheme = "https"
		}
		config.Server.Origin = fmt.Sprintf("%s://localhost:%d", scheme, config.Server.Port)
	}
	config.Server.Origin = strings.TrimRight(config.Server.Origin, "/")
	config.Backend.BaseURL = strings.TrimRight(config.Backend.BaseURL, "/")

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks values that would otherwise fail at first use
func (c *Config) Validate() error {
	if _, err := url.ParseRequestURI(c.Backend.BaseURL); err != nil {
		return fmt.Errorf("backend.base_url: %w", err)
	}
	origin, err := url.Parse(c.Server.Origin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return fmt.Errorf("server.origin must be an absolute URL, got %q", c.Server.Origin)
	}
	if c.Polling.AutoRefreshInterval.Duration <= 0 {
		return fmt.Errorf("polling.auto_refresh_interval must be positive")
	}
	if c.OAuth.ClosedCheckInterval.Duration <= 0 {
		return fmt.Errorf("oauth.closed_check_interval must be positive")
	}
	if c.OAuth.PopupTimeout.Duration < 0 {
		return fmt.Errorf("oauth.popup_timeout must not be negative")
	}
	switch c.Storage.Driver {
	case "bolt", "file", "memory":
	default:
		return fmt.Errorf("storage.driver must be bolt, file or memory, got %q", c.Storage.Driver)
	}
	if c.UI.ConfidenceThreshold < 0 || c.UI.ConfidenceThreshold > 1 {
		return fmt.Errorf("ui.confidence_threshold must be within 0..1")
	}
	return c.ValidateSSL()
}

// ValidateSSL checks if the SSL configuration is valid
func (c *Config) ValidateSSL() error {
	if !c.SSL.Enabled {
		return nil
	}
	if c.SSL.CertFile == "" {
		return fmt.Errorf("SSL certificate file path is required")
	}
	if c.SSL.KeyFile == "" {
		return fmt.Errorf("SSL key file path is required")
	}
	if _, err := tls.LoadX509KeyPair(c.SSL.CertFile, c.SSL.KeyFile); err != nil {
		return fmt.Errorf("failed to load SSL certificates: %w", err)
	}
	return nil
}

// APIBaseURL is the versioned REST root of the backend
func (c *Config) APIBaseURL() string {
	return c.Backend.BaseURL + "/api/v1"
}

// GoogleSignInURL is where the sign-in page sends the user
func (c *Config) GoogleSignInURL() string {
	return c.APIBaseURL() + "/auth/google"
}
