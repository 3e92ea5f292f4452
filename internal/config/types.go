package config

import (
	"fmt"
	"net/url"
	"strings"
)

type Config struct {
	Server   ServerConfig   `json:"server"`
	Upstream UpstreamConfig `json:"upstream"`
	Storage  StorageConfig  `json:"storage"`
	Logging  LoggingConfig  `json:"logging"`

	// Notify tunes event intake; zero values fall back to runtime defaults.
	Notify NotifyConfig `json:"notify,omitempty"`

	// Telegram enables the optional completion sink. Omitted means disabled.
	Telegram *TelegramConfig `json:"telegram,omitempty"`

	// Retention overrides the nightly prune schedule.
	Retention RetentionConfig `json:"retention,omitempty"`
}

// ServerConfig controls the HTTP/WebSocket front.
//
// All timeouts are Go duration strings (e.g. "500ms", "10s", "1m").
type ServerConfig struct {
	Addr string `json:"addr"` // default: "127.0.0.1:8189"

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// UpstreamConfig points at the generation backend that emits completion
// events and serves artifact files.
type UpstreamConfig struct {
	// URL is the backend's HTTP base, e.g. "http://127.0.0.1:8188".
	// The event socket and the /view file endpoint derive from it.
	URL string `json:"url"`

	// ClientID identifies this daemon on the event socket. Defaults to
	// a generated value when empty.
	ClientID string `json:"client_id,omitempty"`

	// PollInterval drives the history-polling fallback used while the
	// socket is down. "0s" disables polling.
	PollInterval string `json:"poll_interval,omitempty"` // default: "5s"

	// ReconnectMax caps the socket reconnect backoff.
	ReconnectMax string `json:"reconnect_max,omitempty"` // default: "30s"
}

// StorageConfig locates the on-disk state.
type StorageConfig struct {
	// Path is the SQLite history database. Default: "./previewd.db".
	Path string `json:"path,omitempty"`

	// SettingsPath is the JSON file holding the user settings record.
	// Default: "<dir of Path>/settings.json".
	SettingsPath string `json:"settings_path,omitempty"`

	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// NotifyConfig tunes the notification pipeline.
type NotifyConfig struct {
	// RatePerSec bounds raw event intake. <=0 means the runtime default.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// TelegramConfig controls the optional Telegram completion sink.
type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	ChatID  int64  `json:"chat_id"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
}

// RetentionConfig overrides history pruning.
type RetentionConfig struct {
	// Schedule is a cron spec; empty keeps the built-in nightly run.
	Schedule string `json:"schedule,omitempty"`
}

// ApplyDefaults fills zero-valued fields in place.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Server.Addr) == "" {
		c.Server.Addr = "127.0.0.1:8189"
	}
	if strings.TrimSpace(c.Upstream.URL) == "" {
		c.Upstream.URL = "http://127.0.0.1:8188"
	}
	if strings.TrimSpace(c.Upstream.PollInterval) == "" {
		c.Upstream.PollInterval = "5s"
	}
	if strings.TrimSpace(c.Upstream.ReconnectMax) == "" {
		c.Upstream.ReconnectMax = "30s"
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		c.Storage.Path = "./previewd.db"
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
}

// Validate rejects configs that cannot possibly run. Duration fields are
// checked where they are consumed.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("server.addr is required")
	}
	u, err := url.Parse(strings.TrimSpace(c.Upstream.URL))
	if err != nil {
		return fmt.Errorf("upstream.url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("upstream.url: scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("upstream.url: missing host")
	}
	for _, f := range []struct{ path, raw string }{
		{"server.read_timeout", c.Server.ReadTimeout},
		{"server.write_timeout", c.Server.WriteTimeout},
		{"server.idle_timeout", c.Server.IdleTimeout},
		{"upstream.poll_interval", c.Upstream.PollInterval},
		{"upstream.reconnect_max", c.Upstream.ReconnectMax},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if c.Telegram != nil && c.Telegram.Enabled {
		if strings.TrimSpace(c.Telegram.Token) == "" {
			return fmt.Errorf("telegram.token is required when the sink is enabled")
		}
		if c.Telegram.ChatID == 0 {
			return fmt.Errorf("telegram.chat_id is required when the sink is enabled")
		}
		if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
			return err
		}
	}
	return nil
}
