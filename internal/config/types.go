package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Twitch   TwitchConfig   `json:"twitch"`
	HTTP     HTTPConfig     `json:"http,omitempty"`
	Notify   NotifyConfig   `json:"notify,omitempty"`
	Storage  StorageConfig  `json:"storage"`
	Logging  LoggingConfig  `json:"logging,omitempty"`
	Jobs     JobsConfig     `json:"jobs,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// OwnerChatID receives operator alerts (startup, auth failures,
	// aggregated fan-out reports). 0 disables them.
	OwnerChatID int64 `json:"owner_chat_id,omitempty"`
}

type TwitchConfig struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`

	// WebhookSecret signs EventSub payloads; it is both sent on subscribe
	// and used to verify inbound signatures.
	WebhookSecret string `json:"webhook_secret"`

	// Domain is the public host Twitch calls back on (no scheme).
	Domain string `json:"domain"`
}

// HTTPConfig controls the webhook listener.
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type HTTPConfig struct {
	Addr         string `json:"addr,omitempty"`          // default: "127.0.0.1:8800"
	ReadTimeout  string `json:"read_timeout,omitempty"`  // default: "10s"
	WriteTimeout string `json:"write_timeout,omitempty"` // default: "10s"
}

// NotifyConfig controls the dispatch pipeline.
//
// Defaults (when fields are omitted/zero):
//   - min_delay: "600s"
//   - send_pause: "1s"
//   - max_cycles: 20
//   - thumbnail: 1920x1080
type NotifyConfig struct {
	// MinDelay is the per-streamer suppression window between fan-outs.
	MinDelay string `json:"min_delay,omitempty"`

	// SendPause is the wait between consecutive chat sends inside one cycle.
	SendPause string `json:"send_pause,omitempty"`

	// MaxCycles caps how many dispatch cycles may be in flight process-wide.
	MaxCycles int `json:"max_cycles,omitempty"`

	ThumbnailWidth  int `json:"thumbnail_width,omitempty"`
	ThumbnailHeight int `json:"thumbnail_height,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console *bool             `json:"console,omitempty"` // default: true
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

// JobsConfig controls background maintenance (cron specs, local time).
type JobsConfig struct {
	Enabled bool `json:"enabled,omitempty"`

	// NameRefreshSpec re-syncs cached streamer display names from Twitch.
	NameRefreshSpec string `json:"name_refresh_spec,omitempty"` // default: "30 4 * * *"

	// OrphanSweepSpec removes streamers without subscriptions and tears
	// down their EventSub registrations.
	OrphanSweepSpec string `json:"orphan_sweep_spec,omitempty"` // default: "45 4 * * *"
}

const (
	DefaultMinDelay  = 600 * time.Second
	DefaultSendPause = time.Second
	DefaultMaxCycles = 20

	DefaultThumbnailWidth  = 1920
	DefaultThumbnailHeight = 1080

	DefaultHTTPAddr         = "127.0.0.1:8800"
	DefaultHTTPReadTimeout  = 10 * time.Second
	DefaultHTTPWriteTimeout = 10 * time.Second

	DefaultBusyTimeout = 5 * time.Second

	DefaultNameRefreshSpec = "30 4 * * *"
	DefaultOrphanSweepSpec = "45 4 * * *"
)

// Validate checks the static parts of the config. It is also used as the
// watch-time validator so a broken edit never replaces a good config.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if strings.TrimSpace(c.Twitch.ClientID) == "" || strings.TrimSpace(c.Twitch.ClientSecret) == "" {
		return errors.New("twitch.client_id and twitch.client_secret are required")
	}
	if strings.TrimSpace(c.Twitch.WebhookSecret) == "" {
		return errors.New("twitch.webhook_secret is required")
	}
	if strings.TrimSpace(c.Twitch.Domain) == "" {
		return errors.New("twitch.domain is required")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	for _, f := range []struct{ path, raw string }{
		{"notify.min_delay", c.Notify.MinDelay},
		{"notify.send_pause", c.Notify.SendPause},
		{"http.read_timeout", c.HTTP.ReadTimeout},
		{"http.write_timeout", c.HTTP.WriteTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if c.Notify.MaxCycles < 0 {
		return fmt.Errorf("notify.max_cycles must be >= 0")
	}
	return nil
}

// MinDelay returns the parsed suppression window with defaults applied.
func (c *Config) MinDelay() time.Duration {
	return DurationOrDefault(c.Notify.MinDelay, DefaultMinDelay)
}

// SendPause returns the parsed inter-send pacing with defaults applied.
func (c *Config) SendPause() time.Duration {
	return DurationOrDefault(c.Notify.SendPause, DefaultSendPause)
}

func (c *Config) MaxCycles() int {
	if c.Notify.MaxCycles <= 0 {
		return DefaultMaxCycles
	}
	return c.Notify.MaxCycles
}

func (c *Config) ThumbnailSize() (w, h int) {
	w, h = c.Notify.ThumbnailWidth, c.Notify.ThumbnailHeight
	if w <= 0 {
		w = DefaultThumbnailWidth
	}
	if h <= 0 {
		h = DefaultThumbnailHeight
	}
	return w, h
}

func (c *Config) HTTPAddr() string {
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		return DefaultHTTPAddr
	}
	return c.HTTP.Addr
}

func (c *Config) HTTPReadTimeout() time.Duration {
	return DurationOrDefault(c.HTTP.ReadTimeout, DefaultHTTPReadTimeout)
}

func (c *Config) HTTPWriteTimeout() time.Duration {
	return DurationOrDefault(c.HTTP.WriteTimeout, DefaultHTTPWriteTimeout)
}

func (c *Config) StorageBusyTimeout() time.Duration {
	return DurationOrDefault(c.Storage.BusyTimeout, DefaultBusyTimeout)
}

func (c *Config) NameRefreshSpec() string {
	if strings.TrimSpace(c.Jobs.NameRefreshSpec) == "" {
		return DefaultNameRefreshSpec
	}
	return c.Jobs.NameRefreshSpec
}

func (c *Config) OrphanSweepSpec() string {
	if strings.TrimSpace(c.Jobs.OrphanSweepSpec) == "" {
		return DefaultOrphanSweepSpec
	}
	return c.Jobs.OrphanSweepSpec
}

func (c *Config) ConsoleLogging() bool {
	if c.Logging.Console == nil {
		return true
	}
	return *c.Logging.Console
}
