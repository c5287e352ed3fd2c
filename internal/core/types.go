package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Funnel    FunnelConfig    `json:"funnel"`
	FollowUp  FollowUpConfig  `json:"follow_up"`
	Broadcast BroadcastConfig `json:"broadcast"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	AdminUserIDs []int64 `json:"admin_user_ids"`
	// AdminChatID receives operator logs and job status messages. 0 disables.
	AdminChatID int64 `json:"admin_chat_id,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout   string `json:"poll_timeout,omitempty"`
	UpdatesBuffer int    `json:"updates_buffer,omitempty"`
	Workers       int    `json:"workers,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	Pretty   bool            `json:"pretty,omitempty"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}
type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type StorageConfig struct {
	// Driver selects the backend: "memory", "sqlite" or "mongo".
	Driver string `json:"driver"`
	Path   string `json:"path,omitempty"`
	// BusyTimeout is a Go duration string applied to the sqlite driver.
	BusyTimeout string `json:"busy_timeout,omitempty"`
	URI         string `json:"uri,omitempty"`
	Database    string `json:"database,omitempty"`
}

// DispatchConfig tunes the shared outbound sender. All duration fields are
// Go duration strings.
type DispatchConfig struct {
	MinInterval   string `json:"min_interval,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	Pause         string `json:"pause,omitempty"`
}

type FunnelConfig struct {
	// ManualApprove leaves join requests pending for /approveall instead of
	// approving them on arrival.
	ManualApprove bool `json:"manual_approve,omitempty"`
	// GateChannelID is the channel new contacts must join before setup.
	// 0 disables the gate.
	GateChannelID int64  `json:"gate_channel_id,omitempty"`
	ChannelURL    string `json:"channel_url,omitempty"`
	SupportURL    string `json:"support_url,omitempty"`
}

type FollowUpConfig struct {
	Interval   string `json:"interval,omitempty"`
	EarlyAfter string `json:"early_after,omitempty"`
	LateAfter  string `json:"late_after,omitempty"`
}

type BroadcastConfig struct {
	ProgressEvery int `json:"progress_every,omitempty"`
}

// Validate rejects configs that must not be committed, during boot and
// before every hot-reload publish.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if len(c.Telegram.AdminUserIDs) == 0 {
		return errors.New("telegram.admin_user_ids must not be empty")
	}
	switch c.Storage.Driver {
	case "", "memory", "sqlite", "mongo":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "sqlite" && strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required for the sqlite driver")
	}
	if c.Storage.Driver == "mongo" && strings.TrimSpace(c.Storage.URI) == "" {
		return errors.New("storage.uri is required for the mongo driver")
	}
	if c.Dispatch.RetryMax < 0 {
		return errors.New("dispatch.retry_max must be >= 0")
	}
	for _, f := range []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"dispatch.min_interval", c.Dispatch.MinInterval},
		{"dispatch.retry_base", c.Dispatch.RetryBase},
		{"dispatch.retry_max_delay", c.Dispatch.RetryMaxDelay},
		{"dispatch.pause", c.Dispatch.Pause},
		{"follow_up.interval", c.FollowUp.Interval},
		{"follow_up.early_after", c.FollowUp.EarlyAfter},
		{"follow_up.late_after", c.FollowUp.LateAfter},
	} {
		if _, err := parseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}

// parseDurationField parses a config duration string. Empty means zero (the
// component applies its default); negative values are rejected.
func parseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// IsAdmin reports whether id is in the configured admin list.
func (c *Config) IsAdmin(id int64) bool {
	for _, a := range c.Telegram.AdminUserIDs {
		if a == id {
			return true
		}
	}
	return false
}
