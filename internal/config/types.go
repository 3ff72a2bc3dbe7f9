package config

import (
	"errors"
	"fmt"
	"time"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage,omitempty"`
	Composer ComposerConfig `json:"composer,omitempty"`
	Schedule ScheduleConfig `json:"schedule,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`

	// ChannelID is the broadcast channel posts are delivered to.
	ChannelID int64 `json:"channel_id"`

	// OwnerUserIDs are the only users allowed to talk to the bot.
	OwnerUserIDs []int64 `json:"owner_user_ids"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id,omitempty"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./postbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // sqlite (default) or memory
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// ComposerConfig controls the composition dialog and album aggregation.
//
// All durations are Go duration strings (e.g. "800ms", "5s", "30m").
type ComposerConfig struct {
	// MediaWindow is the album debounce, re-armed on each arrival.
	MediaWindow string `json:"media_window,omitempty"`
	// MediaMaxWindow caps how long one album burst may stay open.
	MediaMaxWindow string `json:"media_max_window,omitempty"`
	// AlbumMax is the attachment limit per post (Telegram caps albums at 10).
	AlbumMax int `json:"album_max,omitempty"`
	// SessionTimeout drops an idle composition dialog.
	SessionTimeout string `json:"session_timeout,omitempty"`
}

// ScheduleConfig controls time parsing, the durable scheduler, and the
// delivery retry policy.
type ScheduleConfig struct {
	// Timezone is an IANA zone name schedule input resolves in
	// (default: the host's local zone).
	Timezone string `json:"timezone,omitempty"`
	// MaxHorizon rejects schedule times further out than this (default 8760h).
	MaxHorizon string `json:"max_horizon,omitempty"`

	PollInterval string `json:"poll_interval,omitempty"` // sweep cadence, default "15s"
	Workers      int    `json:"workers,omitempty"`

	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendInterval  string `json:"send_interval,omitempty"` // outbound channel pacing

	// PruneSpec is a cron spec for the retention sweep; "" disables it.
	PruneSpec     string `json:"prune_spec,omitempty"`
	KeepPublished string `json:"keep_published,omitempty"` // retention for terminal posts
}

// Validate rejects configs the components could not start with. It runs
// at startup and as the hot-reload validator, so a broken edit never
// replaces a working config.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Telegram.Token == "" {
		return errors.New("telegram.token is required")
	}
	if c.Telegram.ChannelID == 0 {
		return errors.New("telegram.channel_id is required")
	}
	if len(c.Telegram.OwnerUserIDs) == 0 {
		return errors.New("telegram.owner_user_ids must not be empty")
	}

	durations := []struct {
		path string
		raw  string
	}{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"composer.media_window", c.Composer.MediaWindow},
		{"composer.media_max_window", c.Composer.MediaMaxWindow},
		{"composer.session_timeout", c.Composer.SessionTimeout},
		{"schedule.max_horizon", c.Schedule.MaxHorizon},
		{"schedule.poll_interval", c.Schedule.PollInterval},
		{"schedule.retry_base", c.Schedule.RetryBase},
		{"schedule.retry_max_delay", c.Schedule.RetryMaxDelay},
		{"schedule.send_interval", c.Schedule.SendInterval},
		{"schedule.keep_published", c.Schedule.KeepPublished},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	if tz := c.Schedule.Timezone; tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("schedule.timezone: %w", err)
		}
	}
	if c.Composer.AlbumMax < 0 || c.Composer.AlbumMax > 10 {
		return fmt.Errorf("composer.album_max: %d out of range 0..10", c.Composer.AlbumMax)
	}
	return nil
}
