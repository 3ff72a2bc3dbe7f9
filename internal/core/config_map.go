package core

import (
	"fmt"
	"strings"

	"postbot/internal/mediagroup"
	"postbot/internal/publisher"
	"postbot/internal/scheduler"
	"postbot/internal/storage"
	"postbot/internal/wizard"
	logx "postbot/pkg/logx"
)

func mapLoggingConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Logging.Telegram.ChatID,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *Config) (storage.Config, error) {
	driver := strings.TrimSpace(cfg.Storage.Driver)
	if driver == "" {
		driver = "sqlite"
	}
	switch driver {
	case "sqlite", "memory":
	default:
		return storage.Config{}, fmt.Errorf("storage.driver: unknown driver %q", driver)
	}
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		path = "./postbot.db"
	}
	busy, err := parseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

func mapComposerConfig(cfg *Config) (wizard.Config, error) {
	window, err := parseDurationOrDefault("composer.media_window", cfg.Composer.MediaWindow, 0)
	if err != nil {
		return wizard.Config{}, err
	}
	maxWindow, err := parseDurationOrDefault("composer.media_max_window", cfg.Composer.MediaMaxWindow, 0)
	if err != nil {
		return wizard.Config{}, err
	}
	idle, err := parseDurationOrDefault("composer.session_timeout", cfg.Composer.SessionTimeout, 0)
	if err != nil {
		return wizard.Config{}, err
	}
	return wizard.Config{
		Media: mediagroup.Config{
			Window:    window,
			MaxWindow: maxWindow,
			MaxItems:  cfg.Composer.AlbumMax,
		},
		AlbumMax:    cfg.Composer.AlbumMax,
		IdleTimeout: idle,
	}, nil
}

func mapSchedulerConfig(cfg *Config) (scheduler.Config, error) {
	poll, err := parseDurationOrDefault("schedule.poll_interval", cfg.Schedule.PollInterval, 0)
	if err != nil {
		return scheduler.Config{}, err
	}
	keep, err := parseDurationOrDefault("schedule.keep_published", cfg.Schedule.KeepPublished, 0)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		PollInterval:  poll,
		Workers:       cfg.Schedule.Workers,
		PruneSpec:     cfg.Schedule.PruneSpec,
		KeepPublished: keep,
	}, nil
}

func mapPublisherConfig(cfg *Config) (publisher.Config, error) {
	base, err := parseDurationOrDefault("schedule.retry_base", cfg.Schedule.RetryBase, 0)
	if err != nil {
		return publisher.Config{}, err
	}
	maxDelay, err := parseDurationOrDefault("schedule.retry_max_delay", cfg.Schedule.RetryMaxDelay, 0)
	if err != nil {
		return publisher.Config{}, err
	}
	sendInterval, err := parseDurationOrDefault("schedule.send_interval", cfg.Schedule.SendInterval, 0)
	if err != nil {
		return publisher.Config{}, err
	}
	return publisher.Config{
		ChannelID:     cfg.Telegram.ChannelID,
		RetryMax:      cfg.Schedule.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		SendInterval:  sendInterval,
	}, nil
}
