package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const validJSON = `{
  "telegram": {
    "token": "123:abc",
    "channel_id": -1001234,
    "owner_user_ids": [7],
    "poll_timeout": "10s"
  },
  "logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}, "telegram": {"enabled": false}},
  "storage": {"driver": "sqlite", "path": "./postbot.db"},
  "composer": {"media_window": "800ms", "album_max": 10},
  "schedule": {"timezone": "Europe/Berlin", "poll_interval": "15s", "retry_max": 5}
}`

func TestParseJSON(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "config.json", validJSON))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.ChannelID != -1001234 {
		t.Fatalf("channel_id = %d", cfg.Telegram.ChannelID)
	}
	if cfg.Schedule.Timezone != "Europe/Berlin" {
		t.Fatalf("timezone = %q", cfg.Schedule.Timezone)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	yml := `
telegram:
  token: "123:abc"
  channel_id: -1001234
  owner_user_ids: [7, 8]
logging:
  level: debug
  console: true
composer:
  media_window: 500ms
`
	m := NewConfigManager(writeFile(t, "config.yaml", yml))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Telegram.OwnerUserIDs) != 2 {
		t.Fatalf("owners = %v", cfg.Telegram.OwnerUserIDs)
	}
	if cfg.Composer.MediaWindow != "500ms" {
		t.Fatalf("media_window = %q", cfg.Composer.MediaWindow)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	bad := strings.Replace(validJSON, `"composer"`, `"composer_typo"`, 1)
	m := NewConfigManager(writeFile(t, "config.json", bad))
	if _, err := m.Load(); err == nil {
		t.Fatal("unknown top-level key should be rejected")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		mutate func(*Config)
	}{
		{"missing token", func(c *Config) { c.Telegram.Token = "" }},
		{"missing channel", func(c *Config) { c.Telegram.ChannelID = 0 }},
		{"no owners", func(c *Config) { c.Telegram.OwnerUserIDs = nil }},
		{"bad duration", func(c *Config) { c.Schedule.PollInterval = "soon" }},
		{"bad timezone", func(c *Config) { c.Schedule.Timezone = "Mars/Olympus" }},
		{"album max over limit", func(c *Config) { c.Composer.AlbumMax = 11 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{
				Telegram: TelegramConfig{Token: "t", ChannelID: -1, OwnerUserIDs: []int64{7}},
			}
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("want validation error")
			}
		})
	}
}
