package config

import (
	"fmt"
	"strings"

	"quizbot/pkg/logx"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`

	Engine      EngineConfig      `json:"engine,omitempty"`
	Dispatch    DispatchConfig    `json:"dispatch,omitempty"`
	Session     SessionConfig     `json:"session,omitempty"`
	Lifecycle   LifecycleConfig   `json:"lifecycle,omitempty"`
	Leaderboard LeaderboardConfig `json:"leaderboard,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// PollTimeout is a Go duration string for long-poll requests.
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"`
	Console *bool  `json:"console,omitempty"`
	File    string `json:"file,omitempty"`
}

func (c LoggingConfig) ToLogx() logx.Config {
	console := true
	if c.Console != nil {
		console = *c.Console
	}
	return logx.Config{
		Level:   c.Level,
		Console: console,
		File:    logx.FileConfig{Enabled: c.File != "", Path: c.File},
	}
}

type StorageConfig struct {
	Path string `json:"path,omitempty"`

	// BusyTimeout is a Go duration string.
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type EngineConfig struct {
	// Timezone is the IANA zone all fire rules are computed in.
	Timezone        string `json:"timezone,omitempty"`
	MaxDestinations int    `json:"max_destinations,omitempty"`
	MaxCampaigns    int    `json:"max_campaigns,omitempty"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
}

// All durations are Go duration strings (e.g. "350ms", "5m").
type DispatchConfig struct {
	MaxDestinations int    `json:"max_destinations,omitempty"`
	MessageBatch    int    `json:"message_batch,omitempty"`
	MessageDelay    string `json:"message_delay,omitempty"`
	ImageBatch      int    `json:"image_batch,omitempty"`
	ImageDelay      string `json:"image_delay,omitempty"`
}

type SessionConfig struct {
	TTL    string `json:"ttl,omitempty"`
	Points int    `json:"points,omitempty"`
}

type LifecycleConfig struct {
	ReminderDelay string `json:"reminder_delay,omitempty"`
	DeleteDelay   string `json:"delete_delay,omitempty"`
	ReminderTTL   string `json:"reminder_ttl,omitempty"`
	ReminderText  string `json:"reminder_text,omitempty"`
}

type LeaderboardConfig struct {
	Limit      int    `json:"limit,omitempty"`
	WeeklyCron string `json:"weekly_cron,omitempty"`
	SendEvery  string `json:"send_every,omitempty"`
}

// Validate rejects configs that cannot possibly run. Durations are checked
// here so a hot reload never commits an unparseable value.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	for _, f := range []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"dispatch.message_delay", c.Dispatch.MessageDelay},
		{"dispatch.image_delay", c.Dispatch.ImageDelay},
		{"session.ttl", c.Session.TTL},
		{"lifecycle.reminder_delay", c.Lifecycle.ReminderDelay},
		{"lifecycle.delete_delay", c.Lifecycle.DeleteDelay},
		{"lifecycle.reminder_ttl", c.Lifecycle.ReminderTTL},
		{"leaderboard.send_every", c.Leaderboard.SendEvery},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}
