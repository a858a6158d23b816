package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultInterval     = "30s"
	DefaultMaxPerCycle  = 10
	DefaultStateCap     = 100
	DefaultStatsEvery   = 10
	DefaultHTTPAddr     = "127.0.0.1:8089"
	DefaultSQLitePath   = "./commentwatch.db"
	DefaultStatePath    = "./comment_state.json"
	DefaultDrainTimeout = 10 * time.Second

	defaultTopicYouTube = 2
	defaultTopicVK      = 4
	defaultTopicReddit  = 6
	defaultTopicErrors  = 1
)

// applyEnv folds credentials and env topic overrides into cfg.
func applyEnv(cfg *Config, creds Credentials) error {
	cfg.Credentials = creds
	for _, t := range []struct {
		name string
		raw  string
		dst  **int
	}{
		{"TELEGRAM_TOPIC_YOUTUBE", creds.TopicYouTube, &cfg.Telegram.Topics.YouTube},
		{"TELEGRAM_TOPIC_VK", creds.TopicVK, &cfg.Telegram.Topics.VK},
		{"TELEGRAM_TOPIC_REDDIT", creds.TopicReddit, &cfg.Telegram.Topics.Reddit},
		{"TELEGRAM_TOPIC_ERRORS", creds.TopicErrors, &cfg.Telegram.Topics.Errors},
	} {
		v, err := envTopic(t.name, t.raw)
		if err != nil {
			return err
		}
		if v != nil {
			*t.dst = v
		}
	}
	return nil
}

func applyDefaults(cfg *Config) {
	p := &cfg.Poll
	if strings.TrimSpace(p.Interval) == "" {
		p.Interval = DefaultInterval
	}
	if p.MaxPerCycle <= 0 {
		p.MaxPerCycle = DefaultMaxPerCycle
	}
	if p.StateCap <= 0 {
		p.StateCap = DefaultStateCap
	}
	if p.StatsEvery <= 0 {
		p.StatsEvery = DefaultStatsEvery
	}

	topics := &cfg.Telegram.Topics
	setInt(&topics.YouTube, defaultTopicYouTube)
	setInt(&topics.VK, defaultTopicVK)
	setInt(&topics.Reddit, defaultTopicReddit)
	setInt(&topics.Errors, defaultTopicErrors)

	s := &cfg.Storage
	s.Driver = strings.ToLower(strings.TrimSpace(s.Driver))
	if s.Driver == "" {
		s.Driver = "file"
	}
	if strings.TrimSpace(s.Path) == "" {
		switch s.Driver {
		case "file", "json":
			s.Path = DefaultStatePath
		case "sqlite", "sqlite3":
			s.Path = DefaultSQLitePath
		}
	}

	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
	if strings.TrimSpace(cfg.HTTP.Addr) == "" {
		cfg.HTTP.Addr = DefaultHTTPAddr
	}
}

func setInt(dst **int, def int) {
	if *dst == nil {
		v := def
		*dst = &v
	}
}

// Validate checks values that would otherwise fail late. The poll schedule
// is checked by its parser at startup.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := cfg.parseDurations(); err != nil {
		return err
	}
	for name, v := range map[string]*int{
		"youtube": cfg.Telegram.Topics.YouTube,
		"vk":      cfg.Telegram.Topics.VK,
		"reddit":  cfg.Telegram.Topics.Reddit,
		"errors":  cfg.Telegram.Topics.Errors,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("telegram.topics.%s must be >= 0", name)
		}
	}
	switch cfg.Storage.Driver {
	case "", "file", "json", "sqlite", "sqlite3", "none", "memory":
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return fmt.Errorf("storage.dsn required for driver %q", cfg.Storage.Driver)
		}
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	if strings.TrimSpace(cfg.Credentials.TelegramBotToken) == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}
	id, err := cfg.Credentials.GroupID()
	if err != nil {
		return err
	}
	if id == 0 {
		return fmt.Errorf("TELEGRAM_GROUP_ID is required")
	}
	return nil
}
