// Package config resolves the process configuration: an optional YAML or
// JSON file for tuning, and environment variables (optionally seeded from a
// config.txt / .env file) for credentials.
package config

// Config is decoded strictly: unknown keys are rejected.
//
// All durations are Go duration strings ("30s", "2m").
type Config struct {
	Poll     PollConfig     `json:"poll"`
	Notify   NotifyConfig   `json:"notify"`
	Telegram TelegramConfig `json:"telegram"`
	Storage  StorageConfig  `json:"storage"`
	Logging  LoggingConfig  `json:"logging"`
	HTTP     HTTPConfig     `json:"http"`

	// Credentials never come from the file.
	Credentials Credentials `json:"-"`
}

// PollConfig controls the polling cycle.
//
// Interval accepts a Go duration, HH:MM, or a cron expression.
type PollConfig struct {
	Interval     string `json:"interval,omitempty"`
	MaxPerCycle  int    `json:"max_per_cycle,omitempty"`
	StateCap     int    `json:"state_cap,omitempty"`
	StatsEvery   int    `json:"stats_every,omitempty"`
	CycleTimeout string `json:"cycle_timeout,omitempty"`
}

// NotifyConfig controls the delivery queue.
type NotifyConfig struct {
	RatePerSec     int    `json:"rate_per_sec,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	BatchThreshold int    `json:"batch_threshold,omitempty"`
	BatchShow      int    `json:"batch_show,omitempty"`
	SendTimeout    string `json:"send_timeout,omitempty"`
	DrainTimeout   string `json:"drain_timeout,omitempty"`
}

type TelegramConfig struct {
	Topics TopicsConfig `json:"topics"`
	// Timeout bounds each Bot API call.
	Timeout string `json:"timeout,omitempty"`
}

// TopicsConfig maps platforms to forum topic ids. Omitted topics take the
// defaults; 0 posts to the general chat.
type TopicsConfig struct {
	YouTube *int `json:"youtube,omitempty"`
	VK      *int `json:"vk,omitempty"`
	Reddit  *int `json:"reddit,omitempty"`
	Errors  *int `json:"errors,omitempty"`
}

// StorageConfig selects the state driver.
//
// Example:
//
//	storage: { driver: sqlite, path: ./commentwatch.db }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // file | sqlite | postgres | none
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

type LoggingConfig struct {
	Level    string          `json:"level,omitempty"`
	Console  *bool           `json:"console,omitempty"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// LoggingTelegram mirrors error records into the errors topic.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// HTTPConfig controls the optional status server.
//
// Prefer a loopback address; the server has no authentication.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
}

// ConsoleEnabled defaults to true when omitted.
func (l LoggingConfig) ConsoleEnabled() bool { return l.Console == nil || *l.Console }
