package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

// clearEnv unsets every credential variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"ENABLE_YOUTUBE", "ENABLE_VK", "ENABLE_REDDIT",
		"YOUTUBE_API_KEY", "YOUTUBE_CHANNEL_ID", "YOUTUBE_USE_FEED",
		"VK_ACCESS_TOKEN", "VK_GROUP_ID", "VK_GROUP_URL",
		"REDDIT_CLIENT_ID", "REDDIT_CLIENT_SECRET", "REDDIT_USER_AGENT", "REDDIT_SUBREDDITS",
		"TELEGRAM_BOT_TOKEN", "TELEGRAM_GROUP_ID",
		"TELEGRAM_TOPIC_YOUTUBE", "TELEGRAM_TOPIC_VK", "TELEGRAM_TOPIC_REDDIT", "TELEGRAM_TOPIC_ERRORS",
	} {
		t.Setenv(k, "")
		_ = os.Unsetenv(k)
	}
}

func TestParseYAMLStrict(t *testing.T) {
	t.Parallel()
	_, err := Parse("c.yaml", []byte("poll:\n  interval: 1m\n  bogus: 3\n"))
	if err == nil || !strings.Contains(err.Error(), "bogus") {
		t.Fatalf("err = %v, want unknown field error", err)
	}

	cfg, err := Parse("c.yml", []byte("poll:\n  interval: 1m\ntelegram:\n  topics:\n    vk: 0\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Poll.Interval != "1m" || cfg.Telegram.Topics.VK == nil || *cfg.Telegram.Topics.VK != 0 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestParseSniffsFormatWithoutExtension(t *testing.T) {
	t.Parallel()
	cfg, err := Parse("commentwatch.conf", []byte("poll:\n  max_per_cycle: 5\n"))
	if err != nil || cfg.Poll.MaxPerCycle != 5 {
		t.Fatalf("yaml: cfg=%+v err=%v", cfg, err)
	}
	cfg, err = Parse("commentwatch.conf", []byte(`{"poll":{"max_per_cycle":7}}`))
	if err != nil || cfg.Poll.MaxPerCycle != 7 {
		t.Fatalf("json: cfg=%+v err=%v", cfg, err)
	}
	if cfg, err := Parse("c.yaml", []byte("# nothing yet\n")); err != nil || cfg.Poll.Interval != "" {
		t.Fatalf("comments only: cfg=%+v err=%v", cfg, err)
	}
}

func TestParseYAMLRejectsMultipleDocuments(t *testing.T) {
	t.Parallel()
	_, err := Parse("c.yaml", []byte("poll: {}\n---\npoll: {}\n"))
	if err == nil || !strings.Contains(err.Error(), "more than one document") {
		t.Fatalf("err = %v", err)
	}
}

func TestDurationsDefaultDrain(t *testing.T) {
	t.Parallel()
	cfg := &Config{Notify: NotifyConfig{SendTimeout: "5s"}}
	d := cfg.Durations()
	if d.SendTimeout != 5*time.Second || d.DrainTimeout != DefaultDrainTimeout || d.CycleTimeout != 0 {
		t.Fatalf("durations = %+v", d)
	}
	if _, err := ParseDuration("x", "-1s"); err == nil {
		t.Fatal("negative duration accepted")
	}
}

func TestParseJSONRejectsTrailingData(t *testing.T) {
	t.Parallel()
	if _, err := Parse("c.json", []byte(`{"poll":{}} {"poll":{}}`)); err == nil {
		t.Fatalf("trailing document accepted")
	}
}

func TestLoadEnvWinsOverEnvFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	envFile := writeFile(t, dir, "config.txt", strings.Join([]string{
		"# credentials",
		"TELEGRAM_BOT_TOKEN=file-token",
		"TELEGRAM_GROUP_ID=-1001",
		"VK_GROUP_ID=42",
		"TELEGRAM_TOPIC_VK=9",
		"ENABLE_REDDIT=no",
		"REDDIT_SUBREDDITS=golang, r/rust ,,",
	}, "\n"))
	t.Setenv("TELEGRAM_BOT_TOKEN", "env-token")

	cfg, err := NewManager("", envFile).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	c := cfg.Credentials
	if c.TelegramBotToken != "env-token" {
		t.Fatalf("token = %q, want the environment value", c.TelegramBotToken)
	}
	if c.VKGroupID != "42" || !c.VKEnabled() || c.RedditEnabled() {
		t.Fatalf("credentials = %+v", c)
	}
	if got := c.Subreddits(); len(got) != 2 || got[0] != "golang" || got[1] != "rust" {
		t.Fatalf("subreddits = %v", got)
	}
	if *cfg.Telegram.Topics.VK != 9 || *cfg.Telegram.Topics.YouTube != 2 || *cfg.Telegram.Topics.Errors != 1 {
		t.Fatalf("topics = %+v", cfg.Telegram.Topics)
	}
}

func TestEnvTopicOverridesFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "telegram:\n  topics:\n    reddit: 11\n    errors: 12\n")
	t.Setenv("TELEGRAM_BOT_TOKEN", "t")
	t.Setenv("TELEGRAM_GROUP_ID", "-5")
	t.Setenv("TELEGRAM_TOPIC_ERRORS", "0")

	cfg, err := NewManager(path, "").Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if *cfg.Telegram.Topics.Reddit != 11 || *cfg.Telegram.Topics.Errors != 0 {
		t.Fatalf("topics = reddit %d errors %d", *cfg.Telegram.Topics.Reddit, *cfg.Telegram.Topics.Errors)
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("TELEGRAM_BOT_TOKEN", "t")
	t.Setenv("TELEGRAM_GROUP_ID", "-5")

	cfg, err := NewManager(filepath.Join(t.TempDir(), "missing.yaml"), "").Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Poll.Interval != DefaultInterval || cfg.Poll.MaxPerCycle != 10 || cfg.Poll.StateCap != 100 {
		t.Fatalf("poll = %+v", cfg.Poll)
	}
	if cfg.Storage.Driver != "file" || cfg.Storage.Path != DefaultStatePath {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if !cfg.Logging.ConsoleEnabled() || cfg.HTTP.Enabled {
		t.Fatalf("logging/http defaults wrong: %+v %+v", cfg.Logging, cfg.HTTP)
	}
	c := cfg.Credentials
	if !c.YouTubeEnabled() || c.UseFeed() || len(c.Subreddits()) != 1 || c.Subreddits()[0] != "python" {
		t.Fatalf("credential defaults = %+v", c)
	}
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	cases := map[string]struct {
		file string
		env  map[string]string
		want string
	}{
		"missing token": {env: map[string]string{"TELEGRAM_GROUP_ID": "-1"}, want: "TELEGRAM_BOT_TOKEN"},
		"missing group": {env: map[string]string{"TELEGRAM_BOT_TOKEN": "t"}, want: "TELEGRAM_GROUP_ID"},
		"bad group":     {env: map[string]string{"TELEGRAM_BOT_TOKEN": "t", "TELEGRAM_GROUP_ID": "chat"}, want: "TELEGRAM_GROUP_ID"},
		"bad topic":     {env: map[string]string{"TELEGRAM_BOT_TOKEN": "t", "TELEGRAM_GROUP_ID": "-1", "TELEGRAM_TOPIC_VK": "x"}, want: "TELEGRAM_TOPIC_VK"},
		"bad duration":  {file: `{"notify":{"send_timeout":"soon"}}`, want: "notify.send_timeout"},
		"bad driver":    {file: `{"storage":{"driver":"redis"}}`, want: "unknown driver"},
		"postgres dsn":  {file: `{"storage":{"driver":"postgres"}}`, want: "storage.dsn"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			env := tc.env
			if env == nil {
				env = map[string]string{"TELEGRAM_BOT_TOKEN": "t", "TELEGRAM_GROUP_ID": "-1"}
			}
			for k, v := range env {
				t.Setenv(k, v)
			}
			path := ""
			if tc.file != "" {
				path = writeFile(t, t.TempDir(), "config.json", tc.file)
			}
			_, err := NewManager(path, "").Load()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	a := &Config{Logging: LoggingConfig{Level: "info"}, Storage: StorageConfig{Driver: "file"}}
	b := &Config{Logging: LoggingConfig{Level: "debug"}, Storage: StorageConfig{Driver: "postgres", DSN: "postgres://u:secret@h/db"}}
	changed, attrs := SummarizeChange(a, b)
	if len(changed) != 2 || changed[0] != "logging" || changed[1] != "storage" {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatalf("no attrs")
	}
	if got := NeedsRestart(changed); len(got) != 1 || got[0] != "storage" {
		t.Fatalf("NeedsRestart = %v", got)
	}
}
