package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
)

// DefaultEnvFile is read when present. Variables already set in the
// environment win over the file.
const DefaultEnvFile = "config.txt"

// Credentials are read from the environment only.
type Credentials struct {
	EnableYouTube string `long:"enable-youtube" env:"ENABLE_YOUTUBE" default:"true" description:"Poll the YouTube channel"`
	EnableVK      string `long:"enable-vk" env:"ENABLE_VK" default:"true" description:"Poll the VK group wall"`
	EnableReddit  string `long:"enable-reddit" env:"ENABLE_REDDIT" default:"true" description:"Poll the subreddits"`

	YouTubeAPIKey    string `long:"youtube-api-key" env:"YOUTUBE_API_KEY" description:"YouTube Data API key"`
	YouTubeChannelID string `long:"youtube-channel-id" env:"YOUTUBE_CHANNEL_ID" description:"Channel id (UC...) or legacy username"`
	YouTubeUseFeed   string `long:"youtube-use-feed" env:"YOUTUBE_USE_FEED" default:"false" description:"List videos from the public Atom feed"`

	VKAccessToken string `long:"vk-access-token" env:"VK_ACCESS_TOKEN" description:"VK API access token"`
	VKGroupID     string `long:"vk-group-id" env:"VK_GROUP_ID" description:"VK group id"`
	VKGroupURL    string `long:"vk-group-url" env:"VK_GROUP_URL" description:"Public group URL used in comment links"`

	RedditClientID     string `long:"reddit-client-id" env:"REDDIT_CLIENT_ID" description:"Reddit OAuth client id"`
	RedditClientSecret string `long:"reddit-client-secret" env:"REDDIT_CLIENT_SECRET" description:"Reddit OAuth client secret"`
	RedditUserAgent    string `long:"reddit-user-agent" env:"REDDIT_USER_AGENT" description:"Reddit API user agent"`
	RedditSubreddits   string `long:"reddit-subreddits" env:"REDDIT_SUBREDDITS" default:"python" description:"Comma separated subreddit names"`

	TelegramBotToken string `long:"telegram-bot-token" env:"TELEGRAM_BOT_TOKEN" description:"Telegram bot token"`
	TelegramGroupID  string `long:"telegram-group-id" env:"TELEGRAM_GROUP_ID" description:"Forum group chat id"`

	TopicYouTube string `long:"telegram-topic-youtube" env:"TELEGRAM_TOPIC_YOUTUBE" description:"Topic for YouTube comments"`
	TopicVK      string `long:"telegram-topic-vk" env:"TELEGRAM_TOPIC_VK" description:"Topic for VK comments"`
	TopicReddit  string `long:"telegram-topic-reddit" env:"TELEGRAM_TOPIC_REDDIT" description:"Topic for Reddit comments"`
	TopicErrors  string `long:"telegram-topic-errors" env:"TELEGRAM_TOPIC_ERRORS" description:"Topic for error alerts"`
}

// LoadEnvFile seeds the environment from path without overriding variables
// that are already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("env file %s: %w", path, err)
	}
	return nil
}

// ReadCredentials resolves Credentials from the current environment.
func ReadCredentials() (Credentials, error) {
	var c Credentials
	// No argv: the CLI belongs to cobra, only env and defaults apply here.
	p := flags.NewParser(&c, flags.IgnoreUnknown)
	if _, err := p.ParseArgs([]string{}); err != nil {
		return Credentials{}, fmt.Errorf("read credentials: %w", err)
	}
	return c, nil
}

// Truthy matches "true", "1", "yes" and "on", case-insensitively.
func Truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

func (c Credentials) YouTubeEnabled() bool { return Truthy(c.EnableYouTube) }
func (c Credentials) VKEnabled() bool      { return Truthy(c.EnableVK) }
func (c Credentials) RedditEnabled() bool  { return Truthy(c.EnableReddit) }
func (c Credentials) UseFeed() bool        { return Truthy(c.YouTubeUseFeed) }

// Subreddits splits the comma list, dropping blanks and a leading "r/".
func (c Credentials) Subreddits() []string {
	var out []string
	for _, s := range strings.Split(c.RedditSubreddits, ",") {
		s = strings.TrimPrefix(strings.TrimSpace(s), "r/")
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// GroupID parses TELEGRAM_GROUP_ID; 0 when unset.
func (c Credentials) GroupID() (int64, error) {
	s := strings.TrimSpace(c.TelegramGroupID)
	if s == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("TELEGRAM_GROUP_ID: %w", err)
	}
	return id, nil
}

// envTopic parses an optional TELEGRAM_TOPIC_* value.
func envTopic(name, raw string) (*int, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("%s: invalid topic id %q", name, raw)
	}
	return &n, nil
}
