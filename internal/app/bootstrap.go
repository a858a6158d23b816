package app

import (
	"fmt"
	"strings"
	"time"

	"commentwatch/internal/config"
	"commentwatch/internal/notify"
	"commentwatch/internal/poller"
	"commentwatch/internal/source"
	"commentwatch/internal/source/reddit"
	"commentwatch/internal/source/vk"
	"commentwatch/internal/source/youtube"
	logx "commentwatch/pkg/logx"
)

// mapLogConfig converts the logging section. The Telegram sink stays off
// until a target is known.
func mapLogConfig(cfg *config.Config, telegram bool) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    telegram && lc.Telegram.Enabled,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

func mapRoutes(cfg *config.Config) (notify.Routes, error) {
	chat, err := cfg.Credentials.GroupID()
	if err != nil {
		return notify.Routes{}, err
	}
	t := cfg.Telegram.Topics
	return notify.Routes{
		ChatID:  chat,
		YouTube: deref(t.YouTube),
		VK:      deref(t.VK),
		Reddit:  deref(t.Reddit),
		Errors:  deref(t.Errors),
	}, nil
}

func deref(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func mapNotifyConfig(cfg *config.Config) notify.Config {
	n := cfg.Notify
	d := cfg.Durations()
	return notify.Config{
		QueueSize:      n.QueueSize,
		RatePerSec:     n.RatePerSec,
		RetryMax:       n.RetryMax,
		BatchThreshold: n.BatchThreshold,
		BatchShow:      n.BatchShow,
		SendTimeout:    d.SendTimeout,
	}
}

func mapPollConfig(cfg *config.Config) (poller.Config, error) {
	sched, err := poller.ParseSchedule(cfg.Poll.Interval)
	if err != nil {
		return poller.Config{}, fmt.Errorf("poll.interval: %w", err)
	}
	return poller.Config{
		Schedule:     sched,
		MaxPerCycle:  cfg.Poll.MaxPerCycle,
		StateCap:     cfg.Poll.StateCap,
		StatsEvery:   cfg.Poll.StatsEvery,
		CycleTimeout: cfg.Durations().CycleTimeout,
	}, nil
}

// drainTimeout bounds how long queued messages may take to go out on stop.
func drainTimeout(cfg *config.Config) time.Duration {
	return cfg.Durations().DrainTimeout
}

// buildAdapters creates the enabled source adapters. Adapters missing
// credentials are still returned; the poller skips them with a warning.
func buildAdapters(creds config.Credentials, log logx.Logger) []source.Adapter {
	var out []source.Adapter
	if creds.YouTubeEnabled() {
		out = append(out, youtube.New(youtube.Config{
			APIKey:    creds.YouTubeAPIKey,
			ChannelID: creds.YouTubeChannelID,
			UseFeed:   creds.UseFeed(),
		}, youtube.WithLogger(log.With(logx.Source(youtube.Name)))))
	}
	if creds.VKEnabled() {
		out = append(out, vk.New(vk.Config{
			AccessToken: creds.VKAccessToken,
			GroupID:     strings.TrimSpace(creds.VKGroupID),
			GroupURL:    creds.VKGroupURL,
		}, vk.WithLogger(log.With(logx.Source(vk.Name)))))
	}
	if creds.RedditEnabled() {
		rc := reddit.Credentials{
			ClientID:     creds.RedditClientID,
			ClientSecret: creds.RedditClientSecret,
			UserAgent:    creds.RedditUserAgent,
		}
		for _, a := range reddit.NewAll(rc, creds.Subreddits(), log.With(logx.Source("reddit"))) {
			out = append(out, a)
		}
	}
	return out
}
