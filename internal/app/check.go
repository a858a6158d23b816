package app

import (
	"fmt"
	"io"
	"strings"

	"commentwatch/internal/config"
	"commentwatch/internal/source"
	"commentwatch/internal/transport/telegram"
	logx "commentwatch/pkg/logx"
)

// Check resolves and validates the configuration, reports which sources
// would be polled and, unless offline, verifies the bot token with getMe.
func Check(opts Options, offline bool, w io.Writer) error {
	cfg, err := config.NewManager(opts.ConfigPath, opts.EnvFile).Load()
	if err != nil {
		return err
	}
	if _, err := mapPollConfig(cfg); err != nil {
		return err
	}
	routes, err := mapRoutes(cfg)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "config:   %s\n", orNone(opts.ConfigPath))
	fmt.Fprintf(w, "schedule: %s\n", cfg.Poll.Interval)
	fmt.Fprintf(w, "storage:  %s %s\n", cfg.Storage.Driver, cfg.Storage.Path)
	fmt.Fprintf(w, "chat:     %d (youtube=%d vk=%d reddit=%d errors=%d)\n",
		routes.ChatID, routes.YouTube, routes.VK, routes.Reddit, routes.Errors)

	adapters := buildAdapters(cfg.Credentials, logx.Nop())
	ready := 0
	for _, a := range adapters {
		status := "missing credentials"
		if a.Configured() {
			status = fmt.Sprintf("ok (limit %d)", source.LimitFor(a.Name()))
			ready++
		}
		fmt.Fprintf(w, "source:   %-22s %s\n", a.Name(), status)
		_ = a.Close()
	}
	if ready == 0 {
		fmt.Fprintln(w, "warning:  no source is configured")
	}

	tg, err := telegram.New(telegram.Config{
		Token:   cfg.Credentials.TelegramBotToken,
		Timeout: cfg.Durations().Telegram,
		Offline: offline,
	}, logx.Nop())
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	if u := tg.Username(); u != "" {
		fmt.Fprintf(w, "telegram: @%s\n", u)
	}
	return nil
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}
