// Package app wires configuration, logging, storage, the source adapters,
// the poller and the delivery queue into one process and owns its
// start/stop order.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"commentwatch/internal/config"
	"commentwatch/internal/eventbus"
	"commentwatch/internal/httpapi"
	"commentwatch/internal/notify"
	"commentwatch/internal/poller"
	"commentwatch/internal/runtime/supervisor"
	"commentwatch/internal/state"
	"commentwatch/internal/transport/telegram"
	logx "commentwatch/pkg/logx"
	"commentwatch/pkg/systemd"
)

type Options struct {
	ConfigPath string
	EnvFile    string
	Version    string
}

type App struct {
	opts Options

	cfgm *config.Manager
	cfg  *config.Config

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store state.Store
	tg    *telegram.Adapter
	disp  *notify.Dispatcher
	poll  *poller.Poller
	http  *httpapi.Server
	sd    *systemd.Notifier

	sup *supervisor.Supervisor
	// pollSup runs only the poller so it can be stopped before the final save.
	pollSup *supervisor.Supervisor
}

// New loads the configuration and constructs every component. Nothing runs
// until Start.
func New(opts Options) (*App, error) {
	cfgm := config.NewManager(opts.ConfigPath, opts.EnvFile)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	pollCfg, err := mapPollConfig(cfg)
	if err != nil {
		return nil, err
	}
	routes, err := mapRoutes(cfg)
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole(cfg.Logging.Level).With(logx.Component("telegram"))
	tg, err := telegram.New(telegram.Config{
		Token:   cfg.Credentials.TelegramBotToken,
		Timeout: cfg.Durations().Telegram,
	}, bootLog)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}

	// Start with the Telegram sink off so Apply does not warn about a
	// missing target, then enable it.
	logs, log := logx.New(mapLogConfig(cfg, false), tg)
	logs.SetTelegramTarget(routes.ErrorTarget())
	logs.Apply(mapLogConfig(cfg, true))
	cfgm.SetLogger(log.With(logx.Component("config")))

	store, err := state.Open(mapStorageConfig(cfg), log.With(logx.Component("state")))
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("state: %w", err)
	}

	bus := eventbus.New()
	disp := notify.New(mapNotifyConfig(cfg), tg, routes, log, bus)
	adapters := buildAdapters(cfg.Credentials, log)
	poll := poller.New(pollCfg, adapters, store, disp, log, bus)

	a := &App{
		opts:  opts,
		cfgm:  cfgm,
		cfg:   cfg,
		log:   log.With(logx.Component("app")),
		logs:  logs,
		bus:   bus,
		store: store,
		tg:    tg,
		disp:  disp,
		poll:  poll,
		sd:    systemd.NewNotifier(log.With(logx.Component("systemd"))),
	}
	if cfg.HTTP.Enabled {
		a.http = httpapi.New(httpapi.Config{Addr: cfg.HTTP.Addr, Version: opts.Version},
			poll, disp, bus, log)
	}
	return a, nil
}

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first task failure, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	if err := a.sup.Err(); err != nil {
		return err
	}
	return a.pollSup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))
	a.pollSup = supervisor.New(a.sup.Context(), supervisor.WithLogger(a.log))

	if len(a.poll.Sources()) == 0 {
		a.log.Warn("no source is configured; nothing will be polled")
	}
	if err := a.poll.Load(a.sup.Context()); err != nil {
		return err
	}

	// The queue outlives the app context so Stop can drain it.
	a.disp.Start(context.Background())

	if a.http != nil {
		a.http.SetTasks(a.sup)
		if err := a.http.Start(); err != nil {
			return fmt.Errorf("http: %w", err)
		}
	}

	a.watchCycles()
	a.startPolling()

	cfgUpdates := a.cfgm.Subscribe(4)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, cfgUpdates) })
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.sd.Ready()
	a.sd.Status("polling " + strings.Join(a.poll.Sources(), ", "))
	a.log.Info("app started",
		logx.Strings("sources", a.poll.Sources()),
		logx.String("storage", a.cfg.Storage.Driver),
		logx.Bool("http", a.http != nil),
	)
	return nil
}

// startPolling runs the poller under pollSup. Any exit that was not asked
// for, a panic included, ends the process so Stop still gets its final save.
func (a *App) startPolling() {
	a.pollSup.Go("poller", func(c context.Context) error {
		defer func() {
			if c.Err() == nil {
				a.sup.Cancel()
			}
		}()
		return a.poll.Run(c)
	})
}

// watchCycles pets the systemd watchdog after every finished cycle.
func (a *App) watchCycles() {
	events, unsub := a.bus.Subscribe(8, eventbus.CycleFinished)
	if wd := a.sd.WatchdogInterval(); wd > 0 {
		if gap := a.pollInterval(); gap >= wd {
			a.log.Warn("poll interval is not shorter than the systemd watchdog",
				logx.Duration("interval", gap), logx.Duration("watchdog", wd))
		}
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case _, ok := <-events:
				if !ok {
					return
				}
				a.sd.Watchdog()
			}
		}
	})
}

func (a *App) pollInterval() time.Duration {
	sched, err := poller.ParseSchedule(a.cfg.Poll.Interval)
	if err != nil {
		return 0
	}
	now := time.Now()
	return sched.Next(now).Sub(now)
}

// reloadLoop applies logging changes live. Everything else needs a restart.
func (a *App) reloadLoop(ctx context.Context, updates <-chan *config.Config) {
	last := a.cfg
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-updates:
			if !ok {
				return
			}
			changed, attrs := config.SummarizeChange(last, next)
			if len(changed) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}
			last = next

			if routes, err := mapRoutes(next); err == nil {
				a.logs.SetTelegramTarget(routes.ErrorTarget())
			}
			a.logs.Apply(mapLogConfig(next, true))

			fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
			if pending := config.NeedsRestart(changed); len(pending) > 0 {
				a.log.Warn("config changes need a restart to take effect", logx.Strings("sections", pending))
			}
		}
	}
}

// Stop shuts down in order: polling, final save, delivery drain, the
// remaining tasks, then the log sinks.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.closeUnstarted()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	step("poller", 5*time.Second, a.pollSup.Stop)
	step("http", 2*time.Second, func(c context.Context) error {
		if a.http == nil {
			return nil
		}
		return a.http.Stop(c)
	})
	// Runs even when the poller task panicked.
	step("state", 30*time.Second, a.poll.Shutdown)
	step("notify", drainTimeout(a.cfg), func(c context.Context) error {
		a.disp.Stop(c)
		return nil
	})
	step("supervisor", 2*time.Second, a.sup.Stop)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	st := a.disp.Stats()
	a.log.Info("stopped",
		logx.Uint64("sent", st.Sent),
		logx.Uint64("failed", st.Failed),
		logx.Uint64("dropped", st.Dropped),
	)
	_ = a.logs.Close()
	return errors.Join(errs...)
}

func (a *App) closeUnstarted() error {
	err := a.store.Close()
	_ = a.logs.Close()
	return err
}
