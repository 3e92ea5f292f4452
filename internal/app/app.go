// Package app wires the daemon together: config, logging, storage,
// the notification pipeline, the upstream watcher and the HTTP front.
package app

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"previewd/internal/artifact"
	"previewd/internal/config"
	"previewd/internal/dedup"
	"previewd/internal/eventbus"
	"previewd/internal/history"
	"previewd/internal/notify"
	"previewd/internal/preview"
	"previewd/internal/runtime/supervisor"
	"previewd/internal/server"
	"previewd/internal/settings"
	"previewd/internal/sink"
	"previewd/internal/upstream"
	"previewd/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager
	sup     *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    *history.Store
	settings *settings.Store
	previews *preview.Manager
	orch     *notify.Orchestrator
	watcher  *upstream.Watcher
	hub      *server.Hub
	srv      *server.Server
	pruner   *history.Pruner
	telegram *sink.Telegram
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	settingsPath := strings.TrimSpace(cfg.Storage.SettingsPath)
	if settingsPath == "" {
		settingsPath = filepath.Join(filepath.Dir(cfg.Storage.Path), "settings.json")
	}
	st := settings.NewStore(settingsPath, log.With(logx.String("comp", "settings")))

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := history.Open(history.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "history")))
	if err != nil {
		return nil, err
	}

	hub := server.NewHub(log)
	previews := preview.NewManager(hub, st.Get(), log,
		preview.WithGallery(hub),
		preview.WithBus(bus),
	)
	hub.SetControl(previews)

	unsubSettings := st.Subscribe(previews.ApplySettings)

	orch := notify.New(
		notify.Config{RatePerSec: cfg.Notify.RatePerSec},
		store,
		artifact.Resolver{},
		dedup.New(),
		previews,
		log,
		notify.WithBus(bus),
		notify.WithUnsubscribe(unsubSettings),
	)

	pollInterval, err := config.ParseDurationOrDefault("upstream.poll_interval", cfg.Upstream.PollInterval, 5*time.Second)
	if err != nil {
		return nil, err
	}
	reconnectMax, err := config.ParseDurationOrDefault("upstream.reconnect_max", cfg.Upstream.ReconnectMax, 30*time.Second)
	if err != nil {
		return nil, err
	}
	watcher := upstream.New(upstream.Config{
		BaseURL:      cfg.Upstream.URL,
		ClientID:     cfg.Upstream.ClientID,
		PollInterval: pollInterval,
		ReconnectMax: reconnectMax,
	}, orch, store, log, upstream.WithBus(bus))

	srvCfg := server.Config{Addr: cfg.Server.Addr, UpstreamURL: cfg.Upstream.URL}
	if srvCfg.ReadTimeout, err = config.ParseDurationField("server.read_timeout", cfg.Server.ReadTimeout); err != nil {
		return nil, err
	}
	if srvCfg.WriteTimeout, err = config.ParseDurationField("server.write_timeout", cfg.Server.WriteTimeout); err != nil {
		return nil, err
	}
	if srvCfg.IdleTimeout, err = config.ParseDurationField("server.idle_timeout", cfg.Server.IdleTimeout); err != nil {
		return nil, err
	}
	srv, err := server.New(srvCfg, store, st, orch, watcher, hub, log)
	if err != nil {
		return nil, err
	}

	pruner := history.NewPruner(store, func() int { return st.Get().HistoryLimit },
		strings.TrimSpace(cfg.Retention.Schedule), log)

	var tg *sink.Telegram
	if cfg.Telegram != nil && cfg.Telegram.Enabled {
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		tg, err = sink.New(sink.Config{
			Token:       cfg.Telegram.Token,
			ChatID:      cfg.Telegram.ChatID,
			PollTimeout: pollTimeout,
			RatePerSec:  cfg.Telegram.RatePerSec,
		}, bus, log)
		if err != nil {
			return nil, err
		}
	}

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		settings: st,
		previews: previews,
		orch:     orch,
		watcher:  watcher,
		hub:      hub,
		srv:      srv,
		pruner:   pruner,
		telegram: tg,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	if err := a.pruner.Start(); err != nil {
		return err
	}
	if a.telegram != nil {
		a.telegram.Start()
	}

	a.sup.Go0("upstream.watch", a.watcher.Run)

	serveErr := a.srv.Start()
	a.sup.Go("http.serve", func(c context.Context) error {
		select {
		case <-c.Done():
			return nil
		case err := <-serveErr:
			return err
		}
	})

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.sup.Go("config.watch", a.cfgm.Watch)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.log.Info("previewd started")
	return nil
}

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// reloadLoop applies hot-reloadable sections of the bootstrap config.
// Sections that cannot change live (server, storage, upstream) are
// logged as restart-required.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			sections, attrs := config.SummarizeChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config change summary", fields...)

			for _, s := range sections {
				switch s {
				case "logging":
					a.logs.Apply(logx.Config{
						Level:   newCfg.Logging.Level,
						Console: newCfg.Logging.Console,
						File: logx.FileConfig{
							Enabled: newCfg.Logging.File.Enabled,
							Path:    newCfg.Logging.File.Path,
						},
					})
				case "server", "storage", "upstream", "telegram", "notify":
					a.log.Warn("config section changed; restart required for changes to take effect",
						logx.String("section", s))
				}
			}
		}
	}
}

// Stop shuts everything down in dependency order: intake first, then
// presentation, then the HTTP front and storage.
func (a *App) Stop(ctx context.Context) error {
	if a.sup != nil {
		a.sup.Cancel()
	}
	a.orch.Dispose()
	a.previews.Dispose()
	a.pruner.Stop()
	if a.telegram != nil {
		a.telegram.Stop()
	}

	var firstErr error
	if err := a.srv.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := a.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	a.log.Info("previewd stopped")
	_ = a.logs.Close()
	return firstErr
}
