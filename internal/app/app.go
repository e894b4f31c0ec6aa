// Package app wires configuration, storage, transport, the monitor and the
// command front end into one runnable unit.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"chanwatch/internal/alert"
	"chanwatch/internal/broadcast"
	"chanwatch/internal/commands"
	"chanwatch/internal/config"
	"chanwatch/internal/eventbus"
	"chanwatch/internal/monitor"
	"chanwatch/internal/runtime/supervisor"
	"chanwatch/internal/schedule"
	"chanwatch/internal/storage"
	"chanwatch/internal/transport"
	"chanwatch/internal/transport/telegram"
	logx "chanwatch/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	bus     eventbus.Bus
	store   storage.Store
	adapter *telegram.Adapter

	mon   *monitor.Monitor
	fan   *broadcast.Broadcaster
	cmds  *commands.Manager
	timer *schedule.Timer

	sup     *supervisor.Supervisor
	updates chan transport.Message
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
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
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	store, err := storage.Open(cfg.StoreConfig(), log.With(logx.String("comp", "store")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: cfg.PollTimeout(),
		RatePerSec:  int(cfg.Telegram.RatePerSec),
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, fmt.Errorf("telegram adapter: %w", err)
	}

	bus := eventbus.New()
	prober := monitor.NewProber(adapter, log.With(logx.String("comp", "probe")))
	alerts := alert.New(adapter, log.With(logx.String("comp", "alert")))
	mon := monitor.New(store, prober, alerts, bus, log.With(logx.String("comp", "monitor")))
	fan := broadcast.New(adapter, store, bus, log.With(logx.String("comp", "broadcast")))
	cmds := commands.NewManager(store, mon, fan, adapter, log.With(logx.String("comp", "commands")))

	a := &App{
		cfgm:    cfgm,
		logs:    logSvc,
		log:     log,
		bus:     bus,
		store:   store,
		adapter: adapter,
		mon:     mon,
		fan:     fan,
		cmds:    cmds,
		updates: make(chan transport.Message, 128),
	}
	if err := a.seedOwner(cfg.Telegram.OwnerUserID); err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

// seedOwner installs the configured owner when the seat is still open.
// A store-claimed owner always wins over the config value.
func (a *App) seedOwner(id int64) error {
	if id == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	owner, err := a.store.Owner(ctx)
	if err != nil {
		return fmt.Errorf("read owner: %w", err)
	}
	if owner != 0 {
		return nil
	}
	if err := a.store.SetOwner(ctx, id); err != nil {
		return fmt.Errorf("seed owner: %w", err)
	}
	a.log.Info("owner seeded from config", logx.Int64("user", id))
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, a.log.With(logx.String("comp", "supervisor")))
	runCtx := a.sup.Context()

	set, err := a.store.Settings(runCtx)
	if err != nil {
		return fmt.Errorf("read settings: %w", err)
	}

	a.timer = schedule.NewTimer(func() {
		if err := a.mon.RunPass(runCtx); err != nil && runCtx.Err() == nil {
			a.log.Warn("scheduled pass failed", logx.Err(err))
		}
	})
	if err := a.timer.Start(set.CheckInterval); err != nil {
		return fmt.Errorf("start timer: %w", err)
	}
	a.mon.SetTimer(a.timer)
	a.cmds.SetTimerView(a.timer)

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return fmt.Errorf("start polling: %w", err)
	}

	a.sup.Go0("commands", func(ctx context.Context) {
		a.cmds.DispatchLoop(ctx, a.updates)
	})
	a.sup.Go("config-watch", func(ctx context.Context) error {
		return a.cfgm.Watch(ctx)
	})
	a.sup.Go0("config-apply", a.applyConfigLoop)
	a.sup.Go0("audit", a.auditLoop)
	a.sup.Go0("watchdog", watchdogLoop)

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("systemd notified ready")
	}

	a.log.Info("started",
		logx.Duration("check_interval", set.CheckInterval),
		logx.Bool("monitoring", set.Active))
	return nil
}

// applyConfigLoop applies hot-reloaded config. Only logging changes take
// effect live; token or storage changes need a restart and are logged as
// such.
func (a *App) applyConfigLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(2)
	defer a.cfgm.Unsubscribe(sub)
	prev := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			if prev != nil && (cfg.Telegram != prev.Telegram || cfg.Storage != prev.Storage) {
				a.log.Warn("telegram/storage config changed; restart required to apply")
			}
			prev = cfg
		}
	}
}

// auditLoop persists monitor and broadcast outcomes from the bus.
func (a *App) auditLoop(ctx context.Context) {
	events, unsub := a.bus.Subscribe(32)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			entry, ok := auditEntryFor(e)
			if !ok {
				continue
			}
			wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := a.store.AppendAudit(wctx, entry); err != nil {
				a.log.Warn("audit write failed", logx.String("event", e.Type), logx.Err(err))
			}
			cancel()
		}
	}
}

func auditEntryFor(e eventbus.Event) (storage.AuditEntry, bool) {
	switch e.Type {
	case eventbus.EventPass:
		stats, ok := e.Data.(monitor.PassStats)
		if !ok || stats.Skipped {
			return storage.AuditEntry{}, false
		}
		return storage.AuditEntry{
			At:     e.Time,
			Action: "monitor_pass",
			OK:     stats.Healthy,
			Fail:   stats.Banned,
		}, true
	case eventbus.EventChannelBanned:
		data, ok := e.Data.(monitor.BannedEvent)
		if !ok {
			return storage.AuditEntry{}, false
		}
		return storage.AuditEntry{
			At:     e.Time,
			Action: "channel_banned",
			Target: data.Address,
			Error:  data.Error,
		}, true
	default:
		return storage.AuditEntry{}, false
	}
}

// watchdogLoop pets the systemd watchdog when one is armed.
func watchdogLoop(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}

// Stop shuts everything down in dependency order with per-step bounds.
func (a *App) Stop(ctx context.Context) {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("stopping")

	if a.timer != nil {
		a.timer.Stop()
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := a.adapter.Stop(stopCtx); err != nil {
		a.log.Warn("polling stop", logx.Err(err))
	}
	cancel()

	if a.sup != nil {
		a.sup.Cancel()
		a.sup.Wait(10 * time.Second)
	}

	if err := a.store.Close(); err != nil {
		a.log.Warn("store close", logx.Err(err))
	}
	a.log.Info("stopped")
	_ = a.logs.Close()
}
