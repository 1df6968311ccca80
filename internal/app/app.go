// Package app assembles the daemon: configuration, logging, the probe
// schedulers and their history/notification consumers.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pulsed/internal/config"
	"pulsed/internal/eventbus"
	"pulsed/internal/history"
	"pulsed/internal/notify"
	rtsup "pulsed/internal/runtime/supervisor"
	logx "pulsed/pkg/logx"
)

type App struct {
	cfgPath string

	mgr  *config.Manager
	sup  *rtsup.Supervisor
	log  logx.Logger
	logs *logx.Service

	bus   eventbus.Bus
	store *history.Store
	notif *notify.Service

	pmu    sync.Mutex
	probes map[string]*probeRunner
}

func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load(context.Background())
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

	var store *history.Store
	if cfg.History != nil && cfg.History.Enabled {
		busyTimeout, err := config.ParseDurationField("history.busy_timeout", cfg.History.BusyTimeout)
		if err != nil {
			logSvc.Close()
			return nil, err
		}
		store, err = history.Open(history.Config{
			Path:        cfg.History.Path,
			Keep:        cfg.History.Keep,
			BusyTimeout: busyTimeout,
		}, log.With(logx.String("comp", "history")))
		if err != nil {
			logSvc.Close()
			return nil, err
		}
		log.Info("history enabled", logx.String("path", cfg.History.Path))
	}

	notif, err := buildNotify(cfg, log)
	if err != nil {
		_ = store.Close()
		logSvc.Close()
		return nil, err
	}

	return &App{
		cfgPath: cfgPath,
		mgr:     mgr,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		notif:   notif,
		probes:  map[string]*probeRunner{},
	}, nil
}

func buildNotify(cfg *config.Config, log logx.Logger) (*notify.Service, error) {
	n := cfg.Notify
	if n == nil || !n.Enabled {
		return notify.New(notify.Config{}, nil, log), nil
	}

	var sink notify.Sink = notify.NewLogSink(log.With(logx.String("comp", "alerts")))
	if n.Telegram != nil && n.Telegram.Enabled {
		pollTimeout, err := config.ParseDurationField("notify.telegram.poll_timeout", n.Telegram.PollTimeout)
		if err != nil {
			return nil, err
		}
		tg, err := notify.NewTelegram(notify.TelegramConfig{
			Token:       n.Telegram.Token,
			ChatID:      n.Telegram.ChatID,
			ThreadID:    n.Telegram.ThreadID,
			PollTimeout: pollTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("notify.telegram: %w", err)
		}
		sink = tg
	}

	return notify.New(notify.Config{
		Enabled:    true,
		QueueSize:  n.QueueSize,
		RatePerMin: n.RatePerMin,
		RetryMax:   3,
	}, sink, log.With(logx.String("comp", "notify"))), nil
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(false))
	a.mgr.SetLogger(a.log.With(logx.String("comp", "config")))

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}

	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("events.consume", func(c context.Context) {
		defer unsub()
		a.consumeEvents(c, events)
	})

	if err := a.applyProbes(a.mgr.Get()); err != nil {
		return err
	}

	// Hot reload fan-out: logging applies live, probe changes replace the
	// affected scheduler instances.
	sub := a.mgr.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.mgr.Unsubscribe(sub)
		last := a.mgr.Get()
		for {
			select {
			case <-c.Done():
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
				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
				})

				if !historyEqual(last, newCfg) {
					a.log.Warn("history config changed; restart required for changes to take effect")
				}
				if !notifyEqual(last, newCfg) {
					a.log.Warn("notify config changed; restart required for changes to take effect")
				}
				last = newCfg

				if err := a.applyProbes(newCfg); err != nil {
					a.log.Warn("probe reload failed; keeping previous schedulers", logx.Err(err))
					continue
				}
				a.log.Info("config reloaded")
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.mgr.Watch(c)
	})

	a.log.Info("started", logx.Int("probes", len(a.runnerNames())))
	return nil
}

// Stop shuts the daemon down: probe schedulers drain first (each within its
// own grace window), then the alert queue, then storage.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem > 0 && rem < max {
					max = rem
				}
			}
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("probes", 0, func(c context.Context) error { a.stopProbes(c); return nil })
	step("notify", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("history", time.Second, func(c context.Context) error { return a.store.Close() })

	a.sup.Cancel()
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

func historyEqual(a, b *config.Config) bool {
	ha, hb := a.History, b.History
	if (ha == nil) != (hb == nil) {
		return false
	}
	return ha == nil || *ha == *hb
}

func notifyEqual(a, b *config.Config) bool {
	na, nb := a.Notify, b.Notify
	if (na == nil) != (nb == nil) {
		return false
	}
	if na == nil {
		return true
	}
	ta, tb := na.Telegram, nb.Telegram
	if (ta == nil) != (tb == nil) {
		return false
	}
	if ta != nil && *ta != *tb {
		return false
	}
	ca, cb := *na, *nb
	ca.Telegram, cb.Telegram = nil, nil
	return ca == cb
}
