package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"postbot/internal/editor"
	"postbot/internal/eventbus"
	"postbot/internal/publisher"
	"postbot/internal/schedule"
	"postbot/internal/scheduler"
	"postbot/internal/storage"
	kit "postbot/internal/transport"
	"postbot/internal/transport/telegram"
	"postbot/internal/wizard"
	logx "postbot/pkg/logx"
	"postbot/pkg/tgui"
)

// App owns the full pipeline: transport, storage, composition dialog,
// scheduler, publisher, editor and the operator command surface.
type App struct {
	cfgPath string
	cfgm    *ConfigManager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	adapter kit.Adapter

	planner *schedule.Planner
	sched   *scheduler.Service
	exec    *publisher.Executor
	editor  *editor.Reconciler
	wizard  *wizard.Manager

	router *Router
	tokens *tgui.TokenStore

	supMu sync.Mutex
	sup   *Supervisor

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))

	pollTimeout, err := parseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg), ad)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	loc := time.Local
	if tz := strings.TrimSpace(cfg.Schedule.Timezone); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("schedule.timezone: invalid %q: %w", tz, err)
		}
	}
	maxHorizon, err := parseDurationOrDefault("schedule.max_horizon", cfg.Schedule.MaxHorizon, 0)
	if err != nil {
		return nil, err
	}
	planner := &schedule.Planner{Location: loc, MaxHorizon: maxHorizon}

	pubCfg, err := mapPublisherConfig(cfg)
	if err != nil {
		return nil, err
	}
	exec := publisher.New(pubCfg, store, ad, bus, log.With(logx.String("comp", "publisher")))

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	schedSvc := scheduler.New(schedCfg, store, exec, log.With(logx.String("comp", "scheduler")))

	ed := editor.New(editor.Config{ChannelID: cfg.Telegram.ChannelID}, store, ad, log.With(logx.String("comp", "editor")))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		planner: planner,
		sched:   schedSvc,
		exec:    exec,
		editor:  ed,
		tokens:  tgui.NewTokenStore().WithTTL(2 * time.Minute),
		updates: make(chan kit.Update, 256),
	}

	wcfg, err := mapComposerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.wizard = wizard.NewManager(wcfg, store, planner, schedSvc,
		func(userID int64, text string) { a.notifyUser(a.runContext(), userID, text) },
		log.With(logx.String("comp", "wizard")))

	a.router = NewRouter(log.With(logx.String("comp", "router")), ad, cfg.Telegram.OwnerUserIDs)
	a.registerRoutes()

	return a, nil
}

func (a *App) runContext() context.Context {
	a.supMu.Lock()
	sup := a.sup
	a.supMu.Unlock()
	if sup == nil {
		return context.Background()
	}
	return sup.Context()
}

// Done is closed when the app run context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	a.supMu.Lock()
	sup := a.sup
	a.supMu.Unlock()
	if sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	a.supMu.Lock()
	sup := a.sup
	a.supMu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	sup := NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))
	a.supMu.Lock()
	a.sup = sup
	a.supMu.Unlock()

	// Transactional config reload: a broken edit never replaces a working
	// config.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		// Component mappings reject values Validate alone cannot see.
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapComposerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapPublisherConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	if err := a.adapter.Start(sup.Context(), a.updates); err != nil {
		return err
	}
	if err := a.sched.Start(sup.Context()); err != nil {
		return err
	}

	a.watchOutcomes(sup)

	sup.Go("router.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})

	// Config hot-reload fan-out.
	subCh := a.cfgm.Subscribe(8)
	sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(subCh)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-subCh:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-subCh:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyConfig applies what can change live (logging, owner list) and warns
// about the rest. Transport, storage and pipeline timings are constructor
// parameters; changing them needs a restart.
func (a *App) applyConfig(oldCfg, newCfg *Config) {
	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	a.logs.Apply(mapLoggingConfig(newCfg))

	a.router.SetOwners(newCfg.Telegram.OwnerUserIDs)

	for _, s := range sections {
		switch s {
		case "storage", "composer", "schedule":
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		case "telegram":
			if oldCfg.Telegram.Token != newCfg.Telegram.Token || oldCfg.Telegram.ChannelID != newCfg.Telegram.ChannelID {
				a.log.Warn("telegram token/channel changed; restart required for it to take effect")
			}
		}
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context) error {
	a.supMu.Lock()
	sup := a.sup
	a.supMu.Unlock()
	if sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	sup.Cancel()

	// Run each shutdown step with an upper bound so one component cannot
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
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

	step("scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", 2*time.Second, func(c context.Context) error { return a.store.Close() })
	step("supervisor", 3*time.Second, func(c context.Context) error { return sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
