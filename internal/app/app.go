package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"datafarm/internal/allocator"
	"datafarm/internal/balance"
	"datafarm/internal/eventbus"
	"datafarm/internal/notifier"
	"datafarm/internal/observability/pprof"
	"datafarm/internal/scheduler"
	"datafarm/internal/storage"
	kit "datafarm/internal/transport"
	telegram "datafarm/internal/transport/telegram/adapter"
	logx "datafarm/pkg/logx"
)

// App wires the farm together: config, logging, the event bus, the agent
// scheduler, the position allocator, the notifier, and the Telegram
// operator surface.
type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter

	sched *scheduler.Service
	alloc *allocator.Service
	bal   *balance.Cache
	notif *notifier.Service
	pprof *pprof.Service

	alerts *alerter
	// rejects is touched only by the journal goroutine.
	rejects sizingRejects

	cmdm *CommandManager
	serv *Services

	msgs chan kit.Message
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
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

	// logx.New applies its config immediately. Bootstrap with the Telegram
	// sink off, set the target, then Apply the real flag so the first Apply
	// does not warn about a missing chat.
	logSvc, log := logx.New(mapLogConfig(cfg, false), ad)
	log = log.With(logx.String("comp", "app"))

	if chatID, ok := groupLogTarget(cfg); ok {
		logSvc.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
	}
	logSvc.Apply(mapLogConfig(cfg, cfg.Logging.Telegram.Enabled))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	provider, err := mapBalanceProvider(cfg)
	if err != nil {
		return nil, err
	}
	ccfg, err := mapBalanceCacheConfig(cfg)
	if err != nil {
		return nil, err
	}
	bal := balance.NewCache(provider, ccfg, log.With(logx.String("comp", "balance")))

	acfg, err := mapAllocatorConfig(cfg)
	if err != nil {
		return nil, err
	}
	alloc := allocator.New(acfg, bal.USD, log.With(logx.String("comp", "allocator")), bus)

	scfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(scfg, log.With(logx.String("comp", "scheduler")), bus)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notif := notifier.New(ncfg, ad, log.With(logx.String("comp", "notifier")), bus, store)

	pcfg, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}
	pprofSvc := pprof.New(pcfg, log.With(logx.String("comp", "pprof")))

	var alerts *alerter
	if target, ok := alertTarget(cfg); ok {
		alerts = newAlerter(notif, target)
	} else {
		log.Warn("no operator chat configured; agent alerts are dropped")
	}

	// The agent table is construction-time: the scheduler refuses
	// registration once started.
	registered, err := registerAgents(cfg, log, bus, sched, alloc, alerts)
	if err != nil {
		return nil, err
	}
	log.Info("agents registered", logx.Int("count", registered))

	serv := &Services{
		Scheduler:          sched,
		Allocator:          alloc,
		Notifier:           notif,
		Store:              store,
		RuntimeSupervisors: NewSupervisorRegistry(),
	}

	cmdm := NewCommandManager(log.With(logx.String("comp", "commands")),
		ad, cfgm, serv, cfg.Telegram.OwnerUserIDs)
	cmdm.SetRegistry(BuiltinCommands())

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		sched:   sched,
		alloc:   alloc,
		bal:     bal,
		notif:   notif,
		pprof:   pprofSvc,
		alerts:  alerts,
		cmdm:    cmdm,
		serv:    serv,
		msgs:    make(chan kit.Message, 256),
	}, nil
}

// Logger exposes the app-scoped logger for the process entrypoint.
func (a *App) Logger() logx.Logger { return a.log }

// Done is closed when the app supervisor context is canceled (fatal error
// or Stop).
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

// validateConfig gates both startup and hot reloads. Structural checks live
// in config.Validate; the agent rows need the scheduler's spec parser and
// the bodies' config decoders, so they are checked here.
func validateConfig(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	names := make([]string, 0, len(cfg.Agents))
	for name := range cfg.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := validateAgentRow(name, cfg.Agents[name]); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))
	a.serv.AppSupervisor = a.sup

	// Transactional reload: a config the validator rejects is never
	// committed or published.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		return validateConfig(cfg)
	})

	if err := a.adapter.Start(a.sup.Context(), a.msgs); err != nil {
		return err
	}
	if sup := a.adapter.Supervisor(); sup != nil {
		a.serv.RuntimeSupervisors.Set("telegram.adapter", sup)
	}

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
		if sup := a.notif.Supervisor(); sup != nil {
			a.serv.RuntimeSupervisors.Set("notifier", sup)
		}
	}
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}
	if a.pprof.Enabled() {
		a.pprof.Start(a.sup.Context())
		if sup := a.pprof.Supervisor(); sup != nil {
			a.serv.RuntimeSupervisors.Set("pprof", sup)
		}
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.msgs)
	})

	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("journal", func(c context.Context) {
		a.runJournal(c, events, unsub)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
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
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyConfig pushes a validated reload into the running services. Sections
// that only bind at construction (storage, allocator limits, balance
// provider, the agents table) get a restart-required warning instead.
func (a *App) applyConfig(ctx context.Context, prev, next *Config) {
	sections, attrs, agentsChanged := SummarizeConfigChange(prev, next)
	if len(sections) > 0 {
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Debug("config change summary", fields...)
	} else {
		a.log.Debug("config reload received, but no effective changes detected")
	}

	for _, s := range sections {
		switch s {
		case "storage":
			a.log.Warn("storage config changed; restart required")
		case "allocator":
			a.log.Warn("allocator limits changed; restart required")
		case "balance":
			a.log.Warn("balance provider changed; restart required")
		}
	}
	if len(agentsChanged) > 0 {
		a.log.Warn("agents table changed; restart required",
			logx.Any("agents", agentsChanged))
	}

	// Log target first so Apply does not warn when the Telegram sink is on.
	if chatID, ok := groupLogTarget(next); ok {
		a.logs.SetTelegramTarget(chatID, next.Logging.Telegram.ThreadID)
	} else {
		a.logs.SetTelegramTarget(0, 0)
	}
	a.logs.Apply(mapLogConfig(next, next.Logging.Telegram.Enabled))

	a.cmdm.SetOwners(next.Telegram.OwnerUserIDs)
	if a.alerts != nil {
		if target, ok := alertTarget(next); ok {
			a.alerts.setTarget(target)
		} else {
			a.alerts.setTarget(kit.ChatTarget{})
		}
	}

	// Scheduler sweep tuning applies live; the enabled flag flips Start/Stop.
	prevSched := a.sched.Enabled()
	if scfg, err := mapSchedulerConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Any("err", err))
	} else {
		a.sched.Apply(scfg)
		switch {
		case prevSched && !scfg.Enabled:
			a.log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
		case !prevSched && scfg.Enabled:
			a.log.Info("scheduler enabled via config")
			a.sched.Start(ctx)
		}
	}

	prevNotif := a.notif.Enabled()
	if ncfg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Any("err", err))
	} else {
		a.notif.Apply(ncfg)
		switch {
		case prevNotif && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !prevNotif && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	if ppc, err := mapPprofConfig(next); err != nil {
		a.log.Warn("invalid pprof config; keeping previous", logx.Any("err", err))
	} else {
		a.pprof.Reconfigure(ctx, ppc)
	}

	if len(sections) > 0 {
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Info("config reloaded", fields...)
	} else {
		a.log.Info("config reloaded (no changes)")
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// step bounds one shutdown stage so a single component cannot stall the
	// whole stop. The caller's deadline is honored, never extended.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

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
				a.log.Warn("stop step error", logx.String("name", name), logx.String("err", err.Error()))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; when it does not, log the leak and
			// watch for a late finish.
			elapsed := time.Since(start)
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.String("err", stepCtx.Err().Error()),
				logx.Duration("elapsed", elapsed),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline",
						logx.String("name", name), logx.String("err", err.Error()), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline",
						logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Scheduler first so in-flight agent runs drain before their
	// collaborators go away.
	step("scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("pprof", 1*time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, the supervised loops (config watch/reload, dispatcher, journal).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
