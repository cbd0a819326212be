// Package app builds the communication agent from a config file and runs
// its long-lived services.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"commagent/internal/access"
	"commagent/internal/classify"
	"commagent/internal/comms"
	"commagent/internal/config"
	"commagent/internal/dispatch"
	"commagent/internal/domain"
	"commagent/internal/eventbus"
	"commagent/internal/fanout"
	"commagent/internal/lease"
	"commagent/internal/metrics"
	"commagent/internal/notifier"
	"commagent/internal/route"
	"commagent/internal/runtime/supervisor"
	"commagent/internal/schedule"
	"commagent/internal/storage"
	"commagent/internal/task/engine"
	"commagent/internal/tracker"
	"commagent/internal/transport"
	"commagent/internal/transport/telegram"
	logx "commagent/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	cfg  *config.Config
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   *storage.Store
	metrics *metrics.Metrics
	mserver *metrics.Server
	mux     *transport.Mux
	tg      *telegram.Adapter
	tgOwner string
	locker  lease.Locker

	engine *engine.Service
	sched  *schedule.Manager
	notif  *notifier.Service
	disp   *dispatch.Dispatcher
	fanout *fanout.Service
	router *route.Router
	comms  *comms.Service

	inbound chan transport.Inbound
}

// New loads cfgPath and builds the app. The file is watched for hot
// reload once the app is started.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	a, err := Build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.cfgm = cfgm
	return a, nil
}

// Build wires every component from cfg without starting anything. CLI
// commands use it directly for one-shot work against the store.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	rc, err := mapConfig(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(rc.log)
	log = log.With(logx.String("comp", "app"))
	bus := eventbus.New()
	m := metrics.New()

	store, err := storage.Open(rc.storage, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", rc.storage.Driver))

	locker, err := lease.Open(ctx, rc.lease, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	// transports: telegram owns "chat" when enabled; the log sender covers
	// whatever configured channel is still unhandled.
	mux := transport.NewMux()
	var tg *telegram.Adapter
	if tc := cfg.Transport.Telegram; tc.Enabled {
		tg, err = telegram.New(telegram.Config{Token: tc.Token, PollTimeout: rc.telegram}, log)
		if err != nil {
			_ = locker.Close()
			_ = store.Close()
			return nil, fmt.Errorf("telegram: %w", err)
		}
		mux.Handle(domain.ChannelChat, tg)
	}
	if lt := cfg.Transport.Log; lt.Enabled {
		ls := transport.NewLogSender(log)
		for _, ch := range lt.Channels {
			if !mux.Has(ch) {
				mux.Handle(ch, ls)
			}
		}
	}
	if len(mux.Channels()) == 0 {
		log.Warn("no transport configured; every send will fail")
	}

	tr := tracker.New(store, log, tracker.WithBus(bus))
	disp := dispatch.New(rc.dispatch, store, tr, mux, log, dispatch.WithBus(bus), dispatch.WithMetrics(m))
	fo := fanout.New(rc.fanout, disp, log)

	notif := notifier.New(rc.notifier, mux, log, bus, store.Backend())
	notif.SetMetrics(m)

	eng := engine.New(rc.engine, log, bus)
	checker := access.NewTenantChecker(store)
	sched := schedule.New(rc.schedule, schedule.Deps{
		Store:   store,
		Access:  checker,
		Fanout:  fo,
		Engine:  eng,
		Lease:   locker,
		Bus:     bus,
		Metrics: m,
	}, log)

	router := route.New(store, tr, classify.New(classify.StemmerByName(cfg.Classifier.Stemmer)), log,
		route.WithNotifier(notif),
		route.WithDispatcher(disp),
		route.WithBus(bus),
		route.WithMetrics(m),
	)
	svc := comms.New(comms.Deps{
		Store:    store,
		Tracker:  tr,
		Router:   router,
		Dispatch: disp,
		Fanout:   fo,
		Schedule: sched,
		Access:   checker,
		Bus:      bus,
	}, log)

	a := &App{
		cfg:     cfg,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		metrics: m,
		mux:     mux,
		tg:      tg,
		tgOwner: strings.TrimSpace(cfg.Transport.Telegram.TenantID),
		locker:  locker,
		engine:  eng,
		sched:   sched,
		notif:   notif,
		disp:    disp,
		fanout:  fo,
		router:  router,
		comms:   svc,
		inbound: make(chan transport.Inbound, 256),
	}
	if cfg.Metrics.Enabled {
		addr := strings.TrimSpace(cfg.Metrics.Addr)
		if addr == "" {
			addr = metrics.DefaultAddr
		}
		a.mserver = metrics.NewServer(addr, m, log)
	}
	return a, nil
}

func (a *App) Comms() *comms.Service       { return a.comms }
func (a *App) Router() *route.Router       { return a.router }
func (a *App) Schedule() *schedule.Manager { return a.sched }
func (a *App) Store() *storage.Store       { return a.store }
func (a *App) Logger() logx.Logger         { return a.log }
func (a *App) Bus() eventbus.Bus           { return a.bus }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs the services. Order: sinks first (notifier, engine), then the
// scheduler that feeds the engine, then intake.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	run := a.sup.Context()

	if a.notif.Enabled() {
		a.notif.Start(run)
	}
	if a.engine.Enabled() {
		a.engine.Start(run)
	}
	if a.sched.Enabled() {
		a.sched.Start(run)
	}
	if a.mserver != nil {
		a.mserver.Start(run)
	}

	if a.tg != nil {
		if err := a.tg.Start(run, a.inbound); err != nil {
			return err
		}
		a.sup.Go("inbound.loop", a.inboundLoop)
	}

	if a.bus != nil {
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
					// debug only: dispatch and status events are frequent
					a.log.Debug("event", logx.String("type", e.Type), logx.String("tenant", e.TenantID), logx.Time("time", e.Time))
				}
			}
		})
	}

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
			_, err := mapConfig(cfg)
			return err
		})
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			a.reloadLoop(c, sub)
		})
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	a.log.Info("app started",
		logx.Strings("channels", a.mux.Channels()),
		logx.Int("triggers", a.sched.Count()),
	)
	return nil
}

func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig hot-applies logging, notifier, dispatch and scheduler
// settings. Other sections are logged as restart-required.
func (a *App) applyConfig(c context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	rc, err := mapConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.Strings("sections", restart))
	}

	a.logs.Apply(rc.log)
	a.disp.Apply(rc.dispatch)
	a.fanout.Apply(rc.fanout)

	prevNotif := a.notif.Enabled()
	a.notif.Apply(rc.notifier)
	switch {
	case prevNotif && !rc.notifier.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !prevNotif && rc.notifier.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(c)
	}

	// engine first on startup, scheduler first on shutdown
	prevSched := a.sched.Enabled()
	prevEng := a.engine.Enabled()
	a.engine.Apply(c, rc.engine)
	a.sched.Apply(rc.schedule)
	if prevSched && !rc.schedule.Enabled {
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	}
	if prevEng && !rc.engine.Enabled {
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.engine.Stop(stopCtx)
		cancel()
	}
	if !prevEng && rc.engine.Enabled {
		a.engine.Start(c)
	}
	if !prevSched && rc.schedule.Enabled {
		a.log.Info("scheduler enabled via config")
		a.sched.Start(c)
	}

	a.bus.Publish(eventbus.Event{
		Type: eventbus.ConfigReloaded,
		Time: time.Now(),
		Data: map[string]string{"changed": strings.Join(sections, ",")},
	})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts services down in reverse dependency order. Each step is
// bounded so one component cannot stall the whole stop.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.closeResources()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				var cancel context.CancelFunc
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
			// fn must honor stepCtx; if it does not, note the leak and move on.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("telegram", 2*time.Second, func(c context.Context) error {
		if a.tg == nil {
			return nil
		}
		return a.tg.Stop(c)
	})
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("metrics", time.Second, func(c context.Context) error {
		if a.mserver != nil {
			a.mserver.Stop(c)
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("resources", time.Second, func(context.Context) error { return a.closeResources() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// Close releases the store and lease for apps that were built but never
// started (CLI one-shots).
func (a *App) Close() error {
	err := a.closeResources()
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

func (a *App) closeResources() error {
	var errs []error
	if a.locker != nil {
		errs = append(errs, a.locker.Close())
		a.locker = nil
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
		a.store = nil
	}
	return errors.Join(errs...)
}
