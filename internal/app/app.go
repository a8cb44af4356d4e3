package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"wxalert/internal/alert"
	"wxalert/internal/audio"
	"wxalert/internal/config"
	"wxalert/internal/dedup"
	"wxalert/internal/delivery"
	"wxalert/internal/eventbus"
	"wxalert/internal/feed"
	"wxalert/internal/health"
	"wxalert/internal/history"
	"wxalert/internal/notifier"
	"wxalert/internal/poller"
	"wxalert/internal/prefs"
	rtsup "wxalert/internal/runtime/supervisor"
	"wxalert/internal/storage"
	"wxalert/internal/transport/telegram"
	"wxalert/internal/web"
	logx "wxalert/pkg/logx"
)

// drainTimeout bounds the push queue flush after a RunOnce pass.
const drainTimeout = 30 * time.Second

// Orchestrator names. They double as heartbeat key suffixes.
const (
	Foreground = "foreground"
	Background = "background"
	Web        = "web"
	Manual     = "manual"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	kv    storage.KV
	hist  *history.Store
	prefs *prefs.Store
	feed  *feed.Client

	adapter *telegram.Adapter
	notif   *notifier.Service
	alarm   *audio.Alarm

	// pollers holds every orchestrator by name; timed lists those started
	// with the app and watched by the health monitor.
	pollers map[string]*poller.Orchestrator
	timed   []*poller.Orchestrator
	// first and visibility outlive orchestrator restarts.
	first      *poller.FirstBatch
	visibility *poller.Visibility

	health *health.Monitor
	web    *web.Service
}

// NewApp loads and validates the config at cfgPath and wires every component.
// Nothing runs until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	a := &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     eventbus.New(),
		pollers: map[string]*poller.Orchestrator{},

		first:      &poller.FirstBatch{},
		visibility: &poller.Visibility{},
	}
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	if err := a.wire(cfg, log); err != nil {
		if a.kv != nil {
			_ = a.kv.Close()
		}
		logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(cfg *config.Config, log logx.Logger) error {
	ctx := context.Background()

	// Storage
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	if enabled {
		kv, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		a.kv = kv
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	} else {
		a.kv = storage.NewMemory()
		a.log.Warn("storage disabled; history and preferences are kept in memory only")
	}

	a.hist = history.New(a.kv, log.With(logx.String("comp", "history")))
	defaults := alert.DefaultPreferences()
	if cfg.Defaults != nil {
		defaults = cfg.Defaults.Preferences(defaults)
	}
	a.prefs = prefs.New(a.kv, log.With(logx.String("comp", "prefs")), defaults)
	if err := a.prefs.Seed(ctx); err != nil {
		a.log.Warn("seeding preferences failed", logx.Err(err))
	}

	// Feed
	fc, err := mapFeedConfig(cfg)
	if err != nil {
		return err
	}
	a.feed = feed.NewClient(fc, log.With(logx.String("comp", "feed")))

	// Push transport and notifier
	var push delivery.Notifier
	if tg := cfg.Delivery.Telegram; tg != nil {
		ad, err := telegram.New(telegram.Config{Token: tg.Token, URL: tg.APIURL}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		ncfg, err := mapNotifierConfig(cfg)
		if err != nil {
			return err
		}
		a.adapter = ad
		a.notif = notifier.New(ncfg, ad, log.With(logx.String("comp", "notifier")), a.bus)
		push = a.notif
	}

	// Alarm
	if cfg.Delivery.Alarm.Enabled {
		maxDur, err := mapAlarmDuration(cfg)
		if err != nil {
			return err
		}
		player, err := audio.NewCommandPlayer(cfg.Delivery.Alarm.Command, log.With(logx.String("comp", "audio")))
		if err != nil {
			return fmt.Errorf("alarm: %w", err)
		}
		a.alarm = audio.NewAlarm(player, log.With(logx.String("comp", "alarm")), audio.WithMaxDuration(maxDur))
	}

	native := delivery.NewNative(push, mapTargets(cfg), a.alarm)
	webOut := delivery.NewWeb(a.bus)

	// Orchestrators
	newPoller := func(name string, src poller.Source, d delivery.Dispatcher) error {
		o, err := poller.New(poller.Config{
			Name:             name,
			Source:           src,
			Fetcher:          a.feed,
			Dispatcher:       d,
			Engine:           dedup.NewEngine(a.hist, log.With(logx.String("comp", "dedup"), logx.String("poller", name)), dedup.WithCursor(a.prefs)),
			Store:            a.prefs,
			History:          a.hist,
			Bus:              a.bus,
			FetchTimeout:     fc.Timeout,
			SilentFirstBatch: cfg.Polling.SilentFirstBatch,
			FirstBatch:       a.first,
		}, log.With(logx.String("comp", "poller")))
		if err != nil {
			return err
		}
		a.pollers[name] = o
		return nil
	}

	fgSpec, _ := mapSchedule("polling.foreground", cfg.Polling.Foreground, defaultForeground)
	fgEvery, _ := intervalOf("polling.foreground", fgSpec)
	if err := newPoller(Foreground, poller.IntervalSource{Every: fgEvery, Immediate: true}, native); err != nil {
		return err
	}
	bgSpec, _ := mapSchedule("polling.background", cfg.Polling.Background, defaultBackground)
	if err := newPoller(Background, poller.CronSource{Spec: bgSpec, Spread: true}, native); err != nil {
		return err
	}
	webSpec, _ := mapSchedule("polling.web", cfg.Polling.Web, defaultWeb)
	webEvery, _ := intervalOf("polling.web", webSpec)
	if err := newPoller(Web, poller.VisibilitySource{Every: webEvery, Bus: a.bus, State: a.visibility}, webOut); err != nil {
		return err
	}
	if err := newPoller(Manual, poller.ManualSource{}, native); err != nil {
		return err
	}
	for _, t := range []struct {
		name    string
		enabled bool
	}{
		{Foreground, cfg.Polling.Foreground.Enabled},
		{Background, cfg.Polling.Background.Enabled},
		{Web, cfg.Polling.Web.Enabled},
	} {
		if t.enabled {
			a.timed = append(a.timed, a.pollers[t.name])
		}
	}

	// Health
	if cfg.Health.Enabled {
		hc, err := mapHealthConfig(cfg)
		if err != nil {
			return err
		}
		targets := make([]health.Target, 0, len(a.timed))
		for _, o := range a.timed {
			targets = append(targets, o)
		}
		mon, err := health.New(hc, targets, a, a.prefs, a.bus, log)
		if err != nil {
			return err
		}
		a.health = mon
	}

	// Web surface
	wc, err := mapWebConfig(cfg)
	if err != nil {
		return err
	}
	a.web = web.New(wc, a.api(), log)
	return nil
}

func (a *App) api() *web.API {
	views := make([]web.Poller, 0, len(a.timed))
	for _, o := range a.timed {
		views = append(views, o)
	}
	api := &web.API{
		Bus:     a.bus,
		Store:   a.prefs,
		Pollers: views,
		Refresh: func(ctx context.Context) (poller.Report, error) {
			rep := a.ManualRefresh(ctx)
			if rep.Outcome == poller.OutcomeError {
				return rep, errors.New(rep.Err)
			}
			return rep, nil
		},
		NotificationsChanged: a.notificationsChanged,
		Log:                  a.log.With(logx.String("comp", "web")),
	}
	if a.health != nil {
		api.Health = func() any { return a.health.Last() }
	}
	if a.notif != nil {
		api.Notifier = func() any { return a.notif.Snapshot() }
	}
	return api
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

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	if a.notif != nil && a.notif.Enabled() {
		a.notif.Start(run)
	}
	vis, unsubVis := a.bus.Subscribe(8, eventbus.WebVisibility)
	a.sup.Go("visibility", func(c context.Context) error {
		defer unsubVis()
		return a.visibility.Track(c, vis)
	})
	a.web.Start(run)

	if a.prefs.Load(run).NotificationsEnabled {
		a.startPollers(run)
	} else {
		a.log.Info("notifications disabled; pollers idle until enabled")
	}

	if a.health != nil {
		a.sup.GoRestart("health", a.health.Run, rtsup.WithRestartBackoff(time.Second, time.Minute))
	}

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go("eventbus.log", func(c context.Context) error {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return nil
				case e, ok := <-events:
					if !ok {
						return nil
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.Int("pollers", len(a.timed)))
	return nil
}

// applyConfig applies the hot-reloadable parts of next: logging, notifier
// and web settings. Everything else needs a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLoggingConfig(next))

	if a.notif != nil {
		was := a.notif.Enabled()
		if ncfg, err := mapNotifierConfig(next); err != nil {
			a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		} else {
			a.notif.Apply(ncfg)
			switch {
			case was && !ncfg.Enabled:
				stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				a.notif.Stop(stopCtx)
				cancel()
			case !was && ncfg.Enabled:
				a.notif.Start(ctx)
			}
		}
	}

	if wc, err := mapWebConfig(next); err != nil {
		a.log.Warn("invalid web config; keeping previous", logx.Err(err))
	} else {
		a.web.Reconfigure(ctx, wc)
	}

	for _, s := range sections {
		switch s {
		case "storage", "feed", "polling", "health", "delivery.telegram", "delivery.alarm", "defaults":
			a.log.Warn("config section changed; restart required", logx.String("section", s))
		}
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) startPollers(ctx context.Context) {
	for _, o := range a.timed {
		o.Start(ctx)
	}
}

func (a *App) stopPollers(ctx context.Context) {
	for _, o := range a.timed {
		o.Stop(ctx)
	}
}

func (a *App) notificationsChanged(_ context.Context, enabled bool) {
	if a.sup == nil {
		return
	}
	run := a.sup.Context()
	if enabled {
		a.startPollers(run)
		return
	}
	stopCtx, cancel := context.WithTimeout(run, 5*time.Second)
	defer cancel()
	a.stopPollers(stopCtx)
	a.alarm.Stop()
}

// Restart stops and starts the named orchestrator. It implements
// health.Controller.
func (a *App) Restart(ctx context.Context, name string) error {
	o, ok := a.pollers[name]
	if !ok {
		return fmt.Errorf("unknown orchestrator %q", name)
	}
	if a.sup == nil {
		return errors.New("app not started")
	}
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	o.Stop(stopCtx)
	cancel()
	o.Start(a.sup.Context())
	return nil
}

// RunOnce runs one background pass. It is the entry point for OS-scheduled
// execution and does not need Start. Without Start it brings up push
// delivery for the pass and waits, bounded by ctx, for queued pushes and a
// sounding alarm to finish before returning.
func (a *App) RunOnce(ctx context.Context) poller.Report {
	if a.sup != nil {
		return a.pollers[Background].RunOnce(ctx)
	}
	if a.notif != nil && a.notif.Enabled() {
		a.notif.Start(ctx)
	}
	rep := a.pollers[Background].RunOnce(ctx)
	a.drainDelivery(ctx)
	return rep
}

// drainDelivery stops the notifier once its queue is flushed and waits for
// the alarm to end.
func (a *App) drainDelivery(ctx context.Context) {
	if a.notif != nil {
		c, cancel := context.WithTimeout(ctx, drainTimeout)
		a.notif.Stop(c)
		cancel()
	}
	c, cancel := context.WithTimeout(ctx, audio.MaxDuration+time.Second)
	defer cancel()
	if err := a.alarm.Wait(c); err != nil {
		a.log.Warn("alarm still sounding at exit", logx.Err(err))
	}
}

// ManualRefresh runs a manual refresh pass. The foreground orchestrator
// serves it when enabled so its session set is shared.
func (a *App) ManualRefresh(ctx context.Context) poller.Report {
	for _, o := range a.timed {
		if o.Name() == Foreground {
			return o.ManualRefresh(ctx)
		}
	}
	return a.pollers[Manual].ManualRefresh(ctx)
}

// ResetHistory clears the persisted notification history and the legacy
// seen list.
func (a *App) ResetHistory(ctx context.Context) error {
	return a.hist.Reset(ctx)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		a.sup.Cancel()
	}

	// step bounds one shutdown step so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

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
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("pollers", 3*time.Second, func(c context.Context) error {
		for _, o := range a.pollers {
			o.Stop(c)
		}
		return nil
	})
	step("alarm", time.Second, func(context.Context) error { a.alarm.Stop(); return nil })
	step("web", 2*time.Second, func(c context.Context) error { a.web.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error {
		if a.notif != nil {
			a.notif.Stop(c)
		}
		return nil
	})
	step("adapter", time.Second, func(c context.Context) error {
		if a.adapter != nil {
			return a.adapter.Stop(c)
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error { return a.kv.Close() })
	if a.sup != nil {
		step("supervisor", 2*time.Second, a.sup.Wait)
	}

	a.log.Info("stopped")
	return a.logs.Close()
}
