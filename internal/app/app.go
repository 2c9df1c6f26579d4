// Package app wires the notification subsystem together: config, logging,
// storage, the bus, the rule engine and its dispatcher, the scheduler, the
// push connection, delivery channels and the ops server.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"crmnotify/internal/api"
	"crmnotify/internal/channels"
	"crmnotify/internal/config"
	"crmnotify/internal/connection"
	"crmnotify/internal/eventbus"
	"crmnotify/internal/metrics"
	"crmnotify/internal/model"
	"crmnotify/internal/ops"
	"crmnotify/internal/prefs"
	"crmnotify/internal/restapi"
	"crmnotify/internal/rules"
	rtsup "crmnotify/internal/runtime/supervisor"
	"crmnotify/internal/scheduler"
	"crmnotify/internal/storage"
	logx "crmnotify/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log     logx.Logger
	logs    *logx.Service
	metrics *metrics.Metrics
	bus     eventbus.Bus
	store   storage.Store
	rest    *restapi.Client

	filter  *prefs.Filter
	webhook *channels.Webhook
	inapp   *channels.InApp
	push    *channels.Push
	catalog *rules.Catalog
	engine  *rules.Engine
	disp    *rules.Dispatcher
	sched   *scheduler.Service
	conn    *connection.Manager
	ops     *ops.Server

	sessionID string
	unsubs    []func()
}

type Option func(*options)

type options struct {
	connOpts []connection.Option
}

// WithConnectionOptions passes options (e.g. a dialer) to the connection manager.
func WithConnectionOptions(opts ...connection.Option) Option {
	return func(o *options) { o.connOpts = append(o.connOpts, opts...) }
}

// New loads and validates the config at cfgPath and builds every component.
// Nothing runs until Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	a := &App{cfgm: cfgm, logs: logSvc, log: log.With(logx.String("comp", "app"))}
	if err := a.build(cfg, log, o); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, log logx.Logger, o options) error {
	comp := func(name string) logx.Logger { return log.With(logx.String("comp", name)) }

	a.metrics = metrics.New()
	a.bus = eventbus.New(eventbus.WithLogger(comp("bus")), eventbus.WithObserver(a.metrics))

	if sc, ok, err := mapStorageConfig(cfg); err != nil {
		return err
	} else if ok {
		st, err := storage.Open(sc, comp("storage"))
		if err != nil {
			return err
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	if rc, ok, err := mapRESTConfig(cfg); err != nil {
		return err
	} else if ok {
		c, err := restapi.New(rc, restapi.WithLogger(comp("restapi")))
		if err != nil {
			return err
		}
		a.rest = c
	}

	// Preferences: per-user from the external store, defaults from config.
	var src prefs.Source
	if a.rest != nil {
		src = a.rest
	}
	ttl, err := mapPrefsCacheTTL(cfg)
	if err != nil {
		return err
	}
	filter, err := prefs.New(cfg.Preferences.DefaultPreferences(), cfg.Preferences.Timezone, src,
		prefs.WithLogger(comp("prefs")), prefs.WithObserver(a.metrics), prefs.WithCacheTTL(ttl))
	if err != nil {
		return fmt.Errorf("preferences: %w", err)
	}
	a.filter = filter

	reg, err := a.buildChannels(cfg, comp)
	if err != nil {
		return err
	}

	source, _, err := catalogSource(cfg)
	if err != nil {
		return err
	}
	var ruleSet []model.Rule
	var tplSet []model.Template
	if source == config.CatalogFromConfig {
		ruleSet, tplSet = cfg.Rules, cfg.Templates
	}
	cat, err := rules.NewCatalog(ruleSet, tplSet)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	a.catalog = cat
	a.engine = rules.NewEngine(cat, filter, reg,
		rules.WithLogger(comp("rules")),
		rules.WithBus(a.bus),
		rules.WithObserver(a.metrics),
	)
	a.disp = rules.NewDispatcher(a.engine, mapDispatchConfig(cfg), comp("dispatch"), a.metrics, a.metrics)

	sc, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	schedOpts := []scheduler.Option{scheduler.WithObserver(a.metrics)}
	if a.store != nil {
		schedOpts = append(schedOpts, scheduler.WithStore(a.store))
	}
	a.sched = scheduler.New(sc, a.bus, comp("scheduler"), schedOpts...)

	if cc, ok, err := mapConnectionConfig(cfg); err != nil {
		return err
	} else if ok {
		connOpts := append([]connection.Option{connection.WithObserver(a.metrics)}, o.connOpts...)
		m, err := connection.New(cc, a.bus, comp("connection"), connOpts...)
		if err != nil {
			return err
		}
		a.conn = m
		a.sessionID = strings.TrimSpace(cfg.Connection.SessionID)
	} else {
		a.log.Info("connection disabled (no connection.url)")
	}

	oc, err := mapOpsConfig(cfg)
	if err != nil {
		return err
	}
	var push api.Push
	if a.push != nil {
		push = a.push
	}
	admin := api.New(a.sched, a.inapp, push, comp("api"))
	a.ops = ops.New(oc, a.metrics.Handler(), a.health, comp("ops"), ops.WithAPI(admin.Routes()))
	return nil
}

// buildChannels registers every channel the config can serve. In-app goes to
// the external store when configured, otherwise to local storage; with
// neither, a memory store is created so in-app delivery still works.
func (a *App) buildChannels(cfg *config.Config, comp func(string) logx.Logger) (channels.Registry, error) {
	reg := channels.Registry{}

	var inbox channels.Inbox
	switch {
	case a.rest != nil:
		inbox = a.rest
	case a.store != nil:
		inbox = a.store
	default:
		var mc storage.Config
		if cfg.Storage != nil {
			mc.MaxDeliveries, mc.MaxInbox = cfg.Storage.MaxDeliveries, cfg.Storage.MaxInbox
		}
		a.store = storage.NewMemory(mc)
		inbox = a.store
		a.log.Info("no storage or rest configured; using in-memory inbox")
	}
	a.inapp = channels.NewInApp(inbox)
	reg.Register(a.inapp)

	wc, err := mapWebhookConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.webhook = channels.NewWebhook(wc, nil, comp("webhook"))
	reg.Register(a.webhook)

	if cfg.Delivery.BrowserEnabled {
		bl := comp("browser")
		reg.Register(channels.NewBrowser(mapBrowserConfig(cfg),
			channels.StaticPermission(channels.PermissionGranted), channels.LogPresenter{Log: bl}, bl))
	}
	if a.rest != nil {
		reg.Register(channels.NewEmail(a.rest))
		if cfg.Delivery.PushEnabled {
			a.push = channels.NewPush(a.rest)
			reg.Register(a.push)
		}
	}
	return reg, nil
}

func (a *App) Bus() eventbus.Bus               { return a.bus }
func (a *App) Store() storage.Store            { return a.store }
func (a *App) Engine() *rules.Engine           { return a.engine }
func (a *App) Scheduler() *scheduler.Service   { return a.sched }
func (a *App) Connection() *connection.Manager { return a.conn }
func (a *App) Metrics() *metrics.Metrics       { return a.metrics }
func (a *App) Inbox() *channels.InApp          { return a.inapp }
func (a *App) Ops() *ops.Server                { return a.ops }

// Done is closed when the app supervisor context is cancelled (fatal error or Stop).
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

func (a *App) health() ops.Health {
	h := ops.Health{OK: true, Supervisors: map[string]rtsup.Status{}}
	if a.sup != nil {
		h.Supervisors["app"] = a.sup.Status()
		if a.sup.Err() != nil {
			h.OK = false
		}
	}
	if a.conn != nil {
		st := a.conn.State()
		h.Connection = st.String()
		if st == model.StateFailed {
			h.OK = false
		}
	}
	h.Details = map[string]any{
		"scheduled_pending":     len(a.sched.List(model.StatusPending)),
		"rules":                 len(a.catalog.Rules()),
		"webhook_open_circuits": a.webhook.OpenCircuits(),
	}
	return h
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(true),
		rtsup.WithHook(a.metrics),
	)
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return config.Validate(cfg) })

	run := a.sup.Context()

	if a.store != nil {
		a.unsubs = append(a.unsubs, a.attachAudit(a.store))
	}
	a.disp.Start(run)
	a.unsubs = append(a.unsubs, a.disp.Attach(a.bus))

	if err := a.startCatalog(run, a.cfgm.Get()); err != nil {
		return err
	}
	if err := a.sched.Start(run); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if a.ops.Enabled() {
		a.ops.Start(run)
	}
	if a.conn != nil {
		if err := a.conn.Connect(run, a.sessionID); err != nil {
			return fmt.Errorf("connection: %w", err)
		}
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.startWatchdog()

	sdNotify(a.log, sdReady)
	a.log.Info("app started",
		logx.Int("rules", len(a.catalog.Rules())),
		logx.Bool("connection", a.conn != nil),
		logx.Bool("rest", a.rest != nil),
	)
	return nil
}

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
			// Coalesce bursts: keep only the latest.
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
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig applies everything a running process can take: logging,
// catalog, default preferences, delivery, scheduler and ops settings.
func (a *App) applyConfig(ctx context.Context, prev, cfg *config.Config) {
	sections, attrs := config.SummarizeChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	sdNotify(a.log, sdReloading)
	defer sdNotify(a.log, sdReady)

	a.logs.Apply(mapLoggingConfig(cfg))

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.Strings("sections", restart))
	}

	if src, _, err := catalogSource(cfg); err == nil && src == config.CatalogFromConfig {
		if err := a.catalog.Replace(cfg.Rules, cfg.Templates); err != nil {
			a.log.Warn("invalid catalog; keeping previous", logx.Err(err))
		}
	}
	if err := a.filter.Apply(cfg.Preferences.DefaultPreferences(), cfg.Preferences.Timezone); err != nil {
		a.log.Warn("invalid preferences; keeping previous", logx.Err(err))
	}
	if wc, err := mapWebhookConfig(cfg); err != nil {
		a.log.Warn("invalid webhook config; keeping previous", logx.Err(err))
	} else {
		a.webhook.Apply(wc)
	}
	if sc, err := mapSchedulerConfig(cfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(sc)
	}
	if oc, err := mapOpsConfig(cfg); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, oc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, sdStopping)

	// Disconnect first so no new inbound events arrive while draining.
	a.step(ctx, "connection", 2*time.Second, func(c context.Context) error {
		if a.conn == nil {
			return nil
		}
		a.conn.Disconnect()
		return a.conn.Wait(c)
	})
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "dispatcher", 3*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })
	a.step(ctx, "ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })

	a.sup.Cancel()
	for _, u := range a.unsubs {
		u()
	}
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
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
