// Package app wires config, logging, storage, the delivery client, the job
// registry and the HTTP surface into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"postrelay/internal/config"
	"postrelay/internal/delivery"
	"postrelay/internal/dispatch"
	"postrelay/internal/eventbus"
	"postrelay/internal/httpapi"
	"postrelay/internal/report"
	"postrelay/internal/runtime/supervisor"
	"postrelay/internal/storage"
	kit "postrelay/internal/transport"
	"postrelay/internal/transport/telegram"
	logx "postrelay/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	client   *delivery.Client
	jobsSup  *supervisor.Supervisor
	registry *dispatch.Registry
	server   *httpapi.Server
	report   *report.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	sender, err := mapTelegram(cfg)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	lc, err := mapLogConfig(cfg)
	if err != nil {
		return nil, err
	}
	logSvc, log := logx.New(lc, alertSender(sender))
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return nil, err
		}
		store = st
		appLog.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	dcfg, _ := mapDeliveryConfig(cfg)
	client := delivery.New(dcfg)

	policy, interval, _ := mapPolicy(cfg)
	// A panicking job must not cancel the app, so jobs get their own supervisor.
	jobsSup := supervisor.New(context.Background(),
		supervisor.WithLogger(log.With(logx.String("comp", "jobs"))),
		supervisor.WithCancelOnError(false),
	)
	registry := dispatch.NewRegistry(dispatch.Options{
		Deliverer:     client,
		Checker:       client,
		Policy:        policy,
		CheckInterval: interval,
		Supervisor:    jobsSup,
		Bus:           bus,
		Store:         store,
		Log:           log,
	})

	hopts, _ := mapHandlerOptions(cfg)
	scfg, _ := mapServerConfig(cfg)
	server := httpapi.NewServer(scfg, httpapi.NewHandler(registry, hopts, log), log)

	return &App{
		cfgm:     cfgm,
		log:      appLog,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		client:   client,
		jobsSup:  jobsSup,
		registry: registry,
		server:   server,
		report:   report.New(registry, log.With(logx.String("comp", "report"))),
	}, nil
}

// alertSender keeps a nil *telegram.Sender out of the interface.
func alertSender(s *telegram.Sender) kit.Sender {
	if s == nil {
		return nil
	}
	return s
}

func (a *App) Registry() *dispatch.Registry { return a.registry }

// Addr is the HTTP listener address once serving.
func (a *App) Addr() string { return a.server.Addr() }

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

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	a.server.Start(a.sup.Context())

	if err := a.report.Apply(mapReportConfig(a.cfgm.Get())); err != nil {
		return err
	}

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
				a.logEvent(e)
			}
		}
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
				// keep only the latest of a burst
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
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

func (a *App) logEvent(e eventbus.Event) {
	ev, ok := e.Data.(eventbus.JobEvent)
	if !ok {
		a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		return
	}
	a.log.Debug("event",
		logx.String("type", e.Type),
		logx.String("job", ev.JobID),
		logx.String("state", ev.State),
		logx.String("reason", ev.Reason),
	)
}

// applyConfig pushes a validated config into every live component.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := make(map[string]bool, len(sections))
	for _, s := range sections {
		changed[s] = true
	}

	if changed["telegram"] {
		sender, err := mapTelegram(next)
		if err != nil {
			a.log.Warn("invalid telegram config; keeping previous sender", logx.Err(err))
		} else {
			a.logs.SetSender(alertSender(sender))
		}
	}
	if changed["logging"] || changed["telegram"] {
		if lc, err := mapLogConfig(next); err != nil {
			a.log.Warn("invalid logging config; keeping previous", logx.Err(err))
		} else {
			a.logs.Apply(lc)
		}
	}
	if changed["graph"] {
		if dcfg, err := mapDeliveryConfig(next); err == nil {
			a.client.Apply(dcfg)
		}
	}
	if changed["jobs"] {
		if p, interval, err := mapPolicy(next); err == nil {
			a.registry.Apply(p, interval)
		}
	}
	if changed["jobs"] || changed["server"] {
		if hopts, err := mapHandlerOptions(next); err == nil {
			a.server.SetHandler(httpapi.NewHandler(a.registry, hopts, a.logs.Logger()))
		}
	}
	if changed["server"] {
		if scfg, err := mapServerConfig(next); err == nil {
			a.server.Reconfigure(ctx, scfg)
		}
	}
	if changed["report"] {
		if err := a.report.Apply(mapReportConfig(next)); err != nil {
			a.log.Warn("invalid report config; keeping previous", logx.Err(err))
		}
	}
	if changed["storage"] {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts everything down in dependency order. Running jobs are stopped
// with reason "service shutting down".
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, shutdownTimeout(a.cfgm.Get()))
		defer cancel()
	}

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		var cancel context.CancelFunc
		if max > 0 {
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
			if took := time.Since(start); took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("http", 3*time.Second, func(c context.Context) error { a.server.Stop(c); return nil })
	step("report", time.Second, func(context.Context) error { a.report.Stop(); return nil })
	step("jobs", 5*time.Second, func(c context.Context) error {
		// Jobs get half the budget to reach a checkpoint. Canceling the jobs
		// supervisor then aborts any delivery still in flight.
		drain := c
		if dl, ok := c.Deadline(); ok {
			var cancel context.CancelFunc
			drain, cancel = context.WithDeadline(c, time.Now().Add(time.Until(dl)/2))
			defer cancel()
		}
		closeErr := a.registry.Close(drain)
		return errors.Join(closeErr, a.jobsSup.Stop(c))
	})
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	return a.logs.Close()
}
