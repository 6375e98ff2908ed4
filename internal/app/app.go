package app

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/coreos/go-systemd/v22/daemon"

	"sonaris/internal/config"
	"sonaris/internal/eventbus"
	"sonaris/internal/instrument"
	"sonaris/internal/observability/status"
	"sonaris/internal/runtime/supervisor"
	"sonaris/internal/storage"
	"sonaris/internal/task/action"
	"sonaris/internal/task/timekeeper"
	"sonaris/internal/task/worker"
	"sonaris/internal/tasks"
	logx "sonaris/pkg/logx"
)

// Option customizes New.
type Option func(*options)

type options struct {
	logLevel  string
	readOnly  bool
	generator instrument.SignalGenerator
	scope     instrument.Oscilloscope
}

// WithLogLevel overrides logging.level from the config file.
func WithLogLevel(level string) Option {
	return func(o *options) { o.logLevel = level }
}

// ReadOnly opens the store without taking its lock; every save fails with
// storage.ErrReadOnly. Listing commands use it while a daemon is running.
func ReadOnly() Option {
	return func(o *options) { o.readOnly = true }
}

// WithInstruments replaces the dry-run instrument backends.
func WithInstruments(gen instrument.SignalGenerator, scope instrument.Oscilloscope) Option {
	return func(o *options) {
		o.generator = gen
		o.scope = scope
	}
}

// App owns every long-lived component. New builds them in offline mode:
// jobs can be added, listed and cancelled against the store, but nothing
// fires until Start. Unless ReadOnly is given, New takes the store lock and
// holds it until Stop or Close, so only one process writes the store.
type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor
	opts options

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	lock  *storage.Lock
	sd    *notifier

	reg    *action.Registry
	worker *worker.Service
	tk     *timekeeper.Service
	status *status.Server
}

func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logCfg := mapLoggingConfig(cfg)
	if strings.TrimSpace(o.logLevel) != "" {
		logCfg.Level = o.logLevel
	}
	logSvc, root := logx.New(logCfg)
	log := root.With(logx.String("comp", "app"))

	var (
		lock  *storage.Lock
		store storage.Store
	)
	fail := func(err error) (*App, error) {
		if store != nil {
			_ = store.Close()
		}
		_ = lock.Release()
		_ = logSvc.Close()
		return nil, err
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return fail(err)
	}
	if !o.readOnly {
		if lock, err = storage.AcquireLock(sc); err != nil {
			return fail(err)
		}
	}
	if store, err = storage.Open(sc, root.With(logx.String("comp", "storage"))); err != nil {
		return fail(err)
	}
	if o.readOnly {
		store = storage.ReadOnly(store)
	}
	log.Debug("storage opened",
		logx.String("driver", sc.Driver),
		logx.String("path", sc.Path),
		logx.String("lock", lock.Path()),
		logx.Bool("read_only", o.readOnly),
	)

	bus := eventbus.New()

	if o.generator == nil || o.scope == nil {
		dry := instrument.NewDryRun(root)
		if o.generator == nil {
			o.generator = dry
		}
		if o.scope == nil {
			o.scope = dry
		}
	}
	reg := action.NewRegistry()
	if err := tasks.Register(reg, o.generator, o.scope); err != nil {
		return fail(err)
	}

	wcfg, err := mapWorkerConfig(cfg)
	if err != nil {
		return fail(err)
	}
	wk := worker.New(wcfg, reg, root, bus)

	tk, err := timekeeper.New(mapTimekeeperConfig(cfg), store, reg, wk, root, bus)
	if err != nil {
		return fail(err)
	}

	var st *status.Server
	if cfg.Status.Enabled {
		st = status.New(status.Config{
			Addr:  cfg.StatusAddr(),
			Token: cfg.Status.Token,
			Pprof: cfg.Status.Pprof,
		}, tk, wk, root.With(logx.String("comp", "status")))
	}

	return &App{
		cfgm:   cfgm,
		opts:   o,
		log:    log,
		logs:   logSvc,
		bus:    bus,
		store:  store,
		lock:   lock,
		sd:     newNotifier(cfg.Systemd.Notify, root.With(logx.String("comp", "systemd"))),
		reg:    reg,
		worker: wk,
		tk:     tk,
		status: st,
	}, nil
}

func (a *App) Config() *config.Config          { return a.cfgm.Get() }
func (a *App) Logger() logx.Logger             { return a.log }
func (a *App) Bus() eventbus.Bus               { return a.bus }
func (a *App) Registry() *action.Registry      { return a.reg }
func (a *App) Worker() *worker.Service         { return a.worker }
func (a *App) Timekeeper() *timekeeper.Service { return a.tk }
func (a *App) Location() *time.Location        { return a.cfgm.Get().Location() }

// Status returns the status server, or nil when status.enabled is false.
func (a *App) Status() *status.Server { return a.status }

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

// Start re-arms persisted jobs, starts firing, and begins watching the config file.
func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	if a.opts.readOnly {
		return errors.New("app opened read-only cannot start")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.logs.Logger().With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		_, err := mapWorkerConfig(cfg)
		return err
	})

	// Timekeeper first: it hands persisted jobs to the (still stopped) worker,
	// which arms all of them at once when it starts.
	if err := a.tk.Start(a.sup.Context()); err != nil {
		a.log.Warn("timekeeper start persisted with errors", logx.Err(err))
	}
	if err := a.worker.Start(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return err
	}

	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.GoRestart("config.watch", time.Second, 30*time.Second, a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", a.sd.watchdog)
	if a.status != nil {
		a.sup.GoRestart("status.http", time.Second, 30*time.Second, a.status.Serve)
	}

	a.sd.notify(daemon.SdNotifyReady)
	a.log.Info("app started",
		logx.Int("actions", len(a.reg.Names())),
		logx.Int("jobs", len(a.tk.GetJobs())),
	)
	return nil
}

func (a *App) logEvents(c context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-c.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			fields := []logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}
			if je, ok := e.Data.(eventbus.JobEvent); ok {
				fields = append(fields, logx.String("job_id", je.ID), logx.String("task", je.Task))
				if je.Error != "" {
					fields = append(fields, logx.String("error", je.Error))
				}
			}
			a.log.Debug("event", fields...)
		}
	}
}

// reloadLoop applies hot-reloaded config to the running components.
func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
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
			a.apply(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) apply(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if s == "storage" || s == "status" {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	logCfg := mapLoggingConfig(newCfg)
	if strings.TrimSpace(a.opts.logLevel) != "" {
		logCfg.Level = a.opts.logLevel
	}
	a.logs.Apply(logCfg)

	if wcfg, err := mapWorkerConfig(newCfg); err != nil {
		a.log.Warn("invalid worker config; keeping previous", logx.Err(err))
	} else {
		a.worker.Apply(wcfg)
	}
	a.tk.Apply(mapTimekeeperConfig(newCfg))
	a.sd.setEnabled(newCfg.Systemd.Notify)

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop drains in-flight fires, then closes storage and logging. Pending jobs
// stay persisted and are re-armed on the next Start.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.notify(daemon.SdNotifyStopping)

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	var firstErr error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "stop %s", name)
			}
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	// Worker before storage: completions still persist through the timekeeper.
	step("worker", 5*time.Second, a.worker.Stop)
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.closeStore() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return firstErr
}

// Close releases storage, the store lock and logging for an app that was
// never started.
func (a *App) Close() error {
	err := a.closeStore()
	_ = a.logs.Close()
	return err
}

func (a *App) closeStore() error {
	err := a.store.Close()
	if uerr := a.lock.Release(); uerr != nil && err == nil {
		err = errors.Wrap(uerr, "release store lock")
	}
	return err
}
