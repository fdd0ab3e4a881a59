// Package app wires the daemon together: config, logging, the dispatch
// queue, the timer engine, the hosted timer services, anomaly persistence,
// and the periodic diagnostic dump.
package app

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"timerd/internal/config"
	"timerd/internal/dispatch"
	"timerd/internal/engine"
	"timerd/internal/storage"
	"timerd/internal/timer"
	"timerd/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	queue *dispatch.Queue
	eng   *engine.Engine
	store storage.Store
	cron  *cron.Cron

	mu       sync.Mutex
	services map[string]*timer.Service[string]

	cfgSub      chan *config.Config
	cancelWatch context.CancelFunc
	wg          sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
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
	mgr.SetLogger(log.With(logx.String("svc", "config")))

	return &App{
		cfgMgr:   mgr,
		logSvc:   logSvc,
		log:      log,
		services: map[string]*timer.Service[string]{},
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgMgr.Get()

	if cfg.Audit != nil {
		busy, err := config.ParseDurationField("audit.busy_timeout", cfg.Audit.BusyTimeout)
		if err != nil {
			return err
		}
		st, err := storage.Open(storage.Config{
			Driver:      cfg.Audit.Driver,
			Path:        cfg.Audit.Path,
			BusyTimeout: busy,
		}, a.log.With(logx.String("svc", "storage")))
		if err != nil {
			return fmt.Errorf("open audit store: %w", err)
		}
		a.store = st
		if st != nil {
			timer.SetAuditSink(func(rec timer.ErrorRecord) {
				err := st.AppendAnomaly(context.Background(), storage.AnomalyEntry{
					At:      rec.When,
					Service: rec.Tag,
					Op:      rec.Op,
					Issue:   rec.Issue,
					Arg:     rec.Arg,
					Stack:   rec.Stack,
				})
				if err != nil {
					a.log.Warn("anomaly persist failed", logx.Err(err))
				}
			})
		}
	}

	a.queue = dispatch.New(a.log.With(logx.String("svc", "dispatch")))
	a.eng = engine.New(a.log.With(logx.String("svc", "engine")))

	for _, sc := range cfg.Services {
		if err := a.addService(sc); err != nil {
			return err
		}
	}

	if cfg.Dump.Enabled && cfg.Dump.Schedule != "" {
		a.cron = cron.New()
		dump := cfg.Dump
		if _, err := a.cron.AddFunc(dump.Schedule, func() { a.dump(dump) }); err != nil {
			return fmt.Errorf("dump schedule %q: %w", dump.Schedule, err)
		}
		a.cron.Start()
	}

	wctx, cancel := context.WithCancel(ctx)
	a.cancelWatch = cancel
	a.cfgSub = a.cfgMgr.Subscribe(1)
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		_ = a.cfgMgr.Watch(wctx)
	}()
	go func() {
		defer a.wg.Done()
		a.reloadLoop()
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("timerd started",
		logx.Int("services", len(cfg.Services)),
		logx.Bool("dump", cfg.Dump.Enabled))
	return nil
}

// addService creates one hosted timer service. The default delivery handler
// logs the notification and closes the bookkeeping out; in-process clients
// that want the snapshot install their own handler before starting timers.
func (a *App) addService(sc config.ServiceConfig) error {
	args := timer.NewArgs().
		Enable(sc.Accelerated).
		Extend(sc.Extend).
		TestMode(sc.TestMode).
		Engine(a.eng)
	for _, sp := range sc.SplitPoints {
		if err := args.SplitPoint(sp.Percent, sp.Token); err != nil {
			return fmt.Errorf("service %q: %w", sc.Label, err)
		}
	}
	if sc.DiagnosticSplit {
		args.DiagnosticSplit(true)
	}

	svc := timer.New[string](sc.Label, a.queue, sc.Tag, args,
		a.log.With(logx.String("svc", "timer")))
	log := a.log.With(logx.String("timer", sc.Label))
	a.queue.Handle(sc.Tag, func(msg dispatch.Message) {
		key, _ := msg.Key.(string)
		if msg.Token != dispatch.TokenExpiration {
			log.Info("early notification", logx.String("key", key), logx.Int("token", msg.Token))
			return
		}
		if snap, ok := svc.Accept(key); ok {
			log.Warn("timer expired",
				logx.String("key", key),
				logx.Int64("duration_ms", snap.DurationMs))
		}
	})

	a.mu.Lock()
	a.services[sc.Label] = svc
	a.mu.Unlock()
	return nil
}

// Service returns a hosted timer service by label, for in-process clients.
func (a *App) Service(label string) (*timer.Service[string], bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	svc, ok := a.services[label]
	return svc, ok
}

// reloadLoop applies the reloadable subset of the config. Service topology
// is fixed at startup; changing it takes a restart.
func (a *App) reloadLoop() {
	for cfg := range a.cfgSub {
		a.logSvc.Apply(logx.Config{
			Level:   cfg.Logging.Level,
			Console: cfg.Logging.Console,
			File: logx.FileConfig{
				Enabled: cfg.Logging.File.Enabled,
				Path:    cfg.Logging.File.Path,
			},
		})
		a.log.Info("logging config applied")
		a.mu.Lock()
		n := len(a.services)
		a.mu.Unlock()
		if len(cfg.Services) != n {
			a.log.Warn("service topology changed in config; restart to apply")
		}
	}
}

func (a *App) dump(cfg config.DumpConfig) {
	var buf bytes.Buffer
	timer.DumpAll(&buf, cfg.Verbose)

	if cfg.Path == "" {
		a.log.Info("diagnostic dump", logx.String("report", buf.String()))
		return
	}
	tmp := cfg.Path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		a.log.Warn("dump write failed", logx.Err(err), logx.String("path", cfg.Path))
		return
	}
	if err := os.Rename(tmp, cfg.Path); err != nil {
		a.log.Warn("dump rename failed", logx.Err(err), logx.String("path", cfg.Path))
	}
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if a.cron != nil {
		<-a.cron.Stop().Done()
	}
	if a.cancelWatch != nil {
		a.cancelWatch()
	}

	a.mu.Lock()
	svcs := make([]*timer.Service[string], 0, len(a.services))
	for _, s := range a.services {
		svcs = append(svcs, s)
	}
	a.services = map[string]*timer.Service[string]{}
	a.mu.Unlock()
	for _, s := range svcs {
		s.Close()
	}

	if a.queue != nil {
		a.queue.Close()
	}
	timer.SetAuditSink(nil)
	if a.store != nil {
		_ = a.store.Close()
	}

	if a.cfgSub != nil {
		a.cfgMgr.Unsubscribe(a.cfgSub)
		a.cfgSub = nil
	}
	a.wg.Wait()

	a.log.Info("timerd stopped")
	_ = a.logSvc.Close()
	_ = ctx
	return nil
}
