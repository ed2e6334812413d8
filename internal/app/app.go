// Package app composes the agent: configuration, logging, the device
// registry, the dispatcher and the tracker, plus the periodic jobs that keep
// them healthy.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"

	"octoagent/internal/config"
	"octoagent/internal/gcode"
	"octoagent/internal/printer"
	"octoagent/internal/push"
	"octoagent/internal/registry"
	"octoagent/internal/remotecfg"
	"octoagent/internal/runtime/supervisor"
	"octoagent/internal/tracker"
	"octoagent/pkg/clock"
	"octoagent/pkg/logx"
)

type Options struct {
	ConfigPath string
	// Host is the print host integration feeding state queries. Required.
	Host printer.StateProvider
	// SmartPause is optional; hosts without one leave it nil.
	SmartPause tracker.SmartPause
	Clock      clock.Clock
}

// App owns the lifecycle of all agent services.
type App struct {
	log    logx.Logger
	logSvc *logx.Service
	clk    clock.Clock

	cfgMgr     *config.Manager
	store      registry.Store
	remote     *remotecfg.Holder
	dispatcher *push.Dispatcher
	tracker    *tracker.Tracker
	runner     *gcode.Runner
	jobs       *cron.Cron

	sup *supervisor.Supervisor
}

func New(opts Options) (*App, error) {
	if opts.Host == nil {
		return nil, fmt.Errorf("app: host state provider is required")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.System()
	}

	cfgMgr := config.NewManager(opts.ConfigPath)
	cfg, err := cfgMgr.Load()
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("app: load config: %w", err)
		}
		cfg = config.Default()
		cfgMgr.Commit(cfg)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Log.Level,
		Console: cfg.Log.Console,
		File: logx.FileConfig{
			Enabled: cfg.Log.File.Enabled,
			Path:    cfg.Log.File.Path,
		},
	})
	cfgMgr.SetLogger(log.With(logx.String("svc", "config")))

	store, err := registry.Open(registry.Config{
		Path:        cfg.Registry.Path,
		BusyTimeout: time.Duration(cfg.Registry.BusyTimeout),
	}, log.With(logx.String("svc", "registry")))
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("app: open registry: %w", err)
	}

	// Env overrides for development against a local fanout instance.
	configURL := cfg.Push.ConfigURL
	if v := os.Getenv("OCTOAGENT_CONFIG_URL"); v != "" {
		configURL = v
	}
	dispatchURL := cfg.Push.DispatchURL
	if v := os.Getenv("OCTOAGENT_DISPATCH_URL"); v != "" {
		dispatchURL = v
	}

	remote := remotecfg.New(configURL, clk, log.With(logx.String("svc", "remotecfg")))

	dispatcher := push.NewDispatcher(store, remote, push.Options{
		PrinterName: cfg.Printer.Name,
		QueueSize:   cfg.Push.QueueSize,
		RatePerSec:  cfg.Push.RatePerSec,
		DispatchURL: dispatchURL,
		Clock:       clk,
	}, log.With(logx.String("svc", "push")))

	var webcam printer.Webcam
	if cfg.Webcam.SnapshotURL != "" {
		webcam = printer.NewHTTPWebcam(cfg.Webcam.SnapshotURL, log.With(logx.String("svc", "webcam")))
	}

	trk := tracker.New(dispatcher, opts.Host, tracker.Options{
		PauseIsInteraction: cfg.Tracker.PauseIsInteraction,
		Clock:              clk,
		SmartPause:         opts.SmartPause,
		Webcam:             webcam,
	}, log.With(logx.String("svc", "tracker")))

	extractor := gcode.NewExtractor(log.With(logx.String("svc", "gcode")))
	runner := gcode.NewRunner(extractor, trk, log.With(logx.String("svc", "gcode")))

	return &App{
		log:        log.With(logx.String("svc", "app")),
		logSvc:     logSvc,
		clk:        clk,
		cfgMgr:     cfgMgr,
		store:      store,
		remote:     remote,
		dispatcher: dispatcher,
		tracker:    trk,
		runner:     runner,
		jobs:       cron.New(),
	}, nil
}

// Tracker returns the print tracker, for the host integration to feed.
func (a *App) Tracker() *tracker.Tracker { return a.tracker }

// GcodeRunner returns the scheduled-notification runner, for the host
// integration to feed file positions and loaded files.
func (a *App) GcodeRunner() *gcode.Runner { return a.runner }

// Logger returns the root application logger.
func (a *App) Logger() logx.Logger { return a.log }

// Start brings up the background services. It returns once everything is
// running; use Wait to block until a fatal error or shutdown.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("svc", "supervisor"))),
	)

	// Prime the remote config before the first event goes out.
	a.remote.Refresh(ctx)

	a.sup.Go0("push.worker", a.dispatcher.Run)
	a.sup.GoRestart("config.watch", a.cfgMgr.Watch)
	a.sup.Go0("config.apply", a.watchConfig)

	if _, err := a.jobs.AddFunc("@hourly", func() {
		jctx, cancel := context.WithTimeout(a.sup.Context(), time.Minute)
		defer cancel()
		if err := a.dispatcher.SweepExpiredActivities(jctx); err != nil {
			a.log.Warn("activity expiry sweep failed", logx.Err(err))
		}
	}); err != nil {
		return fmt.Errorf("app: schedule expiry sweep: %w", err)
	}
	if _, err := a.jobs.AddFunc("@daily", func() {
		jctx, cancel := context.WithTimeout(a.sup.Context(), time.Minute)
		defer cancel()
		a.remote.Refresh(jctx)
	}); err != nil {
		return fmt.Errorf("app: schedule remote config refresh: %w", err)
	}
	a.jobs.Start()

	a.log.Info("agent started")
	return nil
}

// watchConfig applies config reloads to the services that take them live.
func (a *App) watchConfig(ctx context.Context) {
	updates := a.cfgMgr.Subscribe(1)
	defer a.cfgMgr.Unsubscribe(updates)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			a.logSvc.Apply(logx.Config{
				Level:   cfg.Log.Level,
				Console: cfg.Log.Console,
				File: logx.FileConfig{
					Enabled: cfg.Log.File.Enabled,
					Path:    cfg.Log.File.Path,
				},
			})
			a.dispatcher.SetPrinterName(cfg.Printer.Name)
			a.log.Info("configuration reloaded")
		}
	}
}

// Wait blocks until a background service fails or ctx ends.
func (a *App) Wait(ctx context.Context) error {
	return a.sup.Wait(ctx)
}

// Stop shuts everything down in reverse dependency order.
func (a *App) Stop() {
	stopCtx := a.jobs.Stop()
	<-stopCtx.Done()

	a.tracker.Close()
	if a.sup != nil {
		a.sup.Cancel()
		waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.sup.Wait(waitCtx)
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("failed to close registry store", logx.Err(err))
	}
	a.log.Info("agent stopped")
	_ = a.logSvc.Close()
}
