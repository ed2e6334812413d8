package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"

	"octoagent/internal/app"
	"octoagent/internal/printer"
	"octoagent/pkg/logx"
)

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to the YAML config file")
	flag.Parse()

	// Optional; development setups keep URLs and overrides in a .env.
	_ = godotenv.Load()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "agent:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	a, err := app.New(app.Options{
		ConfigPath: configPath,
		Host:       printer.NoHost{},
	})
	if err != nil {
		return err
	}
	log := a.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		a.Stop()
		return err
	}

	notifySystemd(ctx, log)

	err = a.Wait(ctx)
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.Stop()

	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// notifySystemd reports readiness and keeps the watchdog fed when the agent
// runs as a Type=notify unit. Outside systemd both calls are no-ops.
func notifySystemd(ctx context.Context, log logx.Logger) {
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn("sd-notify failed", logx.Err(err))
	} else if ok {
		log.Info("reported readiness to systemd")
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()
}

func defaultConfigPath() string {
	if v := os.Getenv("OCTOAGENT_CONFIG"); v != "" {
		return v
	}
	return "./config.yaml"
}
