package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "printer:\n  name: Voron\n")
	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Printer.Name != "Voron" {
		t.Fatalf("printer name = %q", cfg.Printer.Name)
	}
	// Unset sections keep their defaults.
	if cfg.Log.Level != "info" || cfg.Push.QueueSize != 256 || cfg.Registry.Path != "./octoagent.db" {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "printer:\n  nmae: Voron\n")
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatalf("expected an error for a misspelled field")
	}
}

func TestParseFullFile(t *testing.T) {
	path := writeConfig(t, `log:
  level: debug
  console: false
  file:
    enabled: true
    path: /var/log/octoagent.log
printer:
  name: Ender 3
push:
  rate_per_sec: 5
  queue_size: 64
registry:
  path: /var/lib/octoagent/registry.db
  busy_timeout: 5s
webcam:
  snapshot_url: http://localhost/webcam/snapshot
  timeout: 10s
tracker:
  pause_is_interaction: true
`)
	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Log.Level != "debug" || !cfg.Log.File.Enabled {
		t.Fatalf("log config: %+v", cfg.Log)
	}
	if cfg.Registry.BusyTimeout.Std() != 5*time.Second {
		t.Fatalf("busy_timeout = %v", cfg.Registry.BusyTimeout.Std())
	}
	if cfg.Webcam.Timeout.Std() != 10*time.Second {
		t.Fatalf("webcam timeout = %v", cfg.Webcam.Timeout.Std())
	}
	if !cfg.Tracker.PauseIsInteraction {
		t.Fatalf("pause_is_interaction not parsed")
	}
}

func TestDurationFormats(t *testing.T) {
	path := writeConfig(t, "registry:\n  busy_timeout: 1500000000\nwebcam:\n  timeout: 2m\n")
	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Registry.BusyTimeout.Std() != 1500*time.Millisecond {
		t.Fatalf("bare int duration = %v", cfg.Registry.BusyTimeout.Std())
	}
	if cfg.Webcam.Timeout.Std() != 2*time.Minute {
		t.Fatalf("string duration = %v", cfg.Webcam.Timeout.Std())
	}
}

func TestDurationRejectsGarbage(t *testing.T) {
	path := writeConfig(t, "webcam:\n  timeout: soon\n")
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatalf("expected an error for an unparsable duration")
	}
}

func TestLoadCommitsAndGet(t *testing.T) {
	path := writeConfig(t, "printer:\n  name: Voron\n")
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatalf("Get did not return the committed config")
	}
}

func TestSubscribePublishUnsubscribe(t *testing.T) {
	m := NewManager("unused")
	ch := m.Subscribe(1)

	cfg := Default()
	m.publish(cfg)
	select {
	case got := <-ch:
		if got != cfg {
			t.Fatalf("subscriber got %+v", got)
		}
	default:
		t.Fatalf("expected a published config")
	}

	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatalf("expected the channel closed after Unsubscribe")
	}
}

func TestPublishPrefersNewestForSlowSubscriber(t *testing.T) {
	m := NewManager("unused")
	ch := m.Subscribe(1)

	stale := Default()
	fresh := Default()
	fresh.Printer.Name = "fresh"
	m.publish(stale)
	m.publish(fresh)

	got := <-ch
	if got.Printer.Name != "fresh" {
		t.Fatalf("expected the newest config, got %+v", got)
	}
}
