package config

// Config is the on-disk agent configuration.
//
// The file is YAML. Unknown fields are rejected so typos fail loudly at load
// time instead of silently disabling features.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Printer  PrinterConfig  `yaml:"printer"`
	Push     PushConfig     `yaml:"push"`
	Registry RegistryConfig `yaml:"registry"`
	Webcam   WebcamConfig   `yaml:"webcam"`
	Tracker  TrackerConfig  `yaml:"tracker"`
}

type LogConfig struct {
	Level   string        `yaml:"level"`
	Console bool          `yaml:"console"`
	File    LogFileConfig `yaml:"file"`
}

type LogFileConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type PrinterConfig struct {
	// Name is shown in notification texts ("Ender 3 is done!").
	Name string `yaml:"name"`
}

type PushConfig struct {
	// ConfigURL serves the remote push tuning config. Empty uses the default.
	ConfigURL string `yaml:"config_url"`
	// DispatchURL overrides the delivery endpoint from the remote config.
	// Intended for development against a local fanout instance.
	DispatchURL string `yaml:"dispatch_url"`
	RatePerSec  int    `yaml:"rate_per_sec"`
	QueueSize   int    `yaml:"queue_size"`
}

type RegistryConfig struct {
	Path        string   `yaml:"path"`
	BusyTimeout Duration `yaml:"busy_timeout"`
}

type WebcamConfig struct {
	SnapshotURL string   `yaml:"snapshot_url"`
	Timeout     Duration `yaml:"timeout"`
}

type TrackerConfig struct {
	// PauseIsInteraction re-labels pause events as "user interaction needed"
	// on backends without native filament runout detection (Klipper).
	PauseIsInteraction bool `yaml:"pause_is_interaction"`
}

func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Console: true},
		Printer: PrinterConfig{
			Name: "Printer",
		},
		Push: PushConfig{
			RatePerSec: 3,
			QueueSize:  256,
		},
		Registry: RegistryConfig{Path: "./octoagent.db"},
	}
}
