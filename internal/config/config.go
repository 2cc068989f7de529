// Package config loads the YAML configuration file that wires every
// tunable named in the system: worker seeds, pool sizing, breaker
// tuning, scheduler pacing, and metrics persistence.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Port int `yaml:"port"`

	WorkerHosts []string `yaml:"worker_hosts"`
	UseTLS      bool     `yaml:"use_tls"`

	MaxStreamsPerWorker int `yaml:"max_streams_per_worker"`
	MaxConcurrentGlobal int `yaml:"max_concurrent_global"`
	MaxJobsPerWorker    int `yaml:"max_jobs_per_worker"`

	JobTimeout         time.Duration `yaml:"job_timeout"`
	TerminalRetention  time.Duration `yaml:"terminal_retention"`
	SchedulerTick      time.Duration `yaml:"scheduler_tick_interval"`
	ProbeInterval      time.Duration `yaml:"probe_interval"`
	DispatchProbeTimeout time.Duration `yaml:"dispatch_probe_timeout"`
	BGProbeTimeout      time.Duration `yaml:"bg_probe_timeout"`

	Breaker BreakerConfig `yaml:"breaker"`

	ExecutionTimeout time.Duration `yaml:"execution_timeout"`
	OutputFiles      bool          `yaml:"output_files"`
	OutputDir        string        `yaml:"output_dir"`

	MetricsFilePath     string        `yaml:"metrics_file_path"`
	MetricsSaveInterval time.Duration `yaml:"metrics_save_interval"`
	MetricsPort         int           `yaml:"metrics_port"`

	LogLevel string `yaml:"log_level"`
}

// BreakerConfig mirrors internal/breaker.Config in YAML form so it can
// be tuned per-deployment without a code change.
type BreakerConfig struct {
	FailureThreshold  int           `yaml:"failure_threshold"`
	SuccessThreshold  int           `yaml:"success_threshold"`
	ResetTimeout      time.Duration `yaml:"reset_timeout"`
	MaxResetTimeout   time.Duration `yaml:"max_reset_timeout"`
	VolumeThreshold   int           `yaml:"volume_threshold"`
	ErrorThresholdPct float64       `yaml:"error_threshold_pct"`
	WindowSize        time.Duration `yaml:"window_size"`
}

// Default returns the configuration used when no file is supplied,
// matching the defaults each component applies on its own when given a
// zero-value Config.
func Default() Config {
	return Config{
		Port:                 8080,
		WorkerHosts:          []string{"localhost:8188"},
		MaxStreamsPerWorker:  3,
		MaxConcurrentGlobal:  4,
		MaxJobsPerWorker:     2,
		JobTimeout:           5 * time.Minute,
		TerminalRetention:    30 * time.Second,
		SchedulerTick:        time.Second,
		ProbeInterval:        30 * time.Second,
		DispatchProbeTimeout: 2 * time.Second,
		BGProbeTimeout:       5 * time.Second,
		Breaker: BreakerConfig{
			FailureThreshold:  3,
			SuccessThreshold:  2,
			ResetTimeout:      15 * time.Second,
			MaxResetTimeout:   2 * time.Minute,
			VolumeThreshold:   10,
			ErrorThresholdPct: 50,
			WindowSize:        60 * time.Second,
		},
		ExecutionTimeout:    60 * time.Second,
		OutputFiles:         false,
		OutputDir:           "outputs",
		MetricsFilePath:     "./data/metrics.json",
		MetricsSaveInterval: 5 * time.Minute,
		MetricsPort:         9090,
		LogLevel:            "info",
	}
}

// Load reads and parses a YAML config file, applying Default() values
// for anything the file leaves at zero.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config YAML: %w", err)
	}
	if len(cfg.WorkerHosts) == 0 {
		return Config{}, fmt.Errorf("config must list at least one worker host")
	}
	if cfg.MaxStreamsPerWorker < 1 || cfg.MaxStreamsPerWorker > 10 {
		return Config{}, fmt.Errorf("max_streams_per_worker must be within [1, 10], got %d", cfg.MaxStreamsPerWorker)
	}
	return cfg, nil
}
