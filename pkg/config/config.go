package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// TaskConfig is the cadence of one reconciler task
type TaskConfig struct {
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
}

// BackendConfig declares one enabled compute backend
type BackendConfig struct {
	Kind        string            `yaml:"kind"`
	Regions     []string          `yaml:"regions"`
	Credentials map[string]string `yaml:"credentials"`
}

// Config is the server configuration
type Config struct {
	DataDir     string `yaml:"data_dir"`
	MetricsAddr string `yaml:"metrics_addr"`

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`

	// WorkerCap bounds concurrent reconciler handlers; 0 = NumCPU*4
	WorkerCap int `yaml:"worker_cap"`

	Instances TaskConfig `yaml:"instances"`
	Jobs      TaskConfig `yaml:"jobs"`
	Runs      TaskConfig `yaml:"runs"`
	Fleets    TaskConfig `yaml:"fleets"`
	Volumes   TaskConfig `yaml:"volumes"`

	// RetryWindow bounds job resubmission after capacity interruptions
	RetryWindow time.Duration `yaml:"retry_window"`

	SSHPublicKey  string `yaml:"ssh_public_key"`
	SSHPrivateKey string `yaml:"ssh_private_key"`

	Backends []BackendConfig `yaml:"backends"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	cfg := &Config{
		DataDir:     "/var/lib/skiff",
		MetricsAddr: ":9090",
		Instances:   TaskConfig{Interval: 10 * time.Second, BatchSize: 50},
		Jobs:        TaskConfig{Interval: 5 * time.Second, BatchSize: 100},
		Runs:        TaskConfig{Interval: 5 * time.Second, BatchSize: 100},
		Fleets:      TaskConfig{Interval: 15 * time.Second, BatchSize: 50},
		Volumes:     TaskConfig{Interval: 15 * time.Second, BatchSize: 50},
		RetryWindow: 3 * time.Minute,
	}
	cfg.Log.Level = "info"
	return cfg
}

// Load reads a YAML config file over the defaults
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir must be set")
	}
	for _, task := range []TaskConfig{c.Instances, c.Jobs, c.Runs, c.Fleets, c.Volumes} {
		if task.Interval <= 0 {
			return errors.New("task intervals must be positive")
		}
		if task.BatchSize <= 0 {
			return errors.New("task batch sizes must be positive")
		}
	}
	for _, b := range c.Backends {
		if b.Kind == "" {
			return errors.New("backend entries must set kind")
		}
	}
	return nil
}
