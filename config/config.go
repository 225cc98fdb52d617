// Package config loads the settings of the threads command.
//
// Values are layered: struct defaults (creasty/defaults), then an optional
// YAML file, then THREADS_* environment variables, then command-line flags
// bound to the same viper instance.
//
//	Config
//	├── LogLevel / LogFormat
//	├── Pool     - size, queue limit, history
//	├── Worker   - init timeout, terminate timeout
//	├── Metrics  - listen address, namespace, poll interval
//	└── Trace    - span output file
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "THREADS"

type Config struct {
	LogLevel  string  `mapstructure:"log-level" default:"info"`
	LogFormat string  `mapstructure:"log-format" default:"console"`
	Pool      Pool    `mapstructure:"pool"`
	Worker    Worker  `mapstructure:"worker"`
	Metrics   Metrics `mapstructure:"metrics"`
	Trace     Trace   `mapstructure:"trace"`
}

type Pool struct {
	// Size is the number of workers; 0 means one per CPU.
	Size            int    `mapstructure:"size" default:"0"`
	MaxQueuedTasks  int    `mapstructure:"max-queued-tasks" default:"0"`
	HistoryCapacity int    `mapstructure:"history-capacity" default:"100"`
	Name            string `mapstructure:"name" default:"threads"`
}

type Worker struct {
	InitTimeout      time.Duration `mapstructure:"init-timeout" default:"10s"`
	TerminateTimeout time.Duration `mapstructure:"terminate-timeout" default:"5s"`
}

type Metrics struct {
	// Addr is the listen address of the metrics server; empty disables it.
	Addr         string        `mapstructure:"addr"`
	Namespace    string        `mapstructure:"namespace" default:"threads"`
	PollInterval time.Duration `mapstructure:"poll-interval" default:"5s"`
}

type Trace struct {
	// File receives spans as JSON; empty disables tracing.
	File string `mapstructure:"file"`
}

// Keys lists every setting Load reads from the environment.
var Keys = []string{
	"log-level",
	"log-format",
	"pool.size",
	"pool.max-queued-tasks",
	"pool.history-capacity",
	"pool.name",
	"worker.init-timeout",
	"worker.terminate-timeout",
	"metrics.addr",
	"metrics.namespace",
	"metrics.poll-interval",
	"trace.file",
}

// Default returns a Config holding only struct defaults.
func Default() *Config {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		panic(fmt.Sprintf("config: invalid default tags: %v", err))
	}
	return cfg
}

// Load builds a Config from v. When file is not empty it is read first.
func Load(v *viper.Viper, file string) (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("set defaults: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	for _, key := range Keys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var err error
	if _, lerr := zapcore.ParseLevel(c.LogLevel); lerr != nil {
		err = multierr.Append(err, fmt.Errorf("invalid log-level %q", c.LogLevel))
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		err = multierr.Append(err, fmt.Errorf("invalid log-format %q: must be 'console' or 'json'", c.LogFormat))
	}
	if c.Pool.Size < 0 {
		err = multierr.Append(err, errors.New("pool.size must not be negative"))
	}
	if c.Pool.MaxQueuedTasks < 0 {
		err = multierr.Append(err, errors.New("pool.max-queued-tasks must not be negative"))
	}
	if c.Pool.HistoryCapacity < 0 {
		err = multierr.Append(err, errors.New("pool.history-capacity must not be negative"))
	}
	if c.Worker.InitTimeout <= 0 {
		err = multierr.Append(err, errors.New("worker.init-timeout must be positive"))
	}
	if c.Worker.TerminateTimeout <= 0 {
		err = multierr.Append(err, errors.New("worker.terminate-timeout must be positive"))
	}
	if c.Metrics.PollInterval <= 0 {
		err = multierr.Append(err, errors.New("metrics.poll-interval must be positive"))
	}
	return err
}
