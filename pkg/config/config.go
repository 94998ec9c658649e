// Package config loads the corebus server configuration from YAML or TOML
// and watches it for changes.
package config

import (
	"fmt"
	"time"
)

// Duration is a time.Duration that reads and writes as a Go duration
// string ("30s", "5m") in both YAML and TOML.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full server configuration.
type Config struct {
	Listen   ListenConfig   `yaml:"listen" toml:"listen"`
	Dispatch DispatchConfig `yaml:"dispatch" toml:"dispatch"`
	Bus      BusConfig      `yaml:"bus" toml:"bus"`
	EventLog EventLogConfig `yaml:"eventlog" toml:"eventlog"`
}

// ListenConfig controls the server listener.
type ListenConfig struct {
	Network          string   `yaml:"network" toml:"network"` // "unix" or "tcp"
	Addr             string   `yaml:"addr" toml:"addr"`
	HeartbeatTimeout Duration `yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
	Token            string   `yaml:"token,omitempty" toml:"token,omitempty"`
}

// DispatchConfig mirrors dispatcher.Config. TaskTimeout and MaxRetries can
// be changed while the server runs.
type DispatchConfig struct {
	TaskTimeout     Duration `yaml:"task_timeout" toml:"task_timeout"`
	MaxRetries      int      `yaml:"max_retries" toml:"max_retries"` // 0 or negative disables retries
	SweepInterval   Duration `yaml:"sweep_interval" toml:"sweep_interval"`
	WorkerQueueSize int      `yaml:"worker_queue_size" toml:"worker_queue_size"`
	DefaultMaxWait  Duration `yaml:"default_max_wait" toml:"default_max_wait"`
}

// BusConfig controls the event bus.
type BusConfig struct {
	QueueSize int `yaml:"queue_size" toml:"queue_size"`
}

// EventLogConfig controls the SQLite event recorder.
type EventLogConfig struct {
	Enabled   bool     `yaml:"enabled" toml:"enabled"`
	Path      string   `yaml:"path" toml:"path"`
	Retention Duration `yaml:"retention" toml:"retention"` // zero keeps everything
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return base().withDefaults()
}

// base holds the values a file decodes over. Settings whose zero value is
// meaningful are preset here instead of in withDefaults, so an explicit
// zero in the file survives.
func base() Config {
	return Config{
		Dispatch: DispatchConfig{MaxRetries: 3},
		EventLog: EventLogConfig{Enabled: true},
	}
}

func (c Config) withDefaults() Config {
	out := c
	if out.Listen.Network == "" {
		out.Listen.Network = "unix"
	}
	if out.Listen.HeartbeatTimeout == 0 {
		out.Listen.HeartbeatTimeout = Duration(45 * time.Second)
	}
	if out.Dispatch.TaskTimeout == 0 {
		out.Dispatch.TaskTimeout = Duration(30 * time.Second)
	}
	if out.Dispatch.SweepInterval == 0 {
		out.Dispatch.SweepInterval = Duration(time.Second)
	}
	if out.Dispatch.WorkerQueueSize == 0 {
		out.Dispatch.WorkerQueueSize = 128
	}
	if out.Dispatch.DefaultMaxWait == 0 {
		out.Dispatch.DefaultMaxWait = Duration(5 * time.Minute)
	}
	if out.Bus.QueueSize == 0 {
		out.Bus.QueueSize = 256
	}
	return out
}

// Validate reports configuration that cannot be served.
func (c Config) Validate() error {
	switch c.Listen.Network {
	case "unix", "tcp":
	default:
		return fmt.Errorf("listen.network: unsupported network %q", c.Listen.Network)
	}
	if c.Listen.Addr == "" {
		return fmt.Errorf("listen.addr: required")
	}
	if c.Dispatch.TaskTimeout < 0 || c.Dispatch.SweepInterval < 0 || c.Dispatch.DefaultMaxWait < 0 {
		return fmt.Errorf("dispatch: durations must not be negative")
	}
	if c.Dispatch.WorkerQueueSize < 0 || c.Bus.QueueSize < 0 {
		return fmt.Errorf("queue sizes must not be negative")
	}
	if c.EventLog.Enabled && c.EventLog.Path == "" {
		return fmt.Errorf("eventlog.path: required when the event log is enabled")
	}
	return nil
}
