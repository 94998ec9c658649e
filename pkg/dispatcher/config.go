package dispatcher

import "time"

// Config holds Dispatcher configuration.
type Config struct {
	TaskTimeout     time.Duration // Per-attempt acknowledgement deadline (default 30s).
	MaxRetries      int           // Re-dispatches after the first attempt (default 3, negative disables retries).
	SweepInterval   time.Duration // Supervisor timer period (default 1s).
	WorkerQueueSize int           // Delivery buffer per attached worker (default 128).
	DefaultMaxWait  time.Duration // Used when Submit is called with maxWait <= 0 (default 5m).
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.TaskTimeout == 0 {
		out.TaskTimeout = 30 * time.Second
	}
	if out.MaxRetries == 0 {
		out.MaxRetries = 3
	}
	if out.MaxRetries < 0 {
		out.MaxRetries = 0
	}
	if out.SweepInterval == 0 {
		out.SweepInterval = time.Second
	}
	if out.WorkerQueueSize == 0 {
		out.WorkerQueueSize = 128
	}
	if out.DefaultMaxWait == 0 {
		out.DefaultMaxWait = 5 * time.Minute
	}
	return out
}

// Policy is the part of the configuration that can change at runtime.
type Policy struct {
	TaskTimeout time.Duration
	MaxRetries  int
}

func (c Config) policy() Policy {
	return Policy{TaskTimeout: c.TaskTimeout, MaxRetries: c.MaxRetries}
}
