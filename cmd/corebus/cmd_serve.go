package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"corebus/internal/version"
	"corebus/pkg/config"
	"corebus/pkg/dispatcher"
	"corebus/pkg/eventbus"
	"corebus/pkg/eventlog"
	"corebus/pkg/protocol"
	"corebus/pkg/server"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// newServeCmd creates the "corebus serve" subcommand.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatch core in the foreground",
		Long: `Starts the dispatcher, event bus and socket server. Lifecycle events are
recorded to the SQLite event log unless eventlog.enabled is false.

The config file is watched while serving: changes to dispatch.task_timeout and
dispatch.max_retries apply to the next assignment. Other settings need a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := config.ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			cfg, err := config.Load(paths)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := log.New(cmd.ErrOrStderr(), "corebus: ", log.LstdFlags)
			return runServe(cmd.Context(), cmd.OutOrStdout(), logger, paths, cfg)
		},
	}
}

// dispatcherConfig converts the file representation. A file max_retries of
// 0 disables retries, which dispatcher.Config spells as a negative value.
func dispatcherConfig(c config.DispatchConfig) dispatcher.Config {
	retries := c.MaxRetries
	if retries <= 0 {
		retries = -1
	}
	return dispatcher.Config{
		TaskTimeout:     c.TaskTimeout.Std(),
		MaxRetries:      retries,
		SweepInterval:   c.SweepInterval.Std(),
		WorkerQueueSize: c.WorkerQueueSize,
		DefaultMaxWait:  c.DefaultMaxWait.Std(),
	}
}

// runServe runs every component until ctx ends or one of them fails.
func runServe(ctx context.Context, out io.Writer, logger *log.Logger, paths *config.Paths, cfg config.Config) error {
	if err := os.MkdirAll(paths.Home, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", paths.Home, err)
	}
	if cfg.Listen.Network == "unix" {
		if err := os.MkdirAll(filepath.Dir(cfg.Listen.Addr), 0o700); err != nil {
			return fmt.Errorf("create socket dir: %w", err)
		}
	}

	bus := eventbus.New(cfg.Bus.QueueSize)
	d := dispatcher.New(dispatcherConfig(cfg.Dispatch), bus)
	srv := server.New(server.Config{
		Network:          cfg.Listen.Network,
		Addr:             cfg.Listen.Addr,
		HeartbeatTimeout: cfg.Listen.HeartbeatTimeout.Std(),
		Authorizer:       server.TokenAuthorizer(cfg.Listen.Token),
		Logger:           logger,
	}, d, bus)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.EventLog.Enabled {
		store, err := eventlog.Open(ctx, cfg.EventLog.Path)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		g.Go(func() error {
			return store.Record(gctx, bus, func(err error) {
				logger.Printf("eventlog: %v", err)
			})
		})
		if retention := cfg.EventLog.Retention.Std(); retention > 0 {
			g.Go(func() error {
				pruneLoop(gctx, store, retention, logger)
				return nil
			})
		}
	}

	g.Go(func() error { return d.Run(gctx) })
	g.Go(func() error { return srv.ListenAndServe(gctx) })
	g.Go(func() error {
		return config.Watch(gctx, paths, logger, func(next config.Config) {
			applyPolicy(d, bus, logger, next.Dispatch)
		})
	})
	g.Go(func() error {
		select {
		case <-srv.Ready():
			fmt.Fprintf(out, "corebus %s listening on %s %s\n", version.String(), cfg.Listen.Network, srv.Addr())
		case <-gctx.Done():
		}
		return nil
	})

	return g.Wait()
}

// applyPolicy installs a reloaded retry policy and announces the change on
// the bus. Unchanged policies are ignored.
func applyPolicy(d *dispatcher.Dispatcher, bus *eventbus.Bus, logger *log.Logger, c config.DispatchConfig) {
	next := dispatcher.Policy{TaskTimeout: c.TaskTimeout.Std(), MaxRetries: max(c.MaxRetries, 0)}
	if next == d.Policy() {
		return
	}
	d.SetPolicy(next)
	logger.Printf("config: task_timeout=%s max_retries=%d", next.TaskTimeout, next.MaxRetries)

	data, _ := json.Marshal(map[string]any{
		"task_timeout": next.TaskTimeout.String(),
		"max_retries":  next.MaxRetries,
	})
	bus.Publish(protocol.Event{Kind: protocol.EventConfigChanged, Data: data})
}

// pruneLoop deletes events older than retention, checking at most hourly.
func pruneLoop(ctx context.Context, store *eventlog.Store, retention time.Duration, logger *log.Logger) {
	interval := min(retention, time.Hour)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := store.Prune(ctx, time.Now().Add(-retention))
		switch {
		case err != nil && ctx.Err() == nil:
			logger.Printf("eventlog: prune: %v", err)
		case n > 0:
			logger.Printf("eventlog: pruned %d events", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
